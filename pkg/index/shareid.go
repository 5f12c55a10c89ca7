package index

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/obfuscate"
)

// Share identifiers are 24 characters of base32 over 15 random bytes. The
// alphabet drops 0/O and 1/I so identifiers survive being read aloud or
// retyped.
const (
	ShareIDLength   = 24
	shareIDRawLen   = 15
	shareIDAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
)

// bootstrapTag keys the share-id to Message-ID derivation. Fixed across
// installations: any client holding a share id can locate the index article.
const bootstrapTag = "usenetsync/index-bootstrap/v1"

// ErrInvalidShareID is returned for identifiers of the wrong shape.
var ErrInvalidShareID = errors.New("invalid share id")

// NewShareID draws a fresh share identifier.
func NewShareID() (string, error) {
	raw := make([]byte, shareIDRawLen)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("failed to generate share id: %w", err)
	}
	return encodeShareID(raw), nil
}

// encodeShareID packs 15 bytes into 24 base32 characters, 5 bits each.
func encodeShareID(raw []byte) string {
	var sb strings.Builder
	sb.Grow(ShareIDLength)
	var acc uint
	var bits uint
	for _, b := range raw {
		acc = acc<<8 | uint(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			sb.WriteByte(shareIDAlphabet[(acc>>bits)&31])
		}
	}
	return sb.String()
}

// ValidateShareID checks shape and alphabet.
func ValidateShareID(shareID string) error {
	if len(shareID) != ShareIDLength {
		return fmt.Errorf("%w: length %d", ErrInvalidShareID, len(shareID))
	}
	for i := 0; i < len(shareID); i++ {
		if strings.IndexByte(shareIDAlphabet, shareID[i]) < 0 {
			return fmt.Errorf("%w: character %q", ErrInvalidShareID, shareID[i])
		}
	}
	return nil
}

// MessageIDForShare maps a share id onto the Message-ID of its index
// article. The mapping is deterministic under a fixed public tag, so the
// identifier alone resolves the article without any subject search.
func MessageIDForShare(shareID string) (string, error) {
	if err := ValidateShareID(shareID); err != nil {
		return "", err
	}
	seed := crypto.HMACSHA256([]byte(bootstrapTag), []byte(shareID))
	return obfuscate.DeriveMessageID(seed[:16]), nil
}
