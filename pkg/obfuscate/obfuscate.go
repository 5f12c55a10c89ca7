// Package obfuscate generates the wire-facing identifiers for posted
// articles: random subjects, Message-IDs, and plausible-looking headers.
//
// Nothing generated here may be derivable from content, identity, or
// ordering. The only deterministic artifact is the internal subject, which is
// computed from the folder signing key and never posted.
package obfuscate

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/usenetsync/usenetsync/pkg/crypto"
)

const (
	// WireSubjectLength is the length of a posted subject.
	WireSubjectLength = 20

	// messageIDLocalLength is the length of the local part of a Message-ID.
	messageIDLocalLength = 16
)

const (
	wireAlphabet    = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	msgIDAlphabet   = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// domainPool holds plausible Message-ID domains. Real news clients use the
// posting host; these blend into ordinary traffic.
var domainPool = []string{
	"news.example.net",
	"posting.example.org",
	"mail.example.com",
	"nntp.example.io",
	"relay.example.net",
	"news-out.example.org",
}

// userAgentPool mimics common posting software.
var userAgentPool = []string{
	"Mozilla Thunderbird",
	"Pan/0.154",
	"slrn/1.0.3 (Linux)",
	"Claws Mail 4.1.1",
	"Forte Agent 8.0",
	"Xnews/2009.05.01",
}

var organizationPool = []string{
	"",
	"",
	"Easynews",
	"Usenet.Farm",
	"Individual.NET",
}

// randomString draws n characters from alphabet using crypto/rand.
func randomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to draw random character: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

// WireSubject returns a fresh random 20-character alphanumeric subject with
// no relationship to the segment it will carry.
func WireSubject() (string, error) {
	return randomString(wireAlphabet, WireSubjectLength)
}

// InternalSubject returns the deterministic verification subject for a
// segment: 64 hex characters derived from the folder signing key. It is never
// posted to the relay.
func InternalSubject(signingKey []byte, folderID []byte, fileVersion uint32, segmentIndex uint32) string {
	var versions [8]byte
	binary.BigEndian.PutUint32(versions[0:4], fileVersion)
	binary.BigEndian.PutUint32(versions[4:8], segmentIndex)
	sum := crypto.HMACSHA256(signingKey, folderID, versions[:])
	return hex.EncodeToString(sum)
}

// NewMessageID returns a fresh client-generated Message-ID of the form
// <16 random lower-alnum>@<domain from the fixed pool>, angle brackets included.
func NewMessageID() (string, error) {
	local, err := randomString(msgIDAlphabet, messageIDLocalLength)
	if err != nil {
		return "", err
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(domainPool))))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("<%s@%s>", local, domainPool[idx.Int64()]), nil
}

// DeriveMessageID deterministically maps a 16-byte seed onto the Message-ID
// space. Used for the share-id to index-article bootstrap, where the
// identifier alone must resolve the article.
func DeriveMessageID(seed []byte) string {
	local := make([]byte, messageIDLocalLength)
	for i := range local {
		local[i] = msgIDAlphabet[int(seed[i%len(seed)]+byte(i*7))%len(msgIDAlphabet)]
	}
	domain := domainPool[int(binary.BigEndian.Uint16(seed[:2]))%len(domainPool)]
	return fmt.Sprintf("<%s@%s>", string(local), domain)
}

// Headers builds the full header set for one article post. All values are
// drawn from fixed pools or generated randomly; none correlates with content.
func Headers(messageID, subject, newsgroup string) (map[string]string, error) {
	from, err := randomFrom()
	if err != nil {
		return nil, err
	}
	agent, err := pick(userAgentPool)
	if err != nil {
		return nil, err
	}
	org, err := pick(organizationPool)
	if err != nil {
		return nil, err
	}
	path, err := randomPath()
	if err != nil {
		return nil, err
	}

	h := map[string]string{
		"Message-ID": messageID,
		"Subject":    subject,
		"Newsgroups": newsgroup,
		"From":       from,
		"Date":       time.Now().UTC().Format(time.RFC1123Z),
		"Path":       path,
		"User-Agent": agent,
	}
	if org != "" {
		h["Organization"] = org
	}
	return h, nil
}

func pick(pool []string) (string, error) {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool))))
	if err != nil {
		return "", err
	}
	return pool[idx.Int64()], nil
}

// randomFrom builds a throwaway poster identity.
func randomFrom() (string, error) {
	name, err := randomString(msgIDAlphabet, 8)
	if err != nil {
		return "", err
	}
	domain, err := pick(domainPool)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s <%s@%s>", name, name, domain), nil
}

// randomPath disguises the article as having traversed ordinary relays.
func randomPath() (string, error) {
	first, err := pick(domainPool)
	if err != nil {
		return "", err
	}
	second, err := pick(domainPool)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s!%s!not-for-mail", first, second), nil
}
