// Package index builds, seals, publishes, and fetches the core index: the
// bootstrap artifact that lets a recipient locate and decrypt every segment
// of a share from its identifier alone.
package index

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/access"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// Envelope framing.
const (
	envelopeMagic   = "USIX"
	envelopeVersion = 1

	// DocumentVersion is the inner document schema version.
	DocumentVersion = 1
)

var (
	ErrInvalidFormat = errors.New("invalid index envelope")
	ErrSignature     = errors.New("index signature verification failed")

	// ErrUnpostedSegment means a replica-0 segment has no relay ack yet;
	// publishing is ordered-after all originals are durably posted.
	ErrUnpostedSegment = errors.New("segment not yet posted")
)

// Document is the decrypted core index.
type Document struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`

	Share  ShareInfo   `json:"share"`
	Folder FolderInfo  `json:"folder"`
	Files  []FileEntry `json:"files"`

	// ContentKey decrypts segment bodies. It lives inside the sealed
	// document, so only readers who unwrapped the session key obtain it.
	ContentKey []byte `json:"content_key"`
}

type ShareInfo struct {
	ShareID     string             `json:"share_id"`
	FolderID    string             `json:"folder_id"`
	AccessClass models.AccessClass `json:"access_class"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
}

type FolderInfo struct {
	RelativeRoot string `json:"relative_root"`
	FileCount    int    `json:"file_count"`
	TotalSize    int64  `json:"total_size"`
}

type FileEntry struct {
	FileID      int64        `json:"file_id"`
	Path        string       `json:"path"`
	Size        int64        `json:"size"`
	ContentHash string       `json:"content_hash"`
	Segments    []SegmentRef `json:"segments"`
}

type SegmentRef struct {
	Index             uint32   `json:"index"`
	Size              int64    `json:"size"`
	PlaintextHash     string   `json:"plaintext_hash"`
	MessageID         string   `json:"message_id"`
	ReplicaMessageIDs []string `json:"replica_message_ids,omitempty"`
}

// KDFInfo records how the protected-class wrapping key was derived.
type KDFInfo struct {
	Alg        string `json:"alg"`
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations"`
}

// envelope is the signed outer structure. Byte fields marshal as base64
// through encoding/json.
type envelope struct {
	ShareID     string             `json:"share_id"`
	AccessClass models.AccessClass `json:"access_class"`
	AEAD        string             `json:"aead"`
	KDF         *KDFInfo           `json:"kdf,omitempty"`
	WrappedKey  []byte             `json:"wrapped_key,omitempty"`
	Commitments []commitmentJSON   `json:"access_commitments,omitempty"`
	Ciphertext  []byte             `json:"ciphertext"`
	SigningPub  []byte             `json:"signing_pub"`
}

type commitmentJSON struct {
	UserIDHash        []byte `json:"user_id_hash"`
	VerificationKey   []byte `json:"verification_key"`
	WrappedSessionKey []byte `json:"wrapped_session_key"`
}

// SealRequest carries everything needed to wrap a document for its class.
type SealRequest struct {
	Doc        *Document
	SigningKey ed25519.PrivateKey

	// SessionKey is the fresh 32-byte key for this publish.
	SessionKey []byte

	// Password and Salt apply to the protected class.
	Password []byte
	Salt     []byte

	// Root and Recipients apply to the private class.
	Root       []byte
	Recipients []string
}

// Seal serializes, compresses, encrypts, wraps, and signs a document into
// the article body posted to the relay.
func Seal(req SealRequest) ([]byte, error) {
	doc := req.Doc
	shareID := doc.Share.ShareID
	if err := ValidateShareID(shareID); err != nil {
		return nil, err
	}

	env := envelope{
		ShareID:     shareID,
		AccessClass: doc.Share.AccessClass,
		AEAD:        "AES-256-GCM",
		SigningPub:  req.SigningKey.Public().(ed25519.PublicKey),
	}

	switch doc.Share.AccessClass {
	case models.AccessPublic:
		wrapped, err := access.WrapPublic(req.SessionKey, shareID)
		if err != nil {
			return nil, err
		}
		env.WrappedKey = wrapped
	case models.AccessProtected:
		if len(req.Password) == 0 || len(req.Salt) == 0 {
			return nil, fmt.Errorf("%w: protected share needs password and salt", ErrInvalidFormat)
		}
		wrapped, err := access.WrapPassword(req.SessionKey, req.Password, req.Salt, shareID)
		if err != nil {
			return nil, err
		}
		env.WrappedKey = wrapped
		env.KDF = &KDFInfo{Alg: "pbkdf2-sha256", Salt: req.Salt, Iterations: crypto.PBKDF2Iterations}
	case models.AccessPrivate:
		if len(req.Recipients) == 0 {
			return nil, fmt.Errorf("%w: private share with no recipients", ErrInvalidFormat)
		}
		commitments, err := access.BuildCommitments(req.Root, req.SessionKey, shareID, req.Recipients)
		if err != nil {
			return nil, err
		}
		for _, c := range commitments {
			env.Commitments = append(env.Commitments, commitmentJSON{
				UserIDHash:        c.UserIDHash,
				VerificationKey:   c.VerificationKey,
				WrappedSessionKey: c.WrappedSessionKey,
			})
		}
	default:
		return nil, fmt.Errorf("%w: access class %q", ErrInvalidFormat, doc.Share.AccessClass)
	}

	plaintext, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize index: %w", err)
	}
	compressed, err := deflate(plaintext)
	if err != nil {
		return nil, err
	}
	env.Ciphertext, err = crypto.Encrypt(req.SessionKey, compressed, []byte(shareID))
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}

	out := make([]byte, 0, 4+2+4+len(body)+ed25519.SignatureSize)
	out = append(out, envelopeMagic...)
	out = binary.BigEndian.AppendUint16(out, envelopeVersion)
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	sig := crypto.Sign(req.SigningKey, out)
	return append(out, sig...), nil
}

// Credentials select how Open unwraps the session key. Zero value suffices
// for public shares.
type Credentials struct {
	Password []byte

	UserID string
	Root   []byte
}

// Open verifies, unwraps, decrypts, and parses a sealed index envelope.
func Open(data []byte, shareID string, creds Credentials) (*Document, error) {
	env, err := verify(data)
	if err != nil {
		return nil, err
	}
	if env.ShareID != shareID {
		return nil, fmt.Errorf("%w: envelope is for a different share", ErrInvalidFormat)
	}

	var session []byte
	switch env.AccessClass {
	case models.AccessPublic:
		session, err = access.UnwrapPublic(env.WrappedKey, shareID)
	case models.AccessProtected:
		if env.KDF == nil {
			return nil, fmt.Errorf("%w: protected share missing kdf params", ErrInvalidFormat)
		}
		session, err = access.UnwrapPassword(env.WrappedKey, creds.Password, env.KDF.Salt, shareID)
	case models.AccessPrivate:
		commitments := make([]access.Commitment, 0, len(env.Commitments))
		for _, c := range env.Commitments {
			commitments = append(commitments, access.Commitment{
				UserIDHash:        c.UserIDHash,
				VerificationKey:   c.VerificationKey,
				WrappedSessionKey: c.WrappedSessionKey,
			})
		}
		session, err = access.UnwrapPrivate(commitments, creds.Root, creds.UserID, shareID)
	default:
		return nil, fmt.Errorf("%w: access class %q", ErrInvalidFormat, env.AccessClass)
	}
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(session)

	compressed, err := crypto.Decrypt(session, env.Ciphertext, []byte(shareID))
	if err != nil {
		return nil, err
	}
	plaintext, err := inflate(compressed)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return &doc, nil
}

// verify checks framing and signature and returns the parsed envelope.
func verify(data []byte) (*envelope, error) {
	const prologue = 4 + 2 + 4
	if len(data) < prologue+ed25519.SignatureSize {
		return nil, ErrInvalidFormat
	}
	if string(data[0:4]) != envelopeMagic {
		return nil, ErrInvalidFormat
	}
	if v := binary.BigEndian.Uint16(data[4:6]); v != envelopeVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidFormat, v)
	}
	bodyLen := int(binary.BigEndian.Uint32(data[6:10]))
	if len(data) != prologue+bodyLen+ed25519.SignatureSize {
		return nil, ErrInvalidFormat
	}

	signed := data[:prologue+bodyLen]
	sig := data[prologue+bodyLen:]

	var env envelope
	if err := json.Unmarshal(data[prologue:prologue+bodyLen], &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if len(env.SigningPub) != ed25519.PublicKeySize {
		return nil, ErrInvalidFormat
	}
	if !crypto.Verify(ed25519.PublicKey(env.SigningPub), signed, sig) {
		return nil, ErrSignature
	}
	return &env, nil
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return out, nil
}

// SegmentLister is the store surface Build needs.
type SegmentLister interface {
	ListSegmentsByFile(ctx context.Context, fileID int64) ([]*models.Segment, error)
}

// Build assembles the document for a share over the given file snapshot.
// Every replica-0 segment must carry a posted Message-ID; replicas are
// listed as fallbacks in replica-index order.
func Build(ctx context.Context, st SegmentLister, share *models.Share, relativeRoot string, files []*models.File) (*Document, error) {
	doc := &Document{
		Version:   DocumentVersion,
		CreatedAt: time.Now().UTC(),
		Share: ShareInfo{
			ShareID:     share.ShareID,
			FolderID:    share.FolderID,
			AccessClass: share.AccessClass,
			ExpiresAt:   share.ExpiresAt,
		},
		Folder: FolderInfo{RelativeRoot: relativeRoot},
	}

	for _, f := range files {
		segments, err := st.ListSegmentsByFile(ctx, f.FileID)
		if err != nil {
			return nil, err
		}

		refs := map[uint32]*SegmentRef{}
		var order []uint32
		for _, seg := range segments {
			if seg.ReplicaIndex == 0 {
				if !seg.Posted() || seg.MessageID == nil {
					return nil, fmt.Errorf("%w: file %d segment %d", ErrUnpostedSegment, f.FileID, seg.SegmentIndex)
				}
				refs[seg.SegmentIndex] = &SegmentRef{
					Index:         seg.SegmentIndex,
					Size:          seg.Size,
					PlaintextHash: seg.PlaintextHash,
					MessageID:     *seg.MessageID,
				}
				order = append(order, seg.SegmentIndex)
			}
		}
		// The consumer identifies each fallback copy by its position in the
		// replica list, so the list must be gap-free: a posted replica after
		// an unposted one would shift every later position. Trailing unposted
		// replicas are simply dropped.
		replicas := map[uint32][]*models.Segment{}
		for _, seg := range segments {
			if seg.ReplicaIndex > 0 {
				replicas[seg.SegmentIndex] = append(replicas[seg.SegmentIndex], seg)
			}
		}
		for idx, group := range replicas {
			ref, ok := refs[idx]
			if !ok {
				continue
			}
			sort.Slice(group, func(i, j int) bool { return group[i].ReplicaIndex < group[j].ReplicaIndex })
			for _, seg := range group {
				if !seg.Posted() || seg.MessageID == nil {
					continue
				}
				if int(seg.ReplicaIndex) != len(ref.ReplicaMessageIDs)+1 {
					return nil, fmt.Errorf("%w: file %d segment %d replica %d follows an unposted copy",
						ErrUnpostedSegment, f.FileID, idx, seg.ReplicaIndex)
				}
				ref.ReplicaMessageIDs = append(ref.ReplicaMessageIDs, *seg.MessageID)
			}
		}

		entry := FileEntry{
			FileID:      f.FileID,
			Path:        f.RelativePath,
			Size:        f.Size,
			ContentHash: f.ContentHash,
		}
		for _, idx := range order {
			entry.Segments = append(entry.Segments, *refs[idx])
		}
		doc.Files = append(doc.Files, entry)
		doc.Folder.TotalSize += f.Size
	}
	doc.Folder.FileCount = len(doc.Files)

	logger.Debug("Built core index",
		logger.KeyShareID, share.ShareID,
		"files", doc.Folder.FileCount,
		logger.KeyBytes, doc.Folder.TotalSize)
	return doc, nil
}
