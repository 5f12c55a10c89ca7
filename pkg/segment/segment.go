// Package segment cuts files into fixed-size segments, applies the per-segment
// compression policy, expands redundancy replicas, and frames segment bodies
// in the binary wire format carried inside each encrypted article.
package segment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/flate"

	"github.com/usenetsync/usenetsync/internal/logger"
)

// Wire frame layout: magic, version, flags, replica_index, segment_index,
// file_id, plaintext_hash, payload.
const (
	Magic   = "USSG"
	Version = 1

	// HeaderSize is 4 magic + 2 version + 1 flags + 1 replica + 4 index +
	// 4 file_id + 32 hash.
	HeaderSize = 48
)

// FlagCompressed marks a DEFLATE-compressed payload.
const FlagCompressed = 1 << 0

const (
	// DefaultSegmentSize is the fixed cut size; only a file's last segment
	// may be shorter.
	DefaultSegmentSize = 768 * 1024

	// DefaultCompressionThreshold keeps a segment raw unless DEFLATE saves
	// at least 10%.
	DefaultCompressionThreshold = 0.9
)

var (
	ErrBadMagic   = errors.New("segment frame magic mismatch")
	ErrBadVersion = errors.New("unsupported segment frame version")
	ErrTruncated  = errors.New("segment frame truncated")
	ErrCorrupt    = errors.New("segment plaintext hash mismatch")
	ErrFileIDWide = errors.New("file id exceeds wire width")
)

// Header is the decoded frame header.
type Header struct {
	Version       uint16
	Compressed    bool
	ReplicaIndex  uint8
	SegmentIndex  uint32
	FileID        uint32
	PlaintextHash [32]byte
}

// Blob is one segment ready for framing and posting. Payload is the wire
// body, already compressed when Compressed is set; Size and PlaintextHash
// always describe the raw plaintext.
type Blob struct {
	SegmentIndex  uint32
	ReplicaIndex  uint8
	Offset        int64
	Size          int64
	Compressed    bool
	PlaintextHash [32]byte
	Payload       []byte
}

// Config controls splitting.
type Config struct {
	// SegmentSize is the fixed cut size in bytes. Default 768 KiB.
	SegmentSize int

	// CompressionThreshold is the maximum compressed/raw ratio at which
	// compression is kept. Default 0.9.
	CompressionThreshold float64

	// Redundancy is the replica count R beyond the original. Default 0.
	Redundancy int
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.SegmentSize <= 0 {
		c.SegmentSize = DefaultSegmentSize
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = DefaultCompressionThreshold
	}
}

// Validate rejects configurations the id encoding cannot represent.
func (c *Config) Validate() error {
	if c.Redundancy < 0 || c.Redundancy > 15 {
		return fmt.Errorf("redundancy must be in [0, 15], got %d", c.Redundancy)
	}
	return nil
}

// Segmenter splits files into blobs.
type Segmenter struct {
	cfg Config
}

// New creates a Segmenter.
func New(cfg Config) (*Segmenter, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Segmenter{cfg: cfg}, nil
}

// Split reads path sequentially and emits replica-0 blobs of exactly
// SegmentSize bytes each, except possibly a shorter final one. Replicas are
// expanded separately via Replicate so callers can pack originals first.
func (s *Segmenter) Split(ctx context.Context, path string) ([]*Blob, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return s.SplitReader(ctx, f)
}

// SplitReader is Split over an arbitrary reader.
func (s *Segmenter) SplitReader(ctx context.Context, r io.Reader) ([]*Blob, error) {
	var blobs []*Blob
	var offset int64
	var index uint32

	buf := make([]byte, s.cfg.SegmentSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			blob, berr := s.makeBlob(buf[:n], index, offset)
			if berr != nil {
				return nil, berr
			}
			blobs = append(blobs, blob)
			offset += int64(n)
			index++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read segment %d: %w", index, err)
		}
	}
	return blobs, nil
}

func (s *Segmenter) makeBlob(raw []byte, index uint32, offset int64) (*Blob, error) {
	blob := &Blob{
		SegmentIndex:  index,
		Offset:        offset,
		Size:          int64(len(raw)),
		PlaintextHash: sha256.Sum256(raw),
	}

	compressed, ok, err := s.compress(raw)
	if err != nil {
		return nil, err
	}
	if ok {
		blob.Compressed = true
		blob.Payload = compressed
	} else {
		blob.Payload = bytes.Clone(raw)
	}
	return blob, nil
}

// compress applies DEFLATE and reports whether the result beat the threshold.
func (s *Segmenter) compress(raw []byte) ([]byte, bool, error) {
	compressed, err := Deflate(raw)
	if err != nil {
		return nil, false, err
	}
	limit := int(float64(len(raw)) * s.cfg.CompressionThreshold)
	if len(compressed) >= limit {
		return nil, false, nil
	}
	return compressed, true, nil
}

// Deflate compresses raw with the encoder used at split time. Uploaders call
// it to re-materialize the wire payload of a segment whose row says
// compressed.
func Deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Replicate expands replica-0 blobs into R additional replicas per blob.
// Replicas share payload and plaintext hash; only ReplicaIndex differs, and
// each will draw its own Message-ID at post time.
func (s *Segmenter) Replicate(blobs []*Blob) []*Blob {
	if s.cfg.Redundancy == 0 {
		return nil
	}
	replicas := make([]*Blob, 0, len(blobs)*s.cfg.Redundancy)
	for _, blob := range blobs {
		for r := 1; r <= s.cfg.Redundancy; r++ {
			dup := *blob
			dup.ReplicaIndex = uint8(r)
			replicas = append(replicas, &dup)
		}
	}
	logger.Debug("Expanded segment replicas",
		"originals", len(blobs),
		"replicas", len(replicas),
		"redundancy", s.cfg.Redundancy)
	return replicas
}

// Frame serializes a blob into the wire format posted inside the article
// body, before encryption.
func Frame(blob *Blob, fileID int64) ([]byte, error) {
	if fileID < 0 || fileID > int64(^uint32(0)) {
		return nil, ErrFileIDWide
	}
	out := make([]byte, HeaderSize+len(blob.Payload))
	copy(out[0:4], Magic)
	binary.BigEndian.PutUint16(out[4:6], Version)
	var flags uint8
	if blob.Compressed {
		flags |= FlagCompressed
	}
	out[6] = flags
	out[7] = blob.ReplicaIndex
	binary.BigEndian.PutUint32(out[8:12], blob.SegmentIndex)
	binary.BigEndian.PutUint32(out[12:16], uint32(fileID))
	copy(out[16:48], blob.PlaintextHash[:])
	copy(out[HeaderSize:], blob.Payload)
	return out, nil
}

// DecodeFrame parses a wire frame into its header and payload. The payload
// is still compressed when the header says so; use Open for the plaintext.
func DecodeFrame(data []byte) (*Header, []byte, error) {
	if len(data) < HeaderSize {
		return nil, nil, ErrTruncated
	}
	if string(data[0:4]) != Magic {
		return nil, nil, ErrBadMagic
	}
	h := &Header{
		Version:      binary.BigEndian.Uint16(data[4:6]),
		Compressed:   data[6]&FlagCompressed != 0,
		ReplicaIndex: data[7],
		SegmentIndex: binary.BigEndian.Uint32(data[8:12]),
		FileID:       binary.BigEndian.Uint32(data[12:16]),
	}
	if h.Version != Version {
		return nil, nil, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	copy(h.PlaintextHash[:], data[16:48])
	return h, data[HeaderSize:], nil
}

// Open decodes a frame, decompresses if needed, and verifies the plaintext
// hash. Returns ErrCorrupt on mismatch so callers can fall back to the next
// replica.
func Open(data []byte) (*Header, []byte, error) {
	h, payload, err := DecodeFrame(data)
	if err != nil {
		return nil, nil, err
	}
	plaintext := payload
	if h.Compressed {
		fr := flate.NewReader(bytes.NewReader(payload))
		plaintext, err = io.ReadAll(fr)
		if cerr := fr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decompress segment: %w", err)
		}
	}
	if sha256.Sum256(plaintext) != h.PlaintextHash {
		return nil, nil, ErrCorrupt
	}
	return h, plaintext, nil
}
