package segment

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSegmenter(t *testing.T, cfg Config) *Segmenter {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func TestSplitExactMultiple(t *testing.T) {
	s := newSegmenter(t, Config{SegmentSize: 1024})
	data := make([]byte, 3*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	blobs, err := s.SplitReader(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)

	// Exactly k segments, none short.
	require.Len(t, blobs, 3)
	for i, blob := range blobs {
		assert.Equal(t, uint32(i), blob.SegmentIndex)
		assert.Equal(t, int64(1024), blob.Size)
		assert.Equal(t, int64(i*1024), blob.Offset)
		assert.EqualValues(t, 0, blob.ReplicaIndex)
	}
}

func TestSplitShortTail(t *testing.T) {
	s := newSegmenter(t, Config{SegmentSize: 1024})
	data := make([]byte, 2*1024+100)
	_, err := rand.Read(data)
	require.NoError(t, err)

	blobs, err := s.SplitReader(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, blobs, 3)
	assert.Equal(t, int64(100), blobs[2].Size)
}

func TestSplitSmallFileSingleSegment(t *testing.T) {
	s := newSegmenter(t, Config{})
	blobs, err := s.SplitReader(context.Background(), bytes.NewReader([]byte("tiny")))
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, int64(4), blobs[0].Size)
	assert.Equal(t, sha256.Sum256([]byte("tiny")), blobs[0].PlaintextHash)
}

func TestSplitEmptyFile(t *testing.T) {
	s := newSegmenter(t, Config{})
	blobs, err := s.SplitReader(context.Background(), bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, blobs)
}

func TestCompressionPolicy(t *testing.T) {
	s := newSegmenter(t, Config{SegmentSize: 4096})

	// Repetitive data compresses far below the threshold.
	compressible := bytes.Repeat([]byte("abcdefgh"), 512)
	blobs, err := s.SplitReader(context.Background(), bytes.NewReader(compressible))
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.True(t, blobs[0].Compressed)
	assert.Less(t, len(blobs[0].Payload), len(compressible))
	// Size always reports the raw length.
	assert.Equal(t, int64(len(compressible)), blobs[0].Size)

	// Random data stays raw.
	random := make([]byte, 4096)
	_, err = rand.Read(random)
	require.NoError(t, err)
	blobs, err = s.SplitReader(context.Background(), bytes.NewReader(random))
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.False(t, blobs[0].Compressed)
	assert.Equal(t, random, blobs[0].Payload)
}

func TestReplicate(t *testing.T) {
	s := newSegmenter(t, Config{SegmentSize: 64, Redundancy: 2})
	data := make([]byte, 130)
	_, err := rand.Read(data)
	require.NoError(t, err)

	blobs, err := s.SplitReader(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, blobs, 3)

	replicas := s.Replicate(blobs)
	require.Len(t, replicas, 6)

	seen := map[[2]uint32]bool{}
	for _, r := range replicas {
		assert.True(t, r.ReplicaIndex == 1 || r.ReplicaIndex == 2)
		seen[[2]uint32{r.SegmentIndex, uint32(r.ReplicaIndex)}] = true
		// Identical plaintext per replica.
		assert.Equal(t, blobs[r.SegmentIndex].PlaintextHash, r.PlaintextHash)
		assert.Equal(t, blobs[r.SegmentIndex].Payload, r.Payload)
	}
	assert.Len(t, seen, 6)
}

func TestReplicateZeroRedundancy(t *testing.T) {
	s := newSegmenter(t, Config{})
	blobs, err := s.SplitReader(context.Background(), bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	assert.Nil(t, s.Replicate(blobs))
}

func TestConfigValidate(t *testing.T) {
	_, err := New(Config{Redundancy: 16})
	assert.Error(t, err)
	_, err = New(Config{Redundancy: -1})
	assert.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) {
	s := newSegmenter(t, Config{SegmentSize: 256})
	data := bytes.Repeat([]byte("payload "), 64)
	blobs, err := s.SplitReader(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)

	for _, blob := range blobs {
		frame, err := Frame(blob, 42)
		require.NoError(t, err)

		h, plaintext, err := Open(frame)
		require.NoError(t, err)
		assert.Equal(t, uint32(42), h.FileID)
		assert.Equal(t, blob.SegmentIndex, h.SegmentIndex)
		assert.Equal(t, blob.Compressed, h.Compressed)
		assert.Equal(t, blob.PlaintextHash, h.PlaintextHash)
		assert.Equal(t, data[blob.Offset:blob.Offset+blob.Size], plaintext)
	}
}

func TestFrameFileIDTooWide(t *testing.T) {
	_, err := Frame(&Blob{}, 1<<33)
	assert.ErrorIs(t, err, ErrFileIDWide)
}

func TestDecodeFrameRejections(t *testing.T) {
	s := newSegmenter(t, Config{})
	blobs, err := s.SplitReader(context.Background(), bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	frame, err := Frame(blobs[0], 1)
	require.NoError(t, err)

	_, _, err = DecodeFrame(frame[:HeaderSize-1])
	assert.ErrorIs(t, err, ErrTruncated)

	bad := bytes.Clone(frame)
	copy(bad[0:4], "NOPE")
	_, _, err = DecodeFrame(bad)
	assert.ErrorIs(t, err, ErrBadMagic)

	bad = bytes.Clone(frame)
	bad[5] = 99
	_, _, err = DecodeFrame(bad)
	assert.ErrorIs(t, err, ErrBadVersion)

	// Flipped payload byte fails the plaintext hash check.
	bad = bytes.Clone(frame)
	bad[HeaderSize] ^= 0xff
	_, _, err = Open(bad)
	assert.ErrorIs(t, err, ErrCorrupt)
}
