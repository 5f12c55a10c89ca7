package obfuscate

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireSubject(t *testing.T) {
	seen := make(map[string]bool)
	re := regexp.MustCompile(`^[a-zA-Z0-9]{20}$`)

	for i := 0; i < 100; i++ {
		s, err := WireSubject()
		require.NoError(t, err)
		assert.Regexp(t, re, s)
		assert.False(t, seen[s], "duplicate wire subject %q", s)
		seen[s] = true
	}
}

func TestInternalSubjectDeterministic(t *testing.T) {
	key := []byte("folder-signing-key")
	folder := []byte("0123456789abcdef")

	a := InternalSubject(key, folder, 1, 0)
	b := InternalSubject(key, folder, 1, 0)
	assert.Equal(t, a, b)
	assert.Regexp(t, `^[0-9a-f]{64}$`, a)

	// Different coordinates give different subjects.
	assert.NotEqual(t, a, InternalSubject(key, folder, 1, 1))
	assert.NotEqual(t, a, InternalSubject(key, folder, 2, 0))
	assert.NotEqual(t, a, InternalSubject([]byte("other-key"), folder, 1, 0))
}

func TestNewMessageID(t *testing.T) {
	re := regexp.MustCompile(`^<[a-z0-9]{16}@[a-z0-9.-]+>$`)
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		id, err := NewMessageID()
		require.NoError(t, err)
		assert.Regexp(t, re, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestDeriveMessageIDDeterministic(t *testing.T) {
	seed := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	a := DeriveMessageID(seed)
	b := DeriveMessageID(seed)
	assert.Equal(t, a, b)
	assert.Regexp(t, `^<[a-z0-9]{16}@[a-z0-9.-]+>$`, a)

	other := DeriveMessageID([]byte{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1})
	assert.NotEqual(t, a, other)
}

func TestHeaders(t *testing.T) {
	h, err := Headers("<abc@news.example.net>", "aZ09aZ09aZ09aZ09aZ09", "alt.binaries.test")
	require.NoError(t, err)

	for _, key := range []string{"Message-ID", "Subject", "Newsgroups", "From", "Date", "Path", "User-Agent"} {
		assert.NotEmpty(t, h[key], "missing header %s", key)
	}
	assert.Equal(t, "<abc@news.example.net>", h["Message-ID"])
	assert.Equal(t, "alt.binaries.test", h["Newsgroups"])
}
