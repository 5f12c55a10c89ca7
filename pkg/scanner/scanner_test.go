package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScanInitial(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")
	writeFile(t, root, "sub/b.txt", "world")

	s := New(Config{})
	diff, snap, err := s.Scan(context.Background(), root, nil)
	require.NoError(t, err)

	assert.Len(t, snap, 2)
	assert.Len(t, diff.Added, 2)
	assert.Empty(t, diff.Modified)
	assert.Empty(t, diff.Deleted)

	// Added set is sorted by path.
	assert.Equal(t, "a.txt", diff.Added[0].RelativePath)
	assert.Equal(t, "sub/b.txt", diff.Added[1].RelativePath)
	assert.NotEmpty(t, diff.Added[0].ContentHash)
}

func TestScanDiff(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.txt", "same")
	writeFile(t, root, "edit.txt", "before")
	writeFile(t, root, "drop.txt", "gone")

	s := New(Config{})
	_, first, err := s.Scan(context.Background(), root, nil)
	require.NoError(t, err)

	writeFile(t, root, "edit.txt", "after, longer content")
	require.NoError(t, os.Remove(filepath.Join(root, "drop.txt")))
	writeFile(t, root, "new.txt", "fresh")

	diff, second, err := s.Scan(context.Background(), root, first)
	require.NoError(t, err)

	require.Len(t, diff.Added, 1)
	assert.Equal(t, "new.txt", diff.Added[0].RelativePath)
	require.Len(t, diff.Modified, 1)
	assert.Equal(t, "edit.txt", diff.Modified[0].RelativePath)
	require.Len(t, diff.Deleted, 1)
	assert.Equal(t, "drop.txt", diff.Deleted[0].RelativePath)

	assert.Len(t, second, 3)
	assert.Equal(t, first["keep.txt"].ContentHash, second["keep.txt"].ContentHash)
}

func TestScanUnchangedMTimeSkipsRehash(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "stable")

	s := New(Config{})
	_, first, err := s.Scan(context.Background(), root, nil)
	require.NoError(t, err)

	// Same size and mtime: the previous hash is reused verbatim, so even a
	// poisoned previous hash survives. That proves the fast path was taken.
	poisoned := Snapshot{}
	for k, v := range first {
		v.ContentHash = "poisoned"
		poisoned[k] = v
	}
	_, second, err := s.Scan(context.Background(), root, poisoned)
	require.NoError(t, err)
	assert.Equal(t, "poisoned", second["a.txt"].ContentHash)

	// A touched mtime forces a rehash back to the real hash.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.txt"), future, future))
	_, third, err := s.Scan(context.Background(), root, poisoned)
	require.NoError(t, err)
	assert.Equal(t, first["a.txt"].ContentHash, third["a.txt"].ContentHash)
}

func TestScanSkipPatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "visible.txt", "yes")
	writeFile(t, root, ".hidden", "no")
	writeFile(t, root, ".git/config", "no")
	writeFile(t, root, "__pycache__/mod.pyc", "no")
	writeFile(t, root, "sub/.secret", "no")

	s := New(Config{})
	_, snap, err := s.Scan(context.Background(), root, nil)
	require.NoError(t, err)

	require.Len(t, snap, 1)
	_, ok := snap["visible.txt"]
	assert.True(t, ok)
}

func TestScanNoSkipWhenEmptyPatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".hidden", "seen")

	s := New(Config{SkipPatterns: []string{}})
	_, snap, err := s.Scan(context.Background(), root, nil)
	require.NoError(t, err)
	assert.Len(t, snap, 1)
}

func TestScanCancellation(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 20; i++ {
		writeFile(t, root, filepath.Join("d", string(rune('a'+i))+".bin"), "data")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(Config{Workers: 2})
	_, _, err := s.Scan(ctx, root, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHashFileMatchesKnownDigest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")

	hash, err := HashFile(context.Background(), filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	// SHA-256("hello")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", hash)
}

func TestFolderHash(t *testing.T) {
	snapA := Snapshot{
		"a.txt": {RelativePath: "a.txt", Size: 5, ContentHash: "h1"},
		"b.txt": {RelativePath: "b.txt", Size: 7, ContentHash: "h2"},
	}
	snapB := Snapshot{
		"b.txt": {RelativePath: "b.txt", Size: 7, ContentHash: "h2"},
		"a.txt": {RelativePath: "a.txt", Size: 5, ContentHash: "h1"},
	}
	assert.Equal(t, FolderHash(snapA), FolderHash(snapB))

	snapB["a.txt"] = FileRecord{RelativePath: "a.txt", Size: 5, ContentHash: "h3"}
	assert.NotEqual(t, FolderHash(snapA), FolderHash(snapB))
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "docs/readme.md", want: "docs/readme.md"},
		{in: "./docs/readme.md", want: "docs/readme.md"},
		{in: "../../etc/passwd", want: "etc/passwd"},
		{in: "/abs/path", want: "abs/path"},
		{in: "", wantErr: true},
		{in: ".", wantErr: true},
		{in: "..", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizePath(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
