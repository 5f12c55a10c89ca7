// Package scanner walks a synchronized folder, hashes file contents, and
// diffs the result against the previous snapshot to produce the
// added/modified/deleted sets that drive segmentation.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/usenetsync/usenetsync/internal/logger"
)

// hashChunkSize bounds per-file memory during hashing.
const hashChunkSize = 64 * 1024

// DefaultWorkers is the default hashing parallelism.
const DefaultWorkers = 8

// DefaultSkipPatterns is the default skip policy: dotfiles, VCS metadata,
// and interpreter caches. Policy, not a hard rule; callers may override.
var DefaultSkipPatterns = []string{".*", ".git", ".svn", "__pycache__"}

// FileRecord describes one file at scan time.
type FileRecord struct {
	RelativePath string    `json:"relative_path"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mod_time"`
	ContentHash  string    `json:"content_hash"`
}

// Snapshot maps relative paths to their records.
type Snapshot map[string]FileRecord

// Diff is the result of comparing a scan against the previous snapshot.
type Diff struct {
	Added    []FileRecord
	Modified []FileRecord
	Deleted  []FileRecord
}

// Empty reports whether the diff carries no changes.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// Config controls a scan.
type Config struct {
	// Workers is the hashing parallelism. Default 8.
	Workers int

	// SkipPatterns are glob-style name patterns excluded from the walk.
	// Nil means DefaultSkipPatterns; an explicit empty slice skips nothing.
	SkipPatterns []string
}

// Scanner walks folders and produces snapshots and diffs.
type Scanner struct {
	cfg Config
}

// New creates a Scanner.
func New(cfg Config) *Scanner {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.SkipPatterns == nil {
		cfg.SkipPatterns = DefaultSkipPatterns
	}
	return &Scanner{cfg: cfg}
}

// Scan walks root, hashes what needs hashing, and returns the diff against
// previous along with the fresh snapshot. A file counts as modified only
// when both its (size, mtime) pair and its content hash differ.
func (s *Scanner) Scan(ctx context.Context, root string, previous Snapshot) (*Diff, Snapshot, error) {
	start := time.Now()

	entries, err := s.walk(root)
	if err != nil {
		return nil, nil, err
	}

	current := make(Snapshot, len(entries))
	var mu sync.Mutex

	p := pool.New().WithMaxGoroutines(s.cfg.Workers).WithContext(ctx).WithCancelOnError()
	for _, entry := range entries {
		p.Go(func(ctx context.Context) error {
			rec, err := s.hashEntry(ctx, root, entry, previous)
			if err != nil {
				return err
			}
			mu.Lock()
			current[rec.RelativePath] = rec
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, nil, err
	}

	diff := Compare(previous, current)
	logger.Debug("Folder scan complete",
		logger.KeyPath, root,
		"files", len(current),
		"added", len(diff.Added),
		"modified", len(diff.Modified),
		"deleted", len(diff.Deleted),
		logger.KeyDurationMS, logger.Duration(start))
	return diff, current, nil
}

// walkEntry carries walk output into the hashing pool.
type walkEntry struct {
	relPath string
	size    int64
	modTime time.Time
}

func (s *Scanner) walk(root string) ([]walkEntry, error) {
	var entries []walkEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != root && s.skip(name) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, walkEntry{
			relPath: filepath.ToSlash(rel),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return entries, nil
}

func (s *Scanner) skip(name string) bool {
	for _, pattern := range s.cfg.SkipPatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
		if pattern == name {
			return true
		}
	}
	return false
}

// hashEntry produces the record for one file, reusing the previous hash when
// (size, mtime) are unchanged.
func (s *Scanner) hashEntry(ctx context.Context, root string, entry walkEntry, previous Snapshot) (FileRecord, error) {
	if prev, ok := previous[entry.relPath]; ok {
		if prev.Size == entry.size && prev.ModTime.Equal(entry.modTime) {
			return FileRecord{
				RelativePath: entry.relPath,
				Size:         entry.size,
				ModTime:      entry.modTime,
				ContentHash:  prev.ContentHash,
			}, nil
		}
	}

	hash, err := HashFile(ctx, filepath.Join(root, filepath.FromSlash(entry.relPath)))
	if err != nil {
		return FileRecord{}, err
	}
	return FileRecord{
		RelativePath: entry.relPath,
		Size:         entry.size,
		ModTime:      entry.modTime,
		ContentHash:  hash,
	}, nil
}

// HashFile streams a file through SHA-256 in fixed-size chunks, so memory
// stays bounded regardless of file size.
func HashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Compare diffs two snapshots. A path present in both with a different
// content hash is modified; equal hashes mean unchanged even if mtime moved.
func Compare(previous, current Snapshot) *Diff {
	diff := &Diff{}
	for path, rec := range current {
		prev, ok := previous[path]
		switch {
		case !ok:
			diff.Added = append(diff.Added, rec)
		case prev.ContentHash != rec.ContentHash:
			diff.Modified = append(diff.Modified, rec)
		}
	}
	for path, rec := range previous {
		if _, ok := current[path]; !ok {
			diff.Deleted = append(diff.Deleted, rec)
		}
	}
	sortRecords(diff.Added)
	sortRecords(diff.Modified)
	sortRecords(diff.Deleted)
	return diff
}

func sortRecords(recs []FileRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].RelativePath < recs[j].RelativePath
	})
}

// FolderHash returns a quick equivalence hash over the snapshot: SHA-256 of
// the sorted concatenation of (relative_path || size || content_hash).
func FolderHash(snapshot Snapshot) string {
	paths := make([]string, 0, len(snapshot))
	for path := range snapshot {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	h := sha256.New()
	var sizeBuf [8]byte
	for _, path := range paths {
		rec := snapshot[path]
		h.Write([]byte(rec.RelativePath))
		binary.BigEndian.PutUint64(sizeBuf[:], uint64(rec.Size))
		h.Write(sizeBuf[:])
		h.Write([]byte(rec.ContentHash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizePath guards against path traversal when relative paths come from
// an untrusted index document.
func NormalizePath(rel string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean("/" + rel))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid relative path %q", rel)
	}
	return clean, nil
}
