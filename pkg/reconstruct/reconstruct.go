// Package reconstruct assembles verified staged segments back into files
// under a destination root, with whole-file hash verification and atomic
// writes. One broken file never affects its neighbors.
package reconstruct

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/index"
	"github.com/usenetsync/usenetsync/pkg/scanner"
	"github.com/usenetsync/usenetsync/pkg/staging"
)

// Status is the per-file outcome.
type Status string

const (
	// StatusComplete means the file was written and its hash matched.
	StatusComplete Status = "complete"

	// StatusIncomplete means segments were missing or the assembled hash
	// did not match. Nothing was written to the final path.
	StatusIncomplete Status = "incomplete"
)

// FileOutcome is the user-visible result for one file. No error escapes the
// reconstruction API; failures are encoded here.
type FileOutcome struct {
	Path            string   `json:"path"`
	WrittenBytes    int64    `json:"written_bytes"`
	TotalBytes      int64    `json:"total_bytes"`
	Status          Status   `json:"status"`
	MissingSegments []uint32 `json:"missing_segments,omitempty"`
}

// Report aggregates per-file outcomes.
type Report struct {
	Files []FileOutcome `json:"files"`
}

// Complete reports whether every file assembled cleanly.
func (r *Report) Complete() bool {
	for _, f := range r.Files {
		if f.Status != StatusComplete {
			return false
		}
	}
	return true
}

// Incomplete returns the paths that did not assemble.
func (r *Report) Incomplete() []string {
	var out []string
	for _, f := range r.Files {
		if f.Status != StatusComplete {
			out = append(out, f.Path)
		}
	}
	return out
}

// Run assembles every selected file of doc from stage into destRoot. missing
// carries the downloader's unrecoverable segments per path; those files are
// reported incomplete without an assembly attempt.
func Run(ctx context.Context, doc *index.Document, stage *staging.Store, destRoot string, missing map[string][]uint32, selection map[string]bool) (*Report, error) {
	report := &Report{}
	for i := range doc.Files {
		entry := &doc.Files[i]
		if selection != nil && !selection[entry.Path] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Files = append(report.Files, assembleFile(entry, stage, destRoot, missing[entry.Path]))
	}
	return report, nil
}

// assembleFile writes one file. Every failure mode collapses into an
// incomplete outcome.
func assembleFile(entry *index.FileEntry, stage *staging.Store, destRoot string, missing []uint32) FileOutcome {
	outcome := FileOutcome{
		Path:       entry.Path,
		TotalBytes: entry.Size,
		Status:     StatusIncomplete,
	}
	if len(missing) > 0 {
		outcome.MissingSegments = missing
		return outcome
	}

	rel, err := scanner.NormalizePath(entry.Path)
	if err != nil {
		logger.Warn("Rejected index path", logger.KeyPath, entry.Path, logger.KeyError, err)
		return outcome
	}
	final := filepath.Join(destRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		logger.Error("Failed to create destination directory", logger.KeyPath, final, logger.KeyError, err)
		return outcome
	}

	written, missingIdx, err := writeAssembled(entry, stage, final)
	if err != nil {
		logger.Warn("File assembly failed",
			logger.KeyPath, entry.Path,
			logger.KeyError, err)
		outcome.MissingSegments = missingIdx
		return outcome
	}

	outcome.WrittenBytes = written
	outcome.Status = StatusComplete
	if err := stage.DropFile(entry.FileID); err != nil {
		// Staged leftovers are only a disk-space concern.
		logger.Warn("Failed to drop staged blobs", logger.KeyFileID, entry.FileID, logger.KeyError, err)
	}
	logger.Info("Reconstructed file",
		logger.KeyPath, entry.Path,
		logger.KeyBytes, written)
	return outcome
}

// writeAssembled streams segments ascending into a temp file and renames it
// over the final path only after the whole-file hash matches.
func writeAssembled(entry *index.FileEntry, stage *staging.Store, final string) (int64, []uint32, error) {
	tmp, err := os.CreateTemp(filepath.Dir(final), ".usenetsync-*")
	if err != nil {
		return 0, nil, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	written, err := streamSegments(entry, stage, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		var missingErr *missingSegmentError
		if errors.As(err, &missingErr) {
			return 0, []uint32{missingErr.index}, err
		}
		return 0, nil, err
	}

	if err := os.Rename(tmpPath, final); err != nil {
		return 0, nil, err
	}
	return written, nil, nil
}

type missingSegmentError struct {
	index uint32
}

func (e *missingSegmentError) Error() string {
	return fmt.Sprintf("segment %d not staged", e.index)
}

func streamSegments(entry *index.FileEntry, stage *staging.Store, dst io.Writer) (int64, error) {
	h := sha256.New()
	var written int64
	for _, ref := range entry.Segments {
		blob, err := stage.Get(entry.FileID, ref.Index)
		if errors.Is(err, staging.ErrMissing) {
			return 0, &missingSegmentError{index: ref.Index}
		}
		if err != nil {
			return 0, err
		}
		n, err := writeBoth(dst, h, blob)
		if err != nil {
			return 0, err
		}
		written += n
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != entry.ContentHash {
		return 0, fmt.Errorf("content hash mismatch: got %s want %s", got, entry.ContentHash)
	}
	if written != entry.Size {
		return 0, fmt.Errorf("assembled size %d does not match index size %d", written, entry.Size)
	}
	return written, nil
}

func writeBoth(dst io.Writer, h hash.Hash, blob []byte) (int64, error) {
	if _, err := dst.Write(blob); err != nil {
		return 0, err
	}
	h.Write(blob)
	return int64(len(blob)), nil
}
