// Package downloader drains the persistent download queue: it fetches
// segment articles by Message-ID, falls back across replicas, verifies
// everything, and stages verified plaintexts for reconstruction.
package downloader

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/usenetsync/usenetsync/internal/bufpool"
	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/access"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/index"
	"github.com/usenetsync/usenetsync/pkg/metrics"
	"github.com/usenetsync/usenetsync/pkg/relay"
	"github.com/usenetsync/usenetsync/pkg/segment"
	"github.com/usenetsync/usenetsync/pkg/staging"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// DefaultWorkers bounds the fetch pool when config gives nothing.
const DefaultWorkers = 4

// DefaultFetchTimeout bounds one fetch attempt.
const DefaultFetchTimeout = 2 * time.Minute

// Queue priorities: the first segment of every file is fetched before any
// interior segment, so reconstruction can preview early.
const (
	priorityFirstSegment = 0
	priorityInterior     = 10
)

// Store is the queue surface the downloader drives.
type Store interface {
	EnqueueTask(ctx context.Context, task *models.Task) (string, error)
	ClaimNextTask(ctx context.Context, kind models.TaskKind) (*models.Task, error)
	RequeueTask(ctx context.Context, kind models.TaskKind, taskID string) error
	CompleteTask(ctx context.Context, kind models.TaskKind, taskID string, progress *models.TaskProgress) error
	FailTask(ctx context.Context, kind models.TaskKind, taskID string, progress *models.TaskProgress) error
	ResetOrphanedTasks(ctx context.Context, kind models.TaskKind) (int64, error)
	RecordTaskProgress(ctx context.Context, taskID string, segmentID int64, messageID string, bytes int64) error
	ListTaskProgress(ctx context.Context, taskID string) ([]*models.SegmentProgress, error)
}

// Config controls the worker pool.
type Config struct {
	Workers      int
	FetchTimeout time.Duration

	// Metrics observes task outcomes. Nil disables collection.
	Metrics metrics.QueueMetrics
}

// Result reports what could not be recovered. Missing segments never surface
// as errors; they flow into the per-file outcome.
type Result struct {
	mu sync.Mutex

	// Missing maps file path to the segment indexes that no replica could
	// supply.
	Missing map[string][]uint32
}

func newResult() *Result {
	return &Result{Missing: map[string][]uint32{}}
}

func (r *Result) addMissing(path string, segmentIndex uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Missing[path] = append(r.Missing[path], segmentIndex)
}

// MissingCount returns the total number of unrecoverable segments.
func (r *Result) MissingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, idxs := range r.Missing {
		n += len(idxs)
	}
	return n
}

// Downloader fetches a share's segments into the staging store.
type Downloader struct {
	cfg     Config
	store   Store
	relay   relay.Relay
	staging *staging.Store
}

// New creates a Downloader.
func New(cfg Config, store Store, r relay.Relay, stage *staging.Store) *Downloader {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	return &Downloader{cfg: cfg, store: store, relay: r, staging: stage}
}

// Fetch downloads every selected file of doc into staging and reports what
// is missing. selection is a set of relative paths; nil selects everything.
// Already-staged segments are skipped, which is what makes resume cheap.
func (d *Downloader) Fetch(ctx context.Context, doc *index.Document, contentKey []byte, selection map[string]bool) (*Result, error) {
	reclaimed, err := d.store.ResetOrphanedTasks(ctx, models.TaskDownload)
	if err != nil {
		return nil, fmt.Errorf("failed to reset orphaned download tasks: %w", err)
	}
	if reclaimed > 0 {
		logger.Info("Reclaimed orphaned download tasks", "count", reclaimed)
	}

	files := map[int64]*index.FileEntry{}
	for i := range doc.Files {
		entry := &doc.Files[i]
		if selection != nil && !selection[entry.Path] {
			continue
		}
		files[entry.FileID] = entry
		if err := d.enqueueFileTasks(ctx, doc, entry); err != nil {
			return nil, err
		}
	}

	result := newResult()
	p := pool.New().WithMaxGoroutines(d.cfg.Workers).WithContext(ctx).WithCancelOnError()
	for i := 0; i < d.cfg.Workers; i++ {
		p.Go(func(ctx context.Context) error {
			return d.workerLoop(ctx, doc, files, contentKey, result)
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// enqueueFileTasks splits one file into a first-segment task and an interior
// task so the queue delivers the global priority order.
func (d *Downloader) enqueueFileTasks(ctx context.Context, doc *index.Document, entry *index.FileEntry) error {
	if len(entry.Segments) == 0 {
		return nil
	}
	first := []int64{models.SegmentID(entry.FileID, entry.Segments[0].Index, 0)}
	var interior []int64
	for _, ref := range entry.Segments[1:] {
		interior = append(interior, models.SegmentID(entry.FileID, ref.Index, 0))
	}

	if err := d.enqueue(ctx, doc, entry, first, priorityFirstSegment); err != nil {
		return err
	}
	if len(interior) > 0 {
		return d.enqueue(ctx, doc, entry, interior, priorityInterior)
	}
	return nil
}

func (d *Downloader) enqueue(ctx context.Context, doc *index.Document, entry *index.FileEntry, segmentIDs []int64, priority int) error {
	task := &models.Task{Kind: models.TaskDownload, Priority: priority}
	if err := task.SetPayload(&models.TaskPayload{
		ShareID:    doc.Share.ShareID,
		FolderID:   doc.Share.FolderID,
		FileID:     entry.FileID,
		SegmentIDs: segmentIDs,
	}); err != nil {
		return err
	}
	_, err := d.store.EnqueueTask(ctx, task)
	return err
}

func (d *Downloader) workerLoop(ctx context.Context, doc *index.Document, files map[int64]*index.FileEntry, contentKey []byte, result *Result) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, err := d.store.ClaimNextTask(ctx, models.TaskDownload)
		if errors.Is(err, models.ErrTaskNotFound) {
			return nil
		}
		if errors.Is(err, models.ErrTaskClaimed) {
			continue
		}
		if err != nil {
			return err
		}
		d.processTask(ctx, task, doc, files, contentKey, result)
	}
}

// recordOutcome reports one finished task when metrics are enabled.
func (d *Downloader) recordOutcome(outcome string) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RecordTaskOutcome("download", outcome)
	}
}

func (d *Downloader) processTask(ctx context.Context, task *models.Task, doc *index.Document, files map[int64]*index.FileEntry, contentKey []byte, result *Result) {
	progress, err := d.runTask(ctx, task, doc, files, contentKey, result)
	switch {
	case err == nil:
		d.recordOutcome("completed")
		if cerr := d.store.CompleteTask(ctx, models.TaskDownload, task.TaskID, progress); cerr != nil {
			logger.Error("Failed to complete download task",
				logger.KeyTaskID, task.TaskID, logger.KeyError, cerr)
		}
	case ctx.Err() != nil:
		logger.Warn("Download task abandoned on cancellation", logger.KeyTaskID, task.TaskID)
	case task.RetryCount+1 >= task.MaxRetries:
		d.recordOutcome("failed")
		logger.Error("Download task exhausted retries",
			logger.KeyTaskID, task.TaskID, logger.KeyError, err)
		if ferr := d.store.FailTask(ctx, models.TaskDownload, task.TaskID, progress); ferr != nil {
			logger.Error("Failed to fail download task",
				logger.KeyTaskID, task.TaskID, logger.KeyError, ferr)
		}
	default:
		d.recordOutcome("retried")
		logger.Warn("Download task requeued",
			logger.KeyTaskID, task.TaskID, logger.KeyError, err)
		if rerr := d.store.RequeueTask(ctx, models.TaskDownload, task.TaskID); rerr != nil {
			logger.Error("Failed to requeue download task",
				logger.KeyTaskID, task.TaskID, logger.KeyError, rerr)
		}
	}
}

// runTask fetches one task's segments. Missing segments are absorbed into
// result; only infrastructure failures return an error.
func (d *Downloader) runTask(ctx context.Context, task *models.Task, doc *index.Document, files map[int64]*index.FileEntry, contentKey []byte, result *Result) (*models.TaskProgress, error) {
	payload, err := task.Payload()
	if err != nil {
		return nil, err
	}
	entry, ok := files[payload.FileID]
	if !ok {
		// A task left over from an earlier run over a different selection.
		return &models.TaskProgress{}, nil
	}

	refs := map[int64]*index.SegmentRef{}
	for i := range entry.Segments {
		ref := &entry.Segments[i]
		refs[models.SegmentID(entry.FileID, ref.Index, 0)] = ref
	}

	done := map[int64]bool{}
	progress := &models.TaskProgress{}
	rows, err := d.store.ListTaskProgress(ctx, task.TaskID)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		done[row.SegmentID] = true
		progress.CompletedSegments++
		progress.BytesTransferred += row.Bytes
	}

	for _, segmentID := range payload.SegmentIDs {
		ref, ok := refs[segmentID]
		if !ok {
			continue
		}
		if done[segmentID] {
			continue
		}
		staged, err := d.staging.Has(entry.FileID, ref.Index)
		if err != nil {
			return progress, err
		}
		if !staged {
			n, err := d.fetchSegment(ctx, doc, entry, ref, contentKey)
			if errors.Is(err, errSegmentMissing) {
				result.addMissing(entry.Path, ref.Index)
				logger.Warn("Segment unrecoverable on all replicas",
					logger.KeyPath, entry.Path,
					logger.KeySegment, ref.Index)
				continue
			}
			if err != nil {
				return progress, err
			}
			progress.BytesTransferred += n
		}
		if err := d.store.RecordTaskProgress(ctx, task.TaskID, segmentID, ref.MessageID, ref.Size); err != nil {
			return progress, err
		}
		progress.CompletedSegments++
	}
	return progress, nil
}

// errSegmentMissing is internal: every replica of one segment was lost or
// corrupt.
var errSegmentMissing = errors.New("segment missing on all replicas")

// fetchSegment tries the original Message-ID then each replica in order.
// NotFound, retryable errors, and integrity failures all advance to the next
// replica; only a verified blob lands in staging.
func (d *Downloader) fetchSegment(ctx context.Context, doc *index.Document, entry *index.FileEntry, ref *index.SegmentRef, contentKey []byte) (int64, error) {
	candidates := append([]string{ref.MessageID}, ref.ReplicaMessageIDs...)
	for replica, messageID := range candidates {
		n, err := d.fetchOne(ctx, doc, entry, ref, contentKey, messageID, uint8(replica))
		if err == nil {
			logger.Debug("Staged verified segment",
				logger.KeyFileID, entry.FileID,
				logger.KeySegment, ref.Index,
				logger.KeyReplica, replica,
				logger.KeyBytes, n)
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		logger.Debug("Replica attempt failed",
			logger.KeyFileID, entry.FileID,
			logger.KeySegment, ref.Index,
			logger.KeyReplica, replica,
			logger.KeyError, err)
	}
	return 0, errSegmentMissing
}

// fetchOne fetches, decrypts, verifies, and stages a single article. The
// decrypt scratch comes from the buffer pool and is released before return;
// staging copies the plaintext.
func (d *Downloader) fetchOne(ctx context.Context, doc *index.Document, entry *index.FileEntry, ref *index.SegmentRef, contentKey []byte, messageID string, replica uint8) (int64, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, d.cfg.FetchTimeout)
	defer cancel()

	article, err := d.relay.Fetch(fetchCtx, messageID)
	if err != nil {
		return 0, err
	}

	scratch := bufpool.Get(len(article.Body))
	defer bufpool.Put(scratch)
	frame, err := crypto.DecryptInto(scratch[:0], contentKey, article.Body,
		access.SegmentAD(doc.Share.FolderID, entry.FileID, ref.Index, replica))
	if err != nil {
		return 0, err
	}
	header, plaintext, err := segment.Open(frame)
	if err != nil {
		return 0, err
	}
	// The frame's own hash check passed; cross-check against the index so a
	// substituted-but-internally-consistent article is still rejected.
	if hex.EncodeToString(header.PlaintextHash[:]) != ref.PlaintextHash {
		return 0, segment.ErrCorrupt
	}
	if header.SegmentIndex != ref.Index {
		return 0, segment.ErrCorrupt
	}
	if err := d.staging.Put(entry.FileID, ref.Index, plaintext); err != nil {
		return 0, err
	}
	return int64(len(article.Body)), nil
}

// SortMissing returns the result's missing indexes in deterministic order,
// for reporting.
func (r *Result) SortMissing() map[string][]uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]uint32, len(r.Missing))
	for path, idxs := range r.Missing {
		sorted := append([]uint32(nil), idxs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		out[path] = sorted
	}
	return out
}
