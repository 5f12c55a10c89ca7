// Package uploader drains the persistent upload queue: it claims tasks,
// re-materializes segment payloads from disk, encrypts them under the folder
// content key, and posts them through the relay with idempotent Message-IDs.
package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sourcegraph/conc/pool"

	"github.com/usenetsync/usenetsync/internal/bufpool"
	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/access"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/metrics"
	"github.com/usenetsync/usenetsync/pkg/obfuscate"
	"github.com/usenetsync/usenetsync/pkg/relay"
	"github.com/usenetsync/usenetsync/pkg/segment"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// DefaultPostTimeout bounds one post attempt.
const DefaultPostTimeout = 2 * time.Minute

// postAttempts is the in-worker retry budget per segment; task-level retries
// sit above it in the queue.
const postAttempts = 3

// ErrContentChanged means the on-disk bytes no longer match the segment row.
// The task fails permanently; a rescan will produce a new file version.
var ErrContentChanged = errors.New("file content changed since segmentation")

// Store is the persistence surface the uploader drives.
type Store interface {
	ClaimNextTask(ctx context.Context, kind models.TaskKind) (*models.Task, error)
	RequeueTask(ctx context.Context, kind models.TaskKind, taskID string) error
	CompleteTask(ctx context.Context, kind models.TaskKind, taskID string, progress *models.TaskProgress) error
	FailTask(ctx context.Context, kind models.TaskKind, taskID string, progress *models.TaskProgress) error
	ResetOrphanedTasks(ctx context.Context, kind models.TaskKind) (int64, error)
	ListTaskProgress(ctx context.Context, taskID string) ([]*models.SegmentProgress, error)

	GetFolder(ctx context.Context, folderID string) (*models.Folder, error)
	GetFile(ctx context.Context, fileID int64) (*models.File, error)
	GetSegment(ctx context.Context, segmentID int64) (*models.Segment, error)
	ReserveSegmentMessageID(ctx context.Context, segmentID int64, messageID, wireSubject, newsgroup string) error
	MarkSegmentPosted(ctx context.Context, segmentID int64, taskID string, bytes int64) error
	AdvanceFileState(ctx context.Context, fileID int64, next models.FileState) error
}

// KeyProvider resolves a folder id to its content key. The uploader zeroizes
// the returned key after each task.
type KeyProvider func(ctx context.Context, folderID string) ([]byte, error)

// Config controls the worker pool.
type Config struct {
	// Workers bounds concurrent tasks. Zero means the relay's connection
	// capability.
	Workers int

	// Newsgroup is the posting group for new reservations.
	Newsgroup string

	// PostTimeout bounds a single post attempt.
	PostTimeout time.Duration

	// Metrics observes task outcomes. Nil disables collection.
	Metrics metrics.QueueMetrics
}

// Uploader drains the upload queue against one relay.
type Uploader struct {
	cfg   Config
	store Store
	relay relay.Relay
	keys  KeyProvider
}

// New creates an Uploader.
func New(cfg Config, store Store, r relay.Relay, keys KeyProvider) *Uploader {
	if cfg.Workers <= 0 {
		cfg.Workers = r.Capabilities().MaxConnections
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = DefaultPostTimeout
	}
	return &Uploader{cfg: cfg, store: store, relay: r, keys: keys}
}

// Run reclaims orphaned tasks and processes the queue until it drains.
// Worker-local errors are absorbed into task retries; Run itself only fails
// on context cancellation or store breakage.
func (u *Uploader) Run(ctx context.Context) error {
	reclaimed, err := u.store.ResetOrphanedTasks(ctx, models.TaskUpload)
	if err != nil {
		return fmt.Errorf("failed to reset orphaned upload tasks: %w", err)
	}
	if reclaimed > 0 {
		logger.Info("Reclaimed orphaned upload tasks", "count", reclaimed)
	}

	p := pool.New().WithMaxGoroutines(u.cfg.Workers).WithContext(ctx).WithCancelOnError()
	for i := 0; i < u.cfg.Workers; i++ {
		worker := i
		p.Go(func(ctx context.Context) error {
			return u.workerLoop(ctx, worker)
		})
	}
	return p.Wait()
}

func (u *Uploader) workerLoop(ctx context.Context, worker int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, err := u.store.ClaimNextTask(ctx, models.TaskUpload)
		if errors.Is(err, models.ErrTaskNotFound) {
			return nil
		}
		if errors.Is(err, models.ErrTaskClaimed) {
			continue
		}
		if err != nil {
			return err
		}
		u.processTask(ctx, task, worker)
	}
}

// recordOutcome reports one finished task when metrics are enabled.
func (u *Uploader) recordOutcome(outcome string) {
	if u.cfg.Metrics != nil {
		u.cfg.Metrics.RecordTaskOutcome("upload", outcome)
	}
}

// processTask runs one claimed task to completion, retry, or failure.
func (u *Uploader) processTask(ctx context.Context, task *models.Task, worker int) {
	progress, err := u.runTask(ctx, task)
	switch {
	case err == nil:
		u.recordOutcome("completed")
		if cerr := u.store.CompleteTask(ctx, models.TaskUpload, task.TaskID, progress); cerr != nil {
			logger.Error("Failed to complete upload task",
				logger.KeyTaskID, task.TaskID, logger.KeyError, cerr)
		}
	case ctx.Err() != nil:
		// Cancelled mid-task: leave it for the next run's orphan reset.
		logger.Warn("Upload task abandoned on cancellation",
			logger.KeyTaskID, task.TaskID, logger.KeyWorker, worker)
	case relay.IsPermanent(err) || errors.Is(err, ErrContentChanged):
		u.recordOutcome("failed")
		logger.Error("Upload task failed permanently",
			logger.KeyTaskID, task.TaskID, logger.KeyError, err)
		if ferr := u.store.FailTask(ctx, models.TaskUpload, task.TaskID, progress); ferr != nil {
			logger.Error("Failed to fail upload task",
				logger.KeyTaskID, task.TaskID, logger.KeyError, ferr)
		}
	case task.RetryCount+1 >= task.MaxRetries:
		u.recordOutcome("failed")
		logger.Error("Upload task exhausted retries",
			logger.KeyTaskID, task.TaskID,
			logger.KeyRetries, task.RetryCount,
			logger.KeyError, err)
		if ferr := u.store.FailTask(ctx, models.TaskUpload, task.TaskID, progress); ferr != nil {
			logger.Error("Failed to fail upload task",
				logger.KeyTaskID, task.TaskID, logger.KeyError, ferr)
		}
	default:
		u.recordOutcome("retried")
		logger.Warn("Upload task requeued",
			logger.KeyTaskID, task.TaskID,
			logger.KeyRetries, task.RetryCount,
			logger.KeyError, err)
		if rerr := u.store.RequeueTask(ctx, models.TaskUpload, task.TaskID); rerr != nil {
			logger.Error("Failed to requeue upload task",
				logger.KeyTaskID, task.TaskID, logger.KeyError, rerr)
		}
	}
}

func (u *Uploader) runTask(ctx context.Context, task *models.Task) (*models.TaskProgress, error) {
	payload, err := task.Payload()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrPermanent, err)
	}

	contentKey, err := u.keys(ctx, payload.FolderID)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(contentKey)

	folder, err := u.store.GetFolder(ctx, payload.FolderID)
	if err != nil {
		return nil, err
	}
	file, err := u.store.GetFile(ctx, payload.FileID)
	if err != nil {
		return nil, err
	}

	done := map[int64]bool{}
	progress := &models.TaskProgress{}
	rows, err := u.store.ListTaskProgress(ctx, task.TaskID)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		done[row.SegmentID] = true
		progress.CompletedSegments++
		progress.BytesTransferred += row.Bytes
		progress.LastMessageID = row.MessageID
	}

	path := filepath.Join(folder.LocalPath, filepath.FromSlash(file.RelativePath))
	src, err := os.Open(path)
	if err != nil {
		return progress, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer src.Close()

	for _, segmentID := range payload.SegmentIDs {
		if done[segmentID] {
			continue
		}
		seg, err := u.store.GetSegment(ctx, segmentID)
		if err != nil {
			return progress, err
		}
		if seg.Posted() {
			progress.CompletedSegments++
			continue
		}
		posted, err := u.postSegment(ctx, task, folder, file, seg, src, contentKey)
		if err != nil {
			return progress, err
		}
		progress.CompletedSegments++
		progress.BytesTransferred += posted.bytes
		progress.LastMessageID = posted.messageID
	}

	if err := u.store.AdvanceFileState(ctx, file.FileID, models.FileUploaded); err != nil {
		return progress, err
	}
	logger.Info("Upload task complete",
		logger.KeyTaskID, task.TaskID,
		logger.KeyFileID, file.FileID,
		"segments", progress.CompletedSegments,
		logger.KeyBytes, progress.BytesTransferred)
	return progress, nil
}

type postResult struct {
	messageID string
	bytes     int64
}

// postSegment runs the per-segment post sequence: read, verify, frame,
// encrypt, reserve identifiers, post with retries, checkpoint.
func (u *Uploader) postSegment(ctx context.Context, task *models.Task, folder *models.Folder, file *models.File, seg *models.Segment, src *os.File, contentKey []byte) (postResult, error) {
	raw := bufpool.Get(int(seg.Size))
	defer bufpool.Put(raw)
	if n, err := src.ReadAt(raw, seg.Offset); err != nil && !(errors.Is(err, io.EOF) && n == len(raw)) {
		return postResult{}, fmt.Errorf("failed to read segment %d: %w", seg.SegmentID, err)
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != seg.PlaintextHash {
		return postResult{}, fmt.Errorf("%w: segment %d", ErrContentChanged, seg.SegmentID)
	}

	blob := &segment.Blob{
		SegmentIndex:  seg.SegmentIndex,
		ReplicaIndex:  seg.ReplicaIndex,
		Offset:        seg.Offset,
		Size:          seg.Size,
		Compressed:    seg.Compressed,
		PlaintextHash: sum,
		Payload:       raw,
	}
	if seg.Compressed {
		compressed, err := segment.Deflate(raw)
		if err != nil {
			return postResult{}, err
		}
		blob.Payload = compressed
	}
	frame, err := segment.Frame(blob, file.FileID)
	if err != nil {
		return postResult{}, err
	}
	body, err := crypto.Encrypt(contentKey, frame,
		access.SegmentAD(folder.FolderID, file.FileID, seg.SegmentIndex, seg.ReplicaIndex))
	if err != nil {
		return postResult{}, err
	}

	// Reserve wire identifiers before the first attempt; a crash between
	// reservation and ack retries under the same Message-ID.
	if seg.MessageID == nil {
		messageID, err := obfuscate.NewMessageID()
		if err != nil {
			return postResult{}, err
		}
		subject, err := obfuscate.WireSubject()
		if err != nil {
			return postResult{}, err
		}
		if err := u.store.ReserveSegmentMessageID(ctx, seg.SegmentID, messageID, subject, u.cfg.Newsgroup); err != nil {
			return postResult{}, err
		}
		seg, err = u.store.GetSegment(ctx, seg.SegmentID)
		if err != nil {
			return postResult{}, err
		}
	}

	headers, err := obfuscate.Headers(*seg.MessageID, seg.WireSubject, seg.Newsgroup)
	if err != nil {
		return postResult{}, err
	}

	err = retry.Do(func() error {
		postCtx, cancel := context.WithTimeout(ctx, u.cfg.PostTimeout)
		defer cancel()
		_, perr := u.relay.Post(postCtx, &relay.Article{
			MessageID: *seg.MessageID,
			Headers:   headers,
			Body:      body,
		})
		return perr
	},
		retry.Context(ctx),
		retry.Attempts(postAttempts),
		retry.RetryIf(relay.IsRetryable),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return postResult{}, err
	}

	if err := u.store.MarkSegmentPosted(ctx, seg.SegmentID, task.TaskID, int64(len(body))); err != nil {
		return postResult{}, err
	}
	logger.Debug("Posted segment",
		logger.KeySegment, seg.SegmentID,
		logger.KeyMessageID, *seg.MessageID,
		logger.KeyReplica, seg.ReplicaIndex,
		logger.KeyBytes, len(body))
	return postResult{messageID: *seg.MessageID, bytes: int64(len(body))}, nil
}
