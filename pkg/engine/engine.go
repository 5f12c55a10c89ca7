// Package engine is the orchestration facade: Publish turns a local folder
// into a share identifier, Consume turns a share identifier back into files.
// No error from the worker layers escapes these APIs as a panic; outcomes
// are structured reports.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/access"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/downloader"
	"github.com/usenetsync/usenetsync/pkg/index"
	"github.com/usenetsync/usenetsync/pkg/metrics"
	"github.com/usenetsync/usenetsync/pkg/obfuscate"
	"github.com/usenetsync/usenetsync/pkg/pack"
	"github.com/usenetsync/usenetsync/pkg/reconstruct"
	"github.com/usenetsync/usenetsync/pkg/relay"
	"github.com/usenetsync/usenetsync/pkg/scanner"
	"github.com/usenetsync/usenetsync/pkg/segment"
	"github.com/usenetsync/usenetsync/pkg/staging"
	"github.com/usenetsync/usenetsync/pkg/store"
	"github.com/usenetsync/usenetsync/pkg/store/models"
	"github.com/usenetsync/usenetsync/pkg/uploader"
)

// queueHighWaterFactor bounds enqueueing ahead of the workers: at most
// workers x factor tasks sit pending before Publish pauses feeding.
const queueHighWaterFactor = 10

// Config carries the tunables the engine hands to its components.
type Config struct {
	Newsgroup       string
	SegmentSize     int
	PackSize        int
	Redundancy      int
	UploadWorkers   int
	DownloadWorkers int

	// Metrics observes the task queues. Nil disables collection.
	Metrics metrics.QueueMetrics
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Newsgroup == "" {
		c.Newsgroup = "alt.binaries.misc"
	}
	if c.SegmentSize <= 0 {
		c.SegmentSize = segment.DefaultSegmentSize
	}
	if c.PackSize <= 0 {
		c.PackSize = pack.DefaultMaxSize
	}
	if c.DownloadWorkers <= 0 {
		c.DownloadWorkers = downloader.DefaultWorkers
	}
}

// Engine wires the pipeline components over one store, one relay, and one
// staging area.
type Engine struct {
	cfg        Config
	store      *store.Store
	relay      relay.Relay
	staging    *staging.Store
	installKey []byte
}

// New creates an Engine. installKey encrypts folder key material at rest;
// the engine keeps a copy and zeroizes it on Close.
func New(cfg Config, st *store.Store, r relay.Relay, stage *staging.Store, installKey []byte) *Engine {
	cfg.ApplyDefaults()
	key := make([]byte, len(installKey))
	copy(key, installKey)
	return &Engine{cfg: cfg, store: st, relay: r, staging: stage, installKey: key}
}

// Close wipes the engine's key material.
func (e *Engine) Close() {
	crypto.Zeroize(e.installKey)
}

// PublishRequest describes one publish operation. Actor names the local
// identity performing it and is carried into every log line of the run.
type PublishRequest struct {
	Actor      string
	FolderPath string

	AccessClass models.AccessClass

	// Password applies to protected shares.
	Password []byte

	// Recipients applies to private shares.
	Recipients []string

	// Redundancy overrides the configured replica count when >= 0.
	Redundancy int
}

// PublishResult is the outcome of a publish.
type PublishResult struct {
	ShareID        string
	FolderID       string
	IndexMessageID string
	FileCount      int
	SegmentCount   int
	TotalBytes     int64
}

// Publish scans, segments, uploads, and publishes the folder as a new share.
func (e *Engine) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	if !access.ValidClass(req.AccessClass) {
		return nil, fmt.Errorf("unknown access class %q", req.AccessClass)
	}
	if req.AccessClass == models.AccessPrivate && len(req.Recipients) == 0 {
		return nil, errors.New("private share needs at least one recipient")
	}
	if req.AccessClass == models.AccessProtected && len(req.Password) == 0 {
		return nil, errors.New("protected share needs a password")
	}
	redundancy := e.cfg.Redundancy
	if req.Redundancy >= 0 {
		redundancy = req.Redundancy
	}

	start := time.Now()
	logger.Info("Publish started",
		"actor", req.Actor,
		logger.KeyPath, req.FolderPath,
		"access_class", string(req.AccessClass),
		"redundancy", redundancy)

	folder, keys, err := e.ensureFolder(ctx, req.FolderPath)
	if err != nil {
		return nil, err
	}
	defer keys.Zeroize()

	up := uploader.New(uploader.Config{
		Workers:   e.cfg.UploadWorkers,
		Newsgroup: e.cfg.Newsgroup,
		Metrics:   e.cfg.Metrics,
	}, e.store, e.relay, e.contentKeyProvider())

	// The uploader drains concurrently while indexing feeds the queue; the
	// feeder pauses at the high-water mark and the workers open headroom
	// underneath it.
	drained := make(chan error, 1)
	indexed := make(chan struct{})
	go func() {
		drained <- e.drainWhileIndexing(ctx, up, indexed)
	}()

	files, segmentCount, err := e.indexFolder(ctx, folder, keys, redundancy)
	close(indexed)
	uploadErr := <-drained
	if err != nil {
		return nil, err
	}
	if uploadErr != nil {
		return nil, uploadErr
	}
	if failed, err := e.store.CountTasksByStatus(ctx, models.TaskUpload, models.TaskFailed); err != nil {
		return nil, err
	} else if failed > 0 {
		return nil, fmt.Errorf("%d upload tasks failed; publish aborted", failed)
	}

	share, sealed, err := e.buildShare(ctx, folder, keys, files, req)
	if err != nil {
		return nil, err
	}

	manager := index.NewManager(e.relay, e.store, e.cfg.Newsgroup)
	messageID, err := manager.Publish(ctx, share.ShareID, sealed)
	if err != nil {
		return nil, err
	}

	result := &PublishResult{
		ShareID:        share.ShareID,
		FolderID:       folder.FolderID,
		IndexMessageID: messageID,
		FileCount:      len(files),
		SegmentCount:   segmentCount,
	}
	for _, f := range files {
		result.TotalBytes += f.Size
	}
	logger.Info("Publish complete",
		"actor", req.Actor,
		logger.KeyShareID, share.ShareID,
		"files", result.FileCount,
		"segments", result.SegmentCount,
		logger.KeyDurationMS, logger.Duration(start))
	return result, nil
}

// drainWhileIndexing cycles the uploader until the producer signals done,
// then makes one final pass over anything enqueued after the last drain.
func (e *Engine) drainWhileIndexing(ctx context.Context, up *uploader.Uploader, producerDone <-chan struct{}) error {
	for {
		if err := up.Run(ctx); err != nil {
			return err
		}
		select {
		case <-producerDone:
			return up.Run(ctx)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// ensureFolder loads or registers the folder and its key material.
func (e *Engine) ensureFolder(ctx context.Context, path string) (*models.Folder, *access.FolderKeySet, error) {
	folder, err := e.store.GetFolderByPath(ctx, path)
	if errors.Is(err, models.ErrFolderNotFound) {
		folder, err = e.registerFolder(ctx, path)
	}
	if err != nil {
		return nil, nil, err
	}

	rec, err := e.store.GetFolderKeys(ctx, folder.FolderID)
	if err != nil {
		return nil, nil, err
	}
	keys, err := access.OpenFolderKeys(rec, e.installKey)
	if err != nil {
		return nil, nil, err
	}
	return folder, keys, nil
}

func (e *Engine) registerFolder(ctx context.Context, path string) (*models.Folder, error) {
	folder := &models.Folder{
		DisplayName: filepath.Base(path),
		LocalPath:   path,
	}
	if _, err := e.store.CreateFolder(ctx, folder); err != nil {
		return nil, err
	}

	keys, err := access.GenerateFolderKeys()
	if err != nil {
		return nil, err
	}
	defer keys.Zeroize()
	sealedKeys, err := keys.Seal(e.installKey, folder.FolderID)
	if err != nil {
		return nil, err
	}
	if err := e.store.PutFolderKeys(ctx, sealedKeys); err != nil {
		return nil, err
	}
	logger.Info("Registered folder",
		logger.KeyFolderID, folder.FolderID,
		logger.KeyPath, path)
	return folder, nil
}

// indexFolder scans the folder, versions changed files, cuts segments, plans
// containers, and enqueues upload tasks. Returns the current file rows and
// the number of segment copies created.
func (e *Engine) indexFolder(ctx context.Context, folder *models.Folder, keys *access.FolderKeySet, redundancy int) ([]*models.File, int, error) {
	previous, err := e.previousSnapshot(ctx, folder)
	if err != nil {
		return nil, 0, err
	}

	scan := scanner.New(scanner.Config{})
	diff, _, err := scan.Scan(ctx, folder.LocalPath, previous)
	if err != nil {
		return nil, 0, err
	}

	seg, err := segment.New(segment.Config{
		SegmentSize: e.cfg.SegmentSize,
		Redundancy:  redundancy,
	})
	if err != nil {
		return nil, 0, err
	}

	segmentCount := 0
	for _, rec := range append(diff.Added, diff.Modified...) {
		n, err := e.indexFile(ctx, folder, keys, seg, rec)
		if err != nil {
			return nil, 0, err
		}
		segmentCount += n
	}
	for _, rec := range diff.Deleted {
		current, err := e.store.GetCurrentFile(ctx, folder.FolderID, rec.RelativePath)
		if err != nil && !errors.Is(err, models.ErrFileNotFound) {
			return nil, 0, err
		}
		if err == nil {
			if err := e.store.AdvanceFileState(ctx, current.FileID, models.FileObsolete); err != nil {
				return nil, 0, err
			}
		}
	}

	files, err := e.store.ListCurrentFiles(ctx, folder.FolderID)
	if err != nil {
		return nil, 0, err
	}
	return files, segmentCount, nil
}

// previousSnapshot rebuilds the scanner snapshot from the store. Mod times
// are not persisted, so unchanged files are confirmed by rehash rather than
// by the fast path.
func (e *Engine) previousSnapshot(ctx context.Context, folder *models.Folder) (scanner.Snapshot, error) {
	files, err := e.store.ListCurrentFiles(ctx, folder.FolderID)
	if err != nil {
		return nil, err
	}
	snap := scanner.Snapshot{}
	for _, f := range files {
		snap[f.RelativePath] = scanner.FileRecord{
			RelativePath: f.RelativePath,
			Size:         f.Size,
			ContentHash:  f.ContentHash,
		}
	}
	return snap, nil
}

// indexFile versions one changed file, writes its segment rows, records the
// container plan, and enqueues upload tasks per planned container. Each row
// carries its internal subject so later passes can verify provenance.
func (e *Engine) indexFile(ctx context.Context, folder *models.Folder, keys *access.FolderKeySet, seg *segment.Segmenter, rec scanner.FileRecord) (int, error) {
	previous, err := e.store.GetCurrentFile(ctx, folder.FolderID, rec.RelativePath)
	if err != nil && !errors.Is(err, models.ErrFileNotFound) {
		return 0, err
	}
	if errors.Is(err, models.ErrFileNotFound) {
		previous = nil
	}

	file := &models.File{
		FolderID:     folder.FolderID,
		RelativePath: rec.RelativePath,
		Size:         rec.Size,
		ContentHash:  rec.ContentHash,
	}
	if _, err := e.store.CreateFileVersion(ctx, file, previous); err != nil {
		return 0, err
	}

	blobs, err := seg.Split(ctx, filepath.Join(folder.LocalPath, filepath.FromSlash(rec.RelativePath)))
	if err != nil {
		return 0, err
	}
	all := append(blobs, seg.Replicate(blobs)...)

	rows := make([]*models.Segment, 0, len(all))
	for _, b := range all {
		rows = append(rows, &models.Segment{
			SegmentID:       models.SegmentID(file.FileID, b.SegmentIndex, b.ReplicaIndex),
			FileID:          file.FileID,
			SegmentIndex:    b.SegmentIndex,
			Offset:          b.Offset,
			Size:            b.Size,
			PlaintextHash:   hex.EncodeToString(b.PlaintextHash[:]),
			InternalSubject: obfuscate.InternalSubject(keys.SigningPrivate, []byte(folder.FolderID), uint32(file.Version), b.SegmentIndex),
			ReplicaIndex:    b.ReplicaIndex,
			Compressed:      b.Compressed,
		})
	}
	if err := e.store.CreateSegments(ctx, rows); err != nil {
		return 0, err
	}
	if err := e.store.AdvanceFileState(ctx, file.FileID, models.FileSegmented); err != nil {
		return 0, err
	}

	if err := e.enqueueUploads(ctx, folder, file, all); err != nil {
		return 0, err
	}
	return len(all), nil
}

// enqueueUploads groups a file's segment copies into container-bounded
// upload tasks and persists the plan. Feeding pauses at the queue high-water
// mark so a huge folder cannot flood the store.
func (e *Engine) enqueueUploads(ctx context.Context, folder *models.Folder, file *models.File, blobs []*segment.Blob) error {
	members := make([]*pack.Member, 0, len(blobs))
	for _, b := range blobs {
		members = append(members, pack.MemberFromBlob(b, models.SegmentID(file.FileID, b.SegmentIndex, b.ReplicaIndex), file.FileID))
	}
	packs, err := pack.Plan(members, e.cfg.PackSize, pack.StrategySequential, 0)
	if err != nil {
		return err
	}

	for _, p := range packs {
		if err := e.waitForQueueHeadroom(ctx); err != nil {
			return err
		}

		encoded := p.Encode()
		checksum := encoded[len(encoded)-32:]
		packRow := &models.Pack{Checksum: hex.EncodeToString(checksum)}
		packMembers := make([]*models.PackMember, 0, len(p.Members))
		segmentIDs := make([]int64, 0, len(p.Members))
		for pos, m := range p.Members {
			packMembers = append(packMembers, &models.PackMember{SegmentID: m.SegmentID, Position: pos})
			segmentIDs = append(segmentIDs, m.SegmentID)
		}
		packID, err := e.store.CreatePack(ctx, packRow, packMembers)
		if err != nil {
			return err
		}

		task := &models.Task{Kind: models.TaskUpload}
		if err := task.SetPayload(&models.TaskPayload{
			FolderID:   folder.FolderID,
			FileID:     file.FileID,
			SegmentIDs: segmentIDs,
			PackID:     packID,
		}); err != nil {
			return err
		}
		if _, err := e.store.EnqueueTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// waitForQueueHeadroom blocks while the pending upload queue sits above the
// high-water mark.
func (e *Engine) waitForQueueHeadroom(ctx context.Context) error {
	workers := e.cfg.UploadWorkers
	if workers <= 0 {
		workers = e.relay.Capabilities().MaxConnections
	}
	if workers <= 0 {
		workers = 1
	}
	limit := int64(workers * queueHighWaterFactor)
	for {
		pending, err := e.store.CountTasksByStatus(ctx, models.TaskUpload, models.TaskPending)
		if err != nil {
			return err
		}
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.SetQueueDepth("upload", pending)
		}
		if pending < limit {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// FolderRootKey returns a copy of the folder's root key. Private-share
// recipients need it out of band; the caller zeroizes it after use.
func (e *Engine) FolderRootKey(ctx context.Context, folderID string) ([]byte, error) {
	rec, err := e.store.GetFolderKeys(ctx, folderID)
	if err != nil {
		return nil, err
	}
	keys, err := access.OpenFolderKeys(rec, e.installKey)
	if err != nil {
		return nil, err
	}
	defer keys.Zeroize()
	root := make([]byte, len(keys.Root))
	copy(root, keys.Root)
	return root, nil
}

// contentKeyProvider resolves folder ids to content keys for the uploader.
func (e *Engine) contentKeyProvider() uploader.KeyProvider {
	return func(ctx context.Context, folderID string) ([]byte, error) {
		rec, err := e.store.GetFolderKeys(ctx, folderID)
		if err != nil {
			return nil, err
		}
		keys, err := access.OpenFolderKeys(rec, e.installKey)
		if err != nil {
			return nil, err
		}
		defer keys.Zeroize()
		return access.DeriveContentKey(keys.Root), nil
	}
}

// buildShare creates the share row, builds the document, and seals it.
func (e *Engine) buildShare(ctx context.Context, folder *models.Folder, keys *access.FolderKeySet, files []*models.File, req PublishRequest) (*models.Share, []byte, error) {
	if err := e.verifySegmentOwnership(ctx, folder, keys, files); err != nil {
		return nil, nil, err
	}

	shareID, err := index.NewShareID()
	if err != nil {
		return nil, nil, err
	}

	sessionKey, err := crypto.NewSessionKey()
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zeroize(sessionKey)

	share := &models.Share{
		ShareID:         shareID,
		FolderID:        folder.FolderID,
		AccessClass:     req.AccessClass,
		VersionSnapshot: snapshotVersion(files),
	}

	var salt []byte
	if req.AccessClass == models.AccessProtected {
		salt, err = crypto.NewSalt()
		if err != nil {
			return nil, nil, err
		}
		share.PasswordSalt = salt
		params := fmt.Sprintf("pbkdf2-sha256:%d", crypto.PBKDF2Iterations)
		share.KDFParams = &params
	}

	var commitmentRows []*models.AccessCommitment
	if req.AccessClass == models.AccessPrivate {
		commitments, err := access.BuildCommitments(keys.Root, sessionKey, shareID, req.Recipients)
		if err != nil {
			return nil, nil, err
		}
		for _, c := range commitments {
			commitmentRows = append(commitmentRows, &models.AccessCommitment{
				ShareID:           shareID,
				UserIDHash:        hex.EncodeToString(c.UserIDHash),
				VerificationKey:   c.VerificationKey,
				WrappedSessionKey: c.WrappedSessionKey,
			})
		}
	}
	if err := e.store.CreateShare(ctx, share, commitmentRows); err != nil {
		return nil, nil, err
	}

	doc, err := index.Build(ctx, e.store, share, folder.DisplayName, files)
	if err != nil {
		return nil, nil, err
	}
	doc.ContentKey = access.DeriveContentKey(keys.Root)

	sealed, err := index.Seal(index.SealRequest{
		Doc:        doc,
		SigningKey: keys.SigningPrivate,
		SessionKey: sessionKey,
		Password:   req.Password,
		Salt:       salt,
		Root:       keys.Root,
		Recipients: req.Recipients,
	})
	if err != nil {
		return nil, nil, err
	}
	return share, sealed, nil
}

// snapshotVersion is the folder version a share pins: the highest file
// version in the published snapshot.
func snapshotVersion(files []*models.File) int {
	v := 0
	for _, f := range files {
		if f.Version > v {
			v = f.Version
		}
	}
	return v
}

// verifySegmentOwnership recomputes the internal subject of every segment row
// the share is about to reference. A mismatch means the row was not cut from
// this folder and file version, and the share must not point at it.
func (e *Engine) verifySegmentOwnership(ctx context.Context, folder *models.Folder, keys *access.FolderKeySet, files []*models.File) error {
	for _, f := range files {
		segments, err := e.store.ListSegmentsByFile(ctx, f.FileID)
		if err != nil {
			return err
		}
		for _, seg := range segments {
			want := obfuscate.InternalSubject(keys.SigningPrivate, []byte(folder.FolderID), uint32(f.Version), seg.SegmentIndex)
			if seg.InternalSubject != want {
				return fmt.Errorf("segment %d of %s does not belong to version %d of this folder", seg.SegmentIndex, f.RelativePath, f.Version)
			}
		}
	}
	return nil
}

// ConsumeRequest describes one consume operation.
type ConsumeRequest struct {
	Actor   string
	ShareID string

	// Destination is the root the folder is reconstructed under.
	Destination string

	// Password unlocks protected shares.
	Password []byte

	// UserID and RootKey unlock private shares; both are delivered out of
	// band by the publisher.
	UserID  string
	RootKey []byte

	// Selection limits the consume to these relative paths; nil means all.
	Selection map[string]bool
}

// Consume fetches a share and reconstructs it under the destination root.
// Missing segments produce per-file incomplete outcomes, never an error.
func (e *Engine) Consume(ctx context.Context, req ConsumeRequest) (*reconstruct.Report, error) {
	start := time.Now()
	logger.Info("Consume started",
		"actor", req.Actor,
		logger.KeyShareID, req.ShareID)

	manager := index.NewManager(e.relay, e.store, e.cfg.Newsgroup)
	doc, err := manager.Fetch(ctx, req.ShareID, index.Credentials{
		Password: req.Password,
		UserID:   req.UserID,
		Root:     req.RootKey,
	})
	if err != nil {
		return nil, err
	}
	if len(doc.ContentKey) != crypto.KeySize {
		return nil, index.ErrInvalidFormat
	}

	dl := downloader.New(downloader.Config{
		Workers: e.cfg.DownloadWorkers,
		Metrics: e.cfg.Metrics,
	}, e.store, e.relay, e.staging)
	result, err := dl.Fetch(ctx, doc, doc.ContentKey, req.Selection)
	if err != nil {
		return nil, err
	}

	report, err := reconstruct.Run(ctx, doc, e.staging, req.Destination, result.SortMissing(), req.Selection)
	if err != nil {
		return nil, err
	}

	logger.Info("Consume complete",
		"actor", req.Actor,
		logger.KeyShareID, req.ShareID,
		"files", len(report.Files),
		"complete", report.Complete(),
		logger.KeyDurationMS, logger.Duration(start))
	return report, nil
}
