package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/pkg/store/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Config{
		Type:   DatabaseTypeSQLite,
		SQLite: SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestFolder(t *testing.T, s *Store) *models.Folder {
	t.Helper()
	folder := &models.Folder{DisplayName: "docs", LocalPath: "/tmp/docs"}
	_, err := s.CreateFolder(context.Background(), folder)
	require.NoError(t, err)
	return folder
}

func TestFolderLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	folder := createTestFolder(t, s)
	assert.Len(t, folder.FolderID, 32)
	assert.Equal(t, models.FolderActive, folder.State)

	got, err := s.GetFolder(ctx, folder.FolderID)
	require.NoError(t, err)
	assert.Equal(t, "docs", got.DisplayName)

	require.NoError(t, s.ArchiveFolder(ctx, folder.FolderID))
	got, err = s.GetFolder(ctx, folder.FolderID)
	require.NoError(t, err)
	assert.Equal(t, models.FolderArchived, got.State)

	_, err = s.GetFolder(ctx, "00000000000000000000000000000000")
	assert.ErrorIs(t, err, models.ErrFolderNotFound)
}

func TestFileVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	folder := createTestFolder(t, s)

	v1 := &models.File{
		FolderID:     folder.FolderID,
		RelativePath: "a.txt",
		Size:         5,
		ContentHash:  "hash-v1",
	}
	_, err := s.CreateFileVersion(ctx, v1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	// Content change appends version 2 and obsoletes version 1 atomically.
	v2 := &models.File{
		FolderID:     folder.FolderID,
		RelativePath: "a.txt",
		Size:         6,
		ContentHash:  "hash-v2",
	}
	_, err = s.CreateFileVersion(ctx, v2, v1)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	require.NotNil(t, v2.PreviousVersionID)
	assert.Equal(t, v1.FileID, *v2.PreviousVersionID)

	old, err := s.GetFile(ctx, v1.FileID)
	require.NoError(t, err)
	assert.Equal(t, models.FileObsolete, old.State)

	current, err := s.GetCurrentFile(ctx, folder.FolderID, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, v2.FileID, current.FileID)
}

func TestFileStateForwardOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	folder := createTestFolder(t, s)

	f := &models.File{FolderID: folder.FolderID, RelativePath: "b.bin", ContentHash: "h"}
	_, err := s.CreateFileVersion(ctx, f, nil)
	require.NoError(t, err)

	require.NoError(t, s.AdvanceFileState(ctx, f.FileID, models.FileSegmented))
	require.NoError(t, s.AdvanceFileState(ctx, f.FileID, models.FileUploaded))

	// Backward transition is a silent no-op.
	require.NoError(t, s.AdvanceFileState(ctx, f.FileID, models.FileIndexed))
	got, err := s.GetFile(ctx, f.FileID)
	require.NoError(t, err)
	assert.Equal(t, models.FileUploaded, got.State)
}

func createTestFile(t *testing.T, s *Store, folderID string, path string) *models.File {
	t.Helper()
	f := &models.File{FolderID: folderID, RelativePath: path, ContentHash: "h", Size: 100}
	_, err := s.CreateFileVersion(context.Background(), f, nil)
	require.NoError(t, err)
	return f
}

func TestSegmentUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	folder := createTestFolder(t, s)
	f := createTestFile(t, s, folder.FolderID, "c.bin")

	segs := []*models.Segment{
		{SegmentID: models.SegmentID(f.FileID, 0, 0), FileID: f.FileID, SegmentIndex: 0, Size: 50, PlaintextHash: "p0"},
		{SegmentID: models.SegmentID(f.FileID, 0, 1), FileID: f.FileID, SegmentIndex: 0, ReplicaIndex: 1, Size: 50, PlaintextHash: "p0"},
		{SegmentID: models.SegmentID(f.FileID, 1, 0), FileID: f.FileID, SegmentIndex: 1, Size: 50, PlaintextHash: "p1"},
	}
	require.NoError(t, s.CreateSegments(ctx, segs))

	dup := []*models.Segment{
		{SegmentID: models.SegmentID(f.FileID, 0, 0) + 999999, FileID: f.FileID, SegmentIndex: 0, Size: 50, PlaintextHash: "p0"},
	}
	assert.ErrorIs(t, s.CreateSegments(ctx, dup), models.ErrDuplicateSegment)
}

func TestSegmentPostFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	folder := createTestFolder(t, s)
	f := createTestFile(t, s, folder.FolderID, "d.bin")

	segID := models.SegmentID(f.FileID, 0, 0)
	require.NoError(t, s.CreateSegments(ctx, []*models.Segment{
		{SegmentID: segID, FileID: f.FileID, SegmentIndex: 0, Size: 42, PlaintextHash: "p"},
	}))

	// Reserve the Message-ID before the first post attempt.
	require.NoError(t, s.ReserveSegmentMessageID(ctx, segID, "<m1@news.example.net>", "subj", "alt.binaries.test"))

	// A second reservation must not change the id.
	require.NoError(t, s.ReserveSegmentMessageID(ctx, segID, "<m2@news.example.net>", "other", "alt.binaries.test"))
	seg, err := s.GetSegment(ctx, segID)
	require.NoError(t, err)
	require.NotNil(t, seg.MessageID)
	assert.Equal(t, "<m1@news.example.net>", *seg.MessageID)
	assert.False(t, seg.Posted())

	n, err := s.CountUnpostedSegments(ctx, f.FileID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Acknowledged post writes the posted timestamp and the checkpoint
	// atomically.
	require.NoError(t, s.MarkSegmentPosted(ctx, segID, "task-1", 42))
	seg, err = s.GetSegment(ctx, segID)
	require.NoError(t, err)
	assert.True(t, seg.Posted())

	n, err = s.CountUnpostedSegments(ctx, f.FileID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	rows, err := s.ListTaskProgress(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "<m1@news.example.net>", rows[0].MessageID)
	assert.EqualValues(t, 42, rows[0].Bytes)
}

func TestShareLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	folder := createTestFolder(t, s)

	share := &models.Share{
		ShareID:         "ABCDEFGH23456789ABCDEFGH",
		FolderID:        folder.FolderID,
		VersionSnapshot: 1,
		AccessClass:     models.AccessPrivate,
	}
	commitments := []*models.AccessCommitment{
		{UserIDHash: "u1-hash", VerificationKey: []byte{1}, WrappedSessionKey: []byte{2}},
		{UserIDHash: "u2-hash", VerificationKey: []byte{3}, WrappedSessionKey: []byte{4}},
	}
	require.NoError(t, s.CreateShare(ctx, share, commitments))

	got, err := s.GetShare(ctx, share.ShareID)
	require.NoError(t, err)
	assert.False(t, got.Published())

	list, err := s.ListCommitments(ctx, share.ShareID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.SetShareIndexMessageID(ctx, share.ShareID, "<idx@news.example.net>"))
	got, err = s.GetShare(ctx, share.ShareID)
	require.NoError(t, err)
	assert.True(t, got.Published())

	// A published share never changes its index article.
	err = s.SetShareIndexMessageID(ctx, share.ShareID, "<other@news.example.net>")
	assert.ErrorIs(t, err, models.ErrShareNotFound)
}

func TestListSharesByFolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	docs := createTestFolder(t, s)
	other := &models.Folder{DisplayName: "photos", LocalPath: "/tmp/photos"}
	_, err := s.CreateFolder(ctx, other)
	require.NoError(t, err)

	for i, folderID := range []string{docs.FolderID, docs.FolderID, other.FolderID} {
		share := &models.Share{
			ShareID:         "ABCDEFGH23456789ABCDEFG" + string(rune('2'+i)),
			FolderID:        folderID,
			VersionSnapshot: i + 1,
			AccessClass:     models.AccessPublic,
		}
		require.NoError(t, s.CreateShare(ctx, share, nil))
	}

	list, err := s.ListSharesByFolder(ctx, docs.FolderID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, share := range list {
		assert.Equal(t, docs.FolderID, share.FolderID)
	}
}

func TestListFilesBySnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	folder := createTestFolder(t, s)

	v1 := &models.File{FolderID: folder.FolderID, RelativePath: "a.txt", Size: 5, ContentHash: "hash-v1"}
	_, err := s.CreateFileVersion(ctx, v1, nil)
	require.NoError(t, err)
	v2 := &models.File{FolderID: folder.FolderID, RelativePath: "a.txt", Size: 6, ContentHash: "hash-v2"}
	_, err = s.CreateFileVersion(ctx, v2, v1)
	require.NoError(t, err)
	b := &models.File{FolderID: folder.FolderID, RelativePath: "b.txt", Size: 1, ContentHash: "hash-b"}
	_, err = s.CreateFileVersion(ctx, b, nil)
	require.NoError(t, err)

	// A snapshot pins explicit file ids; superseded versions stay reachable.
	files, err := s.ListFilesBySnapshot(ctx, folder.FolderID, []int64{v1.FileID, b.FileID})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.txt", files[0].RelativePath)
	assert.Equal(t, "hash-v1", files[0].ContentHash)
	assert.Equal(t, "b.txt", files[1].RelativePath)
}

func TestTaskQueueOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mkTask := func(priority int) string {
		task := &models.Task{Kind: models.TaskUpload, Priority: priority, PayloadJSON: "{}"}
		id, err := s.EnqueueTask(ctx, task)
		require.NoError(t, err)
		return id
	}

	low := mkTask(10)
	high := mkTask(0)
	mid := mkTask(5)

	for _, want := range []string{high, mid, low} {
		task, err := s.ClaimNextTask(ctx, models.TaskUpload)
		require.NoError(t, err)
		assert.Equal(t, want, task.TaskID)
		assert.Equal(t, models.TaskInProgress, task.Status)
	}

	_, err := s.ClaimNextTask(ctx, models.TaskUpload)
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestTaskRequeueDeprioritizes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &models.Task{Kind: models.TaskUpload, PayloadJSON: "{}"}
	id, err := s.EnqueueTask(ctx, task)
	require.NoError(t, err)

	claimed, err := s.ClaimNextTask(ctx, models.TaskUpload)
	require.NoError(t, err)
	require.Equal(t, id, claimed.TaskID)

	require.NoError(t, s.RequeueTask(ctx, models.TaskUpload, id))
	got, err := s.GetTask(ctx, models.TaskUpload, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 10, got.Priority)

	// Second failure pushes it further back.
	_, err = s.ClaimNextTask(ctx, models.TaskUpload)
	require.NoError(t, err)
	require.NoError(t, s.RequeueTask(ctx, models.TaskUpload, id))
	got, err = s.GetTask(ctx, models.TaskUpload, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, 30, got.Priority)
}

func TestResetOrphanedTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &models.Task{Kind: models.TaskDownload, PayloadJSON: "{}"}
	id, err := s.EnqueueTask(ctx, task)
	require.NoError(t, err)

	_, err = s.ClaimNextTask(ctx, models.TaskDownload)
	require.NoError(t, err)

	// Simulated restart: the in_progress task returns to pending.
	n, err := s.ResetOrphanedTasks(ctx, models.TaskDownload)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetTask(ctx, models.TaskDownload, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
}

func TestTaskQueuesAreSeparate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueTask(ctx, &models.Task{Kind: models.TaskUpload, PayloadJSON: "{}"})
	require.NoError(t, err)

	_, err = s.ClaimNextTask(ctx, models.TaskDownload)
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestCompleteAndFailTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueTask(ctx, &models.Task{Kind: models.TaskUpload, PayloadJSON: "{}"})
	require.NoError(t, err)
	_, err = s.ClaimNextTask(ctx, models.TaskUpload)
	require.NoError(t, err)

	progress := &models.TaskProgress{CompletedSegments: 3, BytesTransferred: 999}
	require.NoError(t, s.CompleteTask(ctx, models.TaskUpload, id, progress))

	got, err := s.GetTask(ctx, models.TaskUpload, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	p, err := got.Progress()
	require.NoError(t, err)
	assert.Equal(t, 3, p.CompletedSegments)
}

func TestFolderKeysUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	folder := createTestFolder(t, s)

	keys := &models.FolderKeys{
		FolderID:            folder.FolderID,
		EncryptedSigningKey: []byte("enc-signing-v1"),
		EncryptedRoot:       []byte("enc-root-v1"),
	}
	require.NoError(t, s.PutFolderKeys(ctx, keys))

	keys.EncryptedSigningKey = []byte("enc-signing-v2")
	require.NoError(t, s.PutFolderKeys(ctx, keys))

	got, err := s.GetFolderKeys(ctx, folder.FolderID)
	require.NoError(t, err)
	assert.Equal(t, []byte("enc-signing-v2"), got.EncryptedSigningKey)

	_, err = s.GetFolderKeys(ctx, "ffffffffffffffffffffffffffffffff")
	assert.ErrorIs(t, err, models.ErrKeysNotFound)
}
