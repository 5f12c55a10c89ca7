// Package models defines the persistent entities of UsenetSync: folders,
// file versions, segments, packs, shares, access commitments, transfer tasks,
// and encrypted folder keys.
package models

// FolderState tracks the folder lifecycle.
type FolderState string

const (
	FolderActive   FolderState = "active"
	FolderArchived FolderState = "archived"
)

// FileState is the forward-only file state machine:
// indexed → segmented → uploaded, with obsolete on content change.
type FileState string

const (
	FileIndexed   FileState = "indexed"
	FileSegmented FileState = "segmented"
	FileUploaded  FileState = "uploaded"
	FileObsolete  FileState = "obsolete"
)

// fileStateRank orders states for forward-only transitions.
var fileStateRank = map[FileState]int{
	FileIndexed:   0,
	FileSegmented: 1,
	FileUploaded:  2,
	FileObsolete:  3,
}

// CanAdvance reports whether moving from s to next goes forward.
func (s FileState) CanAdvance(next FileState) bool {
	return fileStateRank[next] > fileStateRank[s]
}

// AccessClass determines how the index session key is wrapped.
type AccessClass string

const (
	AccessPublic    AccessClass = "public"
	AccessPrivate   AccessClass = "private"
	AccessProtected AccessClass = "protected"
)

// TaskStatus is the task state machine: pending → in_progress →
// (completed | retrying | failed); retrying returns to pending.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskRetrying   TaskStatus = "retrying"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskKind separates the two persistent queues.
type TaskKind string

const (
	TaskUpload   TaskKind = "upload"
	TaskDownload TaskKind = "download"
)

// SegmentID encodes (fileID, segmentIndex, replicaIndex) injectively.
// Replica 0 uses the plain fileID<<20|index form; replicas shift their index
// into the high bits so every copy gets a distinct row id.
func SegmentID(fileID int64, segmentIndex uint32, replicaIndex uint8) int64 {
	return int64(replicaIndex)<<56 | fileID<<20 | int64(segmentIndex)
}

// MaxSegmentIndex is the largest segment index the id encoding can hold.
const MaxSegmentIndex = 1<<20 - 1

// MaxReplicaIndex is the highest replica index allowed by config and encoding.
const MaxReplicaIndex = 15

// TableName returns the queue table backing this kind. Upload and download
// tasks share one row shape but live in separate tables.
func (k TaskKind) TableName() string {
	if k == TaskDownload {
		return "download_tasks"
	}
	return "upload_tasks"
}

// AllModels returns every model for AutoMigrate, in FK dependency order.
// Task is migrated separately into its two per-kind tables.
func AllModels() []any {
	return []any{
		&Folder{},
		&File{},
		&Segment{},
		&Pack{},
		&PackMember{},
		&Share{},
		&AccessCommitment{},
		&SegmentProgress{},
		&FolderKeys{},
	}
}
