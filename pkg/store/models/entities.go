package models

import (
	"encoding/json"
	"time"
)

// Folder is a synchronized local directory. FolderID is an opaque 16-byte id
// stored as 32 hex characters.
type Folder struct {
	FolderID    string      `gorm:"primaryKey;size:32" json:"folder_id"`
	DisplayName string      `gorm:"not null;size:255" json:"display_name"`
	LocalPath   string      `gorm:"not null" json:"local_path"`
	State       FolderState `gorm:"not null;default:active;size:16" json:"state"`
	CreatedAt   time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

func (Folder) TableName() string { return "folders" }

// File is one version of one file within a folder. A content change appends a
// new row with version+1 and marks the predecessor obsolete.
type File struct {
	FileID            int64     `gorm:"primaryKey;autoIncrement" json:"file_id"`
	FolderID          string    `gorm:"not null;size:32;index;uniqueIndex:idx_files_path_version,priority:1" json:"folder_id"`
	RelativePath      string    `gorm:"not null;uniqueIndex:idx_files_path_version,priority:2" json:"relative_path"`
	Size              int64     `gorm:"not null" json:"size"`
	ContentHash       string    `gorm:"not null;size:64" json:"content_hash"`
	Version           int       `gorm:"not null;default:1;uniqueIndex:idx_files_path_version,priority:3" json:"version"`
	PreviousVersionID *int64    `json:"previous_version_id,omitempty"`
	State             FileState `gorm:"not null;default:indexed;size:16" json:"state"`
	ModifiedAt        time.Time `gorm:"autoUpdateTime" json:"modified_at"`
}

func (File) TableName() string { return "files" }

// Segment is a fixed-size slice of one file version, or a redundant replica
// of one. MessageID is set only after a successful post.
type Segment struct {
	SegmentID     int64   `gorm:"primaryKey" json:"segment_id"`
	FileID        int64   `gorm:"not null;index;uniqueIndex:idx_segments_replica,priority:1" json:"file_id"`
	SegmentIndex  uint32  `gorm:"not null;uniqueIndex:idx_segments_replica,priority:2" json:"segment_index"`
	Offset        int64   `gorm:"not null" json:"offset"`
	Size          int64   `gorm:"not null" json:"size"`
	PlaintextHash string  `gorm:"not null;size:64" json:"plaintext_hash"`
	// InternalSubject is the deterministic verification subject; it is never
	// posted to the relay.
	InternalSubject string `gorm:"size:64" json:"internal_subject"`
	ReplicaIndex    uint8  `gorm:"not null;default:0;uniqueIndex:idx_segments_replica,priority:3" json:"replica_index"`
	Compressed    bool       `gorm:"not null;default:false" json:"compressed"`
	MessageID     *string    `gorm:"uniqueIndex;size:255" json:"message_id,omitempty"`
	WireSubject   string     `gorm:"size:64" json:"wire_subject"`
	Newsgroup     string     `gorm:"size:255" json:"newsgroup"`
	PostedAt      *time.Time `json:"posted_at,omitempty"`
}

func (Segment) TableName() string { return "segments" }

// Posted reports whether this segment copy was durably accepted by the
// relay. The Message-ID alone is not enough: it is reserved before the first
// post attempt so retries stay idempotent.
func (s *Segment) Posted() bool {
	return s.PostedAt != nil
}

// Pack groups segments into one container article.
type Pack struct {
	PackID   int64  `gorm:"primaryKey;autoIncrement" json:"pack_id"`
	Checksum string `gorm:"not null;size:64" json:"checksum"`
}

func (Pack) TableName() string { return "packs" }

// PackMember places a segment at a position inside a pack. A segment belongs
// to at most one pack.
type PackMember struct {
	PackID    int64 `gorm:"primaryKey" json:"pack_id"`
	SegmentID int64 `gorm:"primaryKey;uniqueIndex" json:"segment_id"`
	Position  int   `gorm:"not null" json:"position"`
}

func (PackMember) TableName() string { return "pack_members" }

// Share is an immutable published capability over one folder version
// snapshot. IndexMessageID is set only after the index article posts.
type Share struct {
	ShareID         string      `gorm:"primaryKey;size:24" json:"share_id"`
	FolderID        string      `gorm:"not null;size:32;index" json:"folder_id"`
	VersionSnapshot int         `gorm:"not null" json:"version_snapshot"`
	AccessClass     AccessClass `gorm:"not null;size:16" json:"access_class"`
	IndexMessageID  *string     `gorm:"size:255" json:"index_message_id,omitempty"`
	CreatedAt       time.Time   `gorm:"autoCreateTime" json:"created_at"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty"`
	PasswordSalt    []byte      `json:"password_salt,omitempty"`
	KDFParams       *string     `gorm:"size:255" json:"kdf_params,omitempty"`
}

func (Share) TableName() string { return "shares" }

// Published reports whether the share's index article is on the relay.
func (s *Share) Published() bool {
	return s.IndexMessageID != nil && *s.IndexMessageID != ""
}

// AccessCommitment grants one recipient of a private share the ability to
// unwrap the session key.
type AccessCommitment struct {
	ShareID           string `gorm:"primaryKey;size:24" json:"share_id"`
	UserIDHash        string `gorm:"primaryKey;size:64" json:"user_id_hash"`
	VerificationKey   []byte `gorm:"not null" json:"verification_key"`
	WrappedSessionKey []byte `gorm:"not null" json:"wrapped_session_key"`
}

func (AccessCommitment) TableName() string { return "access_commitments" }

// FolderKeys holds the per-folder Ed25519 signing key and symmetric root,
// both encrypted at rest. Plaintext key material never reaches this table.
type FolderKeys struct {
	FolderID            string `gorm:"primaryKey;size:32" json:"folder_id"`
	EncryptedSigningKey []byte `gorm:"not null" json:"-"`
	EncryptedRoot       []byte `gorm:"not null" json:"-"`
}

func (FolderKeys) TableName() string { return "folder_keys" }

// Task is one persistent queue entry. The same row shape backs both the
// upload_tasks and download_tasks tables; Kind selects the table and is not
// itself a column.
type Task struct {
	TaskID       string     `gorm:"primaryKey;size:36" json:"task_id"`
	Priority     int        `gorm:"not null;default:0;index" json:"priority"`
	Status       TaskStatus `gorm:"not null;default:pending;size:16;index" json:"status"`
	RetryCount   int        `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries   int        `gorm:"not null;default:3" json:"max_retries"`
	PayloadJSON  string     `gorm:"type:text;not null" json:"payload_json"`
	ProgressJSON string     `gorm:"type:text" json:"progress_json"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Kind TaskKind `gorm:"-" json:"-"`
}

// TaskPayload references the work a task covers.
type TaskPayload struct {
	ShareID    string  `json:"share_id"`
	FolderID   string  `json:"folder_id"`
	FileID     int64   `json:"file_id"`
	SegmentIDs []int64 `json:"segment_ids,omitempty"`
	PackID     int64   `json:"pack_id,omitempty"`
}

// TaskProgress summarizes checkpointed progress.
type TaskProgress struct {
	CompletedSegments int    `json:"completed_segments"`
	BytesTransferred  int64  `json:"bytes_transferred"`
	LastMessageID     string `json:"last_message_id,omitempty"`
}

// Payload decodes the task payload.
func (t *Task) Payload() (*TaskPayload, error) {
	var p TaskPayload
	if err := json.Unmarshal([]byte(t.PayloadJSON), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetPayload encodes the task payload.
func (t *Task) SetPayload(p *TaskPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	t.PayloadJSON = string(data)
	return nil
}

// Progress decodes the checkpointed progress, returning zero progress when
// none was recorded yet.
func (t *Task) Progress() (*TaskProgress, error) {
	if t.ProgressJSON == "" {
		return &TaskProgress{}, nil
	}
	var p TaskProgress
	if err := json.Unmarshal([]byte(t.ProgressJSON), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetProgress encodes the checkpointed progress.
func (t *Task) SetProgress(p *TaskProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	t.ProgressJSON = string(data)
	return nil
}

// SegmentProgress is one per-segment checkpoint row, written in the same
// transaction as the segment's Message-ID update so a crash never loses an
// acknowledged post.
type SegmentProgress struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    string `gorm:"not null;size:36;index;uniqueIndex:idx_progress_task_segment,priority:1" json:"task_id"`
	SegmentID int64  `gorm:"not null;uniqueIndex:idx_progress_task_segment,priority:2" json:"segment_id"`
	MessageID string `gorm:"size:255" json:"message_id"`
	Bytes     int64  `gorm:"not null" json:"bytes"`
}

func (SegmentProgress) TableName() string { return "segment_progress" }
