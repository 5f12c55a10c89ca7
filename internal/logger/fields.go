package logger

// Standard field keys for structured logging. Use these consistently across
// components so that queue, relay, and pipeline events can be correlated.
const (
	// Entities
	KeyFolderID  = "folder_id"
	KeyFileID    = "file_id"
	KeyShareID   = "share_id"
	KeySegment   = "segment_index"
	KeyReplica   = "replica_index"
	KeyVersion   = "version"
	KeyPath      = "path"

	// Relay
	KeyMessageID = "message_id"
	KeyNewsgroup = "newsgroup"
	KeySubject   = "subject"

	// Queue
	KeyTaskID   = "task_id"
	KeyPriority = "priority"
	KeyRetries  = "retries"
	KeyWorker   = "worker"

	// Measurements
	KeyBytes      = "bytes"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)
