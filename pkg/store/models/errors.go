package models

import "errors"

// Domain errors returned by the store. Callers match with errors.Is.
var (
	ErrFolderNotFound  = errors.New("folder not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrSegmentNotFound = errors.New("segment not found")
	ErrShareNotFound   = errors.New("share not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrKeysNotFound    = errors.New("folder keys not found")

	ErrDuplicateFolder  = errors.New("folder already exists")
	ErrDuplicateFile    = errors.New("file version already exists")
	ErrDuplicateSegment = errors.New("segment already exists")
	ErrDuplicateShare   = errors.New("share already exists")

	// ErrTaskClaimed indicates another worker won the claim race.
	ErrTaskClaimed = errors.New("task already claimed")
)
