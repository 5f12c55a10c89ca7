package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// CreateFileVersion appends a new file version. When previous is non-nil the
// previous version row is marked obsolete in the same transaction, keeping
// the monotonic-versioning invariant crash-safe.
func (s *Store) CreateFileVersion(ctx context.Context, file *models.File, previous *models.File) (int64, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if previous != nil {
			file.Version = previous.Version + 1
			file.PreviousVersionID = &previous.FileID
			if err := tx.Model(&models.File{}).
				Where("file_id = ?", previous.FileID).
				Update("state", models.FileObsolete).Error; err != nil {
				return err
			}
		} else if file.Version == 0 {
			file.Version = 1
		}
		if file.State == "" {
			file.State = models.FileIndexed
		}
		if err := tx.Create(file).Error; err != nil {
			if isUniqueConstraintError(err) {
				return models.ErrDuplicateFile
			}
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return file.FileID, nil
}

// GetFile retrieves a file version row by id.
func (s *Store) GetFile(ctx context.Context, fileID int64) (*models.File, error) {
	var file models.File
	err := s.db.WithContext(ctx).Where("file_id = ?", fileID).First(&file).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrFileNotFound)
	}
	return &file, nil
}

// GetCurrentFile returns the newest non-obsolete version of a path, or
// ErrFileNotFound when the path has no live version.
func (s *Store) GetCurrentFile(ctx context.Context, folderID, relativePath string) (*models.File, error) {
	var file models.File
	err := s.db.WithContext(ctx).
		Where("folder_id = ? AND relative_path = ? AND state <> ?",
			folderID, relativePath, models.FileObsolete).
		Order("version DESC").
		First(&file).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrFileNotFound)
	}
	return &file, nil
}

// ListCurrentFiles returns the newest non-obsolete version of every path in
// the folder.
func (s *Store) ListCurrentFiles(ctx context.Context, folderID string) ([]*models.File, error) {
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where("folder_id = ? AND state <> ?", folderID, models.FileObsolete).
		Order("relative_path").
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// ListFilesBySnapshot returns the file rows belonging to a version snapshot:
// for every path, the newest version whose version <= snapshot that was not
// superseded within the snapshot.
func (s *Store) ListFilesBySnapshot(ctx context.Context, folderID string, fileIDs []int64) ([]*models.File, error) {
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where("folder_id = ? AND file_id IN ?", folderID, fileIDs).
		Order("relative_path").
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// AdvanceFileState moves a file forward in its state machine. Backward
// transitions are rejected silently by the forward-only guard.
func (s *Store) AdvanceFileState(ctx context.Context, fileID int64, next models.FileState) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var file models.File
		if err := tx.Where("file_id = ?", fileID).First(&file).Error; err != nil {
			return convertNotFoundError(err, models.ErrFileNotFound)
		}
		if !file.State.CanAdvance(next) {
			return nil
		}
		return tx.Model(&models.File{}).
			Where("file_id = ?", fileID).
			Update("state", next).Error
	})
}
