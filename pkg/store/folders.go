package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// NewFolderID returns a fresh opaque 16-byte folder id as 32 hex characters.
func NewFolderID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate folder id: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// CreateFolder persists a new folder. The FolderID is generated when empty.
func (s *Store) CreateFolder(ctx context.Context, folder *models.Folder) (string, error) {
	if folder.FolderID == "" {
		id, err := NewFolderID()
		if err != nil {
			return "", err
		}
		folder.FolderID = id
	}
	if folder.State == "" {
		folder.State = models.FolderActive
	}
	if err := s.db.WithContext(ctx).Create(folder).Error; err != nil {
		if isUniqueConstraintError(err) {
			return "", models.ErrDuplicateFolder
		}
		return "", err
	}
	return folder.FolderID, nil
}

// GetFolder retrieves a folder by id.
func (s *Store) GetFolder(ctx context.Context, folderID string) (*models.Folder, error) {
	var folder models.Folder
	err := s.db.WithContext(ctx).Where("folder_id = ?", folderID).First(&folder).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrFolderNotFound)
	}
	return &folder, nil
}

// GetFolderByPath retrieves a folder by its local path.
func (s *Store) GetFolderByPath(ctx context.Context, localPath string) (*models.Folder, error) {
	var folder models.Folder
	err := s.db.WithContext(ctx).Where("local_path = ?", localPath).First(&folder).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrFolderNotFound)
	}
	return &folder, nil
}

// ListFolders returns all folders.
func (s *Store) ListFolders(ctx context.Context) ([]*models.Folder, error) {
	var folders []*models.Folder
	if err := s.db.WithContext(ctx).Order("created_at").Find(&folders).Error; err != nil {
		return nil, err
	}
	return folders, nil
}

// ArchiveFolder moves a folder to the archived state. Folders are never
// implicitly destroyed.
func (s *Store) ArchiveFolder(ctx context.Context, folderID string) error {
	result := s.db.WithContext(ctx).
		Model(&models.Folder{}).
		Where("folder_id = ?", folderID).
		Update("state", models.FolderArchived)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrFolderNotFound
	}
	return nil
}
