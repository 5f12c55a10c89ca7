package store

import (
	"context"

	"gorm.io/gorm/clause"

	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// PutFolderKeys stores a folder's encrypted key material. Upsert: folder key
// rotation rewrites the row.
func (s *Store) PutFolderKeys(ctx context.Context, keys *models.FolderKeys) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "folder_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"encrypted_signing_key", "encrypted_root"}),
		}).
		Create(keys).Error
}

// GetFolderKeys retrieves a folder's encrypted key material.
func (s *Store) GetFolderKeys(ctx context.Context, folderID string) (*models.FolderKeys, error) {
	var keys models.FolderKeys
	err := s.db.WithContext(ctx).Where("folder_id = ?", folderID).First(&keys).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrKeysNotFound)
	}
	return &keys, nil
}
