package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// CreateShare persists a draft share together with its access commitments.
func (s *Store) CreateShare(ctx context.Context, share *models.Share, commitments []*models.AccessCommitment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(share).Error; err != nil {
			if isUniqueConstraintError(err) {
				return models.ErrDuplicateShare
			}
			return err
		}
		for _, c := range commitments {
			c.ShareID = share.ShareID
		}
		if len(commitments) > 0 {
			if err := tx.Create(commitments).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetShare retrieves a share by id.
func (s *Store) GetShare(ctx context.Context, shareID string) (*models.Share, error) {
	var share models.Share
	err := s.db.WithContext(ctx).Where("share_id = ?", shareID).First(&share).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrShareNotFound)
	}
	return &share, nil
}

// ListShares returns all shares, newest first.
func (s *Store) ListShares(ctx context.Context) ([]*models.Share, error) {
	var shares []*models.Share
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&shares).Error; err != nil {
		return nil, err
	}
	return shares, nil
}

// ListSharesByFolder returns a folder's shares, newest first.
func (s *Store) ListSharesByFolder(ctx context.Context, folderID string) ([]*models.Share, error) {
	var shares []*models.Share
	err := s.db.WithContext(ctx).
		Where("folder_id = ?", folderID).
		Order("created_at DESC").
		Find(&shares).Error
	if err != nil {
		return nil, err
	}
	return shares, nil
}

// SetShareIndexMessageID records the posted index article, transitioning the
// share from draft to published. Only ever set once.
func (s *Store) SetShareIndexMessageID(ctx context.Context, shareID, messageID string) error {
	result := s.db.WithContext(ctx).
		Model(&models.Share{}).
		Where("share_id = ? AND index_message_id IS NULL", shareID).
		Update("index_message_id", messageID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrShareNotFound
	}
	return nil
}

// ListCommitments returns the access commitments of a share.
func (s *Store) ListCommitments(ctx context.Context, shareID string) ([]*models.AccessCommitment, error) {
	var commitments []*models.AccessCommitment
	err := s.db.WithContext(ctx).
		Where("share_id = ?", shareID).
		Find(&commitments).Error
	if err != nil {
		return nil, err
	}
	return commitments, nil
}
