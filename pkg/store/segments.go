package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// CreateSegments persists a batch of segment rows in one transaction.
func (s *Store) CreateSegments(ctx context.Context, segments []*models.Segment) error {
	if len(segments) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Create(segments).Error
	if isUniqueConstraintError(err) {
		return models.ErrDuplicateSegment
	}
	return err
}

// GetSegment retrieves one segment row.
func (s *Store) GetSegment(ctx context.Context, segmentID int64) (*models.Segment, error) {
	var seg models.Segment
	err := s.db.WithContext(ctx).Where("segment_id = ?", segmentID).First(&seg).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrSegmentNotFound)
	}
	return &seg, nil
}

// ListSegmentsByFile returns all segment rows (replicas included) for a file,
// ordered by segment index then replica index.
func (s *Store) ListSegmentsByFile(ctx context.Context, fileID int64) ([]*models.Segment, error) {
	var segs []*models.Segment
	err := s.db.WithContext(ctx).
		Where("file_id = ?", fileID).
		Order("segment_index, replica_index").
		Find(&segs).Error
	if err != nil {
		return nil, err
	}
	return segs, nil
}

// ReserveSegmentMessageID stores the client-generated Message-ID and wire
// identifiers before the first post attempt, so a retry after a crash reuses
// the exact same id. A no-op when the segment already holds a reservation.
func (s *Store) ReserveSegmentMessageID(ctx context.Context, segmentID int64, messageID, wireSubject, newsgroup string) error {
	result := s.db.WithContext(ctx).Model(&models.Segment{}).
		Where("segment_id = ? AND message_id IS NULL", segmentID).
		Updates(map[string]any{
			"message_id":   messageID,
			"wire_subject": wireSubject,
			"newsgroup":    newsgroup,
		})
	return result.Error
}

// MarkSegmentPosted records a relay-acknowledged post. The segment update and
// the task checkpoint row commit atomically so crash recovery can trust
// either.
func (s *Store) MarkSegmentPosted(ctx context.Context, segmentID int64, taskID string, bytes int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seg models.Segment
		if err := tx.Where("segment_id = ?", segmentID).First(&seg).Error; err != nil {
			return convertNotFoundError(err, models.ErrSegmentNotFound)
		}
		now := time.Now()
		if err := tx.Model(&models.Segment{}).
			Where("segment_id = ?", segmentID).
			Update("posted_at", &now).Error; err != nil {
			return err
		}
		messageID := ""
		if seg.MessageID != nil {
			messageID = *seg.MessageID
		}
		progress := &models.SegmentProgress{
			TaskID:    taskID,
			SegmentID: segmentID,
			MessageID: messageID,
			Bytes:     bytes,
		}
		if err := tx.Create(progress).Error; err != nil && !isUniqueConstraintError(err) {
			return err
		}
		return nil
	})
}

// CountUnpostedSegments returns the number of segment copies of a file not
// yet acknowledged by the relay.
func (s *Store) CountUnpostedSegments(ctx context.Context, fileID int64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Segment{}).
		Where("file_id = ? AND posted_at IS NULL", fileID).
		Count(&n).Error
	return n, err
}

// CreatePack persists a pack row and its membership in one transaction.
func (s *Store) CreatePack(ctx context.Context, pack *models.Pack, members []*models.PackMember) (int64, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(pack).Error; err != nil {
			return err
		}
		for _, m := range members {
			m.PackID = pack.PackID
		}
		if len(members) > 0 {
			if err := tx.Create(members).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pack.PackID, nil
}

// ListPackMembers returns a pack's members ordered by position.
func (s *Store) ListPackMembers(ctx context.Context, packID int64) ([]*models.PackMember, error) {
	var members []*models.PackMember
	err := s.db.WithContext(ctx).
		Where("pack_id = ?", packID).
		Order("position").
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}
