package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// EnqueueTask persists a new pending task into the queue for its kind.
func (s *Store) EnqueueTask(ctx context.Context, task *models.Task) (string, error) {
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = 3
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := s.db.WithContext(ctx).Table(task.Kind.TableName()).Create(task).Error; err != nil {
		return "", err
	}
	return task.TaskID, nil
}

// ClaimNextTask atomically claims the next pending task: lowest priority
// first, FIFO within a priority. The conditional update guarantees at most
// one worker holds a task in_progress.
func (s *Store) ClaimNextTask(ctx context.Context, kind models.TaskKind) (*models.Task, error) {
	var claimed *models.Task

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.Task
		err := tx.Table(kind.TableName()).
			Where("status = ?", models.TaskPending).
			Order("priority, created_at").
			First(&task).Error
		if err != nil {
			return convertNotFoundError(err, models.ErrTaskNotFound)
		}

		result := tx.Table(kind.TableName()).
			Where("task_id = ? AND status = ?", task.TaskID, models.TaskPending).
			Updates(map[string]any{
				"status":     models.TaskInProgress,
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrTaskClaimed
		}

		task.Status = models.TaskInProgress
		task.Kind = kind
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RequeueTask returns a task to pending after a retryable failure,
// incrementing the retry count and deprioritizing by retry_count * 10.
func (s *Store) RequeueTask(ctx context.Context, kind models.TaskKind, taskID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.Task
		if err := tx.Table(kind.TableName()).Where("task_id = ?", taskID).First(&task).Error; err != nil {
			return convertNotFoundError(err, models.ErrTaskNotFound)
		}
		retries := task.RetryCount + 1
		return tx.Table(kind.TableName()).
			Where("task_id = ?", taskID).
			Updates(map[string]any{
				"status":      models.TaskPending,
				"retry_count": retries,
				"priority":    task.Priority + retries*10,
				"updated_at":  time.Now(),
			}).Error
	})
}

// CompleteTask marks a task completed and stores its final progress.
func (s *Store) CompleteTask(ctx context.Context, kind models.TaskKind, taskID string, progress *models.TaskProgress) error {
	return s.finishTask(ctx, kind, taskID, models.TaskCompleted, progress)
}

// FailTask marks a task failed.
func (s *Store) FailTask(ctx context.Context, kind models.TaskKind, taskID string, progress *models.TaskProgress) error {
	return s.finishTask(ctx, kind, taskID, models.TaskFailed, progress)
}

func (s *Store) finishTask(ctx context.Context, kind models.TaskKind, taskID string, status models.TaskStatus, progress *models.TaskProgress) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now(),
	}
	if progress != nil {
		t := &models.Task{}
		if err := t.SetProgress(progress); err != nil {
			return err
		}
		updates["progress_json"] = t.ProgressJSON
	}
	result := s.db.WithContext(ctx).Table(kind.TableName()).
		Where("task_id = ?", taskID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrTaskNotFound
	}
	return nil
}

// GetTask retrieves one task.
func (s *Store) GetTask(ctx context.Context, kind models.TaskKind, taskID string) (*models.Task, error) {
	var task models.Task
	err := s.db.WithContext(ctx).Table(kind.TableName()).
		Where("task_id = ?", taskID).First(&task).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrTaskNotFound)
	}
	task.Kind = kind
	return &task, nil
}

// CountTasksByStatus returns the queue depth for one status.
func (s *Store) CountTasksByStatus(ctx context.Context, kind models.TaskKind, status models.TaskStatus) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Table(kind.TableName()).
		Where("status = ?", status).Count(&n).Error
	return n, err
}

// ResetOrphanedTasks returns in_progress and retrying tasks to pending. Run
// at startup: progress rows survive, so already-posted segments are skipped.
func (s *Store) ResetOrphanedTasks(ctx context.Context, kind models.TaskKind) (int64, error) {
	result := s.db.WithContext(ctx).Table(kind.TableName()).
		Where("status IN ?", []models.TaskStatus{models.TaskInProgress, models.TaskRetrying}).
		Updates(map[string]any{
			"status":     models.TaskPending,
			"updated_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}

// RecordTaskProgress writes one per-segment checkpoint row. Download workers
// use it directly; upload checkpoints ride the MarkSegmentPosted transaction.
func (s *Store) RecordTaskProgress(ctx context.Context, taskID string, segmentID int64, messageID string, bytes int64) error {
	err := s.db.WithContext(ctx).Create(&models.SegmentProgress{
		TaskID:    taskID,
		SegmentID: segmentID,
		MessageID: messageID,
		Bytes:     bytes,
	}).Error
	if isUniqueConstraintError(err) {
		return nil
	}
	return err
}

// ListTaskProgress returns a task's per-segment checkpoint rows.
func (s *Store) ListTaskProgress(ctx context.Context, taskID string) ([]*models.SegmentProgress, error) {
	var rows []*models.SegmentProgress
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
