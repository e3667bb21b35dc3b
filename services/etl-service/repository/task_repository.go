package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TaskFilter 为空的字段不参与过滤
type TaskFilter struct {
	UserID    string
	ProjectID string
	Status    string
	Limit     int
	Offset    int
}

type TaskRepository interface {
	BaseRepository[models.ETLTask]
	GetByID(ctx context.Context, id uint64) (*models.ETLTask, error)
	Update(ctx context.Context, id uint64, updates map[string]interface{}) error
	UpdateIfStatus(ctx context.Context, id uint64, statuses []string, updates map[string]interface{}) (bool, error)
	MergeMetadata(ctx context.Context, id uint64, patch map[string]interface{}) error
	List(ctx context.Context, filter TaskFilter) ([]*models.ETLTask, error)
	Count(ctx context.Context, filter TaskFilter) (int64, error)
	ListActive(ctx context.Context, limit int) ([]*models.ETLTask, error)
	CountByRuleID(ctx context.Context, ruleID string) (int64, error)
	Ping(ctx context.Context) error
}

type TaskRepositoryImpl struct {
	*BaseRepositoryImpl[models.ETLTask]
}

func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &TaskRepositoryImpl{
		BaseRepositoryImpl: NewBaseRepository[models.ETLTask](db, ErrTaskNotFound),
	}
}

func (r *TaskRepositoryImpl) GetByID(ctx context.Context, id uint64) (*models.ETLTask, error) {
	return r.getByID(ctx, id)
}

// Update 按 map 更新；未显式给出 updated_at 时自动刷新
func (r *TaskRepositoryImpl) Update(ctx context.Context, id uint64, updates map[string]interface{}) error {
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := r.db.WithContext(ctx).Model(&models.ETLTask{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UpdateIfStatus 仅当任务仍处于给定状态之一时才更新，返回是否命中
func (r *TaskRepositoryImpl) UpdateIfStatus(ctx context.Context, id uint64, statuses []string, updates map[string]interface{}) (bool, error) {
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := r.db.WithContext(ctx).Model(&models.ETLTask{}).
		Where("id = ? AND status IN ?", id, statuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *TaskRepositoryImpl) MergeMetadata(ctx context.Context, id uint64, patch map[string]interface{}) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.ETLTask
		q := tx.Select("id", "metadata")
		// sqlite 没有行锁，单写者本身已串行
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.First(&task, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTaskNotFound
			}
			return err
		}
		merged := datatypes.JSONMap{}
		for k, v := range task.Metadata {
			merged[k] = v
		}
		for k, v := range patch {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		return tx.Model(&models.ETLTask{}).Where("id = ?", id).Updates(map[string]interface{}{
			"metadata":   merged,
			"updated_at": time.Now(),
		}).Error
	})
}

func (r *TaskRepositoryImpl) scoped(ctx context.Context, filter TaskFilter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&models.ETLTask{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.ProjectID != "" {
		q = q.Where("project_id = ?", filter.ProjectID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	return q
}

func (r *TaskRepositoryImpl) List(ctx context.Context, filter TaskFilter) ([]*models.ETLTask, error) {
	var tasks []*models.ETLTask
	q := r.scoped(ctx, filter).Order("created_at DESC").Order("id DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if err := q.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (r *TaskRepositoryImpl) Count(ctx context.Context, filter TaskFilter) (int64, error) {
	var count int64
	err := r.scoped(ctx, filter).Count(&count).Error
	return count, err
}

// ListActive 返回仍在 worker 手中的任务，最久未更新的在前
func (r *TaskRepositoryImpl) ListActive(ctx context.Context, limit int) ([]*models.ETLTask, error) {
	var tasks []*models.ETLTask
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{models.TaskStatusMineruParsing, models.TaskStatusLLMProcessing}).
		Order("updated_at ASC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *TaskRepositoryImpl) CountByRuleID(ctx context.Context, ruleID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ETLTask{}).Where("rule_id = ?", ruleID).Count(&count).Error
	return count, err
}

func (r *TaskRepositoryImpl) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
