package repository

import (
	"context"
	"errors"

	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"gorm.io/gorm"
)

type RuleRepository interface {
	BaseRepository[models.ETLRule]
	GetByID(ctx context.Context, id string) (*models.ETLRule, error)
	ListByUserID(ctx context.Context, userID string) ([]*models.ETLRule, error)
	GetDefault(ctx context.Context, userID string) (*models.ETLRule, error)
}

type RuleRepositoryImpl struct {
	*BaseRepositoryImpl[models.ETLRule]
}

func NewRuleRepository(db *gorm.DB) RuleRepository {
	return &RuleRepositoryImpl{
		BaseRepositoryImpl: NewBaseRepository[models.ETLRule](db, ErrRuleNotFound),
	}
}

func (r *RuleRepositoryImpl) GetByID(ctx context.Context, id string) (*models.ETLRule, error) {
	return r.getByID(ctx, id)
}

func (r *RuleRepositoryImpl) ListByUserID(ctx context.Context, userID string) ([]*models.ETLRule, error) {
	var rules []*models.ETLRule
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *RuleRepositoryImpl) GetDefault(ctx context.Context, userID string) (*models.ETLRule, error) {
	var rule models.ETLRule
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_default = ?", userID, true).
		Order("created_at ASC").
		First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}
