package repository

import (
	"context"
	"time"

	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DocumentRepository interface {
	BaseRepository[models.TargetDocument]
	GetByID(ctx context.Context, id string) (*models.TargetDocument, error)
	// UpdateIfVersion writes data only when the stored version still equals expected.
	UpdateIfVersion(ctx context.Context, id string, data []byte, expected int64) error
}

type DocumentRepositoryImpl struct {
	*BaseRepositoryImpl[models.TargetDocument]
}

func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &DocumentRepositoryImpl{
		BaseRepositoryImpl: NewBaseRepository[models.TargetDocument](db, ErrDocumentNotFound),
	}
}

func (r *DocumentRepositoryImpl) GetByID(ctx context.Context, id string) (*models.TargetDocument, error) {
	return r.getByID(ctx, id)
}

func (r *DocumentRepositoryImpl) UpdateIfVersion(ctx context.Context, id string, data []byte, expected int64) error {
	res := r.db.WithContext(ctx).Model(&models.TargetDocument{}).
		Where("id = ? AND version = ?", id, expected).
		Updates(map[string]interface{}{
			"data":       datatypes.JSON(data),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}
