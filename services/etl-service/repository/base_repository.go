package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	ErrTaskNotFound         = errors.New("task not found")
	ErrRuleNotFound         = errors.New("rule not found")
	ErrDocumentNotFound     = errors.New("document not found")
	ErrRuntimeStateNotFound = errors.New("runtime state not found")
	ErrVersionConflict      = errors.New("document version conflict")
)

type BaseRepository[T any] interface {
	Create(ctx context.Context, entity *T) error
	Delete(ctx context.Context, id any) error
}

type BaseRepositoryImpl[T any] struct {
	db       *gorm.DB
	notFound error
}

func NewBaseRepository[T any](db *gorm.DB, notFound error) *BaseRepositoryImpl[T] {
	return &BaseRepositoryImpl[T]{
		db:       db,
		notFound: notFound,
	}
}

func (r *BaseRepositoryImpl[T]) Create(ctx context.Context, entity *T) error {
	return r.db.WithContext(ctx).Create(entity).Error
}

func (r *BaseRepositoryImpl[T]) getByID(ctx context.Context, id any) (*T, error) {
	var entity T
	err := r.db.WithContext(ctx).First(&entity, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, r.notFound
		}
		return nil, err
	}
	return &entity, nil
}

func (r *BaseRepositoryImpl[T]) Delete(ctx context.Context, id any) error {
	var entity T
	res := r.db.WithContext(ctx).Delete(&entity, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.notFound
	}
	return nil
}
