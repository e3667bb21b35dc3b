package models

import (
	"time"

	"gorm.io/datatypes"
)

// TargetDocument is a project document that completed tasks can be mounted into.
// Version guards writes from concurrent editors.
type TargetDocument struct {
	ID        string         `gorm:"type:varchar(64);primaryKey" json:"id"`
	ProjectID string         `gorm:"type:varchar(255);not null;index" json:"project_id"`
	Data      datatypes.JSON `gorm:"not null" json:"data"`
	Version   int64          `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (TargetDocument) TableName() string {
	return "etl_documents"
}
