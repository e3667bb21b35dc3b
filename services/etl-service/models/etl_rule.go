package models

import (
	"time"

	"gorm.io/datatypes"
)

type ETLRule struct {
	ID                  string            `gorm:"type:varchar(64);primaryKey" json:"rule_id"`
	UserID              string            `gorm:"type:varchar(255);not null;index;uniqueIndex:idx_etl_rules_user_default,where:is_default" json:"user_id"`
	Name                string            `gorm:"type:varchar(255);not null" json:"name"`
	Description         string            `gorm:"type:text" json:"description"`
	JSONSchema          datatypes.JSONMap `json:"json_schema"`
	SystemPrompt        string            `gorm:"type:text" json:"system_prompt"`
	PostprocessMode     string            `gorm:"type:varchar(16);not null;default:'llm'" json:"postprocess_mode"`
	PostprocessStrategy string            `gorm:"type:varchar(32)" json:"postprocess_strategy,omitempty"`
	IsDefault           bool              `gorm:"not null;default:false;index" json:"is_default"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

func (ETLRule) TableName() string {
	return "etl_rules"
}

const (
	PostprocessModeLLM  = "llm"
	PostprocessModeSkip = "skip"

	PostprocessStrategyDirect   = "direct"
	PostprocessStrategyTruncate = "truncate"
)

const (
	DefaultRuleName         = "default"
	DefaultRuleDescription  = "Keeps the parsed markdown as-is"
	DefaultRuleSystemPrompt = "You convert documents into structured JSON."
)

// DefaultRuleSchema accepts any JSON object.
func DefaultRuleSchema() datatypes.JSONMap {
	return datatypes.JSONMap{"type": "object"}
}
