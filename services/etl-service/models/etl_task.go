package models

import (
	"time"

	"gorm.io/datatypes"
)

// ETLTask 是任务的持久化记录，终态结果以此为准
type ETLTask struct {
	ID        uint64            `gorm:"primaryKey;autoIncrement" json:"task_id"`
	UserID    string            `gorm:"type:varchar(255);not null;index" json:"user_id"`
	ProjectID string            `gorm:"type:varchar(255);not null;index" json:"project_id"`
	Filename  string            `gorm:"type:varchar(1024);not null" json:"filename"`
	RuleID    string            `gorm:"type:varchar(64);index" json:"rule_id"`
	Status    string            `gorm:"type:varchar(32);not null;index;default:'pending'" json:"status"`
	Progress  int               `gorm:"not null;default:0" json:"progress"`
	Result    datatypes.JSONMap `json:"result,omitempty"`
	Error     *string           `gorm:"column:error_message;type:text" json:"error,omitempty"`
	Metadata  datatypes.JSONMap `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (ETLTask) TableName() string {
	return "etl_tasks"
}

// 任务状态常量
const (
	TaskStatusPending       = "pending"
	TaskStatusMineruParsing = "mineru_parsing"
	TaskStatusLLMProcessing = "llm_processing"
	TaskStatusCompleted     = "completed"
	TaskStatusFailed        = "failed"
	TaskStatusCancelled     = "cancelled"
)

// 流水线阶段
const (
	PhaseOCR         = "ocr"
	PhasePostprocess = "postprocess"
	PhaseFinalize    = "finalize"
)

// error_stage 取值
const (
	StageMineru      = "mineru"
	StagePostprocess = "postprocess"
	StageStale       = "stale"
	StageEnqueue     = "enqueue"
	StageUpload      = "upload"
	StageCancelled   = "cancelled"
)

// Metadata 中约定的键
const (
	MetaSourceKey           = "source_key"
	MetaArtifactMarkdownKey = "artifact_markdown_key"
	MetaProviderTaskID      = "provider_task_id"
	MetaErrorStage          = "error_stage"
	MetaMountDocumentID     = "mount_document_id"
	MetaMountPath           = "mount_path"
	MetaCallbackApplied     = "callback_applied"
	MetaCallbackError       = "callback_error"
	MetaRetryCount          = "retry_count"
	MetaRetriedFromStage    = "retried_from_stage"
	MetaJobIDPostprocess    = "job_id_postprocess"
)

// Result 中约定的键
const (
	ResultOutputKey        = "output_key"
	ResultOutputSize       = "output_size"
	ResultProcessingTimeMs = "processing_time_ms"
	ResultProviderTaskID   = "provider_task_id"
)

func IsValidStatus(status string) bool {
	switch status {
	case TaskStatusPending, TaskStatusMineruParsing, TaskStatusLLMProcessing,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

func IsTerminalStatus(status string) bool {
	return status == TaskStatusCompleted || status == TaskStatusFailed || status == TaskStatusCancelled
}

// IsActiveStatus reports whether a worker is expected to be running the task.
func IsActiveStatus(status string) bool {
	return status == TaskStatusMineruParsing || status == TaskStatusLLMProcessing
}

func (t *ETLTask) IsTerminal() bool { return IsTerminalStatus(t.Status) }

func (t *ETLTask) MetaString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	if v, ok := t.Metadata[key].(string); ok {
		return v
	}
	return ""
}

func (t *ETLTask) MetaBool(key string) bool {
	if t.Metadata == nil {
		return false
	}
	v, _ := t.Metadata[key].(bool)
	return v
}

func (t *ETLTask) ErrorString() string {
	if t.Error == nil {
		return ""
	}
	return *t.Error
}

func NewTaskResult(outputKey string, outputSize int64, elapsed time.Duration, providerTaskID string) datatypes.JSONMap {
	return datatypes.JSONMap{
		ResultOutputKey:        outputKey,
		ResultOutputSize:       outputSize,
		ResultProcessingTimeMs: elapsed.Milliseconds(),
		ResultProviderTaskID:   providerTaskID,
	}
}

func StringPtr(s string) *string { return &s }
