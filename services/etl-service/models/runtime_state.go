package models

import "time"

// ETLRuntimeState 是任务的实时状态，存放在 redis 中并带 TTL；
// 存在时它对进行中的状态是权威的，过期后以 ETLTask 为准
type ETLRuntimeState struct {
	TaskID    uint64 `json:"task_id"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	Filename  string `json:"filename"`
	RuleID    string `json:"rule_id"`

	Status   string `json:"status"`
	Phase    string `json:"phase"`
	Progress int    `json:"progress"`

	AttemptOCR         int `json:"attempt_ocr"`
	AttemptPostprocess int `json:"attempt_postprocess"`

	JobIDOCR         string `json:"job_id_ocr,omitempty"`
	JobIDPostprocess string `json:"job_id_postprocess,omitempty"`

	ArtifactMarkdownKey string `json:"artifact_markdown_key,omitempty"`
	ProviderTaskID      string `json:"provider_task_id,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorStage   string `json:"error_stage,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *ETLRuntimeState) IsTerminal() bool { return IsTerminalStatus(s.Status) }

func (s *ETLRuntimeState) ClearError() {
	s.ErrorCode = ""
	s.ErrorMessage = ""
	s.ErrorStage = ""
}

// NewRuntimeState seeds a runtime state from the durable record.
func NewRuntimeState(task *ETLTask) *ETLRuntimeState {
	meta := make(map[string]interface{}, len(task.Metadata))
	for k, v := range task.Metadata {
		meta[k] = v
	}
	return &ETLRuntimeState{
		TaskID:              task.ID,
		UserID:              task.UserID,
		ProjectID:           task.ProjectID,
		Filename:            task.Filename,
		RuleID:              task.RuleID,
		Status:              task.Status,
		Phase:               PhaseOCR,
		Progress:            task.Progress,
		ArtifactMarkdownKey: task.MetaString(MetaArtifactMarkdownKey),
		ProviderTaskID:      task.MetaString(MetaProviderTaskID),
		Metadata:            meta,
		CreatedAt:           task.CreatedAt,
		UpdatedAt:           task.UpdatedAt,
	}
}

// ToTask builds the task view served while the runtime state is authoritative.
func (s *ETLRuntimeState) ToTask() *ETLTask {
	task := &ETLTask{
		ID:        s.TaskID,
		UserID:    s.UserID,
		ProjectID: s.ProjectID,
		Filename:  s.Filename,
		RuleID:    s.RuleID,
		Status:    s.Status,
		Progress:  s.Progress,
		Metadata:  map[string]interface{}{},
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	s.Overlay(task)
	return task
}

// Overlay copies the live fields onto a durable task view.
func (s *ETLRuntimeState) Overlay(task *ETLTask) {
	task.Status = s.Status
	task.Progress = s.Progress
	if s.ErrorMessage != "" {
		task.Error = StringPtr(s.ErrorMessage)
	}
	if task.Metadata == nil {
		task.Metadata = map[string]interface{}{}
	}
	for k, v := range s.Metadata {
		task.Metadata[k] = v
	}
	task.Metadata["phase"] = s.Phase
	if s.ArtifactMarkdownKey != "" {
		task.Metadata[MetaArtifactMarkdownKey] = s.ArtifactMarkdownKey
	}
	if s.ProviderTaskID != "" {
		task.Metadata[MetaProviderTaskID] = s.ProviderTaskID
	}
	if s.ErrorStage != "" {
		task.Metadata[MetaErrorStage] = s.ErrorStage
	}
	if s.UpdatedAt.After(task.UpdatedAt) {
		task.UpdatedAt = s.UpdatedAt
	}
}
