package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/puppyone-ai/puppyone-etl/pkg/metrics"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/config"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/queue"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/repository"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/storage"
	"github.com/sirupsen/logrus"
)

type SubmitRequest struct {
	UserID    string
	ProjectID string
	Filename  string
	RuleID    string
	SourceKey string
	Metadata  map[string]interface{}
}

type FailedTaskRequest struct {
	UserID     string
	ProjectID  string
	Filename   string
	RuleID     string
	SourceKey  string
	Error      string
	ErrorStage string
	Metadata   map[string]interface{}
}

type UploadRequest struct {
	UserID    string
	ProjectID string
	Filename  string
	RuleID    string
	Data      []byte
	Metadata  map[string]interface{}
}

type BatchResult struct {
	Tasks   []*models.ETLTask `json:"tasks"`
	Missing []uint64          `json:"missing"`
}

type ListResult struct {
	Tasks []*models.ETLTask `json:"tasks"`
	Total int64             `json:"total"`
}

type HealthReport struct {
	Status      string `json:"status"`
	QueueSize   int64  `json:"queue_size"`
	TaskCount   int64  `json:"task_count"`
	WorkerCount int    `json:"worker_count"`
}

const (
	RetryFromMineru      = "mineru"
	RetryFromPostprocess = "postprocess"

	sweepBatch = 500
)

type ETLService interface {
	Submit(ctx context.Context, req SubmitRequest) (*models.ETLTask, error)
	CreateFailedTask(ctx context.Context, req FailedTaskRequest) (*models.ETLTask, error)
	Upload(ctx context.Context, req UploadRequest) (*models.ETLTask, error)
	GetStatus(ctx context.Context, taskID uint64) (*models.ETLTask, error)
	GetStatusForUser(ctx context.Context, taskID uint64, userID string) (*models.ETLTask, error)
	BatchStatus(ctx context.Context, userID string, taskIDs []uint64) (*BatchResult, error)
	Cancel(ctx context.Context, taskID uint64, userID string, force bool) (*models.ETLTask, error)
	Retry(ctx context.Context, taskID uint64, userID, fromStage string) (*models.ETLTask, error)
	List(ctx context.Context, filter repository.TaskFilter) (*ListResult, error)
	ResultURL(ctx context.Context, taskID uint64, userID string) (string, error)
	Health(ctx context.Context) *HealthReport
	SweepStale(ctx context.Context) (int, error)
	RunSweeper(ctx context.Context, interval time.Duration)
}

type ETLServiceImpl struct {
	state      *StateStore
	rules      RuleService
	queue      queue.Queue
	blobs      storage.BlobStore
	cfg        config.ETLConfig
	presignTTL time.Duration
	logger     *logrus.Logger
	now        func() time.Time
	queueDepth func() int64
}

type Option func(*ETLServiceImpl)

// WithClock overrides the time source used for stale detection.
func WithClock(now func() time.Time) Option {
	return func(s *ETLServiceImpl) { s.now = now }
}

// WithQueueDepth adds an in-process queue backlog to the health report.
func WithQueueDepth(depth func() int64) Option {
	return func(s *ETLServiceImpl) { s.queueDepth = depth }
}

func NewETLService(
	state *StateStore,
	rules RuleService,
	q queue.Queue,
	blobs storage.BlobStore,
	cfg *config.Config,
	logger *logrus.Logger,
	opts ...Option,
) ETLService {
	s := &ETLServiceImpl{
		state:      state,
		rules:      rules,
		queue:      q,
		blobs:      blobs,
		cfg:        cfg.ETL,
		presignTTL: cfg.Blob.PresignTTL(),
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ETLServiceImpl) Submit(ctx context.Context, req SubmitRequest) (*models.ETLTask, error) {
	if err := requireIdentity(req.UserID, req.ProjectID, req.Filename); err != nil {
		return nil, err
	}
	rule, err := s.resolveRule(ctx, req.UserID, req.RuleID)
	if err != nil {
		return nil, err
	}

	metadata := copyMeta(req.Metadata)
	if req.SourceKey != "" {
		metadata[models.MetaSourceKey] = req.SourceKey
	}
	task := &models.ETLTask{
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		Filename:  req.Filename,
		RuleID:    rule.ID,
		Status:    models.TaskStatusPending,
		Progress:  0,
		Metadata:  metadata,
	}
	if err := s.state.Tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	// job id 在入队前写入 runtime state，worker 拿到任务时一定能看到它
	job := queue.NewJob(queue.KindOCR, task.ID)
	state := models.NewRuntimeState(task)
	state.JobIDOCR = job.ID
	s.state.SaveRuntime(ctx, state)

	if err := s.queue.Enqueue(ctx, job); err != nil {
		if markErr := s.state.MarkFailed(ctx, task.ID, state, models.StageEnqueue, "enqueue_failed", err.Error()); markErr != nil {
			s.logger.WithError(markErr).WithField("task_id", task.ID).Error("failed to record enqueue failure")
		}
		return nil, fmt.Errorf("enqueue ocr job for task %d: %w", task.ID, err)
	}

	s.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"user_id": task.UserID,
		"rule_id": task.RuleID,
		"job_id":  job.ID,
	}).Info("task submitted")
	return task, nil
}

func (s *ETLServiceImpl) resolveRule(ctx context.Context, userID, ruleID string) (*models.ETLRule, error) {
	if ruleID == "" {
		return s.rules.ResolveDefault(ctx, userID)
	}
	return s.rules.Get(ctx, userID, ruleID)
}

func (s *ETLServiceImpl) CreateFailedTask(ctx context.Context, req FailedTaskRequest) (*models.ETLTask, error) {
	if err := requireIdentity(req.UserID, req.ProjectID, req.Filename); err != nil {
		return nil, err
	}
	stage := req.ErrorStage
	if stage == "" {
		stage = models.StageUpload
	}
	metadata := copyMeta(req.Metadata)
	metadata[models.MetaErrorStage] = stage
	if req.SourceKey != "" {
		metadata[models.MetaSourceKey] = req.SourceKey
	}
	task := &models.ETLTask{
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		Filename:  req.Filename,
		RuleID:    req.RuleID,
		Status:    models.TaskStatusFailed,
		Error:     models.StringPtr(req.Error),
		Metadata:  metadata,
	}
	if err := s.state.Tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create failed task: %w", err)
	}
	metrics.TasksFinished.WithLabelValues(models.TaskStatusFailed, stage).Inc()
	s.logger.WithFields(logrus.Fields{"task_id": task.ID, "stage": stage}).Warn("task recorded as failed before pipeline start")
	return task, nil
}

// Upload 先写原始文件再提交；上传失败也返回一个可查询的失败任务
func (s *ETLServiceImpl) Upload(ctx context.Context, req UploadRequest) (*models.ETLTask, error) {
	if err := requireIdentity(req.UserID, req.ProjectID, req.Filename); err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrValidation)
	}
	key := storage.RawKey(req.UserID, req.ProjectID, req.Filename)
	if err := s.blobs.Put(ctx, key, req.Data, storage.ContentType(req.Filename)); err != nil {
		s.logger.WithError(err).WithField("key", key).Error("raw upload failed")
		return s.CreateFailedTask(ctx, FailedTaskRequest{
			UserID:     req.UserID,
			ProjectID:  req.ProjectID,
			Filename:   req.Filename,
			RuleID:     req.RuleID,
			Error:      err.Error(),
			ErrorStage: models.StageUpload,
			Metadata:   req.Metadata,
		})
	}
	return s.Submit(ctx, SubmitRequest{
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		Filename:  req.Filename,
		RuleID:    req.RuleID,
		SourceKey: key,
		Metadata:  req.Metadata,
	})
}

func (s *ETLServiceImpl) GetStatus(ctx context.Context, taskID uint64) (*models.ETLTask, error) {
	return s.status(ctx, taskID, "")
}

func (s *ETLServiceImpl) GetStatusForUser(ctx context.Context, taskID uint64, userID string) (*models.ETLTask, error) {
	return s.status(ctx, taskID, userID)
}

// status 读取顺序:
//  1. 没有 runtime state 时以持久化任务为准
//  2. 运行中但超过 task_timeout+buffer 未更新，判定为 stale 并落盘 failed
//  3. 终态时以持久化任务为准（结果字段在那里）
//  4. 其余情况直接由 runtime state 合成视图
func (s *ETLServiceImpl) status(ctx context.Context, taskID uint64, owner string) (*models.ETLTask, error) {
	state, err := s.state.Runtime.Get(ctx, taskID)
	if err != nil {
		if !errors.Is(err, repository.ErrRuntimeStateNotFound) {
			s.logger.WithError(err).WithField("task_id", taskID).Warn("runtime state unavailable, using durable task")
		}
		return s.durable(ctx, taskID, owner)
	}
	if owner != "" && state.UserID != owner {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, taskID)
	}

	switch {
	case models.IsActiveStatus(state.Status) && s.isStale(state.UpdatedAt):
		s.reconcileStale(ctx, state, "status")
		return s.durable(ctx, taskID, owner)
	case state.IsTerminal():
		return s.durable(ctx, taskID, owner)
	default:
		return state.ToTask(), nil
	}
}

func (s *ETLServiceImpl) durable(ctx context.Context, taskID uint64, owner string) (*models.ETLTask, error) {
	task, err := s.state.Tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, taskID)
		}
		return nil, err
	}
	if owner != "" && task.UserID != owner {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, taskID)
	}
	return task, nil
}

func (s *ETLServiceImpl) staleAfter() time.Duration {
	return s.cfg.TaskTimeout() + s.cfg.StaleBuffer()
}

func (s *ETLServiceImpl) isStale(updatedAt time.Time) bool {
	return s.now().Sub(updatedAt) > s.staleAfter()
}

func (s *ETLServiceImpl) reconcileStale(ctx context.Context, state *models.ETLRuntimeState, source string) {
	msg := fmt.Sprintf("no progress for %s while %s; worker presumed lost", s.staleAfter(), state.Status)
	if err := s.state.MarkFailed(ctx, state.TaskID, state, models.StageStale, "stale", msg); err != nil {
		s.logger.WithError(err).WithField("task_id", state.TaskID).Error("stale reconciliation failed")
		return
	}
	metrics.StaleTasksReconciled.WithLabelValues(source).Inc()
}

func (s *ETLServiceImpl) BatchStatus(ctx context.Context, userID string, taskIDs []uint64) (*BatchResult, error) {
	if len(taskIDs) == 0 {
		return nil, fmt.Errorf("%w: ids is required", ErrValidation)
	}
	if s.cfg.MaxBatchSize > 0 && len(taskIDs) > s.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: at most %d ids per batch", ErrValidation, s.cfg.MaxBatchSize)
	}
	out := &BatchResult{Tasks: []*models.ETLTask{}, Missing: []uint64{}}
	for _, id := range taskIDs {
		task, err := s.status(ctx, id, userID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				out.Missing = append(out.Missing, id)
				continue
			}
			return nil, err
		}
		out.Tasks = append(out.Tasks, task)
	}
	return out, nil
}

func (s *ETLServiceImpl) Cancel(ctx context.Context, taskID uint64, userID string, force bool) (*models.ETLTask, error) {
	task, state, err := s.state.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, taskID)
	}

	status := LiveStatus(task, state)
	if models.IsTerminalStatus(status) || task.IsTerminal() {
		return nil, fmt.Errorf("%w: task %d is already %s", ErrConflict, taskID, status)
	}
	allowed := []string{models.TaskStatusPending}
	if force {
		allowed = activeOrPending
	} else if status != models.TaskStatusPending {
		return nil, fmt.Errorf("%w: task %d is %s; use force to cancel a running task", ErrConflict, taskID, status)
	}

	ok, err := s.state.Tasks.UpdateIfStatus(ctx, taskID, allowed, map[string]interface{}{
		"status": models.TaskStatusCancelled,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel task %d: %w", taskID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %d changed state during cancel", ErrConflict, taskID)
	}

	if state == nil {
		state = models.NewRuntimeState(task)
	}
	state.Status = models.TaskStatusCancelled
	state.ErrorStage = models.StageCancelled
	s.state.SaveRuntime(ctx, state)

	metrics.TasksFinished.WithLabelValues(models.TaskStatusCancelled, models.StageCancelled).Inc()
	s.logger.WithFields(logrus.Fields{
		"task_id": taskID,
		"force":   force,
		"from":    status,
	}).Info("task cancelled")

	task.Status = models.TaskStatusCancelled
	task.UpdatedAt = s.now()
	return task, nil
}

func (s *ETLServiceImpl) Retry(ctx context.Context, taskID uint64, userID, fromStage string) (*models.ETLTask, error) {
	if fromStage == "" {
		fromStage = RetryFromMineru
	}
	if fromStage != RetryFromMineru && fromStage != RetryFromPostprocess {
		return nil, fmt.Errorf("%w: from_stage must be %q or %q", ErrValidation, RetryFromMineru, RetryFromPostprocess)
	}
	task, state, err := s.state.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, taskID)
	}
	status := LiveStatus(task, state)
	if models.IsActiveStatus(status) {
		return nil, fmt.Errorf("%w: task %d is %s", ErrConflict, taskID, status)
	}
	if task.RuleID != "" {
		if _, err := s.rules.Get(ctx, userID, task.RuleID); err != nil {
			return nil, err
		}
	}

	artifact := task.MetaString(models.MetaArtifactMarkdownKey)
	if state != nil && state.ArtifactMarkdownKey != "" {
		artifact = state.ArtifactMarkdownKey
	}
	if fromStage == RetryFromPostprocess && artifact == "" {
		return nil, fmt.Errorf("%w: task %d has no markdown artifact to re-transform", ErrValidation, taskID)
	}

	next := models.NewRuntimeState(task)
	if state != nil {
		next.AttemptOCR = state.AttemptOCR
		next.AttemptPostprocess = state.AttemptPostprocess
		next.CreatedAt = state.CreatedAt
	}
	next.Status = models.TaskStatusPending
	next.ClearError()

	metaPatch := map[string]interface{}{
		models.MetaErrorStage:       nil,
		models.MetaCallbackApplied:  nil,
		models.MetaCallbackError:    nil,
		models.MetaRetryCount:       metaInt(task.Metadata, models.MetaRetryCount) + 1,
		models.MetaRetriedFromStage: fromStage,
	}
	var job queue.Job
	progress := 0
	if fromStage == RetryFromMineru {
		job = queue.NewJob(queue.KindOCR, taskID)
		next.Phase = models.PhaseOCR
		next.JobIDOCR = job.ID
		next.ArtifactMarkdownKey = ""
		next.ProviderTaskID = ""
		delete(next.Metadata, models.MetaArtifactMarkdownKey)
		delete(next.Metadata, models.MetaProviderTaskID)
		metaPatch[models.MetaArtifactMarkdownKey] = nil
		metaPatch[models.MetaProviderTaskID] = nil
		metaPatch[models.MetaJobIDPostprocess] = nil
	} else {
		job = queue.NewJob(queue.KindPostprocess, taskID)
		progress = 60
		next.Phase = models.PhasePostprocess
		next.ArtifactMarkdownKey = artifact
		next.JobIDPostprocess = job.ID
		metaPatch[models.MetaJobIDPostprocess] = job.ID
		if state != nil {
			next.JobIDOCR = state.JobIDOCR
		}
	}
	next.Progress = progress
	delete(next.Metadata, models.MetaErrorStage)

	ok, err := s.state.Tasks.UpdateIfStatus(ctx, taskID, retryable, map[string]interface{}{
		"status":        models.TaskStatusPending,
		"progress":      progress,
		"error_message": nil,
		"result":        nil,
	})
	if err != nil {
		return nil, fmt.Errorf("reset task %d: %w", taskID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %d changed state during retry", ErrConflict, taskID)
	}
	if err := s.state.Tasks.MergeMetadata(ctx, taskID, metaPatch); err != nil {
		return nil, fmt.Errorf("reset task %d metadata: %w", taskID, err)
	}
	s.state.SaveRuntime(ctx, next)

	if err := s.queue.Enqueue(ctx, job); err != nil {
		if markErr := s.state.MarkFailed(ctx, taskID, next, models.StageEnqueue, "enqueue_failed", err.Error()); markErr != nil {
			s.logger.WithError(markErr).WithField("task_id", taskID).Error("failed to record enqueue failure")
		}
		return nil, fmt.Errorf("enqueue %s job for task %d: %w", job.Kind, taskID, err)
	}

	s.logger.WithFields(logrus.Fields{
		"task_id":    taskID,
		"from_stage": fromStage,
		"job_id":     job.ID,
		"previous":   status,
	}).Info("task retried")

	out, err := s.state.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	next.Overlay(out)
	return out, nil
}

var retryable = []string{
	models.TaskStatusPending,
	models.TaskStatusCompleted,
	models.TaskStatusFailed,
	models.TaskStatusCancelled,
}

// List 以持久化列表为底，对仍在运行的任务叠加 runtime state 的实时进度
func (s *ETLServiceImpl) List(ctx context.Context, filter repository.TaskFilter) (*ListResult, error) {
	if filter.Status != "" && !models.IsValidStatus(filter.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	tasks, err := s.state.Tasks.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.state.Tasks.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	var live []uint64
	for _, t := range tasks {
		if !t.IsTerminal() {
			live = append(live, t.ID)
		}
	}
	if len(live) > 0 {
		states, err := s.state.Runtime.GetMany(ctx, live)
		if err != nil {
			s.logger.WithError(err).Warn("runtime overlay skipped")
		}
		for _, t := range tasks {
			if st, ok := states[t.ID]; ok && !st.IsTerminal() {
				st.Overlay(t)
			}
		}
	}
	return &ListResult{Tasks: tasks, Total: total}, nil
}

func (s *ETLServiceImpl) ResultURL(ctx context.Context, taskID uint64, userID string) (string, error) {
	task, err := s.durable(ctx, taskID, userID)
	if err != nil {
		return "", err
	}
	if task.Status != models.TaskStatusCompleted {
		return "", fmt.Errorf("%w: task %d is %s", ErrConflict, taskID, task.Status)
	}
	key, _ := task.Result[models.ResultOutputKey].(string)
	if key == "" {
		return "", fmt.Errorf("%w: task %d has no output", ErrNotFound, taskID)
	}
	return s.blobs.PresignGet(ctx, key, s.presignTTL)
}

func (s *ETLServiceImpl) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{Status: "ok"}
	if err := s.state.Tasks.Ping(ctx); err != nil {
		s.logger.WithError(err).Warn("health: durable store unreachable")
		report.Status = "degraded"
	}
	if err := s.state.Runtime.Ping(ctx); err != nil {
		s.logger.WithError(err).Warn("health: runtime store unreachable")
		report.Status = "degraded"
		return report
	}
	if n, err := s.state.Runtime.CountTasks(ctx); err == nil {
		report.TaskCount = n
	}
	if workers, err := s.state.Runtime.Workers(ctx); err == nil {
		report.WorkerCount = len(workers)
		for _, w := range workers {
			report.QueueSize += w.Lag
		}
	}
	if s.queueDepth != nil {
		report.QueueSize += s.queueDepth()
	}
	return report
}

// SweepStale 主动执行与 status 读取相同的 stale 判定
func (s *ETLServiceImpl) SweepStale(ctx context.Context) (int, error) {
	tasks, err := s.state.Tasks.ListActive(ctx, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	ids := make([]uint64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	states, err := s.state.Runtime.GetMany(ctx, ids)
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, t := range tasks {
		st, ok := states[t.ID]
		switch {
		case ok && models.IsActiveStatus(st.Status) && s.isStale(st.UpdatedAt):
			s.reconcileStale(ctx, st, "sweep")
			reconciled++
		case !ok && s.isStale(t.UpdatedAt):
			msg := fmt.Sprintf("no progress for %s while %s; runtime state expired", s.staleAfter(), t.Status)
			if err := s.state.MarkFailed(ctx, t.ID, nil, models.StageStale, "stale", msg); err != nil {
				s.logger.WithError(err).WithField("task_id", t.ID).Error("stale reconciliation failed")
				continue
			}
			metrics.StaleTasksReconciled.WithLabelValues("sweep").Inc()
			reconciled++
		}
	}
	return reconciled, nil
}

func (s *ETLServiceImpl) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepStale(ctx)
			if err != nil {
				s.logger.WithError(err).Warn("stale sweep failed")
				continue
			}
			if n > 0 {
				s.logger.WithField("reconciled", n).Info("stale sweep reconciled tasks")
			}
		}
	}
}

func requireIdentity(userID, projectID, filename string) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	case strings.TrimSpace(projectID) == "":
		return fmt.Errorf("%w: project_id is required", ErrValidation)
	case strings.TrimSpace(filename) == "":
		return fmt.Errorf("%w: filename is required", ErrValidation)
	}
	return nil
}

func copyMeta(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
