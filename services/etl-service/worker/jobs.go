package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/puppyone-ai/puppyone-etl/pkg/metrics"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/engine"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/provider"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/queue"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/repository"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/service"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/storage"
	"github.com/sirupsen/logrus"
)

// Transformer applies a rule to parsed markdown.
type Transformer interface {
	Apply(ctx context.Context, markdown string, rule *models.ETLRule) (json.RawMessage, error)
}

// Mounter runs the completion callback for a finished task.
type Mounter interface {
	Apply(ctx context.Context, taskID uint64) (bool, error)
}

type Deps struct {
	State      *service.StateStore
	Rules      repository.RuleRepository
	Blobs      storage.BlobStore
	Parser     provider.Parser
	Engine     Transformer
	Callback   Mounter
	Queue      queue.Queue
	PresignTTL time.Duration
	Logger     *logrus.Logger
}

// Jobs 执行 ocr / postprocess 两类任务；每个任务在做外部调用前都先检查状态，
// 重复投递或已取消的任务直接跳过
type Jobs struct {
	state      *service.StateStore
	rules      repository.RuleRepository
	blobs      storage.BlobStore
	parser     provider.Parser
	engine     Transformer
	callback   Mounter
	queue      queue.Queue
	presignTTL time.Duration
	logger     *logrus.Logger
}

func NewJobs(d Deps) *Jobs {
	ttl := d.PresignTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Jobs{
		state:      d.State,
		rules:      d.Rules,
		blobs:      d.Blobs,
		parser:     d.Parser,
		engine:     d.Engine,
		callback:   d.Callback,
		queue:      d.Queue,
		presignTTL: ttl,
		logger:     d.Logger,
	}
}

const (
	progressParsing      = 10
	progressParsed       = 60
	progressTransforming = 70
	progressDone         = 100
)

// outcome labels for job metrics
const (
	outcomeDone      = "done"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
	outcomeDiscarded = "discarded"
	outcomeError     = "error"
)

var errUnknownKind = errors.New("unknown job kind")

// Handle is the queue.Handler entry point.
func (j *Jobs) Handle(ctx context.Context, job queue.Job) error {
	start := time.Now()
	var (
		outcome string
		err     error
	)
	switch job.Kind {
	case queue.KindOCR:
		outcome, err = j.runOCR(ctx, job)
	case queue.KindPostprocess:
		outcome, err = j.runPostprocess(ctx, job)
	default:
		return fmt.Errorf("%w: %q", errUnknownKind, job.Kind)
	}
	if err != nil {
		outcome = outcomeError
	}
	metrics.RecordJob(job.Kind, outcome, time.Since(start))
	j.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"kind":       job.Kind,
		"task_id":    job.TaskID,
		"outcome":    outcome,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}).Info("job finished")
	return err
}

func (j *Jobs) RunOCR(ctx context.Context, job queue.Job) error {
	_, err := j.runOCR(ctx, job)
	return err
}

func (j *Jobs) RunPostprocess(ctx context.Context, job queue.Job) error {
	_, err := j.runPostprocess(ctx, job)
	return err
}

func (j *Jobs) jobLog(job queue.Job) *logrus.Entry {
	return j.logger.WithFields(logrus.Fields{"job_id": job.ID, "kind": job.Kind, "task_id": job.TaskID})
}

func (j *Jobs) runOCR(ctx context.Context, job queue.Job) (string, error) {
	log := j.jobLog(job)
	task, state, err := j.state.Load(ctx, job.TaskID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			log.Warn("task vanished, dropping job")
			return outcomeSkipped, nil
		}
		return "", err
	}
	if reason := ocrSkipReason(task, state, job); reason != "" {
		log.WithField("reason", reason).Info("ocr job skipped")
		return outcomeSkipped, nil
	}

	ok, err := j.state.Tasks.UpdateIfStatus(ctx, task.ID,
		[]string{models.TaskStatusPending, models.TaskStatusMineruParsing},
		map[string]interface{}{"status": models.TaskStatusMineruParsing, "progress": progressParsing})
	if err != nil {
		return "", err
	}
	if !ok {
		log.Info("task left pending before ocr started")
		return outcomeSkipped, nil
	}
	if state == nil {
		state = models.NewRuntimeState(task)
	}
	state.Status = models.TaskStatusMineruParsing
	state.Phase = models.PhaseOCR
	state.Progress = progressParsing
	state.AttemptOCR++
	state.JobIDOCR = job.ID
	state.ClearError()
	j.state.SaveRuntime(ctx, state)
	log = log.WithField("attempt", state.AttemptOCR)

	sourceKey := task.MetaString(models.MetaSourceKey)
	if sourceKey == "" {
		return j.fail(ctx, state, models.StageMineru, "missing_source", "task has no source_key")
	}
	fileURL, err := j.blobs.PresignGet(ctx, sourceKey, j.presignTTL)
	if err != nil {
		return j.fail(ctx, state, models.StageMineru, "presign_failed", err.Error())
	}

	markdown, providerTaskID, parseErr := j.parser.Parse(ctx, fileURL)
	if j.cancelledMeanwhile(ctx, task.ID) {
		log.Info("task finished elsewhere during parsing, result discarded")
		return outcomeDiscarded, nil
	}
	state.ProviderTaskID = providerTaskID
	if parseErr != nil {
		return j.fail(ctx, state, models.StageMineru, "provider_error", parseErr.Error())
	}

	mdKey := storage.MarkdownKey(task.ID)
	if err := j.blobs.Put(ctx, mdKey, []byte(markdown), storage.ContentType(mdKey)); err != nil {
		return j.fail(ctx, state, models.StageMineru, "artifact_write_failed", err.Error())
	}

	next := queue.NewJob(queue.KindPostprocess, task.ID)
	ok, err = j.state.Tasks.UpdateIfStatus(ctx, task.ID,
		[]string{models.TaskStatusMineruParsing},
		map[string]interface{}{"status": models.TaskStatusLLMProcessing, "progress": progressParsed})
	if err != nil {
		return "", err
	}
	if !ok {
		log.Info("task changed state after parsing, result discarded")
		return outcomeDiscarded, nil
	}
	if err := j.state.Tasks.MergeMetadata(ctx, task.ID, map[string]interface{}{
		models.MetaArtifactMarkdownKey: mdKey,
		models.MetaProviderTaskID:      providerTaskID,
		models.MetaJobIDPostprocess:    next.ID,
	}); err != nil {
		return "", fmt.Errorf("record artifact for task %d: %w", task.ID, err)
	}
	state.Status = models.TaskStatusLLMProcessing
	state.Phase = models.PhasePostprocess
	state.Progress = progressParsed
	state.ArtifactMarkdownKey = mdKey
	state.JobIDPostprocess = next.ID
	j.state.SaveRuntime(ctx, state)

	if err := j.queue.Enqueue(ctx, next); err != nil {
		return j.fail(ctx, state, models.StageEnqueue, "enqueue_failed", err.Error())
	}
	log.WithFields(logrus.Fields{
		"provider_task_id": providerTaskID,
		"markdown_bytes":   len(markdown),
	}).Info("ocr stage complete")
	return outcomeDone, nil
}

func ocrSkipReason(task *models.ETLTask, state *models.ETLRuntimeState, job queue.Job) string {
	status := service.LiveStatus(task, state)
	switch {
	case task.IsTerminal() || models.IsTerminalStatus(status):
		return "terminal"
	case state != nil && state.JobIDOCR != "" && state.JobIDOCR != job.ID:
		return "superseded"
	case status == models.TaskStatusLLMProcessing:
		return "past ocr"
	case state != nil && state.Phase == models.PhasePostprocess:
		return "past ocr"
	}
	return ""
}

func (j *Jobs) runPostprocess(ctx context.Context, job queue.Job) (string, error) {
	log := j.jobLog(job)
	task, state, err := j.state.Load(ctx, job.TaskID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			log.Warn("task vanished, dropping job")
			return outcomeSkipped, nil
		}
		return "", err
	}
	if state != nil && state.JobIDPostprocess != job.ID && task.MetaString(models.MetaJobIDPostprocess) == job.ID {
		// 写入 job_id_postprocess 的那次 runtime 写失败了，以持久化记录为准重建
		log.Warn("runtime state behind durable task, rebuilding")
		state = nil
	}
	if reason := postprocessSkipReason(task, state, job); reason != "" {
		log.WithField("reason", reason).Info("postprocess job skipped")
		return outcomeSkipped, nil
	}

	ok, err := j.state.Tasks.UpdateIfStatus(ctx, task.ID,
		[]string{models.TaskStatusPending, models.TaskStatusLLMProcessing},
		map[string]interface{}{"status": models.TaskStatusLLMProcessing, "progress": progressTransforming})
	if err != nil {
		return "", err
	}
	if !ok {
		log.Info("task changed state before postprocess started")
		return outcomeSkipped, nil
	}
	if state == nil {
		state = models.NewRuntimeState(task)
		state.JobIDPostprocess = job.ID
	}
	state.Status = models.TaskStatusLLMProcessing
	state.Phase = models.PhasePostprocess
	state.Progress = progressTransforming
	state.AttemptPostprocess++
	state.ClearError()
	j.state.SaveRuntime(ctx, state)
	log = log.WithField("attempt", state.AttemptPostprocess)

	mdKey := state.ArtifactMarkdownKey
	if mdKey == "" {
		mdKey = task.MetaString(models.MetaArtifactMarkdownKey)
	}
	if mdKey == "" {
		return j.fail(ctx, state, models.StagePostprocess, "missing_artifact", "no markdown artifact recorded")
	}
	markdown, err := j.blobs.Get(ctx, mdKey)
	if err != nil {
		return j.fail(ctx, state, models.StagePostprocess, "artifact_read_failed", err.Error())
	}

	var rule *models.ETLRule
	if task.RuleID != "" {
		rule, err = j.rules.GetByID(ctx, task.RuleID)
		if err != nil {
			return j.fail(ctx, state, models.StagePostprocess, "rule_not_found", err.Error())
		}
	}

	output, applyErr := j.transform(ctx, string(markdown), rule)
	if j.cancelledMeanwhile(ctx, task.ID) {
		log.Info("task finished elsewhere during transformation, result discarded")
		return outcomeDiscarded, nil
	}
	if applyErr != nil {
		return j.fail(ctx, state, models.StagePostprocess, transformErrorCode(applyErr), applyErr.Error())
	}

	outKey := storage.ProcessedKey(task.ID)
	if err := j.blobs.Put(ctx, outKey, output, "application/json"); err != nil {
		return j.fail(ctx, state, models.StagePostprocess, "output_write_failed", err.Error())
	}

	providerTaskID := state.ProviderTaskID
	if providerTaskID == "" {
		providerTaskID = task.MetaString(models.MetaProviderTaskID)
	}
	result := models.NewTaskResult(outKey, int64(len(output)), time.Since(task.CreatedAt), providerTaskID)
	ok, err = j.state.Tasks.UpdateIfStatus(ctx, task.ID,
		[]string{models.TaskStatusLLMProcessing},
		map[string]interface{}{
			"status":        models.TaskStatusCompleted,
			"progress":      progressDone,
			"result":        result,
			"error_message": nil,
		})
	if err != nil {
		return "", err
	}
	if !ok {
		log.Info("task changed state after transformation, result discarded")
		return outcomeDiscarded, nil
	}
	state.Status = models.TaskStatusCompleted
	state.Phase = models.PhaseFinalize
	state.Progress = progressDone
	j.state.SaveRuntime(ctx, state)
	metrics.TasksFinished.WithLabelValues(models.TaskStatusCompleted, models.PhaseFinalize).Inc()
	log.WithFields(logrus.Fields{"output_key": outKey, "output_bytes": len(output)}).Info("task completed")

	if j.callback != nil && task.MetaString(models.MetaMountDocumentID) != "" {
		if _, err := j.callback.Apply(ctx, task.ID); err != nil {
			log.WithError(err).Warn("completion callback failed")
		}
	}
	return outcomeDone, nil
}

func postprocessSkipReason(task *models.ETLTask, state *models.ETLRuntimeState, job queue.Job) string {
	status := service.LiveStatus(task, state)
	recorded := task.MetaString(models.MetaJobIDPostprocess)
	switch {
	case task.IsTerminal() || models.IsTerminalStatus(status):
		return "terminal"
	case state != nil && state.JobIDPostprocess != job.ID:
		return "superseded"
	case state == nil && recorded != "" && recorded != job.ID:
		return "superseded"
	case status == models.TaskStatusMineruParsing:
		return "ocr still running"
	case state == nil && status == models.TaskStatusPending && task.MetaString(models.MetaArtifactMarkdownKey) == "":
		return "ocr not done"
	}
	return ""
}

func (j *Jobs) transform(ctx context.Context, markdown string, rule *models.ETLRule) (json.RawMessage, error) {
	if rule == nil || rule.PostprocessMode == models.PostprocessModeSkip {
		return json.Marshal(map[string]string{"markdown": markdown})
	}
	return j.engine.Apply(ctx, markdown, rule)
}

func transformErrorCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrInvalidJSON):
		return "invalid_json"
	case errors.Is(err, engine.ErrSchemaMismatch):
		return "schema_mismatch"
	default:
		return "llm_error"
	}
}

// cancelledMeanwhile re-reads the task after a long external call.
func (j *Jobs) cancelledMeanwhile(ctx context.Context, taskID uint64) bool {
	task, state, err := j.state.Load(ctx, taskID)
	if err != nil {
		return false
	}
	return task.IsTerminal() || models.IsTerminalStatus(service.LiveStatus(task, state))
}

func (j *Jobs) fail(ctx context.Context, state *models.ETLRuntimeState, stage, code, message string) (string, error) {
	if err := j.state.MarkFailed(ctx, state.TaskID, state, stage, code, message); err != nil {
		return "", err
	}
	return outcomeFailed, nil
}
