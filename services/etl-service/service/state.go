package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/puppyone-ai/puppyone-etl/pkg/metrics"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/repository"
	"github.com/sirupsen/logrus"
)

// StateStore writes task transitions to the durable store and the runtime store.
// The durable write always comes first; the runtime write is best-effort because
// the durable record is the fallback once runtime state is gone.
type StateStore struct {
	Tasks   repository.TaskRepository
	Runtime repository.RuntimeRepository
	logger  *logrus.Logger
}

func NewStateStore(tasks repository.TaskRepository, runtime repository.RuntimeRepository, logger *logrus.Logger) *StateStore {
	return &StateStore{Tasks: tasks, Runtime: runtime, logger: logger}
}

// Load returns the durable task and its runtime state, which is nil when expired.
func (s *StateStore) Load(ctx context.Context, taskID uint64) (*models.ETLTask, *models.ETLRuntimeState, error) {
	task, err := s.Tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return nil, nil, fmt.Errorf("%w: %d", ErrNotFound, taskID)
		}
		return nil, nil, err
	}
	state, err := s.Runtime.Get(ctx, taskID)
	if err != nil {
		if !errors.Is(err, repository.ErrRuntimeStateNotFound) {
			s.logger.WithError(err).WithField("task_id", taskID).Warn("runtime state unavailable, using durable task")
		}
		return task, nil, nil
	}
	return task, state, nil
}

// LiveStatus prefers the runtime status while it exists.
func LiveStatus(task *models.ETLTask, state *models.ETLRuntimeState) string {
	if state != nil {
		return state.Status
	}
	return task.Status
}

// SaveRuntime writes state and only logs on failure.
func (s *StateStore) SaveRuntime(ctx context.Context, state *models.ETLRuntimeState) {
	if err := s.Runtime.Set(ctx, state); err != nil {
		s.logger.WithError(err).WithField("task_id", state.TaskID).Warn("failed to write runtime state")
	}
}

// MarkFailed records a failed outcome unless the durable task is already terminal.
// state may be nil; the stored runtime state is then updated if present.
func (s *StateStore) MarkFailed(ctx context.Context, taskID uint64, state *models.ETLRuntimeState, stage, code, message string) error {
	ok, err := s.Tasks.UpdateIfStatus(ctx, taskID, activeOrPending, map[string]interface{}{
		"status":        models.TaskStatusFailed,
		"error_message": message,
	})
	if err != nil {
		return fmt.Errorf("mark task %d failed: %w", taskID, err)
	}
	if !ok {
		s.logger.WithFields(logrus.Fields{"task_id": taskID, "stage": stage}).Info("task already terminal, failure not recorded")
		return nil
	}
	if err := s.Tasks.MergeMetadata(ctx, taskID, map[string]interface{}{models.MetaErrorStage: stage}); err != nil {
		return fmt.Errorf("record error stage for task %d: %w", taskID, err)
	}

	if state == nil {
		state, err = s.Runtime.Get(ctx, taskID)
		if err != nil {
			state = nil
		}
	}
	if state != nil {
		state.Status = models.TaskStatusFailed
		state.ErrorCode = code
		state.ErrorMessage = message
		state.ErrorStage = stage
		s.SaveRuntime(ctx, state)
	}

	metrics.TasksFinished.WithLabelValues(models.TaskStatusFailed, stage).Inc()
	s.logger.WithFields(logrus.Fields{
		"task_id": taskID,
		"stage":   stage,
		"code":    code,
	}).Warn("task failed: " + message)
	return nil
}

var activeOrPending = []string{
	models.TaskStatusPending,
	models.TaskStatusMineruParsing,
	models.TaskStatusLLMProcessing,
}
