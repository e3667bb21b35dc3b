package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/puppyone-ai/puppyone-etl/pkg/metrics"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/config"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/repository"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/storage"
	"github.com/sirupsen/logrus"
)

// CompletionCallback mounts a completed task's output into its target document.
type CompletionCallback struct {
	tasks       repository.TaskRepository
	docs        repository.DocumentRepository
	blobs       storage.BlobStore
	maxAttempts int
	baseBackoff time.Duration
	logger      *logrus.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewCompletionCallback(
	tasks repository.TaskRepository,
	docs repository.DocumentRepository,
	blobs storage.BlobStore,
	cfg config.ETLConfig,
	logger *logrus.Logger,
) *CompletionCallback {
	attempts := cfg.CallbackMaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	return &CompletionCallback{
		tasks:       tasks,
		docs:        docs,
		blobs:       blobs,
		maxAttempts: attempts,
		baseBackoff: cfg.CallbackBaseBackoff(),
		logger:      logger,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Apply reports whether a write happened. A task without a mount target, or one
// already applied, is a no-op.
func (c *CompletionCallback) Apply(ctx context.Context, taskID uint64) (bool, error) {
	task, err := c.tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return false, fmt.Errorf("%w: %d", ErrNotFound, taskID)
		}
		return false, err
	}
	if task.Status != models.TaskStatusCompleted {
		return false, fmt.Errorf("%w: task %d is %s", ErrConflict, taskID, task.Status)
	}
	log := c.logger.WithField("task_id", taskID)
	if task.MetaBool(models.MetaCallbackApplied) {
		metrics.CallbackOutcomes.WithLabelValues("skipped").Inc()
		log.Debug("callback already applied")
		return false, nil
	}
	docID := task.MetaString(models.MetaMountDocumentID)
	if docID == "" {
		return false, nil
	}
	segments := splitMountPath(task.MetaString(models.MetaMountPath))
	if len(segments) == 0 {
		return false, c.recordFailure(ctx, taskID, fmt.Errorf("%w: empty mount_path", ErrValidation))
	}

	key, _ := task.Result[models.ResultOutputKey].(string)
	raw, err := c.blobs.Get(ctx, key)
	if err != nil {
		return false, c.recordFailure(ctx, taskID, fmt.Errorf("download output %s: %w", key, err))
	}
	var result interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, c.recordFailure(ctx, taskID, fmt.Errorf("decode output %s: %w", key, err))
	}

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		// 每次重试都重新读取文档，避免基于过期版本覆盖
		doc, err := c.docs.GetByID(ctx, docID)
		if err != nil {
			return false, c.recordFailure(ctx, taskID, fmt.Errorf("load document %s: %w", docID, err))
		}
		var root interface{}
		if len(doc.Data) > 0 {
			if err := json.Unmarshal(doc.Data, &root); err != nil {
				return false, c.recordFailure(ctx, taskID, fmt.Errorf("decode document %s: %w", docID, err))
			}
		}
		root, err = mountContent(root, segments, result)
		if err != nil {
			return false, c.recordFailure(ctx, taskID, err)
		}
		data, err := json.Marshal(root)
		if err != nil {
			return false, c.recordFailure(ctx, taskID, err)
		}

		err = c.docs.UpdateIfVersion(ctx, docID, data, doc.Version)
		if err == nil {
			if err := c.tasks.MergeMetadata(ctx, taskID, map[string]interface{}{
				models.MetaCallbackApplied: true,
				models.MetaCallbackError:   nil,
			}); err != nil {
				return true, fmt.Errorf("mark callback applied for task %d: %w", taskID, err)
			}
			metrics.CallbackOutcomes.WithLabelValues("applied").Inc()
			log.WithFields(logrus.Fields{
				"document_id": docID,
				"attempt":     attempt + 1,
			}).Info("task output mounted")
			return true, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return false, c.recordFailure(ctx, taskID, fmt.Errorf("write document %s: %w", docID, err))
		}

		backoff := c.baseBackoff * time.Duration(1<<attempt)
		log.WithFields(logrus.Fields{
			"document_id": docID,
			"attempt":     attempt + 1,
			"backoff_ms":  backoff.Milliseconds(),
		}).Warn("document changed concurrently, retrying")
		if attempt+1 < c.maxAttempts {
			if err := c.sleep(ctx, backoff); err != nil {
				return false, err
			}
		}
	}
	return false, c.recordFailure(ctx, taskID,
		fmt.Errorf("mount into %s gave up after %d attempts: %w", docID, c.maxAttempts, repository.ErrVersionConflict))
}

func (c *CompletionCallback) recordFailure(ctx context.Context, taskID uint64, cause error) error {
	metrics.CallbackOutcomes.WithLabelValues("failed").Inc()
	if err := c.tasks.MergeMetadata(ctx, taskID, map[string]interface{}{
		models.MetaCallbackError: cause.Error(),
	}); err != nil {
		c.logger.WithError(err).WithField("task_id", taskID).Error("failed to record callback error")
	}
	c.logger.WithError(cause).WithField("task_id", taskID).Error("completion callback failed")
	return cause
}

func splitMountPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// mountContent 沿路径找到父节点，把最后一段对应节点的 content 字段替换为 value
func mountContent(root interface{}, segments []string, value interface{}) (interface{}, error) {
	if root == nil {
		root = map[string]interface{}{}
	}
	parent := root
	for _, seg := range segments[:len(segments)-1] {
		next, err := child(parent, seg)
		if err != nil {
			return nil, err
		}
		parent = next
	}

	last := segments[len(segments)-1]
	node, err := child(parent, last)
	if err != nil {
		return nil, err
	}
	entry, ok := node.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: node %q is not an object", ErrValidation, last)
	}
	entry["content"] = value
	return root, nil
}

// child 返回 seg 对应的子节点；对象中缺失的键会被创建
func child(node interface{}, seg string) (interface{}, error) {
	switch n := node.(type) {
	case map[string]interface{}:
		next, ok := n[seg]
		if !ok || next == nil {
			next = map[string]interface{}{}
			n[seg] = next
		}
		return next, nil
	case []interface{}:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(n) {
			return nil, fmt.Errorf("%w: bad array index %q", ErrValidation, seg)
		}
		return n[i], nil
	default:
		return nil, fmt.Errorf("%w: cannot descend into %q", ErrValidation, seg)
	}
}
