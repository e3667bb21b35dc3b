package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/engine"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/repository"
	"github.com/sirupsen/logrus"
)

type CreateRuleRequest struct {
	Name                string                 `json:"name" yaml:"name"`
	Description         string                 `json:"description" yaml:"description"`
	JSONSchema          map[string]interface{} `json:"json_schema" yaml:"json_schema"`
	SystemPrompt        string                 `json:"system_prompt" yaml:"system_prompt"`
	PostprocessMode     string                 `json:"postprocess_mode" yaml:"postprocess_mode"`
	PostprocessStrategy string                 `json:"postprocess_strategy" yaml:"postprocess_strategy"`
}

type RuleService interface {
	Create(ctx context.Context, userID string, req CreateRuleRequest) (*models.ETLRule, error)
	List(ctx context.Context, userID string) ([]*models.ETLRule, error)
	Get(ctx context.Context, userID, ruleID string) (*models.ETLRule, error)
	Delete(ctx context.Context, userID, ruleID string) error
	// ResolveDefault returns the caller's default rule, creating it on first use.
	ResolveDefault(ctx context.Context, userID string) (*models.ETLRule, error)
}

type RuleServiceImpl struct {
	rules  repository.RuleRepository
	tasks  repository.TaskRepository
	logger *logrus.Logger
}

func NewRuleService(rules repository.RuleRepository, tasks repository.TaskRepository, logger *logrus.Logger) RuleService {
	return &RuleServiceImpl{rules: rules, tasks: tasks, logger: logger}
}

func (s *RuleServiceImpl) Create(ctx context.Context, userID string, req CreateRuleRequest) (*models.ETLRule, error) {
	if err := validateRule(&req); err != nil {
		return nil, err
	}
	rule := &models.ETLRule{
		ID:                  uuid.NewString(),
		UserID:              userID,
		Name:                req.Name,
		Description:         req.Description,
		JSONSchema:          req.JSONSchema,
		SystemPrompt:        req.SystemPrompt,
		PostprocessMode:     req.PostprocessMode,
		PostprocessStrategy: req.PostprocessStrategy,
	}
	if rule.JSONSchema == nil {
		rule.JSONSchema = models.DefaultRuleSchema()
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "user_id": userID}).Info("rule created")
	return rule, nil
}

func validateRule(req *CreateRuleRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if req.PostprocessMode == "" {
		req.PostprocessMode = models.PostprocessModeLLM
	}
	switch req.PostprocessMode {
	case models.PostprocessModeLLM, models.PostprocessModeSkip:
	default:
		return fmt.Errorf("%w: unknown postprocess_mode %q", ErrValidation, req.PostprocessMode)
	}
	switch req.PostprocessStrategy {
	case "", models.PostprocessStrategyDirect, models.PostprocessStrategyTruncate:
	default:
		return fmt.Errorf("%w: unknown postprocess_strategy %q", ErrValidation, req.PostprocessStrategy)
	}
	if req.PostprocessMode == models.PostprocessModeLLM {
		if len(req.JSONSchema) == 0 {
			return fmt.Errorf("%w: json_schema is required for llm rules", ErrValidation)
		}
		if _, err := engine.CompileSchema(req.JSONSchema); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}

func (s *RuleServiceImpl) List(ctx context.Context, userID string) ([]*models.ETLRule, error) {
	return s.rules.ListByUserID(ctx, userID)
}

func (s *RuleServiceImpl) Get(ctx context.Context, userID, ruleID string) (*models.ETLRule, error) {
	rule, err := s.rules.GetByID(ctx, ruleID)
	if err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
		}
		return nil, err
	}
	if rule.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	return rule, nil
}

// Delete 规则被任务引用后不可删除，保证重试看到的是提交时的规则
func (s *RuleServiceImpl) Delete(ctx context.Context, userID, ruleID string) error {
	if _, err := s.Get(ctx, userID, ruleID); err != nil {
		return err
	}
	n, err := s.tasks.CountByRuleID(ctx, ruleID)
	if err != nil {
		return fmt.Errorf("count rule references: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: rule %s is referenced by %d task(s)", ErrConflict, ruleID, n)
	}
	if err := s.rules.Delete(ctx, ruleID); err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
		}
		return err
	}
	return nil
}

func (s *RuleServiceImpl) ResolveDefault(ctx context.Context, userID string) (*models.ETLRule, error) {
	rule, err := s.rules.GetDefault(ctx, userID)
	if err == nil {
		return rule, nil
	}
	if !errors.Is(err, repository.ErrRuleNotFound) {
		return nil, fmt.Errorf("lookup default rule: %w", err)
	}
	rule = &models.ETLRule{
		ID:              uuid.NewString(),
		UserID:          userID,
		Name:            models.DefaultRuleName,
		Description:     models.DefaultRuleDescription,
		JSONSchema:      models.DefaultRuleSchema(),
		SystemPrompt:    models.DefaultRuleSystemPrompt,
		PostprocessMode: models.PostprocessModeSkip,
		IsDefault:       true,
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		// 并发的首次提交已经建好了默认规则（唯一索引拒绝了这次插入）
		if existing, getErr := s.rules.GetDefault(ctx, userID); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create default rule: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "user_id": userID}).Info("default rule created")
	return rule, nil
}
