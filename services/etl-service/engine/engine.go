package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/puppyone-ai/puppyone-etl/pkg/metrics"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/provider"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidJSON    = errors.New("llm output is not valid JSON")
	ErrSchemaMismatch = errors.New("llm output does not match schema")
)

// TransformError is returned once every attempt has been rejected.
// Kind is ErrInvalidJSON or ErrSchemaMismatch, following the last rejection.
type TransformError struct {
	Kind     error
	Attempts int
	Detail   string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("%v after %d attempt(s): %s", e.Kind, e.Attempts, e.Detail)
}

func (e *TransformError) Unwrap() error { return e.Kind }

const (
	DefaultMaxRetries  = 2
	DefaultTruncateLen = 60000
)

type Engine struct {
	llm         provider.Completer
	maxRetries  int
	truncateLen int
	logger      *logrus.Logger
}

func New(llm provider.Completer, maxRetries, truncateLen int, logger *logrus.Logger) *Engine {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if truncateLen <= 0 {
		truncateLen = DefaultTruncateLen
	}
	return &Engine{llm: llm, maxRetries: maxRetries, truncateLen: truncateLen, logger: logger}
}

// Apply asks the model to turn markdown into JSON matching rule.JSONSchema.
// Rejected answers are fed back into the next prompt, up to maxRetries extra tries.
// An error from the LLM call itself aborts the loop.
func (e *Engine) Apply(ctx context.Context, markdown string, rule *models.ETLRule) (json.RawMessage, error) {
	schema, err := CompileSchema(rule.JSONSchema)
	if err != nil {
		return nil, err
	}
	schemaText, _ := json.MarshalIndent(map[string]interface{}(rule.JSONSchema), "", "  ")
	if len(rule.JSONSchema) == 0 {
		schemaText = []byte(`{"type": "object"}`)
	}

	if rule.PostprocessStrategy == models.PostprocessStrategyTruncate {
		markdown = truncate(markdown, e.truncateLen)
	}
	system := systemPrompt(rule.SystemPrompt)
	base := buildUserPrompt(string(schemaText), markdown)

	log := e.logger.WithField("rule_id", rule.ID)
	start := time.Now()
	var last *TransformError
	attempts := e.maxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		prompt := base
		if last != nil {
			prompt = base + feedback(last)
		}
		out, err := e.llm.CompleteJSON(ctx, system, prompt)
		if err != nil {
			metrics.TransformAttempts.Observe(float64(attempt))
			return nil, fmt.Errorf("llm call (attempt %d): %w", attempt, err)
		}

		raw := []byte(stripFence(out))
		v, err := decode(raw)
		if err != nil {
			last = &TransformError{Kind: ErrInvalidJSON, Attempts: attempt, Detail: err.Error()}
			log.WithFields(logrus.Fields{"attempt": attempt, "error": err.Error()}).Warn("llm output rejected: invalid json")
			continue
		}
		if err := schema.Validate(v); err != nil {
			last = &TransformError{Kind: ErrSchemaMismatch, Attempts: attempt, Detail: err.Error()}
			log.WithFields(logrus.Fields{"attempt": attempt, "error": err.Error()}).Warn("llm output rejected: schema mismatch")
			continue
		}

		metrics.TransformAttempts.Observe(float64(attempt))
		log.WithFields(logrus.Fields{
			"attempt":    attempt,
			"elapsed_ms": time.Since(start).Milliseconds(),
		}).Info("transformation accepted")
		return json.RawMessage(raw), nil
	}

	metrics.TransformAttempts.Observe(float64(attempts))
	return nil, last
}

func systemPrompt(custom string) string {
	if strings.TrimSpace(custom) == "" {
		custom = models.DefaultRuleSystemPrompt
	}
	return custom + "\nReturn ONLY a JSON value that matches the provided JSON Schema. Do not wrap it in markdown."
}

func buildUserPrompt(schema, markdown string) string {
	var b strings.Builder
	b.WriteString("JSON Schema:\n")
	b.WriteString(schema)
	b.WriteString("\n\nDocument (markdown):\n")
	b.WriteString(markdown)
	return b.String()
}

func feedback(prev *TransformError) string {
	switch {
	case errors.Is(prev, ErrInvalidJSON):
		return "\n\nYour previous answer could not be parsed as JSON: " + prev.Detail + "\nReturn valid JSON only."
	default:
		return "\n\nYour previous answer did not match the schema: " + prev.Detail + "\nFix the output so it validates."
	}
}

// stripFence drops a ```json fence some models add despite JSON mode.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
