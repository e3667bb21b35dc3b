package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

type scriptedLLM struct {
	replies []string
	err     error
	prompts []string
}

func (s *scriptedLLM) CompleteJSON(_ context.Context, _ string, user string) (string, error) {
	s.prompts = append(s.prompts, user)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "", errors.New("script exhausted")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func titleContentRule() *models.ETLRule {
	return &models.ETLRule{
		ID:              "rule-1",
		PostprocessMode: models.PostprocessModeLLM,
		JSONSchema: datatypes.JSONMap{
			"type":     "object",
			"required": []interface{}{"title", "content"},
			"properties": map[string]interface{}{
				"title":   map[string]interface{}{"type": "string"},
				"content": map[string]interface{}{"type": "string"},
			},
		},
	}
}

func TestApply_RetriesWithinBudget(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		wantErr    error
		wantCalls  int
	}{
		{name: "max_retries=2 allows three tries", maxRetries: 2, wantCalls: 3},
		{name: "max_retries=1 allows two tries", maxRetries: 1, wantErr: ErrInvalidJSON, wantCalls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &scriptedLLM{replies: []string{"not json", "{broken", `{"title":"Doc","content":"body"}`}}
			e := New(llm, tt.maxRetries, 0, quietLogger())

			out, err := e.Apply(context.Background(), "# Doc\nbody", titleContentRule())
			if len(llm.prompts) != tt.wantCalls {
				t.Errorf("llm calls = %d, want %d", len(llm.prompts), tt.wantCalls)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				var te *TransformError
				if !errors.As(err, &te) || te.Attempts != tt.wantCalls {
					t.Errorf("transform error = %#v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			var got map[string]string
			if err := json.Unmarshal(out, &got); err != nil || got["title"] != "Doc" || got["content"] != "body" {
				t.Errorf("output = %s (%v)", out, err)
			}
		})
	}
}

func TestApply_SchemaMismatchIsDistinct(t *testing.T) {
	llm := &scriptedLLM{replies: []string{`{"title":"Doc"}`, `{"title":"Doc"}`}}
	e := New(llm, 1, 0, quietLogger())

	_, err := e.Apply(context.Background(), "# Doc", titleContentRule())
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
	if errors.Is(err, ErrInvalidJSON) {
		t.Error("schema mismatch must not report invalid json")
	}
	if !strings.Contains(llm.prompts[1], "did not match the schema") {
		t.Errorf("second prompt carries no feedback: %q", llm.prompts[1])
	}
}

func TestApply_FeedbackFollowsLastFailure(t *testing.T) {
	llm := &scriptedLLM{replies: []string{`{"title":"Doc"}`, "oops"}}
	e := New(llm, 1, 0, quietLogger())

	_, err := e.Apply(context.Background(), "# Doc", titleContentRule())
	if !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("last failure was a parse error, got %v", err)
	}
}

func TestApply_LLMErrorAborts(t *testing.T) {
	llm := &scriptedLLM{err: errors.New("rate limited")}
	e := New(llm, 2, 0, quietLogger())

	_, err := e.Apply(context.Background(), "# Doc", titleContentRule())
	if err == nil || len(llm.prompts) != 1 {
		t.Fatalf("expected one call and an error, got %d calls, %v", len(llm.prompts), err)
	}
	var te *TransformError
	if errors.As(err, &te) {
		t.Error("llm call errors are not transform errors")
	}
}

func TestApply_StripsFenceAndTruncates(t *testing.T) {
	llm := &scriptedLLM{replies: []string{"```json\n{\"title\":\"a\",\"content\":\"b\"}\n```"}}
	e := New(llm, 0, 8, quietLogger())
	rule := titleContentRule()
	rule.PostprocessStrategy = models.PostprocessStrategyTruncate

	out, err := e.Apply(context.Background(), "0123456789abcdef", rule)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if string(out) != `{"title":"a","content":"b"}` {
		t.Errorf("output = %s", out)
	}
	if strings.Contains(llm.prompts[0], "89abcdef") || !strings.Contains(llm.prompts[0], "01234567") {
		t.Errorf("markdown not truncated: %q", llm.prompts[0])
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	if got := truncate("héllo", 2); got != "h" {
		t.Errorf("truncate = %q", got)
	}
}

func TestCompileSchema_Invalid(t *testing.T) {
	if _, err := CompileSchema(map[string]interface{}{"type": 12}); err == nil {
		t.Error("expected compile error for bad type keyword")
	}
}
