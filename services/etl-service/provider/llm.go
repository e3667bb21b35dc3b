package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puppyone-ai/puppyone-etl/services/etl-service/config"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// Completer asks the model for a JSON-only answer.
type Completer interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

var ErrEmptyCompletion = errors.New("llm returned no choices")

type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *logrus.Logger
}

func NewOpenAIClient(cfg config.OpenAIConfig, logger *logrus.Logger) *OpenAIClient {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		logger:      logger,
	}
}

func (c *OpenAIClient) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	c.logger.WithFields(logrus.Fields{
		"model":             c.model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"elapsed_ms":        time.Since(start).Milliseconds(),
	}).Debug("llm completion")
	return resp.Choices[0].Message.Content, nil
}
