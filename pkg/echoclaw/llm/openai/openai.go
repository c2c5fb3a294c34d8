// Package openai implements llm.Generator over the OpenAI chat completions
// API. Any OpenAI-compatible endpoint works through BaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/llm"
)

const providerName = "openai"

// Config configures the client.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// Client is an OpenAI-backed generator.
type Client struct {
	completions completionsAPI
	logger      *slog.Logger
	now         func() time.Time
}

type completionsAPI interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// New creates a client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := openai.NewClient(opts...)
	return &Client{
		completions: &client.Chat.Completions,
		logger:      logger.With("component", "llm", "provider", providerName),
		now:         time.Now,
	}, nil
}

// Generate implements llm.Generator.
func (c *Client) Generate(ctx context.Context, req llm.Request) (string, error) {
	req = llm.Prepare(req, c.now())

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+1)
	messages = append(messages, openai.SystemMessage(req.System))
	for _, m := range req.History {
		if m.Role == llm.RoleModel {
			messages = append(messages, openai.AssistantMessage(m.Text))
		} else {
			messages = append(messages, openai.UserMessage(m.Text))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(req.Model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	start := time.Now()
	completion, err := c.completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	c.logger.Debug("llm: completion done", "model", req.Model, "duration", time.Since(start))

	if len(completion.Choices) == 0 {
		return "", llm.ErrEmptyOutput
	}
	choice := completion.Choices[0]
	if choice.FinishReason == "content_filter" {
		c.logger.Warn("llm: output filtered", "model", req.Model)
		return "", llm.ErrEmptyOutput
	}
	return llm.CleanOutput(choice.Message.Content)
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &llm.Error{Kind: llm.KindTimeout, Provider: providerName, Message: err.Error(), Err: err}
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return llm.NewError(providerName, apiErr.StatusCode, apiErr.Error(), err)
	}
	return &llm.Error{Kind: llm.KindRetryable, Provider: providerName, Message: fmt.Sprintf("request failed: %v", err), Err: err}
}
