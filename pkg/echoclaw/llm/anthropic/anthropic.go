// Package anthropic implements llm.Generator over the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/llm"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 2048
)

// Config configures the client.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// Client is an Anthropic-backed generator.
type Client struct {
	messages messagesAPI
	logger   *slog.Logger
	now      func() time.Time
}

type messagesAPI interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

// New creates a client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key required")
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
	client := anthropicsdk.NewClient(opts...)
	return &Client{
		messages: &client.Messages,
		logger:   logger.With("component", "llm", "provider", providerName),
		now:      time.Now,
	}, nil
}

// Generate implements llm.Generator. Consecutive turns of the same role are
// joined, since the Messages API wants them alternating.
func (c *Client) Generate(ctx context.Context, req llm.Request) (string, error) {
	req = llm.Prepare(req, c.now())

	var msgs []anthropicsdk.MessageParam
	var lastRole llm.Role
	for _, m := range req.History {
		if len(msgs) > 0 && m.Role == lastRole {
			last := &msgs[len(msgs)-1]
			last.Content = append(last.Content, anthropicsdk.NewTextBlock(m.Text))
			continue
		}
		if m.Role == llm.RoleModel {
			msgs = append(msgs, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Text)))
		} else {
			msgs = append(msgs, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Text)))
		}
		lastRole = m.Role
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := req.Temperature
	if temperature > 1 {
		temperature = 1
	}
	params := anthropicsdk.MessageNewParams{
		Model:       anthropicsdk.Model(req.Model),
		MaxTokens:   int64(maxTokens),
		System:      []anthropicsdk.TextBlockParam{{Text: req.System}},
		Messages:    msgs,
		Temperature: param.NewOpt(temperature),
	}

	start := time.Now()
	resp, err := c.messages.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	c.logger.Debug("llm: message done", "model", req.Model, "duration", time.Since(start),
		"stop_reason", resp.StopReason)

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if resp.StopReason == "refusal" {
		c.logger.Warn("llm: output refused", "model", req.Model)
		return "", llm.ErrEmptyOutput
	}
	return llm.CleanOutput(strings.Join(parts, ""))
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &llm.Error{Kind: llm.KindTimeout, Provider: providerName, Message: err.Error(), Err: err}
	}
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return llm.NewError(providerName, apiErr.StatusCode, apiErr.Error(), err)
	}
	return &llm.Error{Kind: llm.KindRetryable, Provider: providerName, Message: fmt.Sprintf("request failed: %v", err), Err: err}
}
