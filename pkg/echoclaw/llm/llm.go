// Package llm defines the text generation service used to write replies and
// memory summaries. Providers live in the openai and anthropic subpackages.
package llm

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrEmptyOutput is returned when the model produced no usable text, either
// because the answer was empty or because it was filtered.
var ErrEmptyOutput = errors.New("llm returned empty output")

// Role tags a history message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one role-tagged turn of the conversation history.
type Message struct {
	Role Role
	Text string
}

// Request is a single generation call.
type Request struct {
	Model       string
	System      string
	History     []Message
	Temperature float64
	MaxTokens   int
}

// Generator produces text. Implementations must be safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// SilenceTurn is the synthetic user turn appended when the history ends on
// the model's own message.
const SilenceTurn = "[the other party is silent]"

// Prepare normalizes a request before it is sent: the current time goes at
// the end of the system prompt, and the history always ends on a user turn.
func Prepare(req Request, now time.Time) Request {
	out := req
	out.System = strings.TrimRight(req.System, "\n") + "\n\ntoday: " + now.Format("2006-01-02 15:04:05")
	out.History = make([]Message, 0, len(req.History)+1)
	for _, m := range req.History {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		out.History = append(out.History, m)
	}
	if len(out.History) == 0 || out.History[len(out.History)-1].Role == RoleModel {
		out.History = append(out.History, Message{Role: RoleUser, Text: SilenceTurn})
	}
	return out
}

// CleanOutput trims the generated text and maps blank output to
// ErrEmptyOutput.
func CleanOutput(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyOutput
	}
	return text, nil
}

// WithTimeout bounds every call of g by d.
func WithTimeout(g Generator, d time.Duration) Generator {
	if d <= 0 {
		return g
	}
	return timeoutGenerator{next: g, timeout: d}
}

type timeoutGenerator struct {
	next    Generator
	timeout time.Duration
}

func (t timeoutGenerator) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.next.Generate(ctx, req)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var le *Error
		if !errors.As(err, &le) {
			return "", &Error{Kind: KindTimeout, Message: "generation timed out", Err: err}
		}
	}
	return out, err
}
