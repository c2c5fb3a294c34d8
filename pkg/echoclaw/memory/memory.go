// Package memory compacts conversations into the persona's long-term memory
// log. A worker tracks the text of its persona's latest outbound message
// (the anchor); once that message has scrolled out of the fetched history
// window the visible conversation is summarized into one memory entry.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/llm"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/persona"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/prompt"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/settings"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
)

// Anchor is the tracked text of the persona's latest outbound message. The
// zero value is the "no anchor" state.
type Anchor struct {
	mu   sync.Mutex
	text string
	set  bool
}

// Get returns the anchor text and whether one is set.
func (a *Anchor) Get() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.text, a.set
}

// Set anchors to text.
func (a *Anchor) Set(text string) {
	a.mu.Lock()
	a.text, a.set = text, true
	a.mu.Unlock()
}

// Clear drops the anchor.
func (a *Anchor) Clear() {
	a.mu.Lock()
	a.text, a.set = "", false
	a.mu.Unlock()
}

// Outcome is what a checkpoint call did.
type Outcome int

const (
	OutcomeNoop         Outcome = iota // anchor still visible, or nothing to anchor
	OutcomeAnchored                    // first anchor recorded
	OutcomeCheckpointed                // summary appended, re-anchored
	OutcomeFailed                      // summarization failed, anchor kept
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAnchored:
		return "anchored"
	case OutcomeCheckpointed:
		return "checkpointed"
	case OutcomeFailed:
		return "failed"
	default:
		return "noop"
	}
}

// Tracker runs memory checkpoints.
type Tracker struct {
	repo   persona.Repository
	gen    llm.Generator
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker.
func NewTracker(repo persona.Repository, gen llm.Generator, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		repo:   repo,
		gen:    gen,
		logger: logger.With("component", "memory"),
		now:    time.Now,
	}
}

// MaybeCheckpoint applies the anchor rule to the current history window.
// Without an anchor it anchors to the newest outbound text, if any. With an
// anchor that no outbound message in the window carries any more, it
// summarizes the window into p's memory and re-anchors; on failure the
// stale anchor stays so the next cycle retries.
func (t *Tracker) MaybeCheckpoint(ctx context.Context, p *persona.Persona, chat transport.ChatInfo,
	history []transport.Message, anchor *Anchor, s settings.Settings) (Outcome, error) {

	outbound := outboundTexts(history)
	current, ok := anchor.Get()
	if !ok {
		if len(outbound) == 0 {
			return OutcomeNoop, nil
		}
		anchor.Set(outbound[len(outbound)-1])
		return OutcomeAnchored, nil
	}
	for _, text := range outbound {
		if text == current {
			return OutcomeNoop, nil
		}
	}

	entry, err := t.Checkpoint(ctx, p, chat, history, s)
	if err != nil {
		t.logger.Warn("memory: checkpoint failed, keeping anchor",
			"persona", p.ID, "chat", chat.Name, "error", err)
		return OutcomeFailed, err
	}

	if len(outbound) > 0 {
		anchor.Set(outbound[len(outbound)-1])
	} else {
		anchor.Clear()
	}
	t.logger.Info("memory: checkpoint saved", "persona", p.ID, "chat", chat.Name, "entry", entry.Text)
	return OutcomeCheckpointed, nil
}

// Checkpoint summarizes history and appends the summary to p's memory log,
// both in the repository and on p.
func (t *Tracker) Checkpoint(ctx context.Context, p *persona.Persona, chat transport.ChatInfo,
	history []transport.Message, s settings.Settings) (persona.MemoryEntry, error) {

	summary, err := t.gen.Generate(ctx, llm.Request{
		Model:       s.ModelName,
		System:      p.MemoryPrompt(chat.Name, chat.IsGroup),
		History:     prompt.History(history, chat.IsGroup, s),
		Temperature: s.Temperature,
		MaxTokens:   s.MaxOutputTokens,
	})
	if err != nil {
		return persona.MemoryEntry{}, fmt.Errorf("summarize: %w", err)
	}
	summary, err = llm.CleanOutput(summary)
	if err != nil {
		return persona.MemoryEntry{}, fmt.Errorf("summarize: %w", err)
	}

	entry := persona.NewMemoryEntry(t.now(), chat.Name, chat.IsGroup, summary)
	if err := t.repo.AppendMemory(ctx, p.ID, entry); err != nil {
		return persona.MemoryEntry{}, fmt.Errorf("append memory: %w", err)
	}
	p.Memory = append(p.Memory, entry)
	return entry, nil
}

func outboundTexts(history []transport.Message) []string {
	var out []string
	for _, m := range history {
		if m.Role == transport.RoleSelf && m.Text != "" {
			out = append(out, m.Text)
		}
	}
	return out
}
