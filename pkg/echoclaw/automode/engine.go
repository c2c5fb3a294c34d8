// Package automode runs the per-chat autonomous reply loop: it watches a
// chat for new inbound messages, debounces bursts, generates a reply in the
// bound persona's voice and delivers it with human-like pacing.
package automode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/compose"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/llm"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/memory"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/metrics"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/persona"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/prompt"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/settings"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/store"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
)

// DefaultTransportTimeout bounds every transport call.
const DefaultTransportTimeout = 30 * time.Second

var (
	// ErrNoPersona means no persona is bound to the chat, or the bound
	// persona no longer exists.
	ErrNoPersona = errors.New("automode: no persona bound to chat")

	// ErrHistory wraps a failed history fetch.
	ErrHistory = errors.New("automode: history unavailable")

	// ErrInterrupted means a stop request cut a send batch short.
	ErrInterrupted = errors.New("automode: interrupted")
)

// SettingsResolver computes the effective settings of a chat.
type SettingsResolver interface {
	Resolve(ctx context.Context, chat int64) (settings.Settings, string, error)
}

// ChatData gives access to per-chat prompt material.
type ChatData interface {
	ChatNote(ctx context.Context, chat int64, personaID string) (string, error)
	StickersForPacks(ctx context.Context, packs []string) ([]store.Sticker, error)
}

// Deps are the collaborators shared by every worker.
type Deps struct {
	Settings  SettingsResolver
	Personas  persona.Repository
	Chats     ChatData
	Transport transport.Transport
	Generator llm.Generator
	Composer  *compose.Composer
	Memory    *memory.Tracker
	Logger    *slog.Logger

	// TransportTimeout bounds each transport call. Zero selects
	// DefaultTransportTimeout.
	TransportTimeout time.Duration
}

// Engine holds the generation and delivery pipeline. Workers and the
// operator surface share one engine.
type Engine struct {
	settings SettingsResolver
	personas persona.Repository
	chats    ChatData
	tr       transport.Transport
	gen      llm.Generator
	composer *compose.Composer
	memory   *memory.Tracker
	logger   *slog.Logger
	timeout  time.Duration

	now   func() time.Time
	sleep sleepFunc
	seed  func() int64
}

// NewEngine creates an engine.
func NewEngine(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := d.TransportTimeout
	if timeout <= 0 {
		timeout = DefaultTransportTimeout
	}
	composer := d.Composer
	if composer == nil {
		composer = compose.New(nil, nil)
	}
	tracker := d.Memory
	if tracker == nil {
		tracker = memory.NewTracker(d.Personas, d.Generator, logger)
	}
	return &Engine{
		settings: d.Settings,
		personas: d.Personas,
		chats:    d.Chats,
		tr:       d.Transport,
		gen:      d.Generator,
		composer: composer,
		memory:   tracker,
		logger:   logger.With("component", "automode"),
		timeout:  timeout,
		now:      time.Now,
		sleep:    sleep,
		seed:     func() int64 { return time.Now().UnixNano() },
	}
}

// Memory returns the engine's memory tracker.
func (e *Engine) Memory() *memory.Tracker { return e.memory }

// NewWorker is the registry factory.
func (e *Engine) NewWorker(rec *Record) (Runner, error) {
	return newWorker(e, rec, rand.New(rand.NewSource(e.seed()))), nil
}

// Turn is the per-cycle context of a chat: its settings and persona.
type Turn struct {
	Chat     int64
	Settings settings.Settings
	Persona  *persona.Persona
}

// Prepare resolves settings and loads the bound persona. It returns
// ErrNoPersona (with the resolved settings) when none is usable.
func (e *Engine) Prepare(ctx context.Context, chat int64) (Turn, error) {
	s, personaID, err := e.settings.Resolve(ctx, chat)
	if err != nil {
		return Turn{}, fmt.Errorf("resolving settings: %w", err)
	}
	turn := Turn{Chat: chat, Settings: s}
	if personaID == "" {
		return turn, ErrNoPersona
	}
	p, err := e.personas.GetPersona(ctx, personaID)
	if errors.Is(err, persona.ErrNotFound) {
		return turn, fmt.Errorf("%w: persona %s is missing", ErrNoPersona, personaID)
	}
	if err != nil {
		return turn, fmt.Errorf("loading persona %s: %w", personaID, err)
	}
	turn.Persona = p
	return turn, nil
}

// Draft is a generated, not yet composed reply.
type Draft struct {
	Text     string
	Chat     transport.ChatInfo
	History  []transport.Message
	Stickers []string // enabled codenames
}

// Draft fetches the history window, assembles the prompt and generates a
// reply. nudge appends the silence reminder to the system prompt.
func (e *Engine) Draft(ctx context.Context, turn Turn, nudge bool) (*Draft, error) {
	s := turn.Settings
	info := e.chatInfo(ctx, turn.Chat)

	history, err := e.recent(ctx, turn.Chat, s.NumMessagesToFetch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHistory, err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: chat is empty", ErrHistory)
	}

	note, err := e.chats.ChatNote(ctx, turn.Chat, turn.Persona.ID)
	if err != nil {
		e.logger.Warn("automode: chat note unavailable", "chat", turn.Chat, "error", err)
	}
	stickers := e.Stickers(ctx, turn)
	lines := make([]string, 0, len(stickers))
	codenames := make([]string, 0, len(stickers))
	for _, st := range stickers {
		lines = append(lines, st.Line())
		codenames = append(codenames, st.Codename)
	}

	system := prompt.System(prompt.Context{
		Persona:  turn.Persona,
		Chat:     info,
		Note:     note,
		Stickers: lines,
		Nudge:    nudge,
	}, s)

	start := e.now()
	text, err := e.gen.Generate(ctx, llm.Request{
		Model:       s.ModelName,
		System:      system,
		History:     prompt.History(history, info.IsGroup, s),
		Temperature: s.Temperature,
		MaxTokens:   s.MaxOutputTokens,
	})
	metrics.GenerationDuration.WithLabelValues("reply").Observe(e.now().Sub(start).Seconds())
	if err != nil {
		return nil, err
	}
	return &Draft{Text: text, Chat: info, History: history, Stickers: codenames}, nil
}

// Stickers returns the catalog stickers the turn's persona may send, or
// nil when stickers are disabled.
func (e *Engine) Stickers(ctx context.Context, turn Turn) []store.Sticker {
	if turn.Persona == nil || !turn.Settings.EnableStickers || len(turn.Persona.StickerPacks) == 0 {
		return nil
	}
	stickers, err := e.chats.StickersForPacks(ctx, turn.Persona.StickerPacks)
	if err != nil {
		e.logger.Warn("automode: sticker catalog unavailable", "persona", turn.Persona.ID, "error", err)
	}
	return stickers
}

// Checkpoint runs the memory anchor rule for a drafted turn.
func (e *Engine) Checkpoint(ctx context.Context, turn Turn, d *Draft, anchor *memory.Anchor) memory.Outcome {
	start := e.now()
	out, err := e.memory.MaybeCheckpoint(ctx, turn.Persona, d.Chat, d.History, anchor, turn.Settings)
	if out == memory.OutcomeCheckpointed || out == memory.OutcomeFailed {
		metrics.GenerationDuration.WithLabelValues("memory").Observe(e.now().Sub(start).Seconds())
	}
	metrics.MemoryCheckpoints.WithLabelValues(out.String()).Inc()
	if err != nil {
		e.logger.Warn("automode: memory checkpoint failed", "chat", turn.Chat, "persona", turn.Persona.ID, "error", err)
	}
	return out
}

// Compose turns text into send actions.
func (e *Engine) Compose(text string, s settings.Settings, stickers []string) ([]compose.Action, error) {
	return e.composer.Compose(text, s, stickers)
}

// ChatInfo returns the chat's display info, falling back to the sign of
// the chat id when the transport cannot tell.
func (e *Engine) ChatInfo(ctx context.Context, chat int64) transport.ChatInfo {
	return e.chatInfo(ctx, chat)
}

func (e *Engine) chatInfo(ctx context.Context, chat int64) transport.ChatInfo {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	info, err := e.tr.ChatInfo(cctx, chat)
	if err != nil {
		e.logger.Debug("automode: chat info unavailable", "chat", chat, "error", err)
		return transport.ChatInfo{IsGroup: transport.IsGroup(chat)}
	}
	return info
}

// Recent fetches the latest limit messages with the transport timeout.
func (e *Engine) Recent(ctx context.Context, chat int64, limit int) ([]transport.Message, error) {
	return e.recent(ctx, chat, limit)
}

func (e *Engine) recent(ctx context.Context, chat int64, limit int) ([]transport.Message, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.tr.RecentMessages(cctx, chat, limit)
}
