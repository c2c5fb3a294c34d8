package settings

import (
	"context"
	"fmt"
	"log/slog"
)

// Source reads the persisted layers. Missing records are reported as empty
// values with a nil error.
type Source interface {
	// BoundPersona returns the persona bound to the chat, or "".
	BoundPersona(ctx context.Context, chat int64) (string, error)

	// PersonaDefaults returns the persona's default advanced settings.
	PersonaDefaults(ctx context.Context, personaID string) (Overrides, error)

	// ChatOverrides returns the chat-specific overrides for the persona.
	ChatOverrides(ctx context.Context, chat int64, personaID string) (Overrides, error)
}

// Resolver computes Effective Settings from a Source. It holds no cache:
// every call reads the layers again.
type Resolver struct {
	source Source
	global Overrides
	logger *slog.Logger
}

// NewResolver creates a resolver. global is the operator's configured
// overlay on top of Defaults() and may be nil.
func NewResolver(source Source, global Overrides, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		source: source,
		global: global.Clone(),
		logger: logger.With("component", "settings"),
	}
}

// Global returns the global layer: defaults plus the configured overlay.
func (r *Resolver) Global() Settings {
	s := Defaults()
	if rejected := Apply(&s, r.global); len(rejected) > 0 {
		r.logger.Warn("settings: ignoring invalid global keys", "keys", rejected)
	}
	return s
}

// Resolve returns the effective settings for the chat and the persona bound
// to it ("" when none is bound).
func (r *Resolver) Resolve(ctx context.Context, chat int64) (Settings, string, error) {
	personaID, err := r.source.BoundPersona(ctx, chat)
	if err != nil {
		return Settings{}, "", fmt.Errorf("reading persona binding for chat %d: %w", chat, err)
	}
	s, err := r.ResolveFor(ctx, chat, personaID)
	return s, personaID, err
}

// ResolveFor returns the effective settings for an explicit chat/persona
// pair. An empty personaID yields the global layer.
func (r *Resolver) ResolveFor(ctx context.Context, chat int64, personaID string) (Settings, error) {
	s := r.Global()
	if personaID == "" {
		return s, nil
	}

	personaLayer, err := r.source.PersonaDefaults(ctx, personaID)
	if err != nil {
		return Settings{}, fmt.Errorf("reading persona %s defaults: %w", personaID, err)
	}
	chatLayer, err := r.source.ChatOverrides(ctx, chat, personaID)
	if err != nil {
		return Settings{}, fmt.Errorf("reading chat %d overrides: %w", chat, err)
	}

	if rejected := Apply(&s, personaLayer); len(rejected) > 0 {
		r.logger.Debug("settings: ignored persona keys", "persona", personaID, "keys", rejected)
	}
	if rejected := Apply(&s, chatLayer); len(rejected) > 0 {
		r.logger.Debug("settings: ignored chat keys", "chat", chat, "persona", personaID, "keys", rejected)
	}
	return s, nil
}
