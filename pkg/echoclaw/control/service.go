// Package control is the operator surface over auto-mode: worker lifecycle,
// settings, personas and manual generation. NewRouter exposes it over HTTP.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/automode"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/compose"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/persona"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/settings"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/store"
)

var (
	// ErrInvalidSettings wraps rejected override keys.
	ErrInvalidSettings = errors.New("invalid settings")

	// ErrInvalidPersona wraps persona validation failures.
	ErrInvalidPersona = errors.New("invalid persona")
)

// Store is the persistence the service writes to.
type Store interface {
	settings.Source

	BindPersona(ctx context.Context, chat int64, personaID string) error
	SaveSettings(ctx context.Context, chat int64, personaID string, o settings.Overrides, alsoPersonaDefault bool) error
	ResetChatOverrides(ctx context.Context, chat int64, personaID string) error
	ChatNote(ctx context.Context, chat int64, personaID string) (string, error)
	SaveChatNote(ctx context.Context, chat int64, personaID, note string) error

	CreatePersona(ctx context.Context, p *persona.Persona) error
	UpdatePersona(ctx context.Context, p *persona.Persona) error
	GetPersona(ctx context.Context, id string) (*persona.Persona, error)
	ListPersonas(ctx context.Context) ([]store.PersonaSummary, error)
}

// Deps are the service's collaborators.
type Deps struct {
	Engine   *automode.Engine
	Registry *automode.Registry
	Resolver *settings.Resolver
	Store    Store
	Logger   *slog.Logger
}

// Service implements the operator operations. The auto-mode calls are thin
// delegations to the registry and resolver.
type Service struct {
	engine   *automode.Engine
	registry *automode.Registry
	resolver *settings.Resolver
	store    Store
	logger   *slog.Logger
}

// New creates a service.
func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:   d.Engine,
		registry: d.Registry,
		resolver: d.Resolver,
		store:    d.Store,
		logger:   logger.With("component", "control"),
	}
}

// ---------- Auto-mode ----------

// StartAutoMode starts chat's worker. started is false when one was
// already running.
func (s *Service) StartAutoMode(chat int64) (info automode.Info, started bool, err error) {
	started, err = s.registry.Start(chat)
	return s.registry.Info(chat), started, err
}

// StopAutoMode requests chat's worker to stop.
func (s *Service) StopAutoMode(chat int64) (automode.Info, bool) {
	signalled := s.registry.Stop(chat)
	return s.registry.Info(chat), signalled
}

// AutoModeStatus returns chat's status and last error.
func (s *Service) AutoModeStatus(chat int64) automode.Info {
	return s.registry.Info(chat)
}

// ListAutoMode returns every registry entry.
func (s *Service) ListAutoMode() []automode.Info {
	return s.registry.List()
}

// ---------- Settings ----------

// SettingsView is the effective settings of a chat with the layers it was
// built from.
type SettingsView struct {
	Chat            int64              `json:"chat"`
	Persona         string             `json:"persona,omitempty"`
	Effective       settings.Overrides `json:"effective"`
	PersonaDefaults settings.Overrides `json:"persona_defaults,omitempty"`
	ChatOverrides   settings.Overrides `json:"chat_overrides,omitempty"`
	Note            string             `json:"note,omitempty"`
}

// ResolveSettings returns the effective settings for chat under personaID,
// or under the bound persona when personaID is empty.
func (s *Service) ResolveSettings(ctx context.Context, chat int64, personaID string) (SettingsView, error) {
	if personaID == "" {
		bound, err := s.store.BoundPersona(ctx, chat)
		if err != nil {
			return SettingsView{}, err
		}
		personaID = bound
	}
	eff, err := s.resolver.ResolveFor(ctx, chat, personaID)
	if err != nil {
		return SettingsView{}, err
	}
	view := SettingsView{Chat: chat, Persona: personaID, Effective: eff.Map()}
	if personaID == "" {
		return view, nil
	}
	if view.PersonaDefaults, err = s.store.PersonaDefaults(ctx, personaID); err != nil {
		return SettingsView{}, err
	}
	if view.ChatOverrides, err = s.store.ChatOverrides(ctx, chat, personaID); err != nil {
		return SettingsView{}, err
	}
	if view.Note, err = s.store.ChatNote(ctx, chat, personaID); err != nil {
		return SettingsView{}, err
	}
	return view, nil
}

// SaveSettings stores overrides for chat under personaID and, when
// alsoPersonaDefault is set, into the persona's defaults too. Unknown keys
// or ill-typed values reject the whole request.
func (s *Service) SaveSettings(ctx context.Context, chat int64, personaID string,
	overrides settings.Overrides, alsoPersonaDefault bool) (SettingsView, error) {

	personaID, err := s.persona(ctx, chat, personaID)
	if err != nil {
		return SettingsView{}, err
	}
	clean, rejected := settings.Sanitize(overrides)
	if len(rejected) > 0 {
		return SettingsView{}, fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(rejected, ", "))
	}
	if err := s.store.SaveSettings(ctx, chat, personaID, clean, alsoPersonaDefault); err != nil {
		return SettingsView{}, err
	}
	s.logger.Info("control: settings saved",
		"chat", chat, "persona", personaID, "keys", len(clean), "persona_default", alsoPersonaDefault)
	return s.ResolveSettings(ctx, chat, personaID)
}

// ResetSettings drops chat's overrides for the persona.
func (s *Service) ResetSettings(ctx context.Context, chat int64, personaID string) error {
	personaID, err := s.persona(ctx, chat, personaID)
	if err != nil {
		return err
	}
	if err := s.store.ResetChatOverrides(ctx, chat, personaID); err != nil {
		return err
	}
	s.logger.Info("control: settings reset", "chat", chat, "persona", personaID)
	return nil
}

// BindPersona makes personaID the chat's persona.
func (s *Service) BindPersona(ctx context.Context, chat int64, personaID string) error {
	if err := s.store.BindPersona(ctx, chat, personaID); err != nil {
		return err
	}
	s.logger.Info("control: persona bound", "chat", chat, "persona", personaID)
	return nil
}

// SaveChatNote stores the free-text note used in chat's system prompt.
func (s *Service) SaveChatNote(ctx context.Context, chat int64, personaID, note string) error {
	personaID, err := s.persona(ctx, chat, personaID)
	if err != nil {
		return err
	}
	return s.store.SaveChatNote(ctx, chat, personaID, strings.TrimSpace(note))
}

// persona returns personaID or, when empty, the chat's bound persona.
func (s *Service) persona(ctx context.Context, chat int64, personaID string) (string, error) {
	if personaID != "" {
		return personaID, nil
	}
	bound, err := s.store.BoundPersona(ctx, chat)
	if err != nil {
		return "", err
	}
	if bound == "" {
		return "", automode.ErrNoPersona
	}
	return bound, nil
}

// ---------- Personas ----------

// PersonaInput carries persona fields. Nil fields are left unchanged on
// update and defaulted on create.
type PersonaInput struct {
	Name               *string                `json:"name,omitempty"`
	Personality        *string                `json:"personality,omitempty"`
	CommandPrompt      *string                `json:"command_prompt,omitempty"`
	MemoryUpdatePrompt *string                `json:"memory_update_prompt,omitempty"`
	StickerPacks       *[]string              `json:"sticker_packs,omitempty"`
	Memory             *[]persona.MemoryEntry `json:"memory,omitempty"`
	Defaults           settings.Overrides     `json:"defaults,omitempty"`
}

func (in PersonaInput) apply(p *persona.Persona) error {
	if in.Name != nil {
		p.Name = strings.TrimSpace(*in.Name)
	}
	if in.Personality != nil {
		p.Personality = *in.Personality
	}
	if in.CommandPrompt != nil {
		p.CommandPrompt = *in.CommandPrompt
	}
	if in.MemoryUpdatePrompt != nil {
		p.MemoryUpdatePrompt = *in.MemoryUpdatePrompt
	}
	if in.StickerPacks != nil {
		p.StickerPacks = append([]string(nil), (*in.StickerPacks)...)
	}
	if in.Memory != nil {
		p.Memory = append([]persona.MemoryEntry(nil), (*in.Memory)...)
	}
	if in.Defaults != nil {
		clean, rejected := settings.Sanitize(in.Defaults)
		if len(rejected) > 0 {
			return fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(rejected, ", "))
		}
		p.Defaults = clean
	}
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPersona)
	}
	return nil
}

// CreatePersona creates a persona with default instructions for the
// fields not given.
func (s *Service) CreatePersona(ctx context.Context, in PersonaInput) (*persona.Persona, error) {
	p := persona.New("", "")
	if err := in.apply(p); err != nil {
		return nil, err
	}
	if err := s.store.CreatePersona(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("control: persona created", "persona", p.ID, "name", p.Name)
	return p, nil
}

// UpdatePersona applies in to the stored persona.
func (s *Service) UpdatePersona(ctx context.Context, id string, in PersonaInput) (*persona.Persona, error) {
	p, err := s.store.GetPersona(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := in.apply(p); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePersona(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("control: persona updated", "persona", p.ID)
	return p, nil
}

// GetPersona returns one persona.
func (s *Service) GetPersona(ctx context.Context, id string) (*persona.Persona, error) {
	return s.store.GetPersona(ctx, id)
}

// ListPersonas lists personas.
func (s *Service) ListPersonas(ctx context.Context) ([]store.PersonaSummary, error) {
	return s.store.ListPersonas(ctx)
}

// ---------- Manual generation ----------

// UpdateMemory summarizes chat's recent history into the bound persona's
// memory now, regardless of the anchor.
func (s *Service) UpdateMemory(ctx context.Context, chat int64) (persona.MemoryEntry, error) {
	turn, err := s.engine.Prepare(ctx, chat)
	if err != nil {
		return persona.MemoryEntry{}, err
	}
	history, err := s.engine.Recent(ctx, chat, turn.Settings.NumMessagesToFetch)
	if err != nil {
		return persona.MemoryEntry{}, fmt.Errorf("%w: %w", automode.ErrHistory, err)
	}
	if len(history) == 0 {
		return persona.MemoryEntry{}, fmt.Errorf("%w: chat is empty", automode.ErrHistory)
	}
	info := s.engine.ChatInfo(ctx, chat)
	entry, err := s.engine.Memory().Checkpoint(ctx, turn.Persona, info, history, turn.Settings)
	if err != nil {
		return persona.MemoryEntry{}, err
	}
	s.logger.Info("control: memory updated", "chat", chat, "persona", turn.Persona.ID)
	return entry, nil
}

// Draft is a generated reply that was not sent.
type Draft struct {
	Text    string       `json:"text"`
	Actions []ActionView `json:"actions"`
}

// ActionView is the JSON form of a compose action.
type ActionView struct {
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	ReplyTo   int64  `json:"reply_to,omitempty"`
	Sticker   string `json:"sticker,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

func viewActions(actions []compose.Action) []ActionView {
	out := make([]ActionView, 0, len(actions))
	for _, a := range actions {
		out = append(out, ActionView{
			Kind:      a.Kind.String(),
			Text:      a.Text,
			ReplyTo:   a.ReplyTo,
			Sticker:   a.Sticker,
			MessageID: a.MessageID,
			Emoji:     a.Emoji,
		})
	}
	return out
}

// Generate drafts a reply for chat in the bound persona's voice and
// returns it with the actions it would produce. Nothing is sent.
func (s *Service) Generate(ctx context.Context, chat int64) (Draft, error) {
	turn, err := s.engine.Prepare(ctx, chat)
	if err != nil {
		return Draft{}, err
	}
	d, err := s.engine.Draft(ctx, turn, false)
	if err != nil {
		return Draft{}, err
	}
	actions, err := s.engine.Compose(d.Text, turn.Settings, d.Stickers)
	if err != nil && !errors.Is(err, compose.ErrNothingToSend) {
		return Draft{}, err
	}
	return Draft{Text: d.Text, Actions: viewActions(actions)}, nil
}

// Send composes text as if it were generated and delivers it with the
// worker's pacing. Without a bound persona the global settings apply and
// no stickers are recognised.
func (s *Service) Send(ctx context.Context, chat int64, text string) (automode.Result, error) {
	turn, err := s.engine.Prepare(ctx, chat)
	if err != nil && !errors.Is(err, automode.ErrNoPersona) {
		return automode.Result{}, err
	}

	var codenames []string
	for _, st := range s.engine.Stickers(ctx, turn) {
		codenames = append(codenames, st.Codename)
	}
	actions, err := s.engine.Compose(text, turn.Settings, codenames)
	if err != nil {
		return automode.Result{}, err
	}
	res, err := s.engine.Execute(ctx, nil, chat, actions, turn.Settings, nil)
	s.logger.Info("control: manual send", "chat", chat, "sent", res.Sent, "skipped", res.Skipped, "error", err)
	return res, err
}
