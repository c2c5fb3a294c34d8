// Package persona defines the AI identities bound to chats: personality,
// long-term memory log, command instructions and sticker enablement.
package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/settings"
)

// ErrNotFound is returned when a persona does not exist.
var ErrNotFound = errors.New("persona not found")

// StickerMarker is the line in the command instructions that the sticker
// catalog listing is inserted after.
const StickerMarker = "Available stickers:"

// DefaultCommandPrompt describes the command syntax the model may emit.
const DefaultCommandPrompt = `You are chatting in a messenger. Reply like a real person would.
Messages from others are prefixed with (ID: n). Use these ids in commands.

Commands you may use anywhere in your reply:
- {split} separates consecutive messages. Use it instead of one long message.
- answer(ID) makes the message a reply to message ID. Use it sparingly.
- react(ID)[emoji] puts an emoji reaction on message ID.
- sticker(codename) sends a sticker from the list below.

Never write the (ID: n) tags, timestamps or <nick:...> tags yourself.

` + StickerMarker

// DefaultMemoryUpdatePrompt summarizes a conversation into one memory entry.
// Placeholders: {character_personality}, {character_past_memory},
// {chat_name}, {chat_type}.
const DefaultMemoryUpdatePrompt = `You are the following character:
{character_personality}

Your memory so far:
{character_past_memory}

Below is your recent conversation ({chat_type} "{chat_name}").
Write one or two sentences in the first person about what happened in it that
is worth remembering: facts about people, promises, mood, plans.
Write only the summary, no preface.`

// MemoryEntry is one timestamped line of the memory log.
type MemoryEntry struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Persona is a configured AI identity.
type Persona struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	Personality        string             `json:"personality"`
	Memory             []MemoryEntry      `json:"memory"`
	CommandPrompt      string             `json:"command_prompt"`
	MemoryUpdatePrompt string             `json:"memory_update_prompt"`
	StickerPacks       []string           `json:"sticker_packs"`
	Defaults           settings.Overrides `json:"defaults,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// New creates a persona with a fresh id and the default instructions.
func New(name, personality string) *Persona {
	now := time.Now()
	return &Persona{
		ID:                 uuid.NewString(),
		Name:               name,
		Personality:        personality,
		CommandPrompt:      DefaultCommandPrompt,
		MemoryUpdatePrompt: DefaultMemoryUpdatePrompt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// MemoryText renders the memory log as a bullet list, oldest first.
func (p *Persona) MemoryText() string {
	if len(p.Memory) == 0 {
		return ""
	}
	var b strings.Builder
	for i, e := range p.Memory {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(e.Text)
	}
	return b.String()
}

// MemoryPrompt fills the persona's memory-update template.
func (p *Persona) MemoryPrompt(chatName string, isGroup bool) string {
	tmpl := p.MemoryUpdatePrompt
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultMemoryUpdatePrompt
	}
	memory := p.MemoryText()
	if memory == "" {
		memory = "(empty)"
	}
	return strings.NewReplacer(
		"{character_personality}", p.Personality,
		"{character_past_memory}", memory,
		"{chat_name}", chatName,
		"{chat_type}", chatType(isGroup),
	).Replace(tmpl)
}

// NewMemoryEntry formats a summary as a memory log entry.
func NewMemoryEntry(at time.Time, chatName string, isGroup bool, summary string) MemoryEntry {
	where := "conversation with"
	if isGroup {
		where = "conversation in group"
	}
	return MemoryEntry{
		At:   at,
		Text: fmt.Sprintf("%s, %s %s: %s", at.Format("2006-01-02"), where, chatName, strings.TrimSpace(summary)),
	}
}

func chatType(isGroup bool) string {
	if isGroup {
		return "group chat"
	}
	return "private chat"
}

// Repository persists personas.
type Repository interface {
	GetPersona(ctx context.Context, id string) (*Persona, error)
	AppendMemory(ctx context.Context, id string, entry MemoryEntry) error
}
