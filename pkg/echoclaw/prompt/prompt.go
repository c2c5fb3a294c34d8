// Package prompt assembles what the model sees: the layered system prompt
// built from the persona and the chat, and the role-tagged history.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/persona"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/settings"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
)

// Layer orders the sections of the system prompt. Lower comes first.
type Layer int

const (
	LayerChat        Layer = 0  // "This is a chat with ..."
	LayerPersonality Layer = 10 // persona description
	LayerMemory      Layer = 20 // long-term memory log
	LayerCommands    Layer = 30 // command syntax and sticker list
	LayerNote        Layer = 40 // per-chat context note
	LayerNudge       Layer = 50 // silence reminder
)

type layerEntry struct {
	layer   Layer
	content string
}

// Context is everything the system prompt is built from besides settings.
type Context struct {
	Persona  *persona.Persona
	Chat     transport.ChatInfo
	Note     string
	Stickers []string // catalog lines, "codename - description"
	Nudge    bool
}

// System builds the system prompt.
func System(c Context, s settings.Settings) string {
	layers := make([]layerEntry, 0, 6)

	if s.AddChatNamePrefix && c.Chat.Name != "" {
		layers = append(layers, layerEntry{LayerChat, chatPrefix(c.Chat)})
	}
	if c.Persona != nil {
		if p := strings.TrimSpace(c.Persona.Personality); p != "" {
			layers = append(layers, layerEntry{LayerPersonality, p})
		}
		layers = append(layers, layerEntry{LayerMemory, "### Character memory\n" + c.Persona.MemoryText()})

		commands := c.Persona.CommandPrompt
		if strings.TrimSpace(commands) == "" {
			commands = persona.DefaultCommandPrompt
		}
		stickers := c.Stickers
		if !s.EnableStickers {
			stickers = nil
		}
		layers = append(layers, layerEntry{LayerCommands,
			"### System instructions and commands\n" + WithStickers(commands, stickers)})
	}
	if note := strings.TrimSpace(c.Note); note != "" {
		layers = append(layers, layerEntry{LayerNote, "### About this chat\n" + note})
	}
	if c.Nudge && strings.TrimSpace(s.NoReplySuffix) != "" {
		layers = append(layers, layerEntry{LayerNudge, s.NoReplySuffix})
	}

	sort.SliceStable(layers, func(i, j int) bool { return layers[i].layer < layers[j].layer })
	parts := make([]string, 0, len(layers))
	for _, l := range layers {
		parts = append(parts, strings.TrimSpace(l.content))
	}
	return strings.Join(parts, "\n\n")
}

func chatPrefix(c transport.ChatInfo) string {
	if c.IsGroup {
		return fmt.Sprintf("This is a chat in group '%s'.", c.Name)
	}
	return fmt.Sprintf("This is a chat with '%s'.", c.Name)
}

// WithStickers puts the sticker listing after the catalog marker of the
// command instructions, replacing whatever followed it. Without a marker the
// listing is appended.
func WithStickers(commands string, lines []string) string {
	listing := "(none)"
	if len(lines) > 0 {
		listing = strings.Join(lines, "\n")
	}
	if i := strings.Index(commands, persona.StickerMarker); i >= 0 {
		return commands[:i+len(persona.StickerMarker)] + "\n" + listing
	}
	return strings.TrimRight(commands, "\n") + "\n\n" + persona.StickerMarker + "\n" + listing
}
