// Package transport defines the conversation transport the auto-mode core
// talks to. Each messaging platform (Telegram, WhatsApp, Discord) implements
// Transport so the scheduler can read history and send actions in a unified
// way.
package transport

import (
	"context"
	"fmt"
	"time"
)

// Role identifies who sent a message, from the account's point of view.
type Role string

const (
	RoleSelf        Role = "self"
	RoleCounterpart Role = "counterpart"
)

// MediaKind identifies non-text content attached to a message.
type MediaKind string

const (
	MediaNone     MediaKind = ""
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
	MediaSticker  MediaKind = "sticker"
)

// Reaction is an emoji reaction someone left on a message.
type Reaction struct {
	SenderID string
	Emoji    string
}

// Message is one message of a chat's history, oldest first in slices.
type Message struct {
	// ID is the message id used in commands (answer(id), react(id)).
	ID int64

	Role       Role
	SenderID   string
	SenderName string
	At         time.Time
	Text       string

	// ReplyTo is the id of the message this one answers, or 0.
	ReplyTo int64

	Media MediaKind

	// Sticker is the catalog codename of a sticker message, when known.
	Sticker string

	Reactions []Reaction
}

// ChatInfo describes a chat for prompt assembly.
type ChatInfo struct {
	Name    string
	IsGroup bool
}

// Transport is the conversation capability consumed by the scheduler. All
// methods must be safe for concurrent use and honour ctx deadlines.
type Transport interface {
	// Name returns the platform identifier (e.g. "telegram").
	Name() string

	// RecentMessages returns up to limit of the latest messages, oldest first.
	RecentMessages(ctx context.Context, chat int64, limit int) ([]Message, error)

	// SendText sends text, as a reply to replyTo when it is non-zero.
	SendText(ctx context.Context, chat int64, text string, replyTo int64) error

	// SendSticker sends the catalog sticker with the given codename.
	SendSticker(ctx context.Context, chat int64, codename string) error

	// SendReaction reacts to a message with an emoji.
	SendReaction(ctx context.Context, chat int64, messageID int64, emoji string) error

	// ChatInfo returns the chat's display name and kind.
	ChatInfo(ctx context.Context, chat int64) (ChatInfo, error)
}

// Indicator is implemented by transports that can show activity hints.
type Indicator interface {
	// Typing shows a "typing..." indicator.
	Typing(ctx context.Context, chat int64) error

	// ChoosingSticker shows a "choosing a sticker" indicator.
	ChoosingSticker(ctx context.Context, chat int64) error
}

// PresenceSetter is implemented by transports with an online status.
type PresenceSetter interface {
	SetOnline(ctx context.Context) error
}

// Limiter is implemented by transports with a message length ceiling.
type Limiter interface {
	MaxTextLength() int
}

// IsGroup reports whether a chat id denotes a multi-party conversation.
func IsGroup(chat int64) bool {
	return chat < 0
}

// Errors.
var (
	ErrDisconnected        = fmt.Errorf("transport is not connected")
	ErrUnknownChat         = fmt.Errorf("unknown chat")
	ErrUnknownMessage      = fmt.Errorf("unknown message")
	ErrStickerUnavailable  = fmt.Errorf("sticker not available")
	ErrReactionUnsupported = fmt.Errorf("reactions not supported")
)
