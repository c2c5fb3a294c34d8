package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"
)

// ---------- Message history log ----------
//
// Platforms whose APIs cannot page back through a chat (Telegram bots,
// WhatsApp) record every message they see here. The row id doubles as the
// message id the model uses in answer(id) and react(id).

// AppendMessage records a message and returns its local id. Recording the
// same native id twice returns the existing id.
func (s *Store) AppendMessage(ctx context.Context, tr string, chat int64, nativeID string, m transport.Message) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(transport, chat_id, native_id, role, sender_id, sender_name, at, text, reply_to, media, sticker)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr, chat, nativeID, string(m.Role), m.SenderID, m.SenderName, m.At, m.Text, m.ReplyTo, string(m.Media), m.Sticker)
	if err != nil {
		return 0, fmt.Errorf("append message %s: %w", nativeID, err)
	}
	return s.MessageID(ctx, tr, chat, nativeID)
}

// MessageID maps a platform message id to the local id.
func (s *Store) MessageID(ctx context.Context, tr string, chat int64, nativeID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM messages WHERE transport = ? AND chat_id = ? AND native_id = ?", tr, chat, nativeID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup message %s: %w", nativeID, err)
	}
	return id, nil
}

// MessageRef is what a transport needs to address a logged message.
type MessageRef struct {
	NativeID string
	SenderID string
	Role     transport.Role
	Text     string
}

// NativeMessage resolves a local message id within a chat.
func (s *Store) NativeMessage(ctx context.Context, tr string, chat, id int64) (MessageRef, error) {
	var (
		ref  MessageRef
		role string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT native_id, sender_id, role, text FROM messages WHERE transport = ? AND chat_id = ? AND id = ?",
		tr, chat, id).Scan(&ref.NativeID, &ref.SenderID, &role, &ref.Text)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRef{}, ErrNotFound
	}
	if err != nil {
		return MessageRef{}, fmt.Errorf("resolve message %d: %w", id, err)
	}
	ref.Role = transport.Role(role)
	return ref, nil
}

// SetReaction records a reaction by sender on a logged message. An empty
// emoji removes the sender's reaction.
func (s *Store) SetReaction(ctx context.Context, messageID int64, senderID, emoji string) error {
	var err error
	if emoji == "" {
		_, err = s.db.ExecContext(ctx,
			"DELETE FROM message_reactions WHERE message_id = ? AND sender_id = ?", messageID, senderID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO message_reactions (message_id, sender_id, emoji) VALUES (?, ?, ?)
			ON CONFLICT(message_id, sender_id) DO UPDATE SET emoji = excluded.emoji`,
			messageID, senderID, emoji)
	}
	if err != nil {
		return fmt.Errorf("set reaction on %d: %w", messageID, err)
	}
	return nil
}

// RecentMessages returns up to limit of the latest logged messages of a
// chat, oldest first, with their reactions.
func (s *Store) RecentMessages(ctx context.Context, tr string, chat int64, limit int) ([]transport.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, sender_id, sender_name, at, text, reply_to, media, sticker FROM (
			SELECT * FROM messages WHERE transport = ? AND chat_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`, tr, chat, limit)
	if err != nil {
		return nil, fmt.Errorf("load history of chat %d: %w", chat, err)
	}

	var (
		out   []transport.Message
		index = make(map[int64]int)
	)
	for rows.Next() {
		var (
			m           transport.Message
			role, media string
		)
		if err := rows.Scan(&m.ID, &role, &m.SenderID, &m.SenderName, &m.At, &m.Text, &m.ReplyTo, &media, &m.Sticker); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = transport.Role(role)
		m.Media = transport.MediaKind(media)
		index[m.ID] = len(out)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(out) == 0 {
		return out, nil
	}

	rrows, err := s.db.QueryContext(ctx,
		"SELECT message_id, sender_id, emoji FROM message_reactions WHERE message_id >= ? AND message_id <= ? ORDER BY sender_id",
		out[0].ID, out[len(out)-1].ID)
	if err != nil {
		return nil, fmt.Errorf("load reactions of chat %d: %w", chat, err)
	}
	defer rrows.Close()
	for rrows.Next() {
		var (
			id int64
			r  transport.Reaction
		)
		if err := rrows.Scan(&id, &r.SenderID, &r.Emoji); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		if i, ok := index[id]; ok {
			out[i].Reactions = append(out[i].Reactions, r)
		}
	}
	return out, rrows.Err()
}
