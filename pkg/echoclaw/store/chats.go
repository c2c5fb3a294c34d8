package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/persona"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/settings"
)

// ---------- Persona binding ----------

// BindPersona binds a persona to a chat. The persona must exist.
func (s *Store) BindPersona(ctx context.Context, chat int64, personaID string) error {
	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM personas WHERE id = ?", personaID).Scan(&exists); err != nil {
		return fmt.Errorf("check persona %s: %w", personaID, err)
	}
	if exists == 0 {
		return persona.ErrNotFound
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_bindings (chat_id, persona_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET persona_id = excluded.persona_id, updated_at = excluded.updated_at`,
		chat, personaID, time.Now())
	if err != nil {
		return fmt.Errorf("bind persona to chat %d: %w", chat, err)
	}
	return nil
}

// UnbindPersona removes the chat's persona binding.
func (s *Store) UnbindPersona(ctx context.Context, chat int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM chat_bindings WHERE chat_id = ?", chat)
	if err != nil {
		return fmt.Errorf("unbind chat %d: %w", chat, err)
	}
	return nil
}

// BoundPersona implements settings.Source.
func (s *Store) BoundPersona(ctx context.Context, chat int64) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, "SELECT persona_id FROM chat_bindings WHERE chat_id = ?", chat).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read binding of chat %d: %w", chat, err)
	}
	return id, nil
}

// ---------- Chat overrides ----------

// ChatOverrides implements settings.Source.
func (s *Store) ChatOverrides(ctx context.Context, chat int64, personaID string) (settings.Overrides, error) {
	return chatOverrides(ctx, s.db, chat, personaID)
}

func chatOverrides(ctx context.Context, q querier, chat int64, personaID string) (settings.Overrides, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		"SELECT overrides FROM chat_overrides WHERE chat_id = ? AND persona_id = ?", chat, personaID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read overrides of chat %d: %w", chat, err)
	}
	return decodeOverrides(raw)
}

// SaveSettings merges o into the chat-for-persona override bundle and, when
// alsoPersonaDefault is set, into the persona's defaults. Both writes happen
// in one transaction; an unknown persona with alsoPersonaDefault set leaves
// nothing written and returns persona.ErrNotFound.
func (s *Store) SaveSettings(ctx context.Context, chat int64, personaID string,
	o settings.Overrides, alsoPersonaDefault bool) error {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if alsoPersonaDefault {
		if err := mergePersonaDefaults(ctx, tx, personaID, o); err != nil {
			return err
		}
	}
	if err := mergeChatOverrides(ctx, tx, chat, personaID, o); err != nil {
		return err
	}
	return tx.Commit()
}

func mergeChatOverrides(ctx context.Context, tx querier, chat int64, personaID string, o settings.Overrides) error {
	current, err := chatOverrides(ctx, tx, chat, personaID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(merge(current, o))
	if err != nil {
		return fmt.Errorf("encode overrides: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_overrides (chat_id, persona_id, overrides, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id, persona_id) DO UPDATE SET overrides = excluded.overrides, updated_at = excluded.updated_at`,
		chat, personaID, string(raw), time.Now())
	if err != nil {
		return fmt.Errorf("save overrides of chat %d: %w", chat, err)
	}
	return nil
}

// ResetChatOverrides drops the chat-for-persona overrides, keeping the note.
func (s *Store) ResetChatOverrides(ctx context.Context, chat int64, personaID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE chat_overrides SET overrides = '{}', updated_at = ? WHERE chat_id = ? AND persona_id = ?",
		time.Now(), chat, personaID)
	if err != nil {
		return fmt.Errorf("reset overrides of chat %d: %w", chat, err)
	}
	return nil
}

// ChatNote returns the free-text context note for the chat and persona.
func (s *Store) ChatNote(ctx context.Context, chat int64, personaID string) (string, error) {
	var note string
	err := s.db.QueryRowContext(ctx,
		"SELECT note FROM chat_overrides WHERE chat_id = ? AND persona_id = ?", chat, personaID).Scan(&note)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read note of chat %d: %w", chat, err)
	}
	return note, nil
}

// SaveChatNote stores the free-text context note.
func (s *Store) SaveChatNote(ctx context.Context, chat int64, personaID, note string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_overrides (chat_id, persona_id, note, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id, persona_id) DO UPDATE SET note = excluded.note, updated_at = excluded.updated_at`,
		chat, personaID, note, time.Now())
	if err != nil {
		return fmt.Errorf("save note of chat %d: %w", chat, err)
	}
	return nil
}

// ---------- Chat directory ----------

// ChatID maps a platform address to a chat id, creating the entry on first
// sight. Group chats get negative ids.
func (s *Store) ChatID(ctx context.Context, transport, address string, isGroup bool, name string) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (transport, address, is_group, name) VALUES (?, ?, ?, ?)
		ON CONFLICT(transport, address) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END`,
		transport, address, boolToInt(isGroup), name)
	if err != nil {
		return 0, fmt.Errorf("register chat %s/%s: %w", transport, address, err)
	}
	var (
		id    int64
		group int
	)
	err = s.db.QueryRowContext(ctx,
		"SELECT id, is_group FROM chats WHERE transport = ? AND address = ?", transport, address).Scan(&id, &group)
	if err != nil {
		return 0, fmt.Errorf("read chat %s/%s: %w", transport, address, err)
	}
	if group == 1 {
		return -id, nil
	}
	return id, nil
}

// ChatEntry is a chat directory row.
type ChatEntry struct {
	ID      int64  `json:"id"`
	Address string `json:"address"`
	Name    string `json:"name"`
	IsGroup bool   `json:"is_group"`
}

// ChatAddress resolves a chat id back to its platform address.
func (s *Store) ChatAddress(ctx context.Context, transport string, chat int64) (ChatEntry, error) {
	id := chat
	if id < 0 {
		id = -id
	}
	e := ChatEntry{ID: chat}
	var group int
	err := s.db.QueryRowContext(ctx,
		"SELECT address, name, is_group FROM chats WHERE transport = ? AND id = ?", transport, id).
		Scan(&e.Address, &e.Name, &group)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatEntry{}, ErrNotFound
	}
	if err != nil {
		return ChatEntry{}, fmt.Errorf("resolve chat %d: %w", chat, err)
	}
	e.IsGroup = group == 1
	if e.IsGroup != (chat < 0) {
		return ChatEntry{}, ErrNotFound
	}
	return e, nil
}

// ListChats returns the known chats of a transport.
func (s *Store) ListChats(ctx context.Context, transport string) ([]ChatEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, address, name, is_group FROM chats WHERE transport = ? ORDER BY id", transport)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []ChatEntry
	for rows.Next() {
		var (
			e     ChatEntry
			group int
		)
		if err := rows.Scan(&e.ID, &e.Address, &e.Name, &group); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		e.IsGroup = group == 1
		if e.IsGroup {
			e.ID = -e.ID
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
