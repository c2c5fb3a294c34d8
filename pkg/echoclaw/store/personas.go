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

// CreatePersona inserts a new persona with its memory log.
func (s *Store) CreatePersona(ctx context.Context, p *persona.Persona) error {
	packs, defaults, err := encodePersona(p)
	if err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = p.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO personas (id, name, personality, command_prompt, memory_update_prompt,
			sticker_packs, defaults, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Personality, p.CommandPrompt, p.MemoryUpdatePrompt,
		packs, defaults, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert persona %s: %w", p.ID, err)
	}
	if err := insertMemory(ctx, tx, p.ID, p.Memory); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdatePersona replaces a persona's fields and memory log.
func (s *Store) UpdatePersona(ctx context.Context, p *persona.Persona) error {
	packs, defaults, err := encodePersona(p)
	if err != nil {
		return err
	}
	p.UpdatedAt = time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE personas SET name = ?, personality = ?, command_prompt = ?, memory_update_prompt = ?,
			sticker_packs = ?, defaults = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Personality, p.CommandPrompt, p.MemoryUpdatePrompt, packs, defaults, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update persona %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persona.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_entries WHERE persona_id = ?", p.ID); err != nil {
		return fmt.Errorf("clear memory of %s: %w", p.ID, err)
	}
	if err := insertMemory(ctx, tx, p.ID, p.Memory); err != nil {
		return err
	}
	return tx.Commit()
}

// GetPersona loads a persona with its memory log.
func (s *Store) GetPersona(ctx context.Context, id string) (*persona.Persona, error) {
	p := &persona.Persona{}
	var packs, defaults string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, personality, command_prompt, memory_update_prompt, sticker_packs, defaults,
			created_at, updated_at
		FROM personas WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Personality, &p.CommandPrompt, &p.MemoryUpdatePrompt,
			&packs, &defaults, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persona.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get persona %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(packs), &p.StickerPacks); err != nil {
		return nil, fmt.Errorf("decode sticker packs of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(defaults), &p.Defaults); err != nil {
		return nil, fmt.Errorf("decode defaults of %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT at, text FROM memory_entries WHERE persona_id = ? ORDER BY id", id)
	if err != nil {
		return nil, fmt.Errorf("load memory of %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var e persona.MemoryEntry
		if err := rows.Scan(&e.At, &e.Text); err != nil {
			return nil, fmt.Errorf("scan memory of %s: %w", id, err)
		}
		p.Memory = append(p.Memory, e)
	}
	return p, rows.Err()
}

// PersonaSummary is a persona listing row.
type PersonaSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Memories  int       `json:"memories"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListPersonas returns all personas ordered by name.
func (s *Store) ListPersonas(ctx context.Context) ([]PersonaSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.updated_at,
			(SELECT COUNT(*) FROM memory_entries m WHERE m.persona_id = p.id)
		FROM personas p ORDER BY p.name, p.id`)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()

	var out []PersonaSummary
	for rows.Next() {
		var ps PersonaSummary
		if err := rows.Scan(&ps.ID, &ps.Name, &ps.UpdatedAt, &ps.Memories); err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// DeletePersona removes a persona, its memory and its chat overrides.
// Chats bound to it become unbound.
func (s *Store) DeletePersona(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM personas WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete persona %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persona.ErrNotFound
	}
	for _, q := range []string{
		"DELETE FROM chat_overrides WHERE persona_id = ?",
		"DELETE FROM chat_bindings WHERE persona_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete persona %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// AppendMemory adds one entry at the end of the persona's memory log.
func (s *Store) AppendMemory(ctx context.Context, id string, entry persona.MemoryEntry) error {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM personas WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check persona %s: %w", id, err)
	}
	if exists == 0 {
		return persona.ErrNotFound
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO memory_entries (persona_id, at, text) VALUES (?, ?, ?)", id, entry.At, entry.Text)
	if err != nil {
		return fmt.Errorf("append memory to %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx, "UPDATE personas SET updated_at = ? WHERE id = ?", time.Now(), id)
	return err
}

// PersonaDefaults implements settings.Source. A missing persona yields nil.
func (s *Store) PersonaDefaults(ctx context.Context, id string) (settings.Overrides, error) {
	return personaDefaults(ctx, s.db, id)
}

func personaDefaults(ctx context.Context, q querier, id string) (settings.Overrides, error) {
	var raw string
	err := q.QueryRowContext(ctx, "SELECT defaults FROM personas WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read defaults of %s: %w", id, err)
	}
	return decodeOverrides(raw)
}

func mergePersonaDefaults(ctx context.Context, tx querier, id string, o settings.Overrides) error {
	current, err := personaDefaults(ctx, tx, id)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(merge(current, o))
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE personas SET defaults = ?, updated_at = ? WHERE id = ?", string(raw), time.Now(), id)
	if err != nil {
		return fmt.Errorf("save defaults of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persona.ErrNotFound
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	execer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// merge returns a copy of current with o laid over it.
func merge(current, o settings.Overrides) settings.Overrides {
	out := current.Clone()
	for k, v := range o {
		out[k] = v
	}
	return out
}

func insertMemory(ctx context.Context, tx execer, id string, entries []persona.MemoryEntry) error {
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO memory_entries (persona_id, at, text) VALUES (?, ?, ?)", id, e.At, e.Text); err != nil {
			return fmt.Errorf("insert memory of %s: %w", id, err)
		}
	}
	return nil
}

func encodePersona(p *persona.Persona) (string, string, error) {
	packs := p.StickerPacks
	if packs == nil {
		packs = []string{}
	}
	rawPacks, err := json.Marshal(packs)
	if err != nil {
		return "", "", fmt.Errorf("encode sticker packs: %w", err)
	}
	defaults := p.Defaults
	if defaults == nil {
		defaults = settings.Overrides{}
	}
	rawDefaults, err := json.Marshal(defaults)
	if err != nil {
		return "", "", fmt.Errorf("encode defaults: %w", err)
	}
	return string(rawPacks), string(rawDefaults), nil
}

func decodeOverrides(raw string) (settings.Overrides, error) {
	if raw == "" {
		return nil, nil
	}
	var o settings.Overrides
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return nil, fmt.Errorf("decode overrides: %w", err)
	}
	return o, nil
}
