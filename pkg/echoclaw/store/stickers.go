package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Sticker is a catalog entry. Each platform addresses it differently.
type Sticker struct {
	Codename       string `json:"codename"`
	Pack           string `json:"pack"`
	Description    string `json:"description"`
	TelegramFileID string `json:"telegram_file_id,omitempty"`
	DiscordID      string `json:"discord_id,omitempty"`
	Path           string `json:"path,omitempty"`
}

// Line renders the sticker as a catalog line for the system prompt.
func (s Sticker) Line() string {
	if s.Description == "" {
		return s.Codename
	}
	return s.Codename + " - " + s.Description
}

// StickerPack is a named group of stickers.
type StickerPack struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Enabled bool   `json:"enabled"`
	Count   int    `json:"count"`
}

// ErrStickerDisabled is returned for stickers whose pack is switched off.
var ErrStickerDisabled = errors.New("sticker pack disabled")

// UpsertPack creates or updates a sticker pack.
func (s *Store) UpsertPack(ctx context.Context, name, title string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sticker_packs (name, title, enabled) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET title = excluded.title, enabled = excluded.enabled`,
		name, title, boolToInt(enabled))
	if err != nil {
		return fmt.Errorf("upsert pack %s: %w", name, err)
	}
	return nil
}

// UpsertSticker creates or updates a catalog sticker. The pack must exist.
func (s *Store) UpsertSticker(ctx context.Context, st Sticker) error {
	st.Codename = strings.TrimSpace(st.Codename)
	if st.Codename == "" {
		return fmt.Errorf("sticker codename is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stickers (codename, pack, description, telegram_file_id, discord_id, path)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(codename) DO UPDATE SET
			pack = excluded.pack, description = excluded.description,
			telegram_file_id = excluded.telegram_file_id, discord_id = excluded.discord_id,
			path = excluded.path`,
		st.Codename, st.Pack, st.Description, st.TelegramFileID, st.DiscordID, st.Path)
	if err != nil {
		return fmt.Errorf("upsert sticker %s: %w", st.Codename, err)
	}
	return nil
}

// GetSticker looks a sticker up by codename. Stickers of disabled packs
// return ErrStickerDisabled.
func (s *Store) GetSticker(ctx context.Context, codename string) (Sticker, error) {
	var (
		st      Sticker
		enabled int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT s.codename, s.pack, s.description, s.telegram_file_id, s.discord_id, s.path, p.enabled
		FROM stickers s JOIN sticker_packs p ON p.name = s.pack
		WHERE s.codename = ?`, codename).
		Scan(&st.Codename, &st.Pack, &st.Description, &st.TelegramFileID, &st.DiscordID, &st.Path, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return Sticker{}, ErrNotFound
	}
	if err != nil {
		return Sticker{}, fmt.Errorf("get sticker %s: %w", codename, err)
	}
	if enabled == 0 {
		return st, ErrStickerDisabled
	}
	return st, nil
}

// StickerCodename finds the codename of a catalog sticker by its platform
// id. platform is "telegram" or "discord".
func (s *Store) StickerCodename(ctx context.Context, platform, id string) (string, error) {
	var column string
	switch platform {
	case "telegram":
		column = "telegram_file_id"
	case "discord":
		column = "discord_id"
	default:
		return "", fmt.Errorf("no sticker ids for platform %q", platform)
	}
	if id == "" {
		return "", ErrNotFound
	}
	var codename string
	err := s.db.QueryRowContext(ctx, "SELECT codename FROM stickers WHERE "+column+" = ?", id).Scan(&codename)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup sticker %s: %w", id, err)
	}
	return codename, nil
}

// StickersForPacks returns the enabled stickers of the given packs, ordered
// by pack then codename.
func (s *Store) StickersForPacks(ctx context.Context, packs []string) ([]Sticker, error) {
	if len(packs) == 0 {
		return nil, nil
	}
	args := make([]any, len(packs))
	for i, p := range packs {
		args[i] = p
	}
	q := `
		SELECT s.codename, s.pack, s.description, s.telegram_file_id, s.discord_id, s.path
		FROM stickers s JOIN sticker_packs p ON p.name = s.pack
		WHERE p.enabled = 1 AND s.pack IN (?` + strings.Repeat(", ?", len(packs)-1) + `)
		ORDER BY s.pack, s.codename`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list stickers: %w", err)
	}
	defer rows.Close()

	var out []Sticker
	for rows.Next() {
		var st Sticker
		if err := rows.Scan(&st.Codename, &st.Pack, &st.Description, &st.TelegramFileID, &st.DiscordID, &st.Path); err != nil {
			return nil, fmt.Errorf("scan sticker: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListPacks returns all sticker packs with their sizes.
func (s *Store) ListPacks(ctx context.Context) ([]StickerPack, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.name, p.title, p.enabled, (SELECT COUNT(*) FROM stickers s WHERE s.pack = p.name)
		FROM sticker_packs p ORDER BY p.name`)
	if err != nil {
		return nil, fmt.Errorf("list packs: %w", err)
	}
	defer rows.Close()

	var out []StickerPack
	for rows.Next() {
		var (
			p       StickerPack
			enabled int
		)
		if err := rows.Scan(&p.Name, &p.Title, &enabled, &p.Count); err != nil {
			return nil, fmt.Errorf("scan pack: %w", err)
		}
		p.Enabled = enabled == 1
		out = append(out, p)
	}
	return out, rows.Err()
}
