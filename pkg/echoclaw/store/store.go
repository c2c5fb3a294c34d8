// Package store persists personas, chat settings, the sticker catalog and
// the message history log in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Config holds SQLite configuration.
type Config struct {
	// Path is the database file.
	Path string `yaml:"path"`

	// JournalMode is the SQLite journal mode (default WAL).
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout is the lock wait in milliseconds (default 5000).
	BusyTimeout int `yaml:"busy_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:        "./data/echoclaw.db",
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
}

// Store is the SQLite-backed persistence layer. It is safe for concurrent
// use.
type Store struct {
	db  *sql.DB
	cfg Config
}

// Open opens or creates the database and applies migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.cfg.Path
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------- Migrations ----------

var migrations = []string{
	// 1: initial schema
	`
	CREATE TABLE IF NOT EXISTS personas (
		id                   TEXT PRIMARY KEY,
		name                 TEXT NOT NULL,
		personality          TEXT NOT NULL DEFAULT '',
		command_prompt       TEXT NOT NULL DEFAULT '',
		memory_update_prompt TEXT NOT NULL DEFAULT '',
		sticker_packs        TEXT NOT NULL DEFAULT '[]',
		defaults             TEXT NOT NULL DEFAULT '{}',
		created_at           DATETIME NOT NULL,
		updated_at           DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memory_entries (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		persona_id TEXT NOT NULL REFERENCES personas(id) ON DELETE CASCADE,
		at         DATETIME NOT NULL,
		text       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_persona ON memory_entries(persona_id, id);

	CREATE TABLE IF NOT EXISTS chat_bindings (
		chat_id    INTEGER PRIMARY KEY,
		persona_id TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_overrides (
		chat_id    INTEGER NOT NULL,
		persona_id TEXT NOT NULL,
		overrides  TEXT NOT NULL DEFAULT '{}',
		note       TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (chat_id, persona_id)
	);

	CREATE TABLE IF NOT EXISTS sticker_packs (
		name    TEXT PRIMARY KEY,
		title   TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS stickers (
		codename         TEXT PRIMARY KEY,
		pack             TEXT NOT NULL REFERENCES sticker_packs(name) ON DELETE CASCADE,
		description      TEXT NOT NULL DEFAULT '',
		telegram_file_id TEXT NOT NULL DEFAULT '',
		discord_id       TEXT NOT NULL DEFAULT '',
		path             TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS chats (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		transport TEXT NOT NULL,
		address   TEXT NOT NULL,
		is_group  INTEGER NOT NULL DEFAULT 0,
		name      TEXT NOT NULL DEFAULT '',
		UNIQUE (transport, address)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		transport   TEXT NOT NULL,
		chat_id     INTEGER NOT NULL,
		native_id   TEXT NOT NULL,
		role        TEXT NOT NULL,
		sender_id   TEXT NOT NULL DEFAULT '',
		sender_name TEXT NOT NULL DEFAULT '',
		at          DATETIME NOT NULL,
		text        TEXT NOT NULL DEFAULT '',
		reply_to    INTEGER NOT NULL DEFAULT 0,
		media       TEXT NOT NULL DEFAULT '',
		sticker     TEXT NOT NULL DEFAULT '',
		UNIQUE (transport, chat_id, native_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(transport, chat_id, id);

	CREATE TABLE IF NOT EXISTS message_reactions (
		message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		sender_id  TEXT NOT NULL,
		emoji      TEXT NOT NULL,
		PRIMARY KEY (message_id, sender_id)
	);
	`,
}

// migrate applies pending migrations, tracking them in schema_version.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			tx.Rollback()
			if isDuplicateKeyError(err) {
				continue
			}
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func isDuplicateKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
