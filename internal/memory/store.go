// Package memory provides the persistence primitives for loom.
//
// It owns the SQLite database (WAL mode, busy-timeout retry at the
// storage boundary) and the migrations for every table the
// segmentation engine touches: sessions, observations, knowledge,
// conversations, stash groups, adaptive thresholds, and the journal.
// Row-level operations that journal replay re-applies live here too,
// so replay and the live write path share one implementation.
package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds store configuration.
type Config struct {
	DataDir          string
	MaxSummaryLength int
}

// DefaultConfig returns the default configuration for the store.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:          filepath.Join(home, ".loom"),
		MaxSummaryLength: 2000,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the persistence engine backed by SQLite.
type Store struct {
	db  *sql.DB
	cfg Config
}

// New creates a new Store with the given configuration.
// It creates the data directory if needed, opens SQLite with WAL mode,
// and runs migrations.
func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("memory: create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "loom.db")
	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("memory: open database: %w", err)
	}

	// busy_timeout is the bounded retry for inter-process contention:
	// concurrent short-lived invocations share this one database file.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("memory: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("memory: migration: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for components that own their own
// table queries (journal, thresholds, conversations). The handle is
// shared; each component issues single-transaction operations on it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			project_path   TEXT NOT NULL DEFAULT '',
			summary        TEXT,
			key_actions    TEXT,
			files_modified TEXT,
			started_at     TEXT NOT NULL DEFAULT (datetime('now')),
			ended_at       TEXT
		);

		CREATE TABLE IF NOT EXISTS observations (
			id                  TEXT PRIMARY KEY,
			session_id          TEXT NOT NULL,
			conversation_id     TEXT,
			tool_name           TEXT NOT NULL DEFAULT '',
			tool_input_summary  TEXT NOT NULL DEFAULT '',
			tool_output_summary TEXT NOT NULL DEFAULT '',
			project_path        TEXT NOT NULL DEFAULT '',
			files_involved      TEXT,
			tags                TEXT,
			timestamp           TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_obs_session      ON observations(session_id);
		CREATE INDEX IF NOT EXISTS idx_obs_conversation ON observations(conversation_id);
		CREATE INDEX IF NOT EXISTS idx_obs_timestamp    ON observations(timestamp DESC);

		CREATE TABLE IF NOT EXISTS knowledge (
			id                     TEXT PRIMARY KEY,
			type                   TEXT NOT NULL,
			content                TEXT NOT NULL,
			source_observation_ids TEXT,
			conversation_id        TEXT,
			project_path           TEXT NOT NULL DEFAULT '',
			tags                   TEXT,
			confidence             REAL NOT NULL DEFAULT 0,
			created_at             TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at             TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_knowledge_project ON knowledge(project_path);

		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			session_id        TEXT NOT NULL,
			project_path      TEXT NOT NULL DEFAULT '',
			topic             TEXT,
			status            TEXT NOT NULL DEFAULT 'active'
			                  CHECK (status IN ('active', 'stashed', 'completed')),
			stash_group_id    TEXT,
			started_at        TEXT NOT NULL DEFAULT (datetime('now')),
			stashed_at        TEXT,
			ended_at          TEXT,
			observation_count INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_conv_session ON conversations(session_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conv_active
			ON conversations(session_id) WHERE status = 'active';

		CREATE TABLE IF NOT EXISTS stash_groups (
			id           TEXT PRIMARY KEY,
			label        TEXT NOT NULL,
			project_path TEXT NOT NULL DEFAULT ''
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_stash_group_label
			ON stash_groups(project_path, label);

		CREATE TABLE IF NOT EXISTS adaptive_thresholds (
			project_id                TEXT PRIMARY KEY,
			ask_threshold             REAL    NOT NULL,
			trust_threshold           REAL    NOT NULL,
			auto_stash_count          INTEGER NOT NULL DEFAULT 0,
			false_positive_count      INTEGER NOT NULL DEFAULT 0,
			suggestion_shown_count    INTEGER NOT NULL DEFAULT 0,
			suggestion_accepted_count INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS journal_entries (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			operation    TEXT NOT NULL,
			table_name   TEXT NOT NULL,
			record_id    TEXT NOT NULL,
			payload      TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending'
			             CHECK (status IN ('pending', 'committed', 'failed')),
			created_at   TEXT NOT NULL DEFAULT (datetime('now')),
			committed_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_journal_status ON journal_entries(status, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// TimeLayout is the timestamp format used across all tables.
// It matches SQLite's datetime('now') output so SQL-side and Go-side
// comparisons agree.
const TimeLayout = "2006-01-02 15:04:05"

// Now returns the current time formatted for SQLite.
func Now() string {
	return time.Now().UTC().Format(TimeLayout)
}

// FormatTime formats a time for SQLite storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp. Zero time on failure.
func ParseTime(s string) time.Time {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NewID generates a unique record ID.
func NewID() string {
	return uuid.NewString()
}

// Truncate shortens a string to at most max bytes with an ellipsis,
// cutting on a rune boundary so the result stays valid UTF-8.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return cutAtRune(s, max) + "..."
}

// cutAtRune returns s[:max] backed off to the nearest rune boundary.
func cutAtRune(s string, max int) string {
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
