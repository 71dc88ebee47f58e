// Package store persists themes, chat threads, extracted items, sharp
// questions, policy drafts and users in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned on unique violations and when a delete would
	// orphan dependent records.
	ErrConflict = errors.New("store: conflict")
	// ErrExists is returned when a conditional insert finds its target
	// already present.
	ErrExists = errors.New("store: already exists")
	// ErrInvalid is returned for input the schema cannot hold.
	ErrInvalid = errors.New("store: invalid input")
)

// Store is a SQLite-backed repository. It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Read-modify-write updates on JSON columns rely on a single writer.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// connPragmas run on every connection the pool opens.
var connPragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

func dsn(path string) string {
	q := make(url.Values)
	for _, p := range connPragmas {
		q.Add("_pragma", p)
	}
	return path + "?" + q.Encode()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS themes (
			id            TEXT PRIMARY KEY,
			title         TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			slug          TEXT NOT NULL UNIQUE,
			is_active     INTEGER NOT NULL DEFAULT 1,
			custom_prompt TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chat_threads (
			id                     TEXT PRIMARY KEY,
			theme_id               TEXT NOT NULL REFERENCES themes(id),
			question_id            TEXT NOT NULL DEFAULT '',
			user_id                TEXT NOT NULL DEFAULT '',
			session_id             TEXT NOT NULL DEFAULT '',
			messages               TEXT NOT NULL DEFAULT '[]',
			pending_sentences      TEXT NOT NULL DEFAULT '[]',
			extracted_problem_ids  TEXT NOT NULL DEFAULT '[]',
			extracted_solution_ids TEXT NOT NULL DEFAULT '[]',
			created_at             INTEGER NOT NULL,
			updated_at             INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_threads_theme ON chat_threads(theme_id);

		CREATE TABLE IF NOT EXISTS items (
			id                  TEXT PRIMARY KEY,
			type                TEXT NOT NULL CHECK (type IN ('problem', 'solution')),
			theme_id            TEXT NOT NULL REFERENCES themes(id),
			statement           TEXT NOT NULL,
			source_origin_id    TEXT NOT NULL DEFAULT '',
			source_type         TEXT NOT NULL DEFAULT 'chat',
			version             INTEGER NOT NULL DEFAULT 1,
			embedding_generated INTEGER NOT NULL DEFAULT 0,
			created_at          INTEGER NOT NULL,
			updated_at          INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_items_theme_type ON items(theme_id, type);

		CREATE TABLE IF NOT EXISTS sharp_questions (
			id            TEXT PRIMARY KEY,
			theme_id      TEXT NOT NULL REFERENCES themes(id),
			question_text TEXT NOT NULL,
			tag_line      TEXT NOT NULL DEFAULT '',
			tags          TEXT NOT NULL DEFAULT '[]',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,
			UNIQUE (theme_id, question_text)
		);

		CREATE TABLE IF NOT EXISTS question_links (
			id               TEXT PRIMARY KEY,
			question_id      TEXT NOT NULL REFERENCES sharp_questions(id) ON DELETE CASCADE,
			linked_item_id   TEXT NOT NULL,
			linked_item_type TEXT NOT NULL,
			link_type        TEXT NOT NULL,
			relevance_score  REAL NOT NULL DEFAULT 0,
			rationale        TEXT NOT NULL DEFAULT '',
			created_at       INTEGER NOT NULL,
			UNIQUE (question_id, linked_item_id, linked_item_type)
		);
		CREATE INDEX IF NOT EXISTS idx_links_question ON question_links(question_id);

		CREATE TABLE IF NOT EXISTS policy_drafts (
			id                  TEXT PRIMARY KEY,
			question_id         TEXT NOT NULL REFERENCES sharp_questions(id),
			title               TEXT NOT NULL,
			content             TEXT NOT NULL,
			source_problem_ids  TEXT NOT NULL DEFAULT '[]',
			source_solution_ids TEXT NOT NULL DEFAULT '[]',
			version             INTEGER NOT NULL DEFAULT 1,
			created_at          INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS users (
			id                TEXT PRIMARY KEY,
			email             TEXT UNIQUE,
			display_name      TEXT NOT NULL DEFAULT '',
			password_hash     TEXT NOT NULL DEFAULT '',
			role              TEXT NOT NULL DEFAULT 'user',
			google_id         TEXT UNIQUE,
			profile_image_url TEXT NOT NULL DEFAULT '',
			legacy_user_id    TEXT UNIQUE,
			last_login        INTEGER,
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func newID() string {
	return uuid.NewString()
}

func (s *Store) stamp() int64 {
	return s.now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return string(b), nil
}

func decodeStrings(raw string) ([]string, error) {
	out := []string{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("store: decode list: %w", err)
	}
	return out, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
