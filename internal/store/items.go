package store

import (
	"context"
	"fmt"
	"strings"
)

const itemColumns = `id, type, theme_id, statement, source_origin_id, source_type, version, embedding_generated, created_at, updated_at`

func scanItem(row interface{ Scan(...any) error }) (*Item, error) {
	var (
		it               Item
		created, updated int64
	)
	err := row.Scan(&it.ID, &it.Type, &it.ThemeID, &it.Statement, &it.SourceOriginID, &it.SourceType,
		&it.Version, &it.EmbeddingGenerated, &created, &updated)
	if err != nil {
		return nil, mapErr(err)
	}
	it.CreatedAt = fromMillis(created)
	it.UpdatedAt = fromMillis(updated)
	return &it, nil
}

// CreateItem inserts a problem or solution at version 1.
func (s *Store) CreateItem(ctx context.Context, it Item) (*Item, error) {
	if !it.Type.Valid() {
		return nil, fmt.Errorf("%w: item type %q", ErrInvalid, it.Type)
	}
	it.Statement = strings.TrimSpace(it.Statement)
	if it.Statement == "" {
		return nil, fmt.Errorf("%w: statement is required", ErrInvalid)
	}
	if it.SourceType == "" {
		it.SourceType = "chat"
	}
	it.ID = newID()
	it.Version = 1
	it.EmbeddingGenerated = false
	now := s.stamp()
	_, err := s.db.ExecContext(ctx, `INSERT INTO items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, string(it.Type), it.ThemeID, it.Statement, it.SourceOriginID, it.SourceType, it.Version, false, now, now)
	if err != nil {
		return nil, mapErr(err)
	}
	it.CreatedAt, it.UpdatedAt = fromMillis(now), fromMillis(now)
	return &it, nil
}

// UpdateItemStatement replaces the statement, bumps the version and marks
// the embedding stale.
func (s *Store) UpdateItemStatement(ctx context.Context, id, statement string) (*Item, error) {
	statement = strings.TrimSpace(statement)
	if statement == "" {
		return nil, fmt.Errorf("%w: statement is required", ErrInvalid)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET statement = ?, version = version + 1, embedding_generated = 0, updated_at = ? WHERE id = ?`,
		statement, s.stamp(), id)
	if err != nil {
		return nil, mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetItem(ctx, id)
}

// GetItem returns an item by id.
func (s *Store) GetItem(ctx context.Context, id string) (*Item, error) {
	return scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
}

// GetItems returns the items with the given ids in creation order. Unknown
// ids are skipped.
func (s *Store) GetItems(ctx context.Context, ids []string) ([]Item, error) {
	if len(ids) == 0 {
		return []Item{}, nil
	}
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id IN (`+placeholders(len(ids))+`) ORDER BY created_at, id`,
		stringArgs(ids)...)
}

// ListItems returns a theme's items of type t, newest first.
func (s *Store) ListItems(ctx context.Context, themeID string, t ItemType) ([]Item, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE theme_id = ? AND type = ? ORDER BY created_at DESC, id`,
		themeID, string(t))
}

func (s *Store) queryItems(ctx context.Context, q string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query items: %w", err)
	}
	defer rows.Close()

	out := []Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// MarkEmbedded flags items whose vectors are stored.
func (s *Store) MarkEmbedded(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{s.stamp()}, stringArgs(ids)...)
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET embedding_generated = 1, updated_at = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("store: mark embedded: %w", err)
	}
	return nil
}

// CountItems counts a theme's items of type t.
func (s *Store) CountItems(ctx context.Context, themeID string, t ItemType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE theme_id = ? AND type = ?`, themeID, string(t)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count items: %w", err)
	}
	return n, nil
}

// CountThreads counts a theme's chat threads.
func (s *Store) CountThreads(ctx context.Context, themeID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_threads WHERE theme_id = ?`, themeID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count threads: %w", err)
	}
	return n, nil
}
