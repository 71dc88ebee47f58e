package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL slug from a title. Titles without ASCII letters or
// digits (Japanese titles, for instance) yield "".
func Slugify(title string) string {
	s := slugInvalid.ReplaceAllString(strings.ToLower(title), "-")
	return strings.Trim(s, "-")
}

// ThemeUpdate carries the fields to change; nil fields are left alone.
type ThemeUpdate struct {
	Title        *string
	Description  *string
	Slug         *string
	IsActive     *bool
	CustomPrompt *string
}

const themeColumns = `id, title, description, slug, is_active, custom_prompt, created_at, updated_at`

func scanTheme(row interface{ Scan(...any) error }) (*Theme, error) {
	var (
		t                Theme
		created, updated int64
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Slug, &t.IsActive, &t.CustomPrompt, &created, &updated); err != nil {
		return nil, mapErr(err)
	}
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}

// CreateTheme inserts a theme. A missing slug is derived from the title,
// falling back to the generated id.
func (s *Store) CreateTheme(ctx context.Context, t Theme) (*Theme, error) {
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return nil, fmt.Errorf("%w: theme title is required", ErrInvalid)
	}
	t.ID = newID()
	if t.Slug = Slugify(t.Slug); t.Slug == "" {
		if t.Slug = Slugify(t.Title); t.Slug == "" {
			t.Slug = t.ID[:8]
		}
	}
	now := s.stamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO themes (`+themeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.Slug, t.IsActive, t.CustomPrompt, now, now)
	if err != nil {
		return nil, mapErr(err)
	}
	t.CreatedAt, t.UpdatedAt = fromMillis(now), fromMillis(now)
	return &t, nil
}

// GetTheme returns a theme by id.
func (s *Store) GetTheme(ctx context.Context, id string) (*Theme, error) {
	return scanTheme(s.db.QueryRowContext(ctx, `SELECT `+themeColumns+` FROM themes WHERE id = ?`, id))
}

// ListThemes returns themes newest first. limit <= 0 means no limit.
func (s *Store) ListThemes(ctx context.Context, activeOnly bool, limit int) ([]Theme, error) {
	q := `SELECT ` + themeColumns + ` FROM themes`
	if activeOnly {
		q += ` WHERE is_active = 1`
	}
	q += ` ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list themes: %w", err)
	}
	defer rows.Close()

	out := []Theme{}
	for rows.Next() {
		t, err := scanTheme(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTheme applies u to the theme with id.
func (s *Store) UpdateTheme(ctx context.Context, id string, u ThemeUpdate) (*Theme, error) {
	var sets []string
	var args []any
	if u.Title != nil {
		title := strings.TrimSpace(*u.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: theme title cannot be empty", ErrInvalid)
		}
		sets, args = append(sets, "title = ?"), append(args, title)
	}
	if u.Description != nil {
		sets, args = append(sets, "description = ?"), append(args, *u.Description)
	}
	if u.Slug != nil {
		slug := Slugify(*u.Slug)
		if slug == "" {
			return nil, fmt.Errorf("%w: slug must contain letters or digits", ErrInvalid)
		}
		sets, args = append(sets, "slug = ?"), append(args, slug)
	}
	if u.IsActive != nil {
		sets, args = append(sets, "is_active = ?"), append(args, *u.IsActive)
	}
	if u.CustomPrompt != nil {
		sets, args = append(sets, "custom_prompt = ?"), append(args, *u.CustomPrompt)
	}
	sets, args = append(sets, "updated_at = ?"), append(args, s.stamp())
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE themes SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetTheme(ctx, id)
}

// DeleteTheme removes a theme that has no chat threads. Its questions,
// items and drafts go with it.
func (s *Store) DeleteTheme(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var threads int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_threads WHERE theme_id = ?`, id).Scan(&threads); err != nil {
			return fmt.Errorf("store: count threads: %w", err)
		}
		if threads > 0 {
			return fmt.Errorf("%w: theme %s has %d chat threads", ErrConflict, id, threads)
		}
		stmts := []string{
			`DELETE FROM policy_drafts WHERE question_id IN (SELECT id FROM sharp_questions WHERE theme_id = ?)`,
			`DELETE FROM sharp_questions WHERE theme_id = ?`,
			`DELETE FROM items WHERE theme_id = ?`,
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("store: delete theme children: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM themes WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: delete theme: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
