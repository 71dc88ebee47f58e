package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const questionColumns = `id, theme_id, question_text, tag_line, tags, created_at, updated_at`

func scanQuestion(row interface{ Scan(...any) error }) (*SharpQuestion, error) {
	var (
		q                SharpQuestion
		tags             string
		created, updated int64
	)
	if err := row.Scan(&q.ID, &q.ThemeID, &q.QuestionText, &q.TagLine, &tags, &created, &updated); err != nil {
		return nil, mapErr(err)
	}
	var err error
	if q.Tags, err = decodeStrings(tags); err != nil {
		return nil, err
	}
	q.CreatedAt = fromMillis(created)
	q.UpdatedAt = fromMillis(updated)
	return &q, nil
}

// UpsertQuestion stores text as a question of the theme unless the same
// trimmed text already exists there. created reports whether a row was
// inserted.
func (s *Store) UpsertQuestion(ctx context.Context, themeID, text string) (q *SharpQuestion, created bool, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false, fmt.Errorf("%w: question text is required", ErrInvalid)
	}
	now := s.stamp()
	res, err := s.db.ExecContext(ctx, `INSERT INTO sharp_questions (`+questionColumns+`) VALUES (?, ?, ?, '', '[]', ?, ?)
		ON CONFLICT (theme_id, question_text) DO NOTHING`, newID(), themeID, text, now, now)
	if err != nil {
		return nil, false, mapErr(err)
	}
	n, _ := res.RowsAffected()
	q, err = scanQuestion(s.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM sharp_questions WHERE theme_id = ? AND question_text = ?`, themeID, text))
	return q, n > 0, err
}

// GetQuestion returns a question by id.
func (s *Store) GetQuestion(ctx context.Context, id string) (*SharpQuestion, error) {
	return scanQuestion(s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM sharp_questions WHERE id = ?`, id))
}

// ListQuestions returns a theme's questions, oldest first.
func (s *Store) ListQuestions(ctx context.Context, themeID string) ([]SharpQuestion, error) {
	return s.queryQuestions(ctx,
		`SELECT `+questionColumns+` FROM sharp_questions WHERE theme_id = ? ORDER BY created_at, id`, themeID)
}

// LatestQuestions returns the most recently created questions across themes.
func (s *Store) LatestQuestions(ctx context.Context, limit int) ([]SharpQuestion, error) {
	return s.queryQuestions(ctx,
		`SELECT `+questionColumns+` FROM sharp_questions ORDER BY created_at DESC, id LIMIT ?`, limit)
}

func (s *Store) queryQuestions(ctx context.Context, q string, args ...any) ([]SharpQuestion, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query questions: %w", err)
	}
	defer rows.Close()

	out := []SharpQuestion{}
	for rows.Next() {
		sq, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sq)
	}
	return out, rows.Err()
}

// CountQuestions counts a theme's questions.
func (s *Store) CountQuestions(ctx context.Context, themeID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sharp_questions WHERE theme_id = ?`, themeID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count questions: %w", err)
	}
	return n, nil
}

const linkColumns = `id, question_id, linked_item_id, linked_item_type, link_type, relevance_score, rationale, created_at`

// ReplaceLinks swaps all links of a question for links, atomically.
func (s *Store) ReplaceLinks(ctx context.Context, questionID string, links []QuestionLink) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM question_links WHERE question_id = ?`, questionID); err != nil {
			return fmt.Errorf("store: clear links: %w", err)
		}
		now := s.stamp()
		for _, l := range links {
			if !l.LinkedItemType.Valid() {
				return fmt.Errorf("%w: linked item type %q", ErrInvalid, l.LinkedItemType)
			}
			if l.LinkType == "" {
				l.LinkType = LinkTypeFor(l.LinkedItemType)
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO question_links (`+linkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				newID(), questionID, l.LinkedItemID, string(l.LinkedItemType), string(l.LinkType), l.RelevanceScore, l.Rationale, now)
			if err != nil {
				return mapErr(err)
			}
		}
		return nil
	})
}

// ListLinks returns a question's links, most relevant first.
func (s *Store) ListLinks(ctx context.Context, questionID string) ([]QuestionLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM question_links WHERE question_id = ? ORDER BY relevance_score DESC, created_at, id`,
		questionID)
	if err != nil {
		return nil, fmt.Errorf("store: list links: %w", err)
	}
	defer rows.Close()

	out := []QuestionLink{}
	for rows.Next() {
		var (
			l       QuestionLink
			created int64
		)
		if err := rows.Scan(&l.ID, &l.QuestionID, &l.LinkedItemID, &l.LinkedItemType, &l.LinkType,
			&l.RelevanceScore, &l.Rationale, &created); err != nil {
			return nil, fmt.Errorf("store: scan link: %w", err)
		}
		l.CreatedAt = fromMillis(created)
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountLinks counts a question's links to items of type t.
func (s *Store) CountLinks(ctx context.Context, questionID string, t ItemType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM question_links WHERE question_id = ? AND linked_item_type = ?`, questionID, string(t)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count links: %w", err)
	}
	return n, nil
}
