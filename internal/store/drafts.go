package store

import (
	"context"
	"fmt"
	"strings"
)

const draftColumns = `id, question_id, title, content, source_problem_ids, source_solution_ids, version, created_at`

// DraftFilter narrows ListDrafts. Empty fields match everything.
type DraftFilter struct {
	QuestionID string
	ThemeID    string
}

// CreateDraft stores a policy draft. Version defaults to 1.
func (s *Store) CreateDraft(ctx context.Context, d PolicyDraft) (*PolicyDraft, error) {
	if strings.TrimSpace(d.Title) == "" || strings.TrimSpace(d.Content) == "" {
		return nil, fmt.Errorf("%w: draft title and content are required", ErrInvalid)
	}
	if d.Version == 0 {
		d.Version = 1
	}
	if d.SourceProblemIDs == nil {
		d.SourceProblemIDs = []string{}
	}
	if d.SourceSolutionIDs == nil {
		d.SourceSolutionIDs = []string{}
	}
	problems, err := encodeJSON(d.SourceProblemIDs)
	if err != nil {
		return nil, err
	}
	solutions, err := encodeJSON(d.SourceSolutionIDs)
	if err != nil {
		return nil, err
	}
	d.ID = newID()
	now := s.stamp()
	_, err = s.db.ExecContext(ctx, `INSERT INTO policy_drafts (`+draftColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.QuestionID, d.Title, d.Content, problems, solutions, d.Version, now)
	if err != nil {
		return nil, mapErr(err)
	}
	d.CreatedAt = fromMillis(now)
	return &d, nil
}

// ListDrafts returns drafts matching f, newest first.
func (s *Store) ListDrafts(ctx context.Context, f DraftFilter) ([]PolicyDraft, error) {
	q := `SELECT d.id, d.question_id, d.title, d.content, d.source_problem_ids, d.source_solution_ids, d.version, d.created_at
		FROM policy_drafts d JOIN sharp_questions q ON q.id = d.question_id WHERE 1 = 1`
	var args []any
	if f.QuestionID != "" {
		q += ` AND d.question_id = ?`
		args = append(args, f.QuestionID)
	}
	if f.ThemeID != "" {
		q += ` AND q.theme_id = ?`
		args = append(args, f.ThemeID)
	}
	q += ` ORDER BY d.created_at DESC, d.id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list drafts: %w", err)
	}
	defer rows.Close()

	out := []PolicyDraft{}
	for rows.Next() {
		var (
			d                   PolicyDraft
			problems, solutions string
			created             int64
		)
		if err := rows.Scan(&d.ID, &d.QuestionID, &d.Title, &d.Content, &problems, &solutions, &d.Version, &created); err != nil {
			return nil, fmt.Errorf("store: scan draft: %w", err)
		}
		if d.SourceProblemIDs, err = decodeStrings(problems); err != nil {
			return nil, err
		}
		if d.SourceSolutionIDs, err = decodeStrings(solutions); err != nil {
			return nil, err
		}
		d.CreatedAt = fromMillis(created)
		out = append(out, d)
	}
	return out, rows.Err()
}
