package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const threadColumns = `id, theme_id, question_id, user_id, session_id, messages, pending_sentences,
	extracted_problem_ids, extracted_solution_ids, created_at, updated_at`

func scanThread(row interface{ Scan(...any) error }) (*ChatThread, error) {
	var (
		t                                      ChatThread
		messages, pending, problems, solutions string
		created, updated                       int64
	)
	err := row.Scan(&t.ID, &t.ThemeID, &t.QuestionID, &t.UserID, &t.SessionID,
		&messages, &pending, &problems, &solutions, &created, &updated)
	if err != nil {
		return nil, mapErr(err)
	}
	t.Messages = []Message{}
	if err := json.Unmarshal([]byte(messages), &t.Messages); err != nil {
		return nil, fmt.Errorf("store: decode messages of thread %s: %w", t.ID, err)
	}
	if t.PendingSentences, err = decodeStrings(pending); err != nil {
		return nil, err
	}
	if t.ExtractedProblemIDs, err = decodeStrings(problems); err != nil {
		return nil, err
	}
	if t.ExtractedSolutionIDs, err = decodeStrings(solutions); err != nil {
		return nil, err
	}
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}

// CreateThread starts an empty thread in a theme.
func (s *Store) CreateThread(ctx context.Context, themeID, userID, questionID string) (*ChatThread, error) {
	t := &ChatThread{
		ID:                   newID(),
		ThemeID:              themeID,
		QuestionID:           questionID,
		UserID:               userID,
		Messages:             []Message{},
		PendingSentences:     []string{},
		ExtractedProblemIDs:  []string{},
		ExtractedSolutionIDs: []string{},
	}
	now := s.stamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_threads (id, theme_id, question_id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, themeID, questionID, userID, now, now)
	if err != nil {
		return nil, mapErr(err)
	}
	t.CreatedAt, t.UpdatedAt = fromMillis(now), fromMillis(now)
	return t, nil
}

// GetThread returns a thread by id.
func (s *Store) GetThread(ctx context.Context, id string) (*ChatThread, error) {
	return scanThread(s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM chat_threads WHERE id = ?`, id))
}

// ListThreadsByUser returns a user's threads in a theme, newest first.
func (s *Store) ListThreadsByUser(ctx context.Context, themeID, userID string) ([]ChatThread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+threadColumns+` FROM chat_threads WHERE theme_id = ? AND user_id = ? ORDER BY updated_at DESC`,
		themeID, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list threads: %w", err)
	}
	defer rows.Close()

	out := []ChatThread{}
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// mutateThread loads a thread, applies fn and writes it back in one
// transaction. fn returning an error aborts without writing.
func (s *Store) mutateThread(ctx context.Context, id string, fn func(*ChatThread) error) (*ChatThread, error) {
	var out *ChatThread
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := scanThread(tx.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM chat_threads WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		messages, err := encodeJSON(t.Messages)
		if err != nil {
			return err
		}
		pending, err := encodeJSON(t.PendingSentences)
		if err != nil {
			return err
		}
		problems, err := encodeJSON(t.ExtractedProblemIDs)
		if err != nil {
			return err
		}
		solutions, err := encodeJSON(t.ExtractedSolutionIDs)
		if err != nil {
			return err
		}
		now := s.stamp()
		_, err = tx.ExecContext(ctx, `UPDATE chat_threads SET session_id = ?, messages = ?, pending_sentences = ?,
			extracted_problem_ids = ?, extracted_solution_ids = ?, updated_at = ? WHERE id = ?`,
			t.SessionID, messages, pending, problems, solutions, now, id)
		if err != nil {
			return fmt.Errorf("store: update thread: %w", err)
		}
		t.UpdatedAt = fromMillis(now)
		out = t
		return nil
	})
	return out, err
}

// AppendMessage adds a message to the end of a thread.
func (s *Store) AppendMessage(ctx context.Context, threadID string, m Message) (*ChatThread, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now().UTC()
	}
	return s.mutateThread(ctx, threadID, func(t *ChatThread) error {
		t.Messages = append(t.Messages, m)
		return nil
	})
}

// SetPendingSentences replaces the sentences still to be streamed.
func (s *Store) SetPendingSentences(ctx context.Context, threadID string, sentences []string) error {
	_, err := s.mutateThread(ctx, threadID, func(t *ChatThread) error {
		t.PendingSentences = append([]string{}, sentences...)
		return nil
	})
	return err
}

// DeliverPendingSentence appends sentence to the last message and pops it
// from the head of the pending queue. It reports false, without writing,
// when sentence is no longer at the head, which means the stream was
// superseded by a newer turn.
func (s *Store) DeliverPendingSentence(ctx context.Context, threadID, sentence string) (bool, error) {
	delivered := false
	_, err := s.mutateThread(ctx, threadID, func(t *ChatThread) error {
		if len(t.PendingSentences) == 0 || t.PendingSentences[0] != sentence {
			return nil
		}
		if n := len(t.Messages); n > 0 {
			t.Messages[n-1].Content += sentence
		}
		t.PendingSentences = t.PendingSentences[1:]
		delivered = true
		return nil
	})
	return delivered, err
}

// AddExtractedIDs appends problem and solution ids to the thread's
// extracted lists, skipping ids already present. The merge happens on the
// stored lists, so concurrent extraction passes keep each other's ids.
func (s *Store) AddExtractedIDs(ctx context.Context, threadID string, problemIDs, solutionIDs []string) (*ChatThread, error) {
	return s.mutateThread(ctx, threadID, func(t *ChatThread) error {
		t.ExtractedProblemIDs = mergeIDs(t.ExtractedProblemIDs, problemIDs)
		t.ExtractedSolutionIDs = mergeIDs(t.ExtractedSolutionIDs, solutionIDs)
		return nil
	})
}

func mergeIDs(have, add []string) []string {
	out := append([]string{}, have...)
	seen := make(map[string]bool, len(have)+len(add))
	for _, id := range have {
		seen[id] = true
	}
	for _, id := range add {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// SetSessionID records the client session that owns the thread.
func (s *Store) SetSessionID(ctx context.Context, threadID, sessionID string) error {
	_, err := s.mutateThread(ctx, threadID, func(t *ChatThread) error {
		t.SessionID = sessionID
		return nil
	})
	return err
}

// BeginTurn appends a user message and drops any sentences still pending
// from the previous reply, which stops that reply's stream.
func (s *Store) BeginTurn(ctx context.Context, threadID string, m Message) (*ChatThread, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now().UTC()
	}
	return s.mutateThread(ctx, threadID, func(t *ChatThread) error {
		t.Messages = append(t.Messages, m)
		t.PendingSentences = []string{}
		return nil
	})
}

// StartReply appends an assistant message holding the first sentence and
// queues the remaining sentences for streaming.
func (s *Store) StartReply(ctx context.Context, threadID string, m Message, pending []string) (*ChatThread, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now().UTC()
	}
	return s.mutateThread(ctx, threadID, func(t *ChatThread) error {
		t.Messages = append(t.Messages, m)
		t.PendingSentences = append([]string{}, pending...)
		return nil
	})
}
