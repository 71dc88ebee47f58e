// Package workflows runs the question and policy pipelines, either as
// Temporal workflows or inline in the API process.
package workflows

import (
	"errors"
	"fmt"
)

// ErrMissingID is returned when a workflow input lacks its target id.
var ErrMissingID = errors.New("id is required")

// QuestionPipelineInput starts question generation for a theme.
type QuestionPipelineInput struct {
	ThemeID string
}

// Validate checks that the theme id is set.
func (in QuestionPipelineInput) Validate() error {
	if in.ThemeID == "" {
		return fmt.Errorf("%w: themeId", ErrMissingID)
	}
	return nil
}

// QuestionPipelineResult reports what the pipeline stored.
type QuestionPipelineResult struct {
	QuestionIDs []string // Questions stored by the generator
	Links       int      // Links stored across all questions
	Errors      []string // Per-question linking failures
}

// PolicyDraftInput starts draft generation for a question.
type PolicyDraftInput struct {
	QuestionID string
}

// Validate checks that the question id is set.
func (in PolicyDraftInput) Validate() error {
	if in.QuestionID == "" {
		return fmt.Errorf("%w: questionId", ErrMissingID)
	}
	return nil
}

// PolicyDraftResult identifies the stored draft.
type PolicyDraftResult struct {
	DraftID string
	Title   string
}

// ExtractionInput starts extraction for a chat thread.
type ExtractionInput struct {
	ThreadID string
}

// Validate checks that the thread id is set.
func (in ExtractionInput) Validate() error {
	if in.ThreadID == "" {
		return fmt.Errorf("%w: threadId", ErrMissingID)
	}
	return nil
}

// ExtractionResult mirrors extraction.Summary across the workflow boundary.
type ExtractionResult struct {
	Added   int
	Updated int
	Skipped int
}
