package workflows

import (
	"context"
	"errors"
	"time"

	"github.com/digitaldemocracy2030/idobata/internal/extraction"
	"github.com/digitaldemocracy2030/idobata/internal/store"
)

// QuestionGenerator stores sharp questions for a theme.
type QuestionGenerator interface {
	Generate(ctx context.Context, themeID string) ([]store.SharpQuestion, error)
}

// QuestionLinker scores a theme's items against a question.
type QuestionLinker interface {
	LinkQuestion(ctx context.Context, questionID string) (int, error)
}

// PolicyDrafter writes a policy draft for a question.
type PolicyDrafter interface {
	Generate(ctx context.Context, questionID string) (*store.PolicyDraft, error)
}

// ThreadExtractor extracts problems and solutions from a chat thread.
type ThreadExtractor interface {
	ProcessThread(ctx context.Context, threadID string) (*extraction.Summary, error)
}

// Activities holds the services the pipeline steps call. Register a
// populated value with the worker; workflows reference the methods through
// a nil *Activities.
type Activities struct {
	Questions QuestionGenerator
	Linker    QuestionLinker
	Drafter   PolicyDrafter
	Extractor ThreadExtractor
}

var errNotConfigured = errors.New("activity dependency not configured")

// GenerateQuestions stores questions for a theme and returns their ids.
func (a *Activities) GenerateQuestions(ctx context.Context, themeID string) (ids []string, err error) {
	defer func(start time.Time) { observeActivity(ctx, "generate_questions", start, err) }(time.Now())
	if a.Questions == nil {
		return nil, errNotConfigured
	}
	qs, err := a.Questions.Generate(ctx, themeID)
	if err != nil {
		return nil, err
	}
	ids = make([]string, 0, len(qs))
	for _, q := range qs {
		ids = append(ids, q.ID)
	}
	return ids, nil
}

// LinkQuestion rebuilds a question's links and returns how many were stored.
func (a *Activities) LinkQuestion(ctx context.Context, questionID string) (n int, err error) {
	defer func(start time.Time) { observeActivity(ctx, "link_question", start, err) }(time.Now())
	if a.Linker == nil {
		return 0, errNotConfigured
	}
	return a.Linker.LinkQuestion(ctx, questionID)
}

// GeneratePolicyDraft stores a draft for a question.
func (a *Activities) GeneratePolicyDraft(ctx context.Context, questionID string) (res *PolicyDraftResult, err error) {
	defer func(start time.Time) { observeActivity(ctx, "generate_policy_draft", start, err) }(time.Now())
	if a.Drafter == nil {
		return nil, errNotConfigured
	}
	d, err := a.Drafter.Generate(ctx, questionID)
	if err != nil {
		return nil, err
	}
	return &PolicyDraftResult{DraftID: d.ID, Title: d.Title}, nil
}

// ExtractThread runs extraction for a chat thread.
func (a *Activities) ExtractThread(ctx context.Context, threadID string) (res *ExtractionResult, err error) {
	defer func(start time.Time) { observeActivity(ctx, "extract_thread", start, err) }(time.Now())
	if a.Extractor == nil {
		return nil, errNotConfigured
	}
	sum, err := a.Extractor.ProcessThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return &ExtractionResult{Added: sum.Added, Updated: sum.Updated, Skipped: sum.Skipped}, nil
}
