package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// activityOptions applies to every question and policy step.
var activityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 10 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    5 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    3,
	},
}

// QuestionPipelineWorkflow generates questions for a theme and links each
// one. A failed link is recorded and the remaining questions still run.
func QuestionPipelineWorkflow(ctx workflow.Context, input QuestionPipelineInput) (*QuestionPipelineResult, error) {
	if err := input.Validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), "invalid_input", err)
	}
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting question pipeline", "theme_id", input.ThemeID)
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var a *Activities
	result := &QuestionPipelineResult{}

	err := workflow.ExecuteActivity(ctx, a.GenerateQuestions, input.ThemeID).Get(ctx, &result.QuestionIDs)
	if err != nil {
		return result, NewWorkflowError("generate_questions", input.ThemeID, err)
	}
	logger.Info("Questions generated", "count", len(result.QuestionIDs))

	// Links run in parallel; results are read back in question order.
	futures := make([]workflow.Future, len(result.QuestionIDs))
	for i, id := range result.QuestionIDs {
		futures[i] = workflow.ExecuteActivity(ctx, a.LinkQuestion, id)
	}
	for i, f := range futures {
		var n int
		if err := f.Get(ctx, &n); err != nil {
			logger.Error("Linking question failed", "question_id", result.QuestionIDs[i], "error", err)
			result.Errors = append(result.Errors, FormatErrorForResult("link_question", result.QuestionIDs[i], err))
			continue
		}
		result.Links += n
	}

	logger.Info("Question pipeline complete",
		"questions", len(result.QuestionIDs),
		"links", result.Links,
		"errors", len(result.Errors))
	return result, nil
}

// PolicyDraftWorkflow writes a policy draft for a question.
func PolicyDraftWorkflow(ctx workflow.Context, input PolicyDraftInput) (*PolicyDraftResult, error) {
	if err := input.Validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), "invalid_input", err)
	}
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting policy draft", "question_id", input.QuestionID)
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var a *Activities
	var result PolicyDraftResult
	if err := workflow.ExecuteActivity(ctx, a.GeneratePolicyDraft, input.QuestionID).Get(ctx, &result); err != nil {
		return nil, NewWorkflowError("generate_policy_draft", input.QuestionID, err)
	}
	logger.Info("Policy draft stored", "draft_id", result.DraftID)
	return &result, nil
}

// ExtractionSignal asks a running extraction workflow for one more pass.
const ExtractionSignal = "extract-again"

// ExtractionWorkflow extracts problems and solutions from a chat thread.
// Only one runs per thread; triggers that arrive while it is running are
// delivered as ExtractionSignal and fold into a single follow-up pass.
func ExtractionWorkflow(ctx workflow.Context, input ExtractionInput) (*ExtractionResult, error) {
	if err := input.Validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), "invalid_input", err)
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	})

	again := workflow.GetSignalChannel(ctx, ExtractionSignal)
	pending := func() bool {
		got := false
		var threadID string
		for again.ReceiveAsync(&threadID) {
			got = true
		}
		return got
	}
	// The starting trigger arrives as a signal too.
	pending()

	var a *Activities
	total := &ExtractionResult{}
	for {
		var result ExtractionResult
		if err := workflow.ExecuteActivity(ctx, a.ExtractThread, input.ThreadID).Get(ctx, &result); err != nil {
			return nil, NewWorkflowError("extract_thread", input.ThreadID, err)
		}
		total.Added += result.Added
		total.Updated += result.Updated
		total.Skipped += result.Skipped
		if !pending() {
			return total, nil
		}
		workflow.GetLogger(ctx).Info("extracting thread again", "thread_id", input.ThreadID)
	}
}
