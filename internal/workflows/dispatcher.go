package workflows

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/logging"
)

// Dispatcher starts background pipelines. Triggers return once the work is
// accepted; they do not wait for it to finish.
type Dispatcher interface {
	TriggerQuestions(ctx context.Context, themeID string) error
	TriggerPolicy(ctx context.Context, questionID string) error
	TriggerExtraction(ctx context.Context, threadID string) error
}

// Register adds the pipeline workflows and activities to a Temporal worker.
func Register(r worker.Registry, acts *Activities) {
	r.RegisterWorkflow(QuestionPipelineWorkflow)
	r.RegisterWorkflow(PolicyDraftWorkflow)
	r.RegisterWorkflow(ExtractionWorkflow)
	r.RegisterActivity(acts)
}

// WorkflowStarter is the part of client.Client the dispatcher uses.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	SignalWithStartWorkflow(ctx context.Context, workflowID string, signalName string, signalArg interface{},
		options client.StartWorkflowOptions, workflow interface{}, workflowArgs ...interface{}) (client.WorkflowRun, error)
}

// TemporalDispatcher starts pipelines as Temporal workflows.
type TemporalDispatcher struct {
	client    WorkflowStarter
	taskQueue string
	logger    *zap.Logger
}

// NewTemporalDispatcher creates a TemporalDispatcher.
func NewTemporalDispatcher(c WorkflowStarter, taskQueue string, logger *zap.Logger) *TemporalDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemporalDispatcher{client: c, taskQueue: taskQueue, logger: logger.Named("dispatcher")}
}

func (d *TemporalDispatcher) start(ctx context.Context, prefix, target string, wf interface{}, input interface{ Validate() error }) error {
	if err := input.Validate(); err != nil {
		return err
	}
	opts := client.StartWorkflowOptions{
		ID:        fmt.Sprintf("%s-%s-%s", prefix, target, uuid.NewString()),
		TaskQueue: d.taskQueue,
	}
	run, err := d.client.ExecuteWorkflow(ctx, opts, wf, input)
	if err != nil {
		return fmt.Errorf("starting %s workflow: %w", prefix, err)
	}
	recordRun(ctx, prefix, "temporal")
	logging.For(ctx, d.logger).Info("workflow started",
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return nil
}

// TriggerQuestions starts QuestionPipelineWorkflow.
func (d *TemporalDispatcher) TriggerQuestions(ctx context.Context, themeID string) error {
	return d.start(ctx, "questions", themeID, QuestionPipelineWorkflow, QuestionPipelineInput{ThemeID: themeID})
}

// TriggerPolicy starts PolicyDraftWorkflow.
func (d *TemporalDispatcher) TriggerPolicy(ctx context.Context, questionID string) error {
	return d.start(ctx, "policy", questionID, PolicyDraftWorkflow, PolicyDraftInput{QuestionID: questionID})
}

// TriggerExtraction signals the thread's ExtractionWorkflow, starting it
// when none is running. The workflow id is fixed per thread, so passes over
// one thread never overlap.
func (d *TemporalDispatcher) TriggerExtraction(ctx context.Context, threadID string) error {
	input := ExtractionInput{ThreadID: threadID}
	if err := input.Validate(); err != nil {
		return err
	}
	opts := client.StartWorkflowOptions{
		ID:                    ExtractionWorkflowID(threadID),
		TaskQueue:             d.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
	run, err := d.client.SignalWithStartWorkflow(ctx, opts.ID, ExtractionSignal, threadID, opts, ExtractionWorkflow, input)
	if err != nil {
		return fmt.Errorf("starting extract workflow: %w", err)
	}
	recordRun(ctx, "extract", "temporal")
	logging.For(ctx, d.logger).Info("extraction requested",
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return nil
}

// ExtractionWorkflowID is the workflow id used for a thread's extraction.
func ExtractionWorkflowID(threadID string) string {
	return "extract-" + threadID
}

// InlineDispatcher runs pipelines in goroutines of the calling process.
// Extraction is serialized per thread: a trigger that arrives while the
// thread is being extracted schedules one more pass after the current one.
type InlineDispatcher struct {
	acts    *Activities
	timeout time.Duration
	logger  *zap.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]bool // thread id -> rerun requested
}

// NewInlineDispatcher creates an InlineDispatcher. Each job is cancelled
// after timeout; zero means ten minutes.
func NewInlineDispatcher(acts *Activities, timeout time.Duration, logger *zap.Logger) *InlineDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InlineDispatcher{
		acts:    acts,
		timeout: timeout,
		logger:  logger.Named("dispatcher"),
		running: make(map[string]bool),
	}
}

// spawn runs fn detached from the caller's cancellation.
func (d *InlineDispatcher) spawn(ctx context.Context, name string, fn func(context.Context) error) {
	recordRun(ctx, name, "inline")
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		jobCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		if err := fn(jobCtx); err != nil {
			logging.For(ctx, d.logger).Error("background job failed", zap.String("job", name), zap.Error(err))
		}
	}()
}

// TriggerQuestions generates and links questions for a theme.
func (d *InlineDispatcher) TriggerQuestions(ctx context.Context, themeID string) error {
	input := QuestionPipelineInput{ThemeID: themeID}
	if err := input.Validate(); err != nil {
		return err
	}
	ctx = logging.WithThemeID(ctx, themeID)
	d.spawn(ctx, "questions", func(ctx context.Context) error {
		res, err := RunQuestionPipeline(ctx, d.acts, input)
		if err != nil {
			return err
		}
		logging.For(ctx, d.logger).Info("question pipeline complete",
			zap.Int("questions", len(res.QuestionIDs)),
			zap.Int("links", res.Links),
			zap.Strings("errors", res.Errors),
		)
		return nil
	})
	return nil
}

// TriggerPolicy writes a policy draft for a question.
func (d *InlineDispatcher) TriggerPolicy(ctx context.Context, questionID string) error {
	input := PolicyDraftInput{QuestionID: questionID}
	if err := input.Validate(); err != nil {
		return err
	}
	d.spawn(ctx, "policy", func(ctx context.Context) error {
		_, err := d.acts.GeneratePolicyDraft(ctx, questionID)
		return err
	})
	return nil
}

// TriggerExtraction extracts a thread, coalescing triggers that arrive
// while a pass is running.
func (d *InlineDispatcher) TriggerExtraction(ctx context.Context, threadID string) error {
	input := ExtractionInput{ThreadID: threadID}
	if err := input.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	if _, busy := d.running[threadID]; busy {
		d.running[threadID] = true
		d.mu.Unlock()
		return nil
	}
	d.running[threadID] = false
	d.mu.Unlock()

	ctx = logging.WithThreadID(ctx, threadID)
	d.spawn(ctx, "extract", func(ctx context.Context) error {
		for {
			_, err := d.acts.ExtractThread(ctx, threadID)
			if err != nil {
				logging.For(ctx, d.logger).Error("extraction failed", zap.Error(err))
			}
			d.mu.Lock()
			rerun := d.running[threadID]
			if !rerun || ctx.Err() != nil {
				delete(d.running, threadID)
				d.mu.Unlock()
				if rerun {
					logging.For(ctx, d.logger).Warn("extraction rerun dropped, job deadline reached",
						zap.Duration("timeout", d.timeout), zap.Error(ctx.Err()))
				}
				return nil
			}
			d.running[threadID] = false
			d.mu.Unlock()
		}
	})
	return nil
}

// Wait blocks until every spawned job has returned.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

// RunQuestionPipeline performs QuestionPipelineWorkflow's steps directly.
func RunQuestionPipeline(ctx context.Context, acts *Activities, input QuestionPipelineInput) (*QuestionPipelineResult, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	ids, err := acts.GenerateQuestions(ctx, input.ThemeID)
	if err != nil {
		return nil, NewWorkflowError("generate_questions", input.ThemeID, err)
	}
	result := &QuestionPipelineResult{QuestionIDs: ids}
	for _, id := range ids {
		n, err := acts.LinkQuestion(ctx, id)
		if err != nil {
			result.Errors = append(result.Errors, FormatErrorForResult("link_question", id, err))
			continue
		}
		result.Links += n
	}
	return result, nil
}
