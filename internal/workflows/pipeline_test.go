package workflows

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/digitaldemocracy2030/idobata/internal/extraction"
	"github.com/digitaldemocracy2030/idobata/internal/store"
)

// TestQuestionPipelineWorkflow tests generation followed by linking.
func TestQuestionPipelineWorkflow(t *testing.T) {
	var a *Activities

	t.Run("links every generated question", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(QuestionPipelineWorkflow)
		env.RegisterActivity(&Activities{})

		env.OnActivity(a.GenerateQuestions, mock.Anything, "theme-1").Return([]string{"q1", "q2"}, nil)
		env.OnActivity(a.LinkQuestion, mock.Anything, "q1").Return(3, nil)
		env.OnActivity(a.LinkQuestion, mock.Anything, "q2").Return(2, nil)

		env.ExecuteWorkflow(QuestionPipelineWorkflow, QuestionPipelineInput{ThemeID: "theme-1"})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result QuestionPipelineResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, []string{"q1", "q2"}, result.QuestionIDs)
		assert.Equal(t, 5, result.Links)
		assert.Empty(t, result.Errors)
	})

	t.Run("records link failures and continues", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(QuestionPipelineWorkflow)
		env.RegisterActivity(&Activities{})

		env.OnActivity(a.GenerateQuestions, mock.Anything, "theme-1").Return([]string{"q1", "q2"}, nil)
		env.OnActivity(a.LinkQuestion, mock.Anything, "q1").Return(0, errors.New("model unavailable"))
		env.OnActivity(a.LinkQuestion, mock.Anything, "q2").Return(4, nil)

		env.ExecuteWorkflow(QuestionPipelineWorkflow, QuestionPipelineInput{ThemeID: "theme-1"})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result QuestionPipelineResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, 4, result.Links)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0], "link_question failed")
		assert.Contains(t, result.Errors[0], "q1")
	})

	t.Run("fails when generation fails", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(QuestionPipelineWorkflow)
		env.RegisterActivity(&Activities{})

		env.OnActivity(a.GenerateQuestions, mock.Anything, "theme-1").Return(nil, errors.New("bad json"))

		env.ExecuteWorkflow(QuestionPipelineWorkflow, QuestionPipelineInput{ThemeID: "theme-1"})

		require.True(t, env.IsWorkflowCompleted())
		require.Error(t, env.GetWorkflowError())
		assert.Contains(t, env.GetWorkflowError().Error(), "generate_questions")
	})

	t.Run("rejects a missing theme id", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(QuestionPipelineWorkflow)

		env.ExecuteWorkflow(QuestionPipelineWorkflow, QuestionPipelineInput{})

		require.True(t, env.IsWorkflowCompleted())
		require.Error(t, env.GetWorkflowError())
	})
}

func TestPolicyDraftWorkflow(t *testing.T) {
	var a *Activities
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(PolicyDraftWorkflow)
	env.RegisterActivity(&Activities{})

	env.OnActivity(a.GeneratePolicyDraft, mock.Anything, "q1").Return(&PolicyDraftResult{DraftID: "d1", Title: "政策案"}, nil)

	env.ExecuteWorkflow(PolicyDraftWorkflow, PolicyDraftInput{QuestionID: "q1"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var result PolicyDraftResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, "d1", result.DraftID)
}

func TestExtractionWorkflow(t *testing.T) {
	var a *Activities
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(ExtractionWorkflow)
	env.RegisterActivity(&Activities{})

	env.OnActivity(a.ExtractThread, mock.Anything, "th1").Return(&ExtractionResult{Added: 2}, nil)

	env.ExecuteWorkflow(ExtractionWorkflow, ExtractionInput{ThreadID: "th1"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var result ExtractionResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 2, result.Added)
}

func TestExtractionWorkflow_SignalsDuringPassRunOnce(t *testing.T) {
	var a *Activities
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(ExtractionWorkflow)
	env.RegisterActivity(&Activities{})

	env.OnActivity(a.ExtractThread, mock.Anything, "th1").
		After(time.Minute).
		Return(&ExtractionResult{Added: 1, Skipped: 1}, nil).
		Times(2)

	// Two triggers while the first pass is running fold into one more pass.
	for _, at := range []time.Duration{time.Second, 2 * time.Second} {
		env.RegisterDelayedCallback(func() {
			env.SignalWorkflow(ExtractionSignal, "th1")
		}, at)
	}

	env.ExecuteWorkflow(ExtractionWorkflow, ExtractionInput{ThreadID: "th1"})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var result ExtractionResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, ExtractionResult{Added: 2, Skipped: 2}, result)
	env.AssertExpectations(t)
}

// TestActivities runs the activity methods against fakes.
func TestActivities(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()
	acts := &Activities{
		Questions: &fakeGenerator{ids: []string{"q1", "q2"}},
		Linker:    &fakeLinker{links: map[string]int{"q1": 1}},
		Drafter:   fakeDrafter{},
		Extractor: &fakeExtractor{},
	}
	env.RegisterActivity(acts)

	val, err := env.ExecuteActivity(acts.GenerateQuestions, "theme-1")
	require.NoError(t, err)
	var ids []string
	require.NoError(t, val.Get(&ids))
	assert.Equal(t, []string{"q1", "q2"}, ids)

	val, err = env.ExecuteActivity(acts.GeneratePolicyDraft, "q1")
	require.NoError(t, err)
	var draft PolicyDraftResult
	require.NoError(t, val.Get(&draft))
	assert.Equal(t, "draft-q1", draft.DraftID)

	_, err = (&Activities{}).LinkQuestion(context.Background(), "q1")
	assert.ErrorIs(t, err, errNotConfigured)
}

type fakeGenerator struct {
	ids []string
	err error
}

func (f *fakeGenerator) Generate(_ context.Context, themeID string) ([]store.SharpQuestion, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]store.SharpQuestion, len(f.ids))
	for i, id := range f.ids {
		out[i] = store.SharpQuestion{ID: id, ThemeID: themeID}
	}
	return out, nil
}

type fakeLinker struct {
	mu     sync.Mutex
	links  map[string]int
	called []string
}

func (f *fakeLinker) LinkQuestion(_ context.Context, questionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = append(f.called, questionID)
	n, ok := f.links[questionID]
	if !ok {
		return 0, errors.New("no links for " + questionID)
	}
	return n, nil
}

type fakeDrafter struct{}

func (fakeDrafter) Generate(_ context.Context, questionID string) (*store.PolicyDraft, error) {
	return &store.PolicyDraft{ID: "draft-" + questionID, QuestionID: questionID, Title: "t"}, nil
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
}

func (f *fakeExtractor) ProcessThread(ctx context.Context, _ string) (*extraction.Summary, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &extraction.Summary{Added: 1}, nil
}

func (f *fakeExtractor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRunQuestionPipeline(t *testing.T) {
	linker := &fakeLinker{links: map[string]int{"q1": 2, "q3": 1}}
	acts := &Activities{Questions: &fakeGenerator{ids: []string{"q1", "q2", "q3"}}, Linker: linker}

	res, err := RunQuestionPipeline(context.Background(), acts, QuestionPipelineInput{ThemeID: "t"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Links)
	assert.Equal(t, []string{"q1", "q2", "q3"}, linker.called)
	require.Len(t, res.Errors, 1)
	assert.True(t, strings.Contains(res.Errors[0], "q2"))

	_, err = RunQuestionPipeline(context.Background(), acts, QuestionPipelineInput{})
	assert.ErrorIs(t, err, ErrMissingID)

	acts.Questions = &fakeGenerator{err: errors.New("boom")}
	_, err = RunQuestionPipeline(context.Background(), acts, QuestionPipelineInput{ThemeID: "t"})
	var wfErr *WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, "generate_questions", wfErr.Operation)
}

func TestInlineDispatcher(t *testing.T) {
	linker := &fakeLinker{links: map[string]int{"q1": 1}}
	ext := &fakeExtractor{}
	d := NewInlineDispatcher(&Activities{
		Questions: &fakeGenerator{ids: []string{"q1"}},
		Linker:    linker,
		Drafter:   fakeDrafter{},
		Extractor: ext,
	}, time.Second, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.TriggerQuestions(ctx, "theme-1"))
	require.NoError(t, d.TriggerPolicy(ctx, "q1"))
	require.NoError(t, d.TriggerExtraction(ctx, "th1"))
	cancel() // jobs are detached from the request
	d.Wait()

	assert.Equal(t, []string{"q1"}, linker.called)
	assert.Equal(t, 1, ext.count())

	assert.ErrorIs(t, d.TriggerQuestions(context.Background(), ""), ErrMissingID)
	assert.ErrorIs(t, d.TriggerPolicy(context.Background(), ""), ErrMissingID)
	assert.ErrorIs(t, d.TriggerExtraction(context.Background(), ""), ErrMissingID)
}

func TestInlineDispatcher_CoalescesExtraction(t *testing.T) {
	ext := &fakeExtractor{gate: make(chan struct{})}
	d := NewInlineDispatcher(&Activities{Extractor: ext}, time.Second, nil)
	ctx := context.Background()

	require.NoError(t, d.TriggerExtraction(ctx, "th1"))
	require.Eventually(t, func() bool { return ext.count() == 1 }, time.Second, time.Millisecond)

	// Three triggers during the running pass collapse into one rerun.
	for i := 0; i < 3; i++ {
		require.NoError(t, d.TriggerExtraction(ctx, "th1"))
	}
	ext.gate <- struct{}{}
	require.Eventually(t, func() bool { return ext.count() == 2 }, time.Second, time.Millisecond)
	ext.gate <- struct{}{}
	d.Wait()
	assert.Equal(t, 2, ext.count())

	// A later trigger starts a fresh pass.
	close(ext.gate)
	require.NoError(t, d.TriggerExtraction(ctx, "th1"))
	d.Wait()
	assert.Equal(t, 3, ext.count())
}

func TestInlineDispatcher_LogsDroppedRerun(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ext := &fakeExtractor{gate: make(chan struct{})}
	d := NewInlineDispatcher(&Activities{Extractor: ext}, 50*time.Millisecond, zap.New(core))
	ctx := context.Background()

	require.NoError(t, d.TriggerExtraction(ctx, "th1"))
	require.Eventually(t, func() bool { return ext.count() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, d.TriggerExtraction(ctx, "th1"))

	// The gate never opens, so the pass ends at the job deadline with a
	// rerun still requested.
	d.Wait()
	assert.Equal(t, 1, ext.count())

	dropped := logs.FilterMessage("extraction rerun dropped, job deadline reached").All()
	require.Len(t, dropped, 1)
	assert.Equal(t, "th1", dropped[0].ContextMap()["thread_id"])
}

type fakeRun struct {
	client.WorkflowRun
	id string
}

func (r fakeRun) GetID() string    { return r.id }
func (r fakeRun) GetRunID() string { return "run-" + r.id }

type fakeStarter struct {
	opts    []client.StartWorkflowOptions
	inputs  []interface{}
	signals []string
	err     error
}

func (f *fakeStarter) ExecuteWorkflow(_ context.Context, opts client.StartWorkflowOptions, _ interface{}, args ...interface{}) (client.WorkflowRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.opts = append(f.opts, opts)
	f.inputs = append(f.inputs, args...)
	return fakeRun{id: opts.ID}, nil
}

func (f *fakeStarter) SignalWithStartWorkflow(_ context.Context, workflowID, signalName string, _ interface{},
	opts client.StartWorkflowOptions, _ interface{}, args ...interface{}) (client.WorkflowRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.signals = append(f.signals, signalName)
	f.opts = append(f.opts, opts)
	f.inputs = append(f.inputs, args...)
	return fakeRun{id: workflowID}, nil
}

func TestTemporalDispatcher(t *testing.T) {
	starter := &fakeStarter{}
	d := NewTemporalDispatcher(starter, "idobata-pipeline", zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, d.TriggerQuestions(ctx, "theme-1"))
	require.NoError(t, d.TriggerPolicy(ctx, "q1"))
	require.NoError(t, d.TriggerExtraction(ctx, "th1"))

	require.Len(t, starter.opts, 3)
	for _, o := range starter.opts {
		assert.Equal(t, "idobata-pipeline", o.TaskQueue)
	}
	assert.True(t, strings.HasPrefix(starter.opts[0].ID, "questions-theme-1-"))
	assert.True(t, strings.HasPrefix(starter.opts[1].ID, "policy-q1-"))
	assert.Equal(t, "extract-th1", starter.opts[2].ID)
	assert.Equal(t, []string{ExtractionSignal}, starter.signals)

	// Every trigger for a thread targets the same workflow.
	require.NoError(t, d.TriggerExtraction(ctx, "th1"))
	assert.Equal(t, "extract-th1", starter.opts[3].ID)
	starter.inputs = starter.inputs[:3]
	assert.Equal(t, []interface{}{
		QuestionPipelineInput{ThemeID: "theme-1"},
		PolicyDraftInput{QuestionID: "q1"},
		ExtractionInput{ThreadID: "th1"},
	}, starter.inputs)

	assert.ErrorIs(t, d.TriggerPolicy(ctx, ""), ErrMissingID)
	assert.ErrorIs(t, d.TriggerExtraction(ctx, ""), ErrMissingID)

	starter.err = errors.New("frontend unavailable")
	err := d.TriggerQuestions(ctx, "theme-1")
	assert.ErrorContains(t, err, "starting questions workflow")
}
