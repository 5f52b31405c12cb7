package playbook

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jikken/internal/budget"
	"github.com/ashita-ai/jikken/internal/generation"
	"github.com/ashita-ai/jikken/internal/lifecycle"
	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/pipeline"
	"github.com/ashita-ai/jikken/internal/queue"
	"github.com/ashita-ai/jikken/internal/storage/memstore"
)

// agents answers playbook steps by agent name and evaluation with a verdict.
type agents struct {
	mu      sync.Mutex
	calls   []string
	replies map[string]string
	failing map[string]bool
	delay   time.Duration
}

func (a *agents) Complete(_ context.Context, req generation.Request) (generation.Response, error) {
	name := req.CorrelationIDs["agent"]
	if name == "" {
		name = req.CorrelationIDs["purpose"]
	}
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, name)
	if a.failing[name] {
		return generation.Response{}, generation.ErrProvider
	}
	reply, ok := a.replies[name]
	if !ok {
		reply = `{"done": true}`
	}
	return generation.Response{Content: reply, Usage: generation.Usage{InputTokens: 50, OutputTokens: 20}}, nil
}

func (a *agents) called() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.calls)
}

type fixture struct {
	store   *memstore.Store
	machine *lifecycle.Machine
	exec    *Executor
	pool    *queue.Pool
	gen     *agents
	team    uuid.UUID
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	f := &fixture{
		store:   store,
		machine: lifecycle.New(store, logger, lifecycle.DefaultConfig()),
		gen: &agents{
			replies: map[string]string{
				"researcher": `{"lead_count": 3, "leads": ["ada", "grace", "linus"]}`,
				"evaluating": `{"verdict": "completed", "reasoning": "done"}`,
			},
			failing: map[string]bool{},
		},
		team: uuid.New(),
	}
	guard := budget.New(store, logger)
	_, err := guard.Grant(context.Background(), f.team, 1_000_000, "test")
	require.NoError(t, err)

	runner := pipeline.NewRunner(pipeline.Deps{
		Store:     store,
		Machine:   f.machine,
		Budget:    guard,
		Generator: f.gen,
		Logger:    logger,
	}, pipeline.Config{})
	runner.RegisterDefaults()

	f.exec = New(store, f.machine, runner, logger, cfg)
	f.pool = queue.New(store, logger, queue.DefaultConfig())
	runner.Mount(f.pool)
	f.exec.Mount(f.pool)
	return f
}

func (f *fixture) experiment(t *testing.T, yamlDef string) (model.Experiment, []model.PlaybookStep) {
	t.Helper()
	ctx := context.Background()
	exp, err := f.store.CreateExperiment(ctx, model.Experiment{
		TeamID:           f.team,
		Title:            "Founder outreach",
		Thesis:           "Founders answer warm intros",
		Status:           model.StatusApproved,
		MaxIterations:    3,
		MaxOutboundCount: 10,
	})
	require.NoError(t, err)
	def, err := LoadDefinition([]byte(yamlDef))
	require.NoError(t, err)
	steps, err := f.exec.Install(ctx, exp, def)
	require.NoError(t, err)
	return exp, steps
}

func (f *fixture) execute(t *testing.T, id uuid.UUID) {
	t.Helper()
	_, err := f.machine.Transition(context.Background(), id, model.StatusExecuting, lifecycle.WithReason("approved"))
	require.NoError(t, err)
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	_, err := f.pool.RunUntilIdle(context.Background(), 100)
	require.NoError(t, err)
}

func (f *fixture) steps(t *testing.T, id uuid.UUID) map[string]model.PlaybookStep {
	t.Helper()
	list, err := f.store.ListSteps(context.Background(), id)
	require.NoError(t, err)
	out := make(map[string]model.PlaybookStep, len(list))
	for _, st := range list {
		out[st.Agent.Name] = st
	}
	return out
}

func (f *fixture) status(t *testing.T, id uuid.UUID) model.ExperimentStatus {
	t.Helper()
	exp, err := f.store.GetExperiment(context.Background(), id)
	require.NoError(t, err)
	return exp.Status
}

func TestPlaybookRunsWavesInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	exp, _ := f.experiment(t, outreachYAML)

	f.execute(t, exp.ID)
	f.drain(t)

	assert.Equal(t, model.StatusCompleted, f.status(t, exp.ID))

	calls := f.gen.called()
	require.Equal(t, []string{"researcher", "copywriter", "designer", "reviewer", "evaluating"}, sortMiddle(calls))
	assert.Equal(t, "researcher", calls[0])
	assert.Equal(t, "reviewer", calls[3])

	steps := f.steps(t, exp.ID)
	for name, st := range steps {
		assert.Equal(t, model.StepCompleted, st.Status, name)
		assert.NotEmpty(t, st.IdempotencyKey, name)
	}
	assert.Equal(t, []any{"ada", "grace", "linus"}, steps["copywriter"].Input["leads"])
	assert.Equal(t, map[string]any{"done": true}, steps["designer"].Output)

	stage, err := f.store.GetStage(ctx, exp.ID, model.StageExecuting, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusCompleted, stage.Status)

	metrics, err := f.store.ListMetrics(ctx, exp.ID, 1)
	require.NoError(t, err)
	summary := pipeline.SummarizeMetrics(metrics)
	assert.Equal(t, 4, summary["step_completion"].Count)
	assert.Equal(t, 1.0, summary["workflow_summary"].Avg)
}

// sortMiddle sorts the parallel wave (positions 1 and 2) so the assertion
// does not depend on sibling scheduling.
func sortMiddle(calls []string) []string {
	out := slices.Clone(calls)
	if len(out) >= 3 {
		slices.Sort(out[1:3])
	}
	return out
}

func TestConditionalStepSkipped(t *testing.T) {
	f := newFixture(t, Config{})
	f.gen.replies["researcher"] = `{"lead_count": 1}`
	exp, _ := f.experiment(t, outreachYAML)

	f.execute(t, exp.ID)
	f.drain(t)

	assert.Equal(t, model.StatusCompleted, f.status(t, exp.ID))
	assert.NotContains(t, f.gen.called(), "reviewer")
	assert.Equal(t, model.StepSkipped, f.steps(t, exp.ID)["reviewer"].Status)
}

func TestFailedStepFailsExperiment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.gen.failing["designer"] = true
	exp, _ := f.experiment(t, outreachYAML)

	f.execute(t, exp.ID)
	for i := range 3 {
		offset := time.Duration(i+1) * time.Hour
		f.store.Now = func() time.Time { return time.Now().UTC().Add(offset) }
		f.drain(t)
	}

	assert.Equal(t, model.StatusExecutionFailed, f.status(t, exp.ID))
	steps := f.steps(t, exp.ID)
	assert.Equal(t, model.StepCompleted, steps["copywriter"].Status)
	assert.Equal(t, model.StepFailed, steps["designer"].Status)
	assert.Contains(t, steps["designer"].ErrorMessage, "Job failed:")
	assert.Equal(t, model.StepPending, steps["reviewer"].Status)
	assert.NotContains(t, f.gen.called(), "reviewer")

	stage, err := f.store.GetStage(ctx, exp.ID, model.StageExecuting, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusFailed, stage.Status)

	log, err := f.store.ListTransitions(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, "Playbook step failed", log[len(log)-1].Reason)
}

func TestRetryReplaysCompletedSteps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.gen.failing["designer"] = true
	exp, _ := f.experiment(t, outreachYAML)
	f.execute(t, exp.ID)
	for i := range 3 {
		offset := time.Duration(i+1) * time.Hour
		f.store.Now = func() time.Time { return time.Now().UTC().Add(offset) }
		f.drain(t)
	}
	require.Equal(t, model.StatusExecutionFailed, f.status(t, exp.ID))

	f.gen.mu.Lock()
	f.gen.failing["designer"] = false
	f.gen.calls = nil
	f.gen.mu.Unlock()

	_, err := f.machine.Retry(ctx, exp.ID, "operator")
	require.NoError(t, err)
	f.drain(t)

	assert.Equal(t, model.StatusCompleted, f.status(t, exp.ID))
	calls := f.gen.called()
	assert.NotContains(t, calls, "researcher")
	assert.NotContains(t, calls, "copywriter")
	assert.Contains(t, calls, "designer")
}

func TestRetryFromStepRerunsStepAndLaterWaves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.gen.failing["reviewer"] = true
	exp, _ := f.experiment(t, outreachYAML)
	f.execute(t, exp.ID)
	for i := range 3 {
		offset := time.Duration(i+1) * time.Hour
		f.store.Now = func() time.Time { return time.Now().UTC().Add(offset) }
		f.drain(t)
	}
	require.Equal(t, model.StatusExecutionFailed, f.status(t, exp.ID))

	f.gen.mu.Lock()
	f.gen.failing["reviewer"] = false
	f.gen.calls = nil
	f.gen.mu.Unlock()

	copywriter := f.steps(t, exp.ID)["copywriter"]
	got, err := f.exec.RetryFromStep(ctx, exp.ID, copywriter.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, model.StatusExecuting, got.Status)
	f.drain(t)

	assert.Equal(t, model.StatusCompleted, f.status(t, exp.ID))
	calls := f.gen.called()
	assert.Contains(t, calls, "copywriter")
	assert.Contains(t, calls, "reviewer")
	assert.NotContains(t, calls, "researcher")
	assert.NotContains(t, calls, "designer", "wave siblings replay their output")
}

func TestRetryFromStepNeedsFailedPlaybook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	exp, steps := executingExperiment(t, f)

	_, err := f.exec.RetryFromStep(ctx, exp.ID, steps[1].ID, "operator")
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	assert.Equal(t, model.StatusExecuting, f.status(t, exp.ID))

	_, err = f.exec.RetryFromStep(ctx, exp.ID, uuid.New(), "operator")
	require.Error(t, err)
}

func TestNoStepsSkipsToMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	exp, err := f.store.CreateExperiment(ctx, model.Experiment{TeamID: f.team, Status: model.StatusExecuting, MaxIterations: 1})
	require.NoError(t, err)

	require.NoError(t, f.exec.Start(ctx, exp))
	assert.Equal(t, model.StatusCollectingMetrics, f.status(t, exp.ID))
}

func stepJob(exp model.Experiment, st model.PlaybookStep) model.Job {
	return model.Job{
		ID:           uuid.New(),
		Queue:        model.QueueAI,
		Kind:         model.JobPlaybookStep,
		ExperimentID: exp.ID,
		TeamID:       exp.TeamID,
		Payload:      map[string]any{"step_id": st.ID.String(), "iteration": 1},
		Attempts:     1,
		MaxAttempts:  2,
	}
}

func executingExperiment(t *testing.T, f *fixture) (model.Experiment, []model.PlaybookStep) {
	t.Helper()
	exp, steps := f.experiment(t, outreachYAML)
	exp, err := f.machine.Transition(context.Background(), exp.ID, model.StatusExecuting)
	require.NoError(t, err)
	return exp, steps
}

func TestRunningStepIsInterrupted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	exp, steps := executingExperiment(t, f)
	require.NoError(t, f.store.StartStep(ctx, steps[0].ID, "crashed-worker", "k", nil))

	err := f.exec.handleStep(ctx, stepJob(exp, steps[0]))
	require.ErrorIs(t, err, ErrInterrupted)
	assert.True(t, queue.IsPermanent(err))

	st, err := f.store.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepFailed, st.Status)
	assert.Equal(t, "interrupted", st.ErrorMessage)
	assert.Empty(t, f.gen.called())
}

func TestStaleStepJobLeavesRunningStepAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	exp, steps := executingExperiment(t, f)
	require.NoError(t, f.store.StartStep(ctx, steps[0].ID, "live-worker", "k", nil))

	_, err := f.machine.Kill(ctx, exp.ID, "stop", "operator")
	require.NoError(t, err)

	err = f.exec.handleStep(ctx, stepJob(exp, steps[0]))
	var guard *queue.GuardError
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, "state", guard.Guard)

	st, err := f.store.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepRunning, st.Status)
	assert.Empty(t, st.ErrorMessage)
}

func TestStepJobFromEarlierIterationAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	exp, steps := executingExperiment(t, f)
	require.NoError(t, f.store.StartStep(ctx, steps[0].ID, "live-worker", "k", nil))

	job := stepJob(exp, steps[0])
	job.Payload["iteration"] = 0
	err := f.exec.handleStep(ctx, job)
	var guard *queue.GuardError
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, "iteration", guard.Guard)

	st, err := f.store.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepRunning, st.Status)
}

func TestCancelledBatchSkipsStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	exp, steps := executingExperiment(t, f)
	job := stepJob(exp, steps[0])
	b, err := f.store.EnqueueBatch(ctx, model.Batch{ExperimentID: exp.ID, TeamID: exp.TeamID, Queue: model.QueueExperiments,
		OnSuccess: model.JobPlaybookAdvance, OnFailure: model.JobPlaybookFail}, []model.Job{job})
	require.NoError(t, err)
	require.NoError(t, f.store.CancelBatch(ctx, b.ID))
	job.BatchID = &b.ID

	require.NoError(t, f.exec.handleStep(ctx, job))
	st, err := f.store.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepSkipped, st.Status)
	assert.Empty(t, f.gen.called())
}

func TestCachedOutputIsReplayed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	exp, steps := executingExperiment(t, f)
	key := StepKey(steps[0].ID, 1)
	_, err := f.store.BeginIdempotency(ctx, exp.TeamID, stepOp, key)
	require.NoError(t, err)
	require.NoError(t, f.store.CompleteIdempotency(ctx, exp.TeamID, stepOp, key, map[string]any{"cached": true}))

	require.NoError(t, f.exec.handleStep(ctx, stepJob(exp, steps[0])))
	st, err := f.store.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepCompleted, st.Status)
	assert.Equal(t, map[string]any{"cached": true}, st.Output)
	assert.Empty(t, f.gen.called())
}

func TestStepOutsideExecutingAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	exp, steps := f.experiment(t, outreachYAML)

	err := f.exec.handleStep(ctx, stepJob(exp, steps[0]))
	var guard *queue.GuardError
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, "state", guard.Guard)
}

func TestFailedAgentCallRequeuesStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.gen.failing["researcher"] = true
	exp, steps := executingExperiment(t, f)

	err := f.exec.handleStep(ctx, stepJob(exp, steps[0]))
	require.ErrorIs(t, err, generation.ErrProvider)
	assert.False(t, queue.IsPermanent(err))

	st, err := f.store.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepPending, st.Status)

	// The key was released so the retry runs the agent again.
	f.gen.failing["researcher"] = false
	require.NoError(t, f.exec.handleStep(ctx, stepJob(exp, steps[0])))
	assert.Equal(t, []string{"researcher", "researcher"}, f.gen.called())
}

func TestHeartbeatRefreshesWhileAgentRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{HeartbeatInterval: 5 * time.Millisecond})
	f.gen.delay = 60 * time.Millisecond
	exp, steps := executingExperiment(t, f)

	require.NoError(t, f.exec.handleStep(ctx, stepJob(exp, steps[0])))
	st, err := f.store.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	require.NotNil(t, st.LastHeartbeatAt)
	require.NotNil(t, st.StartedAt)
	assert.True(t, st.LastHeartbeatAt.After(*st.StartedAt))
}

func TestAdvanceRunsOncePerBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	exp, _ := executingExperiment(t, f)
	job := model.Job{
		ID: uuid.New(), Kind: model.JobPlaybookAdvance, ExperimentID: exp.ID, TeamID: exp.TeamID,
		Payload: map[string]any{"wave": 0, "iteration": 1, "batch_id": uuid.NewString()},
	}

	require.NoError(t, f.exec.handleAdvance(ctx, job))
	require.NoError(t, f.exec.handleAdvance(ctx, job))

	jobs, err := f.store.ListJobs(ctx, exp.ID)
	require.NoError(t, err)
	var stepJobs int
	for _, j := range jobs {
		if j.Kind == model.JobPlaybookStep {
			stepJobs++
		}
	}
	assert.Equal(t, 2, stepJobs)
}
