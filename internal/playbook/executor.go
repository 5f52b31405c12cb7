package playbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/jikken/internal/lifecycle"
	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/pipeline"
	"github.com/ashita-ai/jikken/internal/queue"
	"github.com/ashita-ai/jikken/internal/storage"
	"github.com/ashita-ai/jikken/internal/telemetry"
)

// Store is the persistence the executor needs.
type Store interface {
	storage.ExperimentStore
	storage.StageStore
	storage.StepStore
	storage.JobStore
	storage.IdempotencyStore
}

// Config tunes step execution.
type Config struct {
	// HeartbeatInterval is how often a running step proves it is alive.
	HeartbeatInterval time.Duration
	// BusyDelay is how long a job waits when its idempotency key is held.
	BusyDelay time.Duration
	// HaltDelay is how long a step waits while the kill switch is active.
	HaltDelay time.Duration
	// StepAttempts is the delivery budget of one step job.
	StepAttempts int
	// MaxTokens is used when a step's agent does not set its own.
	MaxTokens int
}

// DefaultConfig returns the stock executor settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		BusyDelay:         15 * time.Second,
		HaltDelay:         time.Minute,
		StepAttempts:      2,
		MaxTokens:         2048,
	}
}

// Executor dispatches playbook waves and runs their steps.
type Executor struct {
	store   Store
	machine *lifecycle.Machine
	runner  *pipeline.Runner
	logger  *slog.Logger
	cfg     Config
	tracer  trace.Tracer
	now     func() time.Time
}

// New creates an Executor. Zero config fields take their defaults.
func New(store Store, machine *lifecycle.Machine, runner *pipeline.Runner, logger *slog.Logger, cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.BusyDelay <= 0 {
		cfg.BusyDelay = def.BusyDelay
	}
	if cfg.HaltDelay <= 0 {
		cfg.HaltDelay = def.HaltDelay
	}
	if cfg.StepAttempts <= 0 {
		cfg.StepAttempts = def.StepAttempts
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	return &Executor{
		store:   store,
		machine: machine,
		runner:  runner,
		logger:  logger,
		cfg:     cfg,
		tracer:  telemetry.Tracer("jikken/playbook"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Mount registers the playbook job kinds on p.
func (e *Executor) Mount(p *queue.Pool) {
	p.Handle(model.JobPlaybookStart, queue.Handler{Run: e.handleStart, OnFailure: e.onStartFailure})
	p.Handle(model.JobPlaybookAdvance, queue.Handler{Run: e.handleAdvance, OnFailure: e.onStartFailure})
	p.Handle(model.JobPlaybookFail, queue.Handler{Run: e.handleFail})
	p.Handle(model.JobPlaybookStep, queue.Handler{Run: e.handleStep, OnFailure: e.onStepFailure})
}

// Install validates def and creates its steps for exp.
func (e *Executor) Install(ctx context.Context, exp model.Experiment, def Definition) ([]model.PlaybookStep, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	steps := Materialize(exp, def)
	if err := e.store.CreateSteps(ctx, steps); err != nil {
		return nil, fmt.Errorf("playbook: install %q: %w", def.Name, err)
	}
	e.logger.Info("playbook: installed", "experiment_id", exp.ID, "name", def.Name, "steps", len(steps))
	return steps, nil
}

// Start opens the executing stage for exp and dispatches its first wave.
// Steps left over from an earlier run are reset first; completed ones replay
// their cached output instead of running again.
func (e *Executor) Start(ctx context.Context, exp model.Experiment) error {
	steps, err := e.store.ListSteps(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("playbook: list steps: %w", err)
	}
	if len(steps) == 0 {
		return e.transition(ctx, exp.ID, model.StatusCollectingMetrics, "Playbook completed (no steps)", nil)
	}
	for _, st := range steps {
		if st.Status != model.StepPending {
			if err := e.store.ResetSteps(ctx, exp.ID); err != nil {
				return fmt.Errorf("playbook: reset steps: %w", err)
			}
			break
		}
	}

	stage, err := e.store.FindOrCreateStage(ctx, exp, model.StageExecuting)
	if err != nil {
		return fmt.Errorf("playbook: find stage: %w", err)
	}
	if _, err := e.store.StartStage(ctx, stage.ID, map[string]any{
		"iteration": exp.CurrentIteration,
		"steps":     len(steps),
		"waves":     len(Partition(steps)),
	}); err != nil {
		return fmt.Errorf("playbook: start stage: %w", err)
	}
	return e.Continue(ctx, exp, 0)
}

// RetryFromStep re-enters executing for an experiment whose playbook failed,
// rerunning stepID and every step in a later wave. Steps before it, and its
// siblings in the same wave, replay their cached output.
func (e *Executor) RetryFromStep(ctx context.Context, expID, stepID uuid.UUID, actor string) (model.Experiment, error) {
	exp, err := e.store.GetExperiment(ctx, expID)
	if err != nil {
		return model.Experiment{}, fmt.Errorf("playbook: load experiment: %w", err)
	}
	if exp.Status != model.StatusExecutionFailed {
		return model.Experiment{}, &lifecycle.TransitionError{
			ExperimentID: expID, From: exp.Status, To: model.StatusExecuting,
			Reason: "playbook has not failed",
		}
	}
	steps, err := e.store.ListSteps(ctx, expID)
	if err != nil {
		return model.Experiment{}, fmt.Errorf("playbook: list steps: %w", err)
	}

	var (
		rerun  []model.PlaybookStep
		target *model.PlaybookStep
	)
	for _, wave := range Partition(steps) {
		if target != nil {
			rerun = append(rerun, wave...)
			continue
		}
		for _, st := range wave {
			if st.ID == stepID {
				target = &st
				rerun = append(rerun, st)
			}
		}
	}
	if target == nil {
		return model.Experiment{}, fmt.Errorf("playbook: step %s of experiment %s: %w", stepID, expID, storage.ErrNotFound)
	}

	for _, st := range rerun {
		if err := e.store.DeleteIdempotency(ctx, exp.TeamID, stepOp, StepKey(st.ID, exp.CurrentIteration)); err != nil {
			return model.Experiment{}, fmt.Errorf("playbook: clear step %d: %w", st.Order, err)
		}
	}
	e.logger.Info("playbook: retry from step", "experiment_id", expID, "order", target.Order, "rerun", len(rerun))

	return e.machine.Transition(ctx, expID, model.StatusExecuting,
		lifecycle.WithReason(fmt.Sprintf("Manual retry from step %d", target.Order)),
		lifecycle.WithActor(actor),
		lifecycle.WithMetadata(map[string]any{"retry_from_step": stepID.String(), "rerun_steps": len(rerun)}))
}

// Continue dispatches the first non-empty wave at or after from. Conditional
// steps whose condition fails are skipped; a wave left empty is passed over.
// When no wave remains the experiment moves on to metric collection.
func (e *Executor) Continue(ctx context.Context, exp model.Experiment, from int) error {
	steps, err := e.store.ListSteps(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("playbook: list steps: %w", err)
	}
	waves := Partition(steps)

	for i := from; i < len(waves); i++ {
		var ready []model.PlaybookStep
		for _, st := range waves[i] {
			if ShouldRun(st, steps) {
				ready = append(ready, st)
				continue
			}
			if err := e.store.SkipStep(ctx, st.ID, "condition not met"); err != nil {
				return fmt.Errorf("playbook: skip step %d: %w", st.Order, err)
			}
			e.logger.Info("playbook: step skipped", "experiment_id", exp.ID, "order", st.Order, "condition", st.Conditions.If)
		}
		if len(ready) == 0 {
			continue
		}
		return e.dispatch(ctx, exp, i, ready)
	}
	return e.finish(ctx, exp, len(waves))
}

func (e *Executor) dispatch(ctx context.Context, exp model.Experiment, wave int, steps []model.PlaybookStep) error {
	jobs := make([]model.Job, 0, len(steps))
	for _, st := range steps {
		jobs = append(jobs, model.Job{
			Queue:        model.QueueAI,
			Kind:         model.JobPlaybookStep,
			ExperimentID: exp.ID,
			TeamID:       exp.TeamID,
			Payload: map[string]any{
				"step_id":   st.ID.String(),
				"iteration": exp.CurrentIteration,
				"wave":      wave,
			},
			MaxAttempts: e.cfg.StepAttempts,
		})
	}
	b, err := e.store.EnqueueBatch(ctx, model.Batch{
		ExperimentID:  exp.ID,
		TeamID:        exp.TeamID,
		AllowFailures: len(steps) > 1,
		Queue:         model.QueueExperiments,
		OnSuccess:     model.JobPlaybookAdvance,
		OnFailure:     model.JobPlaybookFail,
		Payload:       map[string]any{"wave": wave, "iteration": exp.CurrentIteration},
	}, jobs)
	if err != nil {
		return fmt.Errorf("playbook: enqueue wave %d: %w", wave, err)
	}
	e.logger.Info("playbook: wave dispatched",
		"experiment_id", exp.ID, "wave", wave, "steps", len(steps), "batch_id", b.ID)
	return nil
}

func (e *Executor) finish(ctx context.Context, exp model.Experiment, waves int) error {
	steps, err := e.store.ListSteps(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("playbook: list steps: %w", err)
	}
	out := map[string]any{"waves": waves}
	var cost int64
	for _, st := range steps {
		out[string(st.Status)] = toInt(out[string(st.Status)]) + 1
		cost += st.Cost
	}
	out["cost"] = cost
	if stage, err := e.store.GetStage(ctx, exp.ID, model.StageExecuting, exp.CurrentIteration); err == nil {
		elapsed := time.Duration(0)
		if stage.StartedAt != nil {
			elapsed = e.now().Sub(*stage.StartedAt)
		}
		if err := e.store.CompleteStage(ctx, stage.ID, elapsed, out); err != nil {
			return fmt.Errorf("playbook: complete stage: %w", err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("playbook: load stage: %w", err)
	}
	return e.transition(ctx, exp.ID, model.StatusCollectingMetrics, "Playbook completed successfully", out)
}

func (e *Executor) fail(ctx context.Context, exp model.Experiment, reason string, md map[string]any) error {
	if stage, err := e.store.GetStage(ctx, exp.ID, model.StageExecuting, exp.CurrentIteration); err == nil {
		if _, err := e.store.FailStage(context.WithoutCancel(ctx), stage.ID, 0, reason); err != nil {
			e.logger.Error("playbook: record stage failure", "experiment_id", exp.ID, "error", err)
		}
	}
	return e.transition(ctx, exp.ID, model.StatusExecutionFailed, reason, md)
}

func (e *Executor) transition(ctx context.Context, id uuid.UUID, to model.ExperimentStatus, reason string, md map[string]any) error {
	_, err := e.machine.Transition(ctx, id, to,
		lifecycle.WithReason(reason),
		lifecycle.WithActor(pipeline.SystemActor),
		lifecycle.WithMetadata(md))
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		return queue.AbortBy("transition", err.Error())
	}
	return err
}

// load fetches the experiment a playbook job belongs to and aborts unless
// it is executing the job's iteration.
func (e *Executor) load(ctx context.Context, job model.Job) (model.Experiment, error) {
	exp, err := e.store.GetExperiment(ctx, job.ExperimentID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Experiment{}, queue.AbortBy("experiment", "not found")
	}
	if err != nil {
		return model.Experiment{}, fmt.Errorf("playbook: load experiment: %w", err)
	}
	if job.TeamID != uuid.Nil && exp.TeamID != job.TeamID {
		return model.Experiment{}, queue.AbortBy("tenant", "job team does not own experiment")
	}
	if exp.Status != model.StatusExecuting {
		return model.Experiment{}, queue.AbortBy("state", fmt.Sprintf("experiment is %s, want %s", exp.Status, model.StatusExecuting))
	}
	if _, ok := job.Payload["iteration"]; ok && job.PayloadInt("iteration") != exp.CurrentIteration {
		return model.Experiment{}, queue.AbortBy("iteration",
			fmt.Sprintf("job for iteration %d, experiment at %d", job.PayloadInt("iteration"), exp.CurrentIteration))
	}
	return exp, nil
}

// once runs fn at most once per (team, op, key). A completed key is a no-op;
// a key held by another worker defers the job.
func (e *Executor) once(ctx context.Context, teamID uuid.UUID, op, key string, fn func() error) error {
	lookup, err := e.store.BeginIdempotency(ctx, teamID, op, key)
	if errors.Is(err, storage.ErrIdempotencyInProgress) {
		return queue.Defer(e.cfg.BusyDelay, op+" in progress")
	}
	if err != nil {
		return fmt.Errorf("playbook: begin %s: %w", op, err)
	}
	if lookup.Completed {
		return nil
	}
	if err := fn(); err != nil {
		if cerr := e.store.ClearInProgressIdempotency(context.WithoutCancel(ctx), teamID, op, key); cerr != nil {
			e.logger.Error("playbook: clear idempotency", "op", op, "error", cerr)
		}
		return err
	}
	if err := e.store.CompleteIdempotency(ctx, teamID, op, key, map[string]any{"done": true}); err != nil {
		return fmt.Errorf("playbook: complete %s: %w", op, err)
	}
	return nil
}

func (e *Executor) handleStart(ctx context.Context, job model.Job) error {
	exp, err := e.load(ctx, job)
	if err != nil {
		return err
	}
	if err := e.runner.Guard(ctx, exp); err != nil {
		return err
	}
	return e.once(ctx, exp.TeamID, "playbook.start", job.ID.String(), func() error {
		return e.Start(ctx, exp)
	})
}

func (e *Executor) handleAdvance(ctx context.Context, job model.Job) error {
	exp, err := e.load(ctx, job)
	if err != nil {
		return err
	}
	key := job.PayloadString("batch_id")
	if key == "" {
		key = job.ID.String()
	}
	return e.once(ctx, exp.TeamID, "playbook.advance", key, func() error {
		return e.Continue(ctx, exp, job.PayloadInt("wave")+1)
	})
}

func (e *Executor) handleFail(ctx context.Context, job model.Job) error {
	exp, err := e.load(ctx, job)
	if err != nil {
		return err
	}
	wave := job.PayloadInt("wave")
	e.logger.Warn("playbook: wave failed", "experiment_id", exp.ID, "wave", wave)
	return e.fail(ctx, exp, "Playbook step failed", map[string]any{"wave": wave})
}

// onStartFailure fails the experiment when dispatching a wave kept failing.
func (e *Executor) onStartFailure(ctx context.Context, job model.Job, cause error) {
	exp, err := e.store.GetExperiment(ctx, job.ExperimentID)
	if err != nil || exp.Status != model.StatusExecuting {
		return
	}
	reason := pipeline.Truncate("Playbook dispatch failed: "+cause.Error(), 250)
	if err := e.fail(ctx, exp, reason, nil); err != nil {
		e.logger.Error("playbook: fail experiment", "experiment_id", exp.ID, "error", err)
	}
}

func toInt(v any) int {
	n, _ := v.(int)
	return n
}
