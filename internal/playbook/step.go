package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/jikken/internal/idempotency"
	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/pipeline"
	"github.com/ashita-ai/jikken/internal/queue"
	"github.com/ashita-ai/jikken/internal/storage"
	"github.com/ashita-ai/jikken/internal/telemetry"
)

// ErrInterrupted marks a step found running when its job was redelivered.
var ErrInterrupted = errors.New("playbook: step interrupted")

const stepOp = "playbook.step"

// StepKey identifies one execution of a step within an iteration.
func StepKey(stepID uuid.UUID, iteration int) string {
	return idempotency.Key(stepOp, stepID, iteration)
}

func (e *Executor) handleStep(ctx context.Context, job model.Job) error {
	stepID, err := uuid.Parse(job.PayloadString("step_id"))
	if err != nil {
		return queue.Permanent(fmt.Errorf("playbook: step job without step id: %w", err))
	}

	if job.BatchID != nil {
		b, err := e.store.GetBatch(ctx, *job.BatchID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("playbook: load batch: %w", err)
		}
		if err == nil && b.Cancelled {
			if err := e.store.SkipStep(ctx, stepID, "batch cancelled"); err != nil {
				return fmt.Errorf("playbook: skip step: %w", err)
			}
			return nil
		}
	}

	step, err := e.store.GetStep(ctx, stepID)
	if errors.Is(err, storage.ErrNotFound) {
		return queue.AbortBy("step", "not found")
	}
	if err != nil {
		return fmt.Errorf("playbook: load step: %w", err)
	}

	// A stale job for a stopped experiment or another iteration must not touch the step.
	exp, err := e.load(ctx, job)
	if err != nil {
		return err
	}

	log := e.logger.With("experiment_id", job.ExperimentID, "step_id", step.ID, "order", step.Order, "attempt", job.Attempts)

	switch step.Status {
	case model.StepCompleted, model.StepSkipped:
		return nil
	case model.StepFailed:
		return queue.Permanent(fmt.Errorf("playbook: step %d already failed: %s", step.Order, step.ErrorMessage))
	case model.StepRunning:
		log.Warn("playbook: step found running without completion, failing it")
		if err := e.store.FailStep(ctx, step.ID, "interrupted"); err != nil {
			return fmt.Errorf("playbook: fail interrupted step: %w", err)
		}
		if step.IdempotencyKey != "" {
			if err := e.store.ClearInProgressIdempotency(ctx, step.TeamID, stepOp, step.IdempotencyKey); err != nil {
				log.Error("playbook: clear step key", "error", err)
			}
		}
		return queue.Permanent(ErrInterrupted)
	}

	if err := e.runner.Guard(ctx, exp); err != nil {
		var g *queue.GuardError
		if errors.As(err, &g) && g.Guard == "kill_switch" {
			return queue.Defer(e.cfg.HaltDelay, "kill switch active")
		}
		return err
	}

	key := StepKey(step.ID, exp.CurrentIteration)
	lookup, err := e.store.BeginIdempotency(ctx, exp.TeamID, stepOp, key)
	if errors.Is(err, storage.ErrIdempotencyInProgress) {
		return queue.Defer(e.cfg.BusyDelay, "step in progress elsewhere")
	}
	if err != nil {
		return fmt.Errorf("playbook: begin step: %w", err)
	}
	if lookup.Completed {
		var output map[string]any
		if err := json.Unmarshal(lookup.ResponseData, &output); err != nil {
			return queue.Permanent(fmt.Errorf("playbook: cached step output: %w", err))
		}
		log.Info("playbook: replaying cached step output")
		return e.store.CompleteStep(ctx, step.ID, output, 0, 0)
	}

	release := func() {
		if err := e.store.ClearInProgressIdempotency(context.WithoutCancel(ctx), exp.TeamID, stepOp, key); err != nil {
			log.Error("playbook: clear step key", "error", err)
		}
	}

	steps, err := e.store.ListSteps(ctx, exp.ID)
	if err != nil {
		release()
		return fmt.Errorf("playbook: list steps: %w", err)
	}
	input := StepInput(step, exp, steps)
	if err := e.store.StartStep(ctx, step.ID, "job:"+job.ID.String(), key, input); err != nil {
		release()
		if errors.Is(err, storage.ErrConflict) {
			return queue.AbortBy("step", "no longer pending")
		}
		return fmt.Errorf("playbook: start step: %w", err)
	}

	ctx, span := e.tracer.Start(ctx, "playbook.step", trace.WithAttributes(
		attribute.String("experiment_id", exp.ID.String()),
		attribute.Int("order", step.Order),
		attribute.String("agent", step.Agent.Name),
	))
	defer span.End()

	stop := e.heartbeat(ctx, step.ID)
	start := e.now()
	res, err := e.runner.Generate(ctx, exp, e.call(step, exp, input))
	stop()
	elapsed := e.now().Sub(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		release()
		if rerr := e.store.RequeueStep(context.WithoutCancel(ctx), step.ID, err.Error()); rerr != nil {
			log.Error("playbook: requeue step", "error", rerr)
		}
		telemetry.Engine().RecordStage(ctx, "playbook_step", "failed", elapsed)
		log.Warn("playbook: step failed", "duration_ms", elapsed.Milliseconds(), "error", err)
		return e.runner.PauseIfExhausted(ctx, exp, err)
	}

	if err := e.store.CompleteStep(ctx, step.ID, res.Parsed, elapsed, res.Cost); err != nil {
		return fmt.Errorf("playbook: complete step: %w", err)
	}
	if err := e.store.CompleteIdempotency(ctx, exp.TeamID, stepOp, key, res.Parsed); err != nil {
		log.Error("playbook: cache step output", "error", err)
	}
	telemetry.Engine().RecordStage(ctx, "playbook_step", "completed", elapsed)
	log.Info("playbook: step completed", "duration_ms", elapsed.Milliseconds(), "cost", res.Cost)
	return nil
}

func (e *Executor) call(step model.PlaybookStep, exp model.Experiment, input map[string]any) pipeline.Call {
	a := step.Agent
	system := a.SystemPrompt
	if system == "" {
		role := a.Role
		if role == "" {
			role = "a specialist agent"
		}
		system = fmt.Sprintf("You are %s, %s, working on a growth experiment. "+
			"Respond with a JSON object holding your result.", a.Name, role)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Experiment: %s\nThesis: %s\n", exp.Title, exp.Thesis)
	if a.Instructions != "" {
		fmt.Fprintf(&b, "\nTask:\n%s\n", a.Instructions)
	}
	if raw, err := json.Marshal(input); err == nil && len(input) > 0 {
		fmt.Fprintf(&b, "\nInput:\n%s\n", raw)
	}

	maxTokens := a.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.cfg.MaxTokens
	}
	return pipeline.Call{
		Purpose:      "playbook_step",
		SystemPrompt: system,
		UserPrompt:   b.String(),
		MaxTokens:    maxTokens,
		Temperature:  0.7,
		Provider:     a.Provider,
		Model:        a.Model,
		Freeform:     true,
		Correlation:  map[string]string{"step_id": step.ID.String(), "agent": a.Name},
	}
}

// heartbeat refreshes the step's heartbeat until the returned stop is called.
func (e *Executor) heartbeat(ctx context.Context, id uuid.UUID) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() {
		t := time.NewTicker(e.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := e.store.HeartbeatStep(ctx, id); err != nil && ctx.Err() == nil {
					e.logger.Warn("playbook: heartbeat", "step_id", id, "error", err)
				}
			}
		}
	})
	return func() {
		cancel()
		wg.Wait()
	}
}

// onStepFailure records the final failure once the step's attempts are spent.
func (e *Executor) onStepFailure(ctx context.Context, job model.Job, cause error) {
	stepID, err := uuid.Parse(job.PayloadString("step_id"))
	if err != nil {
		return
	}
	if err := e.store.FailStep(ctx, stepID, pipeline.Truncate("Job failed: "+cause.Error(), 250)); err != nil {
		e.logger.Error("playbook: fail step", "step_id", stepID, "error", err)
	}
}
