package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/queue"
	"github.com/ashita-ai/jikken/internal/storage"
)

// Kill stops an experiment for good.
func (m *Machine) Kill(ctx context.Context, id uuid.UUID, reason, actor string) (model.Experiment, error) {
	return m.Transition(ctx, id, model.StatusKilled, WithReason(reason), WithActor(actor))
}

// Pause parks a working experiment. Its open batches are cancelled.
func (m *Machine) Pause(ctx context.Context, id uuid.UUID, reason, actor string) (model.Experiment, error) {
	return m.Transition(ctx, id, model.StatusPaused, WithReason(reason), WithActor(actor))
}

// Resume returns a paused experiment to the status it was paused from and
// re-dispatches that status's job.
func (m *Machine) Resume(ctx context.Context, id uuid.UUID, actor string) (model.Experiment, error) {
	exp, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return model.Experiment{}, fmt.Errorf("lifecycle: load experiment: %w", err)
	}
	if exp.Status != model.StatusPaused || exp.PausedFromStatus == nil {
		return model.Experiment{}, &TransitionError{ExperimentID: id, From: exp.Status, To: model.StatusPaused, Reason: "not paused"}
	}
	return m.Transition(ctx, id, *exp.PausedFromStatus, WithReason("Resumed"), WithActor(actor))
}

// Retry reruns the stage of an experiment sitting in a failed status.
func (m *Machine) Retry(ctx context.Context, id uuid.UUID, actor string) (model.Experiment, error) {
	exp, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return model.Experiment{}, fmt.Errorf("lifecycle: load experiment: %w", err)
	}
	to, ok := RetryStateFor(exp.Status)
	if !ok {
		return model.Experiment{}, &TransitionError{ExperimentID: id, From: exp.Status, Reason: "not in a failed state"}
	}
	return m.Transition(ctx, id, to, WithReason("Manual retry"), WithActor(actor))
}

// Approve releases the current iteration's proposals for delivery and moves
// the experiment through approved into executing.
func (m *Machine) Approve(ctx context.Context, id uuid.UUID, actor string) (model.Experiment, error) {
	exp, err := m.Transition(ctx, id, model.StatusApproved, WithReason("Proposals approved"), WithActor(actor))
	if err != nil {
		return model.Experiment{}, err
	}
	n, err := m.store.DecideProposals(ctx, id, exp.CurrentIteration, model.ProposalApproved, actor)
	if err != nil {
		return model.Experiment{}, fmt.Errorf("lifecycle: approve proposals: %w", err)
	}
	return m.Transition(ctx, id, model.StatusExecuting,
		WithReason("Executing approved proposals"),
		WithActor(actor),
		WithMetadata(map[string]any{"approved_proposals": n}))
}

// Reject records reviewer feedback and sends the experiment back to
// planning. Once the rejection cycle limit is hit the experiment is killed.
func (m *Machine) Reject(ctx context.Context, id uuid.UUID, feedback, actor string) (model.Experiment, error) {
	exp, err := m.Transition(ctx, id, model.StatusRejected,
		WithReason(feedback),
		WithActor(actor),
		WithMetadata(map[string]any{"rejection_reason": feedback}))
	if err != nil {
		return model.Experiment{}, err
	}
	if _, err := m.store.DecideProposals(ctx, id, exp.CurrentIteration, model.ProposalRejected, actor); err != nil {
		return model.Experiment{}, fmt.Errorf("lifecycle: reject proposals: %w", err)
	}

	exp, err = m.Transition(ctx, id, model.StatusPlanning, WithReason("Re-planning after rejection"))
	if errors.Is(err, ErrInvalidTransition) {
		return m.Transition(ctx, id, model.StatusKilled, WithReason("Max rejection cycles exceeded"))
	}
	return exp, err
}

// ExpireStaleApprovals expires experiments that have waited for approval
// longer than olderThan. It returns how many were expired.
func (m *Machine) ExpireStaleApprovals(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := m.store.ListExperimentsInStatus(ctx, model.StatusAwaitingApproval, m.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("lifecycle: list awaiting approval: %w", err)
	}
	expired := 0
	for _, exp := range stale {
		_, err := m.Transition(ctx, exp.ID, model.StatusExpired,
			WithReason(fmt.Sprintf("Approval not granted within %s", olderThan)))
		switch {
		case err == nil:
			expired++
		case errors.Is(err, ErrInvalidTransition):
			// Decided while we were sweeping.
		default:
			return expired, err
		}
	}
	return expired, nil
}

// HandleIterate runs the experiment.iterate job. Playbook experiments reset
// their steps and re-execute; the rest go back to planning.
func (m *Machine) HandleIterate(ctx context.Context, job model.Job) error {
	exp, err := m.store.GetExperiment(ctx, job.ExperimentID)
	if errors.Is(err, storage.ErrNotFound) {
		return queue.AbortBy("experiment", "not found")
	}
	if err != nil {
		return err
	}
	if exp.Status != model.StatusIterating {
		return queue.AbortBy("state", fmt.Sprintf("experiment is %s", exp.Status))
	}

	steps, err := m.store.CountSteps(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("lifecycle: count steps: %w", err)
	}
	if steps > 0 {
		if err := m.store.ResetSteps(ctx, exp.ID); err != nil {
			return fmt.Errorf("lifecycle: reset steps: %w", err)
		}
		_, err = m.Transition(ctx, exp.ID, model.StatusExecuting,
			WithReason(fmt.Sprintf("Iteration %d: re-executing playbook", exp.CurrentIteration)))
	} else {
		_, err = m.Transition(ctx, exp.ID, model.StatusPlanning,
			WithReason(fmt.Sprintf("Iteration %d: re-entering planning", exp.CurrentIteration)))
	}
	if errors.Is(err, ErrInvalidTransition) {
		return queue.Permanent(err)
	}
	return err
}
