// Package lifecycle owns experiment status. Machine.Transition is the only
// writer of Experiment.Status, and entering a state is the only way the
// next unit of work gets scheduled.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/storage"
)

// Store is the persistence the machine needs.
type Store interface {
	storage.ExperimentStore
	storage.StepStore
	storage.OutboundStore
}

// Config bounds retry and rejection loops. Experiments may override both
// through the max_retries_per_stage and max_rejection_cycles constraints.
type Config struct {
	MaxRetriesPerStage int
	MaxRejectionCycles int
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{MaxRetriesPerStage: 3, MaxRejectionCycles: 3}
}

// Machine validates and applies experiment status changes.
type Machine struct {
	store  Store
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

// New creates a Machine.
func New(store Store, logger *slog.Logger, cfg Config) *Machine {
	if cfg.MaxRetriesPerStage <= 0 {
		cfg.MaxRetriesPerStage = 3
	}
	if cfg.MaxRejectionCycles <= 0 {
		cfg.MaxRejectionCycles = 3
	}
	return &Machine{store: store, logger: logger, cfg: cfg, now: time.Now}
}

// Option customises a single transition.
type Option func(*options)

type options struct {
	reason   string
	actor    string
	metadata map[string]any
	mutate   func(*model.Experiment)
}

// WithReason records why the transition happened.
func WithReason(reason string) Option {
	return func(o *options) { o.reason = reason }
}

// WithActor records who requested the transition. Empty means the system.
func WithActor(actor string) Option {
	return func(o *options) { o.actor = actor }
}

// WithMetadata attaches data to the transition log row.
func WithMetadata(md map[string]any) Option {
	return func(o *options) {
		if o.metadata == nil {
			o.metadata = make(map[string]any, len(md))
		}
		maps.Copy(o.metadata, md)
	}
}

// WithMutation applies fn to the locked experiment after validation and
// before the status is written. Only CurrentIteration and the lifecycle
// timestamps are persisted; fn must not change Status.
func WithMutation(fn func(*model.Experiment)) Option {
	return func(o *options) { o.mutate = fn }
}

// facts are read before the row lock; the locked callback must stay free
// of store calls.
type facts struct {
	status     model.ExperimentStatus
	hasSteps   bool
	failures   int
	rejections int
}

// Transition moves experiment id to status to. It validates the move
// against the table and the iteration, retry and rejection limits, writes
// the status and the transition log row, and enqueues the job for the new
// state, all in one transaction. A refused move returns a *TransitionError.
func (m *Machine) Transition(ctx context.Context, id uuid.UUID, to model.ExperimentStatus, opts ...Option) (model.Experiment, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	for range 3 {
		cur, err := m.store.GetExperiment(ctx, id)
		if err != nil {
			return model.Experiment{}, fmt.Errorf("lifecycle: load experiment: %w", err)
		}
		f, err := m.gather(ctx, cur, to)
		if err != nil {
			return model.Experiment{}, err
		}

		exp, err := m.store.TransitionExperiment(ctx, id, func(e *model.Experiment) (storage.TransitionResult, error) {
			if e.Status != f.status {
				return storage.TransitionResult{}, errStale
			}
			return m.apply(e, to, f, o)
		})
		if errors.Is(err, errStale) {
			continue
		}
		if err != nil {
			var te *TransitionError
			if errors.As(err, &te) {
				m.logger.Warn("lifecycle: transition refused",
					"experiment_id", id, "from", te.From, "to", te.To, "reason", te.Reason)
				return model.Experiment{}, err
			}
			m.logger.Error("lifecycle: transition failed", "experiment_id", id, "to", to, "error", err)
			return model.Experiment{}, fmt.Errorf("lifecycle: transition %s: %w", to, err)
		}

		m.logger.Info("lifecycle: transitioned",
			"experiment_id", id, "from", f.status, "to", to, "reason", o.reason, "actor", o.actor)
		return exp, nil
	}
	return model.Experiment{}, fmt.Errorf("lifecycle: transition %s: %w", to, errStale)
}

func (m *Machine) gather(ctx context.Context, cur model.Experiment, to model.ExperimentStatus) (facts, error) {
	f := facts{status: cur.Status}
	if to == model.StatusExecuting {
		n, err := m.store.CountSteps(ctx, cur.ID)
		if err != nil {
			return f, fmt.Errorf("lifecycle: count steps: %w", err)
		}
		f.hasSteps = n > 0
	}
	if retry, ok := RetryStateFor(cur.Status); ok && retry == to {
		n, err := m.store.CountTransitions(ctx, cur.ID, cur.Status, cur.CurrentIteration)
		if err != nil {
			return f, fmt.Errorf("lifecycle: count failures: %w", err)
		}
		f.failures = n
	}
	if cur.Status == model.StatusRejected && to == model.StatusPlanning {
		n, err := m.store.CountTransitions(ctx, cur.ID, model.StatusRejected, 0)
		if err != nil {
			return f, fmt.Errorf("lifecycle: count rejections: %w", err)
		}
		f.rejections = n
	}
	return f, nil
}

func (m *Machine) apply(e *model.Experiment, to model.ExperimentStatus, f facts, o options) (storage.TransitionResult, error) {
	from := e.Status
	refuse := func(reason string) (storage.TransitionResult, error) {
		return storage.TransitionResult{}, &TransitionError{ExperimentID: e.ID, From: from, To: to, Reason: reason}
	}

	if !Allowed(from, to) {
		return refuse("not permitted")
	}
	if from == model.StatusPaused && to != model.StatusKilled &&
		e.PausedFromStatus != nil && *e.PausedFromStatus != to {
		return refuse(fmt.Sprintf("paused from %s", *e.PausedFromStatus))
	}
	if to == model.StatusIterating && e.CurrentIteration >= e.MaxIterations {
		return refuse(fmt.Sprintf("max iterations (%d) reached", e.MaxIterations))
	}
	if limit := e.ConstraintInt("max_retries_per_stage", m.cfg.MaxRetriesPerStage); f.failures > limit {
		return refuse(fmt.Sprintf("max retries (%d) exceeded", limit))
	}
	if limit := e.ConstraintInt("max_rejection_cycles", m.cfg.MaxRejectionCycles); f.rejections >= limit {
		return refuse(fmt.Sprintf("max rejection cycles (%d) exceeded", limit))
	}

	iteration := e.CurrentIteration
	if o.mutate != nil {
		o.mutate(e)
		e.Status = from
		if e.CurrentIteration < iteration {
			return refuse("iteration may not decrease")
		}
	}

	now := m.now().UTC()
	switch {
	case to == model.StatusScoring && (from == model.StatusDraft || from == model.StatusSignalDetected):
		e.StartedAt = &now
	case to == model.StatusCompleted:
		e.CompletedAt = &now
	case to == model.StatusKilled:
		e.KilledAt = &now
	}
	if to == model.StatusPaused {
		paused := from
		e.PausedFromStatus = &paused
	} else {
		e.PausedFromStatus = nil
	}
	e.Status = to

	res := storage.TransitionResult{
		Transition: model.StateTransition{
			ID:           uuid.New(),
			ExperimentID: e.ID,
			TeamID:       e.TeamID,
			FromStatus:   from,
			ToStatus:     to,
			Reason:       o.reason,
			Actor:        o.actor,
			Metadata:     o.metadata,
			CreatedAt:    now,
		},
		CancelBatches: to.IsTerminal() || to == model.StatusPaused,
	}
	if job, ok := jobFor(*e, to, f.hasSteps); ok {
		res.Jobs = append(res.Jobs, job)
	}
	return res, nil
}
