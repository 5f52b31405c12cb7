package memstore

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/storage"
)

// CreateExperiment inserts a new experiment.
func (s *Store) CreateExperiment(_ context.Context, exp model.Experiment) (model.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp.ID == uuid.Nil {
		exp.ID = uuid.New()
	}
	if _, ok := s.experiments[exp.ID]; ok {
		return model.Experiment{}, fmt.Errorf("memstore: experiment %s: %w", exp.ID, storage.ErrConflict)
	}
	if exp.Status == "" {
		exp.Status = model.StatusDraft
	}
	if exp.CurrentIteration < 1 {
		exp.CurrentIteration = 1
	}
	if exp.Constraints == nil {
		exp.Constraints = map[string]any{}
	}
	if exp.SuccessCriteria == nil {
		exp.SuccessCriteria = map[string]any{}
	}
	exp.BudgetHeld = 0
	exp.CreatedAt, exp.UpdatedAt = now, now
	s.experiments[exp.ID] = exp
	return exp, nil
}

// GetExperiment loads an experiment by ID.
func (s *Store) GetExperiment(_ context.Context, id uuid.UUID) (model.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.experiments[id]
	if !ok {
		return model.Experiment{}, fmt.Errorf("memstore: experiment %s: %w", id, storage.ErrNotFound)
	}
	return exp, nil
}

// ListExperimentsInStatus returns experiments in status last updated before cutoff.
func (s *Store) ListExperimentsInStatus(_ context.Context, status model.ExperimentStatus, before time.Time) ([]model.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Experiment
	for _, e := range s.experiments {
		if e.Status == status && e.UpdatedAt.Before(before) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b model.Experiment) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if len(out) > 500 {
		out = out[:500]
	}
	return out, nil
}

// TransitionExperiment applies fn to a copy of the experiment under the store
// lock and commits the new state, transition row, batch cancellation and jobs
// together. fn must not call back into the store.
func (s *Store) TransitionExperiment(_ context.Context, id uuid.UUID, fn storage.TransitionFunc) (model.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.experiments[id]
	if !ok {
		return model.Experiment{}, fmt.Errorf("memstore: experiment %s: %w", id, storage.ErrNotFound)
	}
	working := exp
	res, err := fn(&working)
	if err != nil {
		return model.Experiment{}, err
	}

	now := s.now()
	// Only lifecycle columns are written, matching the SQL update.
	exp.Status = working.Status
	exp.PausedFromStatus = working.PausedFromStatus
	exp.CurrentIteration = working.CurrentIteration
	exp.StartedAt = working.StartedAt
	exp.CompletedAt = working.CompletedAt
	exp.KilledAt = working.KilledAt
	exp.UpdatedAt = now
	s.experiments[id] = exp

	tr := res.Transition
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	if tr.Metadata == nil {
		tr.Metadata = map[string]any{}
	}
	tr.ExperimentID = exp.ID
	tr.TeamID = exp.TeamID
	tr.Iteration = exp.CurrentIteration
	tr.CreatedAt = now
	s.transitions = append(s.transitions, tr)

	if res.CancelBatches {
		for bid, b := range s.batches {
			if b.ExperimentID == id && b.FinishedAt == nil {
				b.Cancelled = true
				s.batches[bid] = b
			}
		}
	}
	s.insertJobsLocked(res.Jobs)
	return exp, nil
}

// ListTransitions returns the transition log of an experiment, oldest first.
func (s *Store) ListTransitions(_ context.Context, experimentID uuid.UUID) ([]model.StateTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.StateTransition
	for _, t := range s.transitions {
		if t.ExperimentID == experimentID {
			out = append(out, t)
		}
	}
	return out, nil
}

// CountTransitions counts transitions of an experiment into status during
// iteration; zero counts every iteration.
func (s *Store) CountTransitions(_ context.Context, experimentID uuid.UUID, to model.ExperimentStatus, iteration int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.transitions {
		if t.ExperimentID == experimentID && t.ToStatus == to && (iteration <= 0 || t.Iteration == iteration) {
			n++
		}
	}
	return n, nil
}

// ClaimOutboundSlot increments outbound_count while below the maximum.
func (s *Store) ClaimOutboundSlot(_ context.Context, experimentID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.experiments[experimentID]
	if !ok || exp.OutboundCount >= exp.MaxOutboundCount {
		return false, nil
	}
	exp.OutboundCount++
	exp.UpdatedAt = s.now()
	s.experiments[experimentID] = exp
	return true, nil
}

// ReleaseOutboundSlot returns an unused slot.
func (s *Store) ReleaseOutboundSlot(_ context.Context, experimentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.experiments[experimentID]
	if !ok || exp.OutboundCount == 0 {
		return nil
	}
	exp.OutboundCount--
	exp.UpdatedAt = s.now()
	s.experiments[experimentID] = exp
	return nil
}

// SettleBudget releases held credits and adds spent, flooring both at zero.
func (s *Store) SettleBudget(_ context.Context, experimentID uuid.UUID, held, spent int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.experiments[experimentID]
	if !ok {
		return nil
	}
	exp.BudgetHeld = max(exp.BudgetHeld-held, 0)
	exp.BudgetSpent = max(exp.BudgetSpent+spent, 0)
	exp.UpdatedAt = s.now()
	s.experiments[experimentID] = exp
	return nil
}
