package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/storage"
)

// CreateSteps inserts playbook steps; a duplicate (experiment, order) rejects the whole set.
func (s *Store) CreateSteps(_ context.Context, steps []model.PlaybookStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, st := range steps {
		for _, existing := range s.steps {
			if existing.ExperimentID == st.ExperimentID && existing.Order == st.Order {
				return fmt.Errorf("memstore: insert step %d: %w", st.Order, storage.ErrConflict)
			}
		}
		for _, other := range steps[:i] {
			if other.ExperimentID == st.ExperimentID && other.Order == st.Order {
				return fmt.Errorf("memstore: insert step %d: %w", st.Order, storage.ErrConflict)
			}
		}
	}

	now := s.now()
	for _, st := range steps {
		if st.ID == uuid.Nil {
			st.ID = uuid.New()
		}
		if st.InputMapping == nil {
			st.InputMapping = map[string]any{}
		}
		st.Status = model.StepPending
		st.Input = map[string]any{}
		st.Output = nil
		st.CreatedAt, st.UpdatedAt = now, now
		s.steps[st.ID] = st
	}
	return nil
}

// ListSteps returns an experiment's steps in order.
func (s *Store) ListSteps(_ context.Context, experimentID uuid.UUID) ([]model.PlaybookStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PlaybookStep
	for _, st := range s.steps {
		if st.ExperimentID == experimentID {
			out = append(out, st)
		}
	}
	slices.SortFunc(out, func(a, b model.PlaybookStep) int { return cmp.Compare(a.Order, b.Order) })
	return out, nil
}

// CountSteps returns how many steps an experiment has.
func (s *Store) CountSteps(_ context.Context, experimentID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.steps {
		if st.ExperimentID == experimentID {
			n++
		}
	}
	return n, nil
}

// GetStep loads a step by ID.
func (s *Store) GetStep(_ context.Context, id uuid.UUID) (model.PlaybookStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok {
		return model.PlaybookStep{}, fmt.Errorf("memstore: step %s: %w", id, storage.ErrNotFound)
	}
	return st, nil
}

// StartStep moves a pending step to running; ErrConflict otherwise.
func (s *Store) StartStep(_ context.Context, id uuid.UUID, workerID, key string, input map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok || st.Status != model.StepPending {
		return fmt.Errorf("memstore: start step %s: %w", id, storage.ErrConflict)
	}
	if input == nil {
		input = map[string]any{}
	}
	now := s.now()
	st.Status = model.StepRunning
	st.WorkerID = workerID
	st.IdempotencyKey = key
	st.Input = cloneMap(input)
	st.LastHeartbeatAt = ptr(now)
	st.StartedAt = ptr(now)
	st.ErrorMessage = ""
	st.UpdatedAt = now
	s.steps[id] = st
	return nil
}

// HeartbeatStep refreshes the heartbeat of a running step.
func (s *Store) HeartbeatStep(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.steps[id]; ok && st.Status == model.StepRunning {
		st.LastHeartbeatAt = ptr(s.now())
		s.steps[id] = st
	}
	return nil
}

func (s *Store) finishStepLocked(id uuid.UUID, from []model.StepStatus, apply func(*model.PlaybookStep)) {
	st, ok := s.steps[id]
	if !ok || !slices.Contains(from, st.Status) {
		return
	}
	apply(&st)
	st.UpdatedAt = s.now()
	s.steps[id] = st
}

var openStep = []model.StepStatus{model.StepPending, model.StepRunning}

// CompleteStep stores output and marks the step completed.
func (s *Store) CompleteStep(_ context.Context, id uuid.UUID, output map[string]any, duration time.Duration, cost int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if output == nil {
		output = map[string]any{}
	}
	s.finishStepLocked(id, openStep, func(st *model.PlaybookStep) {
		st.Status = model.StepCompleted
		st.Output = cloneMap(output)
		st.DurationMS = duration.Milliseconds()
		st.Cost = cost
		st.CompletedAt = ptr(s.now())
	})
	return nil
}

// FailStep marks the step failed.
func (s *Store) FailStep(_ context.Context, id uuid.UUID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishStepLocked(id, openStep, func(st *model.PlaybookStep) {
		st.Status = model.StepFailed
		st.ErrorMessage = errMsg
		st.CompletedAt = ptr(s.now())
	})
	return nil
}

// RequeueStep returns a running step to pending.
func (s *Store) RequeueStep(_ context.Context, id uuid.UUID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishStepLocked(id, []model.StepStatus{model.StepRunning}, func(st *model.PlaybookStep) {
		st.Status = model.StepPending
		st.ErrorMessage = errMsg
		st.WorkerID = ""
	})
	return nil
}

// SkipStep marks an unfinished step skipped.
func (s *Store) SkipStep(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishStepLocked(id, openStep, func(st *model.PlaybookStep) {
		st.Status = model.StepSkipped
		st.ErrorMessage = reason
		st.CompletedAt = ptr(s.now())
	})
	return nil
}

// ResetSteps returns every step of an experiment to pending.
func (s *Store) ResetSteps(_ context.Context, experimentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, st := range s.steps {
		if st.ExperimentID != experimentID {
			continue
		}
		st.Status = model.StepPending
		st.Input = map[string]any{}
		st.Output = nil
		st.ErrorMessage = ""
		st.DurationMS = 0
		st.Cost = 0
		st.LastHeartbeatAt = nil
		st.WorkerID = ""
		st.IdempotencyKey = ""
		st.StartedAt = nil
		st.CompletedAt = nil
		st.UpdatedAt = now
		s.steps[id] = st
	}
	return nil
}
