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

// FindOrCreateStage returns the stage for (experiment, type, current iteration).
func (s *Store) FindOrCreateStage(_ context.Context, exp model.Experiment, typ model.StageType) (model.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.findStageLocked(exp.ID, typ, exp.CurrentIteration); ok {
		return st, nil
	}
	now := s.now()
	st := model.Stage{
		ID:             uuid.New(),
		ExperimentID:   exp.ID,
		TeamID:         exp.TeamID,
		Type:           typ,
		Iteration:      exp.CurrentIteration,
		Status:         model.StageStatusPending,
		InputSnapshot:  map[string]any{},
		OutputSnapshot: map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.stages[st.ID] = st
	s.stageSeq[st.ID] = s.next()
	return st, nil
}

func (s *Store) findStageLocked(experimentID uuid.UUID, typ model.StageType, iteration int) (model.Stage, bool) {
	for _, st := range s.stages {
		if st.ExperimentID == experimentID && st.Type == typ && st.Iteration == iteration {
			return st, true
		}
	}
	return model.Stage{}, false
}

// GetStage loads the stage for (experiment, type, iteration).
func (s *Store) GetStage(_ context.Context, experimentID uuid.UUID, typ model.StageType, iteration int) (model.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.findStageLocked(experimentID, typ, iteration)
	if !ok {
		return model.Stage{}, fmt.Errorf("memstore: stage %s/%s/%d: %w", experimentID, typ, iteration, storage.ErrNotFound)
	}
	return st, nil
}

// LatestCompletedStage returns the completed stage of typ with the highest iteration.
func (s *Store) LatestCompletedStage(_ context.Context, experimentID uuid.UUID, typ model.StageType) (model.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  model.Stage
		found bool
	)
	for _, st := range s.stages {
		if st.ExperimentID != experimentID || st.Type != typ || st.Status != model.StageStatusCompleted {
			continue
		}
		if !found || st.Iteration > best.Iteration {
			best, found = st, true
		}
	}
	if !found {
		return model.Stage{}, fmt.Errorf("memstore: completed %s stage: %w", typ, storage.ErrNotFound)
	}
	return best, nil
}

// ListStages returns all stages of an experiment ordered by iteration.
func (s *Store) ListStages(_ context.Context, experimentID uuid.UUID) ([]model.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Stage
	for _, st := range s.stages {
		if st.ExperimentID == experimentID {
			out = append(out, st)
		}
	}
	s.sortStagesLocked(out)
	return out, nil
}

func (s *Store) sortStagesLocked(out []model.Stage) {
	slices.SortFunc(out, func(a, b model.Stage) int {
		if c := cmp.Compare(a.Iteration, b.Iteration); c != 0 {
			return c
		}
		return cmp.Compare(s.stageSeq[a.ID], s.stageSeq[b.ID])
	})
}

// ListRunningStagesBefore returns running stages started before cutoff.
func (s *Store) ListRunningStagesBefore(_ context.Context, cutoff time.Time) ([]model.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Stage
	for _, st := range s.stages {
		if st.Status == model.StageStatusRunning && st.StartedAt != nil && st.StartedAt.Before(cutoff) {
			out = append(out, st)
		}
	}
	s.sortStagesLocked(out)
	return out, nil
}

// StartStage marks a stage running.
func (s *Store) StartStage(_ context.Context, id uuid.UUID, input map[string]any) (model.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stages[id]
	if !ok {
		return model.Stage{}, fmt.Errorf("memstore: stage %s: %w", id, storage.ErrNotFound)
	}
	if input == nil {
		input = map[string]any{}
	}
	now := s.now()
	st.Status = model.StageStatusRunning
	st.StartedAt = ptr(now)
	st.CompletedAt = nil
	st.InputSnapshot = cloneMap(input)
	st.UpdatedAt = now
	s.stages[id] = st
	return st, nil
}

// CompleteStage marks a stage completed.
func (s *Store) CompleteStage(_ context.Context, id uuid.UUID, duration time.Duration, output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stages[id]
	if !ok {
		return fmt.Errorf("memstore: stage %s: %w", id, storage.ErrNotFound)
	}
	if output == nil {
		output = map[string]any{}
	}
	now := s.now()
	st.Status = model.StageStatusCompleted
	st.DurationMS = duration.Milliseconds()
	st.OutputSnapshot = cloneMap(output)
	st.CompletedAt = ptr(now)
	st.UpdatedAt = now
	s.stages[id] = st
	return nil
}

// FailStage marks a stage failed, bumps its retry count and appends errMsg to
// the output snapshot's error history.
func (s *Store) FailStage(_ context.Context, id uuid.UUID, duration time.Duration, errMsg string) (model.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stages[id]
	if !ok {
		return model.Stage{}, fmt.Errorf("memstore: stage %s: %w", id, storage.ErrNotFound)
	}
	out := cloneMap(st.OutputSnapshot)
	if out == nil {
		out = map[string]any{}
	}
	var history []any
	if prev, ok := out["errors"].([]any); ok {
		history = slices.Clone(prev)
	}
	out["error"] = errMsg
	out["errors"] = append(history, errMsg)

	now := s.now()
	st.Status = model.StageStatusFailed
	st.RetryCount++
	st.DurationMS = duration.Milliseconds()
	st.OutputSnapshot = out
	st.CompletedAt = ptr(now)
	st.UpdatedAt = now
	s.stages[id] = st
	return st, nil
}
