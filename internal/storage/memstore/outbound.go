package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/storage"
)

// CreateArtifact inserts an artifact unique by idempotency key.
func (s *Store) CreateArtifact(_ context.Context, a model.Artifact) (model.Artifact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.artifacts[a.IdempotencyKey]; ok {
		return existing, false, nil
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	a.CreatedAt = s.now()
	s.artifacts[a.IdempotencyKey] = a
	s.artifactSeq[a.IdempotencyKey] = s.next()
	return a, true, nil
}

// GetArtifactByKey loads an artifact by idempotency key.
func (s *Store) GetArtifactByKey(_ context.Context, key string) (model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[key]
	if !ok {
		return model.Artifact{}, fmt.Errorf("memstore: artifact %s: %w", key, storage.ErrNotFound)
	}
	return a, nil
}

// ListArtifacts returns the artifacts of an iteration in creation order.
func (s *Store) ListArtifacts(_ context.Context, experimentID uuid.UUID, iteration int) ([]model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Artifact
	for _, a := range s.artifacts {
		if a.ExperimentID == experimentID && a.Iteration == iteration {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(x, y model.Artifact) int {
		return cmp.Compare(s.artifactSeq[x.IdempotencyKey], s.artifactSeq[y.IdempotencyKey])
	})
	return out, nil
}

// CreateProposal inserts a proposal unique by (experiment, iteration, index).
func (s *Store) CreateProposal(_ context.Context, p model.OutboundProposal) (model.OutboundProposal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.proposals {
		if existing.ExperimentID == p.ExperimentID && existing.Iteration == p.Iteration && existing.Index == p.Index {
			return existing, false, nil
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = model.ProposalPending
	}
	if p.Target == nil {
		p.Target = map[string]any{}
	}
	if p.Content == nil {
		p.Content = map[string]any{}
	}
	p.CreatedAt = s.now()
	s.proposals[p.ID] = p
	return p, true, nil
}

// ListProposals returns the proposals of an iteration in index order.
func (s *Store) ListProposals(_ context.Context, experimentID uuid.UUID, iteration int) ([]model.OutboundProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OutboundProposal
	for _, p := range s.proposals {
		if p.ExperimentID == experimentID && p.Iteration == iteration {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b model.OutboundProposal) int { return cmp.Compare(a.Index, b.Index) })
	return out, nil
}

// DecideProposals moves an iteration's pending proposals to status.
func (s *Store) DecideProposals(_ context.Context, experimentID uuid.UUID, iteration int, status model.ProposalStatus, actor string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for id, p := range s.proposals {
		if p.ExperimentID != experimentID || p.Iteration != iteration || p.Status != model.ProposalPending {
			continue
		}
		p.Status = status
		p.DecidedBy = actor
		p.DecidedAt = ptr(now)
		s.proposals[id] = p
		n++
	}
	return n, nil
}

// CreateOutboundAction inserts an action unique by key and by (connector, proposal).
func (s *Store) CreateOutboundAction(_ context.Context, a model.OutboundAction) (model.OutboundAction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.actions {
		if existing.IdempotencyKey == a.IdempotencyKey ||
			(existing.Connector == a.Connector && existing.ProposalID == a.ProposalID) {
			return existing, false, nil
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Response == nil {
		a.Response = map[string]any{}
	}
	now := s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	s.actions[a.ID] = a
	s.actionSeq[a.ID] = s.next()
	return a, true, nil
}

// GetOutboundActionByKey loads an action by idempotency key.
func (s *Store) GetOutboundActionByKey(_ context.Context, key string) (model.OutboundAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actions {
		if a.IdempotencyKey == key {
			return a, nil
		}
	}
	return model.OutboundAction{}, fmt.Errorf("memstore: outbound action %s: %w", key, storage.ErrNotFound)
}

// FinishOutboundAction records a delivery outcome.
func (s *Store) FinishOutboundAction(_ context.Context, id uuid.UUID, status model.OutboundStatus, externalID string, response map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return nil
	}
	if response == nil {
		response = map[string]any{}
	}
	now := s.now()
	a.Status = status
	a.ExternalID = externalID
	a.Response = cloneMap(response)
	if status == model.OutboundSent {
		a.SentAt = ptr(now)
	}
	a.UpdatedAt = now
	s.actions[id] = a
	return nil
}

// ListOutboundActions returns the actions whose proposal belongs to iteration.
func (s *Store) ListOutboundActions(_ context.Context, experimentID uuid.UUID, iteration int) ([]model.OutboundAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OutboundAction
	for _, a := range s.actions {
		p, ok := s.proposals[a.ProposalID]
		if a.ExperimentID == experimentID && ok && p.Iteration == iteration {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(x, y model.OutboundAction) int {
		return cmp.Compare(s.actionSeq[x.ID], s.actionSeq[y.ID])
	})
	return out, nil
}

// InsertMetric records a metric unless its dedup key exists.
func (s *Store) InsertMetric(_ context.Context, m model.Metric) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metrics[m.DedupKey]; ok {
		return false, nil
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = s.now()
	}
	s.metrics[m.DedupKey] = m
	s.metricSeq[m.DedupKey] = s.next()
	return true, nil
}

// ListMetrics returns an iteration's metrics in insertion order.
func (s *Store) ListMetrics(_ context.Context, experimentID uuid.UUID, iteration int) ([]model.Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Metric
	for _, m := range s.metrics {
		if m.ExperimentID == experimentID && m.Iteration == iteration {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b model.Metric) int {
		return cmp.Compare(s.metricSeq[a.DedupKey], s.metricSeq[b.DedupKey])
	})
	return out, nil
}
