package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/storage"
)

// GetBreaker loads a breaker row.
func (s *Store) GetBreaker(_ context.Context, resource string) (model.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[resource]
	if !ok {
		return model.CircuitBreakerState{}, fmt.Errorf("memstore: breaker %s: %w", resource, storage.ErrNotFound)
	}
	return b, nil
}

// UpdateBreaker applies fn to the breaker row under the store lock.
func (s *Store) UpdateBreaker(
	_ context.Context,
	resource string,
	defaults model.CircuitBreakerState,
	fn func(*model.CircuitBreakerState) bool,
) (model.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[resource]
	if !ok {
		b = model.CircuitBreakerState{
			Resource:         resource,
			State:            model.BreakerClosed,
			CooldownSeconds:  defaults.CooldownSeconds,
			FailureThreshold: defaults.FailureThreshold,
			UpdatedAt:        s.now(),
		}
		s.breakers[resource] = b
	}
	if !fn(&b) {
		return s.breakers[resource], nil
	}
	b.UpdatedAt = s.now()
	s.breakers[resource] = b
	return b, nil
}

// AppendLedger applies a balance movement and records it. With req.Floor set,
// a movement that would make the balance negative is refused. With
// req.HoldCap set, the experiment's cap is checked and held under the same lock.
func (s *Store) AppendLedger(_ context.Context, req model.LedgerRequest) (model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance := s.balances[req.TeamID] + req.Amount
	if req.Floor && balance < 0 {
		return model.LedgerEntry{}, storage.ErrInsufficientBalance
	}
	if req.HoldCap && req.ExperimentID != nil {
		exp, ok := s.experiments[*req.ExperimentID]
		if !ok {
			return model.LedgerEntry{}, storage.ErrBudgetCapReached
		}
		if left, capped := exp.BudgetRemaining(); capped && -req.Amount > left {
			return model.LedgerEntry{}, storage.ErrBudgetCapReached
		}
		exp.BudgetHeld += -req.Amount
		exp.UpdatedAt = s.now()
		s.experiments[exp.ID] = exp
	}
	s.balances[req.TeamID] = balance
	entry := model.LedgerEntry{
		ID:           uuid.New(),
		TeamID:       req.TeamID,
		ExperimentID: req.ExperimentID,
		Type:         req.Type,
		Amount:       req.Amount,
		BalanceAfter: balance,
		Description:  req.Description,
		Metadata:     cloneMap(req.Metadata),
		CreatedAt:    s.now(),
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}
	s.ledger = append(s.ledger, entry)
	return entry, nil
}

// Balance returns a team's balance.
func (s *Store) Balance(_ context.Context, teamID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[teamID], nil
}

// ListLedger returns a team's most recent entries, newest first.
func (s *Store) ListLedger(_ context.Context, teamID uuid.UUID, limit int) ([]model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []model.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if s.ledger[i].TeamID == teamID {
			out = append(out, s.ledger[i])
		}
	}
	return out, nil
}

// BeginIdempotency reserves (team, operation, key) or reports its state.
func (s *Store) BeginIdempotency(_ context.Context, teamID uuid.UUID, operation, key string) (storage.IdempotencyLookup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{team: teamID, operation: operation, key: key}
	rec, ok := s.idempotency[k]
	if !ok {
		s.idempotency[k] = &idemRecord{updatedAt: s.now()}
		return storage.IdempotencyLookup{}, nil
	}
	if rec.completed {
		return storage.IdempotencyLookup{Completed: true, ResponseData: rec.data}, nil
	}
	return storage.IdempotencyLookup{}, storage.ErrIdempotencyInProgress
}

// CompleteIdempotency stores the result for a reserved key.
func (s *Store) CompleteIdempotency(_ context.Context, teamID uuid.UUID, operation, key string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("memstore: marshal idempotency result: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[idemKey{team: teamID, operation: operation, key: key}]
	if !ok || rec.completed {
		return fmt.Errorf("memstore: complete idempotency: key not found or not in_progress")
	}
	rec.completed = true
	rec.data = payload
	rec.updatedAt = s.now()
	return nil
}

// ClearInProgressIdempotency drops an in-progress reservation.
func (s *Store) ClearInProgressIdempotency(_ context.Context, teamID uuid.UUID, operation, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{team: teamID, operation: operation, key: key}
	if rec, ok := s.idempotency[k]; ok && !rec.completed {
		delete(s.idempotency, k)
	}
	return nil
}

// DeleteIdempotency drops a record in any status.
func (s *Store) DeleteIdempotency(_ context.Context, teamID uuid.UUID, operation, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idempotency, idemKey{team: teamID, operation: operation, key: key})
	return nil
}

// CleanupIdempotencyKeys removes expired records.
func (s *Store) CleanupIdempotencyKeys(_ context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for k, rec := range s.idempotency {
		ttl := inProgressTTL
		if rec.completed {
			ttl = completedTTL
		}
		if rec.updatedAt.Before(now.Add(-ttl)) {
			delete(s.idempotency, k)
			n++
		}
	}
	return n, nil
}
