package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/jikken/internal/model"
)

const breakerColumns = `resource, state, failure_count, success_count, cooldown_seconds, failure_threshold,
	opened_at, half_open_at, last_failure_at, last_success_at, updated_at`

// GetBreaker loads the breaker row for resource.
func (db *DB) GetBreaker(ctx context.Context, resource string) (model.CircuitBreakerState, error) {
	s, err := scanBreaker(db.pool.QueryRow(ctx,
		`SELECT `+breakerColumns+` FROM circuit_breakers WHERE resource = $1`, resource))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CircuitBreakerState{}, fmt.Errorf("storage: breaker %s: %w", resource, ErrNotFound)
		}
		return model.CircuitBreakerState{}, fmt.Errorf("storage: get breaker: %w", err)
	}
	return s, nil
}

// UpdateBreaker applies fn to the row-locked breaker for resource, creating it
// from defaults on first use. fn reports whether it changed the state; an
// unchanged row is not written. The whole read-decide-write runs in one
// transaction holding the row lock, so concurrent callers serialize.
func (db *DB) UpdateBreaker(
	ctx context.Context,
	resource string,
	defaults model.CircuitBreakerState,
	fn func(*model.CircuitBreakerState) bool,
) (model.CircuitBreakerState, error) {
	var out model.CircuitBreakerState
	err := WithRetry(ctx, txMaxRetries, txBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`INSERT INTO circuit_breakers (resource, state, cooldown_seconds, failure_threshold)
			 VALUES ($1, 'closed', $2, $3)
			 ON CONFLICT (resource) DO NOTHING`,
			resource, defaults.CooldownSeconds, defaults.FailureThreshold,
		); err != nil {
			return fmt.Errorf("storage: ensure breaker: %w", err)
		}

		s, err := scanBreaker(tx.QueryRow(ctx,
			`SELECT `+breakerColumns+` FROM circuit_breakers WHERE resource = $1 FOR UPDATE`, resource))
		if err != nil {
			return fmt.Errorf("storage: lock breaker: %w", err)
		}

		if !fn(&s) {
			out = s
			return nil
		}
		s.UpdatedAt = time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE circuit_breakers
			 SET state = $2, failure_count = $3, success_count = $4, opened_at = $5,
			     half_open_at = $6, last_failure_at = $7, last_success_at = $8, updated_at = $9
			 WHERE resource = $1`,
			resource, string(s.State), s.FailureCount, s.SuccessCount, s.OpenedAt,
			s.HalfOpenAt, s.LastFailureAt, s.LastSuccessAt, s.UpdatedAt,
		); err != nil {
			return fmt.Errorf("storage: update breaker: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit breaker: %w", err)
		}
		out = s
		return nil
	})
	return out, err
}

func scanBreaker(row pgx.Row) (model.CircuitBreakerState, error) {
	var s model.CircuitBreakerState
	err := row.Scan(&s.Resource, &s.State, &s.FailureCount, &s.SuccessCount, &s.CooldownSeconds,
		&s.FailureThreshold, &s.OpenedAt, &s.HalfOpenAt, &s.LastFailureAt, &s.LastSuccessAt, &s.UpdatedAt)
	return s, err
}
