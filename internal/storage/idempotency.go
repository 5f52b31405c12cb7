package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IdempotencyLookup describes the current state of an idempotency key lookup.
type IdempotencyLookup struct {
	Completed    bool
	ResponseData json.RawMessage
}

// BeginIdempotency reserves (team, operation, key) for processing.
//
// If this call returns (lookup, nil) with lookup.Completed=true, callers should
// replay the stored result instead of executing the operation again.
// If it returns ErrIdempotencyInProgress, another worker is processing this key.
//
// Stale in-progress keys are NOT taken over; they block until the owner clears
// them or CleanupIdempotencyKeys removes them, so a worker that committed its
// side effect but crashed before CompleteIdempotency never causes a duplicate.
func (db *DB) BeginIdempotency(ctx context.Context, teamID uuid.UUID, operation, key string) (IdempotencyLookup, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (team_id, operation, idempotency_key, status)
		 VALUES ($1, $2, $3, 'in_progress')
		 ON CONFLICT DO NOTHING`,
		teamID, operation, key,
	)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: begin idempotency: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return IdempotencyLookup{}, nil // caller owns processing
	}

	var (
		status       string
		responseData []byte
	)
	if err := db.pool.QueryRow(ctx,
		`SELECT status, response_data FROM idempotency_keys
		 WHERE team_id = $1 AND operation = $2 AND idempotency_key = $3`,
		teamID, operation, key,
	).Scan(&status, &responseData); err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: lookup idempotency: %w", err)
	}
	if status == "completed" {
		return IdempotencyLookup{Completed: true, ResponseData: responseData}, nil
	}
	return IdempotencyLookup{}, ErrIdempotencyInProgress
}

// CompleteIdempotency stores the result for a previously reserved key.
func (db *DB) CompleteIdempotency(ctx context.Context, teamID uuid.UUID, operation, key string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotency result: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', response_data = $4::jsonb, updated_at = now()
		 WHERE team_id = $1 AND operation = $2 AND idempotency_key = $3 AND status = 'in_progress'`,
		teamID, operation, key, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency: key not found or not in_progress")
	}
	return nil
}

// ClearInProgressIdempotency removes an in-progress reservation so the operation can be retried.
func (db *DB) ClearInProgressIdempotency(ctx context.Context, teamID uuid.UUID, operation, key string) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE team_id = $1 AND operation = $2 AND idempotency_key = $3 AND status = 'in_progress'`,
		teamID, operation, key,
	); err != nil {
		return fmt.Errorf("storage: clear idempotency: %w", err)
	}
	return nil
}

// DeleteIdempotency removes a key whatever its status, so the next
// BeginIdempotency runs the operation again instead of replaying it.
func (db *DB) DeleteIdempotency(ctx context.Context, teamID uuid.UUID, operation, key string) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE team_id = $1 AND operation = $2 AND idempotency_key = $3`,
		teamID, operation, key,
	); err != nil {
		return fmt.Errorf("storage: delete idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys removes old completed records and abandoned in-progress records.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < now() - ($1 * interval '1 microsecond'))
		    OR (status = 'in_progress' AND updated_at < now() - ($2 * interval '1 microsecond'))`,
		completedTTL.Microseconds(), inProgressTTL.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
