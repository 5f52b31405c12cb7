package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/jikken/internal/model"
)

const stepColumns = `id, experiment_id, team_id, step_order, node_id, execution_mode, group_id,
	conditions, input_mapping, agent, status, input, output, error_message, duration_ms, cost,
	last_heartbeat_at, worker_id, idempotency_key, started_at, completed_at, created_at, updated_at`

// CreateSteps materializes playbook steps for an experiment in one transaction.
func (db *DB) CreateSteps(ctx context.Context, steps []model.PlaybookStep) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	for _, s := range steps {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		if s.InputMapping == nil {
			s.InputMapping = map[string]any{}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO playbook_steps (id, experiment_id, team_id, step_order, node_id, execution_mode,
			 group_id, conditions, input_mapping, agent, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', $11, $11)`,
			s.ID, s.ExperimentID, s.TeamID, s.Order, s.NodeID, string(s.ExecutionMode),
			s.GroupID, s.Conditions, s.InputMapping, s.Agent, now,
		); err != nil {
			return fmt.Errorf("storage: insert step %d: %w", s.Order, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit steps: %w", err)
	}
	return nil
}

// ListSteps returns the playbook steps of an experiment in order.
func (db *DB) ListSteps(ctx context.Context, experimentID uuid.UUID) ([]model.PlaybookStep, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM playbook_steps WHERE experiment_id = $1 ORDER BY step_order ASC`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	var out []model.PlaybookStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountSteps returns how many playbook steps an experiment has.
func (db *DB) CountSteps(ctx context.Context, experimentID uuid.UUID) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM playbook_steps WHERE experiment_id = $1`, experimentID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count steps: %w", err)
	}
	return n, nil
}

// GetStep loads a playbook step by ID.
func (db *DB) GetStep(ctx context.Context, id uuid.UUID) (model.PlaybookStep, error) {
	s, err := scanStep(db.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM playbook_steps WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PlaybookStep{}, fmt.Errorf("storage: step %s: %w", id, ErrNotFound)
		}
		return model.PlaybookStep{}, fmt.Errorf("storage: get step: %w", err)
	}
	return s, nil
}

// StartStep moves a pending step to running and records its checkpoint
// (worker identity, heartbeat, idempotency key, resolved input).
// Returns ErrConflict when the step is no longer pending.
func (db *DB) StartStep(ctx context.Context, id uuid.UUID, workerID, key string, input map[string]any) error {
	if input == nil {
		input = map[string]any{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE playbook_steps
		 SET status = 'running', worker_id = $2, idempotency_key = $3, input = $4,
		     last_heartbeat_at = now(), started_at = now(), error_message = '', updated_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, workerID, key, input,
	)
	if err != nil {
		return fmt.Errorf("storage: start step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: start step %s: %w", id, ErrConflict)
	}
	return nil
}

// HeartbeatStep refreshes the heartbeat of a running step.
func (db *DB) HeartbeatStep(ctx context.Context, id uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE playbook_steps SET last_heartbeat_at = now() WHERE id = $1 AND status = 'running'`, id,
	); err != nil {
		return fmt.Errorf("storage: heartbeat step: %w", err)
	}
	return nil
}

// CompleteStep stores a step's output and marks it completed.
func (db *DB) CompleteStep(ctx context.Context, id uuid.UUID, output map[string]any, duration time.Duration, cost int64) error {
	if output == nil {
		output = map[string]any{}
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE playbook_steps
		 SET status = 'completed', output = $2, duration_ms = $3, cost = $4,
		     completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id, output, duration.Milliseconds(), cost,
	); err != nil {
		return fmt.Errorf("storage: complete step: %w", err)
	}
	return nil
}

// FailStep marks a step failed with errMsg.
func (db *DB) FailStep(ctx context.Context, id uuid.UUID, errMsg string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE playbook_steps
		 SET status = 'failed', error_message = $2, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id, errMsg,
	); err != nil {
		return fmt.Errorf("storage: fail step: %w", err)
	}
	return nil
}

// RequeueStep returns a running step to pending after a retryable error.
func (db *DB) RequeueStep(ctx context.Context, id uuid.UUID, errMsg string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE playbook_steps
		 SET status = 'pending', error_message = $2, worker_id = '', updated_at = now()
		 WHERE id = $1 AND status = 'running'`,
		id, errMsg,
	); err != nil {
		return fmt.Errorf("storage: requeue step: %w", err)
	}
	return nil
}

// SkipStep marks a step skipped unless it already finished.
func (db *DB) SkipStep(ctx context.Context, id uuid.UUID, reason string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE playbook_steps
		 SET status = 'skipped', error_message = $2, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id, reason,
	); err != nil {
		return fmt.Errorf("storage: skip step: %w", err)
	}
	return nil
}

// ResetSteps returns every step of an experiment to pending for a new iteration.
func (db *DB) ResetSteps(ctx context.Context, experimentID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE playbook_steps
		 SET status = 'pending', input = '{}', output = NULL, error_message = '', duration_ms = 0,
		     cost = 0, last_heartbeat_at = NULL, worker_id = '', idempotency_key = '',
		     started_at = NULL, completed_at = NULL, updated_at = now()
		 WHERE experiment_id = $1`,
		experimentID,
	); err != nil {
		return fmt.Errorf("storage: reset steps: %w", err)
	}
	return nil
}

func scanStep(row pgx.Row) (model.PlaybookStep, error) {
	var s model.PlaybookStep
	err := row.Scan(&s.ID, &s.ExperimentID, &s.TeamID, &s.Order, &s.NodeID, &s.ExecutionMode,
		&s.GroupID, &s.Conditions, &s.InputMapping, &s.Agent, &s.Status, &s.Input, &s.Output,
		&s.ErrorMessage, &s.DurationMS, &s.Cost, &s.LastHeartbeatAt, &s.WorkerID,
		&s.IdempotencyKey, &s.StartedAt, &s.CompletedAt, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}
