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

const stageColumns = `id, experiment_id, team_id, stage, iteration, status, retry_count, duration_ms,
	input_snapshot, output_snapshot, started_at, completed_at, created_at, updated_at`

// FindOrCreateStage returns the stage record for (experiment, type, iteration),
// creating it in pending state on first dispatch.
func (db *DB) FindOrCreateStage(ctx context.Context, exp model.Experiment, typ model.StageType) (model.Stage, error) {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO experiment_stages (id, experiment_id, team_id, stage, iteration, status)
		 VALUES ($1, $2, $3, $4, $5, 'pending')
		 ON CONFLICT (experiment_id, stage, iteration) DO NOTHING`,
		uuid.New(), exp.ID, exp.TeamID, string(typ), exp.CurrentIteration,
	); err != nil {
		return model.Stage{}, fmt.Errorf("storage: create stage: %w", err)
	}
	return db.GetStage(ctx, exp.ID, typ, exp.CurrentIteration)
}

// GetStage loads the stage record for (experiment, type, iteration).
func (db *DB) GetStage(ctx context.Context, experimentID uuid.UUID, typ model.StageType, iteration int) (model.Stage, error) {
	s, err := scanStage(db.pool.QueryRow(ctx,
		`SELECT `+stageColumns+` FROM experiment_stages
		 WHERE experiment_id = $1 AND stage = $2 AND iteration = $3`,
		experimentID, string(typ), iteration,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Stage{}, fmt.Errorf("storage: stage %s/%s/%d: %w", experimentID, typ, iteration, ErrNotFound)
		}
		return model.Stage{}, fmt.Errorf("storage: get stage: %w", err)
	}
	return s, nil
}

// LatestCompletedStage returns the most recent completed stage of typ across iterations.
func (db *DB) LatestCompletedStage(ctx context.Context, experimentID uuid.UUID, typ model.StageType) (model.Stage, error) {
	s, err := scanStage(db.pool.QueryRow(ctx,
		`SELECT `+stageColumns+` FROM experiment_stages
		 WHERE experiment_id = $1 AND stage = $2 AND status = 'completed'
		 ORDER BY iteration DESC LIMIT 1`,
		experimentID, string(typ),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Stage{}, fmt.Errorf("storage: completed %s stage: %w", typ, ErrNotFound)
		}
		return model.Stage{}, fmt.Errorf("storage: latest stage: %w", err)
	}
	return s, nil
}

// ListStages returns all stage records of an experiment.
func (db *DB) ListStages(ctx context.Context, experimentID uuid.UUID) ([]model.Stage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+stageColumns+` FROM experiment_stages WHERE experiment_id = $1
		 ORDER BY iteration ASC, created_at ASC`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stages: %w", err)
	}
	return collectStages(rows)
}

// ListRunningStagesBefore returns stages that started running before cutoff and never finished.
func (db *DB) ListRunningStagesBefore(ctx context.Context, cutoff time.Time) ([]model.Stage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+stageColumns+` FROM experiment_stages
		 WHERE status = 'running' AND started_at < $1
		 ORDER BY started_at ASC LIMIT 500`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list running stages: %w", err)
	}
	return collectStages(rows)
}

// StartStage marks a stage running and records its input snapshot.
func (db *DB) StartStage(ctx context.Context, id uuid.UUID, input map[string]any) (model.Stage, error) {
	if input == nil {
		input = map[string]any{}
	}
	s, err := scanStage(db.pool.QueryRow(ctx,
		`UPDATE experiment_stages
		 SET status = 'running', started_at = now(), completed_at = NULL,
		     input_snapshot = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+stageColumns,
		id, input,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Stage{}, fmt.Errorf("storage: stage %s: %w", id, ErrNotFound)
		}
		return model.Stage{}, fmt.Errorf("storage: start stage: %w", err)
	}
	return s, nil
}

// CompleteStage marks a stage completed with its duration and output snapshot.
func (db *DB) CompleteStage(ctx context.Context, id uuid.UUID, duration time.Duration, output map[string]any) error {
	if output == nil {
		output = map[string]any{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE experiment_stages
		 SET status = 'completed', duration_ms = $2, output_snapshot = $3,
		     completed_at = now(), updated_at = now()
		 WHERE id = $1`,
		id, duration.Milliseconds(), output,
	)
	if err != nil {
		return fmt.Errorf("storage: complete stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: stage %s: %w", id, ErrNotFound)
	}
	return nil
}

// FailStage marks a stage failed, increments retry_count and appends errMsg to
// the output snapshot's error history.
func (db *DB) FailStage(ctx context.Context, id uuid.UUID, duration time.Duration, errMsg string) (model.Stage, error) {
	s, err := scanStage(db.pool.QueryRow(ctx,
		`UPDATE experiment_stages
		 SET status = 'failed', retry_count = retry_count + 1, duration_ms = $2,
		     output_snapshot = output_snapshot || jsonb_build_object(
		         'error', $3::text,
		         'errors', COALESCE(output_snapshot->'errors', '[]'::jsonb) || jsonb_build_array($3::text)),
		     completed_at = now(), updated_at = now()
		 WHERE id = $1
		 RETURNING `+stageColumns,
		id, duration.Milliseconds(), errMsg,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Stage{}, fmt.Errorf("storage: stage %s: %w", id, ErrNotFound)
		}
		return model.Stage{}, fmt.Errorf("storage: fail stage: %w", err)
	}
	return s, nil
}

func collectStages(rows pgx.Rows) ([]model.Stage, error) {
	defer rows.Close()
	var out []model.Stage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan stage: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanStage(row pgx.Row) (model.Stage, error) {
	var s model.Stage
	err := row.Scan(&s.ID, &s.ExperimentID, &s.TeamID, &s.Type, &s.Iteration, &s.Status,
		&s.RetryCount, &s.DurationMS, &s.InputSnapshot, &s.OutputSnapshot,
		&s.StartedAt, &s.CompletedAt, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}
