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

const experimentColumns = `id, team_id, title, thesis, track, status, paused_from_status,
	current_iteration, max_iterations, budget_cap, budget_spent, budget_held, outbound_count, max_outbound_count,
	constraints, success_criteria, started_at, completed_at, killed_at, created_at, updated_at`

// TransitionResult is what a TransitionFunc decides for a locked experiment.
type TransitionResult struct {
	Transition model.StateTransition
	Jobs       []model.Job
	// CancelBatches marks every open batch of the experiment cancelled so
	// in-flight wave members stop before their side effects.
	CancelBatches bool
}

// TransitionFunc inspects the row-locked experiment, mutates it in place and
// returns the transition row plus jobs to enqueue in the same transaction.
// Returning an error rolls everything back.
type TransitionFunc func(exp *model.Experiment) (TransitionResult, error)

// CreateExperiment inserts a new experiment.
func (db *DB) CreateExperiment(ctx context.Context, exp model.Experiment) (model.Experiment, error) {
	now := time.Now().UTC()
	if exp.ID == uuid.Nil {
		exp.ID = uuid.New()
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
	exp.CreatedAt, exp.UpdatedAt = now, now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO experiments (id, team_id, title, thesis, track, status, current_iteration,
		 max_iterations, budget_cap, budget_spent, outbound_count, max_outbound_count,
		 constraints, success_criteria, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		exp.ID, exp.TeamID, exp.Title, exp.Thesis, exp.Track, string(exp.Status), exp.CurrentIteration,
		exp.MaxIterations, exp.BudgetCap, exp.BudgetSpent, exp.OutboundCount, exp.MaxOutboundCount,
		exp.Constraints, exp.SuccessCriteria, exp.CreatedAt, exp.UpdatedAt,
	)
	if err != nil {
		return model.Experiment{}, fmt.Errorf("storage: create experiment: %w", err)
	}
	return exp, nil
}

// GetExperiment loads an experiment by ID. Background workers carry the team
// explicitly in the job, so no tenant filter is applied here.
func (db *DB) GetExperiment(ctx context.Context, id uuid.UUID) (model.Experiment, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = $1`, id)
	exp, err := scanExperiment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Experiment{}, fmt.Errorf("storage: experiment %s: %w", id, ErrNotFound)
		}
		return model.Experiment{}, fmt.Errorf("storage: get experiment: %w", err)
	}
	return exp, nil
}

// ListExperimentsInStatus returns experiments that have been in status since before cutoff.
func (db *DB) ListExperimentsInStatus(ctx context.Context, status model.ExperimentStatus, before time.Time) ([]model.Experiment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+experimentColumns+` FROM experiments
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at ASC LIMIT 500`,
		string(status), before,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list experiments in status: %w", err)
	}
	defer rows.Close()

	var out []model.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan experiment: %w", err)
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// TransitionExperiment locks the experiment row, lets fn validate and mutate
// it, then writes the new state, appends the transition row and enqueues the
// returned jobs atomically. Serialization conflicts are retried.
func (db *DB) TransitionExperiment(ctx context.Context, id uuid.UUID, fn TransitionFunc) (model.Experiment, error) {
	var result model.Experiment
	err := WithRetry(ctx, txMaxRetries, txBaseDelay, func() error {
		var err error
		result, err = db.transitionOnce(ctx, id, fn)
		return err
	})
	return result, err
}

func (db *DB) transitionOnce(ctx context.Context, id uuid.UUID, fn TransitionFunc) (model.Experiment, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Experiment{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	exp, err := scanExperiment(tx.QueryRow(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Experiment{}, fmt.Errorf("storage: experiment %s: %w", id, ErrNotFound)
		}
		return model.Experiment{}, fmt.Errorf("storage: lock experiment: %w", err)
	}

	res, err := fn(&exp)
	if err != nil {
		return model.Experiment{}, err
	}

	now := time.Now().UTC()
	exp.UpdatedAt = now
	var pausedFrom *string
	if exp.PausedFromStatus != nil {
		s := string(*exp.PausedFromStatus)
		pausedFrom = &s
	}
	if _, err := tx.Exec(ctx,
		`UPDATE experiments
		 SET status = $2, paused_from_status = $3, current_iteration = $4,
		     started_at = $5, completed_at = $6, killed_at = $7, updated_at = $8
		 WHERE id = $1`,
		exp.ID, string(exp.Status), pausedFrom, exp.CurrentIteration,
		exp.StartedAt, exp.CompletedAt, exp.KilledAt, exp.UpdatedAt,
	); err != nil {
		return model.Experiment{}, fmt.Errorf("storage: update experiment status: %w", err)
	}

	tr := res.Transition
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	if tr.Metadata == nil {
		tr.Metadata = map[string]any{}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO experiment_state_transitions
		 (id, experiment_id, team_id, from_status, to_status, reason, actor, metadata, iteration, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tr.ID, exp.ID, exp.TeamID, string(tr.FromStatus), string(tr.ToStatus),
		tr.Reason, tr.Actor, tr.Metadata, exp.CurrentIteration, now,
	); err != nil {
		return model.Experiment{}, fmt.Errorf("storage: insert transition: %w", err)
	}

	if res.CancelBatches {
		if _, err := tx.Exec(ctx,
			`UPDATE job_batches SET cancelled = true WHERE experiment_id = $1 AND finished_at IS NULL`,
			exp.ID,
		); err != nil {
			return model.Experiment{}, fmt.Errorf("storage: cancel batches: %w", err)
		}
	}

	if err := insertJobs(ctx, tx, res.Jobs); err != nil {
		return model.Experiment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Experiment{}, fmt.Errorf("storage: commit transition: %w", err)
	}
	return exp, nil
}

// ListTransitions returns the transition log of an experiment, oldest first.
func (db *DB) ListTransitions(ctx context.Context, experimentID uuid.UUID) ([]model.StateTransition, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, experiment_id, team_id, from_status, to_status, reason, actor, metadata, iteration, created_at
		 FROM experiment_state_transitions WHERE experiment_id = $1
		 ORDER BY created_at ASC, id ASC`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list transitions: %w", err)
	}
	defer rows.Close()

	var out []model.StateTransition
	for rows.Next() {
		var t model.StateTransition
		if err := rows.Scan(&t.ID, &t.ExperimentID, &t.TeamID, &t.FromStatus, &t.ToStatus,
			&t.Reason, &t.Actor, &t.Metadata, &t.Iteration, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTransitions counts transitions of an experiment into status during
// iteration. An iteration of zero counts every iteration.
func (db *DB) CountTransitions(ctx context.Context, experimentID uuid.UUID, to model.ExperimentStatus, iteration int) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM experiment_state_transitions
		 WHERE experiment_id = $1 AND to_status = $2 AND ($3 <= 0 OR iteration = $3)`,
		experimentID, string(to), iteration,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count transitions: %w", err)
	}
	return n, nil
}

// ClaimOutboundSlot increments outbound_count if it is below max_outbound_count.
// Returns false when the experiment has no slots left.
func (db *DB) ClaimOutboundSlot(ctx context.Context, experimentID uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE experiments SET outbound_count = outbound_count + 1, updated_at = now()
		 WHERE id = $1 AND outbound_count < max_outbound_count`,
		experimentID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: claim outbound slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseOutboundSlot returns a slot claimed by ClaimOutboundSlot that went unused.
func (db *DB) ReleaseOutboundSlot(ctx context.Context, experimentID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE experiments SET outbound_count = outbound_count - 1, updated_at = now()
		 WHERE id = $1 AND outbound_count > 0`,
		experimentID,
	); err != nil {
		return fmt.Errorf("storage: release outbound slot: %w", err)
	}
	return nil
}

// SettleBudget drops held credits from the experiment's hold and adds spent
// to budget_spent.
func (db *DB) SettleBudget(ctx context.Context, experimentID uuid.UUID, held, spent int64) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE experiments
		 SET budget_held = GREATEST(budget_held - $2, 0),
		     budget_spent = GREATEST(budget_spent + $3, 0),
		     updated_at = now()
		 WHERE id = $1`,
		experimentID, held, spent,
	); err != nil {
		return fmt.Errorf("storage: settle budget: %w", err)
	}
	return nil
}

func scanExperiment(row pgx.Row) (model.Experiment, error) {
	var e model.Experiment
	var pausedFrom *string
	if err := row.Scan(
		&e.ID, &e.TeamID, &e.Title, &e.Thesis, &e.Track, &e.Status, &pausedFrom,
		&e.CurrentIteration, &e.MaxIterations, &e.BudgetCap, &e.BudgetSpent, &e.BudgetHeld,
		&e.OutboundCount, &e.MaxOutboundCount, &e.Constraints, &e.SuccessCriteria,
		&e.StartedAt, &e.CompletedAt, &e.KilledAt, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return model.Experiment{}, err
	}
	if pausedFrom != nil {
		s := model.ExperimentStatus(*pausedFrom)
		e.PausedFromStatus = &s
	}
	return e, nil
}
