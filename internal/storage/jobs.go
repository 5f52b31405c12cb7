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

const jobColumns = `id, queue, kind, experiment_id, team_id, payload, attempts, max_attempts,
	run_at, locked_until, last_error, batch_id, dead, created_at`

const batchColumns = `id, experiment_id, team_id, total, pending, failed, cancelled, allow_failures,
	queue, on_success, on_failure, payload, finished_at, created_at`

// insertJobs writes jobs inside an open transaction. Callers use it to commit
// jobs atomically with the state change that produced them.
func insertJobs(ctx context.Context, tx pgx.Tx, jobs []model.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for i := range jobs {
		j := normalizeJob(jobs[i], now)
		batch.Queue(
			`INSERT INTO jobs (id, queue, kind, experiment_id, team_id, payload, attempts, max_attempts,
			 run_at, last_error, batch_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, '', $9, $10)`,
			j.ID, j.Queue, string(j.Kind), j.ExperimentID, j.TeamID, j.Payload,
			j.MaxAttempts, j.RunAt, j.BatchID, j.CreatedAt,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range jobs {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("storage: insert job: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("storage: insert jobs: %w", err)
	}
	return nil
}

func normalizeJob(j model.Job, now time.Time) model.Job {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Payload == nil {
		j.Payload = map[string]any{}
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 3
	}
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	return j
}

// EnqueueJobs inserts standalone jobs.
func (db *DB) EnqueueJobs(ctx context.Context, jobs ...model.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertJobs(ctx, tx, jobs); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit enqueue: %w", err)
	}
	return nil
}

// EnqueueBatch inserts a batch and its member jobs in one transaction. An
// empty batch resolves immediately and enqueues its success continuation.
func (db *DB) EnqueueBatch(ctx context.Context, b model.Batch, jobs []model.Job) (model.Batch, error) {
	now := time.Now().UTC()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Payload == nil {
		b.Payload = map[string]any{}
	}
	b.Total = len(jobs)
	b.Pending = len(jobs)
	b.Failed = 0
	b.Cancelled = false
	b.CreatedAt = now
	if len(jobs) == 0 {
		b.FinishedAt = &now
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Batch{}, fmt.Errorf("storage: begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO job_batches (id, experiment_id, team_id, total, pending, failed, cancelled, allow_failures,
		 queue, on_success, on_failure, payload, finished_at, created_at)
		 VALUES ($1, $2, $3, $4, $4, 0, false, $5, $6, $7, $8, $9, $10, $11)`,
		b.ID, b.ExperimentID, b.TeamID, b.Total, b.AllowFailures, b.Queue,
		string(b.OnSuccess), string(b.OnFailure), b.Payload, b.FinishedAt, b.CreatedAt,
	); err != nil {
		return model.Batch{}, fmt.Errorf("storage: insert batch: %w", err)
	}

	members := make([]model.Job, len(jobs))
	for i, j := range jobs {
		id := b.ID
		j.BatchID = &id
		members[i] = j
	}
	if len(members) == 0 {
		members = []model.Job{b.ContinuationJob(now)}
	}
	if err := insertJobs(ctx, tx, members); err != nil {
		return model.Batch{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Batch{}, fmt.Errorf("storage: commit batch: %w", err)
	}
	return b, nil
}

// ClaimJobs leases up to limit ready jobs from queue. Claimed jobs have their
// attempt counter incremented and stay invisible to other workers until the
// lease lapses.
func (db *DB) ClaimJobs(ctx context.Context, queue string, limit int, lease time.Duration) ([]model.Job, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id FROM jobs
		 WHERE queue = $1 AND NOT dead
		   AND run_at <= now()
		   AND (locked_until IS NULL OR locked_until < now())
		 ORDER BY run_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		queue, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select ready jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: scan ready jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err = tx.Query(ctx,
		`UPDATE jobs
		 SET attempts = attempts + 1,
		     locked_until = now() + $2 * interval '1 millisecond'
		 WHERE id = ANY($1)
		 RETURNING `+jobColumns,
		ids, lease.Milliseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: lease jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim: %w", err)
	}
	return jobs, nil
}

// CompleteJob removes a finished job and resolves its batch membership.
func (db *DB) CompleteJob(ctx context.Context, job model.Job) error {
	return WithRetry(ctx, txMaxRetries, txBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin complete job: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, job.ID)
		if err != nil {
			return fmt.Errorf("storage: delete job: %w", err)
		}
		if tag.RowsAffected() == 1 && job.BatchID != nil {
			if err := resolveBatchMember(ctx, tx, *job.BatchID, false); err != nil {
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit complete job: %w", err)
		}
		return nil
	})
}

// FailJob dead-letters a job that will not be retried and resolves its batch
// membership as a failure.
func (db *DB) FailJob(ctx context.Context, job model.Job, errMsg string) error {
	return WithRetry(ctx, txMaxRetries, txBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin fail job: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx,
			`UPDATE jobs SET dead = true, last_error = $2, locked_until = NULL
			 WHERE id = $1 AND NOT dead`,
			job.ID, errMsg,
		)
		if err != nil {
			return fmt.Errorf("storage: dead-letter job: %w", err)
		}
		if tag.RowsAffected() == 1 && job.BatchID != nil {
			if err := resolveBatchMember(ctx, tx, *job.BatchID, true); err != nil {
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit fail job: %w", err)
		}
		return nil
	})
}

// resolveBatchMember decrements the pending count of a batch. A failed member
// cancels a batch that does not tolerate failures. When the last member
// resolves, the batch is finished and its continuation enqueued.
func resolveBatchMember(ctx context.Context, tx pgx.Tx, batchID uuid.UUID, failed bool) error {
	b, err := scanBatch(tx.QueryRow(ctx,
		`UPDATE job_batches
		 SET pending = pending - 1,
		     failed = failed + CASE WHEN $2 THEN 1 ELSE 0 END,
		     cancelled = cancelled OR ($2 AND NOT allow_failures)
		 WHERE id = $1 AND finished_at IS NULL AND pending > 0
		 RETURNING `+batchColumns,
		batchID, failed,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("storage: resolve batch member: %w", err)
	}
	if b.Pending > 0 {
		return nil
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE job_batches SET finished_at = $2 WHERE id = $1`, b.ID, now,
	); err != nil {
		return fmt.Errorf("storage: finish batch: %w", err)
	}
	return insertJobs(ctx, tx, []model.Job{b.ContinuationJob(now)})
}

// RetryJob releases a failed job for another attempt at runAt.
func (db *DB) RetryJob(ctx context.Context, id uuid.UUID, runAt time.Time, errMsg string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE jobs SET run_at = $2, last_error = $3, locked_until = NULL WHERE id = $1`,
		id, runAt, errMsg,
	); err != nil {
		return fmt.Errorf("storage: retry job: %w", err)
	}
	return nil
}

// DeferJob reschedules a job without consuming an attempt.
func (db *DB) DeferJob(ctx context.Context, id uuid.UUID, runAt time.Time) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE jobs SET run_at = $2, locked_until = NULL, attempts = GREATEST(attempts - 1, 0)
		 WHERE id = $1`,
		id, runAt,
	); err != nil {
		return fmt.Errorf("storage: defer job: %w", err)
	}
	return nil
}

// GetBatch loads a batch by ID.
func (db *DB) GetBatch(ctx context.Context, id uuid.UUID) (model.Batch, error) {
	b, err := scanBatch(db.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM job_batches WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Batch{}, fmt.Errorf("storage: batch %s: %w", id, ErrNotFound)
		}
		return model.Batch{}, fmt.Errorf("storage: get batch: %w", err)
	}
	return b, nil
}

// CancelBatch flags an open batch so its remaining members skip.
func (db *DB) CancelBatch(ctx context.Context, id uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE job_batches SET cancelled = true WHERE id = $1 AND finished_at IS NULL`, id,
	); err != nil {
		return fmt.Errorf("storage: cancel batch: %w", err)
	}
	return nil
}

// ListJobs returns the live and dead-lettered jobs of an experiment.
func (db *DB) ListJobs(ctx context.Context, experimentID uuid.UUID) ([]model.Job, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE experiment_id = $1 ORDER BY created_at ASC`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list jobs: %w", err)
	}
	return collectJobs(rows)
}

// QueueDepth returns the number of live jobs per queue.
func (db *DB) QueueDepth(ctx context.Context) (map[string]int64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT queue, count(*) FROM jobs WHERE NOT dead GROUP BY queue`)
	if err != nil {
		return nil, fmt.Errorf("storage: queue depth: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var q string
		var n int64
		if err := rows.Scan(&q, &n); err != nil {
			return nil, fmt.Errorf("storage: scan queue depth: %w", err)
		}
		out[q] = n
	}
	return out, rows.Err()
}

// CleanupDeadJobs deletes dead-lettered jobs older than maxAge.
func (db *DB) CleanupDeadJobs(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM jobs WHERE dead AND created_at < now() - $1 * interval '1 second'`,
		maxAge.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup dead jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectJobs(rows pgx.Rows) ([]model.Job, error) {
	defer rows.Close()
	var out []model.Job
	for rows.Next() {
		var j model.Job
		if err := rows.Scan(&j.ID, &j.Queue, &j.Kind, &j.ExperimentID, &j.TeamID, &j.Payload,
			&j.Attempts, &j.MaxAttempts, &j.RunAt, &j.LockedUntil, &j.LastError, &j.BatchID,
			&j.Dead, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate jobs: %w", err)
	}
	return out, nil
}

func scanBatch(row pgx.Row) (model.Batch, error) {
	var b model.Batch
	err := row.Scan(&b.ID, &b.ExperimentID, &b.TeamID, &b.Total, &b.Pending, &b.Failed,
		&b.Cancelled, &b.AllowFailures, &b.Queue, &b.OnSuccess, &b.OnFailure, &b.Payload,
		&b.FinishedAt, &b.CreatedAt)
	return b, err
}
