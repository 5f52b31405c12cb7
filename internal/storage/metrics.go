package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jikken/internal/model"
)

// InsertMetric records a metric unless one with the same dedup key exists.
// Returns true when a row was written.
func (db *DB) InsertMetric(ctx context.Context, m model.Metric) (bool, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO experiment_metrics (id, experiment_id, team_id, iteration, type, value,
		 outbound_action_id, step_id, source, metadata, dedup_key, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (dedup_key) DO NOTHING`,
		m.ID, m.ExperimentID, m.TeamID, m.Iteration, string(m.Type), m.Value,
		m.OutboundActionID, m.StepID, m.Source, m.Metadata, m.DedupKey, m.RecordedAt,
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert metric: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListMetrics returns the metrics of an experiment iteration.
func (db *DB) ListMetrics(ctx context.Context, experimentID uuid.UUID, iteration int) ([]model.Metric, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, experiment_id, team_id, iteration, type, value, outbound_action_id, step_id,
		        source, metadata, dedup_key, recorded_at
		 FROM experiment_metrics WHERE experiment_id = $1 AND iteration = $2
		 ORDER BY recorded_at ASC`,
		experimentID, iteration,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list metrics: %w", err)
	}
	defer rows.Close()

	var out []model.Metric
	for rows.Next() {
		var m model.Metric
		if err := rows.Scan(&m.ID, &m.ExperimentID, &m.TeamID, &m.Iteration, &m.Type, &m.Value,
			&m.OutboundActionID, &m.StepID, &m.Source, &m.Metadata, &m.DedupKey, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("storage: scan metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
