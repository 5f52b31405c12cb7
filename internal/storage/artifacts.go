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

const artifactColumns = `id, experiment_id, team_id, iteration, type, name, content_key, metadata, idempotency_key, created_at`

// CreateArtifact inserts an artifact keyed by its idempotency key. When a row
// with the same key exists, that row is returned with created=false.
func (db *DB) CreateArtifact(ctx context.Context, a model.Artifact) (model.Artifact, bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	a.CreatedAt = time.Now().UTC()

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO artifacts (id, experiment_id, team_id, iteration, type, name, content_key, metadata, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		a.ID, a.ExperimentID, a.TeamID, a.Iteration, a.Type, a.Name, a.ContentKey,
		a.Metadata, a.IdempotencyKey, a.CreatedAt,
	)
	if err != nil {
		return model.Artifact{}, false, fmt.Errorf("storage: create artifact: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return a, true, nil
	}
	existing, err := db.GetArtifactByKey(ctx, a.IdempotencyKey)
	return existing, false, err
}

// GetArtifactByKey loads an artifact by idempotency key.
func (db *DB) GetArtifactByKey(ctx context.Context, key string) (model.Artifact, error) {
	var a model.Artifact
	err := db.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE idempotency_key = $1`, key,
	).Scan(&a.ID, &a.ExperimentID, &a.TeamID, &a.Iteration, &a.Type, &a.Name,
		&a.ContentKey, &a.Metadata, &a.IdempotencyKey, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Artifact{}, fmt.Errorf("storage: artifact %s: %w", key, ErrNotFound)
		}
		return model.Artifact{}, fmt.Errorf("storage: get artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns the artifacts built for an experiment iteration.
func (db *DB) ListArtifacts(ctx context.Context, experimentID uuid.UUID, iteration int) ([]model.Artifact, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE experiment_id = $1 AND iteration = $2
		 ORDER BY created_at ASC`,
		experimentID, iteration,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.ID, &a.ExperimentID, &a.TeamID, &a.Iteration, &a.Type, &a.Name,
			&a.ContentKey, &a.Metadata, &a.IdempotencyKey, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
