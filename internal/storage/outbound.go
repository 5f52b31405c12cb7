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

const proposalColumns = `id, experiment_id, team_id, iteration, idx, channel, target, content, status, decided_by, decided_at, created_at`

const actionColumns = `id, experiment_id, team_id, proposal_id, connector, channel, status, external_id,
	response, idempotency_key, sent_at, created_at, updated_at`

// CreateProposal inserts a proposal unique by (experiment, iteration, index).
// An existing proposal is returned with created=false.
func (db *DB) CreateProposal(ctx context.Context, p model.OutboundProposal) (model.OutboundProposal, bool, error) {
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
	p.CreatedAt = time.Now().UTC()

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO outbound_proposals (id, experiment_id, team_id, iteration, idx, channel, target, content, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (experiment_id, iteration, idx) DO NOTHING`,
		p.ID, p.ExperimentID, p.TeamID, p.Iteration, p.Index, p.Channel, p.Target, p.Content,
		string(p.Status), p.CreatedAt,
	)
	if err != nil {
		return model.OutboundProposal{}, false, fmt.Errorf("storage: create proposal: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return p, true, nil
	}
	existing, err := scanProposal(db.pool.QueryRow(ctx,
		`SELECT `+proposalColumns+` FROM outbound_proposals WHERE experiment_id = $1 AND iteration = $2 AND idx = $3`,
		p.ExperimentID, p.Iteration, p.Index,
	))
	if err != nil {
		return model.OutboundProposal{}, false, fmt.Errorf("storage: get proposal: %w", err)
	}
	return existing, false, nil
}

// ListProposals returns the proposals of an experiment iteration in index order.
func (db *DB) ListProposals(ctx context.Context, experimentID uuid.UUID, iteration int) ([]model.OutboundProposal, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+proposalColumns+` FROM outbound_proposals WHERE experiment_id = $1 AND iteration = $2
		 ORDER BY idx ASC`,
		experimentID, iteration,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list proposals: %w", err)
	}
	defer rows.Close()

	var out []model.OutboundProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DecideProposals moves the pending proposals of an iteration to status.
func (db *DB) DecideProposals(ctx context.Context, experimentID uuid.UUID, iteration int, status model.ProposalStatus, actor string) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE outbound_proposals SET status = $3, decided_by = $4, decided_at = now()
		 WHERE experiment_id = $1 AND iteration = $2 AND status = 'pending'`,
		experimentID, iteration, string(status), actor,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: decide proposals: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CreateOutboundAction inserts an action unique by idempotency key and by
// (connector, proposal). When either already exists the stored row is
// returned with created=false, so concurrent senders converge on one record.
func (db *DB) CreateOutboundAction(ctx context.Context, a model.OutboundAction) (model.OutboundAction, bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Response == nil {
		a.Response = map[string]any{}
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO outbound_actions (id, experiment_id, team_id, proposal_id, connector, channel, status,
		 response, idempotency_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 ON CONFLICT DO NOTHING`,
		a.ID, a.ExperimentID, a.TeamID, a.ProposalID, a.Connector, a.Channel, string(a.Status),
		a.Response, a.IdempotencyKey, now,
	)
	if err != nil {
		return model.OutboundAction{}, false, fmt.Errorf("storage: create outbound action: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return a, true, nil
	}
	existing, err := scanAction(db.pool.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM outbound_actions
		 WHERE idempotency_key = $1 OR (connector = $2 AND proposal_id = $3)
		 LIMIT 1`,
		a.IdempotencyKey, a.Connector, a.ProposalID,
	))
	if err != nil {
		return model.OutboundAction{}, false, fmt.Errorf("storage: get outbound action: %w", err)
	}
	return existing, false, nil
}

// GetOutboundActionByKey loads an action by idempotency key.
func (db *DB) GetOutboundActionByKey(ctx context.Context, key string) (model.OutboundAction, error) {
	a, err := scanAction(db.pool.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM outbound_actions WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.OutboundAction{}, fmt.Errorf("storage: outbound action %s: %w", key, ErrNotFound)
		}
		return model.OutboundAction{}, fmt.Errorf("storage: get outbound action: %w", err)
	}
	return a, nil
}

// FinishOutboundAction records the outcome of a delivery.
func (db *DB) FinishOutboundAction(ctx context.Context, id uuid.UUID, status model.OutboundStatus, externalID string, response map[string]any) error {
	if response == nil {
		response = map[string]any{}
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE outbound_actions
		 SET status = $2, external_id = $3, response = $4,
		     sent_at = CASE WHEN $2 = 'sent' THEN now() ELSE sent_at END,
		     updated_at = now()
		 WHERE id = $1`,
		id, string(status), externalID, response,
	); err != nil {
		return fmt.Errorf("storage: finish outbound action: %w", err)
	}
	return nil
}

// ListOutboundActions returns the actions for an experiment iteration.
func (db *DB) ListOutboundActions(ctx context.Context, experimentID uuid.UUID, iteration int) ([]model.OutboundAction, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT a.id, a.experiment_id, a.team_id, a.proposal_id, a.connector, a.channel, a.status,
		        a.external_id, a.response, a.idempotency_key, a.sent_at, a.created_at, a.updated_at
		 FROM outbound_actions a
		 JOIN outbound_proposals p ON p.id = a.proposal_id
		 WHERE a.experiment_id = $1 AND p.iteration = $2
		 ORDER BY a.created_at ASC`,
		experimentID, iteration,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list outbound actions: %w", err)
	}
	defer rows.Close()

	var out []model.OutboundAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan outbound action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanProposal(row pgx.Row) (model.OutboundProposal, error) {
	var p model.OutboundProposal
	err := row.Scan(&p.ID, &p.ExperimentID, &p.TeamID, &p.Iteration, &p.Index, &p.Channel,
		&p.Target, &p.Content, &p.Status, &p.DecidedBy, &p.DecidedAt, &p.CreatedAt)
	return p, err
}

func scanAction(row pgx.Row) (model.OutboundAction, error) {
	var a model.OutboundAction
	err := row.Scan(&a.ID, &a.ExperimentID, &a.TeamID, &a.ProposalID, &a.Connector, &a.Channel,
		&a.Status, &a.ExternalID, &a.Response, &a.IdempotencyKey, &a.SentAt, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}
