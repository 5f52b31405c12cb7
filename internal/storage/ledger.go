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

// AppendLedger applies a signed balance movement and appends the matching
// ledger row. The balance row is changed with a single conditional UPDATE;
// with req.Floor set, a movement that would drive the balance negative is
// refused with ErrInsufficientBalance and nothing is written. With
// req.HoldCap set, the experiment row is updated in the same transaction and
// a hold past budget_cap is refused with ErrBudgetCapReached.
func (db *DB) AppendLedger(ctx context.Context, req model.LedgerRequest) (model.LedgerEntry, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if req.HoldCap && req.ExperimentID != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE experiments SET budget_held = budget_held + $2, updated_at = now()
			 WHERE id = $1 AND (budget_cap <= 0 OR budget_spent + budget_held + $2 <= budget_cap)`,
			*req.ExperimentID, -req.Amount,
		)
		if err != nil {
			return model.LedgerEntry{}, fmt.Errorf("storage: hold experiment budget: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.LedgerEntry{}, ErrBudgetCapReached
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_balances (team_id, balance) VALUES ($1, 0) ON CONFLICT (team_id) DO NOTHING`,
		req.TeamID,
	); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("storage: ensure balance: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`UPDATE credit_balances SET balance = balance + $2, updated_at = now()
		 WHERE team_id = $1 AND (NOT $3 OR balance + $2 >= 0)
		 RETURNING balance`,
		req.TeamID, req.Amount, req.Floor,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LedgerEntry{}, ErrInsufficientBalance
		}
		return model.LedgerEntry{}, fmt.Errorf("storage: update balance: %w", err)
	}

	entry := model.LedgerEntry{
		ID:           uuid.New(),
		TeamID:       req.TeamID,
		ExperimentID: req.ExperimentID,
		Type:         req.Type,
		Amount:       req.Amount,
		BalanceAfter: balance,
		Description:  req.Description,
		Metadata:     req.Metadata,
		CreatedAt:    time.Now().UTC(),
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_ledger (id, team_id, experiment_id, type, amount, balance_after, description, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.TeamID, entry.ExperimentID, string(entry.Type), entry.Amount,
		entry.BalanceAfter, entry.Description, entry.Metadata, entry.CreatedAt,
	); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("storage: insert ledger entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("storage: commit ledger: %w", err)
	}
	return entry, nil
}

// Balance returns a team's current credit balance (zero when it never had one).
func (db *DB) Balance(ctx context.Context, teamID uuid.UUID) (int64, error) {
	var balance int64
	err := db.pool.QueryRow(ctx, `SELECT balance FROM credit_balances WHERE team_id = $1`, teamID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("storage: get balance: %w", err)
	}
	return balance, nil
}

// ListLedger returns a team's most recent ledger entries, newest first.
func (db *DB) ListLedger(ctx context.Context, teamID uuid.UUID, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, team_id, experiment_id, type, amount, balance_after, description, metadata, created_at
		 FROM credit_ledger WHERE team_id = $1 ORDER BY seq DESC LIMIT $2`,
		teamID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list ledger: %w", err)
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TeamID, &e.ExperimentID, &e.Type, &e.Amount,
			&e.BalanceAfter, &e.Description, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
