// Package budget reserves, settles and releases credits against a team's
// ledger and an experiment's spend cap.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/storage"
)

var (
	// ErrInsufficient is returned when the team balance cannot cover a reservation.
	ErrInsufficient = errors.New("budget: insufficient credits")

	// ErrCapReached is returned when an experiment's spend cap cannot cover a reservation.
	ErrCapReached = errors.New("budget: experiment budget cap reached")
)

// warnPct is the cap utilisation at which Check starts reporting a warning.
const warnPct = 80.0

// Store is the subset of storage the guard needs.
type Store interface {
	storage.LedgerStore
	SettleBudget(ctx context.Context, experimentID uuid.UUID, held, spent int64) error
}

// Reservation is a hold placed on a team's balance ahead of a billable call.
type Reservation struct {
	EntryID      uuid.UUID
	TeamID       uuid.UUID
	ExperimentID uuid.UUID
	Amount       int64
	// Held is the part of Amount held against the experiment cap.
	Held int64
}

// Guard enforces credit limits.
type Guard struct {
	store  Store
	logger *slog.Logger
}

// New creates a Guard.
func New(store Store, logger *slog.Logger) *Guard {
	return &Guard{store: store, logger: logger}
}

// Status is the outcome of Check.
type Status struct {
	OK      bool
	Reason  string
	PctUsed float64
}

// Check reports whether exp may start more billable work: its cap must not
// be exhausted and its team must hold a positive balance.
func (g *Guard) Check(ctx context.Context, exp model.Experiment) (Status, error) {
	var pct float64
	if remaining, capped := exp.BudgetRemaining(); capped {
		pct = float64(exp.BudgetSpent) / float64(exp.BudgetCap) * 100
		if remaining <= 0 {
			return Status{Reason: "experiment budget cap reached", PctUsed: min(pct, 100)}, nil
		}
	}

	balance, err := g.store.Balance(ctx, exp.TeamID)
	if err != nil {
		return Status{}, fmt.Errorf("budget: balance: %w", err)
	}
	if balance <= 0 {
		return Status{Reason: "team has no remaining credits", PctUsed: 100}, nil
	}

	st := Status{OK: true, PctUsed: pct}
	if pct >= warnPct {
		st.Reason = fmt.Sprintf("budget warning: %.1f%% used", pct)
		g.logger.Warn("budget: experiment nearing cap",
			"experiment_id", exp.ID, "pct_used", pct, "spent", exp.BudgetSpent, "cap", exp.BudgetCap)
	}
	return st, nil
}

// Reserve holds amount credits for exp. The team balance is debited and the
// experiment cap held in one store write, so the cap is checked against the
// stored spend and open holds rather than exp's snapshot.
func (g *Guard) Reserve(ctx context.Context, exp model.Experiment, amount int64, description string) (Reservation, error) {
	if amount <= 0 {
		return Reservation{TeamID: exp.TeamID, ExperimentID: exp.ID}, nil
	}

	req := model.LedgerRequest{
		TeamID:      exp.TeamID,
		Type:        model.LedgerReservation,
		Amount:      -amount,
		Description: description,
		Metadata:    map[string]any{"reserved_amount": amount},
		Floor:       true,
	}
	if exp.ID != uuid.Nil {
		expID := exp.ID
		req.ExperimentID = &expID
		req.HoldCap = true
	}
	entry, err := g.store.AppendLedger(ctx, req)
	switch {
	case errors.Is(err, storage.ErrInsufficientBalance):
		return Reservation{}, fmt.Errorf("%w: requested %d", ErrInsufficient, amount)
	case errors.Is(err, storage.ErrBudgetCapReached):
		return Reservation{}, fmt.Errorf("%w: requested %d", ErrCapReached, amount)
	case err != nil:
		return Reservation{}, fmt.Errorf("budget: reserve: %w", err)
	}
	r := Reservation{EntryID: entry.ID, TeamID: exp.TeamID, ExperimentID: exp.ID, Amount: amount}
	if req.HoldCap {
		r.Held = amount
	}
	return r, nil
}

// Charge settles r against the actual cost: the unused part is released, an
// overrun is deducted, and the cap hold is replaced by actual spend.
func (g *Guard) Charge(ctx context.Context, r Reservation, actual int64) error {
	if actual < 0 {
		actual = 0
	}
	meta := map[string]any{"reservation_id": r.EntryID.String(), "reserved": r.Amount, "actual": actual}
	expID := r.ExperimentID

	switch diff := r.Amount - actual; {
	case diff > 0:
		if _, err := g.store.AppendLedger(ctx, model.LedgerRequest{
			TeamID: r.TeamID, ExperimentID: &expID, Type: model.LedgerRelease, Amount: diff,
			Description: fmt.Sprintf("released excess reservation (%d credits)", diff), Metadata: meta,
		}); err != nil {
			return fmt.Errorf("budget: release excess: %w", err)
		}
	case diff < 0:
		if _, err := g.store.AppendLedger(ctx, model.LedgerRequest{
			TeamID: r.TeamID, ExperimentID: &expID, Type: model.LedgerDeduction, Amount: diff,
			Description: fmt.Sprintf("additional cost beyond reservation (%d credits)", -diff), Metadata: meta,
		}); err != nil {
			return fmt.Errorf("budget: deduct overrun: %w", err)
		}
	}

	if (actual > 0 || r.Held > 0) && r.ExperimentID != uuid.Nil {
		if err := g.store.SettleBudget(ctx, r.ExperimentID, r.Held, actual); err != nil {
			return fmt.Errorf("budget: track spend: %w", err)
		}
	}
	return nil
}

// Release returns the whole reservation to the team balance.
func (g *Guard) Release(ctx context.Context, r Reservation) error {
	return g.Charge(ctx, r, 0)
}

// Available returns the team's current balance.
func (g *Guard) Available(ctx context.Context, teamID uuid.UUID) (int64, error) {
	return g.store.Balance(ctx, teamID)
}

// Grant credits a team's balance with a purchase entry.
func (g *Guard) Grant(ctx context.Context, teamID uuid.UUID, amount int64, description string) (model.LedgerEntry, error) {
	entry, err := g.store.AppendLedger(ctx, model.LedgerRequest{
		TeamID: teamID, Type: model.LedgerPurchase, Amount: amount, Description: description,
	})
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("budget: grant: %w", err)
	}
	return entry, nil
}
