package model

import (
	"time"

	"github.com/google/uuid"
)

// LedgerEntryType classifies a credit ledger row.
type LedgerEntryType string

const (
	LedgerPurchase    LedgerEntryType = "purchase"
	LedgerDeduction   LedgerEntryType = "deduction"
	LedgerRefund      LedgerEntryType = "refund"
	LedgerReservation LedgerEntryType = "reservation"
	LedgerRelease     LedgerEntryType = "release"
)

// LedgerEntry is an append-only credit movement for a team.
// BalanceAfter equals the previous balance plus Amount.
type LedgerEntry struct {
	ID           uuid.UUID       `json:"id"`
	TeamID       uuid.UUID       `json:"team_id"`
	ExperimentID *uuid.UUID      `json:"experiment_id,omitempty"`
	Type         LedgerEntryType `json:"type"`
	Amount       int64           `json:"amount"`
	BalanceAfter int64           `json:"balance_after"`
	Description  string          `json:"description,omitempty"`
	Metadata     map[string]any  `json:"metadata"`
	CreatedAt    time.Time       `json:"created_at"`
}

// LedgerRequest describes a balance movement to append.
// When Floor is set the movement is refused if it would drive the balance negative.
// When HoldCap is set, -Amount is also held against ExperimentID's budget
// cap in the same write; the movement is refused if spent plus held would
// exceed the cap.
type LedgerRequest struct {
	TeamID       uuid.UUID
	ExperimentID *uuid.UUID
	Type         LedgerEntryType
	Amount       int64
	Description  string
	Metadata     map[string]any
	Floor        bool
	HoldCap      bool
}
