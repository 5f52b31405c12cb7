package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when a conditional update found the row in an
	// unexpected state (for example a step that is no longer pending).
	ErrConflict = errors.New("storage: conflicting state")

	// ErrInsufficientBalance is returned when a ledger movement would drive a
	// team's balance negative.
	ErrInsufficientBalance = errors.New("storage: insufficient balance")

	// ErrBudgetCapReached is returned when a reservation would push an
	// experiment's spent plus held credits past its cap.
	ErrBudgetCapReached = errors.New("storage: experiment budget cap reached")

	// ErrIdempotencyInProgress indicates a matching idempotency key is currently being processed.
	ErrIdempotencyInProgress = errors.New("storage: idempotency key already in progress")
)
