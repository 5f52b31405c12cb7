// Package model defines the core domain types for jikken.
//
// Types correspond directly to database tables and job payloads. They use
// strong typing (UUIDs, time.Time, string enums) and keep opaque JSON
// documents (constraints, snapshots, outputs) as map[string]any.
package model

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ExperimentStatus is a lifecycle state of an experiment.
type ExperimentStatus string

const (
	StatusDraft             ExperimentStatus = "draft"
	StatusSignalDetected    ExperimentStatus = "signal_detected"
	StatusScoring           ExperimentStatus = "scoring"
	StatusScoringFailed     ExperimentStatus = "scoring_failed"
	StatusPlanning          ExperimentStatus = "planning"
	StatusPlanningFailed    ExperimentStatus = "planning_failed"
	StatusBuilding          ExperimentStatus = "building"
	StatusBuildingFailed    ExperimentStatus = "building_failed"
	StatusAwaitingApproval  ExperimentStatus = "awaiting_approval"
	StatusApproved          ExperimentStatus = "approved"
	StatusRejected          ExperimentStatus = "rejected"
	StatusExecuting         ExperimentStatus = "executing"
	StatusExecutionFailed   ExperimentStatus = "execution_failed"
	StatusCollectingMetrics ExperimentStatus = "collecting_metrics"
	StatusEvaluating        ExperimentStatus = "evaluating"
	StatusIterating         ExperimentStatus = "iterating"
	StatusPaused            ExperimentStatus = "paused"
	StatusCompleted         ExperimentStatus = "completed"
	StatusKilled            ExperimentStatus = "killed"
	StatusDiscarded         ExperimentStatus = "discarded"
	StatusExpired           ExperimentStatus = "expired"
)

// AllStatuses lists every lifecycle state in pipeline order.
var AllStatuses = []ExperimentStatus{
	StatusDraft, StatusSignalDetected,
	StatusScoring, StatusScoringFailed,
	StatusPlanning, StatusPlanningFailed,
	StatusBuilding, StatusBuildingFailed,
	StatusAwaitingApproval, StatusApproved, StatusRejected,
	StatusExecuting, StatusExecutionFailed,
	StatusCollectingMetrics, StatusEvaluating, StatusIterating,
	StatusPaused,
	StatusCompleted, StatusKilled, StatusDiscarded, StatusExpired,
}

// IsTerminal reports whether no transition may leave s.
func (s ExperimentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusKilled, StatusDiscarded, StatusExpired:
		return true
	}
	return false
}

// IsPausable reports whether an operator may pause an experiment in s.
func (s ExperimentStatus) IsPausable() bool {
	switch s {
	case StatusScoring, StatusPlanning, StatusBuilding, StatusExecuting,
		StatusCollectingMetrics, StatusEvaluating, StatusIterating:
		return true
	}
	return false
}

// IsFailed reports whether s is one of the per-stage failed variants.
func (s ExperimentStatus) IsFailed() bool {
	switch s {
	case StatusScoringFailed, StatusPlanningFailed, StatusBuildingFailed, StatusExecutionFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s ExperimentStatus) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Experiment is a tenant-scoped hypothesis driven through the pipeline.
// Status is written only by the lifecycle state machine.
type Experiment struct {
	ID               uuid.UUID         `json:"id"`
	TeamID           uuid.UUID         `json:"team_id"`
	Title            string            `json:"title"`
	Thesis           string            `json:"thesis"`
	Track            string            `json:"track"`
	Status           ExperimentStatus  `json:"status"`
	PausedFromStatus *ExperimentStatus `json:"paused_from_status,omitempty"`
	CurrentIteration int               `json:"current_iteration"`
	MaxIterations    int               `json:"max_iterations"`
	BudgetCap        int64             `json:"budget_cap"`
	BudgetSpent      int64             `json:"budget_spent"`
	BudgetHeld       int64             `json:"budget_held"`
	OutboundCount    int               `json:"outbound_count"`
	MaxOutboundCount int               `json:"max_outbound_count"`
	Constraints      map[string]any    `json:"constraints"`
	SuccessCriteria  map[string]any    `json:"success_criteria"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	KilledAt         *time.Time        `json:"killed_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// BudgetRemaining returns the part of the experiment's cap that is neither
// spent nor held by an open reservation.
// A zero cap means the experiment is not individually capped.
func (e Experiment) BudgetRemaining() (int64, bool) {
	if e.BudgetCap <= 0 {
		return 0, false
	}
	return e.BudgetCap - e.BudgetSpent - e.BudgetHeld, true
}

// ConstraintFloat reads a numeric constraint, accepting JSON numbers and numeric strings.
func (e Experiment) ConstraintFloat(key string, def float64) float64 {
	if f, ok := AsFloat(e.Constraints[key]); ok {
		return f
	}
	return def
}

// ConstraintInt reads an integer constraint.
func (e Experiment) ConstraintInt(key string, def int) int {
	if f, ok := AsFloat(e.Constraints[key]); ok {
		return int(f)
	}
	return def
}

// ConstraintString reads a string constraint.
func (e Experiment) ConstraintString(key, def string) string {
	if s, ok := e.Constraints[key].(string); ok && s != "" {
		return s
	}
	return def
}

// ConstraintBool reads a boolean constraint.
func (e Experiment) ConstraintBool(key string) bool {
	b, _ := e.Constraints[key].(bool)
	return b
}

// AsFloat converts JSON-decoded numbers and numeric strings to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// StateTransition is an append-only audit row. Never mutated or deleted.
type StateTransition struct {
	ID           uuid.UUID        `json:"id"`
	ExperimentID uuid.UUID        `json:"experiment_id"`
	TeamID       uuid.UUID        `json:"team_id"`
	FromStatus   ExperimentStatus `json:"from_status"`
	ToStatus     ExperimentStatus `json:"to_status"`
	Reason       string           `json:"reason,omitempty"`
	Actor        string           `json:"actor,omitempty"`
	Metadata     map[string]any   `json:"metadata"`
	Iteration    int              `json:"iteration"`
	CreatedAt    time.Time        `json:"created_at"`
}
