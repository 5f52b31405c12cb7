package jikken

import (
	"time"

	"github.com/google/uuid"
)

// Status is an experiment lifecycle state.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusSignalDetected    Status = "signal_detected"
	StatusScoring           Status = "scoring"
	StatusScoringFailed     Status = "scoring_failed"
	StatusPlanning          Status = "planning"
	StatusPlanningFailed    Status = "planning_failed"
	StatusBuilding          Status = "building"
	StatusBuildingFailed    Status = "building_failed"
	StatusAwaitingApproval  Status = "awaiting_approval"
	StatusApproved          Status = "approved"
	StatusRejected          Status = "rejected"
	StatusExecuting         Status = "executing"
	StatusExecutionFailed   Status = "execution_failed"
	StatusCollectingMetrics Status = "collecting_metrics"
	StatusEvaluating        Status = "evaluating"
	StatusIterating         Status = "iterating"
	StatusPaused            Status = "paused"
	StatusCompleted         Status = "completed"
	StatusKilled            Status = "killed"
	StatusDiscarded         Status = "discarded"
	StatusExpired           Status = "expired"
)

// Experiment is the public representation of an experiment.
// It is a curated view of internal/model.Experiment.
// It imports no internal packages.
type Experiment struct {
	ID               uuid.UUID
	TeamID           uuid.UUID
	Title            string
	Thesis           string
	Track            string
	Status           Status
	PausedFrom       Status
	CurrentIteration int
	MaxIterations    int
	BudgetCap        int64
	BudgetSpent      int64
	BudgetHeld       int64
	OutboundCount    int
	MaxOutboundCount int
	Constraints      map[string]any
	SuccessCriteria  map[string]any
	StartedAt        *time.Time
	CompletedAt      *time.Time
	KilledAt         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewExperiment is the input to App.CreateExperiment. Zero limits take the
// engine defaults (3 iterations, 100 outbound sends, no budget cap).
type NewExperiment struct {
	TeamID           uuid.UUID
	Title            string
	Thesis           string
	Track            string
	MaxIterations    int
	BudgetCap        int64
	MaxOutboundCount int
	Constraints      map[string]any
	SuccessCriteria  map[string]any
}

// GenerationRequest is one completion call made on behalf of a stage or a
// playbook step.
type GenerationRequest struct {
	Provider     string
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
	// CorrelationIDs tag the call (experiment_id, stage, purpose, step_id).
	CorrelationIDs map[string]string
}

// GenerationResponse is the raw completion text plus token usage.
type GenerationResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Proposal is an approved delivery handed to a Connector.
type Proposal struct {
	ID           uuid.UUID
	ExperimentID uuid.UUID
	TeamID       uuid.UUID
	Iteration    int
	Channel      string
	Target       map[string]any
	Content      map[string]any
}

// Delivery is what a Connector reports for a successful send.
type Delivery struct {
	ExternalID string
	Response   map[string]any
}

// Action is a recorded delivery, passed to an EngagementSource.
type Action struct {
	ID           uuid.UUID
	ExperimentID uuid.UUID
	ProposalID   uuid.UUID
	Connector    string
	Channel      string
	ExternalID   string
	SentAt       *time.Time
}
