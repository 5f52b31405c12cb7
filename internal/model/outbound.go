package model

import (
	"time"

	"github.com/google/uuid"
)

// Artifact is a piece of generated content built for an experiment iteration.
// ContentKey points at the body in the object store.
type Artifact struct {
	ID             uuid.UUID      `json:"id"`
	ExperimentID   uuid.UUID      `json:"experiment_id"`
	TeamID         uuid.UUID      `json:"team_id"`
	Iteration      int            `json:"iteration"`
	Type           string         `json:"type"`
	Name           string         `json:"name"`
	ContentKey     string         `json:"content_key"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotency_key"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ProposalStatus is the human-gate state of an outbound proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// OutboundProposal is a delivery awaiting (or granted) human approval.
type OutboundProposal struct {
	ID           uuid.UUID      `json:"id"`
	ExperimentID uuid.UUID      `json:"experiment_id"`
	TeamID       uuid.UUID      `json:"team_id"`
	Iteration    int            `json:"iteration"`
	Index        int            `json:"index"`
	Channel      string         `json:"channel"`
	Target       map[string]any `json:"target"`
	Content      map[string]any `json:"content"`
	Status       ProposalStatus `json:"status"`
	DecidedBy    string         `json:"decided_by,omitempty"`
	DecidedAt    *time.Time     `json:"decided_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// OutboundStatus is the delivery state of an outbound action.
type OutboundStatus string

const (
	OutboundPending OutboundStatus = "pending"
	OutboundSending OutboundStatus = "sending"
	OutboundSent    OutboundStatus = "sent"
	OutboundFailed  OutboundStatus = "failed"
)

// OutboundAction records one delivery attempt. At most one row exists per
// (connector, proposal); IdempotencyKey is unique.
type OutboundAction struct {
	ID             uuid.UUID      `json:"id"`
	ExperimentID   uuid.UUID      `json:"experiment_id"`
	TeamID         uuid.UUID      `json:"team_id"`
	ProposalID     uuid.UUID      `json:"proposal_id"`
	Connector      string         `json:"connector"`
	Channel        string         `json:"channel"`
	Status         OutboundStatus `json:"status"`
	ExternalID     string         `json:"external_id,omitempty"`
	Response       map[string]any `json:"response"`
	IdempotencyKey string         `json:"idempotency_key"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// MetricType names a collected measurement.
type MetricType string

const (
	MetricDelivery        MetricType = "delivery"
	MetricEngagement      MetricType = "engagement"
	MetricStepCompletion  MetricType = "step_completion"
	MetricWorkflowSummary MetricType = "workflow_summary"
)

// Metric is a numeric measurement collected for an experiment iteration.
// DedupKey is unique so redelivered collection jobs insert nothing twice.
type Metric struct {
	ID               uuid.UUID      `json:"id"`
	ExperimentID     uuid.UUID      `json:"experiment_id"`
	TeamID           uuid.UUID      `json:"team_id"`
	Iteration        int            `json:"iteration"`
	Type             MetricType     `json:"type"`
	Value            float64        `json:"value"`
	OutboundActionID *uuid.UUID     `json:"outbound_action_id,omitempty"`
	StepID           *uuid.UUID     `json:"step_id,omitempty"`
	Source           string         `json:"source"`
	Metadata         map[string]any `json:"metadata"`
	DedupKey         string         `json:"dedup_key"`
	RecordedAt       time.Time      `json:"recorded_at"`
}
