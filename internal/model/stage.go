package model

import (
	"time"

	"github.com/google/uuid"
)

// StageType names one phase of the experiment pipeline.
type StageType string

const (
	StageScoring           StageType = "scoring"
	StagePlanning          StageType = "planning"
	StageBuilding          StageType = "building"
	StageExecuting         StageType = "executing"
	StageCollectingMetrics StageType = "collecting_metrics"
	StageEvaluating        StageType = "evaluating"
)

// StageStatus is the lifecycle of a stage record.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// Stage is keyed uniquely by (experiment, type, iteration) and created lazily
// on first dispatch.
type Stage struct {
	ID             uuid.UUID      `json:"id"`
	ExperimentID   uuid.UUID      `json:"experiment_id"`
	TeamID         uuid.UUID      `json:"team_id"`
	Type           StageType      `json:"stage"`
	Iteration      int            `json:"iteration"`
	Status         StageStatus    `json:"status"`
	RetryCount     int            `json:"retry_count"`
	DurationMS     int64          `json:"duration_ms"`
	InputSnapshot  map[string]any `json:"input_snapshot"`
	OutputSnapshot map[string]any `json:"output_snapshot"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
