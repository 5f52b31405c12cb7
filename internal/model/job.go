package model

import (
	"time"

	"github.com/google/uuid"
)

// JobKind identifies the handler for a queued unit of work.
type JobKind string

const (
	JobStageScoring           JobKind = "stage.scoring"
	JobStagePlanning          JobKind = "stage.planning"
	JobStageBuilding          JobKind = "stage.building"
	JobStageExecuting         JobKind = "stage.executing"
	JobStageCollectingMetrics JobKind = "stage.collecting_metrics"
	JobStageEvaluating        JobKind = "stage.evaluating"
	JobExperimentIterate      JobKind = "experiment.iterate"
	JobPlaybookStart          JobKind = "playbook.start"
	JobPlaybookStep           JobKind = "playbook.step"
	JobPlaybookAdvance        JobKind = "playbook.advance"
	JobPlaybookFail           JobKind = "playbook.fail"
)

// Queue names.
const (
	QueueExperiments = "experiments"
	QueueAI          = "ai-calls"
	QueueOutbound    = "outbound"
	QueueMetrics     = "metrics"
)

// Job is a durable unit of work consumed by the worker pool.
// Attempts counts deliveries; it is incremented when a worker claims the job.
type Job struct {
	ID           uuid.UUID      `json:"id"`
	Queue        string         `json:"queue"`
	Kind         JobKind        `json:"kind"`
	ExperimentID uuid.UUID      `json:"experiment_id"`
	TeamID       uuid.UUID      `json:"team_id"`
	Payload      map[string]any `json:"payload"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	RunAt        time.Time      `json:"run_at"`
	LockedUntil  *time.Time     `json:"locked_until,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	BatchID      *uuid.UUID     `json:"batch_id,omitempty"`
	Dead         bool           `json:"dead"`
	CreatedAt    time.Time      `json:"created_at"`
}

// PayloadString reads a string field from the job payload.
func (j Job) PayloadString(key string) string {
	s, _ := j.Payload[key].(string)
	return s
}

// PayloadInt reads an integer field from the job payload.
func (j Job) PayloadInt(key string) int {
	f, _ := AsFloat(j.Payload[key])
	return int(f)
}

// Batch groups jobs dispatched together as one playbook wave. When every
// member has resolved, the continuation job for the outcome is enqueued.
type Batch struct {
	ID            uuid.UUID      `json:"id"`
	ExperimentID  uuid.UUID      `json:"experiment_id"`
	TeamID        uuid.UUID      `json:"team_id"`
	Total         int            `json:"total"`
	Pending       int            `json:"pending"`
	Failed        int            `json:"failed"`
	Cancelled     bool           `json:"cancelled"`
	AllowFailures bool           `json:"allow_failures"`
	Queue         string         `json:"queue"`
	OnSuccess     JobKind        `json:"on_success"`
	OnFailure     JobKind        `json:"on_failure"`
	Payload       map[string]any `json:"payload"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Succeeded reports whether a finished batch should continue on its success path.
func (b Batch) Succeeded() bool {
	return b.Failed == 0 && !b.Cancelled
}

// ContinuationJob builds the job to enqueue once the batch has fully resolved.
func (b Batch) ContinuationJob(now time.Time) Job {
	kind := b.OnFailure
	if b.Succeeded() {
		kind = b.OnSuccess
	}
	payload := make(map[string]any, len(b.Payload)+1)
	for k, v := range b.Payload {
		payload[k] = v
	}
	payload["batch_id"] = b.ID.String()
	return Job{
		ID:           uuid.New(),
		Queue:        b.Queue,
		Kind:         kind,
		ExperimentID: b.ExperimentID,
		TeamID:       b.TeamID,
		Payload:      payload,
		MaxAttempts:  3,
		RunAt:        now,
		CreatedAt:    now,
	}
}
