package model

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionMode controls how a playbook step is grouped into waves.
type ExecutionMode string

const (
	ModeSequential  ExecutionMode = "sequential"
	ModeParallel    ExecutionMode = "parallel"
	ModeConditional ExecutionMode = "conditional"
)

// StepStatus is the lifecycle of a playbook step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsDone reports whether the step reached a final status.
func (s StepStatus) IsDone() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// StepCondition gates a conditional step on a predecessor's output.
// If holds an expression of the form "steps.<order>.output.<field> <op> <value>".
type StepCondition struct {
	If       string `json:"if,omitempty" yaml:"if,omitempty"`
	ElseSkip bool   `json:"else_skip,omitempty" yaml:"else_skip,omitempty"`
}

// Agent describes who performs a playbook step.
type Agent struct {
	Name         string `json:"name" yaml:"name"`
	Role         string `json:"role,omitempty" yaml:"role,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Provider     string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// PlaybookStep is one ordered unit of work inside an experiment's playbook.
type PlaybookStep struct {
	ID              uuid.UUID      `json:"id"`
	ExperimentID    uuid.UUID      `json:"experiment_id"`
	TeamID          uuid.UUID      `json:"team_id"`
	Order           int            `json:"order"`
	NodeID          string         `json:"node_id,omitempty"`
	ExecutionMode   ExecutionMode  `json:"execution_mode"`
	GroupID         string         `json:"group_id,omitempty"`
	Conditions      *StepCondition `json:"conditions,omitempty"`
	InputMapping    map[string]any `json:"input_mapping,omitempty"`
	Agent           Agent          `json:"agent"`
	Status          StepStatus     `json:"status"`
	Input           map[string]any `json:"input,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	DurationMS      int64          `json:"duration_ms"`
	Cost            int64          `json:"cost"`
	LastHeartbeatAt *time.Time     `json:"last_heartbeat_at,omitempty"`
	WorkerID        string         `json:"worker_id,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
