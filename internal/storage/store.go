package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jikken/internal/model"
)

// Store is the durable-state contract consumed by the engine. DB implements it
// on PostgreSQL; memstore implements it in memory for tests and local runs.
type Store interface {
	ExperimentStore
	StageStore
	StepStore
	BreakerStore
	LedgerStore
	IdempotencyStore
	OutboundStore
	JobStore
	LeaseStore
	KillSwitchStore

	Ping(ctx context.Context) error
}

// ExperimentStore persists experiments and their transition log.
type ExperimentStore interface {
	CreateExperiment(ctx context.Context, exp model.Experiment) (model.Experiment, error)
	GetExperiment(ctx context.Context, id uuid.UUID) (model.Experiment, error)
	ListExperimentsInStatus(ctx context.Context, status model.ExperimentStatus, before time.Time) ([]model.Experiment, error)
	TransitionExperiment(ctx context.Context, id uuid.UUID, fn TransitionFunc) (model.Experiment, error)
	ListTransitions(ctx context.Context, experimentID uuid.UUID) ([]model.StateTransition, error)
	CountTransitions(ctx context.Context, experimentID uuid.UUID, to model.ExperimentStatus, iteration int) (int, error)
	ClaimOutboundSlot(ctx context.Context, experimentID uuid.UUID) (bool, error)
	ReleaseOutboundSlot(ctx context.Context, experimentID uuid.UUID) error
	SettleBudget(ctx context.Context, experimentID uuid.UUID, held, spent int64) error
}

// StageStore persists per-iteration stage records.
type StageStore interface {
	FindOrCreateStage(ctx context.Context, exp model.Experiment, typ model.StageType) (model.Stage, error)
	GetStage(ctx context.Context, experimentID uuid.UUID, typ model.StageType, iteration int) (model.Stage, error)
	LatestCompletedStage(ctx context.Context, experimentID uuid.UUID, typ model.StageType) (model.Stage, error)
	ListStages(ctx context.Context, experimentID uuid.UUID) ([]model.Stage, error)
	ListRunningStagesBefore(ctx context.Context, cutoff time.Time) ([]model.Stage, error)
	StartStage(ctx context.Context, id uuid.UUID, input map[string]any) (model.Stage, error)
	CompleteStage(ctx context.Context, id uuid.UUID, duration time.Duration, output map[string]any) error
	FailStage(ctx context.Context, id uuid.UUID, duration time.Duration, errMsg string) (model.Stage, error)
}

// StepStore persists playbook steps and their checkpoints.
type StepStore interface {
	CreateSteps(ctx context.Context, steps []model.PlaybookStep) error
	ListSteps(ctx context.Context, experimentID uuid.UUID) ([]model.PlaybookStep, error)
	CountSteps(ctx context.Context, experimentID uuid.UUID) (int, error)
	GetStep(ctx context.Context, id uuid.UUID) (model.PlaybookStep, error)
	StartStep(ctx context.Context, id uuid.UUID, workerID, key string, input map[string]any) error
	HeartbeatStep(ctx context.Context, id uuid.UUID) error
	CompleteStep(ctx context.Context, id uuid.UUID, output map[string]any, duration time.Duration, cost int64) error
	FailStep(ctx context.Context, id uuid.UUID, errMsg string) error
	RequeueStep(ctx context.Context, id uuid.UUID, errMsg string) error
	SkipStep(ctx context.Context, id uuid.UUID, reason string) error
	ResetSteps(ctx context.Context, experimentID uuid.UUID) error
}

// BreakerStore persists circuit breaker rows.
type BreakerStore interface {
	GetBreaker(ctx context.Context, resource string) (model.CircuitBreakerState, error)
	UpdateBreaker(ctx context.Context, resource string, defaults model.CircuitBreakerState, fn func(*model.CircuitBreakerState) bool) (model.CircuitBreakerState, error)
}

// LedgerStore persists team balances and the credit ledger.
type LedgerStore interface {
	AppendLedger(ctx context.Context, req model.LedgerRequest) (model.LedgerEntry, error)
	Balance(ctx context.Context, teamID uuid.UUID) (int64, error)
	ListLedger(ctx context.Context, teamID uuid.UUID, limit int) ([]model.LedgerEntry, error)
}

// IdempotencyStore persists keyed dedup records.
type IdempotencyStore interface {
	BeginIdempotency(ctx context.Context, teamID uuid.UUID, operation, key string) (IdempotencyLookup, error)
	CompleteIdempotency(ctx context.Context, teamID uuid.UUID, operation, key string, result any) error
	ClearInProgressIdempotency(ctx context.Context, teamID uuid.UUID, operation, key string) error
	DeleteIdempotency(ctx context.Context, teamID uuid.UUID, operation, key string) error
	CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error)
}

// OutboundStore persists artifacts, proposals, delivery actions and metrics.
type OutboundStore interface {
	CreateArtifact(ctx context.Context, a model.Artifact) (model.Artifact, bool, error)
	GetArtifactByKey(ctx context.Context, key string) (model.Artifact, error)
	ListArtifacts(ctx context.Context, experimentID uuid.UUID, iteration int) ([]model.Artifact, error)
	CreateProposal(ctx context.Context, p model.OutboundProposal) (model.OutboundProposal, bool, error)
	ListProposals(ctx context.Context, experimentID uuid.UUID, iteration int) ([]model.OutboundProposal, error)
	DecideProposals(ctx context.Context, experimentID uuid.UUID, iteration int, status model.ProposalStatus, actor string) (int64, error)
	CreateOutboundAction(ctx context.Context, a model.OutboundAction) (model.OutboundAction, bool, error)
	GetOutboundActionByKey(ctx context.Context, key string) (model.OutboundAction, error)
	FinishOutboundAction(ctx context.Context, id uuid.UUID, status model.OutboundStatus, externalID string, response map[string]any) error
	ListOutboundActions(ctx context.Context, experimentID uuid.UUID, iteration int) ([]model.OutboundAction, error)
	InsertMetric(ctx context.Context, m model.Metric) (bool, error)
	ListMetrics(ctx context.Context, experimentID uuid.UUID, iteration int) ([]model.Metric, error)
}

// JobStore persists the durable job queue and batches.
type JobStore interface {
	EnqueueJobs(ctx context.Context, jobs ...model.Job) error
	EnqueueBatch(ctx context.Context, b model.Batch, jobs []model.Job) (model.Batch, error)
	ClaimJobs(ctx context.Context, queue string, limit int, lease time.Duration) ([]model.Job, error)
	CompleteJob(ctx context.Context, job model.Job) error
	FailJob(ctx context.Context, job model.Job, errMsg string) error
	RetryJob(ctx context.Context, id uuid.UUID, runAt time.Time, errMsg string) error
	DeferJob(ctx context.Context, id uuid.UUID, runAt time.Time) error
	GetBatch(ctx context.Context, id uuid.UUID) (model.Batch, error)
	CancelBatch(ctx context.Context, id uuid.UUID) error
	ListJobs(ctx context.Context, experimentID uuid.UUID) ([]model.Job, error)
	QueueDepth(ctx context.Context) (map[string]int64, error)
	CleanupDeadJobs(ctx context.Context, maxAge time.Duration) (int64, error)
}

// LeaseStore persists named mutual-exclusion leases.
type LeaseStore interface {
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// KillSwitchStore persists kill switch flags.
type KillSwitchStore interface {
	KillSwitchActive(ctx context.Context, scopes []string) (bool, error)
	SetKillSwitch(ctx context.Context, scope string, active bool, reason string) error
}

var _ Store = (*DB)(nil)
