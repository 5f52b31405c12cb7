// Package memstore is an in-memory implementation of storage.Store. It keeps
// the same conditional-update and uniqueness semantics as the PostgreSQL store
// so engine packages can be exercised without a database, and backs the
// worker when JIKKEN_STORE=memory.
package memstore

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type idemKey struct {
	team      uuid.UUID
	operation string
	key       string
}

type idemRecord struct {
	completed bool
	data      []byte
	updatedAt time.Time
}

type lease struct {
	owner     string
	expiresAt time.Time
}

type jobRow struct {
	job model.Job
	seq int64
}

// Store holds all state behind a single mutex. Every method is atomic with
// respect to every other.
type Store struct {
	// Now is the clock used for timestamps, job readiness and lease expiry.
	// Tests replace it before use.
	Now func() time.Time

	mu  sync.Mutex
	seq int64

	experiments  map[uuid.UUID]model.Experiment
	transitions  []model.StateTransition
	stages       map[uuid.UUID]model.Stage
	stageSeq     map[uuid.UUID]int64
	steps        map[uuid.UUID]model.PlaybookStep
	breakers     map[string]model.CircuitBreakerState
	balances     map[uuid.UUID]int64
	ledger       []model.LedgerEntry
	idempotency  map[idemKey]*idemRecord
	artifacts    map[string]model.Artifact
	artifactSeq  map[string]int64
	proposals    map[uuid.UUID]model.OutboundProposal
	actions      map[uuid.UUID]model.OutboundAction
	actionSeq    map[uuid.UUID]int64
	metrics      map[string]model.Metric
	metricSeq    map[string]int64
	jobs         map[uuid.UUID]*jobRow
	batches      map[uuid.UUID]model.Batch
	leases       map[string]lease
	killSwitches map[string]model.KillSwitch
}

// New returns an empty store using the wall clock.
func New() *Store {
	return &Store{
		Now:          func() time.Time { return time.Now().UTC() },
		experiments:  make(map[uuid.UUID]model.Experiment),
		stages:       make(map[uuid.UUID]model.Stage),
		stageSeq:     make(map[uuid.UUID]int64),
		steps:        make(map[uuid.UUID]model.PlaybookStep),
		breakers:     make(map[string]model.CircuitBreakerState),
		balances:     make(map[uuid.UUID]int64),
		idempotency:  make(map[idemKey]*idemRecord),
		artifacts:    make(map[string]model.Artifact),
		artifactSeq:  make(map[string]int64),
		proposals:    make(map[uuid.UUID]model.OutboundProposal),
		actions:      make(map[uuid.UUID]model.OutboundAction),
		actionSeq:    make(map[uuid.UUID]int64),
		metrics:      make(map[string]model.Metric),
		metricSeq:    make(map[string]int64),
		jobs:         make(map[uuid.UUID]*jobRow),
		batches:      make(map[uuid.UUID]model.Batch),
		leases:       make(map[string]lease),
		killSwitches: make(map[string]model.KillSwitch),
	}
}

func (s *Store) now() time.Time { return s.Now() }

func (s *Store) next() int64 {
	s.seq++
	return s.seq
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

func ptr[T any](v T) *T { return &v }
