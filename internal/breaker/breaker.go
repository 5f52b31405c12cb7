// Package breaker gates calls to unreliable external resources with a
// persisted Closed/Open/HalfOpen state machine. State lives in the store so
// every worker process shares it; each decision is a single row-locked update.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/storage"
	"github.com/ashita-ai/jikken/internal/telemetry"
)

// ErrOpen is returned when the circuit for a resource rejects the call.
var ErrOpen = errors.New("breaker: circuit open")

// Defaults applied when Config fields are zero.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

// Config holds breaker thresholds applied to newly seen resources.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// Breaker is safe for concurrent use.
type Breaker struct {
	store  storage.BreakerStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	ignore func(error) bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithIgnore excludes errors matching fn from failure accounting. Do still
// returns them to the caller.
func WithIgnore(fn func(error) bool) Option {
	return func(b *Breaker) { b.ignore = fn }
}

// New creates a Breaker over store.
func New(store storage.BreakerStore, cfg Config, logger *slog.Logger, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	b := &Breaker{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		ignore: func(error) bool { return false },
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Breaker) defaults(resource string) model.CircuitBreakerState {
	return model.CircuitBreakerState{
		Resource:         resource,
		State:            model.BreakerClosed,
		FailureThreshold: b.cfg.FailureThreshold,
		CooldownSeconds:  int(b.cfg.Cooldown / time.Second),
	}
}

// Allow admits or rejects a call to resource. A rejection wraps ErrOpen.
func (b *Breaker) Allow(ctx context.Context, resource string) error {
	var allowed bool
	var before model.BreakerState
	s, err := b.store.UpdateBreaker(ctx, resource, b.defaults(resource), func(s *model.CircuitBreakerState) bool {
		before = s.State
		var changed bool
		allowed, changed = admit(s, b.now())
		return changed
	})
	if err != nil {
		return fmt.Errorf("breaker: admit %s: %w", resource, err)
	}
	b.observe(ctx, resource, before, s.State)
	if !allowed {
		return fmt.Errorf("breaker: %s: %w", resource, ErrOpen)
	}
	return nil
}

// RecordSuccess reports a successful call to resource.
func (b *Breaker) RecordSuccess(ctx context.Context, resource string) error {
	return b.record(ctx, resource, onSuccess)
}

// RecordFailure reports a failed call to resource.
func (b *Breaker) RecordFailure(ctx context.Context, resource string) error {
	return b.record(ctx, resource, onFailure)
}

func (b *Breaker) record(ctx context.Context, resource string, apply func(*model.CircuitBreakerState, time.Time)) error {
	var before model.BreakerState
	s, err := b.store.UpdateBreaker(ctx, resource, b.defaults(resource), func(s *model.CircuitBreakerState) bool {
		before = s.State
		apply(s, b.now())
		return true
	})
	if err != nil {
		return fmt.Errorf("breaker: record %s: %w", resource, err)
	}
	b.observe(ctx, resource, before, s.State)
	return nil
}

// Do runs fn when resource admits the call and records its outcome. Errors
// matched by the ignore predicate and context cancellation are not counted.
func (b *Breaker) Do(ctx context.Context, resource string, fn func(context.Context) error) error {
	if err := b.Allow(ctx, resource); err != nil {
		return err
	}
	callErr := fn(ctx)
	var recErr error
	switch {
	case callErr == nil:
		recErr = b.RecordSuccess(ctx, resource)
	case errors.Is(callErr, context.Canceled) || b.ignore(callErr):
	default:
		recErr = b.RecordFailure(ctx, resource)
	}
	if recErr != nil {
		b.logger.Warn("breaker: record outcome failed", "resource", resource, "error", recErr)
	}
	return callErr
}

// State returns the persisted state for resource, or a closed default when
// the resource has never been called.
func (b *Breaker) State(ctx context.Context, resource string) (model.CircuitBreakerState, error) {
	s, err := b.store.GetBreaker(ctx, resource)
	if errors.Is(err, storage.ErrNotFound) {
		return b.defaults(resource), nil
	}
	return s, err
}

// IsOpen reports whether resource would reject a call right now, without
// claiming the HalfOpen trial.
func (b *Breaker) IsOpen(ctx context.Context, resource string) bool {
	s, err := b.State(ctx, resource)
	if err != nil {
		return false
	}
	trial := s
	allowed, _ := admit(&trial, b.now())
	return !allowed
}

func (b *Breaker) observe(ctx context.Context, resource string, from, to model.BreakerState) {
	if from == to {
		return
	}
	telemetry.Engine().RecordBreaker(ctx, resource, string(to))
	level := slog.LevelInfo
	if to == model.BreakerOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(ctx, level, "breaker: state change", "resource", resource, "from", from, "to", to)
}
