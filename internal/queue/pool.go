// Package queue runs durable jobs from the jobs table on named queues.
//
// Jobs are claimed with FOR UPDATE SKIP LOCKED under a visibility lease, so a
// crashed worker's jobs are redelivered once the lease lapses. Each queue
// has its own concurrency limit.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/storage"
	"github.com/ashita-ai/jikken/internal/telemetry"
)

// Handler processes one kind of job. OnFailure, when set, runs once after
// the job has been dead-lettered.
type Handler struct {
	Run       func(ctx context.Context, job model.Job) error
	OnFailure func(ctx context.Context, job model.Job, err error)
}

// Config controls polling and concurrency.
type Config struct {
	// Concurrency maps queue name to the number of jobs run at once.
	Concurrency  map[string]int
	PollInterval time.Duration
	// Lease is how long a claimed job stays invisible to other workers.
	// Handlers run under a deadline of the same length.
	Lease time.Duration
}

// DefaultConfig returns one worker per known queue.
func DefaultConfig() Config {
	return Config{
		Concurrency: map[string]int{
			model.QueueExperiments: 4,
			model.QueueAI:          4,
			model.QueueOutbound:    2,
			model.QueueMetrics:     2,
		},
		PollInterval: time.Second,
		Lease:        5 * time.Minute,
	}
}

// Pool polls queues and dispatches claimed jobs to registered handlers.
type Pool struct {
	store  storage.JobStore
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
	tracer trace.Tracer

	mu       sync.RWMutex
	handlers map[model.JobKind]Handler

	started    atomic.Bool
	cancelLoop context.CancelFunc
	loops      sync.WaitGroup
	inflight   sync.WaitGroup
}

// New creates a pool. Register handlers before calling Start.
func New(store storage.JobStore, logger *slog.Logger, cfg Config) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if len(cfg.Concurrency) == 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	return &Pool{
		store:    store,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		tracer:   telemetry.Tracer("jikken/queue"),
		handlers: make(map[model.JobKind]Handler),
	}
}

// Handle registers the handler for kind, replacing any previous one.
func (p *Pool) Handle(kind model.JobKind, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// Queues returns the configured queue names.
func (p *Pool) Queues() []string {
	out := make([]string, 0, len(p.cfg.Concurrency))
	for q := range p.cfg.Concurrency {
		out = append(out, q)
	}
	return out
}

// Start launches one poll loop per queue. Subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("queue: Start called more than once, ignoring")
		return
	}
	p.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	for queue, n := range p.cfg.Concurrency {
		if n < 1 {
			continue
		}
		p.loops.Add(1)
		go p.pollLoop(loopCtx, queue)
	}
}

// Drain stops polling and waits for in-flight jobs until ctx expires.
// Unfinished jobs are redelivered after their lease.
func (p *Pool) Drain(ctx context.Context) {
	if p.cancelLoop != nil {
		p.cancelLoop()
	}
	done := make(chan struct{})
	go func() {
		p.loops.Wait()
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("queue: drain timed out")
	}
}

func (p *Pool) pollLoop(ctx context.Context, queue string) {
	defer p.loops.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Keep claiming while the queue has work.
			for ctx.Err() == nil {
				n, err := p.RunOnce(ctx, queue)
				if err != nil {
					p.logger.Error("queue: poll", "queue", queue, "error", err)
					break
				}
				if n == 0 {
					break
				}
			}
		}
	}
}

// RunOnce claims up to the queue's concurrency in jobs, runs them, and
// returns how many were claimed.
func (p *Pool) RunOnce(ctx context.Context, queue string) (int, error) {
	limit := max(p.cfg.Concurrency[queue], 1)
	jobs, err := p.store.ClaimJobs(ctx, queue, limit, p.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("queue: claim %s: %w", queue, err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	// Jobs outlive a cancelled poll loop so Drain can let them finish.
	runCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(limit)
	for _, job := range jobs {
		p.inflight.Add(1)
		g.Go(func() error {
			defer p.inflight.Done()
			p.process(runCtx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

// RunUntilIdle runs every queue until none has ready work or maxRounds is
// reached. It returns the number of jobs processed.
func (p *Pool) RunUntilIdle(ctx context.Context, maxRounds int) (int, error) {
	total := 0
	for range maxRounds {
		round := 0
		for queue := range p.cfg.Concurrency {
			n, err := p.RunOnce(ctx, queue)
			if err != nil {
				return total, err
			}
			round += n
		}
		total += round
		if round == 0 {
			return total, nil
		}
	}
	return total, nil
}

func (p *Pool) handler(kind model.JobKind) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[kind]
	return h, ok
}

func (p *Pool) process(ctx context.Context, job model.Job) {
	log := p.logger.With("job_id", job.ID, "kind", job.Kind, "experiment_id", job.ExperimentID, "attempt", job.Attempts)

	h, ok := p.handler(job.Kind)
	if !ok || h.Run == nil {
		log.Error("queue: no handler registered, dead-lettering")
		if err := p.store.FailJob(ctx, job, "no handler registered"); err != nil {
			log.Error("queue: fail job", "error", err)
		}
		return
	}

	// Settling outlives the handler's deadline: a handler that ran out its
	// lease must still be retried or dead-lettered.
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancelSettle()

	if job.Attempts > job.MaxAttempts {
		// Claimed again after its last permitted delivery never settled.
		err := Permanent(fmt.Errorf("queue: %d of %d attempts used without settling", job.Attempts-1, job.MaxAttempts))
		p.settle(settleCtx, log, h, job, err)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Lease)
	defer cancel()
	runCtx, span := p.tracer.Start(runCtx, "queue."+string(job.Kind), trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.queue", job.Queue),
		attribute.Int("job.attempt", job.Attempts),
	))
	defer span.End()

	err := p.invoke(runCtx, h, job)
	if err != nil && !isGuard(err) {
		span.SetStatus(codes.Error, err.Error())
	}
	p.settle(trace.ContextWithSpan(settleCtx, span), log, h, job, err)
}

func (p *Pool) invoke(ctx context.Context, h Handler, job model.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("queue: handler panic", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return h.Run(ctx, job)
}

func (p *Pool) settle(ctx context.Context, log *slog.Logger, h Handler, job model.Job, err error) {
	var guard *GuardError
	var deferred *DeferError
	switch {
	case err == nil:
		if cerr := p.store.CompleteJob(ctx, job); cerr != nil {
			log.Error("queue: complete job", "error", cerr)
		}

	case errors.As(err, &guard):
		log.Debug("queue: job aborted by guard", "guard", guard.Guard, "reason", guard.Reason)
		if cerr := p.store.CompleteJob(ctx, job); cerr != nil {
			log.Error("queue: ack aborted job", "error", cerr)
		}

	case errors.As(err, &deferred):
		log.Debug("queue: job deferred", "after", deferred.After, "reason", deferred.Reason)
		if derr := p.store.DeferJob(ctx, job.ID, p.now().Add(deferred.After)); derr != nil {
			log.Error("queue: defer job", "error", derr)
		}

	case !IsPermanent(err) && storage.IsTransient(err):
		log.Warn("queue: job hit lock contention, rescheduling", "error", err)
		if derr := p.store.DeferJob(ctx, job.ID, p.now().Add(contentionDelay)); derr != nil {
			log.Error("queue: defer job", "error", derr)
		}

	case IsPermanent(err) || job.Attempts >= job.MaxAttempts:
		log.Error("queue: job dead-lettered", "error", err)
		if ferr := p.store.FailJob(ctx, job, err.Error()); ferr != nil {
			log.Error("queue: fail job", "error", ferr)
		}
		if h.OnFailure != nil {
			h.OnFailure(ctx, job, err)
		}

	default:
		delay := Backoff(job.Attempts)
		log.Warn("queue: job failed, retrying", "error", err, "retry_in", delay)
		if rerr := p.store.RetryJob(ctx, job.ID, p.now().Add(delay), err.Error()); rerr != nil {
			log.Error("queue: retry job", "error", rerr)
		}
	}
}

// settleTimeout bounds the store writes and failure hook that follow a run.
const settleTimeout = 30 * time.Second

// contentionDelay is how long a job that lost a row-lock race waits before
// it runs again. Such runs consume no attempt.
const contentionDelay = time.Second

func isGuard(err error) bool {
	var g *GuardError
	var d *DeferError
	return errors.As(err, &g) || errors.As(err, &d)
}

func (p *Pool) registerMetrics() {
	meter := telemetry.Meter("jikken/queue")
	_, _ = meter.Int64ObservableGauge("jikken.queue.depth",
		metric.WithDescription("Live jobs per queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			depth, err := p.store.QueueDepth(ctx)
			if err != nil {
				return nil // skip this observation
			}
			for q, n := range depth {
				o.Observe(n, metric.WithAttributes(
					attribute.String("queue", q), attribute.String("state", "live")))
			}
			return nil
		}),
	)
}
