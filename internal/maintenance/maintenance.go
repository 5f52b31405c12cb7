// Package maintenance runs the periodic sweeps that keep durable state
// bounded: idempotency key cleanup, approval expiry, stuck stage recovery
// and dead job retention.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/jikken/internal/lifecycle"
	"github.com/ashita-ai/jikken/internal/storage"
)

// Store is the persistence the sweeps touch.
type Store interface {
	storage.StageStore
	storage.JobStore
	storage.IdempotencyStore
}

// Config holds sweep intervals and retention windows. A zero interval
// disables that sweep.
type Config struct {
	IdempotencyInterval     time.Duration
	IdempotencyCompletedTTL time.Duration
	IdempotencyAbandonedTTL time.Duration

	ApprovalInterval time.Duration
	ApprovalTTL      time.Duration

	StuckStageInterval time.Duration
	StuckStageAfter    time.Duration

	DeadJobInterval  time.Duration
	DeadJobRetention time.Duration
}

// DefaultConfig returns the stock sweep schedule.
func DefaultConfig() Config {
	return Config{
		IdempotencyInterval:     time.Hour,
		IdempotencyCompletedTTL: 7 * 24 * time.Hour,
		IdempotencyAbandonedTTL: 24 * time.Hour,
		ApprovalInterval:        time.Hour,
		ApprovalTTL:             72 * time.Hour,
		StuckStageInterval:      5 * time.Minute,
		StuckStageAfter:         30 * time.Minute,
		DeadJobInterval:         6 * time.Hour,
		DeadJobRetention:        14 * 24 * time.Hour,
	}
}

// Sweeper owns the maintenance loops.
type Sweeper struct {
	store   Store
	machine *lifecycle.Machine
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

// New creates a Sweeper.
func New(store Store, machine *lifecycle.Machine, logger *slog.Logger, cfg Config) *Sweeper {
	return &Sweeper{
		store:   store,
		machine: machine,
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run starts one loop per enabled sweep and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	s.loop(ctx, g, "idempotency", s.cfg.IdempotencyInterval, s.CleanupIdempotency)
	s.loop(ctx, g, "approvals", s.cfg.ApprovalInterval, s.ExpireApprovals)
	s.loop(ctx, g, "stuck_stages", s.cfg.StuckStageInterval, s.FailStuckStages)
	s.loop(ctx, g, "dead_jobs", s.cfg.DeadJobInterval, s.CleanupDeadJobs)
	return g.Wait()
}

func (s *Sweeper) loop(ctx context.Context, g *errgroup.Group, name string, every time.Duration, sweep func(context.Context) (int64, error)) {
	if every <= 0 {
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				opCtx, cancel := context.WithTimeout(ctx, time.Minute)
				n, err := sweep(opCtx)
				cancel()
				if err != nil {
					s.logger.Warn("maintenance: sweep failed", "sweep", name, "error", err)
					continue
				}
				if n > 0 {
					s.logger.Info("maintenance: sweep done", "sweep", name, "affected", n)
				}
			}
		}
	})
}

// CleanupIdempotency deletes old completed keys and abandoned reservations.
func (s *Sweeper) CleanupIdempotency(ctx context.Context) (int64, error) {
	n, err := s.store.CleanupIdempotencyKeys(ctx, s.cfg.IdempotencyCompletedTTL, s.cfg.IdempotencyAbandonedTTL)
	if err != nil {
		return 0, fmt.Errorf("maintenance: idempotency cleanup: %w", err)
	}
	return n, nil
}

// ExpireApprovals expires experiments left at the approval gate too long.
func (s *Sweeper) ExpireApprovals(ctx context.Context) (int64, error) {
	n, err := s.machine.ExpireStaleApprovals(ctx, s.cfg.ApprovalTTL)
	return int64(n), err
}

// FailStuckStages fails stage records that have been running longer than
// StuckStageAfter. The job that owned the stage is redelivered by the queue
// lease and starts the stage again; a job that already died leaves the
// record failed instead of running forever.
func (s *Sweeper) FailStuckStages(ctx context.Context) (int64, error) {
	now := s.now()
	stages, err := s.store.ListRunningStagesBefore(ctx, now.Add(-s.cfg.StuckStageAfter))
	if err != nil {
		return 0, fmt.Errorf("maintenance: list running stages: %w", err)
	}
	var n int64
	for _, st := range stages {
		var ran time.Duration
		if st.StartedAt != nil {
			ran = now.Sub(*st.StartedAt)
		}
		if _, err := s.store.FailStage(ctx, st.ID, ran, fmt.Sprintf("stage timed out after %s", ran.Round(time.Second))); err != nil {
			s.logger.Warn("maintenance: fail stuck stage", "stage_id", st.ID, "error", err)
			continue
		}
		s.logger.Warn("maintenance: stuck stage failed",
			"experiment_id", st.ExperimentID, "stage", st.Type, "iteration", st.Iteration, "running_for", ran)
		n++
	}
	return n, nil
}

// CleanupDeadJobs drops dead-lettered jobs past retention.
func (s *Sweeper) CleanupDeadJobs(ctx context.Context) (int64, error) {
	n, err := s.store.CleanupDeadJobs(ctx, s.cfg.DeadJobRetention)
	if err != nil {
		return 0, fmt.Errorf("maintenance: dead job cleanup: %w", err)
	}
	return n, nil
}
