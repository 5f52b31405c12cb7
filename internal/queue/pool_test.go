package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/storage/memstore"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T) (*Pool, *memstore.Store, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memstore.New()
	store.Now = c.Now
	p := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Concurrency: map[string]int{model.QueueExperiments: 2},
		Lease:       time.Minute,
	})
	p.now = c.Now
	return p, store, c
}

func enqueue(t *testing.T, store *memstore.Store, kind model.JobKind) model.Job {
	t.Helper()
	job := model.Job{
		ID:           uuid.New(),
		Queue:        model.QueueExperiments,
		Kind:         kind,
		ExperimentID: uuid.New(),
		MaxAttempts:  3,
	}
	require.NoError(t, store.EnqueueJobs(context.Background(), job))
	return job
}

func jobsOf(t *testing.T, store *memstore.Store, expID uuid.UUID) []model.Job {
	t.Helper()
	jobs, err := store.ListJobs(context.Background(), expID)
	require.NoError(t, err)
	return jobs
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, Backoff(0))
	assert.Equal(t, 4*time.Second, Backoff(1))
	assert.Equal(t, 8*time.Second, Backoff(2))
	assert.Equal(t, 256*time.Second, Backoff(7))
	assert.Equal(t, 300*time.Second, Backoff(8))
	assert.Equal(t, 300*time.Second, Backoff(40))
}

func TestRunOnceCompletesJob(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPool(t)
	var ran atomic.Int32
	p.Handle(model.JobStageScoring, Handler{Run: func(context.Context, model.Job) error {
		ran.Add(1)
		return nil
	}})
	job := enqueue(t, store, model.JobStageScoring)

	n, err := p.RunOnce(ctx, model.QueueExperiments)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), ran.Load())
	assert.Empty(t, jobsOf(t, store, job.ExperimentID))
}

func TestRetryWithBackoffThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	p, store, clk := newTestPool(t)

	var failures []error
	p.Handle(model.JobStageScoring, Handler{
		Run: func(context.Context, model.Job) error { return errors.New("provider down") },
		OnFailure: func(_ context.Context, _ model.Job, err error) {
			failures = append(failures, err)
		},
	})
	job := enqueue(t, store, model.JobStageScoring)

	_, err := p.RunOnce(ctx, model.QueueExperiments)
	require.NoError(t, err)
	jobs := jobsOf(t, store, job.ExperimentID)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Equal(t, clk.Now().Add(4*time.Second), jobs[0].RunAt)
	assert.Equal(t, "provider down", jobs[0].LastError)

	n, err := p.RunOnce(ctx, model.QueueExperiments)
	require.NoError(t, err)
	assert.Zero(t, n, "not ready before the backoff elapses")

	clk.Advance(4 * time.Second)
	_, err = p.RunOnce(ctx, model.QueueExperiments)
	require.NoError(t, err)
	clk.Advance(8 * time.Second)
	_, err = p.RunOnce(ctx, model.QueueExperiments)
	require.NoError(t, err)

	jobs = jobsOf(t, store, job.ExperimentID)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Dead)
	assert.Equal(t, 3, jobs[0].Attempts)
	require.Len(t, failures, 1)
	assert.EqualError(t, failures[0], "provider down")

	clk.Advance(time.Hour)
	n, err = p.RunOnce(ctx, model.QueueExperiments)
	require.NoError(t, err)
	assert.Zero(t, n, "dead jobs are never redelivered")
}

func TestGuardAbortAcksWithoutFailure(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPool(t)
	hooked := false
	p.Handle(model.JobStageScoring, Handler{
		Run:       func(context.Context, model.Job) error { return AbortBy("kill_switch", "halted") },
		OnFailure: func(context.Context, model.Job, error) { hooked = true },
	})
	job := enqueue(t, store, model.JobStageScoring)

	_, err := p.RunOnce(ctx, model.QueueExperiments)
	require.NoError(t, err)
	assert.Empty(t, jobsOf(t, store, job.ExperimentID))
	assert.False(t, hooked)
}

func TestDeferDoesNotConsumeAttempt(t *testing.T) {
	ctx := context.Background()
	p, store, clk := newTestPool(t)
	p.Handle(model.JobStageScoring, Handler{Run: func(context.Context, model.Job) error {
		return Defer(30*time.Second, "lease held")
	}})
	job := enqueue(t, store, model.JobStageScoring)

	for range 5 {
		_, err := p.RunOnce(ctx, model.QueueExperiments)
		require.NoError(t, err)
		clk.Advance(30 * time.Second)
	}

	jobs := jobsOf(t, store, job.ExperimentID)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Dead)
	assert.Zero(t, jobs[0].Attempts)
}

func TestLockContentionDoesNotConsumeAttempt(t *testing.T) {
	ctx := context.Background()
	p, store, clk := newTestPool(t)
	p.Handle(model.JobStageScoring, Handler{Run: func(context.Context, model.Job) error {
		return fmt.Errorf("storage: transition: %w", &pgconn.PgError{Code: "40P01"})
	}})
	job := enqueue(t, store, model.JobStageScoring)

	for range 5 {
		_, err := p.RunOnce(ctx, model.QueueExperiments)
		require.NoError(t, err)
		clk.Advance(contentionDelay)
	}

	jobs := jobsOf(t, store, job.ExperimentID)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Dead)
	assert.Zero(t, jobs[0].Attempts)
}

func TestPermanentErrorDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPool(t)
	var hooked atomic.Int32
	p.Handle(model.JobPlaybookStep, Handler{
		Run:       func(context.Context, model.Job) error { return Permanent(errors.New("step already failed")) },
		OnFailure: func(context.Context, model.Job, error) { hooked.Add(1) },
	})
	job := enqueue(t, store, model.JobPlaybookStep)

	_, err := p.RunOnce(ctx, model.QueueExperiments)
	require.NoError(t, err)
	jobs := jobsOf(t, store, job.ExperimentID)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Dead)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Equal(t, int32(1), hooked.Load())
}

func TestPanicIsRetried(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPool(t)
	p.Handle(model.JobStageScoring, Handler{Run: func(context.Context, model.Job) error {
		panic("nil map")
	}})
	job := enqueue(t, store, model.JobStageScoring)

	_, err := p.RunOnce(ctx, model.QueueExperiments)
	require.NoError(t, err)
	jobs := jobsOf(t, store, job.ExperimentID)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Dead)
	assert.Contains(t, jobs[0].LastError, "nil map")
}

func TestUnknownKindIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPool(t)
	job := enqueue(t, store, model.JobKind("nope"))

	_, err := p.RunOnce(ctx, model.QueueExperiments)
	require.NoError(t, err)
	jobs := jobsOf(t, store, job.ExperimentID)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Dead)
}

func TestBatchContinuationRunsAfterMembers(t *testing.T) {
	ctx := context.Background()
	p, store, _ := newTestPool(t)
	expID := uuid.New()

	var advanced atomic.Int32
	p.Handle(model.JobPlaybookStep, Handler{Run: func(context.Context, model.Job) error { return nil }})
	p.Handle(model.JobPlaybookAdvance, Handler{Run: func(_ context.Context, job model.Job) error {
		assert.Equal(t, 2, job.PayloadInt("wave"))
		advanced.Add(1)
		return nil
	}})

	members := make([]model.Job, 3)
	for i := range members {
		members[i] = model.Job{Queue: model.QueueExperiments, Kind: model.JobPlaybookStep, ExperimentID: expID}
	}
	_, err := store.EnqueueBatch(ctx, model.Batch{
		ExperimentID: expID,
		Queue:        model.QueueExperiments,
		OnSuccess:    model.JobPlaybookAdvance,
		OnFailure:    model.JobPlaybookFail,
		Payload:      map[string]any{"wave": 2},
	}, members)
	require.NoError(t, err)

	n, err := p.RunUntilIdle(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int32(1), advanced.Load())
	assert.Empty(t, jobsOf(t, store, expID))
}

func TestStartAndDrain(t *testing.T) {
	store := memstore.New()
	p := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Concurrency:  map[string]int{model.QueueExperiments: 2},
		PollInterval: 5 * time.Millisecond,
		Lease:        time.Minute,
	})

	var ran atomic.Int32
	p.Handle(model.JobStageScoring, Handler{Run: func(context.Context, model.Job) error {
		ran.Add(1)
		return nil
	}})
	for range 5 {
		enqueue(t, store, model.JobStageScoring)
	}

	p.Start(context.Background())
	p.Start(context.Background())
	assert.Eventually(t, func() bool { return ran.Load() == 5 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Drain(ctx)
	assert.NoError(t, ctx.Err(), "drain finished before its deadline")
}

// strictStore refuses writes on a finished context, as a database driver does.
type strictStore struct {
	*memstore.Store
}

func (s strictStore) CompleteJob(ctx context.Context, job model.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.CompleteJob(ctx, job)
}

func (s strictStore) FailJob(ctx context.Context, job model.Job, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.FailJob(ctx, job, msg)
}

func (s strictStore) RetryJob(ctx context.Context, id uuid.UUID, runAt time.Time, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.RetryJob(ctx, id, runAt, msg)
}

func TestHandlerPastLeaseIsStillDeadLettered(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := New(strictStore{store}, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Concurrency: map[string]int{model.QueueExperiments: 1},
		Lease:       50 * time.Millisecond,
	})

	var hookErr error
	hooked := false
	p.Handle(model.JobStageBuilding, Handler{
		Run: func(ctx context.Context, _ model.Job) error {
			<-ctx.Done()
			return ctx.Err()
		},
		OnFailure: func(ctx context.Context, _ model.Job, _ error) {
			hooked = true
			hookErr = ctx.Err()
		},
	})
	job := model.Job{Queue: model.QueueExperiments, Kind: model.JobStageBuilding, ExperimentID: uuid.New(), MaxAttempts: 1}
	require.NoError(t, store.EnqueueJobs(ctx, job))

	_, err := p.RunOnce(ctx, model.QueueExperiments)
	require.NoError(t, err)

	jobs := jobsOf(t, store, job.ExperimentID)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Dead)
	require.True(t, hooked)
	assert.NoError(t, hookErr, "failure hook gets a live context")

	time.Sleep(60 * time.Millisecond)
	n, err := p.RunOnce(ctx, model.QueueExperiments)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandlerPastLeaseIsRetried(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := New(strictStore{store}, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Concurrency: map[string]int{model.QueueExperiments: 1},
		Lease:       20 * time.Millisecond,
	})
	p.Handle(model.JobStageBuilding, Handler{Run: func(ctx context.Context, _ model.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	job := model.Job{Queue: model.QueueExperiments, Kind: model.JobStageBuilding, ExperimentID: uuid.New(), MaxAttempts: 3}
	require.NoError(t, store.EnqueueJobs(ctx, job))

	_, err := p.RunOnce(ctx, model.QueueExperiments)
	require.NoError(t, err)

	jobs := jobsOf(t, store, job.ExperimentID)
	require.Len(t, jobs, 1)
	assert.False(t, jobs[0].Dead)
	assert.Nil(t, jobs[0].LockedUntil, "released for the next attempt")
	assert.Equal(t, context.DeadlineExceeded.Error(), jobs[0].LastError)
}

func TestExhaustedRedeliveryIsDeadLetteredWithoutRunning(t *testing.T) {
	ctx := context.Background()
	p, store, clk := newTestPool(t)

	var ran, hooked atomic.Int32
	p.Handle(model.JobStageScoring, Handler{
		Run:       func(context.Context, model.Job) error { ran.Add(1); return nil },
		OnFailure: func(context.Context, model.Job, error) { hooked.Add(1) },
	})
	job := model.Job{Queue: model.QueueExperiments, Kind: model.JobStageScoring, ExperimentID: uuid.New(), MaxAttempts: 1}
	require.NoError(t, store.EnqueueJobs(ctx, job))

	// A worker claims the only attempt and dies before settling.
	claimed, err := store.ClaimJobs(ctx, model.QueueExperiments, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	clk.Advance(2 * time.Minute)
	n, err := p.RunOnce(ctx, model.QueueExperiments)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, ran.Load())
	assert.Equal(t, int32(1), hooked.Load())

	jobs := jobsOf(t, store, job.ExperimentID)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Dead)
	assert.Contains(t, jobs[0].LastError, "without settling")
}
