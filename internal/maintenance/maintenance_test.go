package maintenance

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jikken/internal/lifecycle"
	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/storage/memstore"
)

func newSweeper(t *testing.T, cfg Config) (*Sweeper, *memstore.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	machine := lifecycle.New(store, logger, lifecycle.DefaultConfig())
	return New(store, machine, logger, cfg), store
}

// backdate runs fn with the store clock moved back by d.
func backdate(store *memstore.Store, d time.Duration, fn func()) {
	store.Now = func() time.Time { return time.Now().UTC().Add(-d) }
	defer func() { store.Now = func() time.Time { return time.Now().UTC() } }()
	fn()
}

func TestFailStuckStages(t *testing.T) {
	ctx := context.Background()
	s, store := newSweeper(t, DefaultConfig())
	exp, err := store.CreateExperiment(ctx, model.Experiment{TeamID: uuid.New(), Status: model.StatusScoring})
	require.NoError(t, err)

	var stuck model.Stage
	backdate(store, 2*time.Hour, func() {
		stuck, err = store.FindOrCreateStage(ctx, exp, model.StageScoring)
		require.NoError(t, err)
		_, err = store.StartStage(ctx, stuck.ID, nil)
		require.NoError(t, err)
	})
	fresh, err := store.FindOrCreateStage(ctx, exp, model.StagePlanning)
	require.NoError(t, err)
	_, err = store.StartStage(ctx, fresh.ID, nil)
	require.NoError(t, err)

	n, err := s.FailStuckStages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetStage(ctx, exp.ID, model.StageScoring, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusFailed, got.Status)
	assert.Contains(t, got.OutputSnapshot["error"], "stage timed out after 2h")

	got, err = store.GetStage(ctx, exp.ID, model.StagePlanning, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusRunning, got.Status)
}

func TestExpireApprovals(t *testing.T) {
	ctx := context.Background()
	s, store := newSweeper(t, DefaultConfig())

	var stale model.Experiment
	backdate(store, 100*time.Hour, func() {
		var err error
		stale, err = store.CreateExperiment(ctx, model.Experiment{TeamID: uuid.New(), Status: model.StatusAwaitingApproval})
		require.NoError(t, err)
	})
	recent, err := store.CreateExperiment(ctx, model.Experiment{TeamID: uuid.New(), Status: model.StatusAwaitingApproval})
	require.NoError(t, err)

	n, err := s.ExpireApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetExperiment(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	got, err = store.GetExperiment(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingApproval, got.Status)
}

func TestCleanupIdempotency(t *testing.T) {
	ctx := context.Background()
	s, store := newSweeper(t, DefaultConfig())
	team := uuid.New()

	backdate(store, 48*time.Hour, func() {
		_, err := store.BeginIdempotency(ctx, team, "op", "abandoned")
		require.NoError(t, err)
	})
	_, err := store.BeginIdempotency(ctx, team, "op", "live")
	require.NoError(t, err)

	n, err := s.CleanupIdempotency(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The abandoned key can be reserved again; the live one is still held.
	_, err = store.BeginIdempotency(ctx, team, "op", "abandoned")
	require.NoError(t, err)
	_, err = store.BeginIdempotency(ctx, team, "op", "live")
	assert.Error(t, err)
}

func TestCleanupDeadJobs(t *testing.T) {
	ctx := context.Background()
	s, store := newSweeper(t, DefaultConfig())

	backdate(store, 30*24*time.Hour, func() {
		require.NoError(t, store.EnqueueJobs(ctx, model.Job{Queue: model.QueueAI, Kind: model.JobStageScoring}))
		jobs, err := store.ClaimJobs(ctx, model.QueueAI, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.NoError(t, store.FailJob(ctx, jobs[0], "boom"))
	})
	require.NoError(t, store.EnqueueJobs(ctx, model.Job{Queue: model.QueueAI, Kind: model.JobStageScoring}))

	n, err := s.CleanupDeadJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	depth, err := store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth[model.QueueAI])
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, store := newSweeper(t, Config{
		IdempotencyInterval:     5 * time.Millisecond,
		IdempotencyCompletedTTL: time.Hour,
		IdempotencyAbandonedTTL: time.Hour,
	})
	team := uuid.New()
	backdate(store, 2*time.Hour, func() {
		_, err := store.BeginIdempotency(ctx, team, "op", "k")
		require.NoError(t, err)
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, err := store.BeginIdempotency(context.Background(), team, "op", "k")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
