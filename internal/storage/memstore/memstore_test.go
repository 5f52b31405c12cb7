package memstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/storage"
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

func newStore() (*memstore.Store, *clock) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := memstore.New()
	s.Now = c.Now
	return s, c
}

func TestTransitionExperimentRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	exp, err := s.CreateExperiment(ctx, model.Experiment{TeamID: uuid.New(), Title: "t"})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.TransitionExperiment(ctx, exp.ID, func(e *model.Experiment) (storage.TransitionResult, error) {
		e.Status = model.StatusScoring
		return storage.TransitionResult{}, boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, got.Status)

	trs, err := s.ListTransitions(ctx, exp.ID)
	require.NoError(t, err)
	assert.Empty(t, trs)
}

func TestTransitionExperimentWritesRowAndJobs(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	exp, err := s.CreateExperiment(ctx, model.Experiment{TeamID: uuid.New()})
	require.NoError(t, err)

	got, err := s.TransitionExperiment(ctx, exp.ID, func(e *model.Experiment) (storage.TransitionResult, error) {
		from := e.Status
		e.Status = model.StatusScoring
		return storage.TransitionResult{
			Transition: model.StateTransition{FromStatus: from, ToStatus: e.Status, Reason: "start"},
			Jobs:       []model.Job{{Queue: model.QueueExperiments, Kind: model.JobStageScoring, ExperimentID: e.ID}},
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusScoring, got.Status)

	trs, err := s.ListTransitions(ctx, exp.ID)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, "start", trs[0].Reason)

	jobs, err := s.ListJobs(ctx, exp.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobStageScoring, jobs[0].Kind)
	assert.Equal(t, 3, jobs[0].MaxAttempts)
}

func TestClaimJobsHonoursLease(t *testing.T) {
	ctx := context.Background()
	s, c := newStore()
	expID := uuid.New()
	require.NoError(t, s.EnqueueJobs(ctx, model.Job{Queue: "q", Kind: "k", ExperimentID: expID}))

	first, err := s.ClaimJobs(ctx, "q", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].Attempts)

	again, err := s.ClaimJobs(ctx, "q", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "leased job must stay invisible")

	c.Advance(2 * time.Minute)
	redelivered, err := s.ClaimJobs(ctx, "q", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, 2, redelivered[0].Attempts)
}

func TestDeferJobDoesNotConsumeAttempt(t *testing.T) {
	ctx := context.Background()
	s, c := newStore()
	require.NoError(t, s.EnqueueJobs(ctx, model.Job{Queue: "q", Kind: "k"}))
	jobs, err := s.ClaimJobs(ctx, "q", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.DeferJob(ctx, jobs[0].ID, c.Now().Add(time.Second)))

	c.Advance(time.Second)
	jobs, err = s.ClaimJobs(ctx, "q", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts)
}

func TestBatchContinuationOnSuccess(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	expID := uuid.New()
	b, err := s.EnqueueBatch(ctx, model.Batch{
		ExperimentID: expID, Queue: "q",
		OnSuccess: model.JobPlaybookAdvance, OnFailure: model.JobPlaybookFail,
		Payload: map[string]any{"wave": 0},
	}, []model.Job{
		{Queue: "q", Kind: model.JobPlaybookStep, ExperimentID: expID},
		{Queue: "q", Kind: model.JobPlaybookStep, ExperimentID: expID},
	})
	require.NoError(t, err)

	claimed, err := s.ClaimJobs(ctx, "q", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	require.NoError(t, s.CompleteJob(ctx, claimed[0]))
	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Pending)
	assert.Nil(t, got.FinishedAt)

	require.NoError(t, s.CompleteJob(ctx, claimed[1]))
	got, err = s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.FinishedAt)

	jobs, err := s.ListJobs(ctx, expID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobPlaybookAdvance, jobs[0].Kind)
	assert.Equal(t, b.ID.String(), jobs[0].PayloadString("batch_id"))
	assert.Equal(t, 0, jobs[0].PayloadInt("wave"))
}

func TestBatchFailureCancelsAndContinuesOnFailure(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	expID := uuid.New()
	b, err := s.EnqueueBatch(ctx, model.Batch{
		ExperimentID: expID, Queue: "q",
		OnSuccess: model.JobPlaybookAdvance, OnFailure: model.JobPlaybookFail,
	}, []model.Job{
		{Queue: "q", Kind: model.JobPlaybookStep, ExperimentID: expID},
		{Queue: "q", Kind: model.JobPlaybookStep, ExperimentID: expID},
	})
	require.NoError(t, err)
	claimed, err := s.ClaimJobs(ctx, "q", 10, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.FailJob(ctx, claimed[0], "nope"))
	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Cancelled)
	assert.Equal(t, 1, got.Failed)

	require.NoError(t, s.CompleteJob(ctx, claimed[1]))
	jobs, err := s.ListJobs(ctx, expID)
	require.NoError(t, err)
	var kinds []model.JobKind
	for _, j := range jobs {
		if !j.Dead {
			kinds = append(kinds, j.Kind)
		}
	}
	assert.Equal(t, []model.JobKind{model.JobPlaybookFail}, kinds)
}

func TestEmptyBatchResolvesImmediately(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	expID := uuid.New()
	b, err := s.EnqueueBatch(ctx, model.Batch{
		ExperimentID: expID, Queue: "q",
		OnSuccess: model.JobPlaybookAdvance, OnFailure: model.JobPlaybookFail,
	}, nil)
	require.NoError(t, err)
	assert.NotNil(t, b.FinishedAt)

	jobs, err := s.ListJobs(ctx, expID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobPlaybookAdvance, jobs[0].Kind)
}

func TestAppendLedgerFloor(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	team := uuid.New()

	e, err := s.AppendLedger(ctx, model.LedgerRequest{TeamID: team, Type: model.LedgerPurchase, Amount: 100})
	require.NoError(t, err)
	assert.EqualValues(t, 100, e.BalanceAfter)

	_, err = s.AppendLedger(ctx, model.LedgerRequest{TeamID: team, Type: model.LedgerReservation, Amount: -150, Floor: true})
	require.ErrorIs(t, err, storage.ErrInsufficientBalance)

	bal, err := s.Balance(ctx, team)
	require.NoError(t, err)
	assert.EqualValues(t, 100, bal)

	e, err = s.AppendLedger(ctx, model.LedgerRequest{TeamID: team, Type: model.LedgerDeduction, Amount: -150})
	require.NoError(t, err)
	assert.EqualValues(t, -50, e.BalanceAfter)
}

func TestLeaseExpiryForceReleases(t *testing.T) {
	ctx := context.Background()
	s, c := newStore()

	ok, err := s.AcquireLease(ctx, "exp:1", "a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "exp:1", "b", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	c.Advance(11 * time.Second)
	ok, err = s.AcquireLease(ctx, "exp:1", "b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "exp:1", "a"))
	ok, err = s.AcquireLease(ctx, "exp:1", "a", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-owner must not free the lease")
}

func TestConcurrentOutboundActionsYieldOneRow(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	expID, proposalID := uuid.New(), uuid.New()

	var wg sync.WaitGroup
	created := make(chan bool, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.CreateOutboundAction(ctx, model.OutboundAction{
				ExperimentID: expID, ProposalID: proposalID, Connector: "webhook",
				Status: model.OutboundPending, IdempotencyKey: "k1",
			})
			assert.NoError(t, err)
			created <- ok
		}()
	}
	wg.Wait()
	close(created)

	n := 0
	for ok := range created {
		if ok {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestFailStageAppendsErrorHistory(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	exp, err := s.CreateExperiment(ctx, model.Experiment{TeamID: uuid.New()})
	require.NoError(t, err)

	st, err := s.FindOrCreateStage(ctx, exp, model.StageScoring)
	require.NoError(t, err)
	again, err := s.FindOrCreateStage(ctx, exp, model.StageScoring)
	require.NoError(t, err)
	assert.Equal(t, st.ID, again.ID)

	_, err = s.FailStage(ctx, st.ID, time.Second, "first")
	require.NoError(t, err)
	failed, err := s.FailStage(ctx, st.ID, time.Second, "second")
	require.NoError(t, err)

	assert.Equal(t, 2, failed.RetryCount)
	assert.Equal(t, "second", failed.OutputSnapshot["error"])
	assert.Equal(t, []any{"first", "second"}, failed.OutputSnapshot["errors"])
}

func TestIdempotencyProtocol(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	team := uuid.New()

	lookup, err := s.BeginIdempotency(ctx, team, "op", "k")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)

	_, err = s.BeginIdempotency(ctx, team, "op", "k")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress)

	require.NoError(t, s.CompleteIdempotency(ctx, team, "op", "k", map[string]any{"v": 1}))
	lookup, err = s.BeginIdempotency(ctx, team, "op", "k")
	require.NoError(t, err)
	assert.True(t, lookup.Completed)
	assert.JSONEq(t, `{"v":1}`, string(lookup.ResponseData))
}
