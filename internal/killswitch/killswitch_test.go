package killswitch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jikken/internal/storage/memstore"
)

type countingStore struct {
	*memstore.Store
	lookups atomic.Int32
}

func (c *countingStore) KillSwitchActive(ctx context.Context, scopes []string) (bool, error) {
	c.lookups.Add(1)
	return c.Store.KillSwitchActive(ctx, scopes)
}

func TestHaltedForChecksGlobalAndTeam(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	s := New(store, time.Minute)
	defer s.Close()

	team, other := uuid.New(), uuid.New()
	halted, err := s.HaltedFor(ctx, team)
	require.NoError(t, err)
	assert.False(t, halted)

	require.NoError(t, s.Set(ctx, TeamScope(team), true, "incident"))
	halted, err = s.HaltedFor(ctx, team)
	require.NoError(t, err)
	assert.True(t, halted)

	halted, err = s.HaltedFor(ctx, other)
	require.NoError(t, err)
	assert.False(t, halted)

	require.NoError(t, s.Set(ctx, GlobalScope, true, "maintenance"))
	halted, err = s.HaltedFor(ctx, other)
	require.NoError(t, err)
	assert.True(t, halted)
}

func TestCacheServesWithinTTL(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: memstore.New()}
	s := New(store, time.Minute)
	defer s.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	for range 5 {
		_, err := s.IsActive(ctx, GlobalScope)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, store.lookups.Load())

	// A write made by another process is only seen after the TTL.
	require.NoError(t, store.SetKillSwitch(ctx, GlobalScope, true, "elsewhere"))
	active, err := s.IsActive(ctx, GlobalScope)
	require.NoError(t, err)
	assert.False(t, active)

	now = now.Add(2 * time.Minute)
	active, err = s.IsActive(ctx, GlobalScope)
	require.NoError(t, err)
	assert.True(t, active)
}
