package generation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/jikken/internal/breaker"
	"github.com/ashita-ai/jikken/internal/storage/memstore"
)

type countingClient struct {
	calls atomic.Int32
	err   error
	name  string
}

func (c *countingClient) Complete(_ context.Context, req Request) (Response, error) {
	c.calls.Add(1)
	if c.err != nil {
		return Response{}, c.err
	}
	return Response{Provider: c.name, Model: req.Model, Content: `{"ok": true}`}, nil
}

func newTestRouter(threshold int, fallbacks ...Target) *Router {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := breaker.New(memstore.New(), breaker.Config{FailureThreshold: threshold, Cooldown: time.Minute}, logger,
		breaker.WithIgnore(IsRateLimited))
	return NewRouter(b, logger, fallbacks...)
}

func TestRouterUsesRequestedProvider(t *testing.T) {
	r := newTestRouter(3, Target{Provider: "google", Model: "gemini-2.5-flash"})
	primary := &countingClient{name: "openai"}
	backup := &countingClient{name: "google"}
	r.Register("openai", primary)
	r.Register("google", backup)

	resp, err := r.Complete(context.Background(), Request{Provider: "openai", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, int32(0), backup.calls.Load())
	assert.Equal(t, []string{"google", "openai"}, r.Providers())
}

func TestRouterFallsBackAndSkipsOpenCircuit(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(1, Target{Provider: "google", Model: "gemini-2.5-flash"})
	primary := &countingClient{name: "openai", err: classify("openai", 500, errors.New("upstream 500"))}
	backup := &countingClient{name: "google"}
	r.Register("openai", primary)
	r.Register("google", backup)

	resp, err := r.Complete(ctx, Request{Provider: "openai", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "google", resp.Provider)
	assert.Equal(t, "gemini-2.5-flash", resp.Model)

	// The single failure opened openai's circuit; it is not called again.
	_, err = r.Complete(ctx, Request{Provider: "openai", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Equal(t, int32(2), backup.calls.Load())
}

func TestRouterRateLimitDoesNotOpenCircuit(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(1)
	limited := &countingClient{name: "openai", err: classify("openai", 429, errors.New("slow down"))}
	r.Register("openai", limited)

	for range 3 {
		_, err := r.Complete(ctx, Request{Provider: "openai"})
		require.ErrorIs(t, err, ErrRateLimited)
	}
	assert.Equal(t, int32(3), limited.calls.Load())
}

func TestRouterReturnsLastError(t *testing.T) {
	r := newTestRouter(5, Target{Provider: "google"})
	r.Register("openai", &countingClient{err: classify("openai", 500, errors.New("a"))})
	r.Register("google", &countingClient{err: classify("google", 0, context.DeadlineExceeded)})

	_, err := r.Complete(context.Background(), Request{Provider: "openai"})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRouterAllCircuitsOpen(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(1)
	r.Register("openai", &countingClient{err: classify("openai", 503, errors.New("down"))})

	_, err := r.Complete(ctx, Request{Provider: "openai"})
	require.ErrorIs(t, err, ErrProvider)
	_, err = r.Complete(ctx, Request{Provider: "openai"})
	require.ErrorIs(t, err, breaker.ErrOpen)
}

func TestRouterUnknownProvider(t *testing.T) {
	r := newTestRouter(1)
	_, err := r.Complete(context.Background(), Request{Provider: "anthropic"})
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestClassify(t *testing.T) {
	base := errors.New("x")
	assert.ErrorIs(t, classify("p", 429, base), ErrRateLimited)
	assert.ErrorIs(t, classify("p", 504, base), ErrTimeout)
	assert.ErrorIs(t, classify("p", 0, context.DeadlineExceeded), ErrTimeout)
	assert.ErrorIs(t, classify("p", 500, base), ErrProvider)
	assert.ErrorIs(t, classify("p", 500, base), base)
}

func TestGuardedClientStopsCallingOnceOpen(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := breaker.New(memstore.New(), breaker.Config{FailureThreshold: 2, Cooldown: time.Minute}, logger)
	inner := &countingClient{err: errors.New("boom")}
	c := Guarded(b, inner)

	for range 2 {
		_, err := c.Complete(ctx, Request{Provider: "acme"})
		require.EqualError(t, err, "boom")
	}
	_, err := c.Complete(ctx, Request{Provider: "acme"})
	require.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.True(t, b.IsOpen(ctx, BreakerResource("acme")))
}
