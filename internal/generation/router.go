package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ashita-ai/jikken/internal/breaker"
)

// Target names a provider and model to try.
type Target struct {
	Provider string
	Model    string
}

// BreakerResource is the circuit breaker resource guarding a provider.
func BreakerResource(provider string) string {
	return "generation:" + provider
}

// IsRateLimited reports whether err is a provider rate limit. Rate limits do
// not count as breaker failures.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// Guarded runs every call to c through b, keyed by the request's provider.
// It is for a client that does its own routing and so bypasses Router.
func Guarded(b *breaker.Breaker, c Client) Client {
	return &guarded{breaker: b, inner: c}
}

type guarded struct {
	breaker *breaker.Breaker
	inner   Client
}

func (g *guarded) Complete(ctx context.Context, req Request) (Response, error) {
	provider := req.Provider
	if provider == "" {
		provider = "custom"
	}
	var resp Response
	err := g.breaker.Do(ctx, BreakerResource(provider), func(ctx context.Context) error {
		var err error
		resp, err = g.inner.Complete(ctx, req)
		return err
	})
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

// Router sends each request to its provider and walks the fallback chain
// when that fails, skipping providers whose breaker is open.
type Router struct {
	breaker   *breaker.Breaker
	logger    *slog.Logger
	fallbacks []Target

	mu        sync.RWMutex
	providers map[string]Client
}

// NewRouter creates a router. b may be nil to disable circuit breaking.
func NewRouter(b *breaker.Breaker, logger *slog.Logger, fallbacks ...Target) *Router {
	return &Router{
		breaker:   b,
		logger:    logger,
		fallbacks: fallbacks,
		providers: make(map[string]Client),
	}
}

// Register adds or replaces a provider.
func (r *Router) Register(name string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = c
}

// Providers returns the registered provider names, sorted.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (r *Router) chain(req Request) []Target {
	out := []Target{{Provider: req.Provider, Model: req.Model}}
	for _, fb := range r.fallbacks {
		if !slices.Contains(out, fb) {
			out = append(out, fb)
		}
	}
	return out
}

// Complete implements Client. It returns the last provider error when every
// target fails.
func (r *Router) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	circuitOpen := false
	for _, t := range r.chain(req) {
		r.mu.RLock()
		c, ok := r.providers[t.Provider]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		resource := BreakerResource(t.Provider)
		if r.breaker != nil && r.breaker.IsOpen(ctx, resource) {
			r.logger.Debug("generation: skipping provider with open circuit", "provider", t.Provider)
			circuitOpen = true
			continue
		}

		attempt := req
		attempt.Provider, attempt.Model = t.Provider, t.Model
		var resp Response
		call := func(ctx context.Context) error {
			var err error
			resp, err = c.Complete(ctx, attempt)
			return err
		}
		var err error
		if r.breaker != nil {
			err = r.breaker.Do(ctx, resource, call)
		} else {
			err = call(ctx)
		}
		if err == nil {
			if t.Provider != req.Provider || t.Model != req.Model {
				r.logger.Info("generation: served by fallback",
					"requested", req.Provider, "provider", t.Provider, "model", t.Model)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, classify(t.Provider, 0, ctx.Err())
		}
		if errors.Is(err, breaker.ErrOpen) {
			circuitOpen = true
		} else {
			lastErr = err
		}
		r.logger.Warn("generation: provider failed", "provider", t.Provider, "model", t.Model, "error", err)
	}
	if lastErr == nil && circuitOpen {
		return Response{}, fmt.Errorf("generation: %s: every provider unavailable: %w", req.Provider, breaker.ErrOpen)
	}
	if lastErr == nil {
		return Response{}, fmt.Errorf("%w: %s: no available provider", ErrUnknownProvider, req.Provider)
	}
	return Response{}, lastErr
}
