// Package ratelimit provides admission control for stage jobs.
//
// Each named pool throttles how many jobs a team may start per minute. A
// refused job is not dropped: the pool reports how long until a slot frees
// up and the caller reschedules the job for then. The in-process token
// buckets (Buckets) are the default; Limiter is the contract for a shared
// implementation.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultPool is the pool every stage job passes through.
const DefaultPool = "experiments"

// DefaultPerMinute is the default admission rate of DefaultPool.
const DefaultPerMinute = 30

// Limiter admits work identified by key.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Take consumes one slot for key. It returns zero when the work is
	// admitted, otherwise how long until a slot is available. Nothing is
	// consumed on refusal. An error signals a limiter malfunction.
	Take(ctx context.Context, key string) (time.Duration, error)

	// Close releases resources (eviction goroutines, connections).
	Close() error
}

// Unlimited admits everything. Used when admission control is disabled.
type Unlimited struct{}

// Take always admits.
func (Unlimited) Take(context.Context, string) (time.Duration, error) { return 0, nil }

// Close is a no-op.
func (Unlimited) Close() error { return nil }

// PoolKey returns the limiter key for a team within a named pool.
func PoolKey(pool string, teamID uuid.UUID) string {
	return fmt.Sprintf("pool:%s:team:%s", pool, teamID)
}

// Pool is a named admission pool.
type Pool struct {
	Name      string
	PerMinute int
	Limiter   Limiter
}

// NewPool creates a pool backed by Buckets with a burst equal to the
// per-minute rate. perMinute <= 0 disables the pool.
func NewPool(name string, perMinute int) *Pool {
	if perMinute <= 0 {
		return &Pool{Name: name, Limiter: Unlimited{}}
	}
	return &Pool{
		Name:      name,
		PerMinute: perMinute,
		Limiter:   NewBuckets(perMinute, time.Minute),
	}
}

// Admit reports how long the caller should wait before trying again.
// Zero means admitted.
func (p *Pool) Admit(ctx context.Context, teamID uuid.UUID) (time.Duration, error) {
	if p == nil || p.Limiter == nil {
		return 0, nil
	}
	wait, err := p.Limiter.Take(ctx, PoolKey(p.Name, teamID))
	if err != nil {
		return 0, fmt.Errorf("ratelimit: pool %s: %w", p.Name, err)
	}
	return wait, nil
}

// Close stops the underlying limiter.
func (p *Pool) Close() error {
	if p == nil || p.Limiter == nil {
		return nil
	}
	return p.Limiter.Close()
}
