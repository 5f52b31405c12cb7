package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Buckets keeps one token bucket per key in process memory. Each bucket
// holds up to capacity tokens and refills capacity tokens per period.
//
// A bucket left alone long enough to refill completely is indistinguishable
// from a new one, so the sweeper drops it.
type Buckets struct {
	capacity float64
	perSec   float64
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	stop     chan struct{}
}

// epsilon absorbs float drift in refill arithmetic.
const epsilon = 1e-9

type bucket struct {
	tokens  float64
	updated time.Time
}

// NewBuckets creates token buckets of the given capacity refilled over
// period. Call Close to stop the sweeper.
func NewBuckets(capacity int, period time.Duration) *Buckets {
	b := &Buckets{
		capacity: float64(capacity),
		perSec:   float64(capacity) / period.Seconds(),
		now:      time.Now,
		buckets:  make(map[string]*bucket),
		stop:     make(chan struct{}),
	}
	go b.sweepLoop(period)
	return b
}

// Take implements Limiter. Waits are rounded up to whole seconds.
func (b *Buckets) Take(_ context.Context, key string) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	bk := b.refill(key, now)
	if bk.tokens >= 1-epsilon {
		bk.tokens--
		return 0, nil
	}
	secs := (1 - bk.tokens) / b.perSec
	return time.Duration(math.Ceil(secs-epsilon)) * time.Second, nil
}

// refill returns key's bucket topped up to now. Callers hold mu.
func (b *Buckets) refill(key string, now time.Time) *bucket {
	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{tokens: b.capacity, updated: now}
		b.buckets[key] = bk
		return bk
	}
	if elapsed := now.Sub(bk.updated).Seconds(); elapsed > 0 {
		bk.tokens = math.Min(b.capacity, bk.tokens+elapsed*b.perSec)
	}
	bk.updated = now
	return bk
}

// Close stops the sweeper. Safe to call multiple times.
func (b *Buckets) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	return nil
}

func (b *Buckets) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep drops buckets that have refilled completely.
func (b *Buckets) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for key, bk := range b.buckets {
		if bk.tokens+now.Sub(bk.updated).Seconds()*b.perSec >= b.capacity-epsilon {
			delete(b.buckets, key)
		}
	}
}
