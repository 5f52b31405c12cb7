// Package killswitch answers whether new work is halted for a scope. Lookups
// are served from a short-TTL cache so guards do not hit the store on every
// job.
package killswitch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/jikken/internal/storage"
)

// GlobalScope halts every team.
const GlobalScope = "global"

// TeamScope returns the scope that halts a single team.
func TeamScope(teamID uuid.UUID) string {
	return "team:" + teamID.String()
}

// Switch is a TTL cache over the kill switch store.
type Switch struct {
	store storage.KillSwitchStore
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedEntry
	group   singleflight.Group

	done      chan struct{}
	closeOnce sync.Once
}

type cachedEntry struct {
	active    bool
	expiresAt time.Time
}

// New creates a Switch. Call Close to stop the background eviction goroutine.
func New(store storage.KillSwitchStore, ttl time.Duration) *Switch {
	s := &Switch{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedEntry),
		done:    make(chan struct{}),
	}
	go s.evictLoop()
	return s
}

// IsActive reports whether scope is switched on.
func (s *Switch) IsActive(ctx context.Context, scope string) (bool, error) {
	return s.lookup(ctx, []string{scope})
}

// HaltedFor reports whether work for teamID is halted by the global or the
// team switch.
func (s *Switch) HaltedFor(ctx context.Context, teamID uuid.UUID) (bool, error) {
	return s.lookup(ctx, []string{GlobalScope, TeamScope(teamID)})
}

func (s *Switch) lookup(ctx context.Context, scopes []string) (bool, error) {
	key := strings.Join(scopes, ",")

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok && s.now().Before(e.expiresAt) {
		return e.active, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		active, err := s.store.KillSwitchActive(ctx, scopes)
		if err != nil {
			return false, err
		}
		s.mu.Lock()
		s.entries[key] = cachedEntry{active: active, expiresAt: s.now().Add(s.ttl)}
		s.mu.Unlock()
		return active, nil
	})
	if err != nil {
		return false, fmt.Errorf("killswitch: lookup %s: %w", key, err)
	}
	return v.(bool), nil
}

// Set writes a scope through to the store and drops every cached answer so
// the change is visible to this process immediately.
func (s *Switch) Set(ctx context.Context, scope string, active bool, reason string) error {
	if err := s.store.SetKillSwitch(ctx, scope, active, reason); err != nil {
		return fmt.Errorf("killswitch: set %s: %w", scope, err)
	}
	s.mu.Lock()
	clear(s.entries)
	s.mu.Unlock()
	return nil
}

// Close stops the background eviction goroutine.
func (s *Switch) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Switch) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Switch) evictExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.entries {
		if now.After(v.expiresAt) {
			delete(s.entries, k)
		}
	}
}
