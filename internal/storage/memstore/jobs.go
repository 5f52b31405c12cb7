package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/jikken/internal/model"
	"github.com/ashita-ai/jikken/internal/storage"
)

func (s *Store) insertJobsLocked(jobs []model.Job) {
	now := s.now()
	for _, j := range jobs {
		if j.ID == uuid.Nil {
			j.ID = uuid.New()
		}
		if j.Payload == nil {
			j.Payload = map[string]any{}
		}
		if j.MaxAttempts <= 0 {
			j.MaxAttempts = 3
		}
		if j.RunAt.IsZero() {
			j.RunAt = now
		}
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		j.Attempts = 0
		j.LockedUntil = nil
		j.Dead = false
		s.jobs[j.ID] = &jobRow{job: j, seq: s.next()}
	}
}

// EnqueueJobs inserts standalone jobs.
func (s *Store) EnqueueJobs(_ context.Context, jobs ...model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertJobsLocked(jobs)
	return nil
}

// EnqueueBatch inserts a batch with its members; an empty batch resolves at once.
func (s *Store) EnqueueBatch(_ context.Context, b model.Batch, jobs []model.Job) (model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Payload == nil {
		b.Payload = map[string]any{}
	}
	b.Total = len(jobs)
	b.Pending = len(jobs)
	b.Failed = 0
	b.Cancelled = false
	b.CreatedAt = now
	if len(jobs) == 0 {
		b.FinishedAt = ptr(now)
		s.batches[b.ID] = b
		s.insertJobsLocked([]model.Job{b.ContinuationJob(now)})
		return b, nil
	}
	s.batches[b.ID] = b

	members := make([]model.Job, len(jobs))
	for i, j := range jobs {
		j.BatchID = ptr(b.ID)
		members[i] = j
	}
	s.insertJobsLocked(members)
	return b, nil
}

// ClaimJobs leases up to limit ready jobs from queue.
func (s *Store) ClaimJobs(_ context.Context, queue string, limit int, lease time.Duration) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var ready []*jobRow
	for _, r := range s.jobs {
		j := r.job
		if j.Queue != queue || j.Dead || j.RunAt.After(now) {
			continue
		}
		if j.LockedUntil != nil && !j.LockedUntil.Before(now) {
			continue
		}
		ready = append(ready, r)
	}
	slices.SortFunc(ready, func(a, b *jobRow) int {
		if c := a.job.RunAt.Compare(b.job.RunAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]model.Job, 0, len(ready))
	for _, r := range ready {
		r.job.Attempts++
		r.job.LockedUntil = ptr(now.Add(lease))
		out = append(out, r.job)
	}
	return out, nil
}

// CompleteJob removes a job and resolves its batch membership.
func (s *Store) CompleteJob(_ context.Context, job model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[job.ID]
	if !ok {
		return nil
	}
	delete(s.jobs, job.ID)
	if r.job.BatchID != nil {
		s.resolveBatchMemberLocked(*r.job.BatchID, false)
	}
	return nil
}

// FailJob dead-letters a job and resolves its batch membership as failed.
func (s *Store) FailJob(_ context.Context, job model.Job, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[job.ID]
	if !ok || r.job.Dead {
		return nil
	}
	r.job.Dead = true
	r.job.LastError = errMsg
	r.job.LockedUntil = nil
	if r.job.BatchID != nil {
		s.resolveBatchMemberLocked(*r.job.BatchID, true)
	}
	return nil
}

func (s *Store) resolveBatchMemberLocked(batchID uuid.UUID, failed bool) {
	b, ok := s.batches[batchID]
	if !ok || b.FinishedAt != nil || b.Pending == 0 {
		return
	}
	b.Pending--
	if failed {
		b.Failed++
		if !b.AllowFailures {
			b.Cancelled = true
		}
	}
	if b.Pending > 0 {
		s.batches[batchID] = b
		return
	}
	now := s.now()
	b.FinishedAt = ptr(now)
	s.batches[batchID] = b
	s.insertJobsLocked([]model.Job{b.ContinuationJob(now)})
}

// RetryJob releases a job for another attempt at runAt.
func (s *Store) RetryJob(_ context.Context, id uuid.UUID, runAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.jobs[id]; ok {
		r.job.RunAt = runAt
		r.job.LastError = errMsg
		r.job.LockedUntil = nil
	}
	return nil
}

// DeferJob reschedules a job without consuming an attempt.
func (s *Store) DeferJob(_ context.Context, id uuid.UUID, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.jobs[id]; ok {
		r.job.RunAt = runAt
		r.job.LockedUntil = nil
		r.job.Attempts = max(r.job.Attempts-1, 0)
	}
	return nil
}

// GetBatch loads a batch.
func (s *Store) GetBatch(_ context.Context, id uuid.UUID) (model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return model.Batch{}, fmt.Errorf("memstore: batch %s: %w", id, storage.ErrNotFound)
	}
	return b, nil
}

// CancelBatch flags an open batch cancelled.
func (s *Store) CancelBatch(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[id]; ok && b.FinishedAt == nil {
		b.Cancelled = true
		s.batches[id] = b
	}
	return nil
}

// ListJobs returns an experiment's jobs in creation order.
func (s *Store) ListJobs(_ context.Context, experimentID uuid.UUID) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*jobRow
	for _, r := range s.jobs {
		if r.job.ExperimentID == experimentID {
			rows = append(rows, r)
		}
	}
	slices.SortFunc(rows, func(a, b *jobRow) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]model.Job, len(rows))
	for i, r := range rows {
		out[i] = r.job
	}
	return out, nil
}

// QueueDepth returns the number of live jobs per queue.
func (s *Store) QueueDepth(context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for _, r := range s.jobs {
		if !r.job.Dead {
			out[r.job.Queue]++
		}
	}
	return out, nil
}

// CleanupDeadJobs deletes dead-lettered jobs older than maxAge.
func (s *Store) CleanupDeadJobs(_ context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxAge)
	var n int64
	for id, r := range s.jobs {
		if r.job.Dead && r.job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// AcquireLease takes key for owner when free, expired or already owned.
func (s *Store) AcquireLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if l, ok := s.leases[key]; ok && l.owner != owner && !l.expiresAt.Before(now) {
		return false, nil
	}
	s.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLease drops key if owner holds it.
func (s *Store) ReleaseLease(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[key]; ok && l.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

// KillSwitchActive reports whether any scope is switched on.
func (s *Store) KillSwitchActive(_ context.Context, scopes []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, scope := range scopes {
		if ks, ok := s.killSwitches[scope]; ok && ks.Active {
			return true, nil
		}
	}
	return false, nil
}

// SetKillSwitch turns a scope on or off.
func (s *Store) SetKillSwitch(_ context.Context, scope string, active bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killSwitches[scope] = model.KillSwitch{Scope: scope, Active: active, Reason: reason, UpdatedAt: s.now()}
	return nil
}
