package breaker

import (
	"time"

	"github.com/ashita-ai/jikken/internal/model"
)

// admit decides whether a call may proceed and advances Open to HalfOpen once
// the cooldown has elapsed. The caller that performs that advance is the
// trial; everyone else is rejected until the trial reports back. A trial that
// never reports is replaced after another cooldown. changed reports whether s
// was modified and must be persisted.
func admit(s *model.CircuitBreakerState, now time.Time) (allowed, changed bool) {
	switch s.State {
	case model.BreakerOpen:
		if s.OpenedAt != nil && now.Before(s.OpenedAt.Add(s.Cooldown())) {
			return false, false
		}
		s.State = model.BreakerHalfOpen
		s.HalfOpenAt = &now
		return true, true
	case model.BreakerHalfOpen:
		if s.HalfOpenAt != nil && now.Before(s.HalfOpenAt.Add(s.Cooldown())) {
			return false, false
		}
		s.HalfOpenAt = &now
		return true, true
	default:
		return true, false
	}
}

// onSuccess records a successful call. A HalfOpen trial success closes the
// circuit and resets counters; in Closed the failure streak is reset.
func onSuccess(s *model.CircuitBreakerState, now time.Time) {
	s.LastSuccessAt = &now
	switch s.State {
	case model.BreakerHalfOpen:
		s.State = model.BreakerClosed
		s.FailureCount = 0
		s.SuccessCount = 0
		s.OpenedAt = nil
		s.HalfOpenAt = nil
	case model.BreakerClosed:
		s.FailureCount = 0
		s.SuccessCount++
	}
}

// onFailure records a failed call. Reaching the threshold in Closed, or any
// trial failure in HalfOpen, opens the circuit with a fresh OpenedAt.
func onFailure(s *model.CircuitBreakerState, now time.Time) {
	s.LastFailureAt = &now
	s.FailureCount++
	switch s.State {
	case model.BreakerHalfOpen:
		s.State = model.BreakerOpen
		s.OpenedAt = &now
		s.HalfOpenAt = nil
	case model.BreakerClosed:
		if s.FailureCount >= max(s.FailureThreshold, 1) {
			s.State = model.BreakerOpen
			s.OpenedAt = &now
			s.SuccessCount = 0
		}
	}
}
