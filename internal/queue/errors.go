package queue

import (
	"errors"
	"fmt"
	"time"
)

// GuardError stops a job without a retry and without counting as a failure.
// The job is acknowledged and removed.
type GuardError struct {
	Guard  string
	Reason string
}

func (e *GuardError) Error() string {
	if e.Guard == "" {
		return "queue: aborted: " + e.Reason
	}
	return fmt.Sprintf("queue: aborted by %s: %s", e.Guard, e.Reason)
}

// Abort returns a GuardError for reason.
func Abort(reason string) error {
	return &GuardError{Reason: reason}
}

// AbortBy returns a GuardError attributed to a named guard.
func AbortBy(guard, reason string) error {
	return &GuardError{Guard: guard, Reason: reason}
}

// DeferError reschedules a job after a delay without consuming an attempt.
type DeferError struct {
	After  time.Duration
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("queue: deferred %s: %s", e.After, e.Reason)
}

// Defer returns a DeferError.
func Defer(after time.Duration, reason string) error {
	return &DeferError{After: after, Reason: reason}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job is dead-lettered on
// its current attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Backoff is the delay before retrying a job that has been delivered
// attempt times: 2^(attempt+1) seconds, capped at five minutes.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 8 {
		return 300 * time.Second
	}
	return min(time.Duration(1<<(attempt+1))*time.Second, 300*time.Second)
}
