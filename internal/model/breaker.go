package model

import "time"

// BreakerState is the health state of a monitored external resource.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerState is the durable breaker row for one resource.
type CircuitBreakerState struct {
	Resource         string       `json:"resource"`
	State            BreakerState `json:"state"`
	FailureCount     int          `json:"failure_count"`
	SuccessCount     int          `json:"success_count"`
	CooldownSeconds  int          `json:"cooldown_seconds"`
	FailureThreshold int          `json:"failure_threshold"`
	OpenedAt         *time.Time   `json:"opened_at,omitempty"`
	HalfOpenAt       *time.Time   `json:"half_open_at,omitempty"`
	LastFailureAt    *time.Time   `json:"last_failure_at,omitempty"`
	LastSuccessAt    *time.Time   `json:"last_success_at,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Cooldown returns the configured cooldown as a duration.
func (s CircuitBreakerState) Cooldown() time.Duration {
	return time.Duration(s.CooldownSeconds) * time.Second
}
