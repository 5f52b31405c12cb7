package lifecycle

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/jikken/internal/model"
)

// ErrInvalidTransition is wrapped by every TransitionError.
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

// errStale means the experiment moved between the pre-read and the row lock.
var errStale = errors.New("lifecycle: experiment changed concurrently")

// TransitionError describes a refused status change. The experiment is left
// untouched.
type TransitionError struct {
	ExperimentID uuid.UUID
	From         model.ExperimentStatus
	To           model.ExperimentStatus
	Reason       string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("lifecycle: invalid transition %s -> %s for experiment %s", e.From, e.To, e.ExperimentID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
