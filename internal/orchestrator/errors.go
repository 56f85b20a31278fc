package orchestrator

import (
	"errors"
	"fmt"
)

// State machine precondition errors. Loop state is unchanged when one of
// these is returned.
var (
	ErrLoopNotFound   = errors.New("loop not found")
	ErrNotAddressable = errors.New("loop is not addressable")
	ErrNotCompleted   = errors.New("loop is not completed")
	ErrNotPlanning    = errors.New("loop is not planning")
	ErrPlanNotReady   = errors.New("plan is not ready")
	ErrInvalidState   = errors.New("operation not allowed in current state")
	ErrShuttingDown   = errors.New("orchestrator is shutting down")
)

// ValidationError rejects malformed input before any side effect.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func validationError(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// IterationLimitExceeded is recorded when a run uses up its iterations
// without the completion marker.
type IterationLimitExceeded struct {
	MaxIterations int
}

func (e *IterationLimitExceeded) Error() string {
	return fmt.Sprintf("iteration limit of %d reached without completion", e.MaxIterations)
}

// stateError wraps a precondition sentinel with the status that caused it.
func stateError(sentinel error, status fmt.Stringer) error {
	return fmt.Errorf("%w (status %s)", sentinel, status)
}
