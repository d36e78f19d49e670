package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConfig matches every *ConfigError.
	ErrConfig = errors.New("invalid pipeline configuration")
	// ErrDeadlock is the terminal cause of a run that can make no progress.
	ErrDeadlock = errors.New("pipeline deadlock")
	// ErrStageFailure matches every *StageError and *TimeoutError.
	ErrStageFailure = errors.New("stage failure")
	// ErrInvalidRunState is returned when a run is used in a state that forbids the call.
	ErrInvalidRunState = errors.New("invalid run state")
)

// ConfigError reports a problem found while building a graph or a transition table.
type ConfigError struct {
	// Subject names the offending stage or rule
	Subject string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("invalid pipeline configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid pipeline configuration: %s: %v", e.Subject, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// EvalError reports a condition that could not be evaluated against the facts.
type EvalError struct {
	Rule TransitionRule
	Err  error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluate rule %s: %v", e.Rule, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// DeadlockError lists the stages left Pending when the run stalled.
type DeadlockError struct {
	Pending []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("pipeline deadlock: no stage can start, pending: %s", strings.Join(e.Pending, ", "))
}

func (e *DeadlockError) Is(target error) bool { return target == ErrDeadlock }

// StageError is the final cause of a failed stage attempt.
type StageError struct {
	StageID string
	Attempt int
	Reason  string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stage %s attempt %d: %s", e.StageID, e.Attempt, e.Reason)
	}
	return fmt.Sprintf("stage %s attempt %d: %s: %v", e.StageID, e.Attempt, e.Reason, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) Is(target error) bool { return target == ErrStageFailure }

// TimeoutError is returned when an attempt outlives its timeout.
type TimeoutError struct {
	StageID string
	Attempt int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %s attempt %d timed out after %s", e.StageID, e.Attempt, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrStageFailure }

func configErrorf(subject, format string, args ...any) error {
	return &ConfigError{Subject: subject, Err: fmt.Errorf(format, args...)}
}
