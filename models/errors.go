package models

import (
	"fmt"
)

// MatchError wraps an embedding or search failure. Callers treat it as a NONE match.
type MatchError struct {
	Op  string // "embed" | "search" | "index"
	Err error
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("match %s: %v", e.Op, e.Err)
}

func (e *MatchError) Unwrap() error { return e.Err }

// StateInconsistencyError is returned when a write would violate the state invariants.
// The write is rejected and the prior state kept.
type StateInconsistencyError struct {
	Reason string
	TaskID string
	Step   int
}

func (e *StateInconsistencyError) Error() string {
	return fmt.Sprintf("state inconsistency: %s (task=%q step=%d)", e.Reason, e.TaskID, e.Step)
}

// VLMUnavailableError covers connection failures, timeouts and empty output from the vision model.
type VLMUnavailableError struct {
	Op  string
	Err error
}

func (e *VLMUnavailableError) Error() string {
	return fmt.Sprintf("vision model unavailable during %s: %v", e.Op, e.Err)
}

func (e *VLMUnavailableError) Unwrap() error { return e.Err }

// PromptRestoreError means the vision model may still be running the escalation prompt.
// It is the only error that moves the system into degraded mode.
type PromptRestoreError struct {
	Expected string
	Err      error
}

func (e *PromptRestoreError) Error() string {
	return fmt.Sprintf("prompt restore failed: %v", e.Err)
}

func (e *PromptRestoreError) Unwrap() error { return e.Err }
