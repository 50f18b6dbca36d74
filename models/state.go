package models

import (
	"time"
)

// Intent is the classified purpose of a user query.
type Intent string

const (
	IntentCurrentStep      Intent = "CURRENT_STEP"
	IntentNextStep         Intent = "NEXT_STEP"
	IntentRequiredTools    Intent = "REQUIRED_TOOLS"
	IntentCompletionStatus Intent = "COMPLETION_STATUS"
	IntentHelp             Intent = "HELP"
	IntentProgressOverview Intent = "PROGRESS_OVERVIEW"
	IntentUnknown          Intent = "UNKNOWN"
)

// CurrentState is the tracker's belief about what the user is doing.
// TaskID is set if and only if StepIndex is set (>= 1).
type CurrentState struct {
	TaskID        string
	StepIndex     int
	Confidence    float64
	LastUpdated   time.Time
	QueryTypeHint Intent
}

// HasStep reports whether a task step is active.
func (s CurrentState) HasStep() bool {
	return s.TaskID != "" && s.StepIndex > 0
}

// Present reports whether the state was ever written by the observation loop.
func (s CurrentState) Present() bool {
	return !s.LastUpdated.IsZero()
}

// Validate checks the state invariants.
func (s CurrentState) Validate() error {
	if (s.TaskID == "") != (s.StepIndex <= 0) {
		return &StateInconsistencyError{
			Reason: "task_id and step_index must be set together",
			TaskID: s.TaskID,
			Step:   s.StepIndex,
		}
	}
	if !(s.Confidence >= 0 && s.Confidence <= 1) {
		return &StateInconsistencyError{
			Reason: "confidence outside [0,1]",
			TaskID: s.TaskID,
			Step:   s.StepIndex,
		}
	}
	return nil
}

// DecisionContext is everything the fallback engine sees for one query.
type DecisionContext struct {
	Query      string
	State      CurrentState
	Intent     Intent
	Confidence float64
}

// QueryResponse is returned for every user query.
type QueryResponse struct {
	ResponseText     string  `json:"response_text"`
	QueryType        Intent  `json:"query_type"`
	Confidence       float64 `json:"confidence"`
	ProcessingTimeMS int64   `json:"processing_time_ms"`
}

// MemoryStats reports the size of the bounded history.
type MemoryStats struct {
	HistorySize         int   `json:"history_size"`
	HistoryCapacity     int   `json:"history_capacity"`
	MemoryBytesEstimate int64 `json:"memory_bytes_estimate"`
	ObservationsSeen    int64 `json:"observations_seen"`
	ObservationsDropped int64 `json:"observations_dropped"`
}
