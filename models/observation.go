package models

import (
	"time"
)

// ObservationRecord is a single scene description produced by the vision model.
type ObservationRecord struct {
	ID               string
	RawText          string
	Timestamp        time.Time
	SourceConfidence *float64 // Optional: confidence reported by the producer
}

// ConfidenceTier is the coarse bucket a similarity score falls into.
type ConfidenceTier string

const (
	TierHigh   ConfidenceTier = "HIGH"
	TierMedium ConfidenceTier = "MEDIUM"
	TierLow    ConfidenceTier = "LOW"
	TierNone   ConfidenceTier = "NONE"
)

// MatchResult is the matcher's verdict for one observation.
// The zero value is a NONE result with no candidate step.
type MatchResult struct {
	TaskID     string
	StepIndex  int
	Similarity float64
	Tier       ConfidenceTier
}

// HasCandidate reports whether the result points at a task step.
func (m MatchResult) HasCandidate() bool {
	return m.TaskID != "" && m.StepIndex > 0
}

// EffectiveTier treats an empty tier as NONE.
func (m MatchResult) EffectiveTier() ConfidenceTier {
	if m.Tier == "" {
		return TierNone
	}
	return m.Tier
}

// Validate checks that task and step are either both present or both absent
// and that the similarity lies in [0, 1].
func (m MatchResult) Validate() error {
	if (m.TaskID == "") != (m.StepIndex <= 0) {
		return &StateInconsistencyError{
			Reason: "match has task_id without step_index or step_index without task_id",
			TaskID: m.TaskID,
			Step:   m.StepIndex,
		}
	}
	if !(m.Similarity >= 0 && m.Similarity <= 1) {
		return &StateInconsistencyError{
			Reason: "similarity outside [0,1]",
			TaskID: m.TaskID,
			Step:   m.StepIndex,
		}
	}
	return nil
}
