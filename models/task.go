package models

import (
	"fmt"
	"time"
)

// TaskStep is one step of a task procedure. Loaded once; read-only afterwards.
type TaskStep struct {
	TaskID               string
	StepIndex            int // 1-based
	Title                string
	Description          string
	Tools                []string
	VisualCues           []string
	CompletionIndicators []string
	DurationEstimate     time.Duration
	SafetyNotes          []string
}

// StepID is the key used for the step in the vector index.
func (s TaskStep) StepID() string {
	return StepID(s.TaskID, s.StepIndex)
}

// StepID formats the index key for a task step.
func StepID(taskID string, stepIndex int) string {
	return fmt.Sprintf("%s#%d", taskID, stepIndex)
}

// Task groups the ordered steps of one procedure.
type Task struct {
	ID          string
	Title       string
	Description string
	Steps       []TaskStep
}
