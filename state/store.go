package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Perceptus-Labs/perceptus-guide/models"
	"go.uber.org/zap"
)

// Store holds the current belief state and the bounded observation history.
// The observation loop is the only writer of task, step and confidence;
// readers always receive a full copy taken under the read lock.
type Store struct {
	mu      sync.RWMutex
	current models.CurrentState
	history *HistoryWindow
	now     func() time.Time
	logger  *zap.Logger

	seen     atomic.Int64
	rejected atomic.Int64
}

// NewStore creates a store whose history keeps at most historySize entries.
func NewStore(historySize int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		history: NewHistoryWindow(historySize),
		now:     time.Now,
		logger:  logger.With(zap.String("component", "state")),
	}
}

// Read returns a snapshot of the current state.
func (s *Store) Read() models.CurrentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// AppendHistory records an observation and its match in the sliding window.
func (s *Store) AppendHistory(e HistoryEntry) {
	s.seen.Add(1)
	if s.history.Append(e) {
		s.logger.Debug("History window full, evicted oldest observation",
			zap.Int("capacity", s.history.Cap()))
	}
}

// Update appends the observation to history and then applies the gating rule:
// the state is overwritten only for a HIGH match, or a MEDIUM match that stays
// within the currently active task. It reports whether the state changed.
func (s *Store) Update(obs models.ObservationRecord, match models.MatchResult) (bool, error) {
	s.AppendHistory(HistoryEntry{Observation: obs, Match: match})

	if err := match.Validate(); err != nil {
		s.rejected.Add(1)
		s.logger.Warn("Rejected inconsistent match", zap.Error(err), zap.String("observation_id", obs.ID))
		return false, err
	}
	if !match.HasCandidate() {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !accepts(s.current, match) {
		return false, nil
	}

	// Same step at the same confidence: leave the state untouched.
	if s.current.TaskID == match.TaskID && s.current.StepIndex == match.StepIndex &&
		s.current.Confidence == match.Similarity {
		return false, nil
	}

	ts := obs.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	next := models.CurrentState{
		TaskID:        match.TaskID,
		StepIndex:     match.StepIndex,
		Confidence:    match.Similarity,
		LastUpdated:   ts,
		QueryTypeHint: s.current.QueryTypeHint,
	}
	if err := next.Validate(); err != nil {
		s.rejected.Add(1)
		s.logger.Warn("Rejected state write", zap.Error(err))
		return false, err
	}

	prev := s.current
	s.current = next
	s.logger.Debug("State updated",
		zap.String("task_id", next.TaskID),
		zap.Int("step_index", next.StepIndex),
		zap.Float64("confidence", next.Confidence),
		zap.String("tier", string(match.Tier)),
		zap.Bool("step_changed", prev.TaskID != next.TaskID || prev.StepIndex != next.StepIndex))
	return true, nil
}

// accepts is the temporal smoothing rule.
func accepts(current models.CurrentState, match models.MatchResult) bool {
	switch match.EffectiveTier() {
	case models.TierHigh:
		return true
	case models.TierMedium:
		return current.HasStep() && current.TaskID == match.TaskID
	default:
		return false
	}
}

// NoteQuery records the most recent query intent as a hint. It touches no
// other field of the state.
func (s *Store) NoteQuery(intent models.Intent) {
	s.mu.Lock()
	s.current.QueryTypeHint = intent
	s.mu.Unlock()
}

// History returns the window contents, oldest first.
func (s *Store) History() []HistoryEntry {
	return s.history.Entries()
}

// Stats reports history size and memory estimate.
func (s *Store) Stats() models.MemoryStats {
	return models.MemoryStats{
		HistorySize:         s.history.Len(),
		HistoryCapacity:     s.history.Cap(),
		MemoryBytesEstimate: s.history.Bytes(),
		ObservationsSeen:    s.seen.Load(),
	}
}

// Rejected returns how many writes were refused as inconsistent.
func (s *Store) Rejected() int64 {
	return s.rejected.Load()
}
