package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Perceptus-Labs/perceptus-guide/fallback"
	"github.com/Perceptus-Labs/perceptus-guide/matcher"
	"github.com/Perceptus-Labs/perceptus-guide/models"
	"github.com/Perceptus-Labs/perceptus-guide/state"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrTrackingPaused is returned while a failed prompt restore is unresolved.
	ErrTrackingPaused = errors.New("observation tracking paused until the vision model prompt is verified")
	// ErrEmptyObservation is returned for blank scene descriptions.
	ErrEmptyObservation = errors.New("empty observation")
)

// ObserveResult is the outcome of processing one observation.
type ObserveResult struct {
	Observation models.ObservationRecord
	Match       models.MatchResult
	Changed     bool
}

// SubmitObservation queues a scene description without blocking. When the
// queue is full the observation is dropped and counted.
func (g *Guide) SubmitObservation(text string) bool {
	select {
	case g.queue <- text:
		return true
	default:
		n := g.dropped.Add(1)
		g.logger.Warn("Observation queue full, dropping observation", zap.Int64("dropped", n))
		return false
	}
}

func (g *Guide) observationLoop(ctx context.Context) error {
	g.logger.Info("Observation loop started")
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Observation loop stopped")
			return nil
		case text := <-g.queue:
			g.safeObserve(ctx, text)
		}
	}
}

func (g *Guide) safeObserve(ctx context.Context, text string) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Recovered panic in observation loop", zap.Any("panic", r))
		}
	}()
	_, err := g.Observe(ctx, text)
	switch {
	case err == nil, errors.Is(err, ErrEmptyObservation):
	case errors.Is(err, ErrTrackingPaused):
		g.logger.Debug("Observation skipped while degraded")
	default:
		g.logger.Warn("Observation not applied", zap.Error(err))
	}
}

// Observe matches one observation and applies it to the state synchronously.
// Match failures degrade to a NONE result; the observation is still recorded.
func (g *Guide) Observe(ctx context.Context, text string) (ObserveResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ObserveResult{}, ErrEmptyObservation
	}
	if g.coordinator.Degraded() {
		g.paused.Add(1)
		return ObserveResult{}, ErrTrackingPaused
	}

	rec := models.ObservationRecord{
		ID:        uuid.New().String(),
		RawText:   text,
		Timestamp: time.Now(),
	}
	match, err := g.matcher.Best(ctx, matcher.Request{Text: text, Active: g.store.Read()})
	if err != nil {
		g.logger.Warn("Match failed, treating observation as unmatched", zap.Error(err))
	}

	changed, uerr := g.store.Update(rec, match)
	res := ObserveResult{Observation: rec, Match: match, Changed: changed}
	if uerr != nil {
		g.logger.Warn("Rejected inconsistent match", zap.Error(uerr))
	}
	if changed {
		cur := g.store.Read()
		g.logger.Info("Tracked step changed",
			zap.String("task_id", cur.TaskID),
			zap.Int("step", cur.StepIndex),
			zap.Float64("confidence", cur.Confidence),
			zap.String("tier", string(match.Tier)))
	} else {
		g.logger.Debug("Observation recorded",
			zap.String("task_id", match.TaskID),
			zap.Int("step", match.StepIndex),
			zap.Float64("similarity", match.Similarity),
			zap.String("tier", string(match.EffectiveTier())))
	}
	g.writeJournal(ctx, state.HistoryEntry{Observation: rec, Match: match}, changed)
	return res, uerr
}

func (g *Guide) writeJournal(ctx context.Context, e state.HistoryEntry, changed bool) {
	if g.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.JournalTimeout)
	defer cancel()
	if err := g.journal.Record(jctx, e); err != nil {
		g.logger.Warn("Failed to journal observation", zap.Error(err))
	}
	if changed {
		if err := g.journal.SaveState(jctx, g.store.Read()); err != nil {
			g.logger.Warn("Failed to journal state", zap.Error(err))
		}
	}
}

// FrameObserver turns camera frames into observations using the vision
// model's active prompt. Descriptions that overlap an escalation are dropped.
type FrameObserver struct {
	guide    *Guide
	frames   fallback.FrameSource
	model    fallback.VisionModel
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	discarded atomic.Int64
}

// DescribeRequest is the per-call prompt sent with each camera frame.
const DescribeRequest = "Describe the current scene."

func NewFrameObserver(g *Guide, frames fallback.FrameSource, model fallback.VisionModel, interval, timeout time.Duration) *FrameObserver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FrameObserver{
		guide:    g,
		frames:   frames,
		model:    model,
		interval: interval,
		timeout:  timeout,
		logger:   g.logger.With(zap.String("component", "frame_observer")),
	}
}

// Run captures a frame every interval until ctx ends.
func (o *FrameObserver) Run(ctx context.Context) error {
	o.logger.Info("Frame observer started", zap.Duration("frequency", o.interval))
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Frame observer stopped")
			return nil
		case <-ticker.C:
			if _, err := o.Tick(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("Skipping observation cycle", zap.Error(err))
			}
		}
	}
}

// Tick runs one capture and describe cycle and reports whether an
// observation was queued.
func (o *FrameObserver) Tick(ctx context.Context) (bool, error) {
	coord := o.guide.coordinator
	if coord.Degraded() || coord.Swapped() {
		return false, nil
	}
	epoch := coord.Epoch()

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	frame, err := o.frames.Frame(ctx)
	if err != nil {
		return false, fmt.Errorf("capture frame: %w", err)
	}
	text, err := o.model.Describe(ctx, frame, DescribeRequest)
	if err != nil {
		return false, &models.VLMUnavailableError{Op: "observe", Err: err}
	}
	if coord.Epoch() != epoch {
		n := o.discarded.Add(1)
		o.logger.Debug("Discarding description made during an escalation", zap.Int64("discarded", n))
		return false, nil
	}
	if strings.TrimSpace(text) == "" {
		return false, nil
	}
	return o.guide.SubmitObservation(text), nil
}

// Discarded counts descriptions dropped because a prompt swap overlapped them.
func (o *FrameObserver) Discarded() int64 {
	return o.discarded.Load()
}
