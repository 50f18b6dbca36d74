package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Perceptus-Labs/perceptus-guide/models"
	"go.uber.org/zap"
)

// VisionModel is the external vision-language model. It has a single active
// system prompt that SetPrompt replaces. Describe should return once its
// context is done; a call that does not is abandoned, and the next escalation
// waits up to Config.InFlightWait for it before reporting ErrBusy.
type VisionModel interface {
	Describe(ctx context.Context, image []byte, prompt string) (string, error)
	SetPrompt(ctx context.Context, prompt string) error
	GetPrompt(ctx context.Context) (string, error)
}

// FrameSource supplies the latest camera frame for an escalated query.
type FrameSource interface {
	Frame(ctx context.Context) ([]byte, error)
}

var (
	// ErrBusy is returned when another escalation holds the model.
	ErrBusy = errors.New("escalation already in progress")
	// ErrDegraded is returned while the model prompt is unverified after a failed restore.
	ErrDegraded = errors.New("escalation disabled until the vision model prompt is verified")

	errEmptyResponse = errors.New("empty response")
)

// Phase is the position of the coordinator in the swap state machine.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhasePromptSaved
	PhasePromptSwapped
	PhaseVLMQueried
	PhasePromptRestored
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhasePromptSaved:
		return "PROMPT_SAVED"
	case PhasePromptSwapped:
		return "PROMPT_SWAPPED"
	case PhaseVLMQueried:
		return "VLM_QUERIED"
	case PhasePromptRestored:
		return "PROMPT_RESTORED"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// DefaultEscalationPrompt is the system prompt installed for escalated queries.
const DefaultEscalationPrompt = `You are assisting a person who is following a step-by-step task procedure in front of a camera.
Answer their question directly and briefly, using only what is visible in the image and the task context provided.
If the image does not show enough to answer, say so plainly.`

// Config holds coordinator tuning.
type Config struct {
	EscalationPrompt string
	QueryTimeout     time.Duration
	RestoreTimeout   time.Duration
	RestoreAttempts  int
	// InFlightWait bounds how long an escalation waits for an abandoned
	// Describe call from the previous one to return.
	InFlightWait     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		EscalationPrompt: DefaultEscalationPrompt,
		QueryTimeout:     8 * time.Second,
		RestoreTimeout:   5 * time.Second,
		RestoreAttempts:  2,
		InFlightWait:     2 * time.Second,
	}
}

// Request is one escalated query.
type Request struct {
	Query string
	State models.CurrentState
	// Step is the knowledge-base entry for the active step, if any.
	Step *models.TaskStep
}

// Coordinator swaps the vision model onto the escalation prompt for one
// query at a time and always puts the original prompt back.
type Coordinator struct {
	model  VisionModel
	frames FrameSource
	config Config
	logger *zap.Logger
	hook   func(Phase) error

	mu       sync.Mutex    // held from PROMPT_SAVED until the prompt is restored
	inFlight chan struct{} // closed when an abandoned Describe returns; guarded by mu
	phase    atomic.Int32
	epoch    atomic.Uint64
	degraded atomic.Bool

	savedMu sync.Mutex
	saved   string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFrameSource attaches a camera frame source used for escalated queries.
func WithFrameSource(f FrameSource) Option {
	return func(c *Coordinator) { c.frames = f }
}

// WithPhaseHook installs a callback run on entry to each phase. A returned
// error or a panic aborts the escalation; restoration still runs.
func WithPhaseHook(h func(Phase) error) Option {
	return func(c *Coordinator) { c.hook = h }
}

// NewCoordinator wraps a vision model.
func NewCoordinator(model VisionModel, config Config, logger *zap.Logger, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if config.EscalationPrompt == "" {
		config.EscalationPrompt = def.EscalationPrompt
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = def.QueryTimeout
	}
	if config.RestoreTimeout <= 0 {
		config.RestoreTimeout = def.RestoreTimeout
	}
	if config.RestoreAttempts <= 0 {
		config.RestoreAttempts = def.RestoreAttempts
	}
	if config.InFlightWait <= 0 {
		config.InFlightWait = def.InFlightWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		model:  model,
		config: config,
		logger: logger.With(zap.String("component", "prompt_swap")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Phase returns the current state-machine phase.
func (c *Coordinator) Phase() Phase {
	return Phase(c.phase.Load())
}

// Degraded reports whether a restore failed and has not been verified since.
func (c *Coordinator) Degraded() bool {
	return c.degraded.Load()
}

// Epoch increments when a swap begins and again when the original prompt is
// back. It is odd while the model may be running the escalation prompt.
func (c *Coordinator) Epoch() uint64 {
	return c.epoch.Load()
}

// Swapped reports whether the model may currently hold a non-original prompt.
func (c *Coordinator) Swapped() bool {
	return c.Epoch()%2 == 1
}

// session tracks one escalation's ownership of the original prompt.
type session struct {
	original    string
	promptSaved bool
	active      bool // the swap was attempted, so the model prompt may differ
}

// Escalate answers the query with the vision model under the escalation
// prompt. At most one escalation runs at a time; others get ErrBusy.
// The original prompt is restored on every path out of this method,
// including timeouts, caller cancellation and panics in the model.
func (c *Coordinator) Escalate(ctx context.Context, req Request) (answer string, err error) {
	if c.degraded.Load() {
		return "", ErrDegraded
	}
	if !c.mu.TryLock() {
		return "", ErrBusy
	}
	defer c.mu.Unlock()
	if err := c.awaitInFlight(ctx); err != nil {
		return "", err
	}
	defer c.setPhase(PhaseIdle)

	start := time.Now()
	sess := &session{}

	var original string
	if err := c.guard("get_prompt", func() error {
		var gerr error
		original, gerr = c.model.GetPrompt(ctx)
		return gerr
	}); err != nil {
		return "", &models.VLMUnavailableError{Op: "get_prompt", Err: err}
	}
	sess.original = original
	sess.promptSaved = true
	c.savedMu.Lock()
	c.saved = original
	c.savedMu.Unlock()

	defer func() {
		if rerr := c.restore(ctx, sess); rerr != nil {
			answer, err = "", rerr
		}
		c.logger.Debug("Escalation finished",
			zap.Duration("elapsed", time.Since(start)),
			zap.Bool("restored", !c.degraded.Load()),
			zap.Error(err))
	}()

	if err := c.enter(PhasePromptSaved); err != nil {
		return "", err
	}

	sess.active = true
	c.epoch.Add(1)
	if err := c.guard("set_prompt", func() error {
		return c.model.SetPrompt(ctx, c.config.EscalationPrompt)
	}); err != nil {
		return "", &models.VLMUnavailableError{Op: "set_prompt", Err: err}
	}
	if err := c.enter(PhasePromptSwapped); err != nil {
		return "", err
	}

	text, err := c.describe(ctx, req)
	if err != nil {
		return "", err
	}
	if err := c.enter(PhaseVLMQueried); err != nil {
		return "", err
	}
	return text, nil
}

func (c *Coordinator) describe(ctx context.Context, req Request) (string, error) {
	qctx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
	defer cancel()

	var frame []byte
	if c.frames != nil {
		f, err := c.frames.Frame(qctx)
		if err != nil {
			c.logger.Warn("No camera frame for escalated query", zap.Error(err))
		} else {
			frame = f
		}
	}

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	done := make(chan struct{})
	prompt := BuildQueryPrompt(req)
	go func() {
		defer close(done)
		var r result
		r.err = c.guard("describe", func() error {
			var derr error
			r.text, derr = c.model.Describe(qctx, frame, prompt)
			return derr
		})
		ch <- r
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return "", &models.VLMUnavailableError{Op: "describe", Err: r.err}
		}
		if strings.TrimSpace(r.text) == "" {
			return "", &models.VLMUnavailableError{Op: "describe", Err: errEmptyResponse}
		}
		return strings.TrimSpace(r.text), nil
	case <-qctx.Done():
		// The call may still be running; its result is dropped.
		c.inFlight = done
		return "", &models.VLMUnavailableError{Op: "describe", Err: qctx.Err()}
	}
}

// awaitInFlight waits for a Describe call abandoned by an earlier escalation
// so that it cannot run under the next swapped prompt. Callers hold mu.
func (c *Coordinator) awaitInFlight(ctx context.Context) error {
	if c.inFlight == nil {
		return nil
	}
	timer := time.NewTimer(c.config.InFlightWait)
	defer timer.Stop()
	select {
	case <-c.inFlight:
		c.inFlight = nil
		return nil
	case <-timer.C:
		c.logger.Warn("Previous vision call still running, rejecting escalation",
			zap.Duration("waited", c.config.InFlightWait))
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

// restore puts the original prompt back and verifies it. It runs on a context
// detached from the caller so an abandoned query still restores.
func (c *Coordinator) restore(parent context.Context, sess *session) error {
	if !sess.active {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.RestoreAttempts; attempt++ {
		lastErr = c.restoreOnce(parent, sess.original)
		if lastErr == nil {
			c.epoch.Add(1)
			c.setPhase(PhasePromptRestored)
			if err := c.runHook(PhasePromptRestored); err != nil {
				c.logger.Warn("Phase hook failed after restore", zap.Error(err))
			}
			return nil
		}
		c.logger.Warn("Prompt restore attempt failed",
			zap.Int("attempt", attempt), zap.Error(lastErr))
	}

	c.degraded.Store(true)
	c.logger.Error("Prompt restore failed, entering degraded mode", zap.Error(lastErr))
	return &models.PromptRestoreError{Expected: sess.original, Err: lastErr}
}

func (c *Coordinator) restoreOnce(parent context.Context, original string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.config.RestoreTimeout)
	defer cancel()

	if err := c.guard("restore_prompt", func() error { return c.model.SetPrompt(ctx, original) }); err != nil {
		return err
	}
	var got string
	if err := c.guard("verify_prompt", func() error {
		var gerr error
		got, gerr = c.model.GetPrompt(ctx)
		return gerr
	}); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if got != original {
		return errors.New("verify: model prompt differs from the saved prompt")
	}
	return nil
}

// Probe checks whether the original prompt is active again after a failed
// restore, re-applying it if needed. On success degraded mode is cleared.
func (c *Coordinator) Probe(ctx context.Context) error {
	if !c.degraded.Load() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.savedMu.Lock()
	want := c.saved
	c.savedMu.Unlock()

	var got string
	if err := c.guard("probe", func() error {
		var gerr error
		got, gerr = c.model.GetPrompt(ctx)
		return gerr
	}); err != nil {
		return &models.VLMUnavailableError{Op: "probe", Err: err}
	}
	if got != want {
		if err := c.restoreOnce(ctx, want); err != nil {
			return &models.PromptRestoreError{Expected: want, Err: err}
		}
	}

	if c.Swapped() {
		c.epoch.Add(1)
	}
	c.degraded.Store(false)
	c.logger.Info("Vision model prompt verified, escalation re-enabled")
	return nil
}

func (c *Coordinator) enter(p Phase) error {
	c.setPhase(p)
	return c.runHook(p)
}

func (c *Coordinator) setPhase(p Phase) {
	c.phase.Store(int32(p))
}

func (c *Coordinator) runHook(p Phase) error {
	if c.hook == nil {
		return nil
	}
	return c.guard("phase_hook:"+p.String(), func() error { return c.hook(p) })
}

// guard converts a panic in fn into an error.
func (c *Coordinator) guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recovered panic", zap.String("op", op), zap.Any("panic", r))
			err = fmt.Errorf("panic in %s: %v", op, r)
		}
	}()
	return fn()
}

// BuildQueryPrompt renders the per-call prompt for an escalated query.
func BuildQueryPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("The user asked: ")
	b.WriteString(fmt.Sprintf("%q\n", req.Query))
	if req.Step != nil {
		b.WriteString(fmt.Sprintf("Tracked task: %s, step %d (%s).\n", req.Step.TaskID, req.Step.StepIndex, req.Step.Title))
		if req.Step.Description != "" {
			b.WriteString("Step description: " + req.Step.Description + "\n")
		}
		b.WriteString(fmt.Sprintf("Tracking confidence: %.2f.\n", req.State.Confidence))
	} else if req.State.HasStep() {
		b.WriteString(fmt.Sprintf("Tracked task: %s, step %d, confidence %.2f.\n",
			req.State.TaskID, req.State.StepIndex, req.State.Confidence))
	} else {
		b.WriteString("The current task step is not known yet.\n")
	}
	b.WriteString("Answer in one or two sentences.")
	return b.String()
}
