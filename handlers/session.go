package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Perceptus-Labs/perceptus-guide/classifier"
	"github.com/Perceptus-Labs/perceptus-guide/fallback"
	"github.com/Perceptus-Labs/perceptus-guide/knowledge"
	"github.com/Perceptus-Labs/perceptus-guide/matcher"
	"github.com/Perceptus-Labs/perceptus-guide/models"
	"github.com/Perceptus-Labs/perceptus-guide/state"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Journal persists history and state outside the process.
type Journal interface {
	Record(ctx context.Context, e state.HistoryEntry) error
	SaveState(ctx context.Context, s models.CurrentState) error
}

// Config tunes the loops.
type Config struct {
	SessionID      string // generated when empty
	QueueSize      int
	ProbeInterval  time.Duration
	JournalTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:      16,
		ProbeInterval:  10 * time.Second,
		JournalTimeout: 2 * time.Second,
	}
}

// Deps are the collaborators a Guide is built from. Journal is optional.
type Deps struct {
	Store       *state.Store
	Matcher     *matcher.Matcher
	Classifier  *classifier.Classifier
	Policy      *fallback.Policy // nil uses fallback.DefaultPolicy
	Coordinator *fallback.Coordinator
	Knowledge   *knowledge.Base
	Journal     Journal
	Logger      *zap.Logger
}

// Guide runs the observation loop and serves queries against the shared state.
type Guide struct {
	ID string

	store       *state.Store
	matcher     *matcher.Matcher
	classifier  *classifier.Classifier
	policy      fallback.Policy
	coordinator *fallback.Coordinator
	journal     Journal
	config      Config
	logger      *zap.Logger

	kb      atomic.Pointer[knowledge.Base]
	indexMu sync.Mutex

	queue   chan string
	dropped atomic.Int64
	paused  atomic.Int64
	running atomic.Bool
}

// NewGuide indexes the knowledge base and returns a Guide ready to Run.
func NewGuide(ctx context.Context, deps Deps, config Config) (*Guide, error) {
	if deps.Store == nil || deps.Matcher == nil || deps.Coordinator == nil || deps.Knowledge == nil {
		return nil, errors.New("guide requires a store, matcher, coordinator and knowledge base")
	}
	if deps.Classifier == nil {
		deps.Classifier = classifier.Default()
	}
	policy := fallback.DefaultPolicy()
	if deps.Policy != nil {
		policy = *deps.Policy
	}
	def := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = def.ProbeInterval
	}
	if config.JournalTimeout <= 0 {
		config.JournalTimeout = def.JournalTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	id := config.SessionID
	if id == "" {
		id = uuid.New().String()
	}
	g := &Guide{
		ID:          id,
		store:       deps.Store,
		matcher:     deps.Matcher,
		classifier:  deps.Classifier,
		policy:      policy,
		coordinator: deps.Coordinator,
		journal:     deps.Journal,
		config:      config,
		logger:      deps.Logger.With(zap.String("session_id", id)),
		queue:       make(chan string, config.QueueSize),
	}
	if err := g.LoadKnowledge(ctx, deps.Knowledge); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadKnowledge re-indexes the matcher and then swaps the knowledge base in.
func (g *Guide) LoadKnowledge(ctx context.Context, kb *knowledge.Base) error {
	g.indexMu.Lock()
	defer g.indexMu.Unlock()

	if err := g.matcher.Index(ctx, kb.Steps()); err != nil {
		return fmt.Errorf("index knowledge base: %w", err)
	}
	g.kb.Store(kb)
	g.logger.Info("Knowledge base active", zap.Int("tasks", len(kb.Tasks())), zap.Int("steps", kb.Len()))
	return nil
}

// Knowledge returns the active knowledge base.
func (g *Guide) Knowledge() *knowledge.Base {
	return g.kb.Load()
}

// Run drives the observation and probe loops until ctx ends.
func (g *Guide) Run(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return errors.New("guide is already running")
	}
	defer g.running.Store(false)

	g.logger.Info("Guide started",
		zap.Int("queue_size", g.config.QueueSize),
		zap.Duration("probe_interval", g.config.ProbeInterval))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.observationLoop(ctx) })
	eg.Go(func() error { return g.probeLoop(ctx) })
	err := eg.Wait()

	g.logger.Info("Guide stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (g *Guide) probeLoop(ctx context.Context) error {
	ticker := time.NewTicker(g.config.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !g.coordinator.Degraded() {
				continue
			}
			if err := g.coordinator.Probe(ctx); err != nil {
				g.logger.Warn("Health probe failed, staying degraded", zap.Error(err))
			}
		}
	}
}

// CurrentState returns a snapshot of the tracked state.
func (g *Guide) CurrentState() models.CurrentState {
	return g.store.Read()
}

// MemoryStats reports history usage and observation counters.
func (g *Guide) MemoryStats() models.MemoryStats {
	s := g.store.Stats()
	s.ObservationsDropped = g.dropped.Load() + g.paused.Load()
	return s
}

// Degraded reports whether escalation and tracking are suspended.
func (g *Guide) Degraded() bool {
	return g.coordinator.Degraded()
}
