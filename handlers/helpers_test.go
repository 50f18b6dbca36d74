package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Perceptus-Labs/perceptus-guide/fallback"
	"github.com/Perceptus-Labs/perceptus-guide/knowledge"
	"github.com/Perceptus-Labs/perceptus-guide/matcher"
	"github.com/Perceptus-Labs/perceptus-guide/models"
	"github.com/Perceptus-Labs/perceptus-guide/state"
	"github.com/stretchr/testify/require"
)

const scenePrompt = "Describe the work surface."

// stubModel is an in-memory vision model. respond sees the system prompt
// active at call time and the per-call prompt.
type stubModel struct {
	mu          sync.Mutex
	prompt      string
	calls       int
	failRestore bool
	respond     func(ctx context.Context, system, prompt string) (string, error)
}

func newStubModel() *stubModel {
	return &stubModel{prompt: scenePrompt}
}

func (m *stubModel) Describe(ctx context.Context, _ []byte, prompt string) (string, error) {
	m.mu.Lock()
	m.calls++
	system := m.prompt
	fn := m.respond
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, system, prompt)
	}
	if strings.HasPrefix(prompt, "The user asked") {
		return "You are rinsing the paper filter.", nil
	}
	return "kettle and water on the stove", nil
}

func (m *stubModel) SetPrompt(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == scenePrompt && m.failRestore {
		return errors.New("prompt endpoint unavailable")
	}
	m.prompt = p
	return nil
}

func (m *stubModel) GetPrompt(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompt, nil
}

func (m *stubModel) current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompt
}

func (m *stubModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *stubModel) set(fn func(m *stubModel)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

func testKnowledge() *knowledge.Base {
	return knowledge.New([]models.Task{
		{
			ID:    "coffee_brewing",
			Title: "Pour-over coffee",
			Steps: []models.TaskStep{
				{
					Title:                "Weigh and grind the beans",
					Description:          "Weigh 20 g of beans and grind them medium-fine",
					Tools:                []string{"scale", "grinder"},
					VisualCues:           []string{"coffee beans", "grinder", "scale"},
					CompletionIndicators: []string{"ground coffee in the grinder cup"},
					DurationEstimate:     2 * time.Minute,
				},
				{
					Title:            "Heat the water",
					Tools:            []string{"kettle"},
					VisualCues:       []string{"kettle", "water", "stove"},
					DurationEstimate: 4 * time.Minute,
					SafetyNotes:      []string{"Keep the kettle handle turned away from the edge"},
				},
				{
					Title:            "Rinse the filter and add coffee",
					Description:      "Wet the paper filter, then add the ground coffee.",
					Tools:            []string{"pour over dripper", "paper filter", "kettle"},
					VisualCues:       []string{"pour over dripper", "paper filter", "ground coffee", "kettle"},
					DurationEstimate: 90 * time.Second,
				},
			},
		},
		{
			ID:    "tea_making",
			Title: "Black tea",
			Steps: []models.TaskStep{
				{Title: "Boil water", VisualCues: []string{"kettle", "water", "mug"}},
			},
		},
	})
}

type guideOption func(*Deps, *fallback.Config, *Config)

func withJournal(j Journal) guideOption {
	return func(d *Deps, _ *fallback.Config, _ *Config) { d.Journal = j }
}

func withQueryTimeout(d time.Duration) guideOption {
	return func(_ *Deps, f *fallback.Config, _ *Config) { f.QueryTimeout = d }
}

func withQueueSize(n int) guideOption {
	return func(_ *Deps, _ *fallback.Config, c *Config) { c.QueueSize = n }
}

func newTestGuide(t *testing.T, model fallback.VisionModel, opts ...guideOption) *Guide {
	t.Helper()
	m, err := matcher.New(matcher.NewHashEmbedder(0), matcher.NewMemoryIndex(), matcher.DefaultConfig(), nil)
	require.NoError(t, err)

	fcfg := fallback.DefaultConfig()
	fcfg.QueryTimeout = 50 * time.Millisecond
	fcfg.RestoreTimeout = 50 * time.Millisecond
	cfg := Config{QueueSize: 8, ProbeInterval: 10 * time.Millisecond}
	deps := Deps{
		Store:     state.NewStore(8, nil),
		Matcher:   m,
		Knowledge: testKnowledge(),
	}
	for _, opt := range opts {
		opt(&deps, &fcfg, &cfg)
	}
	deps.Coordinator = fallback.NewCoordinator(model, fcfg, nil)

	g, err := NewGuide(context.Background(), deps, cfg)
	require.NoError(t, err)
	return g
}

type recordingJournal struct {
	mu      sync.Mutex
	entries []state.HistoryEntry
	states  []models.CurrentState
}

func (j *recordingJournal) Record(_ context.Context, e state.HistoryEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *recordingJournal) SaveState(_ context.Context, s models.CurrentState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.states = append(j.states, s)
	return nil
}
