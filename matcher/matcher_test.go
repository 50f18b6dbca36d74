package matcher

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Perceptus-Labs/perceptus-guide/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func coffeeSteps() []models.TaskStep {
	return []models.TaskStep{
		{TaskID: "coffee_brewing", StepIndex: 1, Title: "Weigh and grind the beans",
			VisualCues: []string{"coffee beans", "grinder", "scale"}},
		{TaskID: "coffee_brewing", StepIndex: 2, Title: "Heat the water",
			VisualCues: []string{"kettle", "water", "stove"}},
		{TaskID: "coffee_brewing", StepIndex: 3, Title: "Bloom the grounds",
			VisualCues: []string{"pour over dripper", "paper filter", "ground coffee", "kettle"}},
		{TaskID: "tea_making", StepIndex: 1, Title: "Boil water",
			VisualCues: []string{"kettle", "water", "mug"}},
	}
}

func newMatcher(t *testing.T, idx Index, embedder Embedder) *Matcher {
	t.Helper()
	m, err := New(embedder, idx, DefaultConfig(), nil)
	require.NoError(t, err)
	return m
}

func TestThresholds_Tier(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		score float64
		want  models.ConfidenceTier
	}{
		{0.95, models.TierHigh},
		{0.70, models.TierHigh},
		{0.69, models.TierMedium},
		{0.45, models.TierMedium},
		{0.30, models.TierLow},
		{0.25, models.TierLow},
		{0.10, models.TierNone},
		{0, models.TierNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Tier(tt.score), "score %.2f", tt.score)
	}

	assert.Error(t, Thresholds{High: 0.4, Medium: 0.5, Low: 0.1}.Validate())
	_, err := New(NewHashEmbedder(64), NewMemoryIndex(), Config{Thresholds: Thresholds{High: 2}}, nil)
	assert.Error(t, err)
}

func TestMatcher_ObservationMatchesFirstCoffeeStep(t *testing.T) {
	ctx := context.Background()
	m := newMatcher(t, NewMemoryIndex(), NewHashEmbedder(1024))
	require.NoError(t, m.Index(ctx, coffeeSteps()))

	results, err := m.Match(ctx, Request{Text: "coffee beans, grinder, scale visible"})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	best := results[0]
	assert.Equal(t, "coffee_brewing", best.TaskID)
	assert.Equal(t, 1, best.StepIndex)
	assert.Equal(t, models.TierHigh, best.Tier)
	assert.GreaterOrEqual(t, best.Similarity, 0.70)

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Similarity+DefaultConfig().TieEpsilon, results[i].Similarity)
	}
}

func TestMatcher_EmptyKnowledgeBase(t *testing.T) {
	m := newMatcher(t, NewMemoryIndex(), NewHashEmbedder(64))
	results, err := m.Match(context.Background(), Request{Text: "anything"})
	require.NoError(t, err)
	assert.Empty(t, results)

	best, err := m.Best(context.Background(), Request{Text: "anything"})
	require.NoError(t, err)
	assert.Equal(t, models.TierNone, best.Tier)
	assert.False(t, best.HasCandidate())
}

type failingEmbedder struct{ calls int }

func (f *failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.calls > 4 {
		return nil, errors.New("embedding service down")
	}
	return NewHashEmbedder(64).Embed(ctx, text)
}

func TestMatcher_EmbeddingFailureIsMatchError(t *testing.T) {
	ctx := context.Background()
	m := newMatcher(t, NewMemoryIndex(), &failingEmbedder{})
	require.NoError(t, m.Index(ctx, coffeeSteps()))

	_, err := m.Match(ctx, Request{Text: "kettle"})
	var matchErr *models.MatchError
	require.ErrorAs(t, err, &matchErr)
	assert.Equal(t, "embed", matchErr.Op)

	best, err := m.Best(ctx, Request{Text: "kettle"})
	require.Error(t, err)
	assert.Equal(t, models.TierNone, best.Tier)
}

// fixedIndex returns the same hits regardless of the query vector.
type fixedIndex struct {
	hits []Hit
	err  error
}

func (f *fixedIndex) Upsert(ctx context.Context, items []Item) error { return nil }
func (f *fixedIndex) Delete(ctx context.Context, ids []string) error { return nil }
func (f *fixedIndex) Reset(ctx context.Context) error                { return nil }
func (f *fixedIndex) Search(ctx context.Context, v []float32, k int) ([]Hit, error) {
	return f.hits, f.err
}

func TestMatcher_ContinuityBreaksTies(t *testing.T) {
	ctx := context.Background()
	idx := &fixedIndex{hits: []Hit{
		{ID: "tea_making#1", Score: 0.61},
		{ID: "coffee_brewing#2", Score: 0.61},
	}}
	m := newMatcher(t, idx, NewHashEmbedder(64))
	require.NoError(t, m.Index(ctx, coffeeSteps()))

	active := models.CurrentState{TaskID: "coffee_brewing", StepIndex: 2, Confidence: 0.8}
	results, err := m.Match(ctx, Request{Text: "kettle of water", Active: active})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "coffee_brewing", results[0].TaskID)

	// Without an active task the id order decides.
	results, err = m.Match(ctx, Request{Text: "kettle of water"})
	require.NoError(t, err)
	assert.Equal(t, "coffee_brewing", results[0].TaskID)

	active = models.CurrentState{TaskID: "tea_making", StepIndex: 1, Confidence: 0.8}
	results, err = m.Match(ctx, Request{Text: "kettle of water", Active: active})
	require.NoError(t, err)
	assert.Equal(t, "tea_making", results[0].TaskID)
}

func TestMatcher_ContinuityWithinEpsilonOfTop(t *testing.T) {
	ctx := context.Background()
	active := models.CurrentState{TaskID: "coffee_brewing", StepIndex: 2, Confidence: 0.8}

	tests := []struct {
		name   string
		tea    float64
		coffee float64
		want   string
	}{
		{"straddles a multiple of epsilon", 0.7201, 0.7199, "coffee_brewing"},
		{"just inside epsilon", 0.7399, 0.7201, "coffee_brewing"},
		{"exactly epsilon", 0.74, 0.72, "coffee_brewing"},
		{"beyond epsilon", 0.7450, 0.7201, "tea_making"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := &fixedIndex{hits: []Hit{
				{ID: "tea_making#1", Score: tt.tea},
				{ID: "coffee_brewing#2", Score: tt.coffee},
			}}
			m := newMatcher(t, idx, NewHashEmbedder(64))
			require.NoError(t, m.Index(ctx, coffeeSteps()))

			best, err := m.Best(ctx, Request{Text: "kettle of water", Active: active})
			require.NoError(t, err)
			assert.Equal(t, tt.want, best.TaskID)
		})
	}
}

func TestMatcher_TieWindowIsAnchoredAtTopScore(t *testing.T) {
	ctx := context.Background()
	// 0.70 is within epsilon of 0.715 but not of 0.73, so it must not jump the
	// leader through a chain of near neighbours.
	idx := &fixedIndex{hits: []Hit{
		{ID: "tea_making#1", Score: 0.73},
		{ID: "coffee_brewing#3", Score: 0.715},
		{ID: "coffee_brewing#2", Score: 0.70},
	}}
	m := newMatcher(t, idx, NewHashEmbedder(64))
	require.NoError(t, m.Index(ctx, coffeeSteps()))

	active := models.CurrentState{TaskID: "coffee_brewing", StepIndex: 2, Confidence: 0.8}
	results, err := m.Match(ctx, Request{Text: "mug", Active: active})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "coffee_brewing#3", models.StepID(results[0].TaskID, results[0].StepIndex))
	assert.Equal(t, "tea_making#1", models.StepID(results[1].TaskID, results[1].StepIndex))
	assert.Equal(t, "coffee_brewing#2", models.StepID(results[2].TaskID, results[2].StepIndex))
}

func TestMatcher_ContinuityDoesNotOverrideClearWinner(t *testing.T) {
	ctx := context.Background()
	idx := &fixedIndex{hits: []Hit{
		{ID: "tea_making#1", Score: 0.90},
		{ID: "coffee_brewing#2", Score: 0.60},
	}}
	m := newMatcher(t, idx, NewHashEmbedder(64))
	require.NoError(t, m.Index(ctx, coffeeSteps()))

	active := models.CurrentState{TaskID: "coffee_brewing", StepIndex: 2, Confidence: 0.8}
	best, err := m.Best(ctx, Request{Text: "mug", Active: active})
	require.NoError(t, err)
	assert.Equal(t, "tea_making", best.TaskID)
}

func TestMatcher_LexicalOverlapBreaksTies(t *testing.T) {
	ctx := context.Background()
	idx := &fixedIndex{hits: []Hit{
		{ID: "coffee_brewing#2", Score: 0.5},
		{ID: "coffee_brewing#3", Score: 0.5},
	}}
	m := newMatcher(t, idx, NewHashEmbedder(64))
	require.NoError(t, m.Index(ctx, coffeeSteps()))

	best, err := m.Best(ctx, Request{Text: "paper filter in the dripper"})
	require.NoError(t, err)
	assert.Equal(t, 3, best.StepIndex)
	assert.Equal(t, models.TierMedium, best.Tier)
}

func TestMatcher_TaskScopeAndUnknownIDs(t *testing.T) {
	ctx := context.Background()
	idx := &fixedIndex{hits: []Hit{
		{ID: "tea_making#1", Score: 0.8},
		{ID: "ghost#9", Score: 0.75},
		{ID: "coffee_brewing#2", Score: 1.3},
	}}
	m := newMatcher(t, idx, NewHashEmbedder(64))
	require.NoError(t, m.Index(ctx, coffeeSteps()))

	results, err := m.Match(ctx, Request{Text: "kettle", TaskScope: "tea_making"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "tea_making", results[0].TaskID)

	results, err = m.Match(ctx, Request{Text: "kettle"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1.0, results[0].Similarity, "scores are clamped to [0,1]")
}

func TestMatcher_SearchFailureIsMatchError(t *testing.T) {
	ctx := context.Background()
	m := newMatcher(t, &fixedIndex{err: errors.New("index offline")}, NewHashEmbedder(64))
	require.NoError(t, m.Index(ctx, coffeeSteps()))

	_, err := m.Match(ctx, Request{Text: "kettle"})
	var matchErr *models.MatchError
	require.ErrorAs(t, err, &matchErr)
	assert.Equal(t, "search", matchErr.Op)
}

func TestMatcher_StepLookupAfterReindex(t *testing.T) {
	ctx := context.Background()
	m := newMatcher(t, NewMemoryIndex(), NewHashEmbedder(64))
	require.NoError(t, m.Index(ctx, coffeeSteps()))

	s, ok := m.Step("coffee_brewing", 3)
	require.True(t, ok)
	assert.Equal(t, "Bloom the grounds", s.Title)

	require.NoError(t, m.Index(ctx, coffeeSteps()[:1]))
	_, ok = m.Step("coffee_brewing", 3)
	assert.False(t, ok)
}

// recordingIndex wraps a MemoryIndex and records the order of writes.
type recordingIndex struct {
	*MemoryIndex
	ops []string
	// onUpsert runs after each upsert, while the matcher is mid re-index.
	onUpsert func()
}

func (r *recordingIndex) Upsert(ctx context.Context, items []Item) error {
	r.ops = append(r.ops, "upsert")
	err := r.MemoryIndex.Upsert(ctx, items)
	if r.onUpsert != nil {
		r.onUpsert()
	}
	return err
}

func (r *recordingIndex) Delete(ctx context.Context, ids []string) error {
	r.ops = append(r.ops, "delete:"+strings.Join(ids, ","))
	return r.MemoryIndex.Delete(ctx, ids)
}

func (r *recordingIndex) Reset(ctx context.Context) error {
	r.ops = append(r.ops, "reset")
	return r.MemoryIndex.Reset(ctx)
}

func TestMatcher_ReindexKeepsIndexPopulated(t *testing.T) {
	ctx := context.Background()
	idx := &recordingIndex{MemoryIndex: NewMemoryIndex()}
	m := newMatcher(t, idx, NewHashEmbedder(1024))
	require.NoError(t, m.Index(ctx, coffeeSteps()))
	assert.Equal(t, []string{"reset", "upsert"}, idx.ops)

	var during []models.MatchResult
	idx.ops = nil
	idx.onUpsert = func() {
		var err error
		during, err = m.Match(ctx, Request{Text: "coffee beans, grinder, scale visible"})
		require.NoError(t, err)
	}
	require.NoError(t, m.Index(ctx, coffeeSteps()[:2]))

	require.NotEmpty(t, during)
	assert.Equal(t, "coffee_brewing", during[0].TaskID)
	assert.Equal(t, 1, during[0].StepIndex)
	assert.Equal(t, []string{"upsert", "delete:coffee_brewing#3,tea_making#1"}, idx.ops)
	assert.Equal(t, 2, idx.Len())
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"coffee", "bean", "grinder", "scale"}, Tokenize("Coffee beans, grinder, scale visible"))
	assert.Equal(t, []string{"glass"}, Tokenize("a glass"))
	assert.Equal(t, 2, lexicalOverlap(Tokenize("filter and dripper"), []string{"paper filter", "pour over dripper"}))
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(256)
	a, err := e.Embed(ctx, "kettle water")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "water kettle")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-6)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.Embed(cancelled, "kettle")
	assert.ErrorIs(t, err, context.Canceled)
}
