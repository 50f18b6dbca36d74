package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/Perceptus-Labs/perceptus-guide/models"
	"go.uber.org/zap"
)

// Thresholds are the lower bounds of each confidence tier.
type Thresholds struct {
	High   float64
	Medium float64
	Low    float64
}

// DefaultThresholds returns the standard tier boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.70, Medium: 0.45, Low: 0.25}
}

// Validate checks that the boundaries are ordered and inside [0,1].
func (t Thresholds) Validate() error {
	if !(0 <= t.Low && t.Low <= t.Medium && t.Medium <= t.High && t.High <= 1) {
		return fmt.Errorf("tier thresholds must satisfy 0 <= low <= medium <= high <= 1, got %.2f/%.2f/%.2f",
			t.Low, t.Medium, t.High)
	}
	return nil
}

// Tier buckets a similarity score.
func (t Thresholds) Tier(score float64) models.ConfidenceTier {
	switch {
	case score >= t.High:
		return models.TierHigh
	case score >= t.Medium:
		return models.TierMedium
	case score >= t.Low:
		return models.TierLow
	default:
		return models.TierNone
	}
}

// Config holds matcher tuning.
type Config struct {
	TopK       int
	Thresholds Thresholds
	// TieEpsilon is how far below the top score a candidate may be and still tie with it.
	TieEpsilon float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TopK:       5,
		Thresholds: DefaultThresholds(),
		TieEpsilon: 0.02,
	}
}

// Request is one match call.
type Request struct {
	Text string
	// TaskScope restricts candidates to one task when set.
	TaskScope string
	// Active is the current state, used for the continuity tie-break.
	Active models.CurrentState
}

// Matcher maps observation text onto knowledge-base steps.
type Matcher struct {
	embedder Embedder
	index    Index
	config   Config
	logger   *zap.Logger

	indexMu sync.Mutex
	indexed bool

	mu    sync.RWMutex
	steps map[string]models.TaskStep
}

// New creates a matcher over the given embedder and index.
func New(embedder Embedder, index Index, config Config, logger *zap.Logger) (*Matcher, error) {
	if embedder == nil || index == nil {
		return nil, errors.New("matcher requires an embedder and an index")
	}
	if err := config.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if config.TopK <= 0 {
		config.TopK = DefaultConfig().TopK
	}
	if config.TieEpsilon < 0 {
		config.TieEpsilon = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		embedder: embedder,
		index:    index,
		config:   config,
		logger:   logger.With(zap.String("component", "matcher")),
		steps:    make(map[string]models.TaskStep),
	}, nil
}

// Thresholds returns the configured tier boundaries.
func (m *Matcher) Thresholds() Thresholds {
	return m.config.Thresholds
}

// Index embeds every step and replaces the index contents with them.
// Steps that fail to embed are skipped and logged. On a re-index the new
// vectors are written before stale ones are deleted, so concurrent Match
// calls keep seeing a populated index.
func (m *Matcher) Index(ctx context.Context, steps []models.TaskStep) error {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()

	items := make([]Item, 0, len(steps))
	byID := make(map[string]models.TaskStep, len(steps))
	for _, s := range steps {
		vec, err := m.embedder.Embed(ctx, stepDocument(s))
		if err != nil {
			if ctx.Err() != nil {
				return &models.MatchError{Op: "index", Err: err}
			}
			m.logger.Warn("Failed to embed step, skipping", zap.String("step_id", s.StepID()), zap.Error(err))
			continue
		}
		items = append(items, Item{ID: s.StepID(), Vector: vec})
		byID[s.StepID()] = s
	}

	m.mu.RLock()
	previous := m.steps
	m.mu.RUnlock()

	// Nothing can match before the first index, and a persistent backend may
	// hold vectors from an earlier run.
	if !m.indexed {
		if err := m.index.Reset(ctx); err != nil {
			return &models.MatchError{Op: "index", Err: fmt.Errorf("reset: %w", err)}
		}
	}
	if len(items) > 0 {
		if err := m.index.Upsert(ctx, items); err != nil {
			return &models.MatchError{Op: "index", Err: fmt.Errorf("upsert: %w", err)}
		}
	}

	m.mu.Lock()
	m.steps = byID
	m.mu.Unlock()
	m.indexed = true

	var stale []string
	for id := range previous {
		if _, ok := byID[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		// Stale ids no longer resolve to a step, so a failed delete only
		// costs search slots.
		if err := m.index.Delete(ctx, stale); err != nil {
			m.logger.Warn("Failed to delete stale step vectors", zap.Int("count", len(stale)), zap.Error(err))
		}
	}

	m.logger.Info("Indexed knowledge base", zap.Int("steps", len(items)), zap.Int("removed", len(stale)))
	return nil
}

// stepDocument is the text a step is embedded as. Observations describe what
// the camera sees, so visual cues are the best anchor when present.
func stepDocument(s models.TaskStep) string {
	if len(s.VisualCues) > 0 {
		return strings.Join(s.VisualCues, ", ")
	}
	return s.Title + ". " + s.Description
}

// Match returns up to TopK ranked candidates for the observation text.
// An empty knowledge base yields an empty result and no error.
func (m *Matcher) Match(ctx context.Context, req Request) ([]models.MatchResult, error) {
	m.mu.RLock()
	steps := m.steps
	m.mu.RUnlock()
	if len(steps) == 0 {
		return nil, nil
	}

	vec, err := m.embedder.Embed(ctx, req.Text)
	if err != nil {
		return nil, &models.MatchError{Op: "embed", Err: err}
	}

	k := m.config.TopK
	if req.TaskScope != "" {
		// Over-fetch so scoping still leaves K candidates.
		k *= 4
	}
	hits, err := m.index.Search(ctx, vec, k)
	if err != nil {
		return nil, &models.MatchError{Op: "search", Err: err}
	}

	obsTokens := Tokenize(req.Text)
	cands := make([]candidate, 0, len(hits))
	for _, h := range hits {
		step, ok := steps[h.ID]
		if !ok {
			m.logger.Debug("Index returned unknown step id", zap.String("id", h.ID))
			continue
		}
		if req.TaskScope != "" && step.TaskID != req.TaskScope {
			continue
		}
		score := clamp01(h.Score)
		cands = append(cands, candidate{
			step:       step,
			score:      score,
			continuity: continuityRank(req.Active, step),
			overlap:    lexicalOverlap(obsTokens, step.VisualCues),
		})
	}

	m.rank(cands)
	if len(cands) > m.config.TopK {
		cands = cands[:m.config.TopK]
	}

	results := make([]models.MatchResult, len(cands))
	for i, c := range cands {
		results[i] = models.MatchResult{
			TaskID:     c.step.TaskID,
			StepIndex:  c.step.StepIndex,
			Similarity: c.score,
			Tier:       m.config.Thresholds.Tier(c.score),
		}
	}
	return results, nil
}

// Best returns the top candidate, or the NONE result when there is none.
func (m *Matcher) Best(ctx context.Context, req Request) (models.MatchResult, error) {
	results, err := m.Match(ctx, req)
	if err != nil || len(results) == 0 {
		return models.MatchResult{Tier: models.TierNone}, err
	}
	return results[0], nil
}

// Step looks up an indexed step.
func (m *Matcher) Step(taskID string, stepIndex int) (models.TaskStep, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.steps[models.StepID(taskID, stepIndex)]
	return s, ok
}

type candidate struct {
	step       models.TaskStep
	score      float64
	continuity int
	overlap    int
}

// rank orders candidates by score. Candidates within TieEpsilon of the top
// score are tied with it and ordered by continuity, then cue overlap, then
// score, then step id.
func (m *Matcher) rank(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].step.StepID() < cands[j].step.StepID()
	})
	if len(cands) < 2 {
		return
	}

	top := cands[0].score
	n := 1
	for n < len(cands) && top-cands[n].score <= m.config.TieEpsilon+tieSlack {
		n++
	}
	tied := cands[:n]
	sort.SliceStable(tied, func(i, j int) bool { return tied[i].preferred(tied[j]) })
}

// tieSlack absorbs float error so that a difference of exactly TieEpsilon
// still counts as a tie.
const tieSlack = 1e-9

func (c candidate) preferred(o candidate) bool {
	if c.continuity != o.continuity {
		return c.continuity > o.continuity
	}
	if c.overlap != o.overlap {
		return c.overlap > o.overlap
	}
	if c.score != o.score {
		return c.score > o.score
	}
	return c.step.StepID() < o.step.StepID()
}

// continuityRank: 2 for the active step, 1 for another step of the active task.
func continuityRank(active models.CurrentState, step models.TaskStep) int {
	if !active.HasStep() || active.TaskID != step.TaskID {
		return 0
	}
	if active.StepIndex == step.StepIndex {
		return 2
	}
	return 1
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
