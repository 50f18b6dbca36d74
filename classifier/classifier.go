// Package classifier maps free-text user queries onto guidance intents using
// an ordered rule table. The first matching rule wins, so the order of
// DefaultRules is part of the contract.
package classifier

import (
	"regexp"
	"strings"

	"github.com/Perceptus-Labs/perceptus-guide/models"
)

// MatchConfidence is the confidence reported by every default rule.
const MatchConfidence = 0.9

// Rule maps a set of patterns to one intent.
type Rule struct {
	Name       string
	Intent     models.Intent
	Patterns   []*regexp.Regexp
	Confidence float64
}

// Matches reports whether any pattern matches the normalised text.
func (r Rule) Matches(normalized string) bool {
	for _, p := range r.Patterns {
		if p.MatchString(normalized) {
			return true
		}
	}
	return false
}

func patterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// DefaultRules is evaluated top to bottom.
// Tools before next-step: "what do I need for the next step" asks about tools.
// Next-step and completion before current-step: both usually mention "step".
// Progress before current-step: "how many steps are left" also says "steps".
// Help is last so that specific questions phrased as "how do I ..." still
// resolve to the specific intent when one applies.
var DefaultRules = []Rule{
	{
		Name:   "required-tools",
		Intent: models.IntentRequiredTools,
		Patterns: patterns(
			`\btools?\b`, `\bequipment\b`, `\butensils?\b`, `\bingredients?\b`,
			`\bwhat do i need\b`, `\bwhat should i use\b`, `\bwhat (?:do|will) i use\b`,
		),
		Confidence: MatchConfidence,
	},
	{
		Name:   "next-step",
		Intent: models.IntentNextStep,
		Patterns: patterns(
			`\bnext\b`, `\bafter (?:this|that)\b`, `\bthen what\b`, `\bwhat comes\b`,
			`\bwhat now\b`, `\bwhat do i do now\b`, `\bmove on\b`,
		),
		Confidence: MatchConfidence,
	},
	{
		Name:   "completion-status",
		Intent: models.IntentCompletionStatus,
		Patterns: patterns(
			`\bam i done\b`, `\bis (?:it|this|that)(?: step)? (?:done|finished|complete|ready)\b`,
			`\bfinished\b`, `\bcompleted?\b`, `\bdone yet\b`, `\bhave i finished\b`,
		),
		Confidence: MatchConfidence,
	},
	{
		Name:   "progress-overview",
		Intent: models.IntentProgressOverview,
		Patterns: patterns(
			`\bprogress\b`, `\bhow far\b`, `\bsteps? (?:left|remaining)\b`,
			`\bhow many steps\b`, `\boverview\b`, `\bhow much (?:is )?left\b`, `\bsummary\b`,
		),
		Confidence: MatchConfidence,
	},
	{
		Name:   "current-step",
		Intent: models.IntentCurrentStep,
		Patterns: patterns(
			`\b(?:what|which) step\b`, `\bcurrent step\b`, `\bwhere am i\b`,
			`\bwhat am i (?:doing|on)\b`, `\bwhat(?:'s| is) happening\b`, `\bwhat step\b`,
		),
		Confidence: MatchConfidence,
	},
	{
		Name:   "help",
		Intent: models.IntentHelp,
		Patterns: patterns(
			`\bhelp\b`, `\bhow do i\b`, `\bhow should i\b`, `\bstuck\b`, `\bconfused\b`,
			`\bexplain\b`, `\bi don'?t (?:know|understand)\b`, `\bsafe(?:ty|ly)?\b`,
		),
		Confidence: MatchConfidence,
	},
}

// Result is the classification of one query.
type Result struct {
	Intent     models.Intent
	Confidence float64
	// Rule is the name of the matching rule; empty for UNKNOWN.
	Rule string
}

// Classifier evaluates a rule table. It holds no mutable state.
type Classifier struct {
	rules []Rule
}

// New returns a classifier over the given rules, evaluated in order.
func New(rules []Rule) *Classifier {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Classifier{rules: cp}
}

// Default returns a classifier over DefaultRules.
func Default() *Classifier {
	return New(DefaultRules)
}

// Rules returns the table in evaluation order.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Classify returns the intent of the first matching rule, or UNKNOWN with
// zero confidence.
func (c *Classifier) Classify(text string) Result {
	normalized := Normalize(text)
	if normalized == "" {
		return Result{Intent: models.IntentUnknown}
	}
	for _, r := range c.rules {
		if r.Matches(normalized) {
			return Result{Intent: r.Intent, Confidence: r.Confidence, Rule: r.Name}
		}
	}
	return Result{Intent: models.IntentUnknown}
}

// Normalize lowercases, folds curly apostrophes and collapses whitespace.
func Normalize(text string) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	lower = strings.ReplaceAll(lower, "’", "'")
	return strings.Join(strings.Fields(lower), " ")
}
