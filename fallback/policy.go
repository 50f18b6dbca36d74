package fallback

import (
	"fmt"

	"github.com/Perceptus-Labs/perceptus-guide/models"
)

// DefaultEscalationThreshold is the state confidence below which queries escalate.
const DefaultEscalationThreshold = 0.40

// Reason names why a query was or was not escalated.
type Reason string

const (
	ReasonConfident     Reason = "confident"
	ReasonNoState       Reason = "no_state"
	ReasonLowConfidence Reason = "low_confidence"
	ReasonUnknownIntent Reason = "unknown_intent"
	ReasonNoActiveStep  Reason = "no_active_step"
)

// Decision is the output of the fallback policy.
type Decision struct {
	Escalate bool
	Reason   Reason
	Detail   string
}

// Policy decides between a template answer and an escalation.
// It holds only configuration; ShouldEscalate is a pure function.
type Policy struct {
	ConfidenceThreshold float64
}

// DefaultPolicy returns the policy with the default threshold.
func DefaultPolicy() Policy {
	return Policy{ConfidenceThreshold: DefaultEscalationThreshold}
}

// ShouldEscalate escalates when any condition holds: no state yet, state
// confidence under the threshold, unknown intent, or no active step.
// Checks run in that order and the first failing one is reported.
func (p Policy) ShouldEscalate(dc models.DecisionContext) Decision {
	st := dc.State
	switch {
	case !st.Present():
		return Decision{Escalate: true, Reason: ReasonNoState, Detail: "no observation has updated the state"}
	case st.Confidence < p.ConfidenceThreshold:
		return Decision{
			Escalate: true,
			Reason:   ReasonLowConfidence,
			Detail:   fmt.Sprintf("state confidence %.2f below threshold %.2f", st.Confidence, p.ConfidenceThreshold),
		}
	case dc.Intent == models.IntentUnknown || dc.Intent == "":
		return Decision{Escalate: true, Reason: ReasonUnknownIntent, Detail: "query intent not recognised"}
	case !st.HasStep():
		return Decision{Escalate: true, Reason: ReasonNoActiveStep, Detail: "state has no active step"}
	default:
		return Decision{Escalate: false, Reason: ReasonConfident}
	}
}
