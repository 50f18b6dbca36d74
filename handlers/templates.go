package handlers

import (
	"fmt"
	"strings"
	"time"

	"github.com/Perceptus-Labs/perceptus-guide/knowledge"
	"github.com/Perceptus-Labs/perceptus-guide/models"
)

// renderTemplate answers from the tracked state and the knowledge base.
// ok is false when the state points at a step the knowledge base lacks.
func renderTemplate(intent models.Intent, st models.CurrentState, kb *knowledge.Base) (string, bool) {
	if kb == nil || !st.HasStep() {
		return "", false
	}
	task, ok := kb.Task(st.TaskID)
	if !ok {
		return "", false
	}
	step, ok := kb.Step(st.TaskID, st.StepIndex)
	if !ok {
		return "", false
	}
	total := len(task.Steps)
	next, hasNext := kb.Next(st.TaskID, st.StepIndex)

	var b strings.Builder
	switch intent {
	case models.IntentCurrentStep:
		fmt.Fprintf(&b, "You're on step %d of %d: %s.", step.StepIndex, total, step.Title)
		if step.Description != "" {
			b.WriteString(" " + sentence(step.Description))
		}

	case models.IntentNextStep:
		if !hasNext {
			fmt.Fprintf(&b, "Step %d, %s, is the last step of %s.", step.StepIndex, step.Title, taskName(task))
			break
		}
		fmt.Fprintf(&b, "Next is step %d: %s.", next.StepIndex, next.Title)
		if next.Description != "" {
			b.WriteString(" " + sentence(next.Description))
		}

	case models.IntentRequiredTools:
		if len(step.Tools) == 0 {
			fmt.Fprintf(&b, "Step %d, %s, doesn't need any special tools.", step.StepIndex, step.Title)
			break
		}
		fmt.Fprintf(&b, "For step %d, %s, you need %s.", step.StepIndex, step.Title, joinList(step.Tools))

	case models.IntentCompletionStatus:
		fmt.Fprintf(&b, "You're still on step %d, %s.", step.StepIndex, step.Title)
		if len(step.CompletionIndicators) > 0 {
			fmt.Fprintf(&b, " It's done when you see %s.", joinList(step.CompletionIndicators))
		}
		if hasNext {
			fmt.Fprintf(&b, " After that comes step %d: %s.", next.StepIndex, next.Title)
		} else {
			fmt.Fprintf(&b, " That's the last step of %s.", taskName(task))
		}

	case models.IntentProgressOverview:
		pct := (step.StepIndex - 1) * 100 / total
		fmt.Fprintf(&b, "You're on step %d of %d in %s, about %d%% of the way through.", step.StepIndex, total, taskName(task), pct)
		if left := remaining(task, step.StepIndex); left > 0 {
			fmt.Fprintf(&b, " Roughly %s of work left.", humanDuration(left))
		}

	case models.IntentHelp:
		fmt.Fprintf(&b, "Step %d is %s.", step.StepIndex, step.Title)
		if step.Description != "" {
			b.WriteString(" " + sentence(step.Description))
		}
		if len(step.Tools) > 0 {
			fmt.Fprintf(&b, " You'll use %s.", joinList(step.Tools))
		}
		for _, note := range step.SafetyNotes {
			b.WriteString(" Careful: " + sentence(note))
		}

	default:
		return "", false
	}
	return b.String(), true
}

func taskName(t models.Task) string {
	if t.Title != "" {
		return t.Title
	}
	return t.ID
}

// remaining sums the duration estimates from step index onwards.
func remaining(t models.Task, index int) time.Duration {
	var d time.Duration
	for _, s := range t.Steps {
		if s.StepIndex >= index {
			d += s.DurationEstimate
		}
	}
	return d
}

func humanDuration(d time.Duration) string {
	if d < time.Minute {
		return "less than a minute"
	}
	m := int(d.Round(time.Minute) / time.Minute)
	if m == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", m)
}

func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}

func sentence(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?") {
		return s
	}
	return s + "."
}
