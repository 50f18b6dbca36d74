package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/Perceptus-Labs/perceptus-guide/fallback"
	"github.com/Perceptus-Labs/perceptus-guide/models"
	"go.uber.org/zap"
)

// User-facing replies for escalations that could not be answered.
const (
	MsgBusy        = "I'm still answering your previous question. Please ask again in a moment."
	MsgLimited     = "I'm temporarily limited and can't look at your workspace right now. Full help will be back shortly."
	MsgUnavailable = "I couldn't get a clear look at your workspace just now. Please try asking again."
	MsgCancelled   = "That question was cancelled before I could answer."
)

// Query answers a user question. It always returns a populated response.
func (g *Guide) Query(ctx context.Context, text string) (resp models.QueryResponse) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Recovered panic in query path", zap.Any("panic", r))
			resp = models.QueryResponse{ResponseText: MsgUnavailable, QueryType: models.IntentUnknown}
		}
		resp.ProcessingTimeMS = time.Since(start).Milliseconds()
	}()

	cls := g.classifier.Classify(text)
	st := g.store.Read()
	g.store.NoteQuery(cls.Intent)
	resp = models.QueryResponse{QueryType: cls.Intent, Confidence: cls.Confidence}

	decision := g.policy.ShouldEscalate(models.DecisionContext{
		Query:      text,
		State:      st,
		Intent:     cls.Intent,
		Confidence: cls.Confidence,
	})
	logger := g.logger.With(
		zap.String("intent", string(cls.Intent)),
		zap.String("rule", cls.Rule),
		zap.Float64("state_confidence", st.Confidence))

	reason := string(decision.Reason)
	if !decision.Escalate {
		if answer, ok := renderTemplate(cls.Intent, st, g.kb.Load()); ok {
			resp.ResponseText = answer
			logger.Info("Query answered", zap.String("path", "template"), zap.Duration("elapsed", time.Since(start)))
			return resp
		}
		reason = "template_unavailable"
	}

	var step *models.TaskStep
	if kb := g.kb.Load(); kb != nil && st.HasStep() {
		if s, ok := kb.Step(st.TaskID, st.StepIndex); ok {
			step = &s
		}
	}
	answer, err := g.coordinator.Escalate(ctx, fallback.Request{Query: text, State: st, Step: step})
	if err != nil {
		resp.ResponseText = escalationFailureMessage(ctx, err)
		logger.Warn("Query answered", zap.String("path", "escalation_failed"),
			zap.String("reason", reason), zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return resp
	}
	resp.ResponseText = answer
	logger.Info("Query answered", zap.String("path", "escalated"),
		zap.String("reason", reason), zap.Duration("elapsed", time.Since(start)))
	return resp
}

func escalationFailureMessage(ctx context.Context, err error) string {
	var restoreErr *models.PromptRestoreError
	switch {
	case errors.Is(err, fallback.ErrBusy):
		return MsgBusy
	case errors.Is(err, fallback.ErrDegraded), errors.As(err, &restoreErr):
		return MsgLimited
	case errors.Is(ctx.Err(), context.Canceled):
		return MsgCancelled
	default:
		return MsgUnavailable
	}
}
