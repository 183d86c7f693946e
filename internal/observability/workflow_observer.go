package observability

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/listflow/internal/aipipeline"
	"github.com/pitabwire/listflow/internal/workflow"
)

// WorkflowObserver turns engine events into metrics.
type WorkflowObserver struct {
	metrics *Metrics
}

var _ workflow.Observer = (*WorkflowObserver)(nil)

// NewWorkflowObserver creates an observer recording into m.
func NewWorkflowObserver(m *Metrics) *WorkflowObserver {
	return &WorkflowObserver{metrics: m}
}

// OnTransition records transition counters, conflicts and replays.
func (o *WorkflowObserver) OnTransition(_ context.Context, ev workflow.TransitionEvent) {
	o.metrics.RecordTransition(ev.Action, string(ev.From), ev.Outcome, ev.Duration)
	switch {
	case ev.Replayed:
		o.metrics.RecordIdempotentReplay()
	case ev.Outcome == "conflict":
		o.metrics.RecordConflict(string(ev.From))
	}
}

// OnAIInvocation records AI outcome and latency.
func (o *WorkflowObserver) OnAIInvocation(_ context.Context, ev workflow.AIEvent) {
	o.metrics.RecordAIInvocation(ev.Outcome, ev.Duration)
}

// OnQueuePull records queue pulls.
func (o *WorkflowObserver) OnQueuePull(_ context.Context, ev workflow.QueueEvent) {
	o.metrics.RecordQueuePull(string(ev.Role), ev.Found)
}

// BreakerStateValue maps a breaker state onto the gauge encoding.
func BreakerStateValue(s aipipeline.BreakerState) float64 {
	switch s {
	case aipipeline.BreakerHalfOpen:
		return 1
	case aipipeline.BreakerOpen:
		return 2
	default:
		return 0
	}
}

// WatchBreaker keeps the breaker gauge current and logs every transition.
func (m *Metrics) WatchBreaker(b *aipipeline.Breaker, logger *zap.Logger) {
	m.SetAICircuitBreakerState(BreakerStateValue(b.State()))
	b.OnStateChange(func(s aipipeline.BreakerState) {
		m.SetAICircuitBreakerState(BreakerStateValue(s))
		if s == aipipeline.BreakerOpen {
			logger.Warn("ai circuit breaker opened")
			return
		}
		logger.Info("ai circuit breaker state changed", zap.String("state", s.String()))
	})
}
