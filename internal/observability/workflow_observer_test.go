package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/listflow/internal/aipipeline"
	"github.com/pitabwire/listflow/internal/workflow"
	"github.com/pitabwire/listflow/model"
)

func TestWorkflowObserver_transitions(t *testing.T) {
	m, _ := newTestMetrics(t)
	o := NewWorkflowObserver(m)
	ctx := context.Background()

	o.OnTransition(ctx, workflow.TransitionEvent{
		ItemID: "a", Action: "advance", From: model.StagePricing, To: model.StageFinalReview,
		Outcome: workflow.OutcomeSuccess, Duration: 10 * time.Millisecond,
	})
	o.OnTransition(ctx, workflow.TransitionEvent{
		ItemID: "a", Action: "advance", From: model.StagePricing,
		Outcome: "conflict", Duration: time.Millisecond,
	})
	o.OnTransition(ctx, workflow.TransitionEvent{
		ItemID: "a", Action: "advance", From: model.StagePricing, To: model.StageFinalReview,
		Outcome: workflow.OutcomeSuccess, Replayed: true,
	})

	require.Equal(t, 2.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("advance", "PRICING", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("PRICING")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.IdempotentReplaysTotal))
}

func TestWorkflowObserver_aiAndQueue(t *testing.T) {
	m, _ := newTestMetrics(t)
	o := NewWorkflowObserver(m)
	ctx := context.Background()

	o.OnAIInvocation(ctx, workflow.AIEvent{ItemID: "a", Outcome: workflow.OutcomeTimeout, Duration: time.Minute})
	o.OnQueuePull(ctx, workflow.QueueEvent{UserID: "u-price", Role: model.RolePricer, Found: false})

	require.Equal(t, 1.0, testutil.ToFloat64(m.AIInvocationsTotal.WithLabelValues("timeout")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.QueuePullsTotal.WithLabelValues("PRICER", "empty")))
}

func TestBreakerStateValue(t *testing.T) {
	require.Equal(t, 0.0, BreakerStateValue(aipipeline.BreakerClosed))
	require.Equal(t, 1.0, BreakerStateValue(aipipeline.BreakerHalfOpen))
	require.Equal(t, 2.0, BreakerStateValue(aipipeline.BreakerOpen))
}

func TestWatchBreaker(t *testing.T) {
	m, _ := newTestMetrics(t)
	core, logs := observer.New(zapcore.DebugLevel)

	b := aipipeline.NewBreaker(aipipeline.BreakerSettings{FailureThreshold: 1, Cooldown: time.Hour})
	m.WatchBreaker(b, zap.New(core))
	require.Equal(t, 0.0, testutil.ToFloat64(m.AICircuitBreakerState))

	b.Failure()

	require.Equal(t, 2.0, testutil.ToFloat64(m.AICircuitBreakerState))
	warned := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, warned, 1)
	require.Equal(t, "ai circuit breaker opened", warned[0].Message)
}
