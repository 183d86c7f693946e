package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/pitabwire/listflow/model"
)

// Observer receives engine lifecycle events. Implementations record metrics
// or other telemetry and must not block.
type Observer interface {
	OnTransition(ctx context.Context, ev TransitionEvent)
	OnAIInvocation(ctx context.Context, ev AIEvent)
	OnQueuePull(ctx context.Context, ev QueueEvent)
}

// TransitionEvent describes the outcome of advance, reject or send-back.
type TransitionEvent struct {
	ItemID   string
	UserID   string
	Role     model.Role
	From     model.Stage
	To       model.Stage
	Action   string
	Outcome  string
	Replayed bool
	Duration time.Duration
}

// AIEvent describes one run of the AI sub-pipeline.
type AIEvent struct {
	ItemID   string
	Outcome  string
	Duration time.Duration
}

// QueueEvent describes one NextItem call.
type QueueEvent struct {
	UserID string
	Role   model.Role
	Found  bool
}

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeTimeout = "timeout"
	OutcomeFailure = "failure"
)

// outcomeOf maps an operation error onto a low-cardinality label.
func outcomeOf(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	if code := model.CodeOf(err); code != "" {
		return strings.ToLower(code)
	}
	return OutcomeFailure
}

func (e *Engine) notifyTransition(ctx context.Context, ev TransitionEvent) {
	for _, o := range e.observers {
		o.OnTransition(ctx, ev)
	}
}

func (e *Engine) notifyAI(ctx context.Context, ev AIEvent) {
	for _, o := range e.observers {
		o.OnAIInvocation(ctx, ev)
	}
}

func (e *Engine) notifyQueuePull(ctx context.Context, ev QueueEvent) {
	for _, o := range e.observers {
		o.OnQueuePull(ctx, ev)
	}
}
