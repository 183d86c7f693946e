package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/listflow/internal/aipipeline"
	"github.com/pitabwire/listflow/internal/transition"
	"github.com/pitabwire/listflow/model"
)

const (
	tracerName = "github.com/pitabwire/listflow/internal/workflow"

	defaultAITimeout      = 60 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	statusWriteTimeout    = 5 * time.Second
)

// Span attribute keys.
var (
	attrItemID = attribute.Key("listflow.item_id")
	attrUserID = attribute.Key("listflow.user_id")
	attrRole   = attribute.Key("listflow.role")
	attrFrom   = attribute.Key("listflow.from_stage")
	attrTo     = attribute.Key("listflow.to_stage")
)

// Directory resolves the role a user acts under.
type Directory interface {
	GetUser(ctx context.Context, userID string) (model.User, error)
}

// Dispatcher runs AI jobs off the request path.
type Dispatcher interface {
	Submit(itemID string, job aipipeline.Job) (*aipipeline.Ticket, error)
}

// Engine moves items through the stage graph. It owns no state of its own:
// every decision is taken against the store, so any number of engines may
// share one store.
type Engine struct {
	store      Store
	users      Directory
	ai         aipipeline.Analyzer
	logger     *zap.Logger
	observers  []Observer
	idem       IdempotencyStore
	idemTTL    time.Duration
	dispatcher Dispatcher
	aiTimeout  time.Duration
	now        func() time.Time
	newID      func() string
	tracer     trace.Tracer
}

// Option configures optional engine dependencies.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithIdempotencyStore enables idempotency tokens on Advance.
func WithIdempotencyStore(s IdempotencyStore, ttl time.Duration) Option {
	return func(e *Engine) {
		e.idem = s
		if ttl > 0 {
			e.idemTTL = ttl
		}
	}
}

// WithDispatcher enables AdvanceAsync to queue AI work.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithAITimeout bounds each AI sub-pipeline run.
func WithAITimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.aiTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides how action IDs are minted.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine creates an engine over the given store, user directory and AI
// adapter.
func NewEngine(store Store, users Directory, ai aipipeline.Analyzer, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		users:     users,
		ai:        ai,
		logger:    zap.NewNop(),
		idemTTL:   defaultIdempotencyTTL,
		aiTimeout: defaultAITimeout,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AdvanceInput carries the optional parts of an advance request.
type AdvanceInput struct {
	Notes          string         `json:"notes,omitempty"`
	Changes        map[string]any `json:"changes,omitempty"`
	IdempotencyKey string         `json:"-"`
}

// plan is a validated, authorized transition ready to commit.
type plan struct {
	user model.User
	item model.Item
	rule model.TransitionRule
}

// Advance moves an item to its canonical next stage. Entering AI_PROCESSING
// runs the AI sub-pipeline first and lands the item in REVIEW_EDIT; on AI
// failure the stage is left alone, the status becomes ERROR and the call
// fails with AI_PROCESSING_FAILED.
func (e *Engine) Advance(ctx context.Context, userID, itemID string, in AdvanceInput) (item model.Item, err error) {
	ev := &TransitionEvent{ItemID: itemID, UserID: userID}
	ctx, span := e.startSpan(ctx, "workflow.Advance", itemID, userID)
	start := e.now()
	defer func() { e.finishOp(ctx, span, ev, start, err) }()

	user, err := e.resolveUser(ctx, userID)
	if err != nil {
		return model.Item{}, err
	}
	ev.Role = user.Role

	if in.IdempotencyKey == "" {
		return e.advance(ctx, user, itemID, in, ev)
	}

	// 1. The cache answers most retries without touching the store.
	var key, hash string
	if e.idem != nil {
		key = idempotencyKey("advance", itemID, in.IdempotencyKey)
		hash = hashInput(user.ID, in)
		cached, found, err := e.idem.Check(ctx, key, hash)
		if err != nil {
			if model.CodeOf(err) == "" {
				err = fmt.Errorf("idempotency check: %w", err)
			}
			return model.Item{}, err
		}
		if found {
			e.replayed(ev, *cached, in.IdempotencyKey)
			return *cached, nil
		}
	}

	// 2. The audit trail is the durable record. A row carrying the token
	// means the advance already happened even if the cache lost it.
	recorded, err := e.recordedAdvance(ctx, user, itemID, in)
	if err != nil {
		return model.Item{}, err
	}
	if recorded != nil {
		e.replayed(ev, *recorded, in.IdempotencyKey)
		e.remember(ctx, key, hash, *recorded)
		return *recorded, nil
	}

	// 3. First use: run and remember the result. Failures are not recorded
	// so the caller may retry with the same token.
	item, err = e.advance(ctx, user, itemID, in, ev)
	if err != nil {
		return model.Item{}, err
	}
	e.remember(ctx, key, hash, item)
	return item, nil
}

// recordedAdvance returns the item's current state when an audit row for
// itemID already carries in.IdempotencyKey, or nil when none does.
func (e *Engine) recordedAdvance(ctx context.Context, user model.User, itemID string, in AdvanceInput) (*model.Item, error) {
	actions, err := e.store.ListActions(ctx, ActionFilter{ItemID: itemID, IdempotencyKey: in.IdempotencyKey, Limit: 1})
	if err != nil {
		if model.CodeOf(err) == "" {
			err = fmt.Errorf("look up idempotency key: %w", err)
		}
		return nil, err
	}
	if len(actions) == 0 {
		return nil, nil
	}
	if !sameAdvance(actions[0], user.ID, in) {
		return nil, idempotencyConflict(in.IdempotencyKey)
	}
	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (e *Engine) replayed(ev *TransitionEvent, item model.Item, token string) {
	ev.Replayed = true
	ev.To = item.Stage
	e.logger.Info("idempotent replay",
		zap.String("item_id", item.ID),
		zap.String("user_id", ev.UserID),
		zap.String("idempotency_key", token),
	)
}

// remember writes item to the idempotency cache. The cache is only a fast
// path, so a failed write is logged and otherwise ignored.
func (e *Engine) remember(ctx context.Context, key, hash string, item model.Item) {
	if e.idem == nil {
		return
	}
	if err := e.idem.Store(ctx, key, hash, item, e.idemTTL); err != nil {
		e.logger.Warn("storing idempotency result failed",
			zap.String("item_id", item.ID),
			zap.Error(err),
		)
	}
}

func (e *Engine) advance(ctx context.Context, user model.User, itemID string, in AdvanceInput, ev *TransitionEvent) (model.Item, error) {
	p, err := e.planAdvance(ctx, user, itemID, ev)
	if err != nil {
		return model.Item{}, err
	}

	if p.rule.To == model.StageAIProcessing {
		return e.advanceThroughAI(ctx, p, in, ev)
	}

	next := p.item.Clone()
	next.Stage = p.rule.To
	next.MergeContent(in.Changes)
	return e.commit(ctx, p, next, in.Notes, in.Changes, in.IdempotencyKey)
}

// planAdvance loads the item, computes the canonical next stage and
// authorizes the caller for it.
func (e *Engine) planAdvance(ctx context.Context, user model.User, itemID string, ev *TransitionEvent) (plan, error) {
	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return plan{}, err
	}
	ev.From = item.Stage

	target, ok := transition.CanonicalNext(item.Stage)
	if !ok {
		return plan{}, model.NewInvalidStateError(
			fmt.Sprintf("item %q is %s and cannot be advanced", itemID, item.Stage),
		).WithTransition(itemID, item.Stage, "", user.Role)
	}
	ev.To = target

	rule, err := e.authorize(user, item, target)
	if err != nil {
		return plan{}, err
	}
	ev.Action = rule.Action
	return plan{user: user, item: item, rule: rule}, nil
}

// advanceThroughAI runs the AI sub-pipeline without holding any store
// transaction and then commits PHOTO_UPLOAD → REVIEW_EDIT in one unit.
func (e *Engine) advanceThroughAI(ctx context.Context, p plan, in AdvanceInput, ev *TransitionEvent) (model.Item, error) {
	working := p.item.Clone()
	working.MergeContent(in.Changes)

	if working.PrimaryPhoto() == "" {
		return model.Item{}, model.NewFieldValidationError(
			"photo_refs", "required", "at least one photo is required before AI processing",
		).With(model.CtxItemID, p.item.ID)
	}

	draft, err := e.runAI(ctx, working)
	if err != nil {
		return model.Item{}, e.failAI(ctx, p, err)
	}

	delta := draft.Changes()
	for k, v := range in.Changes {
		delta[k] = v
	}

	next := p.item.Clone()
	next.MergeContent(delta)
	next.Stage = model.StageReviewEdit
	next.Status = model.StatusActive
	next.LastError = ""
	ev.To = next.Stage

	return e.commit(ctx, p, next, in.Notes, delta, in.IdempotencyKey)
}

func (e *Engine) runAI(ctx context.Context, item model.Item) (draft aipipeline.ListingDraft, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.aiTimeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "workflow.AIPipeline", trace.WithAttributes(attrItemID.String(item.ID)))
	start := e.now()
	defer func() {
		outcome := OutcomeSuccess
		switch {
		case errors.Is(err, aipipeline.ErrAITimeout):
			outcome = OutcomeTimeout
		case err != nil:
			outcome = OutcomeFailure
		}
		e.notifyAI(ctx, AIEvent{ItemID: item.ID, Outcome: outcome, Duration: e.now().Sub(start)})
		endSpan(span, err)
	}()

	_, draft, err = aipipeline.Run(ctx, e.ai, item.PrimaryPhoto(),
		item.ContentString(model.ContentCategory),
		item.ContentString(model.ContentCondition),
	)
	return draft, err
}

// failAI records the AI failure on the item with a version-guarded status
// write. The stage does not move and no audit row is written.
func (e *Engine) failAI(ctx context.Context, p plan, cause error) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	if _, err := e.store.SetStatus(wctx, p.item.ID, p.item.Version, model.StatusError, failureClass(cause)); err != nil {
		e.logger.Warn("recording AI failure status failed",
			zap.String("item_id", p.item.ID),
			zap.Error(err),
		)
	}
	e.logger.Warn("AI processing failed",
		zap.String("item_id", p.item.ID),
		zap.String("user_id", p.user.ID),
		zap.Error(cause),
	)
	return model.NewAIProcessingFailedError(cause).
		WithTransition(p.item.ID, p.item.Stage, model.StageAIProcessing, p.user.Role).
		With("reason", failureClass(cause))
}

// failureClass reduces an adapter error to its failure class. Gateway
// addresses and response bodies stay in the logs.
func failureClass(err error) string {
	if errors.Is(err, aipipeline.ErrAITimeout) {
		return aipipeline.ErrAITimeout.Error()
	}
	return aipipeline.ErrAIUnavailable.Error()
}

// Reject moves an item to REJECTED and pauses it. reason is mandatory.
func (e *Engine) Reject(ctx context.Context, userID, itemID, reason string) (item model.Item, err error) {
	ev := &TransitionEvent{ItemID: itemID, UserID: userID, To: model.StageRejected, Action: transition.ActionReject}
	ctx, span := e.startSpan(ctx, "workflow.Reject", itemID, userID)
	start := e.now()
	defer func() { e.finishOp(ctx, span, ev, start, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.Item{}, model.NewFieldValidationError("reason", "required", "a reason is required to reject an item")
	}

	p, err := e.planReversal(ctx, userID, itemID, model.StageRejected, ev)
	if err != nil {
		return model.Item{}, err
	}

	next := p.item.Clone()
	next.Stage = model.StageRejected
	next.Status = model.StatusPaused
	return e.commit(ctx, p, next, reason, nil, "")
}

// SendBack returns an item to an earlier stage along a reversal edge.
// reason is mandatory.
func (e *Engine) SendBack(ctx context.Context, userID, itemID string, target model.Stage, reason string) (item model.Item, err error) {
	ev := &TransitionEvent{ItemID: itemID, UserID: userID, To: target, Action: transition.ActionSendBack}
	ctx, span := e.startSpan(ctx, "workflow.SendBack", itemID, userID)
	start := e.now()
	defer func() { e.finishOp(ctx, span, ev, start, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.Item{}, model.NewFieldValidationError("reason", "required", "a reason is required to send an item back")
	}
	if !target.Valid() {
		return model.Item{}, model.NewFieldValidationError("target_stage", "invalid", fmt.Sprintf("unknown stage %q", target))
	}
	if target == model.StageRejected {
		return model.Item{}, model.NewInvalidStateError("use reject to move an item to REJECTED").
			With(model.CtxItemID, itemID)
	}

	p, err := e.planReversal(ctx, userID, itemID, target, ev)
	if err != nil {
		return model.Item{}, err
	}

	next := p.item.Clone()
	next.Stage = target
	next.Status = model.StatusActive
	return e.commit(ctx, p, next, reason, nil, "")
}

// planReversal validates a reject or send-back edge. Edges absent from the
// table are INVALID_STATE; edges the role may not take are UNAUTHORIZED.
func (e *Engine) planReversal(ctx context.Context, userID, itemID string, target model.Stage, ev *TransitionEvent) (plan, error) {
	user, err := e.resolveUser(ctx, userID)
	if err != nil {
		return plan{}, err
	}
	ev.Role = user.Role

	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return plan{}, err
	}
	ev.From = item.Stage

	legal := transition.IsReversal(item.Stage, target)
	if target == model.StageRejected {
		_, legal = transition.Lookup(item.Stage, target)
	}
	if !legal {
		return plan{}, model.NewInvalidStateError(
			fmt.Sprintf("item %q cannot move from %s to %s", itemID, item.Stage, target),
		).WithTransition(itemID, item.Stage, target, user.Role)
	}

	rule, err := e.authorize(user, item, target)
	if err != nil {
		return plan{}, err
	}
	return plan{user: user, item: item, rule: rule}, nil
}

// authorize is the engine's only route to the transition table's
// permission check.
func (e *Engine) authorize(user model.User, item model.Item, target model.Stage) (model.TransitionRule, error) {
	if !transition.IsAuthorized(user.Role, item.Stage, target) {
		return model.TransitionRule{}, model.NewUnauthorizedError(
			fmt.Sprintf("role %s may not move item from %s to %s", user.Role, item.Stage, target),
		).WithTransition(item.ID, item.Stage, target, user.Role)
	}
	rule, _ := transition.Lookup(item.Stage, target)
	return rule, nil
}

// commit persists next and its audit row as one unit, guarded on the
// version read when the plan was made.
func (e *Engine) commit(ctx context.Context, p plan, next model.Item, notes string, changes map[string]any, token string) (model.Item, error) {
	action := model.WorkflowAction{
		ID:             e.newID(),
		ItemID:         p.item.ID,
		UserID:         p.user.ID,
		FromStage:      p.item.Stage,
		ToStage:        next.Stage,
		Action:         p.rule.Action,
		Notes:          notes,
		Changes:        changes,
		IdempotencyKey: token,
		Timestamp:      e.now(),
	}
	next.Version = p.item.Version

	stored, err := e.store.CommitTransition(ctx, next, action)
	if err != nil {
		var env *model.ErrorEnvelope
		if errors.As(err, &env) {
			if env.Code == model.ErrConflict {
				e.logger.Warn("concurrent modification",
					zap.String("item_id", p.item.ID),
					zap.String("user_id", p.user.ID),
					zap.String("from_stage", string(p.item.Stage)),
					zap.String("to_stage", string(next.Stage)),
				)
			}
			return model.Item{}, env.WithTransition(p.item.ID, p.item.Stage, next.Stage, p.user.Role)
		}
		e.logger.Error("commit transition failed",
			zap.String("item_id", p.item.ID),
			zap.Error(err),
		)
		return model.Item{}, fmt.Errorf("commit transition: %w", err)
	}

	e.logger.Info("item transitioned",
		zap.String("item_id", stored.ID),
		zap.String("user_id", p.user.ID),
		zap.String("action", action.Action),
		zap.String("from_stage", string(action.FromStage)),
		zap.String("to_stage", string(action.ToStage)),
		zap.Int("version", stored.Version),
	)
	return stored, nil
}

// AdvanceAsync authorizes an advance synchronously and, when it enters AI
// processing, queues the AI run and commit on the dispatcher. Other edges
// complete before AdvanceAsync returns. The returned ticket yields the final
// item or error.
func (e *Engine) AdvanceAsync(ctx context.Context, userID, itemID string, in AdvanceInput) (ticket *aipipeline.Ticket, err error) {
	ev := &TransitionEvent{ItemID: itemID, UserID: userID}
	ctx, span := e.startSpan(ctx, "workflow.AdvanceAsync", itemID, userID)
	start := e.now()
	// Advance reports every transition it runs, inline or on a worker.
	// Only failures before handing off are reported here.
	handedOff := false
	defer func() {
		if handedOff || err == nil {
			endSpan(span, err)
			return
		}
		e.finishOp(ctx, span, ev, start, err)
	}()

	user, err := e.resolveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ev.Role = user.Role
	p, err := e.planAdvance(ctx, user, itemID, ev)
	if err != nil {
		return nil, err
	}

	if p.rule.To != model.StageAIProcessing || e.dispatcher == nil {
		handedOff = true
		item, err := e.Advance(ctx, userID, itemID, in)
		if err != nil {
			return nil, err
		}
		return aipipeline.Resolved(itemID, item, nil), nil
	}

	parent := span.SpanContext()
	ticket, err = e.dispatcher.Submit(itemID, func(jobCtx context.Context) (model.Item, error) {
		return e.Advance(trace.ContextWithSpanContext(jobCtx, parent), userID, itemID, in)
	})
	if err != nil {
		e.logger.Warn("AI processing not queued",
			zap.String("item_id", itemID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return nil, model.NewAIProcessingFailedError(err).
			WithTransition(itemID, p.item.Stage, model.StageAIProcessing, user.Role)
	}
	e.logger.Info("AI processing queued",
		zap.String("item_id", itemID),
		zap.String("user_id", userID),
		zap.String("ticket_id", ticket.ID),
	)
	return ticket, nil
}

// NextItem returns the oldest ACTIVE item in the caller's queue, or nil when
// the queue is empty. It reserves nothing.
func (e *Engine) NextItem(ctx context.Context, userID, excludeItemID string) (*model.Item, error) {
	ctx, span := e.startSpan(ctx, "workflow.NextItem", "", userID)
	user, err := e.resolveUser(ctx, userID)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	stages := transition.EligibleStages(user.Role)
	var item *model.Item
	if len(stages) > 0 {
		item, err = e.store.FindOldest(ctx, QueueQuery{Stages: stages, ExcludeID: excludeItemID})
	}
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	e.notifyQueuePull(ctx, QueueEvent{UserID: userID, Role: user.Role, Found: item != nil})
	return item, nil
}

// ListByStage returns the items in stage, oldest first. Photographers only
// see items they created.
func (e *Engine) ListByStage(ctx context.Context, stage model.Stage, userID string) ([]model.Item, error) {
	if !stage.Valid() {
		return nil, model.NewFieldValidationError("stage", "invalid", fmt.Sprintf("unknown stage %q", stage))
	}
	user, err := e.resolveUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	owner := ""
	if user.Role == model.RolePhotographer {
		owner = user.ID
	}
	return e.store.ListByStage(ctx, stage, owner)
}

// GetItem returns one item.
func (e *Engine) GetItem(ctx context.Context, itemID string) (model.Item, error) {
	return e.store.GetItem(ctx, itemID)
}

// History returns an item's audit trail, oldest first.
func (e *Engine) History(ctx context.Context, itemID string) ([]model.WorkflowAction, error) {
	if _, err := e.store.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	return e.store.ListActions(ctx, ActionFilter{ItemID: itemID})
}

// Actions returns audit rows recorded in [from, to). Either bound may be
// zero.
func (e *Engine) Actions(ctx context.Context, from, to time.Time) ([]model.WorkflowAction, error) {
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return nil, model.NewFieldValidationError("from", "range", "from must be before to")
	}
	return e.store.ListActions(ctx, ActionFilter{From: from, To: to})
}

func (e *Engine) resolveUser(ctx context.Context, userID string) (model.User, error) {
	if strings.TrimSpace(userID) == "" {
		return model.User{}, model.NewUnauthenticatedError("caller identity is required")
	}
	u, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return model.User{}, err
	}
	return u, nil
}

func (e *Engine) startSpan(ctx context.Context, name, itemID, userID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attrUserID.String(userID)}
	if itemID != "" {
		attrs = append(attrs, attrItemID.String(itemID))
	}
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (e *Engine) finishOp(ctx context.Context, span trace.Span, ev *TransitionEvent, start time.Time, err error) {
	ev.Outcome = outcomeOf(err)
	ev.Duration = e.now().Sub(start)
	span.SetAttributes(
		attrRole.String(string(ev.Role)),
		attrFrom.String(string(ev.From)),
		attrTo.String(string(ev.To)),
	)
	endSpan(span, err)
	e.notifyTransition(ctx, *ev)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
