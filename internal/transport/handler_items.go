package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"github.com/pitabwire/listflow/internal/aipipeline"
	"github.com/pitabwire/listflow/internal/observability"
	"github.com/pitabwire/listflow/internal/workflow"
	"github.com/pitabwire/listflow/model"
)

const (
	maxBodyBytes = 1 << 20
	maxTextLen   = 4000
)

// TicketLookup finds queued AI tickets by id.
type TicketLookup interface {
	Ticket(id string) (*aipipeline.Ticket, bool)
}

// Handlers serves the workflow routes.
type Handlers struct {
	engine  *workflow.Engine
	tickets TicketLookup
	logger  *zap.Logger
}

// NewHandlers creates the workflow handlers. tickets may be nil when no
// dispatcher is configured.
func NewHandlers(engine *workflow.Engine, tickets TicketLookup, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{engine: engine, tickets: tickets, logger: logger}
}

// --- request bodies ---

type advanceRequest struct {
	Notes   string         `json:"notes"`
	Changes map[string]any `json:"changes"`
	Async   bool           `json:"async"`
}

func (m advanceRequest) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Notes, validation.Length(0, maxTextLen)),
	)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (m rejectRequest) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Reason, validation.Required, validation.Length(1, maxTextLen)),
	)
}

type sendBackRequest struct {
	TargetStage string `json:"target_stage"`
	Reason      string `json:"reason"`
}

func (m sendBackRequest) Validate() error {
	errs := validation.Errors{}
	if _, ok := model.ParseStage(m.TargetStage); !ok {
		errs["target_stage"] = validation.NewError("validation_stage_invalid", "target_stage must be a known stage")
	}
	if err := validation.Validate(m.Reason, validation.Required, validation.Length(1, maxTextLen)); err != nil {
		errs["reason"] = err
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// --- responses ---

type ticketResponse struct {
	TicketID string               `json:"ticket_id"`
	ItemID   string               `json:"item_id"`
	Status   string               `json:"status"`
	Item     *model.Item          `json:"item,omitempty"`
	Error    *model.ErrorEnvelope `json:"error,omitempty"`
}

type listResponse[T any] struct {
	Data  []T `json:"data"`
	Count int `json:"count"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Data: items, Count: len(items)}
}

// --- handlers ---

// NextItem serves GET /v1/queue/next. An empty queue is 204.
func (h *Handlers) NextItem(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	item, err := h.engine.NextItem(r.Context(), rctx.UserID, r.URL.Query().Get("exclude"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if item == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	WriteJSON(w, http.StatusOK, item)
}

// ListByStage serves GET /v1/stages/{stage}/items.
func (h *Handlers) ListByStage(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	stage, _ := model.ParseStage(chi.URLParam(r, "stage"))
	items, err := h.engine.ListByStage(r.Context(), stage, rctx.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, newList(items))
}

// GetItem serves GET /v1/items/{itemId}.
func (h *Handlers) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.engine.GetItem(r.Context(), chi.URLParam(r, "itemId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, item)
}

// Advance serves POST /v1/items/{itemId}/advance. With async set, an advance
// into AI processing answers 202 with a ticket to poll.
func (h *Handlers) Advance(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	itemID := chi.URLParam(r, "itemId")

	var body advanceRequest
	if err := decodeBody(r, &body, true); err != nil {
		h.fail(w, r, err)
		return
	}
	h.debugBody(r, "advance request", map[string]any{"notes": body.Notes, "changes": body.Changes})

	in := workflow.AdvanceInput{
		Notes:          body.Notes,
		Changes:        body.Changes,
		IdempotencyKey: rctx.IdempotencyKey,
	}

	if !body.Async {
		item, err := h.engine.Advance(r.Context(), rctx.UserID, itemID, in)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, item)
		return
	}

	ticket, err := h.engine.AdvanceAsync(r.Context(), rctx.UserID, itemID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ticket.Finished() {
		item, err := ticket.Result()
		if err != nil {
			h.fail(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, item)
		return
	}
	w.Header().Set("Location", "/v1/tickets/"+ticket.ID)
	WriteJSON(w, http.StatusAccepted, ticketResponse{TicketID: ticket.ID, ItemID: itemID, Status: "pending"})
}

// Reject serves POST /v1/items/{itemId}/reject.
func (h *Handlers) Reject(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())

	var body rejectRequest
	if err := decodeBody(r, &body, false); err != nil {
		h.fail(w, r, err)
		return
	}

	item, err := h.engine.Reject(r.Context(), rctx.UserID, chi.URLParam(r, "itemId"), body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, item)
}

// SendBack serves POST /v1/items/{itemId}/send-back.
func (h *Handlers) SendBack(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())

	var body sendBackRequest
	if err := decodeBody(r, &body, false); err != nil {
		h.fail(w, r, err)
		return
	}

	target, _ := model.ParseStage(body.TargetStage)
	item, err := h.engine.SendBack(r.Context(), rctx.UserID, chi.URLParam(r, "itemId"), target, body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, item)
}

// History serves GET /v1/items/{itemId}/history.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	actions, err := h.engine.History(r.Context(), chi.URLParam(r, "itemId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, newList(actions))
}

// Actions serves GET /v1/actions?from=&to= with RFC 3339 bounds.
func (h *Handlers) Actions(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	actions, err := h.engine.Actions(r.Context(), from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, newList(actions))
}

// Ticket serves GET /v1/tickets/{ticketId}. A pending ticket answers 202.
func (h *Handlers) Ticket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ticketId")
	if h.tickets == nil {
		h.fail(w, r, model.NewNotFoundError("ticket not found"))
		return
	}
	ticket, ok := h.tickets.Ticket(id)
	if !ok {
		h.fail(w, r, model.NewNotFoundError("ticket not found").With("ticket_id", id))
		return
	}

	resp := ticketResponse{TicketID: ticket.ID, ItemID: ticket.ItemID, Status: "pending"}
	if !ticket.Finished() {
		WriteJSON(w, http.StatusAccepted, resp)
		return
	}
	item, err := ticket.Result()
	if err != nil {
		resp.Status = "failed"
		resp.Error = envelopeOf(err)
	} else {
		resp.Status = "done"
		resp.Item = &item
	}
	WriteJSON(w, http.StatusOK, resp)
}

// fail renders err and logs it at a level matching its status.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFrom(r.Context(), h.logger)
	status := StatusFor(err)
	if status >= 500 {
		logger.Error("request failed", zap.String("code", model.CodeOf(err)), zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.String("code", model.CodeOf(err)), zap.Error(err))
	}
	WriteErrorWithTrace(w, err, observability.TraceIDFromContext(r.Context()))
}

func (h *Handlers) debugBody(r *http.Request, msg string, body map[string]any) {
	logger := observability.LoggerFrom(r.Context(), h.logger)
	if ce := logger.Check(zap.DebugLevel, msg); ce != nil {
		ce.Write(zap.Any("body", observability.RedactBody(body, nil)))
	}
}

// --- helpers ---

// decodeBody reads a JSON body into v and validates it. An empty body is
// accepted when allowEmpty is set.
func decodeBody(r *http.Request, v validation.Validatable, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return model.NewBadRequestError("invalid JSON body")
		}
	}
	if err := v.Validate(); err != nil {
		return validationEnvelope(err)
	}
	return nil
}

// validationEnvelope turns ozzo validation errors into field details.
func validationEnvelope(err error) error {
	var errs validation.Errors
	if !errors.As(err, &errs) {
		return model.NewBadRequestError(err.Error())
	}

	fields := make([]string, 0, len(errs))
	for field := range errs {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	details := make([]model.FieldError, 0, len(fields))
	for _, field := range fields {
		fe := model.FieldError{Field: field, Code: "invalid", Message: errs[field].Error()}
		var ve validation.Error
		if errors.As(errs[field], &ve) {
			fe.Code = ve.Code()
		}
		details = append(details, fe)
	}
	return model.NewValidationError(details)
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, model.NewFieldValidationError(key, "format", key+" must be an RFC 3339 timestamp")
	}
	return t, nil
}
