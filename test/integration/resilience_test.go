package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/listflow/internal/config"
	"github.com/pitabwire/listflow/model"
)

// --- Retry tests ---

func TestResilience_RetryThenSuccess(t *testing.T) {
	h := NewTestHarness(t, WithRetryAttempts(3))
	h.Gateway().On(OpAnalyze).
		RespondWith(http.StatusServiceUnavailable, map[string]any{"error": "warming up"}).
		RespondWith(http.StatusOK, AnalysisFixture("outerwear", "new", "Northwind"))

	item := h.SeedItem(UserPhotographer, "s3://photos/coat.jpg")
	got := h.MustAdvance(t, item.ID, UserPhotographer, nil)

	if got.Stage != model.StageReviewEdit {
		t.Fatalf("stage = %s, want REVIEW_EDIT", got.Stage)
	}
	if got.ContentString(model.ContentCategory) != "outerwear" {
		t.Errorf("category = %q, want outerwear", got.ContentString(model.ContentCategory))
	}
	h.Gateway().AssertCalled(t, OpAnalyze, 2)
	h.Gateway().AssertCalled(t, OpListing, 1)
}

func TestResilience_PermanentFailure(t *testing.T) {
	h := NewTestHarness(t, WithRetryAttempts(2))
	h.Gateway().On(OpAnalyze).RespondWith(http.StatusInternalServerError, map[string]any{"error": "boom"})

	item := h.SeedItem(UserPhotographer, "s3://photos/a.jpg")
	h.AssertError(t, h.Advance(item.ID, UserPhotographer, nil), http.StatusBadGateway, model.ErrAIProcessingFailed)

	stored := h.StoredItem(t, item.ID)
	if stored.Stage != model.StagePhotoUpload {
		t.Errorf("stage = %s, want PHOTO_UPLOAD", stored.Stage)
	}
	if stored.Status != model.StatusError {
		t.Errorf("status = %s, want ERROR", stored.Status)
	}
	if stored.LastError == "" {
		t.Error("last error not recorded")
	}
	if n := len(h.History(t, item.ID)); n != 0 {
		t.Errorf("history has %d rows, want 0", n)
	}
	h.Gateway().AssertCalled(t, OpAnalyze, 2)
	h.Gateway().AssertCalled(t, OpListing, 0)
}

func TestResilience_RetryAfterFailure(t *testing.T) {
	h := NewTestHarness(t, WithRetryAttempts(1))
	h.Gateway().On(OpAnalyze).
		RespondWith(http.StatusBadGateway, map[string]any{"error": "upstream"}).
		RespondWith(http.StatusOK, AnalysisFixture("footwear", "used", "Acme"))

	item := h.SeedItem(UserPhotographer, "s3://photos/a.jpg")
	h.AssertError(t, h.Advance(item.ID, UserPhotographer, nil), http.StatusBadGateway, model.ErrAIProcessingFailed)

	// An ERROR item at PHOTO_UPLOAD can be advanced again once the
	// gateway recovers.
	got := h.MustAdvance(t, item.ID, UserPhotographer, nil)
	if got.Stage != model.StageReviewEdit || got.Status != model.StatusActive || got.LastError != "" {
		t.Fatalf("after retry: %s/%s last_error=%q", got.Stage, got.Status, got.LastError)
	}
}

// --- Circuit breaker tests ---

func TestResilience_CircuitBreakerOpens(t *testing.T) {
	h := NewTestHarness(t,
		WithRetryAttempts(1),
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		}),
	)
	h.Gateway().On(OpAnalyze).RespondWith(http.StatusServiceUnavailable, map[string]any{"error": "down"})

	for i := range 2 {
		item := h.SeedItem(UserPhotographer, "s3://photos/a.jpg")
		resp := h.Advance(item.ID, UserPhotographer, nil)
		h.AssertError(t, resp, http.StatusBadGateway, model.ErrAIProcessingFailed)
		if got := h.Gateway().Calls(OpAnalyze); got != i+1 {
			t.Fatalf("after failure %d gateway calls = %d", i+1, got)
		}
	}

	// The breaker is open: the gateway is not contacted.
	item := h.SeedItem(UserPhotographer, "s3://photos/b.jpg")
	h.AssertError(t, h.Advance(item.ID, UserPhotographer, nil), http.StatusBadGateway, model.ErrAIProcessingFailed)
	h.Gateway().AssertCalled(t, OpAnalyze, 2)

	if stored := h.StoredItem(t, item.ID); stored.Status != model.StatusError {
		t.Errorf("status = %s, want ERROR", stored.Status)
	}

	// Readiness reports the open breaker without taking the service out.
	var ready struct {
		Status string `json:"status"`
	}
	h.AssertJSON(t, h.GET("/ready", ""), http.StatusOK, &ready)
	if ready.Status != "degraded" {
		t.Errorf("ready status = %q, want degraded", ready.Status)
	}
}

// --- Timeout and transport failure tests ---

func TestResilience_SlowGatewayTimesOut(t *testing.T) {
	h := NewTestHarness(t, WithRetryAttempts(1), WithAITimeout(150*time.Millisecond))
	h.Gateway().On(OpAnalyze).RespondWithDelay(2*time.Second, http.StatusOK, AnalysisFixture("footwear", "used", "Acme"))

	item := h.SeedItem(UserPhotographer, "s3://photos/a.jpg")
	start := time.Now()
	h.AssertError(t, h.Advance(item.ID, UserPhotographer, nil), http.StatusBadGateway, model.ErrAIProcessingFailed)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("advance took %v, want it bounded by the AI timeout", elapsed)
	}

	if stored := h.StoredItem(t, item.ID); stored.Stage != model.StagePhotoUpload || stored.Status != model.StatusError {
		t.Errorf("stored = %s/%s", stored.Stage, stored.Status)
	}
}

func TestResilience_ConnectionDropped(t *testing.T) {
	h := NewTestHarness(t, WithRetryAttempts(3))
	h.Gateway().On(OpListing).RespondWithConnectionError()

	item := h.SeedItem(UserPhotographer, "s3://photos/a.jpg")
	h.AssertError(t, h.Advance(item.ID, UserPhotographer, nil), http.StatusBadGateway, model.ErrAIProcessingFailed)

	h.Gateway().AssertCalled(t, OpAnalyze, 1)
	h.Gateway().AssertCalled(t, OpListing, 1)
	if n := len(h.History(t, item.ID)); n != 0 {
		t.Errorf("history has %d rows, want 0", n)
	}
}

func TestResilience_MissingPhoto(t *testing.T) {
	h := NewTestHarness(t)
	item := h.SeedItem(UserPhotographer)

	env := h.AssertError(t, h.Advance(item.ID, UserPhotographer, nil), http.StatusUnprocessableEntity, model.ErrValidationError)
	if len(env.Details) != 1 || env.Details[0].Field != "photo_refs" {
		t.Errorf("details = %+v", env.Details)
	}
	h.Gateway().AssertCalled(t, OpAnalyze, 0)
}

// --- Async dispatch tests ---

func TestResilience_AsyncAdvanceTicket(t *testing.T) {
	h := NewTestHarness(t, WithAsyncWorkers(1))
	h.Gateway().On(OpAnalyze).RespondWithDelay(200*time.Millisecond, http.StatusOK, AnalysisFixture("footwear", "used", "Acme"))

	item := h.SeedItem(UserPhotographer, "s3://photos/a.jpg")
	var accepted struct {
		TicketID string `json:"ticket_id"`
		ItemID   string `json:"item_id"`
		Status   string `json:"status"`
	}
	h.AssertJSON(t, h.Advance(item.ID, UserPhotographer, map[string]any{"async": true}), http.StatusAccepted, &accepted)
	if accepted.TicketID == "" || accepted.ItemID != item.ID || accepted.Status != "pending" {
		t.Fatalf("accepted = %+v", accepted)
	}

	var done struct {
		Status string      `json:"status"`
		Item   *model.Item `json:"item"`
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := h.GET("/v1/tickets/"+accepted.TicketID, h.Token(UserPhotographer))
		if resp.StatusCode == http.StatusOK {
			h.ParseJSON(resp, &done)
			break
		}
		h.AssertStatus(t, resp, http.StatusAccepted)
		if time.Now().After(deadline) {
			t.Fatal("ticket did not finish")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if done.Status != "done" || done.Item == nil || done.Item.Stage != model.StageReviewEdit {
		t.Fatalf("ticket result = %s", FormatJSON(done))
	}
	if n := len(h.History(t, item.ID)); n != 1 {
		t.Errorf("history has %d rows, want 1", n)
	}
}

func TestResilience_AsyncNonAIEdgeCompletesInline(t *testing.T) {
	h := NewTestHarness(t, WithAsyncWorkers(1))
	item := h.SeedItemAt(UserPhotographer, model.StagePricing)

	var got model.Item
	h.AssertJSON(t, h.Advance(item.ID, UserPricer, map[string]any{"async": true}), http.StatusOK, &got)
	if got.Stage != model.StageFinalReview {
		t.Fatalf("stage = %s, want FINAL_REVIEW", got.Stage)
	}
}

func TestResilience_UnknownTicket(t *testing.T) {
	h := NewTestHarness(t, WithAsyncWorkers(1))
	h.AssertError(t, h.GET("/v1/tickets/nope", h.Token(UserManager)), http.StatusNotFound, model.ErrNotFound)
}
