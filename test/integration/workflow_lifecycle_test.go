package integration

import (
	"net/http"
	"sync"
	"testing"

	"github.com/pitabwire/listflow/model"
)

type itemList struct {
	Data  []model.Item `json:"data"`
	Count int          `json:"count"`
}

func TestWorkflow_FullPublishLifecycle(t *testing.T) {
	h := NewTestHarness(t)
	item := h.SeedItem(UserPhotographer, "s3://photos/boots.jpg")

	// PHOTO_UPLOAD -> REVIEW_EDIT through the AI sub-pipeline.
	got := h.MustAdvance(t, item.ID, UserPhotographer, map[string]any{"notes": "front and sole"})
	if got.Stage != model.StageReviewEdit || got.Status != model.StatusActive {
		t.Fatalf("after photos: %s/%s", got.Stage, got.Status)
	}
	if got.ContentString(model.ContentTitle) != "Acme leather boots" {
		t.Errorf("title = %q", got.ContentString(model.ContentTitle))
	}

	got = h.MustAdvance(t, item.ID, UserProcessor, map[string]any{
		"changes": map[string]any{"title": "Acme boots, size 42"},
	})
	if got.Stage != model.StagePricing {
		t.Fatalf("after review: %s", got.Stage)
	}
	if got.ContentString(model.ContentTitle) != "Acme boots, size 42" {
		t.Errorf("edited title = %q", got.ContentString(model.ContentTitle))
	}

	got = h.MustAdvance(t, item.ID, UserPricer, map[string]any{"changes": map[string]any{"price": 39.5}})
	if got.Stage != model.StageFinalReview {
		t.Fatalf("after pricing: %s", got.Stage)
	}

	got = h.MustAdvance(t, item.ID, UserPublisher, nil)
	if got.Stage != model.StagePublished {
		t.Fatalf("after final review: %s", got.Stage)
	}

	history := h.History(t, item.ID)
	wantActions := []string{"submit_photos", "approve_review", "set_price", "publish"}
	if len(history) != len(wantActions) {
		t.Fatalf("history has %d rows, want %d:\n%s", len(history), len(wantActions), FormatJSON(history))
	}
	for i, a := range history {
		if a.Action != wantActions[i] {
			t.Errorf("history[%d].Action = %q, want %q", i, a.Action, wantActions[i])
		}
	}
	if history[0].Notes != "front and sole" || history[0].UserID != UserPhotographer {
		t.Errorf("first row = %+v", history[0])
	}

	// PUBLISHED is terminal.
	h.AssertError(t, h.Advance(item.ID, UserAdmin, nil), http.StatusConflict, model.ErrInvalidState)
}

func TestWorkflow_RejectionPath(t *testing.T) {
	h := NewTestHarness(t)
	item := h.SeedItemAt(UserPhotographer, model.StageReviewEdit, "s3://photos/a.jpg")

	h.AssertError(t,
		h.POST("/v1/items/"+item.ID+"/reject", map[string]any{"reason": ""}, h.Token(UserProcessor)),
		http.StatusUnprocessableEntity, model.ErrValidationError)

	var got model.Item
	h.AssertJSON(t,
		h.POST("/v1/items/"+item.ID+"/reject", map[string]any{"reason": "counterfeit logo"}, h.Token(UserProcessor)),
		http.StatusOK, &got)
	if got.Stage != model.StageRejected || got.Status != model.StatusPaused {
		t.Fatalf("rejected item = %s/%s", got.Stage, got.Status)
	}

	history := h.History(t, item.ID)
	if len(history) != 1 || history[0].Action != "reject" || history[0].Notes != "counterfeit logo" {
		t.Fatalf("history = %s", FormatJSON(history))
	}
}

func TestWorkflow_SendBackFromFinalReview(t *testing.T) {
	h := NewTestHarness(t)
	item := h.SeedItemAt(UserPhotographer, model.StageFinalReview, "s3://photos/a.jpg")

	var got model.Item
	h.AssertJSON(t,
		h.POST("/v1/items/"+item.ID+"/send-back",
			map[string]any{"target_stage": "pricing", "reason": "price too low"},
			h.Token(UserPublisher)),
		http.StatusOK, &got)
	if got.Stage != model.StagePricing || got.Status != model.StatusActive {
		t.Fatalf("sent back item = %s/%s", got.Stage, got.Status)
	}

	// Forward targets are not reversal edges.
	h.AssertError(t,
		h.POST("/v1/items/"+item.ID+"/send-back",
			map[string]any{"target_stage": "PUBLISHED", "reason": "skip"},
			h.Token(UserManager)),
		http.StatusConflict, model.ErrInvalidState)
}

func TestWorkflow_RoleGating(t *testing.T) {
	h := NewTestHarness(t)
	item := h.SeedItemAt(UserPhotographer, model.StageReviewEdit)

	env := h.AssertError(t, h.Advance(item.ID, UserPricer, nil), http.StatusForbidden, model.ErrUnauthorized)
	if env.Context[model.CtxFromStage] != string(model.StageReviewEdit) || env.Context[model.CtxRole] != string(model.RolePricer) {
		t.Errorf("error context = %v", env.Context)
	}

	if len(h.History(t, item.ID)) != 0 {
		t.Error("failed transition wrote an audit row")
	}
	if stored := h.StoredItem(t, item.ID); stored.Version != item.Version {
		t.Errorf("version moved to %d", stored.Version)
	}

	// MANAGER may take any edge.
	if got := h.MustAdvance(t, item.ID, UserManager, nil); got.Stage != model.StagePricing {
		t.Errorf("manager advance stage = %s", got.Stage)
	}
}

func TestWorkflow_ItemNotFound(t *testing.T) {
	h := NewTestHarness(t)
	h.AssertError(t, h.Advance("missing", UserManager, nil), http.StatusNotFound, model.ErrNotFound)
	h.AssertError(t, h.GET("/v1/items/missing", h.Token(UserManager)), http.StatusNotFound, model.ErrNotFound)
	h.AssertError(t, h.GET("/v1/items/missing/history", h.Token(UserManager)), http.StatusNotFound, model.ErrNotFound)
}

func TestWorkflow_QueueFIFOAndExclude(t *testing.T) {
	h := NewTestHarness(t)
	first := h.SeedItemAt(UserPhotographer, model.StagePricing)
	second := h.SeedItemAt(UserPhotographer2, model.StagePricing)
	token := h.Token(UserPricer)

	var got model.Item
	h.AssertJSON(t, h.GET("/v1/queue/next", token), http.StatusOK, &got)
	if got.ID != first.ID {
		t.Fatalf("next = %s, want oldest %s", got.ID, first.ID)
	}

	h.AssertJSON(t, h.GET("/v1/queue/next?exclude="+first.ID, token), http.StatusOK, &got)
	if got.ID != second.ID {
		t.Fatalf("next with exclude = %s, want %s", got.ID, second.ID)
	}

	h.AssertStatus(t, h.GET("/v1/queue/next", h.Token(UserPublisher)), http.StatusNoContent)
}

func TestWorkflow_PhotographerSeesOwnItems(t *testing.T) {
	h := NewTestHarness(t)
	mine := h.SeedItem(UserPhotographer)
	h.SeedItem(UserPhotographer2)

	var list itemList
	h.AssertJSON(t, h.GET("/v1/stages/photo-upload/items", h.Token(UserPhotographer)), http.StatusOK, &list)
	if list.Count != 1 || list.Data[0].ID != mine.ID {
		t.Fatalf("photographer list = %s", FormatJSON(list))
	}

	h.AssertJSON(t, h.GET("/v1/stages/PHOTO_UPLOAD/items", h.Token(UserManager)), http.StatusOK, &list)
	if list.Count != 2 {
		t.Fatalf("manager list count = %d, want 2", list.Count)
	}
}

func TestWorkflow_ConcurrentAdvance(t *testing.T) {
	h := NewTestHarness(t)
	item := h.SeedItemAt(UserPhotographer, model.StageReviewEdit)

	statuses := make([]int, 2)
	var wg sync.WaitGroup
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := h.Advance(item.ID, UserProcessor, nil)
			statuses[i] = resp.StatusCode
			resp.Body.Close()
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, s := range statuses {
		switch s {
		case http.StatusOK:
			ok++
		case http.StatusConflict, http.StatusForbidden:
			// The loser either lost the version race or found the item
			// already in PRICING, where a processor has no edge.
		default:
			t.Errorf("unexpected status %d", s)
		}
	}
	if ok != 1 {
		t.Fatalf("statuses = %v, want exactly one success", statuses)
	}
	if n := len(h.History(t, item.ID)); n != 1 {
		t.Fatalf("history has %d rows, want 1", n)
	}
}

func TestWorkflow_IdempotentAdvance(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())
	item := h.SeedItemAt(UserPhotographer, model.StageReviewEdit)
	headers := map[string]string{"X-Idempotency-Key": "retry-7"}
	token := h.Token(UserProcessor)

	var first, second model.Item
	h.AssertJSON(t, h.POSTWithHeaders("/v1/items/"+item.ID+"/advance", map[string]any{}, token, headers), http.StatusOK, &first)
	h.AssertJSON(t, h.POSTWithHeaders("/v1/items/"+item.ID+"/advance", map[string]any{}, token, headers), http.StatusOK, &second)

	if first.Version != second.Version || second.Stage != model.StagePricing {
		t.Fatalf("replay = %s v%d, first = %s v%d", second.Stage, second.Version, first.Stage, first.Version)
	}
	if n := len(h.History(t, item.ID)); n != 1 {
		t.Fatalf("history has %d rows, want 1", n)
	}

	// Same key, different input.
	h.AssertError(t,
		h.POSTWithHeaders("/v1/items/"+item.ID+"/advance", map[string]any{"notes": "other"}, token, headers),
		http.StatusConflict, model.ErrConflict)
}

func TestWorkflow_ActionsWindow(t *testing.T) {
	h := NewTestHarness(t)
	item := h.SeedItemAt(UserPhotographer, model.StageReviewEdit)
	h.MustAdvance(t, item.ID, UserProcessor, nil)

	var list struct {
		Data  []model.WorkflowAction `json:"data"`
		Count int                    `json:"count"`
	}
	h.AssertJSON(t, h.GET("/v1/actions?from=2000-01-01T00:00:00Z", h.Token(UserAdmin)), http.StatusOK, &list)
	if list.Count != 1 || list.Data[0].ItemID != item.ID {
		t.Fatalf("actions = %s", FormatJSON(list))
	}

	h.AssertError(t, h.GET("/v1/actions?from=yesterday", h.Token(UserAdmin)), http.StatusUnprocessableEntity, model.ErrValidationError)
}
