package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "item not found"}
	want := "NOT_FOUND: item not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewNotFoundError(t *testing.T) {
	e := NewNotFoundError("resource missing")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != "resource missing" {
		t.Errorf("Message = %q, want %q", e.Message, "resource missing")
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "reason", Code: "REQUIRED", Message: "reason is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "reason" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "reason")
	}
}

func TestErrorEnvelope_WithTransition(t *testing.T) {
	e := NewUnauthorizedError("nope").WithTransition("item-1", StagePricing, StageFinalReview, RoleProcessor)

	want := map[string]string{
		CtxItemID:    "item-1",
		CtxFromStage: "PRICING",
		CtxToStage:   "FINAL_REVIEW",
		CtxRole:      "PROCESSOR",
	}
	for k, v := range want {
		if e.Context[k] != v {
			t.Errorf("Context[%s] = %q, want %q", k, e.Context[k], v)
		}
	}
}

func TestErrorEnvelope_WithSkipsEmpty(t *testing.T) {
	e := NewConflictError("x").With(CtxItemID, "")
	if e.Context != nil {
		t.Errorf("Context = %v, want nil", e.Context)
	}
}

func TestCodeOf_wrapped(t *testing.T) {
	err := fmt.Errorf("commit: %w", NewConflictError("version moved"))
	if got := CodeOf(err); got != ErrConflict {
		t.Errorf("CodeOf() = %q, want %q", got, ErrConflict)
	}
	if !IsCode(err, ErrConflict) {
		t.Error("IsCode(CONFLICT) = false")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf(plain) should be empty")
	}
	if IsCode(nil, ErrConflict) {
		t.Error("IsCode(nil) = true")
	}
}

func TestNewAIProcessingFailedError_unwraps(t *testing.T) {
	cause := errors.New("gateway down")
	e := NewAIProcessingFailedError(cause)
	if e.Code != ErrAIProcessingFailed {
		t.Errorf("Code = %q", e.Code)
	}
	if !errors.Is(e, cause) {
		t.Error("errors.Is(envelope, cause) = false")
	}
}
