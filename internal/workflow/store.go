package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/listflow/model"
)

// Store persists items, their audit trail and the users that act on them.
// Every write that touches an item is conditional on the version the caller
// read; a mismatch yields a CONFLICT envelope and changes nothing.
type Store interface {
	// CreateItem persists a new item. Version should be 1.
	CreateItem(ctx context.Context, item model.Item) error

	// GetItem retrieves an item by ID. Returns NOT_FOUND when absent.
	GetItem(ctx context.Context, itemID string) (model.Item, error)

	// FindOldest returns the ACTIVE item in any of q.Stages with the smallest
	// (created_at, id), skipping q.ExcludeID. It returns nil, nil when the
	// queue is empty.
	FindOldest(ctx context.Context, q QueueQuery) (*model.Item, error)

	// ListByStage returns every item in stage ordered oldest first. A
	// non-empty createdBy restricts the result to that owner.
	ListByStage(ctx context.Context, stage model.Stage, createdBy string) ([]model.Item, error)

	// SetStatus changes status and last_error without moving the item and
	// without an audit row. It is guarded on expectedVersion.
	SetStatus(ctx context.Context, itemID string, expectedVersion int, status model.Status, lastError string) (model.Item, error)

	// CommitTransition writes item (stage, status, content, last_error) and
	// appends action as one atomic unit. item.Version is the version the
	// caller read; the stored version becomes item.Version+1. An action whose
	// non-empty IdempotencyKey is already recorded for the item is rejected
	// with CONFLICT.
	CommitTransition(ctx context.Context, item model.Item, action model.WorkflowAction) (model.Item, error)

	// ListActions returns audit rows matching f, oldest first.
	ListActions(ctx context.Context, f ActionFilter) ([]model.WorkflowAction, error)

	// GetUser and PutUser back the store-resident user directory.
	GetUser(ctx context.Context, userID string) (model.User, error)
	PutUser(ctx context.Context, user model.User) error

	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error
}

// QueueQuery selects the next unit of work.
type QueueQuery struct {
	Stages    []model.Stage
	ExcludeID string
}

// ActionFilter narrows ListActions. Zero fields are ignored; From is
// inclusive and To exclusive.
type ActionFilter struct {
	ItemID         string
	IdempotencyKey string
	From           time.Time
	To             time.Time
	Limit          int
}

// Matches reports whether a passes the filter.
func (f ActionFilter) Matches(a model.WorkflowAction) bool {
	if f.ItemID != "" && a.ItemID != f.ItemID {
		return false
	}
	if f.IdempotencyKey != "" && a.IdempotencyKey != f.IdempotencyKey {
		return false
	}
	if !f.From.IsZero() && a.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !a.Timestamp.Before(f.To) {
		return false
	}
	return true
}

func duplicateKey(itemID, key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already recorded for item %q", key, itemID),
	).With(model.CtxItemID, itemID)
}

func stageStrings(stages []model.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}
