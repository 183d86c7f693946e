package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/pitabwire/listflow/model"
)

// MemoryStore is an in-memory Store for tests, the CLI's scratch mode and
// single-instance deployments that accept losing state on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[string]model.Item
	actions []model.WorkflowAction
	users   map[string]model.User
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]model.Item),
		users: make(map[string]model.User),
	}
}

// CreateItem persists a new item.
func (s *MemoryStore) CreateItem(_ context.Context, item model.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("item %q already exists", item.ID))
	}
	s.items[item.ID] = item.Clone()
	return nil
}

// GetItem retrieves an item by ID.
func (s *MemoryStore) GetItem(_ context.Context, itemID string) (model.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[itemID]
	if !ok {
		return model.Item{}, itemNotFound(itemID)
	}
	return item.Clone(), nil
}

// FindOldest returns the head of the queue described by q.
func (s *MemoryStore) FindOldest(_ context.Context, q QueueQuery) (*model.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.Item
	for _, item := range s.items {
		if item.Status != model.StatusActive || item.ID == q.ExcludeID {
			continue
		}
		if !slices.Contains(q.Stages, item.Stage) {
			continue
		}
		if best == nil || queueLess(item, *best) {
			c := item
			best = &c
		}
	}
	if best == nil {
		return nil, nil
	}
	out := best.Clone()
	return &out, nil
}

// ListByStage returns items in stage, oldest first.
func (s *MemoryStore) ListByStage(_ context.Context, stage model.Stage, createdBy string) ([]model.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Item{}
	for _, item := range s.items {
		if item.Stage != stage {
			continue
		}
		if createdBy != "" && item.CreatedBy != createdBy {
			continue
		}
		result = append(result, item.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return queueLess(result[i], result[j]) })
	return result, nil
}

// SetStatus updates status and last_error under the version guard.
func (s *MemoryStore) SetStatus(_ context.Context, itemID string, expectedVersion int, status model.Status, lastError string) (model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.guard(itemID, expectedVersion)
	if err != nil {
		return model.Item{}, err
	}
	item.Status = status
	item.LastError = lastError
	item.Version++
	s.items[itemID] = item
	return item.Clone(), nil
}

// CommitTransition writes the item and appends the action while holding the
// store lock, so readers never observe one without the other.
func (s *MemoryStore) CommitTransition(_ context.Context, next model.Item, action model.WorkflowAction) (model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.guard(next.ID, next.Version)
	if err != nil {
		return model.Item{}, err
	}
	if action.IdempotencyKey != "" {
		for _, a := range s.actions {
			if a.ItemID == action.ItemID && a.IdempotencyKey == action.IdempotencyKey {
				return model.Item{}, duplicateKey(action.ItemID, action.IdempotencyKey)
			}
		}
	}

	stored := next.Clone()
	stored.CreatedAt = current.CreatedAt
	stored.CreatedBy = current.CreatedBy
	stored.UpdatedAt = action.Timestamp
	stored.Version = current.Version + 1
	s.items[next.ID] = stored
	action.Changes = maps.Clone(action.Changes)
	s.actions = append(s.actions, action)
	return stored.Clone(), nil
}

// ListActions returns matching audit rows, oldest first.
func (s *MemoryStore) ListActions(_ context.Context, f ActionFilter) ([]model.WorkflowAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.WorkflowAction{}
	for _, a := range s.actions {
		if f.Matches(a) {
			a.Changes = maps.Clone(a.Changes)
			result = append(result, a)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	if f.Limit > 0 && f.Limit < len(result) {
		result = result[:f.Limit]
	}
	return result, nil
}

// GetUser resolves a user stored with PutUser.
func (s *MemoryStore) GetUser(_ context.Context, userID string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return model.User{}, userNotFound(userID)
	}
	return u, nil
}

// PutUser inserts or replaces a user.
func (s *MemoryStore) PutUser(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of items. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// guard returns the stored item if its version matches. Lock held.
func (s *MemoryStore) guard(itemID string, expectedVersion int) (model.Item, error) {
	item, ok := s.items[itemID]
	if !ok {
		return model.Item{}, itemNotFound(itemID)
	}
	if item.Version != expectedVersion {
		return model.Item{}, versionConflict(itemID, expectedVersion)
	}
	return item, nil
}

func queueLess(a, b model.Item) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func itemNotFound(itemID string) error {
	return model.NewNotFoundError(fmt.Sprintf("item %q not found", itemID)).
		With(model.CtxItemID, itemID)
}

func userNotFound(userID string) error {
	return model.NewNotFoundError(fmt.Sprintf("user %q not found", userID)).
		With(model.CtxUserID, userID)
}

func versionConflict(itemID string, expected int) error {
	return model.NewConflictError(
		fmt.Sprintf("item %q was modified concurrently (expected version %d)", itemID, expected),
	).With(model.CtxItemID, itemID)
}
