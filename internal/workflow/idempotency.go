package workflow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/listflow/model"
)

// IdempotencyStore remembers the outcome of token-carrying operations so a
// retried request returns the recorded item instead of advancing twice.
type IdempotencyStore interface {
	// Check looks up a previous result. If the key exists with the same
	// input hash it returns the recorded item. If the hash differs it
	// returns a CONFLICT envelope.
	Check(ctx context.Context, key, inputHash string) (item *model.Item, found bool, err error)

	// Store records item under key for ttl.
	Store(ctx context.Context, key, inputHash string, item model.Item, ttl time.Duration) error
}

type idempotencyEntry struct {
	InputHash string     `json:"input_hash"`
	Item      model.Item `json:"item"`
}

func idempotencyConflict(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with different input", key),
	)
}

// idempotencyKey scopes a caller-supplied token to the operation and item.
func idempotencyKey(op, itemID, token string) string {
	return fmt.Sprintf("idem:%s:%s:%s", op, itemID, token)
}

// hashInput produces a deterministic digest of an operation's input.
// encoding/json sorts map keys, so equal maps hash equally.
func hashInput(userID string, v any) string {
	data, _ := json.Marshal(struct {
		UserID string `json:"user_id"`
		Input  any    `json:"input"`
	}{userID, v})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// sameAdvance reports whether a recorded audit row could have been produced
// by in. The AI sub-pipeline adds its own fields to the recorded changes, so
// every caller change must be present but extra keys are allowed. Values are
// compared by their JSON form because SQL stores decode numbers as float64.
func sameAdvance(a model.WorkflowAction, userID string, in AdvanceInput) bool {
	if a.UserID != userID || a.Notes != in.Notes {
		return false
	}
	for k, v := range in.Changes {
		rv, ok := a.Changes[k]
		if !ok {
			return false
		}
		want, _ := json.Marshal(v)
		got, _ := json.Marshal(rv)
		if !bytes.Equal(want, got) {
			return false
		}
	}
	return true
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-process IdempotencyStore with TTL.
// Expired entries are dropped on lookup and by a sweep that Store runs at
// most once per memIdemSweepInterval, so keys that are never retried do not
// accumulate.
type MemoryIdempotencyStore struct {
	mu        sync.Mutex
	entries   map[string]memIdemEntry
	now       func() time.Time
	nextSweep time.Time
}

const memIdemSweepInterval = time.Minute

type memIdemEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]memIdemEntry),
		now:     time.Now,
	}
}

// Check looks up a recorded result.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key, inputHash string) (*model.Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	if entry.data.InputHash != inputHash {
		return nil, true, idempotencyConflict(key)
	}
	item := entry.data.Item.Clone()
	return &item, true, nil
}

// Store records a result with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key, inputHash string, item model.Item, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !now.Before(s.nextSweep) {
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
			}
		}
		s.nextSweep = now.Add(memIdemSweepInterval)
	}
	s.entries[key] = memIdemEntry{
		data:      idempotencyEntry{InputHash: inputHash, Item: item.Clone()},
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Len returns the number of retained entries. Expired entries count until
// the next lookup or sweep removes them.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore keeps results in Redis so every replica of the
// service sees the same tokens.
type RedisIdempotencyStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisIdempotencyStore creates a Redis-backed store. prefix namespaces
// keys when the Redis instance is shared.
func NewRedisIdempotencyStore(client redis.Cmdable, prefix string) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

// Check looks up a recorded result.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key, inputHash string) (*model.Item, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if entry.InputHash != inputHash {
		return nil, true, idempotencyConflict(key)
	}
	return &entry.Item, true, nil
}

// Store records a result with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key, inputHash string, item model.Item, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Item: item})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *RedisIdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
