package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/listflow/model"
)

//go:embed schema_postgres.sql
var pgSchema string

const itemColumns = `id, stage, status, content, photo_refs, created_by,
	last_error, created_at, updated_at, version`

const pgUniqueViolation = "23505"

const actionColumns = `id, item_id, user_id, from_stage, to_stage, action,
	notes, changes, idempotency_key, created_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL store on an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateItem inserts a new item.
func (s *PgStore) CreateItem(ctx context.Context, item model.Item) error {
	content, err := marshalContent(item.Content)
	if err != nil {
		return err
	}
	refs := item.PhotoRefs
	if refs == nil {
		refs = []string{}
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		item.ID, string(item.Stage), string(item.Status), content, refs, item.CreatedBy,
		item.LastError, item.CreatedAt, item.UpdatedAt, item.Version,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("item %q already exists", item.ID))
	}
	return nil
}

// GetItem retrieves an item by ID.
func (s *PgStore) GetItem(ctx context.Context, itemID string) (model.Item, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, itemID)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Item{}, itemNotFound(itemID)
	}
	if err != nil {
		return model.Item{}, fmt.Errorf("query item: %w", err)
	}
	return item, nil
}

// FindOldest returns the head of the queue described by q.
func (s *PgStore) FindOldest(ctx context.Context, q QueueQuery) (*model.Item, error) {
	if len(q.Stages) == 0 {
		return nil, nil
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE stage = ANY($1) AND status = $2 AND id <> $3
		ORDER BY created_at ASC, id ASC
		LIMIT 1`,
		stageStrings(q.Stages), string(model.StatusActive), q.ExcludeID,
	)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query next item: %w", err)
	}
	return &item, nil
}

// ListByStage returns items in stage, oldest first.
func (s *PgStore) ListByStage(ctx context.Context, stage model.Stage, createdBy string) ([]model.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE stage = $1`
	args := []any{string(stage)}
	if createdBy != "" {
		query += ` AND created_by = $2`
		args = append(args, createdBy)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := []model.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetStatus updates status and last_error under the version guard.
func (s *PgStore) SetStatus(ctx context.Context, itemID string, expectedVersion int, status model.Status, lastError string) (model.Item, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE items SET status = $1, last_error = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5
		RETURNING `+itemColumns,
		string(status), lastError, time.Now().UTC(), itemID, expectedVersion,
	)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Item{}, s.missOrConflict(ctx, itemID, expectedVersion)
	}
	if err != nil {
		return model.Item{}, fmt.Errorf("update item status: %w", err)
	}
	return item, nil
}

// CommitTransition updates the item and inserts the audit row in a single
// transaction. A version mismatch rolls back before the insert.
func (s *PgStore) CommitTransition(ctx context.Context, next model.Item, action model.WorkflowAction) (model.Item, error) {
	content, err := marshalContent(next.Content)
	if err != nil {
		return model.Item{}, err
	}
	changes, err := marshalChanges(action.Changes)
	if err != nil {
		return model.Item{}, err
	}

	var stored model.Item
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE items SET
				stage = $1, status = $2, content = $3, last_error = $4,
				version = version + 1, updated_at = $5
			WHERE id = $6 AND version = $7
			RETURNING `+itemColumns,
			string(next.Stage), string(next.Status), content, next.LastError,
			action.Timestamp, next.ID, next.Version,
		)
		var err error
		stored, err = scanItem(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return errVersionMiss
		}
		if err != nil {
			return fmt.Errorf("update item: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_actions (`+actionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			action.ID, action.ItemID, action.UserID, string(action.FromStage), string(action.ToStage),
			action.Action, action.Notes, changes, action.IdempotencyKey, action.Timestamp,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return duplicateKey(action.ItemID, action.IdempotencyKey)
		}
		if err != nil {
			return fmt.Errorf("insert workflow action: %w", err)
		}
		return nil
	})
	if errors.Is(err, errVersionMiss) {
		return model.Item{}, s.missOrConflict(ctx, next.ID, next.Version)
	}
	if err != nil {
		return model.Item{}, err
	}
	return stored, nil
}

// ListActions returns matching audit rows, oldest first.
func (s *PgStore) ListActions(ctx context.Context, f ActionFilter) ([]model.WorkflowAction, error) {
	query := `SELECT ` + actionColumns + ` FROM workflow_actions WHERE TRUE`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}
	if f.ItemID != "" {
		add("item_id = $%d", f.ItemID)
	}
	if f.IdempotencyKey != "" {
		add("idempotency_key = $%d", f.IdempotencyKey)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow actions: %w", err)
	}
	defer rows.Close()

	actions := []model.WorkflowAction{}
	for rows.Next() {
		var (
			a          model.WorkflowAction
			from, to   string
			changesRaw []byte
		)
		if err := rows.Scan(
			&a.ID, &a.ItemID, &a.UserID, &from, &to, &a.Action,
			&a.Notes, &changesRaw, &a.IdempotencyKey, &a.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow action: %w", err)
		}
		a.FromStage, a.ToStage = model.Stage(from), model.Stage(to)
		if len(changesRaw) > 0 {
			if err := json.Unmarshal(changesRaw, &a.Changes); err != nil {
				return nil, fmt.Errorf("unmarshal action changes: %w", err)
			}
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// GetUser resolves a user from the users table.
func (s *PgStore) GetUser(ctx context.Context, userID string) (model.User, error) {
	var (
		u    model.User
		role string
	)
	err := s.pool.QueryRow(ctx, `SELECT id, name, role FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.Name, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, userNotFound(userID)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	u.Role = model.Role(role)
	return u, nil
}

// PutUser inserts or replaces a user.
func (s *PgStore) PutUser(ctx context.Context, u model.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, role) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, role = EXCLUDED.role`,
		u.ID, u.Name, string(u.Role),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// missOrConflict tells a missing item apart from a stale version after a
// guarded write matched no row.
func (s *PgStore) missOrConflict(ctx context.Context, itemID string, expectedVersion int) error {
	if _, err := s.GetItem(ctx, itemID); err != nil {
		return err
	}
	return versionConflict(itemID, expectedVersion)
}

// errVersionMiss aborts a transaction whose guarded update matched no row.
var errVersionMiss = errors.New("version guard matched no row")

func scanItem(row pgx.Row) (model.Item, error) {
	var (
		item          model.Item
		stage, status string
		content       []byte
	)
	if err := row.Scan(
		&item.ID, &stage, &status, &content, &item.PhotoRefs, &item.CreatedBy,
		&item.LastError, &item.CreatedAt, &item.UpdatedAt, &item.Version,
	); err != nil {
		return model.Item{}, err
	}
	item.Stage, item.Status = model.Stage(stage), model.Status(status)
	if err := unmarshalContent(content, &item); err != nil {
		return model.Item{}, err
	}
	return item, nil
}

func marshalContent(content map[string]any) ([]byte, error) {
	if content == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	return data, nil
}

func marshalChanges(changes map[string]any) ([]byte, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("marshal changes: %w", err)
	}
	return data, nil
}

func unmarshalContent(data []byte, item *model.Item) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &item.Content); err != nil {
		return fmt.Errorf("unmarshal content: %w", err)
	}
	return nil
}
