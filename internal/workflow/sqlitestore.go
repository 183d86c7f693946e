package workflow

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/listflow/model"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// sqliteSchemaVersion is bumped whenever schema_sqlite.sql changes shape.
const sqliteSchemaVersion = 2

// ErrSchemaMismatch is returned when an existing SQLite file carries a
// different schema version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// SQLiteStore is an embedded Store on modernc.org/sqlite. Timestamps are
// stored as unix nanoseconds so ordering is exact.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (and if needed initializes) the database at path. Use
// ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if exists == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, sqliteSchema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", sqliteSchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != sqliteSchemaVersion {
		return fmt.Errorf("%w: %s has version %d, expected %d", ErrSchemaMismatch, s.path, version, sqliteSchemaVersion)
	}
	return nil
}

// CreateItem inserts a new item.
func (s *SQLiteStore) CreateItem(ctx context.Context, item model.Item) error {
	content, err := marshalContent(item.Content)
	if err != nil {
		return err
	}
	refs, err := json.Marshal(nonNilStrings(item.PhotoRefs))
	if err != nil {
		return fmt.Errorf("marshal photo refs: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Stage), string(item.Status), string(content), string(refs), item.CreatedBy,
		item.LastError, item.CreatedAt.UnixNano(), item.UpdatedAt.UnixNano(), item.Version,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewConflictError(fmt.Sprintf("item %q already exists", item.ID))
	}
	return nil
}

// GetItem retrieves an item by ID.
func (s *SQLiteStore) GetItem(ctx context.Context, itemID string) (model.Item, error) {
	return getSQLiteItem(ctx, s.db, itemID)
}

// FindOldest returns the head of the queue described by q.
func (s *SQLiteStore) FindOldest(ctx context.Context, q QueueQuery) (*model.Item, error) {
	if len(q.Stages) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(q.Stages)+2)
	for _, st := range q.Stages {
		args = append(args, string(st))
	}
	args = append(args, string(model.StatusActive), q.ExcludeID)

	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE stage IN (`+placeholders(len(q.Stages))+`) AND status = ? AND id <> ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, args...)
	item, err := scanSQLiteItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query next item: %w", err)
	}
	return &item, nil
}

// ListByStage returns items in stage, oldest first.
func (s *SQLiteStore) ListByStage(ctx context.Context, stage model.Stage, createdBy string) ([]model.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE stage = ?`
	args := []any{string(stage)}
	if createdBy != "" {
		query += ` AND created_by = ?`
		args = append(args, createdBy)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := []model.Item{}
	for rows.Next() {
		item, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetStatus updates status and last_error under the version guard.
func (s *SQLiteStore) SetStatus(ctx context.Context, itemID string, expectedVersion int, status model.Status, lastError string) (model.Item, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET status = ?, last_error = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(status), lastError, time.Now().UTC().UnixNano(), itemID, expectedVersion,
	)
	if err != nil {
		return model.Item{}, fmt.Errorf("update item status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Item{}, s.missOrConflict(ctx, itemID, expectedVersion)
	}
	return s.GetItem(ctx, itemID)
}

// CommitTransition updates the item and inserts the audit row in one
// transaction.
func (s *SQLiteStore) CommitTransition(ctx context.Context, next model.Item, action model.WorkflowAction) (model.Item, error) {
	content, err := marshalContent(next.Content)
	if err != nil {
		return model.Item{}, err
	}
	changes, err := marshalChanges(action.Changes)
	if err != nil {
		return model.Item{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Item{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE items SET
			stage = ?, status = ?, content = ?, last_error = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(next.Stage), string(next.Status), string(content), next.LastError,
		action.Timestamp.UnixNano(), next.ID, next.Version,
	)
	if err != nil {
		return model.Item{}, fmt.Errorf("update item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return model.Item{}, s.missOrConflict(ctx, next.ID, next.Version)
	}

	var changesArg any
	if changes != nil {
		changesArg = string(changes)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_actions (`+actionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, action.ItemID, action.UserID, string(action.FromStage), string(action.ToStage),
		action.Action, action.Notes, changesArg, action.IdempotencyKey, action.Timestamp.UnixNano(),
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: workflow_actions.item_id") {
			return model.Item{}, duplicateKey(action.ItemID, action.IdempotencyKey)
		}
		return model.Item{}, fmt.Errorf("insert workflow action: %w", err)
	}

	stored, err := getSQLiteItem(ctx, tx, next.ID)
	if err != nil {
		return model.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Item{}, fmt.Errorf("commit transition: %w", err)
	}
	return stored, nil
}

// ListActions returns matching audit rows, oldest first.
func (s *SQLiteStore) ListActions(ctx context.Context, f ActionFilter) ([]model.WorkflowAction, error) {
	query := `SELECT ` + actionColumns + ` FROM workflow_actions WHERE 1 = 1`
	var args []any
	if f.ItemID != "" {
		query += ` AND item_id = ?`
		args = append(args, f.ItemID)
	}
	if f.IdempotencyKey != "" {
		query += ` AND idempotency_key = ?`
		args = append(args, f.IdempotencyKey)
	}
	if !f.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, f.To.UnixNano())
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow actions: %w", err)
	}
	defer rows.Close()

	actions := []model.WorkflowAction{}
	for rows.Next() {
		var (
			a        model.WorkflowAction
			from, to string
			changes  sql.NullString
			ts       int64
		)
		if err := rows.Scan(
			&a.ID, &a.ItemID, &a.UserID, &from, &to, &a.Action,
			&a.Notes, &changes, &a.IdempotencyKey, &ts,
		); err != nil {
			return nil, fmt.Errorf("scan workflow action: %w", err)
		}
		a.FromStage, a.ToStage = model.Stage(from), model.Stage(to)
		a.Timestamp = time.Unix(0, ts).UTC()
		if changes.Valid && changes.String != "" {
			if err := json.Unmarshal([]byte(changes.String), &a.Changes); err != nil {
				return nil, fmt.Errorf("unmarshal action changes: %w", err)
			}
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// GetUser resolves a user from the users table.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (model.User, error) {
	var (
		u    model.User
		role string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, role FROM users WHERE id = ?`, userID).
		Scan(&u.ID, &u.Name, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, userNotFound(userID)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	u.Role = model.Role(role)
	return u, nil
}

// PutUser inserts or replaces a user.
func (s *SQLiteStore) PutUser(ctx context.Context, u model.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, role) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, role = excluded.role`,
		u.ID, u.Name, string(u.Role),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) missOrConflict(ctx context.Context, itemID string, expectedVersion int) error {
	if _, err := s.GetItem(ctx, itemID); err != nil {
		return err
	}
	return versionConflict(itemID, expectedVersion)
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func getSQLiteItem(ctx context.Context, q sqlQueryer, itemID string) (model.Item, error) {
	row := q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, itemID)
	item, err := scanSQLiteItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Item{}, itemNotFound(itemID)
	}
	if err != nil {
		return model.Item{}, fmt.Errorf("query item: %w", err)
	}
	return item, nil
}

func scanSQLiteItem(row sqlScanner) (model.Item, error) {
	var (
		item                 model.Item
		stage, status        string
		content, refs        string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&item.ID, &stage, &status, &content, &refs, &item.CreatedBy,
		&item.LastError, &createdAt, &updatedAt, &item.Version,
	); err != nil {
		return model.Item{}, err
	}
	item.Stage, item.Status = model.Stage(stage), model.Status(status)
	item.CreatedAt = time.Unix(0, createdAt).UTC()
	item.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if err := unmarshalContent([]byte(content), &item); err != nil {
		return model.Item{}, err
	}
	if refs != "" {
		if err := json.Unmarshal([]byte(refs), &item.PhotoRefs); err != nil {
			return model.Item{}, fmt.Errorf("unmarshal photo refs: %w", err)
		}
	}
	return item, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
