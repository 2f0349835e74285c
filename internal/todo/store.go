// Package todo persists the to-do items managed by the todo tool. Items
// belong to one user's conversation session and are only ever added or
// marked complete.
package todo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mnemo/internal/memory"
)

// ListLimit caps the number of items returned by List.
const ListLimit = 200

// ErrNotFound is returned when a completion names an item that does not
// exist in the session.
var ErrNotFound = errors.New("to-do item not found")

// Item is a single to-do entry.
type Item struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Completed bool      `json:"completed"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Store keeps to-do items in SQLite. The caller owns the *sql.DB.
type Store struct {
	db *sql.DB
}

// NewStore creates a to-do store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate todo: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS todo_items (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			user_id    TEXT NOT NULL,
			session_id TEXT NOT NULL,
			text       TEXT NOT NULL,
			completed  INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_todo_session ON todo_items(user_id, session_id, completed);
	`)
	return err
}

// Add inserts an open item for the session.
func (s *Store) Add(ctx context.Context, key memory.Key, text string) (*Item, error) {
	item := &Item{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Text:      text,
		UserID:    key.UserID,
		SessionID: key.SessionID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO todo_items (id, user_id, session_id, text, completed, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		item.ID, item.UserID, item.SessionID, item.Text, item.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert todo: %w", err)
	}
	return item, nil
}

// ListOpen returns the session's incomplete items, newest first.
func (s *Store) ListOpen(ctx context.Context, key memory.Key) ([]Item, error) {
	return s.query(ctx, `
		SELECT id, user_id, session_id, text, completed, created_at
		FROM todo_items
		WHERE user_id = ? AND session_id = ? AND completed = 0
		ORDER BY seq DESC
		LIMIT ?
	`, key.UserID, key.SessionID, ListLimit)
}

// ListAll returns every item of the session, newest first.
func (s *Store) ListAll(ctx context.Context, key memory.Key) ([]Item, error) {
	return s.query(ctx, `
		SELECT id, user_id, session_id, text, completed, created_at
		FROM todo_items
		WHERE user_id = ? AND session_id = ?
		ORDER BY seq DESC
	`, key.UserID, key.SessionID)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query todos: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var it Item
		var completed int
		var created string
		if err := rows.Scan(&it.ID, &it.UserID, &it.SessionID, &it.Text, &completed, &created); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		it.Completed = completed != 0
		if it.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse todo timestamp %q: %w", created, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Complete marks all ids as completed in one transaction. If any id is
// unknown to the session nothing is changed.
func (s *Store) Complete(ctx context.Context, key memory.Key, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE todo_items SET completed = 1 WHERE id = ? AND user_id = ? AND session_id = ?`,
			id, key.UserID, key.SessionID,
		)
		if err != nil {
			return fmt.Errorf("complete %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	return tx.Commit()
}
