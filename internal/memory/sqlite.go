package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the default Store, backed by a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies
// the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		user_id    TEXT NOT NULL,
		session_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		user_id    TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role       TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		content    TEXT NOT NULL,
		timestamp  TEXT NOT NULL,
		FOREIGN KEY (user_id, session_id) REFERENCES sessions(user_id, session_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(user_id, session_id, timestamp, seq);

	CREATE TABLE IF NOT EXISTS facts (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		user_id    TEXT NOT NULL,
		session_id TEXT NOT NULL,
		text       TEXT NOT NULL,
		source     TEXT NOT NULL CHECK (source IN ('user', 'agent', 'tool')),
		created_at TEXT NOT NULL,
		FOREIGN KEY (user_id, session_id) REFERENCES sessions(user_id, session_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_facts_session ON facts(user_id, session_id, created_at, seq);

	CREATE TABLE IF NOT EXISTS steps (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		user_id    TEXT NOT NULL,
		session_id TEXT NOT NULL,
		timestamp  TEXT NOT NULL,
		payload    TEXT NOT NULL,
		FOREIGN KEY (user_id, session_id) REFERENCES sessions(user_id, session_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_steps_session ON steps(user_id, session_id, timestamp, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Stats returns session and record counts.
func (s *SQLiteStore) Stats(ctx context.Context) (map[string]int, error) {
	var sessions, messages, facts, steps int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM facts),
			(SELECT COUNT(*) FROM steps)
	`).Scan(&sessions, &messages, &facts, &steps)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	return map[string]int{
		"sessions": sessions,
		"messages": messages,
		"facts":    facts,
		"steps":    steps,
	}, nil
}

// touchSession creates the session row or bumps updated_at.
func touchSession(ctx context.Context, tx *sql.Tx, key Key, now string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (user_id, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, session_id) DO UPDATE SET updated_at = excluded.updated_at
	`, key.UserID, key.SessionID, now, now)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", key, err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// AppendMessage adds a message to the session transcript.
func (s *SQLiteStore) AppendMessage(ctx context.Context, key Key, role Role, content string) (*ChatMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if !validRole(role) {
		return nil, fmt.Errorf("invalid message role %q", role)
	}

	now := time.Now().UTC()
	msg := &ChatMessage{ID: newID(), Role: role, Content: content, Timestamp: now}
	ts := now.Format(timeFormat)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := touchSession(ctx, tx, key, ts); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, user_id, session_id, role, content, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, msg.ID, key.UserID, key.SessionID, string(role), content, ts)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Messages returns the transcript in ascending order.
func (s *SQLiteStore) Messages(ctx context.Context, key Key) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, timestamp
		FROM messages
		WHERE user_id = ? AND session_id = ?
		ORDER BY timestamp ASC, seq ASC
	`, key.UserID, key.SessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []ChatMessage{}
	for rows.Next() {
		var m ChatMessage
		var role, ts string
		if err := rows.Scan(&m.ID, &role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		if m.Timestamp, err = time.Parse(timeFormat, ts); err != nil {
			return nil, fmt.Errorf("parse message timestamp %q: %w", ts, err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// AppendFacts inserts all facts in a single transaction.
func (s *SQLiteStore) AppendFacts(ctx context.Context, key Key, source Source, texts []string) ([]MemoryFact, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if !validSource(source) {
		return nil, fmt.Errorf("invalid fact source %q", source)
	}
	texts = cleanFacts(texts)
	if len(texts) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	ts := now.Format(timeFormat)
	added := make([]MemoryFact, 0, len(texts))

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := touchSession(ctx, tx, key, ts); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO facts (id, user_id, session_id, text, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare fact insert: %w", err)
		}
		defer stmt.Close()

		for _, text := range texts {
			f := MemoryFact{ID: newID(), Text: text, CreatedAt: now, Source: source}
			if _, err := stmt.ExecContext(ctx, f.ID, key.UserID, key.SessionID, f.Text, string(f.Source), ts); err != nil {
				return fmt.Errorf("insert fact: %w", err)
			}
			added = append(added, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// Facts returns the session's facts in creation order.
func (s *SQLiteStore) Facts(ctx context.Context, key Key) ([]MemoryFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, source, created_at
		FROM facts
		WHERE user_id = ? AND session_id = ?
		ORDER BY created_at ASC, seq ASC
	`, key.UserID, key.SessionID)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	facts := []MemoryFact{}
	for rows.Next() {
		var f MemoryFact
		var source, ts string
		if err := rows.Scan(&f.ID, &f.Text, &source, &ts); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.Source = Source(source)
		if f.CreatedAt, err = time.Parse(timeFormat, ts); err != nil {
			return nil, fmt.Errorf("parse fact timestamp %q: %w", ts, err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// AppendStep records a step. The step body is stored as JSON.
func (s *SQLiteStore) AppendStep(ctx context.Context, key Key, step LogStep) (*LogStep, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	step.ID = newID()
	step.Timestamp = now
	ts := now.Format(timeFormat)

	payload, err := json.Marshal(step)
	if err != nil {
		return nil, fmt.Errorf("marshal step: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := touchSession(ctx, tx, key, ts); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO steps (id, user_id, session_id, timestamp, payload)
			VALUES (?, ?, ?, ?, ?)
		`, step.ID, key.UserID, key.SessionID, ts, string(payload))
		if err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// Steps returns the step log in ascending order.
func (s *SQLiteStore) Steps(ctx context.Context, key Key) ([]LogStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload
		FROM steps
		WHERE user_id = ? AND session_id = ?
		ORDER BY timestamp ASC, seq ASC
	`, key.UserID, key.SessionID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	steps := []LogStep{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		var step LogStep
		if err := json.Unmarshal([]byte(payload), &step); err != nil {
			return nil, fmt.Errorf("decode step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// DeleteSession removes the session and all of its records in one
// transaction.
func (s *SQLiteStore) DeleteSession(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"messages", "facts", "steps", "sessions"} {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM "+table+" WHERE user_id = ? AND session_id = ?",
				key.UserID, key.SessionID,
			); err != nil {
				return fmt.Errorf("delete %s for %s: %w", table, key, err)
			}
		}
		return nil
	})
}
