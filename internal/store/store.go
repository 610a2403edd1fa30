// Package store persists access decisions and relay posts that still have to
// reach the upstream backend.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"zk-agent-go/internal/types"
)

// MaxAttempts is the number of failed deliveries after which an outbox item
// stops being replayed. It stays in the table as a dead letter.
const MaxAttempts = 20

type Store struct {
	db *sql.DB
}

// OutboxItem is a relay POST waiting to be replayed.
type OutboxItem struct {
	ID        string
	Path      string
	Payload   []byte
	Attempts  int
	LastError string
	CreatedAt time.Time
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS access_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER,
		event_type TEXT NOT NULL,
		quality INTEGER NOT NULL DEFAULT 0,
		occurred_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		payload BLOB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_access_events_occurred ON access_events(occurred_at);
	CREATE INDEX IF NOT EXISTS idx_outbox_created ON outbox(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) RecordAccess(ctx context.Context, event types.AccessEvent) (int64, error) {
	var userID sql.NullInt64
	if event.UserID != nil {
		userID = sql.NullInt64{Int64: int64(*event.UserID), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO access_events (user_id, event_type, quality, occurred_at) VALUES (?, ?, ?, ?)`,
		userID, event.EventType, event.Quality, event.OccurredAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert access event: %w", err)
	}
	return res.LastInsertId()
}

// RecentAccess returns up to limit events, newest first.
func (s *Store) RecentAccess(ctx context.Context, limit int) ([]types.AccessEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, event_type, quality, occurred_at
		FROM access_events
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query access events: %w", err)
	}
	defer rows.Close()

	var events []types.AccessEvent
	for rows.Next() {
		var (
			userID     sql.NullInt64
			event      types.AccessEvent
			occurredAt int64
		)
		if err := rows.Scan(&userID, &event.EventType, &event.Quality, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan access event: %w", err)
		}
		if userID.Valid {
			id := int(userID.Int64)
			event.UserID = &id
		}
		event.OccurredAt = time.Unix(0, occurredAt).UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating access events: %w", err)
	}
	return events, nil
}

// Enqueue stores a failed relay POST for later replay and returns its id.
func (s *Store) Enqueue(ctx context.Context, path string, payload []byte, cause error) (string, error) {
	id := uuid.NewString()
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (id, path, payload, attempts, last_error, created_at) VALUES (?, ?, ?, 1, ?, ?)`,
		id, path, payload, lastError, time.Now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", path, err)
	}
	return id, nil
}

// Pending returns up to limit replayable outbox items, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]OutboxItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, payload, attempts, last_error, created_at
		FROM outbox
		WHERE attempts < ?
		ORDER BY created_at ASC
		LIMIT ?
	`, MaxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var items []OutboxItem
	for rows.Next() {
		var (
			item      OutboxItem
			createdAt int64
		)
		if err := rows.Scan(&item.ID, &item.Path, &item.Payload, &item.Attempts, &item.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox item: %w", err)
		}
		item.CreatedAt = time.Unix(0, createdAt).UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return items, nil
}

func (s *Store) MarkAttempt(ctx context.Context, id string, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`, lastError, id)
	return err
}

// DeadLetter takes id out of replay without deleting it.
func (s *Store) DeadLetter(ctx context.Context, id string, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = MAX(attempts, ?), last_error = ? WHERE id = ?`, MaxAttempts, lastError, id)
	return err
}

// DeadLetters counts outbox items that are no longer replayed.
func (s *Store) DeadLetters(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE attempts >= ?`, MaxAttempts).Scan(&n)
	return n, err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// OutboxSize counts every outbox item, dead letters included.
func (s *Store) OutboxSize(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}
