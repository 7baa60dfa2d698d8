package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // postgres driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PGStore is the PostgreSQL-backed message log. Ordering uses the created_at
// timestamp with a serial column breaking ties in insertion order.
type PGStore struct {
	db       *sql.DB
	capacity int
}

// NewPGStore opens a connection to PostgreSQL, applies the embedded schema
// migrations, and returns a ready store. A capacity <= 0 falls back to
// DefaultRetention.
func NewPGStore(dsn string, capacity int) (*PGStore, error) {
	if capacity <= 0 {
		capacity = DefaultRetention
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: postgres connection failed: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &PGStore{db: db, capacity: capacity}, nil
}

// runMigrations applies the embedded SQL migrations to the connected database.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("history: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("history: migration setup: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migrate up: %w", err)
	}
	return nil
}

// Append inserts the message and trims the room's log back down to capacity.
func (s *PGStore) Append(ctx context.Context, msg Message) error {
	const insert = `
		INSERT INTO room_messages (id, room, sender, owner, text, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, insert,
		msg.ID, msg.Room, msg.Sender, msg.Owner, msg.Text, msg.Kind, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}

	// Evict the oldest rows beyond the retention cap.
	const trim = `
		DELETE FROM room_messages
		WHERE room = $1 AND seq NOT IN (
			SELECT seq FROM room_messages
			WHERE room = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2)`

	if _, err := s.db.ExecContext(ctx, trim, msg.Room, s.capacity); err != nil {
		return fmt.Errorf("history: enforce retention: %w", err)
	}
	return nil
}

// Recent returns up to limit of the room's newest messages, oldest first.
func (s *PGStore) Recent(ctx context.Context, room string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}

	const query = `
		SELECT id, room, sender, owner, text, kind, created_at, edited, edited_at
		FROM room_messages
		WHERE room = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, room, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var editedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.Room, &m.Sender, &m.Owner, &m.Text,
			&m.Kind, &m.CreatedAt, &m.Edited, &editedAt); err != nil {
			return nil, fmt.Errorf("history: scan recent: %w", err)
		}
		if editedAt.Valid {
			m.EditedAt = editedAt.Time
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate recent: %w", err)
	}

	// The query returns newest first; reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Edit replaces the text of the identified message if owner matches.
func (s *PGStore) Edit(ctx context.Context, id, owner, text string, editedAt time.Time) (Message, error) {
	msg, err := s.get(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if msg.Owner != owner {
		return Message{}, ErrForbidden
	}

	const update = `
		UPDATE room_messages
		SET text = $2, edited = TRUE, edited_at = $3
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, update, id, text, editedAt); err != nil {
		return Message{}, fmt.Errorf("history: update: %w", err)
	}

	msg.Text = text
	msg.Edited = true
	msg.EditedAt = editedAt
	return msg, nil
}

// Delete removes the identified message if owner matches.
func (s *PGStore) Delete(ctx context.Context, id, owner string) (Message, error) {
	msg, err := s.get(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if msg.Owner != owner {
		return Message{}, ErrForbidden
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_messages WHERE id = $1`, id); err != nil {
		return Message{}, fmt.Errorf("history: delete: %w", err)
	}
	return msg, nil
}

// get fetches a single message by ID, mapping sql.ErrNoRows to ErrNotFound.
func (s *PGStore) get(ctx context.Context, id string) (Message, error) {
	const query = `
		SELECT id, room, sender, owner, text, kind, created_at, edited, edited_at
		FROM room_messages
		WHERE id = $1`

	var m Message
	var editedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.Room, &m.Sender,
		&m.Owner, &m.Text, &m.Kind, &m.CreatedAt, &m.Edited, &editedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("history: get: %w", err)
	}
	if editedAt.Valid {
		m.EditedAt = editedAt.Time
	}
	return m, nil
}

// Close closes the underlying database handle.
func (s *PGStore) Close() error {
	return s.db.Close()
}
