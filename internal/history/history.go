// Package history provides the per-room message log: append with bounded
// retention, chronological replay of recent messages, and owner-checked edit
// and delete. Two implementations are provided: an in-memory store for
// single-node deployments and tests, and a PostgreSQL store for durable logs.
package history

import (
	"context"
	"errors"
	"time"
)

// Message kinds.
const (
	KindUser   = "user"
	KindSystem = "system"
)

// Defaults for snapshot size and per-room retention.
const (
	DefaultSnapshotLimit = 50
	DefaultRetention     = 1000
)

// Sentinel errors returned by Edit and Delete.
var (
	// ErrNotFound indicates the message does not exist in the room's log.
	ErrNotFound = errors.New("history: message not found")

	// ErrForbidden indicates the requester does not own the message.
	ErrForbidden = errors.New("history: not the message owner")
)

// Message is a single persisted chat message. Messages are immutable once
// appended except for an explicit owner edit (text + edited flag) or delete.
// Within a room messages are ordered by creation time, ties broken by
// insertion order.
type Message struct {
	ID        string // message UUID
	Room      string // room key (case-normalized)
	Sender    string // sender display name
	Owner     string // ownership key: account ID, or connection ID for guests
	Text      string
	Kind      string // "user" or "system"
	CreatedAt time.Time
	Edited    bool
	EditedAt  time.Time
}

// Store is the message log contract used by the room dispatcher.
//
// Append failures are non-fatal to live delivery: the dispatcher logs and
// counts them and still broadcasts the message to connected members.
type Store interface {
	// Append persists a message and enforces the room's retention cap.
	Append(ctx context.Context, msg Message) error

	// Recent returns up to limit of the room's newest messages in
	// chronological order (oldest first).
	Recent(ctx context.Context, room string, limit int) ([]Message, error)

	// Edit replaces the text of the identified message if owner matches the
	// stored ownership key. It returns the updated message, ErrNotFound if no
	// such message exists, or ErrForbidden for a non-owner.
	Edit(ctx context.Context, id, owner, text string, editedAt time.Time) (Message, error)

	// Delete removes the identified message under the same ownership rules
	// as Edit and returns the removed message.
	Delete(ctx context.Context, id, owner string) (Message, error)

	// Close releases any resources held by the store.
	Close() error
}
