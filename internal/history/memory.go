package history

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps each room's log in memory with a hard cap on stored
// messages per room. When a room exceeds its capacity the oldest messages are
// dropped. It is goroutine-safe.
type MemoryStore struct {
	mu       sync.RWMutex
	rooms    map[string][]Message // room -> messages in insertion order
	capacity int
}

// NewMemoryStore creates an empty in-memory log. A capacity <= 0 falls back
// to DefaultRetention.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultRetention
	}
	return &MemoryStore{
		rooms:    make(map[string][]Message),
		capacity: capacity,
	}
}

// Append adds a message to its room's log, evicting the oldest entries when
// the room is over capacity.
func (s *MemoryStore) Append(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := append(s.rooms[msg.Room], msg)
	if excess := len(log) - s.capacity; excess > 0 {
		log = append([]Message(nil), log[excess:]...)
	}
	s.rooms[msg.Room] = log
	return nil
}

// Recent returns up to limit of the room's newest messages, oldest first.
// Returns an empty slice for an unknown room.
func (s *MemoryStore) Recent(_ context.Context, room string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.rooms[room]
	start := len(log) - limit
	if start < 0 {
		start = 0
	}

	out := make([]Message, len(log)-start)
	copy(out, log[start:])
	return out, nil
}

// Edit replaces the text of the identified message if owner matches.
func (s *MemoryStore) Edit(_ context.Context, id, owner, text string, editedAt time.Time) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for room, log := range s.rooms {
		for i := range log {
			if log[i].ID != id {
				continue
			}
			if log[i].Owner != owner {
				return Message{}, ErrForbidden
			}
			log[i].Text = text
			log[i].Edited = true
			log[i].EditedAt = editedAt
			s.rooms[room] = log
			return log[i], nil
		}
	}
	return Message{}, ErrNotFound
}

// Delete removes the identified message if owner matches.
func (s *MemoryStore) Delete(_ context.Context, id, owner string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for room, log := range s.rooms {
		for i := range log {
			if log[i].ID != id {
				continue
			}
			if log[i].Owner != owner {
				return Message{}, ErrForbidden
			}
			removed := log[i]
			s.rooms[room] = append(log[:i:i], log[i+1:]...)
			return removed, nil
		}
	}
	return Message{}, ErrNotFound
}

// Count returns the number of messages currently stored for a room.
func (s *MemoryStore) Count(room string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
