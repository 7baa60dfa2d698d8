package room

import (
	"sort"
	"sync"
	"time"
)

// Tracker holds the ephemeral per-room set of currently-typing identities.
// An entry is created on typing-start with an expiry deadline, refreshed on
// repeated starts, and removed on explicit stop or when a sweep finds the
// deadline elapsed. Expiry is a liveness guarantee only: an entry is removed
// within one sweep interval of its deadline, not at the exact instant.
type Tracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]time.Time // room -> name -> deadline
}

// NewTracker creates an empty typing tracker.
func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[string]map[string]time.Time)}
}

// Start sets or refreshes the typing entry for (room, name). It reports
// whether the room's typing set changed, which is true only on the 0->1
// transition for that name; refreshes return false so repeated starts before
// expiry do not trigger re-broadcasts.
func (t *Tracker) Start(room, name string, deadline time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, ok := t.rooms[room]
	if !ok {
		entries = make(map[string]time.Time)
		t.rooms[room] = entries
	}
	_, present := entries[name]
	entries[name] = deadline
	return !present
}

// Stop removes the typing entry for (room, name) and reports whether the set
// changed.
func (t *Tracker) Stop(room, name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, ok := t.rooms[room]
	if !ok {
		return false
	}
	if _, present := entries[name]; !present {
		return false
	}
	delete(entries, name)
	if len(entries) == 0 {
		delete(t.rooms, room)
	}
	return true
}

// Snapshot returns the sorted names currently typing in the room.
func (t *Tracker) Snapshot(room string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.rooms[room]
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sweep removes every entry whose deadline is at or before now and returns
// the rooms whose typing set changed.
func (t *Tracker) Sweep(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changed []string
	for room, entries := range t.rooms {
		dirty := false
		for name, deadline := range entries {
			if !deadline.After(now) {
				delete(entries, name)
				dirty = true
			}
		}
		if len(entries) == 0 {
			delete(t.rooms, room)
		}
		if dirty {
			changed = append(changed, room)
		}
	}
	sort.Strings(changed)
	return changed
}

// ActiveCount returns the total number of typing entries across all rooms.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, entries := range t.rooms {
		n += len(entries)
	}
	return n
}
