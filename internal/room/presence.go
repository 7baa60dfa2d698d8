package room

import (
	"sort"
	"sync"
)

// binding is the presence state of one connection: its identity and current
// room. A connection has at most one room at a time.
type binding struct {
	identity Identity
	room     string
}

// Presence is the authoritative registry of connections, identities, and room
// membership. All reads reflect only live memberships: entries appear when a
// join completes and vanish when the connection leaves or disconnects, never
// in between. Rooms exist implicitly while they have members.
type Presence struct {
	mu     sync.RWMutex
	byConn map[string]*binding            // connID -> binding
	rooms  map[string]map[string]Identity // room -> connID -> identity
}

// NewPresence creates an empty registry.
func NewPresence() *Presence {
	return &Presence{
		byConn: make(map[string]*binding),
		rooms:  make(map[string]map[string]Identity),
	}
}

// Join binds the connection to an identity and room. If the connection was
// already in a different room it is moved atomically: the old membership is
// removed and the new one added under the same lock, so no reader ever
// observes the connection in zero or two rooms. It returns the previous room
// ("" if none) and the identity that held it, so callers can unwind state
// keyed on the old display name.
func (p *Presence) Join(connID string, id Identity, room string) (prevRoom string, prevID Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.byConn[connID]; ok {
		prevRoom = b.room
		prevID = b.identity
		p.removeFromRoom(connID, b.room)
	}

	p.byConn[connID] = &binding{identity: id, room: room}
	members, ok := p.rooms[room]
	if !ok {
		members = make(map[string]Identity)
		p.rooms[room] = members
	}
	members[connID] = id
	return prevRoom, prevID
}

// Leave removes the connection's membership. It is idempotent: a connection
// that is not joined is a no-op with ok=false.
func (p *Presence) Leave(connID string) (room string, id Identity, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, exists := p.byConn[connID]
	if !exists {
		return "", Identity{}, false
	}
	delete(p.byConn, connID)
	p.removeFromRoom(connID, b.room)
	return b.room, b.identity, true
}

// removeFromRoom deletes the membership entry and drops the room map when its
// member count reaches zero. Caller must hold the write lock.
func (p *Presence) removeFromRoom(connID, room string) {
	members, ok := p.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(p.rooms, room)
	}
}

// Get returns the identity and room the connection is currently bound to.
func (p *Presence) Get(connID string) (Identity, string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	b, ok := p.byConn[connID]
	if !ok {
		return Identity{}, "", false
	}
	return b.identity, b.room, true
}

// RosterOf returns the display names of the room's live members, sorted and
// deduplicated. Returns an empty slice for an unknown room.
func (p *Presence) RosterOf(room string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	members := p.rooms[room]
	seen := make(map[string]struct{}, len(members))
	names := make([]string, 0, len(members))
	for _, id := range members {
		if _, dup := seen[id.Name]; dup {
			continue
		}
		seen[id.Name] = struct{}{}
		names = append(names, id.Name)
	}
	sort.Strings(names)
	return names
}

// ConnectionsIn returns the IDs of every connection currently in the room.
func (p *Presence) ConnectionsIn(room string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	members := p.rooms[room]
	conns := make([]string, 0, len(members))
	for connID := range members {
		conns = append(conns, connID)
	}
	return conns
}

// MemberCount returns the number of live connections in the room.
func (p *Presence) MemberCount(room string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.rooms[room])
}

// RoomCount returns the number of rooms with at least one member.
func (p *Presence) RoomCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.rooms)
}
