package room

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley/chat-rooms/internal/history"
	"github.com/parley/chat-rooms/internal/metrics"
	"github.com/parley/chat-rooms/internal/protocol"
)

// Sender delivers an encoded frame to a single connection. Implemented by the
// WebSocket server; faked in tests.
type Sender interface {
	Send(connID string, data []byte) error
}

// SenderFunc adapts a plain function to the Sender interface.
type SenderFunc func(connID string, data []byte) error

// Send calls f(connID, data).
func (f SenderFunc) Send(connID string, data []byte) error {
	return f(connID, data)
}

// EventFeed receives a copy of every frame broadcast to a room, for external
// consumers (archival, moderation). Implemented by the NATS client. Publish
// failures are non-fatal.
type EventFeed interface {
	PublishRoomEvent(room string, data []byte) error
}

// Config holds tunable parameters for the dispatcher.
type Config struct {
	SnapshotLimit int           // max history messages replayed on join
	TypingTTL     time.Duration // typing entry lifetime without refresh
	SweepInterval time.Duration // how often expired typing entries are collected
	AppendTimeout time.Duration // upper bound on a history append attempt
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotLimit: history.DefaultSnapshotLimit,
		TypingTTL:     3 * time.Second,
		SweepInterval: 1 * time.Second,
		AppendTimeout: 2 * time.Second,
	}
}

// Dispatcher coordinates membership, persistence, and broadcast for room
// events. Every mutation (join, leave, send, typing, disconnect) and the
// broadcasts it emits run under one mutex, so all observers in a room see
// events in the same relative order and the roster can never omit a live
// connection or retain a dead one.
type Dispatcher struct {
	mu       sync.Mutex
	config   Config
	presence *Presence
	typing   *Tracker
	store    history.Store
	sender   Sender
	feed     EventFeed

	done      chan struct{}
	closeOnce sync.Once
}

// NewDispatcher creates a dispatcher with its own presence registry and
// typing tracker. Call Start to begin typing-expiry sweeps and Stop on
// shutdown.
func NewDispatcher(config Config, store history.Store, sender Sender) *Dispatcher {
	if config.SnapshotLimit <= 0 {
		config.SnapshotLimit = history.DefaultSnapshotLimit
	}
	if config.TypingTTL <= 0 {
		config.TypingTTL = 3 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 1 * time.Second
	}
	if config.AppendTimeout <= 0 {
		config.AppendTimeout = 2 * time.Second
	}
	return &Dispatcher{
		config:   config,
		presence: NewPresence(),
		typing:   NewTracker(),
		store:    store,
		sender:   sender,
		done:     make(chan struct{}),
	}
}

// SetFeed attaches an outbound event feed. Pass nil to disable (the default).
func (d *Dispatcher) SetFeed(feed EventFeed) {
	d.feed = feed
}

// Presence exposes the registry for read-only use (health endpoints, tests).
func (d *Dispatcher) Presence() *Presence {
	return d.presence
}

// Start launches the typing-expiry sweep loop.
func (d *Dispatcher) Start() {
	go func() {
		ticker := time.NewTicker(d.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-d.done:
				return
			case now := <-ticker.C:
				d.sweepTyping(now)
			}
		}
	}()
}

// Stop terminates the sweep loop. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.closeOnce.Do(func() { close(d.done) })
}

// Join validates the identity and room, registers membership, replays recent
// history to the joining connection, and broadcasts the updated roster to the
// whole room. A connection already in another room is moved atomically; both
// rooms' rosters are rebroadcast and neither ever shows the connection in
// zero or two rooms.
//
// Membership is registered before the history snapshot is taken, so the
// joiner cannot miss a message dispatched concurrently with its join. It may
// see at most one message twice (once in the snapshot, once live); that
// boundary duplicate is the accepted tradeoff.
func (d *Dispatcher) Join(connID string, id Identity, roomName string) error {
	id.Name = strings.TrimSpace(id.Name)
	if err := ValidateName(id.Name); err != nil {
		return err
	}
	roomName = NormalizeRoom(roomName)
	if err := ValidateRoom(roomName); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	prevRoom, prevID := d.presence.Join(connID, id, roomName)
	if prevRoom != "" && (prevRoom != roomName || prevID.Name != id.Name) {
		// Unwind the old identity's typing entry. This covers both a room
		// switch and a re-join to the same room under a new display name;
		// either way the old name must not linger in the typing roster.
		if d.typing.Stop(prevRoom, prevID.Name) {
			d.broadcastTyping(prevRoom)
		}
	}
	if prevRoom != "" && prevRoom != roomName {
		d.broadcastRoster(prevRoom)
	}

	snapshot := d.snapshot(roomName)
	if data, err := protocol.NewServerMessage(protocol.TypeJoined, protocol.JoinedMsg{
		Room:    roomName,
		History: snapshot,
	}); err == nil {
		if err := d.sender.Send(connID, data); err != nil {
			log.Printf("room: send joined to %s failed: %v", connID, err)
		}
	}

	d.broadcastRoster(roomName)
	metrics.ActiveRooms.Set(float64(d.presence.RoomCount()))

	log.Printf("room: join conn=%s name=%q room=%s (members=%d)",
		connID, id.Name, roomName, d.presence.MemberCount(roomName))
	return nil
}

// Leave removes the connection's membership and typing entry and broadcasts
// the updated rosters to the remaining members. It is idempotent: a
// connection that is not joined is a no-op and broadcasts nothing.
func (d *Dispatcher) Leave(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leaveLocked(connID)
}

// Disconnect is the cleanup entry point invoked on transport close. It is
// safe against duplicate close signals; cleanup runs at most once because
// presence removal is the single guard.
func (d *Dispatcher) Disconnect(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leaveLocked(connID)
}

func (d *Dispatcher) leaveLocked(connID string) {
	roomName, id, ok := d.presence.Leave(connID)
	if !ok {
		return
	}

	if d.typing.Stop(roomName, id.Name) {
		d.broadcastTyping(roomName)
	}
	d.broadcastRoster(roomName)

	metrics.ActiveRooms.Set(float64(d.presence.RoomCount()))
	metrics.TypingActive.Set(float64(d.typing.ActiveCount()))

	log.Printf("room: leave conn=%s name=%q room=%s (members=%d)",
		connID, id.Name, roomName, d.presence.MemberCount(roomName))
}

// SendMessage validates the body, persists it, and broadcasts it to every
// connection in the sender's room. A persistence failure is logged and
// counted but never blocks delivery to live members.
func (d *Dispatcher) SendMessage(connID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, roomName, ok := d.presence.Get(connID)
	if !ok {
		return &ValidationError{Code: CodeNotJoined, Message: "not joined to a room"}
	}

	text = strings.TrimSpace(text)
	if err := ValidateText(text); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return err
	}

	msg := history.Message{
		ID:        uuid.New().String(),
		Room:      roomName,
		Sender:    id.Name,
		Owner:     id.OwnerKey(connID),
		Text:      text,
		Kind:      history.KindUser,
		CreatedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.AppendTimeout)
	if err := d.store.Append(ctx, msg); err != nil {
		// Availability over durability: the live path proceeds.
		log.Printf("room: history append failed room=%s msg=%s: %v", roomName, msg.ID, err)
		metrics.HistoryFailures.Inc()
	}
	cancel()

	d.broadcast(roomName, protocol.TypeMessage, protocol.ServerChatMsg{
		ID:   msg.ID,
		Room: msg.Room,
		From: msg.Sender,
		Text: msg.Text,
		Kind: msg.Kind,
		Ts:   msg.CreatedAt.Unix(),
	})
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return nil
}

// EditMessage replaces the text of a message owned by the requesting
// connection's identity and broadcasts the edit to the message's room.
// Returns history.ErrNotFound or history.ErrForbidden unchanged for the
// gateway to surface.
func (d *Dispatcher) EditMessage(connID, messageID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, _, ok := d.presence.Get(connID)
	if !ok {
		return &ValidationError{Code: CodeNotJoined, Message: "not joined to a room"}
	}

	text = strings.TrimSpace(text)
	if err := ValidateText(text); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.AppendTimeout)
	defer cancel()
	msg, err := d.store.Edit(ctx, messageID, id.OwnerKey(connID), text, time.Now())
	if err != nil {
		return err
	}

	d.broadcast(msg.Room, protocol.TypeMessageEdited, protocol.MessageEditedMsg{
		ID:       msg.ID,
		Room:     msg.Room,
		Text:     msg.Text,
		EditedTs: msg.EditedAt.Unix(),
	})
	metrics.MessagesTotal.WithLabelValues("edited").Inc()
	return nil
}

// DeleteMessage removes a message owned by the requesting connection's
// identity and broadcasts the deletion to the message's room.
func (d *Dispatcher) DeleteMessage(connID, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, _, ok := d.presence.Get(connID)
	if !ok {
		return &ValidationError{Code: CodeNotJoined, Message: "not joined to a room"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.AppendTimeout)
	defer cancel()
	msg, err := d.store.Delete(ctx, messageID, id.OwnerKey(connID))
	if err != nil {
		return err
	}

	d.broadcast(msg.Room, protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
		ID:   msg.ID,
		Room: msg.Room,
	})
	metrics.MessagesTotal.WithLabelValues("deleted").Inc()
	return nil
}

// TypingStart sets or refreshes the typing entry for the connection's
// identity. The typing roster is broadcast only on the 0->1 transition;
// refreshes are silent.
func (d *Dispatcher) TypingStart(connID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, roomName, ok := d.presence.Get(connID)
	if !ok {
		return &ValidationError{Code: CodeNotJoined, Message: "not joined to a room"}
	}

	if d.typing.Start(roomName, id.Name, time.Now().Add(d.config.TypingTTL)) {
		d.broadcastTyping(roomName)
	}
	metrics.TypingActive.Set(float64(d.typing.ActiveCount()))
	return nil
}

// TypingStop removes the typing entry and broadcasts only if the set changed.
func (d *Dispatcher) TypingStop(connID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, roomName, ok := d.presence.Get(connID)
	if !ok {
		return &ValidationError{Code: CodeNotJoined, Message: "not joined to a room"}
	}

	if d.typing.Stop(roomName, id.Name) {
		d.broadcastTyping(roomName)
	}
	metrics.TypingActive.Set(float64(d.typing.ActiveCount()))
	return nil
}

// sweepTyping collects expired typing entries and broadcasts the typing
// roster for every room whose set changed.
func (d *Dispatcher) sweepTyping(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, roomName := range d.typing.Sweep(now) {
		d.broadcastTyping(roomName)
	}
	metrics.TypingActive.Set(float64(d.typing.ActiveCount()))
}

// snapshot fetches the room's recent history for a join replay. On a store
// failure the joiner gets an empty history rather than a failed join.
func (d *Dispatcher) snapshot(roomName string) []protocol.HistoryEntry {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.AppendTimeout)
	defer cancel()

	msgs, err := d.store.Recent(ctx, roomName, d.config.SnapshotLimit)
	if err != nil {
		log.Printf("room: history snapshot failed room=%s: %v", roomName, err)
		metrics.HistoryFailures.Inc()
		return []protocol.HistoryEntry{}
	}

	entries := make([]protocol.HistoryEntry, len(msgs))
	for i, m := range msgs {
		entries[i] = protocol.HistoryEntry{
			ID:     m.ID,
			From:   m.Sender,
			Text:   m.Text,
			Kind:   m.Kind,
			Ts:     m.CreatedAt.Unix(),
			Edited: m.Edited,
		}
		if m.Edited {
			entries[i].EditedTs = m.EditedAt.Unix()
		}
	}
	return entries
}

// broadcastRoster sends the full member snapshot to everyone in the room.
func (d *Dispatcher) broadcastRoster(roomName string) {
	d.broadcast(roomName, protocol.TypeRoster, protocol.RosterMsg{
		Room:  roomName,
		Users: d.presence.RosterOf(roomName),
	})
}

// broadcastTyping sends the full typing snapshot to everyone in the room.
func (d *Dispatcher) broadcastTyping(roomName string) {
	d.broadcast(roomName, protocol.TypeTyping, protocol.TypingRosterMsg{
		Room:  roomName,
		Users: d.typing.Snapshot(roomName),
	})
}

// broadcast encodes one frame and delivers it to every connection in the
// room, then mirrors it onto the event feed. Send errors on individual
// connections are ignored; dead connections are reaped by the transport.
func (d *Dispatcher) broadcast(roomName, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("room: failed to build %s broadcast for room=%s: %v", msgType, roomName, err)
		return
	}

	start := time.Now()
	for _, connID := range d.presence.ConnectionsIn(roomName) {
		_ = d.sender.Send(connID, data)
	}
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())

	if d.feed != nil {
		if err := d.feed.PublishRoomEvent(roomName, data); err != nil {
			log.Printf("room: feed publish failed room=%s: %v", roomName, err)
		}
	}
}
