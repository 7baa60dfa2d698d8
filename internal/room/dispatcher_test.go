package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parley/chat-rooms/internal/history"
	"github.com/parley/chat-rooms/internal/protocol"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type frame map[string]interface{}

// fakeSender records every frame delivered to each connection.
type fakeSender struct {
	mu     sync.Mutex
	frames map[string][]frame
}

func newFakeSender() *fakeSender {
	return &fakeSender{frames: make(map[string][]frame)}
}

func (f *fakeSender) Send(connID string, data []byte) error {
	var m frame
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames[connID] = append(f.frames[connID], m)
	f.mu.Unlock()
	return nil
}

// byType returns all frames of the given type delivered to connID, in order.
func (f *fakeSender) byType(connID, msgType string) []frame {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []frame
	for _, fr := range f.frames[connID] {
		if fr["type"] == msgType {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeSender) last(t *testing.T, connID, msgType string) frame {
	t.Helper()
	frames := f.byType(connID, msgType)
	if len(frames) == 0 {
		t.Fatalf("no %q frame delivered to %s", msgType, connID)
	}
	return frames[len(frames)-1]
}

func users(fr frame) []string {
	raw, _ := fr["users"].([]interface{})
	out := make([]string, len(raw))
	for i, v := range raw {
		out[i], _ = v.(string)
	}
	return out
}

// failStore rejects every operation, simulating a storage outage.
type failStore struct{}

func (failStore) Append(context.Context, history.Message) error {
	return errors.New("storage down")
}
func (failStore) Recent(context.Context, string, int) ([]history.Message, error) {
	return nil, errors.New("storage down")
}
func (failStore) Edit(context.Context, string, string, string, time.Time) (history.Message, error) {
	return history.Message{}, errors.New("storage down")
}
func (failStore) Delete(context.Context, string, string) (history.Message, error) {
	return history.Message{}, errors.New("storage down")
}
func (failStore) Close() error { return nil }

func newTestDispatcher(t *testing.T) (*Dispatcher, *history.MemoryStore, *fakeSender) {
	t.Helper()
	store := history.NewMemoryStore(1000)
	sender := newFakeSender()
	d := NewDispatcher(DefaultConfig(), store, sender)
	return d, store, sender
}

// ---------------------------------------------------------------------------
// Join and history replay
// ---------------------------------------------------------------------------

func TestJoinEmptyRoom(t *testing.T) {
	d, _, sender := newTestDispatcher(t)

	if err := d.Join("c1", Identity{Name: "alice", Guest: true}, "general"); err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	joined := sender.last(t, "c1", protocol.TypeJoined)
	if joined["room"] != "general" {
		t.Errorf("expected room %q, got %v", "general", joined["room"])
	}
	hist, ok := joined["history"].([]interface{})
	if !ok {
		t.Fatalf("expected history array, got %T", joined["history"])
	}
	if len(hist) != 0 {
		t.Errorf("expected empty history, got %d entries", len(hist))
	}

	roster := sender.last(t, "c1", protocol.TypeRoster)
	if got := users(roster); len(got) != 1 || got[0] != "alice" {
		t.Errorf("unexpected roster: %v", got)
	}
}

func TestJoinValidation(t *testing.T) {
	d, _, sender := newTestDispatcher(t)

	cases := []struct {
		name string
		room string
	}{
		{"", "general"},
		{"   ", "general"},
		{strings.Repeat("x", 51), "general"},
		{"alice", ""},
		{"alice", "   "},
	}
	for _, tc := range cases {
		err := d.Join("c1", Identity{Name: tc.name}, tc.room)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("name=%q room=%q: expected ValidationError, got %v", tc.name, tc.room, err)
		}
	}

	// Rejected joins register nothing and send nothing.
	if d.Presence().RoomCount() != 0 {
		t.Fatalf("expected no rooms after rejected joins, got %d", d.Presence().RoomCount())
	}
	if len(sender.byType("c1", protocol.TypeJoined)) != 0 {
		t.Fatal("rejected join produced a joined frame")
	}
}

func TestRoomNameCaseNormalized(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_ = d.Join("c1", Identity{Name: "alice"}, "General")
	_ = d.Join("c2", Identity{Name: "bob"}, "  general ")

	if got := d.Presence().MemberCount("general"); got != 2 {
		t.Fatalf("expected both joins in %q, got %d members", "general", got)
	}
}

func TestSecondJoinerGetsHistory(t *testing.T) {
	d, _, sender := newTestDispatcher(t)

	_ = d.Join("c1", Identity{Name: "alice"}, "general")
	if err := d.SendMessage("c1", "hi"); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}

	_ = d.Join("c2", Identity{Name: "bob"}, "general")

	joined := sender.last(t, "c2", protocol.TypeJoined)
	hist, _ := joined["history"].([]interface{})
	if len(hist) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(hist))
	}
	entry, _ := hist[0].(map[string]interface{})
	if entry["text"] != "hi" || entry["from"] != "alice" {
		t.Errorf("unexpected history entry: %v", entry)
	}

	// Both members received the updated roster.
	for _, connID := range []string{"c1", "c2"} {
		roster := sender.last(t, connID, protocol.TypeRoster)
		if got := users(roster); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
			t.Errorf("%s roster: %v", connID, got)
		}
	}
}

func TestSnapshotBounded(t *testing.T) {
	config := DefaultConfig()
	config.SnapshotLimit = 3
	store := history.NewMemoryStore(1000)
	sender := newFakeSender()
	d := NewDispatcher(config, store, sender)

	_ = d.Join("c1", Identity{Name: "alice"}, "general")
	for i := 0; i < 10; i++ {
		_ = d.SendMessage("c1", fmt.Sprintf("msg-%d", i))
	}

	_ = d.Join("c2", Identity{Name: "bob"}, "general")
	joined := sender.last(t, "c2", protocol.TypeJoined)
	hist, _ := joined["history"].([]interface{})
	if len(hist) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(hist))
	}

	// Chronological, newest three.
	for i, want := range []string{"msg-7", "msg-8", "msg-9"} {
		entry, _ := hist[i].(map[string]interface{})
		if entry["text"] != want {
			t.Errorf("entry %d: expected %q, got %v", i, want, entry["text"])
		}
	}
}

// ---------------------------------------------------------------------------
// Message dispatch
// ---------------------------------------------------------------------------

func TestSendMessagePersistsAndBroadcasts(t *testing.T) {
	d, store, sender := newTestDispatcher(t)

	_ = d.Join("c1", Identity{Name: "alice"}, "general")
	if err := d.SendMessage("c1", "  hi  "); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}

	if got := store.Count("general"); got != 1 {
		t.Fatalf("expected 1 persisted message, got %d", got)
	}

	msg := sender.last(t, "c1", protocol.TypeMessage)
	if msg["text"] != "hi" {
		t.Errorf("expected trimmed text %q, got %v", "hi", msg["text"])
	}
	if msg["from"] != "alice" || msg["room"] != "general" || msg["kind"] != "user" {
		t.Errorf("unexpected message frame: %v", msg)
	}
	if id, _ := msg["id"].(string); id == "" {
		t.Error("message frame missing id")
	}
}

func TestSendMessageRejections(t *testing.T) {
	d, store, sender := newTestDispatcher(t)
	_ = d.Join("c1", Identity{Name: "alice"}, "general")

	for _, text := range []string{"", "   ", "\n\t", strings.Repeat("x", 1001)} {
		err := d.SendMessage("c1", text)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("text len=%d: expected ValidationError, got %v", len(text), err)
		}
		if verr.Code != CodeValidation {
			t.Errorf("text len=%d: expected code %q, got %q", len(text), CodeValidation, verr.Code)
		}
	}

	if got := store.Count("general"); got != 0 {
		t.Fatalf("rejected messages were persisted: count=%d", got)
	}
	if len(sender.byType("c1", protocol.TypeMessage)) != 0 {
		t.Fatal("rejected message was broadcast")
	}

	// Exactly 1000 characters is accepted.
	if err := d.SendMessage("c1", strings.Repeat("x", 1000)); err != nil {
		t.Fatalf("1000-char message rejected: %v", err)
	}
}

func TestSendMessageWithoutJoin(t *testing.T) {
	d, store, _ := newTestDispatcher(t)

	err := d.SendMessage("c1", "hello")
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Code != CodeNotJoined {
		t.Fatalf("expected not_joined ValidationError, got %v", err)
	}
	if got := store.Count("general"); got != 0 {
		t.Fatalf("unjoined send was persisted: count=%d", got)
	}
}

func TestBroadcastOrderConsistent(t *testing.T) {
	d, _, sender := newTestDispatcher(t)

	_ = d.Join("c1", Identity{Name: "alice"}, "general")
	_ = d.Join("c2", Identity{Name: "bob"}, "general")

	senders := []string{"c1", "c2", "c1", "c1", "c2", "c1", "c2", "c2"}
	for i, from := range senders {
		if err := d.SendMessage(from, fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("SendMessage(%d) error: %v", i, err)
		}
	}

	observed := func(connID string) []string {
		var texts []string
		for _, fr := range sender.byType(connID, protocol.TypeMessage) {
			texts = append(texts, fr["text"].(string))
		}
		return texts
	}

	a, b := observed("c1"), observed("c2")
	if len(a) != len(senders) || len(b) != len(senders) {
		t.Fatalf("expected %d messages each, got %d and %d", len(senders), len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("order diverged at %d: %q vs %q", i, a[i], b[i])
		}
	}
}

func TestPersistenceFailureStillBroadcasts(t *testing.T) {
	sender := newFakeSender()
	d := NewDispatcher(DefaultConfig(), failStore{}, sender)

	_ = d.Join("c1", Identity{Name: "alice"}, "general")
	if err := d.SendMessage("c1", "hi"); err != nil {
		t.Fatalf("SendMessage() should not fail on storage outage, got %v", err)
	}

	msg := sender.last(t, "c1", protocol.TypeMessage)
	if msg["text"] != "hi" {
		t.Errorf("expected broadcast despite storage outage, got %v", msg)
	}
}

// ---------------------------------------------------------------------------
// Typing
// ---------------------------------------------------------------------------

func TestTypingStartStopBroadcasts(t *testing.T) {
	d, _, sender := newTestDispatcher(t)

	_ = d.Join("c1", Identity{Name: "alice"}, "general")
	_ = d.Join("c2", Identity{Name: "bob"}, "general")

	if err := d.TypingStart("c1"); err != nil {
		t.Fatalf("TypingStart() error: %v", err)
	}
	typing := sender.last(t, "c2", protocol.TypeTyping)
	if got := users(typing); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("expected typing set [alice], got %v", got)
	}

	// A refresh before expiry does not re-broadcast.
	before := len(sender.byType("c2", protocol.TypeTyping))
	_ = d.TypingStart("c1")
	if after := len(sender.byType("c2", protocol.TypeTyping)); after != before {
		t.Fatalf("refresh re-broadcast typing roster (%d -> %d frames)", before, after)
	}

	if err := d.TypingStop("c1"); err != nil {
		t.Fatalf("TypingStop() error: %v", err)
	}
	typing = sender.last(t, "c2", protocol.TypeTyping)
	if got := users(typing); len(got) != 0 {
		t.Fatalf("expected empty typing set, got %v", got)
	}
}

func TestTypingExpiresWithoutStop(t *testing.T) {
	d, _, sender := newTestDispatcher(t)

	_ = d.Join("c1", Identity{Name: "alice"}, "general")
	_ = d.Join("c2", Identity{Name: "bob"}, "general")
	_ = d.TypingStart("c1")

	// Drive the sweep directly past the 3s TTL instead of sleeping.
	d.sweepTyping(time.Now().Add(4 * time.Second))

	typing := sender.last(t, "c2", protocol.TypeTyping)
	if got := users(typing); len(got) != 0 {
		t.Fatalf("expected typing entry expired, got %v", got)
	}
}

func TestTypingClearedOnDisconnect(t *testing.T) {
	d, _, sender := newTestDispatcher(t)

	_ = d.Join("c1", Identity{Name: "alice"}, "general")
	_ = d.Join("c2", Identity{Name: "bob"}, "general")
	_ = d.TypingStart("c1")

	d.Disconnect("c1")

	typing := sender.last(t, "c2", protocol.TypeTyping)
	if got := users(typing); len(got) != 0 {
		t.Fatalf("expected typing cleared on disconnect, got %v", got)
	}
}

func TestTypingClearedOnRejoinWithNewName(t *testing.T) {
	d, _, sender := newTestDispatcher(t)

	_ = d.Join("c1", Identity{Name: "alice"}, "general")
	_ = d.Join("c2", Identity{Name: "bob"}, "general")
	_ = d.TypingStart("c1")

	// Same room, new display name: the old name must leave the typing set
	// immediately, not linger until the sweep expires it.
	_ = d.Join("c1", Identity{Name: "alicia"}, "general")

	typing := sender.last(t, "c2", protocol.TypeTyping)
	if got := users(typing); len(got) != 0 {
		t.Fatalf("expected typing cleared on rename, got %v", got)
	}
	if snap := d.typing.Snapshot("general"); len(snap) != 0 {
		t.Fatalf("typing tracker still holds %v after rename", snap)
	}

	roster := sender.last(t, "c2", protocol.TypeRoster)
	if got := users(roster); strings.Join(got, ",") != "alicia,bob" {
		t.Fatalf("roster after rename = %v, want [alicia bob]", got)
	}
}

// ---------------------------------------------------------------------------
// Leave, disconnect, room switch
// ---------------------------------------------------------------------------

func TestDisconnectUpdatesRoster(t *testing.T) {
	d, _, sender := newTestDispatcher(t)

	_ = d.Join("c1", Identity{Name: "alice"}, "general")
	_ = d.Join("c2", Identity{Name: "bob"}, "general")

	d.Disconnect("c1")

	roster := sender.last(t, "c2", protocol.TypeRoster)
	if got := users(roster); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("expected roster [bob], got %v", got)
	}

	// A rejoin under the same identity is a brand new connection.
	if err := d.Join("c3", Identity{Name: "alice"}, "general"); err != nil {
		t.Fatalf("rejoin error: %v", err)
	}
	roster = sender.last(t, "c2", protocol.TypeRoster)
	if got := users(roster); len(got) != 2 {
		t.Fatalf("expected roster [alice bob] after rejoin, got %v", got)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	d, _, sender := newTestDispatcher(t)

	_ = d.Join("c1", Identity{Name: "alice"}, "general")
	_ = d.Join("c2", Identity{Name: "bob"}, "general")

	d.Disconnect("c1")
	before := len(sender.byType("c2", protocol.TypeRoster))

	// Duplicate close signals must not re-broadcast.
	d.Disconnect("c1")
	d.Leave("c1")

	if after := len(sender.byType("c2", protocol.TypeRoster)); after != before {
		t.Fatalf("duplicate disconnect re-broadcast roster (%d -> %d frames)", before, after)
	}
}

func TestRoomSwitch(t *testing.T) {
	d, _, sender := newTestDispatcher(t)

	_ = d.Join("c1", Identity{Name: "alice"}, "a")
	_ = d.Join("c2", Identity{Name: "bob"}, "a")
	_ = d.Join("c3", Identity{Name: "carol"}, "b")

	// alice switches from a to b with no explicit leave.
	if err := d.Join("c1", Identity{Name: "alice"}, "b"); err != nil {
		t.Fatalf("switch join error: %v", err)
	}

	// Members left behind in a see alice gone.
	roster := sender.last(t, "c2", protocol.TypeRoster)
	if got := users(roster); len(got) != 1 || got[0] != "bob" {
		t.Errorf("room a roster after switch: %v", got)
	}

	// Members of b (including alice) see her arrive.
	for _, connID := range []string{"c1", "c3"} {
		roster := sender.last(t, connID, protocol.TypeRoster)
		if got := users(roster); len(got) != 2 || got[0] != "alice" || got[1] != "carol" {
			t.Errorf("%s room b roster: %v", connID, got)
		}
	}

	if got := d.Presence().MemberCount("a"); got != 1 {
		t.Errorf("room a member count: %d", got)
	}
	if got := d.Presence().MemberCount("b"); got != 2 {
		t.Errorf("room b member count: %d", got)
	}
}

// ---------------------------------------------------------------------------
// Edit and delete
// ---------------------------------------------------------------------------

func TestEditMessageByOwner(t *testing.T) {
	d, _, sender := newTestDispatcher(t)

	_ = d.Join("c1", Identity{Name: "alice"}, "general")
	_ = d.Join("c2", Identity{Name: "bob"}, "general")
	_ = d.SendMessage("c1", "helo")

	msgID := sender.last(t, "c1", protocol.TypeMessage)["id"].(string)

	if err := d.EditMessage("c1", msgID, "hello"); err != nil {
		t.Fatalf("EditMessage() error: %v", err)
	}

	edited := sender.last(t, "c2", protocol.TypeMessageEdited)
	if edited["id"] != msgID || edited["text"] != "hello" {
		t.Errorf("unexpected edit broadcast: %v", edited)
	}
}

func TestEditMessageByNonOwner(t *testing.T) {
	d, _, sender := newTestDispatcher(t)

	_ = d.Join("c1", Identity{Name: "alice"}, "general")
	_ = d.Join("c2", Identity{Name: "bob"}, "general")
	_ = d.SendMessage("c1", "hello")

	msgID := sender.last(t, "c1", protocol.TypeMessage)["id"].(string)

	if err := d.EditMessage("c2", msgID, "hijacked"); !errors.Is(err, history.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if len(sender.byType("c1", protocol.TypeMessageEdited)) != 0 {
		t.Fatal("forbidden edit was broadcast")
	}
}

func TestDeleteMessage(t *testing.T) {
	d, store, sender := newTestDispatcher(t)

	_ = d.Join("c1", Identity{Name: "alice"}, "general")
	_ = d.Join("c2", Identity{Name: "bob"}, "general")
	_ = d.SendMessage("c1", "oops")

	msgID := sender.last(t, "c1", protocol.TypeMessage)["id"].(string)

	if err := d.DeleteMessage("c1", msgID); err != nil {
		t.Fatalf("DeleteMessage() error: %v", err)
	}
	if got := store.Count("general"); got != 0 {
		t.Fatalf("expected empty log after delete, got %d", got)
	}

	deleted := sender.last(t, "c2", protocol.TypeMessageDeleted)
	if deleted["id"] != msgID {
		t.Errorf("unexpected delete broadcast: %v", deleted)
	}

	if err := d.DeleteMessage("c1", "no-such-id"); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
