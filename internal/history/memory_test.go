package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func userMsg(id, room, sender, text string, ts int64) Message {
	return Message{
		ID:        id,
		Room:      room,
		Sender:    sender,
		Owner:     sender,
		Text:      text,
		Kind:      KindUser,
		CreatedAt: time.Unix(ts, 0),
	}
}

func TestAppendAndRecent(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	for i, text := range []string{"hello", "hi", "how are you?"} {
		if err := s.Append(ctx, userMsg(fmt.Sprintf("m%d", i), "general", "alice", text, int64(i))); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	msgs, err := s.Recent(ctx, "general", 50)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "hello" || msgs[1].Text != "hi" || msgs[2].Text != "how are you?" {
		t.Errorf("messages out of order: %+v", msgs)
	}
}

func TestRecentHonorsLimit(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		_ = s.Append(ctx, userMsg(fmt.Sprintf("m%d", i), "general", "alice", fmt.Sprintf("msg-%d", i), int64(i)))
	}

	msgs, err := s.Recent(ctx, "general", 4)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}

	// The newest 4, oldest first.
	for i, msg := range msgs {
		expected := fmt.Sprintf("msg-%d", i+7)
		if msg.Text != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, msg.Text)
		}
	}
}

func TestRetentionEvictsOldest(t *testing.T) {
	s := NewMemoryStore(1000)
	ctx := context.Background()

	for i := 1; i <= 1001; i++ {
		_ = s.Append(ctx, userMsg(fmt.Sprintf("m%d", i), "general", "alice", fmt.Sprintf("msg-%d", i), int64(i)))
	}

	if got := s.Count("general"); got != 1000 {
		t.Fatalf("expected exactly 1000 stored messages, got %d", got)
	}

	msgs, _ := s.Recent(ctx, "general", 1000)
	if msgs[0].Text != "msg-2" {
		t.Errorf("expected oldest surviving message %q, got %q", "msg-2", msgs[0].Text)
	}
	if msgs[len(msgs)-1].Text != "msg-1001" {
		t.Errorf("expected newest message %q, got %q", "msg-1001", msgs[len(msgs)-1].Text)
	}
}

func TestRecentUnknownRoom(t *testing.T) {
	s := NewMemoryStore(0)

	msgs, err := s.Recent(context.Background(), "does-not-exist", 50)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected 0 messages, got %d", len(msgs))
	}
}

func TestEditByOwner(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	_ = s.Append(ctx, userMsg("m1", "general", "alice", "helo", 1))

	editedAt := time.Unix(5, 0)
	msg, err := s.Edit(ctx, "m1", "alice", "hello", editedAt)
	if err != nil {
		t.Fatalf("Edit() error: %v", err)
	}
	if msg.Text != "hello" || !msg.Edited || !msg.EditedAt.Equal(editedAt) {
		t.Errorf("unexpected edited message: %+v", msg)
	}

	msgs, _ := s.Recent(ctx, "general", 50)
	if msgs[0].Text != "hello" || !msgs[0].Edited {
		t.Errorf("edit not persisted: %+v", msgs[0])
	}
}

func TestEditByNonOwner(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	_ = s.Append(ctx, userMsg("m1", "general", "alice", "hello", 1))

	_, err := s.Edit(ctx, "m1", "bob", "hijacked", time.Unix(5, 0))
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	msgs, _ := s.Recent(ctx, "general", 50)
	if msgs[0].Text != "hello" || msgs[0].Edited {
		t.Errorf("message mutated by non-owner: %+v", msgs[0])
	}
}

func TestEditMissingMessage(t *testing.T) {
	s := NewMemoryStore(0)

	_, err := s.Edit(context.Background(), "nope", "alice", "text", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteByOwner(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	_ = s.Append(ctx, userMsg("m1", "general", "alice", "first", 1))
	_ = s.Append(ctx, userMsg("m2", "general", "alice", "second", 2))

	removed, err := s.Delete(ctx, "m1", "alice")
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if removed.ID != "m1" || removed.Room != "general" {
		t.Errorf("unexpected removed message: %+v", removed)
	}

	msgs, _ := s.Recent(ctx, "general", 50)
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Errorf("unexpected surviving messages: %+v", msgs)
	}
}

func TestDeleteByNonOwner(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	_ = s.Append(ctx, userMsg("m1", "general", "alice", "hello", 1))

	if _, err := s.Delete(ctx, "m1", "bob"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if got := s.Count("general"); got != 1 {
		t.Fatalf("expected 1 message after forbidden delete, got %d", got)
	}
}

func TestMultipleRoomsIsolated(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	_ = s.Append(ctx, userMsg("m1", "general", "alice", "g1", 1))
	_ = s.Append(ctx, userMsg("m2", "random", "bob", "r1", 2))
	_ = s.Append(ctx, userMsg("m3", "general", "bob", "g2", 3))

	general, _ := s.Recent(ctx, "general", 50)
	random, _ := s.Recent(ctx, "random", 50)

	if len(general) != 2 {
		t.Fatalf("general: expected 2 messages, got %d", len(general))
	}
	if len(random) != 1 {
		t.Fatalf("random: expected 1 message, got %d", len(random))
	}
	if general[0].Text != "g1" || general[1].Text != "g2" {
		t.Errorf("general messages out of order: %+v", general)
	}
}

func TestConcurrentAppendAndRecent(t *testing.T) {
	s := NewMemoryStore(100)
	ctx := context.Background()
	goroutines := 50
	messagesPerGoroutine := 20

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for m := 0; m < messagesPerGoroutine; m++ {
				_ = s.Append(ctx, userMsg(
					fmt.Sprintf("g%d-m%d", id, m),
					"busy",
					fmt.Sprintf("sender-%d", id),
					"x",
					int64(id*messagesPerGoroutine+m),
				))
				// Interleave reads to stress the RWMutex.
				_, _ = s.Recent(ctx, "busy", 50)
			}
		}(g)
	}

	wg.Wait()

	if got := s.Count("busy"); got != 100 {
		t.Fatalf("expected capacity-bounded count of 100, got %d", got)
	}
}
