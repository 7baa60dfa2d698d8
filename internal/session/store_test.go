package session

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

// openTestStore connects to Redis or skips the test when it is unreachable.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	store, err := NewStore(addr, "test-server")
	if err != nil {
		t.Skipf("redis not available, skipping: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// ============================================================
// Lifecycle
// ============================================================

func TestSessionLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	connID := uuid.New().String()

	if err := store.Create(ctx, connID); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer store.Delete(ctx, connID)

	sess, err := store.Get(ctx, connID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess == nil {
		t.Fatal("session not found after Create")
	}
	if sess.Status != StatusConnected {
		t.Errorf("status = %q, want %q", sess.Status, StatusConnected)
	}
	if sess.Server != "test-server" {
		t.Errorf("server = %q, want test-server", sess.Server)
	}

	if err := store.SetMembership(ctx, connID, "alice", "acct-1", false, "general"); err != nil {
		t.Fatalf("SetMembership: %v", err)
	}
	sess, err = store.Get(ctx, connID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Status != StatusJoined || sess.Room != "general" || sess.Name != "alice" {
		t.Errorf("after join: %+v", sess)
	}
	if sess.Guest {
		t.Error("guest = true, want false for account session")
	}

	if err := store.ClearRoom(ctx, connID); err != nil {
		t.Fatalf("ClearRoom: %v", err)
	}
	sess, _ = store.Get(ctx, connID)
	if sess.Room != "" || sess.Status != StatusConnected {
		t.Errorf("after ClearRoom: room=%q status=%q", sess.Room, sess.Status)
	}

	if err := store.Delete(ctx, connID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	sess, err = store.Get(ctx, connID)
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if sess != nil {
		t.Error("session still present after Delete")
	}
}

func TestGetMissingSession(t *testing.T) {
	store := openTestStore(t)

	sess, err := store.Get(context.Background(), "no-such-conn")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess != nil {
		t.Errorf("got %+v, want nil for missing session", sess)
	}
}
