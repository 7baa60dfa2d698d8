package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// Status constants for the connection state machine.
	StatusConnected = "connected"
	StatusJoined    = "joined"
)

// Session represents a connection's mirrored state stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	Status     string `redis:"status"`     // connected | joined
	Name       string `redis:"name"`       // display name, empty until joined
	Room       string `redis:"room"`       // empty if not in a room
	AccountID  string `redis:"account_id"` // empty for guests
	Guest      bool   `redis:"guest"`
	Server     string `redis:"server"`      // which server instance owns the connection
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session mirrors in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new session in Redis with connected status and 1h TTL.
func (s *Store) Create(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          connID,
		"status":      StatusConnected,
		"name":        "",
		"room":        "",
		"account_id":  "",
		"guest":       true,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// SetMembership records the identity and room a connection joined, marks it
// joined, and refreshes the TTL.
func (s *Store) SetMembership(ctx context.Context, connID, name, accountID string, guest bool, room string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"status", StatusJoined,
		"name", name,
		"account_id", accountID,
		"guest", guest,
		"room", room,
		"last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ClearRoom removes the room binding and resets status to connected.
func (s *Store) ClearRoom(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	return s.client.HSet(ctx, key, "room", "", "status", StatusConnected, "last_active", time.Now().Unix()).Err()
}

// Touch updates last_active and extends the session's TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (e.g., the rate limiter).
func (s *Store) Client() *redis.Client {
	return s.client
}
