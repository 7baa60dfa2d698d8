// Package messaging provides a NATS client wrapper that publishes a feed of
// room events for external consumers (archivers, moderation tooling, the
// firehose command). The room server itself never depends on NATS for
// delivery; every broadcast frame is mirrored onto rooms.events.<room> on a
// best-effort basis after the in-process fan-out completes.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectRoomEvents is the subject prefix for the per-room event feed.
// Individual rooms publish to rooms.events.<room>; consumers that want every
// room subscribe to SubjectAllRooms.
const (
	SubjectRoomEvents = "rooms.events"
	SubjectAllRooms   = "rooms.events.>"
)

// NATSClient wraps the NATS connection with helper methods for the room
// event feed.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "parley",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishRoomEvent publishes a broadcast frame to the rooms.events.<room>
// subject.
func (c *NATSClient) PublishRoomEvent(room string, data []byte) error {
	return c.conn.Publish(SubjectRoomEvents+"."+room, data)
}

// SubscribeRoomEvents registers a handler for a single room's event feed.
func (c *NATSClient) SubscribeRoomEvents(room string, handler func(data []byte)) error {
	return c.subscribe(SubjectRoomEvents+"."+room, handler)
}

// SubscribeAllRooms registers a handler for every room's event feed using the
// rooms.events.> wildcard. The handler receives the room name extracted from
// the subject along with the raw frame.
func (c *NATSClient) SubscribeAllRooms(handler func(room string, data []byte)) error {
	sub, err := c.conn.Subscribe(SubjectAllRooms, func(msg *nats.Msg) {
		room := msg.Subject
		if len(room) > len(SubjectRoomEvents)+1 {
			room = room[len(SubjectRoomEvents)+1:]
		}
		handler(room, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectAllRooms, err)
	}

	c.mu.Lock()
	c.subs[SubjectAllRooms] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeRoomEvents removes the subscription for a single room's feed.
func (c *NATSClient) UnsubscribeRoomEvents(room string) error {
	return c.unsubscribe(SubjectRoomEvents + "." + room)
}

// subscribe registers a handler for the given subject and stores the
// subscription for later cleanup.
func (c *NATSClient) subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
