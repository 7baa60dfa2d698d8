package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/parley/chat-rooms/internal/auth"
	"github.com/parley/chat-rooms/internal/history"
	"github.com/parley/chat-rooms/internal/messaging"
	"github.com/parley/chat-rooms/internal/protocol"
	"github.com/parley/chat-rooms/internal/ratelimit"
	"github.com/parley/chat-rooms/internal/room"
	"github.com/parley/chat-rooms/internal/session"
	"github.com/parley/chat-rooms/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	roomConfig := room.DefaultConfig()
	if v := os.Getenv("SNAPSHOT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			roomConfig.SnapshotLimit = n
		}
	}
	if v := os.Getenv("TYPING_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			roomConfig.TypingTTL = d
		}
	}

	retention := history.DefaultRetention
	if v := os.Getenv("HISTORY_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			retention = n
		}
	}

	// --- History store: Postgres when configured, in-memory otherwise ---
	var store history.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := history.NewPGStore(dsn, retention)
		if err != nil {
			log.Fatalf("failed to open postgres history store: %v", err)
		}
		store = pg
		log.Printf("history store: postgres (retention=%d)", retention)
	} else {
		store = history.NewMemoryStore(retention)
		log.Printf("history store: in-memory (retention=%d)", retention)
	}

	// --- Redis session mirror + rate limiting (optional) ---
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "rooms-1"
	}

	var sessionStore *session.Store
	var limiter *ratelimit.Limiter
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		var err error
		sessionStore, err = session.NewStore(redisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		limiter = ratelimit.NewLimiter(sessionStore.Client())
	} else {
		log.Printf("REDIS_ADDR not set, session mirror and rate limiting disabled")
	}

	// --- NATS room event feed (optional) ---
	var natsClient *messaging.NATSClient
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = serverName
		var err error
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	} else {
		log.Printf("NATS_URL not set, room event feed disabled")
	}

	// --- Token verification (optional) ---
	var issuer *auth.TokenIssuer
	var accounts auth.AccountStore
	if secret := os.Getenv("AUTH_SECRET"); secret != "" {
		var err error
		issuer, err = auth.NewTokenIssuer(secret, "parley")
		if err != nil {
			log.Fatalf("failed to create token issuer: %v", err)
		}
		accounts = auth.NewMemoryAccountStore()
	} else {
		log.Printf("AUTH_SECRET not set, all joins are guest joins")
	}

	log.Printf("Parley room server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  snapshot_limit:  %d", roomConfig.SnapshotLimit)
	log.Printf("  typing_ttl:      %s", roomConfig.TypingTTL)
	log.Printf("  server_name:     %s", serverName)

	var server *ws.Server

	rooms := room.NewDispatcher(roomConfig, store, room.SenderFunc(func(connID string, data []byte) error {
		return server.Send(connID, data)
	}))
	if natsClient != nil {
		rooms.SetFeed(natsClient)
	}

	frames := ws.NewFrameDispatcher()

	// sendRoomError maps dispatcher errors onto protocol error frames.
	// Validation errors carry their own code; history lookups map to
	// not_found / forbidden. Anything else is an internal failure that is
	// logged but not surfaced to the client.
	sendRoomError := func(conn *ws.Connection, err error) {
		var verr *room.ValidationError
		switch {
		case errors.As(err, &verr):
			frames.SendError(conn, verr.Code, verr.Message)
		case errors.Is(err, history.ErrNotFound):
			frames.SendError(conn, protocol.CodeNotFound, "message not found")
		case errors.Is(err, history.ErrForbidden):
			frames.SendError(conn, protocol.CodeForbidden, "not the message owner")
		default:
			log.Printf("room operation failed conn=%s: %v", conn.ID, err)
		}
	}

	// allow applies a rate limiting rule to the connection. When the limit is
	// exceeded the client gets a rate_limited frame and the action is dropped.
	allow := func(conn *ws.Connection, rule ratelimit.Rule) bool {
		if limiter == nil {
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ok, _ := limiter.Allow(ctx, conn.ID, rule)
		if !ok {
			resp, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(rule.Window.Seconds()),
			})
			if err == nil {
				_ = conn.WriteMessage(resp)
			}
		}
		return ok
	}

	// -----------------------------------------------------------------------
	// join — enter a room under a display name, optionally authenticated
	// -----------------------------------------------------------------------
	frames.Register(protocol.TypeJoin, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinMsg)
		if !ok {
			return
		}
		if !allow(conn, ratelimit.RuleJoin) {
			return
		}

		id := room.Identity{Name: joinMsg.Name, Guest: true}
		if joinMsg.Token != "" && issuer != nil {
			claims, err := issuer.Verify(joinMsg.Token)
			if err != nil {
				frames.SendError(conn, protocol.CodeAuthFailed, "invalid or expired token")
				return
			}

			// A registered account's canonical name wins over the token's
			// snapshot; accounts are recorded on first sight so later joins
			// and token issuance resolve against the store.
			name := claims.Name
			if account, err := accounts.Get(context.Background(), claims.AccountID); err == nil {
				name = account.Name
			} else {
				_ = accounts.Put(context.Background(), auth.Account{ID: claims.AccountID, Name: claims.Name})
			}
			id = room.Identity{Name: name, AccountID: claims.AccountID}
		}

		if err := rooms.Join(conn.ID, id, joinMsg.Room); err != nil {
			sendRoomError(conn, err)
			return
		}

		if sessionStore != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			roomName := room.NormalizeRoom(joinMsg.Room)
			if err := sessionStore.SetMembership(ctx, conn.ID, id.Name, id.AccountID, id.Guest, roomName); err != nil {
				log.Printf("session mirror update failed conn=%s: %v", conn.ID, err)
			}
		}
	})

	// -----------------------------------------------------------------------
	// leave_room — leave the current room, keep the connection
	// -----------------------------------------------------------------------
	frames.Register(protocol.TypeLeaveRoom, func(conn *ws.Connection, msg interface{}) {
		rooms.Leave(conn.ID)

		if sessionStore != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := sessionStore.ClearRoom(ctx, conn.ID); err != nil {
				log.Printf("session mirror update failed conn=%s: %v", conn.ID, err)
			}
		}
	})

	// -----------------------------------------------------------------------
	// message — send a chat message to the current room
	// -----------------------------------------------------------------------
	frames.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		if !allow(conn, ratelimit.RuleMessage) {
			return
		}

		if err := rooms.SendMessage(conn.ID, chatMsg.Text); err != nil {
			sendRoomError(conn, err)
			return
		}

		if sessionStore != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = sessionStore.Touch(ctx, conn.ID)
		}
	})

	// -----------------------------------------------------------------------
	// edit_message / delete_message — sender-only message mutations
	// -----------------------------------------------------------------------
	frames.Register(protocol.TypeEditMessage, func(conn *ws.Connection, msg interface{}) {
		editMsg, ok := msg.(protocol.EditMessageMsg)
		if !ok {
			return
		}
		if !allow(conn, ratelimit.RuleEdit) {
			return
		}
		if err := rooms.EditMessage(conn.ID, editMsg.MessageID, editMsg.Text); err != nil {
			sendRoomError(conn, err)
		}
	})

	frames.Register(protocol.TypeDeleteMessage, func(conn *ws.Connection, msg interface{}) {
		delMsg, ok := msg.(protocol.DeleteMessageMsg)
		if !ok {
			return
		}
		if !allow(conn, ratelimit.RuleEdit) {
			return
		}
		if err := rooms.DeleteMessage(conn.ID, delMsg.MessageID); err != nil {
			sendRoomError(conn, err)
		}
	})

	// -----------------------------------------------------------------------
	// typing_start / typing_stop — composing indicators
	// -----------------------------------------------------------------------
	frames.Register(protocol.TypeTypingStart, func(conn *ws.Connection, msg interface{}) {
		if err := rooms.TypingStart(conn.ID); err != nil {
			sendRoomError(conn, err)
		}
	})

	frames.Register(protocol.TypeTypingStop, func(conn *ws.Connection, msg interface{}) {
		if err := rooms.TypingStop(conn.ID); err != nil {
			sendRoomError(conn, err)
		}
	})

	server = ws.NewServer(config, sessionStore, frames.Dispatch)

	// Transport close runs the same cleanup as an explicit leave. The
	// dispatcher tolerates duplicate disconnect signals.
	server.SetOnDisconnect(func(connID string) {
		rooms.Disconnect(connID)
	})

	rooms.Start()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if natsClient != nil {
			natsClient.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		rooms.Stop()
		if err := store.Close(); err != nil {
			log.Printf("history store close error: %v", err)
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
