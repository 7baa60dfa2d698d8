// Command firehose tails the room event feed published over NATS and logs
// every frame. It is an operational tool for watching live room traffic
// without attaching a WebSocket client, and doubles as a template for
// archival or moderation consumers.
package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/parley/chat-rooms/internal/messaging"
)

func main() {
	log.Println("Starting Parley firehose...")

	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "parley-firehose"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// Filter to a single room when requested, otherwise tail everything.
	onlyRoom := os.Getenv("FIREHOSE_ROOM")

	logFrame := func(room string, data []byte) {
		var frame struct {
			Type string `json:"type"`
			From string `json:"from"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("[firehose] room=%s unparseable frame: %v", room, err)
			return
		}

		switch frame.Type {
		case "message":
			log.Printf("[firehose] room=%s message from=%q len=%d", room, frame.From, len(frame.Text))
		default:
			log.Printf("[firehose] room=%s %s", room, frame.Type)
		}
	}

	if onlyRoom != "" {
		err = natsClient.SubscribeRoomEvents(onlyRoom, func(data []byte) {
			logFrame(onlyRoom, data)
		})
	} else {
		err = natsClient.SubscribeAllRooms(logFrame)
	}
	if err != nil {
		log.Fatalf("failed to subscribe to room events: %v", err)
	}

	log.Printf("Parley firehose running")
	log.Printf("  nats_url: %s", natsConfig.URL)
	if onlyRoom != "" {
		log.Printf("  room:     %s", onlyRoom)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
}
