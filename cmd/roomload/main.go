// Command roomload drives synthetic chat traffic against a running room
// server. Simulated users connect, spread across rooms, send messages at a
// fixed rate, and measure the latency from send to receiving their own
// broadcast back.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/ws", "WebSocket URL of the room server")
		nClients = flag.Int("clients", 50, "number of simulated users")
		nRooms   = flag.Int("rooms", 5, "number of rooms to spread users across")
		rate     = flag.Duration("rate", 2*time.Second, "interval between messages per user")
		duration = flag.Duration("duration", 30*time.Second, "total test duration")
	)
	flag.Parse()

	log.Printf("roomload: %d clients, %d rooms, 1 msg/%s per client, %s total",
		*nClients, *nRooms, *rate, *duration)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var (
		latMu     sync.Mutex
		latencies []time.Duration
	)
	recordLatency := func(d time.Duration) {
		latMu.Lock()
		latencies = append(latencies, d)
		latMu.Unlock()
	}

	var wg sync.WaitGroup
	clients := make([]*Client, 0, *nClients)
	var clientsMu sync.Mutex

	for i := 0; i < *nClients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			c, err := NewClient(ctx, *url)
			if err != nil {
				log.Printf("client %d: %v", i, err)
				return
			}
			clientsMu.Lock()
			clients = append(clients, c)
			clientsMu.Unlock()

			name := fmt.Sprintf("load-%04d", i)
			room := fmt.Sprintf("load-room-%d", i%*nRooms)

			// Echo detection: match our own broadcasts by sender name and
			// look up the send timestamp by message text.
			var sentMu sync.Mutex
			sent := make(map[string]time.Time)

			c.On("message", func(raw json.RawMessage) {
				var msg struct {
					From string `json:"from"`
					Text string `json:"text"`
				}
				if err := json.Unmarshal(raw, &msg); err != nil || msg.From != name {
					return
				}
				sentMu.Lock()
				t0, ok := sent[msg.Text]
				delete(sent, msg.Text)
				sentMu.Unlock()
				if ok {
					recordLatency(time.Since(t0))
				}
			})

			if err := c.WaitForWelcome(ctx); err != nil {
				log.Printf("client %d: %v", i, err)
				return
			}

			if err := c.Send(map[string]string{"type": "join", "room": room, "name": name}); err != nil {
				log.Printf("client %d join: %v", i, err)
				return
			}

			// Jitter start so clients don't send in lockstep.
			select {
			case <-time.After(time.Duration(rand.Int63n(int64(*rate)))):
			case <-ctx.Done():
				return
			}

			ticker := time.NewTicker(*rate)
			defer ticker.Stop()
			seq := 0
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					text := fmt.Sprintf("load %s #%d", name, seq)
					seq++
					sentMu.Lock()
					sent[text] = time.Now()
					sentMu.Unlock()
					if err := c.Send(map[string]string{"type": "message", "text": text}); err != nil {
						return
					}
				}
			}
		}(i)
	}

	wg.Wait()

	var totalSent, totalRecv, totalErrs int
	for _, c := range clients {
		m := c.GetMetrics()
		totalSent += m.MessagesSent
		totalRecv += m.MessagesReceived
		totalErrs += m.Errors
		c.Close()
	}

	latMu.Lock()
	sort.Slice(latencies, func(a, b int) bool { return latencies[a] < latencies[b] })
	latMu.Unlock()

	log.Printf("roomload results:")
	log.Printf("  connected:      %d/%d", len(clients), *nClients)
	log.Printf("  frames sent:    %d", totalSent)
	log.Printf("  frames recv:    %d", totalRecv)
	log.Printf("  read errors:    %d", totalErrs)
	log.Printf("  echoes timed:   %d", len(latencies))
	if len(latencies) > 0 {
		log.Printf("  echo latency:   p50=%s p95=%s p99=%s max=%s",
			percentile(latencies, 0.50), percentile(latencies, 0.95),
			percentile(latencies, 0.99), latencies[len(latencies)-1])
	}
}

// percentile returns the p-th percentile of a sorted duration slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
