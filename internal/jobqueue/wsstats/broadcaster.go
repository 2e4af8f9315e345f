// -----------------------------------------------------------------------
// WebSocket Stats Broadcaster - live worker occupancy feed (spec §4.3)
// -----------------------------------------------------------------------

package wsstats

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// statsMessage is broadcast to every connected client on each worker tick.
type statsMessage struct {
	Type     string `json:"type"`
	Active   int    `json:"active"`
	Capacity int    `json:"capacity"`
}

// Broadcaster fans worker occupancy out to connected websocket clients.
// It implements worker.StatsBroadcaster; the worker manager works
// identically whether or not one is wired in.
type Broadcaster struct {
	logger arbor.ILogger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
}

// New builds an empty Broadcaster.
func New(logger arbor.ILogger) *Broadcaster {
	return &Broadcaster{
		logger:  logger,
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// HandleWebSocket upgrades r and registers the connection until it
// closes or errors. Mount it at the configured WebSocket.Path.
func (b *Broadcaster) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if b.logger != nil {
			b.logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		}
		return
	}

	b.mu.Lock()
	b.clients[conn] = &sync.Mutex{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// BroadcastStats sends the current occupancy to every connected client.
func (b *Broadcaster) BroadcastStats(active, capacity int) {
	data, err := json.Marshal(statsMessage{Type: "worker_stats", Active: active, Capacity: capacity})
	if err != nil {
		return
	}

	b.mu.RLock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(b.clients))
	for conn, mu := range b.clients {
		targets[conn] = mu
	}
	b.mu.RUnlock()

	for conn, mu := range targets {
		mu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mu.Unlock()
		if err != nil && b.logger != nil {
			b.logger.Warn().Err(err).Msg("failed to send stats to websocket client")
		}
	}
}
