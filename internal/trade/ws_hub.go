package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rewardgame/ledger-engine/internal/metrics"
	"github.com/rewardgame/ledger-engine/internal/pubsub"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// WSHub streams bus events to WebSocket clients. Each connection gets its
// own subscription to global, price and, with ?user_id=N, user:N.
type WSHub struct {
	bus     *pubsub.Bus
	clients map[*websocket.Conn]*pubsub.Subscription
	mu      sync.Mutex
}

// NewWSHub creates a hub reading from bus.
func NewWSHub(bus *pubsub.Bus) *WSHub {
	return &WSHub{
		bus:     bus,
		clients: make(map[*websocket.Conn]*pubsub.Subscription),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // CORS is enforced by the router.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	keys := []string{pubsub.KeyGlobal, pubsub.KeyPrice}
	var userID int64
	if v := r.URL.Query().Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, "user_id must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest)
			return
		}
		userID = id
		keys = append(keys, pubsub.UserKey(id))
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	sub := h.bus.Subscribe(keys...)
	h.add(conn, sub)
	slog.Info("ws client connected", "user_id", userID, "total", h.Count())

	go h.readPump(conn)
	go h.writePump(conn, sub)
}

// readPump detects disconnects and handles pongs. Client messages are ignored.
func (h *WSHub) readPump(conn *websocket.Conn) {
	defer h.remove(conn)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on conn.
func (h *WSHub) writePump(conn *websocket.Conn, sub *pubsub.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(conn)
	}()

	for {
		select {
		case ev, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Evicted for falling behind, or the hub closed.
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resubscribe"))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Count returns the number of connected clients.
func (h *WSHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *WSHub) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		h.remove(conn)
	}
}

func (h *WSHub) add(conn *websocket.Conn, sub *pubsub.Subscription) {
	h.mu.Lock()
	h.clients[conn] = sub
	h.mu.Unlock()
	metrics.WebSocketClients.Inc()
}

func (h *WSHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	sub, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.Cancel()
	conn.Close()
	metrics.WebSocketClients.Dec()
}
