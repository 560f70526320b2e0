package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kistrader/internal/engine"
)

// Compile-time interface check.
var _ engine.EventSink = (*Hub)(nil)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	clientBuffer   = 64
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from a different origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans engine events out to connected websocket clients. Publish never
// blocks: a client that cannot keep up is disconnected.
type Hub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	log     *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[chan []byte]struct{}),
		log:     slog.Default().With("component", "eventhub"),
	}
}

// Publish broadcasts one engine event to every connected client.
func (h *Hub) Publish(ev engine.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("encoding event", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
			// Slow client: close its channel so the writer drops the connection.
			delete(h.clients, ch)
			close(ch)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register() chan []byte {
	ch := make(chan []byte, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(ch chan []byte) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// ServeWS upgrades the request and streams events until the client leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ch := h.register()
	h.log.Info("websocket client connected", "remote", r.RemoteAddr, "clients", h.ClientCount())

	// Reader: the client sends nothing we care about, but reading is required
	// to notice the close frame.
	go func() {
		defer h.unregister(ch)
		conn.SetReadLimit(maxMessageSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		h.unregister(ch)
		h.log.Info("websocket client disconnected", "remote", r.RemoteAddr, "clients", h.ClientCount())
	}()

	for {
		select {
		case msg, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
