package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/thoscut/ocrflow/internal/jobs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local network use
	},
}

// WebSocketHub fans progress updates out to connected clients. A client
// may subscribe to a single session or, with no filter, to all of them.
type WebSocketHub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	// session limits delivery to one session id; empty means all updates.
	session string
}

// NewWebSocketHub creates a new WebSocket hub.
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{clients: make(map[*wsClient]bool)}
}

func (h *WebSocketHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	slog.Debug("websocket client connected", "clients", n, "session_filter", c.session)
}

func (h *WebSocketHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	slog.Debug("websocket client disconnected", "clients", n)
}

// Broadcast delivers an update to every client whose filter matches. Slow
// clients are dropped rather than allowed to stall the pipeline.
func (h *WebSocketHub) Broadcast(update jobs.ProgressUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		slog.Error("failed to marshal ws update", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if client.session != "" && client.session != update.SessionID {
			continue
		}
		select {
		case client.send <- data:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn:    conn,
		send:    make(chan []byte, 256),
		session: r.URL.Query().Get("session_id"),
	}

	s.wsHub.add(client)

	go client.writePump()
	go client.readPump(s.wsHub)
}

func (c *wsClient) readPump(hub *WebSocketHub) {
	defer func() {
		hub.remove(c)
		c.conn.Close()
	}()

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			slog.Debug("websocket write error", "error", err)
			return
		}
	}
}
