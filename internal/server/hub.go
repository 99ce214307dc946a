package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"snapcode/internal/logging"
)

const (
	maxClients   = 10 // Maximum concurrent event subscribers
	writeTimeout = 5 * time.Second
	readLimit    = 4096
)

// Event is one message on the event stream
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// clientMessage is what subscribers may send
type clientMessage struct {
	Type string `json:"type"`
}

// ClientInfo represents a connected subscriber
type ClientInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connectedAt"`
	UserAgent   string    `json:"userAgent"`
	RemoteAddr  string    `json:"remoteAddr"`
	writeMu     sync.Mutex
}

// hub fans events out to websocket subscribers
type hub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]*ClientInfo
	upgrader websocket.Upgrader
}

func newHub() *hub {
	h := &hub{clients: make(map[*websocket.Conn]*ClientInfo)}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
	return h
}

// checkOrigin allows same-origin requests and local pages only
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1", "http://[::1]"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	logging.Warn("WebSocket connection rejected: invalid origin", "origin", origin)
	return false
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// serve upgrades the request and keeps the connection until it closes
func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	if h.count() >= maxClients {
		http.Error(w, "Maximum connections reached", http.StatusServiceUnavailable)
		logging.Warn("Event subscriber rejected: max clients reached")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("WebSocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	idBytes := make([]byte, 8)
	_, _ = rand.Read(idBytes)
	info := &ClientInfo{
		ID:          hex.EncodeToString(idBytes),
		ConnectedAt: time.Now(),
		UserAgent:   r.UserAgent(),
		RemoteAddr:  r.RemoteAddr,
	}

	h.mu.Lock()
	h.clients[conn] = info
	h.mu.Unlock()
	logging.Info("Event subscriber connected", "clientId", info.ID, "remoteAddr", r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
		logging.Info("Event subscriber disconnected", "clientId", info.ID)
	}()

	h.send(conn, info, Event{Type: "hello", Time: time.Now().UTC(), Data: map[string]string{"clientId": info.ID}})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("WebSocket read error", "error", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.send(conn, info, Event{Type: "error", Time: time.Now().UTC(), Data: "invalid message format"})
			continue
		}
		if msg.Type == "ping" {
			h.send(conn, info, Event{Type: "pong", Time: time.Now().UTC()})
		}
	}
}

func (h *hub) send(conn *websocket.Conn, info *ClientInfo, ev Event) {
	info.writeMu.Lock()
	defer info.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(ev); err != nil {
		logging.Debug("Failed to write to subscriber", "clientId", info.ID, "error", err)
	}
}

// Broadcast sends an event to every subscriber
func (h *hub) Broadcast(eventType string, data any) {
	msg, err := json.Marshal(Event{Type: eventType, Time: time.Now().UTC(), Data: data})
	if err != nil {
		logging.Error("Failed to marshal event", "type", eventType, "error", err)
		return
	}

	type target struct {
		conn *websocket.Conn
		info *ClientInfo
	}
	h.mu.RLock()
	targets := make([]target, 0, len(h.clients))
	for conn, info := range h.clients {
		targets = append(targets, target{conn, info})
	}
	h.mu.RUnlock()

	// Write outside the hub lock, using the per-connection mutex
	for _, t := range targets {
		t.info.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := t.conn.WriteMessage(websocket.TextMessage, msg)
		t.info.writeMu.Unlock()
		if err != nil {
			logging.Debug("Failed to broadcast to subscriber", "clientId", t.info.ID, "error", err)
		}
	}
}

// closeAll disconnects every subscriber
func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*websocket.Conn]*ClientInfo)
	h.mu.Unlock()

	for conn, info := range clients {
		info.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down"))
		info.writeMu.Unlock()
		conn.Close()
	}
}

// Clients returns the connected subscribers
func (h *hub) Clients() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := make([]ClientInfo, 0, len(h.clients))
	for _, info := range h.clients {
		list = append(list, ClientInfo{
			ID:          info.ID,
			ConnectedAt: info.ConnectedAt,
			UserAgent:   info.UserAgent,
			RemoteAddr:  info.RemoteAddr,
		})
	}
	return list
}
