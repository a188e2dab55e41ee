package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// VersionNotification is pushed to every /watch subscriber whenever a push
// advances the server's latest version. It is additive, not a pull
// substitute: subscribers still call POST /pull to fetch the actual
// operations, and nothing here coordinates multiple servers (SPEC_FULL.md
// §4.18 — explicitly not a multi-master replication channel).
type VersionNotification struct {
	LatestVersion int64     `json:"latest_version"`
	Timestamp     time.Time `json:"timestamp"`
}

// WatchHub fans a version notification out to every connected /watch
// client.
type WatchHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
	logger  *slog.Logger
}

func NewWatchHub(logger *slog.Logger) *WatchHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WatchHub{clients: make(map[*websocket.Conn]bool), logger: logger}
}

// HandleWatch upgrades GET /watch to a WebSocket and registers the
// connection for version notifications.
func (h *WatchHub) HandleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("watch upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	go h.readPump(conn)
}

// readPump drains client frames (ping/pong keepalive only; subscribers
// never send data) and unregisters the connection on close.
func (h *WatchHub) readPump(conn *websocket.Conn) {
	defer h.unregister(conn)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WatchHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Notify broadcasts the new latest version to every connected client. A
// slow or dead client is dropped rather than blocking the others.
func (h *WatchHub) Notify(latestVersion int64) {
	notification := VersionNotification{LatestVersion: latestVersion, Timestamp: time.Now()}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteJSON(notification); err != nil {
			h.logger.Debug("watch notify failed, dropping client", "error", err)
			h.unregister(c)
		}
	}
}
