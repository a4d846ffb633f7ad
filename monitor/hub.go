// Package monitor streams live pipeline stats to WebSocket subscribers so the
// run can be watched from a browser while the TUI owns the terminal.
package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Stats is one snapshot of the pipeline, broadcast as JSON.
type Stats struct {
	Episodes      int     `json:"episodes"`
	Steps         int     `json:"steps"`
	MeanReturn    float64 `json:"mean_return"`
	MeanEntropy   float64 `json:"mean_entropy"`
	StepsPerSec   float64 `json:"steps_per_sec"`
	ShardsWritten int     `json:"shards_written"`
	Workers       int     `json:"workers"`
	UpdatedAt     int64   `json:"updated_at"`
}

// Hub fans Stats snapshots out to every connected subscriber. Slow or dead
// subscribers are dropped rather than allowed to stall the broadcast.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	last  *Stats
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served off localhost; cross-origin pages
			// may subscribe too.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the subscriber. New
// subscribers immediately receive the latest snapshot.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	h.mu.Lock()
	last := h.last
	h.mu.Unlock()

	// Replay the latest snapshot before the conn is visible to Broadcast.
	// Only one goroutine may write a gorilla conn at a time, and after the
	// insert below that goroutine is the broadcaster.
	if last != nil && !h.send(conn, last) {
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("monitor subscriber connected", "remote", conn.RemoteAddr())

	// Drain the read side so close frames and pings are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()
}

// Broadcast sends a snapshot to every subscriber and remembers it for the
// next one to connect.
func (h *Hub) Broadcast(s Stats) {
	s.UpdatedAt = time.Now().Unix()

	h.mu.Lock()
	h.last = &s
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.send(c, &s)
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.Close()
	}
}

func (h *Hub) send(conn *websocket.Conn, s *Stats) bool {
	payload, err := json.Marshal(s)
	if err != nil {
		h.logger.Error("marshal stats", "err", err)
		return true
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		h.drop(conn)
		return false
	}
	return true
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.conns[conn]
	delete(h.conns, conn)
	h.mu.Unlock()
	if ok {
		h.logger.Info("monitor subscriber disconnected", "remote", conn.RemoteAddr())
	}
	_ = conn.Close()
}
