package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/armada/internal/fleet"
	"github.com/Iron-Ham/armada/internal/logging"
)

const wsWriteTimeout = 5 * time.Second

// wsMessage is the envelope written to every client.
type wsMessage struct {
	Type    string         `json:"type"`
	Payload fleet.Snapshot `json:"payload"`
}

// WebSocketSink broadcasts snapshots to connected WebSocket clients. It is
// also the http.Handler clients connect to; a new client first receives
// the most recent snapshot.
type WebSocketSink struct {
	upgrader websocket.Upgrader
	logger   *logging.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex
	last    []byte
	closed  bool
}

// NewWebSocketSink creates a WebSocketSink.
func NewWebSocketSink(l *logging.Logger) *WebSocketSink {
	return &WebSocketSink{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logging.OrNop(l).WithComponent("observer.ws"),
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Name implements Sink.
func (s *WebSocketSink) Name() string { return "websocket" }

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects. Messages from clients are read and discarded.
func (s *WebSocketSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	wmu := &sync.Mutex{}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[conn] = wmu
	last := s.last
	s.mu.Unlock()

	if last != nil {
		if err := s.write(conn, wmu, last); err != nil {
			s.drop(conn)
			return
		}
	}

	defer s.drop(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
	}
}

// Send implements Sink. Clients whose write fails are disconnected.
func (s *WebSocketSink) Send(_ context.Context, snap fleet.Snapshot) error {
	data, err := json.Marshal(wsMessage{Type: "snapshot", Payload: snap})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.last = data
	clients := make(map[*websocket.Conn]*sync.Mutex, len(s.clients))
	for c, m := range s.clients {
		clients[c] = m
	}
	s.mu.Unlock()

	for c, m := range clients {
		if err := s.write(c, m, data); err != nil {
			s.logger.Debug("websocket write failed", "remote", c.RemoteAddr().String(), "error", err)
			s.drop(c)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (s *WebSocketSink) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	s.closed = true
	clients := s.clients
	s.clients = make(map[*websocket.Conn]*sync.Mutex)
	s.mu.Unlock()

	for c, m := range clients {
		m.Lock()
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "mission finished"),
			time.Now().Add(time.Second))
		m.Unlock()
		_ = c.Close()
	}
	return nil
}

func (s *WebSocketSink) write(c *websocket.Conn, m *sync.Mutex, data []byte) error {
	m.Lock()
	defer m.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.WriteMessage(websocket.TextMessage, data)
}

func (s *WebSocketSink) drop(c *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}
