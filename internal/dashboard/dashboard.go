// Package dashboard implements the read-only WebSocket relay spec.md §6
// names as an external collaborator: every event published on the
// Engine's Event Bus is forwarded, as JSON, to every currently connected
// dashboard client.
//
// Grounded on the donor's internal/gateway/ws_control_plane.go: the
// upgrade-then-per-connection-session shape, the buffered send channel
// plus dedicated write-pump goroutine, and the ping/pong read-deadline
// keepalive. Trimmed of the donor's bidirectional request/response
// control-plane protocol (connect handshake, gRPC-backed method
// dispatch, idempotency tracking) since the dashboard only ever pushes
// events outward — clients have nothing to request.
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cortexos/cortexos/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 45 * time.Second
	pingInterval   = 15 * time.Second
	clientSendCap  = 64
	maxPayloadSize = 1 << 20
)

// Server relays an events.Bus's traffic to WebSocket clients connected
// at its ServeHTTP handler.
type Server struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewServer builds a Server subscribed to bus. Pass the Engine's
// EventBus() so the dashboard observes the run's full lifecycle without
// the CLI wiring each event type by hand.
func NewServer(logger *slog.Logger, bus *events.Bus) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:  logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	bus.Subscribe(s.broadcast)
	return s
}

// ServeHTTP upgrades the request to a WebSocket connection and registers
// it as a dashboard client until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("dashboard: upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendCap)}
	s.addClient(c)
	defer s.removeClient(c)

	go c.writePump()
	c.readPump() // blocks until the client disconnects; dashboard clients send nothing
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// broadcast fans ev out to every connected client. A client whose send
// buffer is full is dropped rather than blocking delivery to the rest,
// so one stalled browser tab cannot stall the relay.
func (s *Server) broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("dashboard: marshal event failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Warn("dashboard: dropping slow client")
			delete(s.clients, c)
			close(c.send)
		}
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only exists to drive the pong/read-deadline keepalive and
// detect client disconnects; the dashboard protocol carries no inbound
// messages.
func (c *client) readPump() {
	c.conn.SetReadLimit(maxPayloadSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			_ = c.conn.Close()
			return
		}
	}
}
