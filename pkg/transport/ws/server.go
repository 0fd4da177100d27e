// Package ws carries envelopes over websocket connections. A delegate process
// serves Server; a host dials it through Opener, which finds the endpoint of
// a protocol identifier in the route store.
package ws

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HsiangNianian/protoworker/pkg/transport"
)

const writeWait = 10 * time.Second

// conn is one websocket connection used as a transport.Port. Writes are
// serialized; gorilla connections allow one concurrent writer.
type conn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newConn(c *websocket.Conn) *conn {
	return &conn{ws: c}
}

func (c *conn) PostMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

// readLoop hands every text frame to sink, with port as the reply port, until
// the connection fails.
func readLoop(c *conn, port transport.Port, sink transport.Sink, logger *slog.Logger) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read failed", "remote", c.ws.RemoteAddr().String(), "error", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			logger.Debug("ignoring non-text frame", "type", mt)
			continue
		}
		sink.HandleMessage(data, port)
	}
}

// Server accepts host connections and feeds their envelopes to a delegate
// sink. Replies go back over the connection a request arrived on.
type Server struct {
	sink      transport.Sink
	authToken string
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

func NewServer(sink transport.Sink, authToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sink:      sink,
		authToken: authToken,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.authToken != "" && r.Header.Get("Authorization") != "Bearer "+s.authToken {
		s.logger.Warn("host unauthorized", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	client := newConn(c)

	s.mu.Lock()
	s.conns[client] = struct{}{}
	active := len(s.conns)
	s.mu.Unlock()
	s.logger.Info("host connected", "remote", r.RemoteAddr, "active", active)

	defer func() {
		s.mu.Lock()
		delete(s.conns, client)
		active := len(s.conns)
		s.mu.Unlock()
		_ = client.Close()
		s.logger.Info("host disconnected", "remote", r.RemoteAddr, "active", active)
	}()
	readLoop(client, client, s.sink, s.logger)
}

func (s *Server) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close drops every host connection.
func (s *Server) Close() error {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}
