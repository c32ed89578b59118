// Package realtimetest provides an in-process Socket.IO server for tests.
package realtimetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/epiwatch/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts Socket.IO clients on /socket.io/ and lets tests emit events,
// ping clients and drop connections.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	conns    map[*websocket.Conn]bool
	accepted int
	tokens   []string
	pongs    int
	rejectN  int
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{conns: make(map[*websocket.Conn]bool)}

	r := chi.NewRouter()
	r.Get("/socket.io/", s.handleSocket)
	s.Server = httptest.NewServer(r)
	t.Cleanup(func() {
		s.DropAll()
		s.Server.Close()
	})
	return s
}

// RejectNext makes the next n namespace connects fail with a connect error.
func (s *Server) RejectNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectN = n
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "bad transport", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	open, _ := protocol.EncodeOpen(protocol.OpenPayload{
		SID:          "test-sid",
		Upgrades:     []string{},
		PingInterval: 25000,
		PingTimeout:  20000,
		MaxPayload:   1000000,
	})
	if err := conn.WriteMessage(websocket.TextMessage, open); err != nil {
		return
	}

	_, data, err := conn.ReadMessage()
	if err != nil || !strings.HasPrefix(string(data), "40") {
		return
	}

	var auth struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(data[2:], &auth)

	s.mu.Lock()
	s.tokens = append(s.tokens, auth.Token)
	reject := s.rejectN > 0
	if reject {
		s.rejectN--
	}
	s.mu.Unlock()

	if reject {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`44{"message":"not authorized"}`))
		return
	}

	// Register under the lock that Emit holds so no event can race the ack.
	s.mu.Lock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"ns-sid"}`)); err != nil {
		s.mu.Unlock()
		return
	}
	s.conns[conn] = true
	s.accepted++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == "3" {
			s.mu.Lock()
			s.pongs++
			s.mu.Unlock()
		}
	}
}

// Emit sends an event to every connected client.
func (s *Server) Emit(topic string, payload any) error {
	frame, err := protocol.EncodeEvent(protocol.DefaultNamespace, topic, payload)
	if err != nil {
		return err
	}
	return s.broadcast(frame)
}

// EmitRaw sends a raw text frame to every connected client.
func (s *Server) EmitRaw(frame string) error {
	return s.broadcast([]byte(frame))
}

// Ping sends an Engine.IO ping to every connected client.
func (s *Server) Ping() error {
	return s.broadcast([]byte{byte(protocol.EnginePing)})
}

func (s *Server) broadcast(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

// DropAll closes every client connection without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

// Connected returns the number of live namespace connections.
func (s *Server) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Accepted returns how many namespace connects were accepted in total.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Tokens returns the auth tokens sent by clients, in order.
func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// Pongs returns how many pong frames were received.
func (s *Server) Pongs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pongs
}
