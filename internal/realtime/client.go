// Package realtime owns the push channel: a Socket.IO client over WebSocket
// that reconnects on its own and fans typed events out to topic handlers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/epiwatch/internal/observable"
	"github.com/markus-barta/epiwatch/internal/protocol"
	"github.com/rs/zerolog"
)

// Connection parameters
const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	defaultPongWait  = 45 * time.Second
	initialBackoff   = 1 * time.Second
	maxBackoff       = 60 * time.Second
	eventQueueSize   = 256
)

// ErrClosed is returned by Connect after Disconnect.
var ErrClosed = errors.New("realtime: client closed")

// Config configures the push channel.
type Config struct {
	URL       string        // push origin (http, https, ws or wss)
	Namespace string        // Socket.IO namespace, default "/"
	Token     func() string // bearer credential, may be nil

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client is the connection manager. It keeps at most one physical channel
// for its endpoint over its lifetime.
type Client struct {
	cfg      Config
	log      zerolog.Logger
	endpoint string
	state    *observable.Value[State]
	now      func() time.Time

	subsMu sync.RWMutex
	subs   map[string][]*topicSub

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	handle  *Handle
	cancel  context.CancelFunc
	closed  bool

	events   chan protocol.Event
	quit     chan struct{}
	quitOnce sync.Once
}

// Handle refers to the running channel returned by Connect.
type Handle struct {
	c    *Client
	done chan struct{}
}

// Endpoint returns the WebSocket URL the channel dials.
func (h *Handle) Endpoint() string { return h.c.endpoint }

// State returns the current connection state.
func (h *Handle) State() State { return h.c.State() }

// Done is closed once the connection loop has stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// NewClient creates a connection manager. Call Disconnect to release it.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	endpoint, err := socketURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Namespace == "" {
		cfg.Namespace = protocol.DefaultNamespace
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = initialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = maxBackoff
	}

	log = log.With().Str("component", "realtime").Logger()
	c := &Client{
		cfg:      cfg,
		log:      log,
		endpoint: endpoint,
		state:    observable.NewValue(Disconnected).WithPanicHandler(observable.LogPanics(log)),
		now:      time.Now,
		subs:     make(map[string][]*topicSub),
		events:   make(chan protocol.Event, eventQueueSize),
		quit:     make(chan struct{}),
	}
	go c.dispatchLoop()
	return c, nil
}

// socketURL turns a push origin into the Engine.IO WebSocket endpoint.
func socketURL(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", errors.New("push channel URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse push channel URL: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported push channel scheme %q", u.Scheme)
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Endpoint returns the WebSocket URL the client dials.
func (c *Client) Endpoint() string { return c.endpoint }

// State returns the current connection state.
func (c *Client) State() State { return c.state.Get() }

// Connect starts the connection loop. A second call returns the existing
// handle; after Disconnect it returns ErrClosed.
func (c *Client) Connect(ctx context.Context) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.handle != nil {
		return c.handle, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.handle = &Handle{c: c, done: make(chan struct{})}
	go c.run(runCtx, c.handle.done)

	return c.handle, nil
}

// Disconnect stops the channel and the dispatcher. It is idempotent and does
// not block, so it is safe from cleanup paths and from handlers.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeClose(conn)
	}
	if cancel != nil {
		cancel()
	}
	c.quitOnce.Do(func() { close(c.quit) })
	c.log.Debug().Msg("disconnect requested")
}

// On registers h for events on topic. Handlers registered before or after
// Connect receive subsequent events.
func (c *Client) On(topic string, h Handler) Subscription {
	s := &topicSub{topic: topic, handler: h, remove: c.removeSub}
	s.active.Store(true)

	c.subsMu.Lock()
	c.subs[topic] = append(c.subs[topic], s)
	c.subsMu.Unlock()
	return s
}

func (c *Client) removeSub(s *topicSub) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	list := c.subs[s.topic]
	for i, other := range list {
		if other == s {
			c.subs[s.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(c.subs[s.topic]) == 0 {
		delete(c.subs, s.topic)
	}
}

// OnState registers fn for connection state transitions. fn is called only
// when the state differs from the last one it saw.
func (c *Client) OnState(fn func(State)) Subscription {
	var mu sync.Mutex
	seen := false
	var last State

	unsubscribe := c.state.Subscribe(func(s State) {
		mu.Lock()
		if seen && s == last {
			mu.Unlock()
			return
		}
		seen, last = true, s
		mu.Unlock()

		c.safeCall("state", func() { fn(s) })
	})
	return &funcSub{fn: unsubscribe}
}

// run connects and maintains the connection until ctx is cancelled.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(Disconnected)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(Connecting)
		conn, open, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			c.log.Warn().Err(err).Dur("backoff", wait).Msg("connection failed, retrying")
			c.setState(Disconnected)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		// Connected - reset backoff
		b.Reset()
		c.setState(Connected)
		c.log.Info().Str("url", c.endpoint).Str("sid", open.SID).Msg("connected")

		c.readLoop(ctx, conn, open)
		c.setState(Disconnected)

		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		c.log.Warn().Dur("backoff", wait).Msg("disconnected, reconnecting")
		if !sleep(ctx, wait) {
			return
		}
	}
}

func (c *Client) setState(s State) {
	if c.state.Get() == s {
		return
	}
	c.log.Debug().Stringer("state", s).Msg("state changed")
	c.state.Set(s)
}

func (c *Client) token() string {
	if c.cfg.Token == nil {
		return ""
	}
	return c.cfg.Token()
}

// dial establishes the WebSocket and performs the Socket.IO handshake.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, protocol.OpenPayload, error) {
	c.log.Debug().Str("url", c.endpoint).Msg("connecting")

	token := c.token()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.log.Error().Msg("authentication failed: 401 Unauthorized")
		}
		return nil, protocol.OpenPayload{}, err
	}

	open, err := c.handshake(conn, token)
	if err != nil {
		_ = conn.Close()
		return nil, protocol.OpenPayload{}, fmt.Errorf("handshake: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return conn, open, nil
}

func (c *Client) handshake(conn *websocket.Conn, token string) (protocol.OpenPayload, error) {
	var open protocol.OpenPayload

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	p, err := readPacket(conn)
	if err != nil {
		return open, err
	}
	if p.Engine != protocol.EngineOpen {
		return open, fmt.Errorf("expected open packet, got %q", p.Engine)
	}
	if err := json.Unmarshal(p.Data, &open); err != nil {
		return open, fmt.Errorf("parse open packet: %w", err)
	}

	var auth any
	if token != "" {
		auth = map[string]string{"token": token}
	}
	frame, err := protocol.EncodeConnect(c.cfg.Namespace, auth)
	if err != nil {
		return open, err
	}
	if err := c.write(conn, frame); err != nil {
		return open, err
	}

	for {
		p, err := readPacket(conn)
		if err != nil {
			return open, err
		}

		switch {
		case p.Engine == protocol.EnginePing:
			if err := c.write(conn, protocol.Pong(p.Data)); err != nil {
				return open, err
			}
		case p.Engine == protocol.EngineClose:
			return open, errors.New("closed by server during handshake")
		case p.Engine == protocol.EngineMessage && p.Namespace == c.cfg.Namespace:
			switch p.Socket {
			case protocol.SocketConnect:
				return open, nil
			case protocol.SocketConnectError:
				var ce protocol.ConnectError
				_ = json.Unmarshal(p.Data, &ce)
				return open, fmt.Errorf("namespace %s refused: %s", c.cfg.Namespace, ce.Message)
			}
		}
	}
}

func readPacket(conn *websocket.Conn) (protocol.Packet, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Packet{}, err
	}
	return protocol.DecodePacket(data)
}

// readLoop reads packets until the connection drops or ctx ends.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, open protocol.OpenPayload) {
	stop := make(chan struct{})
	defer func() {
		close(stop)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	// Unblock ReadMessage on cancellation.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	pongWait := time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug().Err(err).Msg("read error")
			}
			return
		}

		p, err := protocol.DecodePacket(data)
		if err != nil {
			c.log.Warn().Err(err).Str("data", string(data)).Msg("failed to parse packet")
			continue
		}

		switch p.Engine {
		case protocol.EnginePing:
			if err := c.write(conn, protocol.Pong(p.Data)); err != nil {
				c.log.Debug().Err(err).Msg("pong failed")
				return
			}
		case protocol.EngineClose:
			c.log.Info().Msg("server closed the channel")
			return
		case protocol.EngineMessage:
			if p.Namespace != c.cfg.Namespace {
				continue
			}
			switch p.Socket {
			case protocol.SocketEvent:
				c.handleEvent(ctx, p)
			case protocol.SocketDisconnect:
				c.log.Info().Str("namespace", p.Namespace).Msg("server disconnected namespace")
				return
			}
		}
	}
}

// handleEvent validates an event at the boundary and queues it for dispatch.
func (c *Client) handleEvent(ctx context.Context, p protocol.Packet) {
	name, args, err := p.Event()
	if err != nil {
		c.log.Warn().Err(err).Msg("malformed event packet")
		return
	}

	ev, err := protocol.DecodeEvent(name, args, c.now())
	if err != nil {
		c.log.Warn().Err(err).Str("topic", name).Msg("dropping invalid event")
		return
	}

	if nd, ok := ev.(protocol.NewDelivery); ok && nd.RecordErr != nil {
		c.log.Warn().Err(nd.RecordErr).Str("topic", name).Msg("dropping invalid notification record")
	}
	c.log.Debug().Str("topic", name).Msg("received event")

	select {
	case c.events <- ev:
	case <-ctx.Done():
	case <-c.quit:
	}
}

// dispatchLoop delivers events one at a time, in arrival order.
func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.quit:
			return
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

func (c *Client) dispatch(ev protocol.Event) {
	topic := ev.Topic()

	c.subsMu.RLock()
	subs := append([]*topicSub(nil), c.subs[topic]...)
	c.subsMu.RUnlock()

	if len(subs) == 0 {
		c.log.Debug().Str("topic", topic).Msg("no subscribers")
		return
	}

	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		c.safeCall(topic, func() { s.handler(ev) })
	}
}

// safeCall runs fn and contains any panic so sibling handlers still run.
func (c *Client) safeCall(topic string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("topic", topic).Interface("panic", r).Msg("handler panicked")
		}
	}()
	fn()
}

func (c *Client) write(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// writeClose sends the namespace disconnect and a close frame, best effort.
func (c *Client) writeClose(conn *websocket.Conn) {
	if err := c.write(conn, protocol.EncodeDisconnect(c.cfg.Namespace)); err != nil {
		c.log.Debug().Err(err).Msg("failed to send disconnect packet")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(writeWait),
	)
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Ensure Client implements Bus.
var _ Bus = (*Client)(nil)
