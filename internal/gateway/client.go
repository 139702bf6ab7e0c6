// Package gateway keeps a persistent hub connection to the backend: it
// reconnects on its own, routes server invocations to registered handlers
// and lets callers invoke hub methods and wait for their completion.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"order-ledger/internal/common/logger"
)

var (
	ErrNotConnected = errors.New("gateway: not connected")
	ErrClosed       = errors.New("gateway: closed")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Config struct {
	URL              string
	Token            string
	DeviceID         string
	KeepAlive        time.Duration
	ServerTimeout    time.Duration
	HandshakeTimeout time.Duration
	// Backoff lists the waits between reconnect attempts; the last one repeats.
	Backoff []time.Duration
}

var defaultBackoff = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

type Client struct {
	cfg    Config
	log    *logger.Logger
	dialer websocket.Dialer

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	ready         chan struct{}
	handlers      map[string]func(args []json.RawMessage)
	pending       map[string]chan error
	reconnected   []func()
	everConnected bool
	closed        bool
	shut          chan struct{}
	cancel        context.CancelFunc

	writeMu sync.Mutex
}

func New(cfg Config, lg *logger.Logger) *Client {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 3 * time.Second
	}
	if cfg.ServerTimeout <= 0 {
		cfg.ServerTimeout = 6 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = defaultBackoff
	}
	if lg == nil {
		lg = logger.Nop()
	}
	return &Client{
		cfg:      cfg,
		log:      lg,
		dialer:   websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		ready:    make(chan struct{}),
		shut:     make(chan struct{}),
		handlers: make(map[string]func(args []json.RawMessage)),
		pending:  make(map[string]chan error),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool { return c.State() == Connected }

// WaitConnected blocks until the hub handshake has completed.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if c.state == Connected {
			c.mu.Unlock()
			return nil
		}
		ready := c.ready
		c.mu.Unlock()

		select {
		case <-ready:
		case <-c.shut:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// On routes server invocations of target to handler, replacing any previous
// one. Handlers run on the read loop, one at a time, in arrival order.
func (c *Client) On(target string, handler func(args []json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[target] = handler
}

func (c *Client) Off(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, target)
}

// OnReconnected registers fn to run after every successful connect but the first.
func (c *Client) OnReconnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnected = append(c.reconnected, fn)
}

// Invoke calls a hub method and waits for the server's completion.
func (c *Client) Invoke(ctx context.Context, method string, args ...any) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	id := uuid.NewString()
	done := make(chan error, 1)
	c.pending[id] = done
	conn := c.conn
	c.mu.Unlock()

	if args == nil {
		args = []any{}
	}
	if err := c.write(conn, invocation{Type: msgInvocation, InvocationID: id, Target: method, Arguments: args}); err != nil {
		c.dropPending(id)
		return fmt.Errorf("invoke %s: %w", method, err)
	}
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("invoke %s: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

// Run keeps the connection up until ctx ends or Close is called.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return ErrClosed
	}
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	attempt := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		c.log.Warn("hub_disconnected", map[string]any{"error": errString(err), "attempt": attempt})

		wait := c.cfg.Backoff[min(attempt, len(c.cfg.Backoff)-1)]
		attempt++
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.shut)
	}
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// session dials, completes the handshake and reads until the connection
// breaks. It reports whether the handshake succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	c.setState(Connecting)
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	header.Set("X-DEVICE", c.cfg.DeviceID)

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		c.setState(Disconnected)
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	rest, err := c.handshake(conn)
	if err != nil {
		_ = conn.Close()
		c.setState(Disconnected)
		return false, err
	}

	reconnect := c.markConnected(conn)
	c.log.Info("hub_connected", map[string]any{"url": c.cfg.URL, "reconnect": reconnect != nil})

	done := make(chan struct{})
	defer close(done)
	go c.keepAlive(conn, done)
	if reconnect != nil {
		go func() {
			for _, fn := range reconnect {
				fn()
			}
		}()
	}

	for _, rec := range rest {
		if err := c.dispatch(rec); err != nil {
			c.markDisconnected(conn)
			return true, err
		}
	}
	err = c.readLoop(conn)
	c.markDisconnected(conn)
	return true, err
}

func (c *Client) handshake(conn *websocket.Conn) ([][]byte, error) {
	if err := c.write(conn, handshakeRequest{Protocol: "json", Version: 1}); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	records := split(frame)
	if len(records) == 0 {
		return nil, errors.New("empty handshake response")
	}
	var resp handshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	return records[1:], nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ServerTimeout))
		mt, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		for _, rec := range split(frame) {
			if err := c.dispatch(rec); err != nil {
				return err
			}
		}
	}
}

// dispatch handles one hub message. Only a close message ends the session.
func (c *Client) dispatch(rec []byte) error {
	msg, err := decode(rec)
	if err != nil {
		c.log.Error("hub_message_invalid", err, nil)
		return nil
	}
	switch msg.Type {
	case msgInvocation:
		c.mu.Lock()
		h := c.handlers[msg.Target]
		c.mu.Unlock()
		if h == nil {
			c.log.Debug("hub_invocation_unhandled", map[string]any{"target": msg.Target})
			return nil
		}
		h(msg.Arguments)
	case msgCompletion:
		c.mu.Lock()
		done, ok := c.pending[msg.InvocationID]
		delete(c.pending, msg.InvocationID)
		c.mu.Unlock()
		if !ok {
			return nil
		}
		if msg.Error != "" {
			done <- errors.New(msg.Error)
		} else {
			done <- nil
		}
	case msgPing:
	case msgClose:
		if msg.Error != "" {
			return fmt.Errorf("server closed connection: %s", msg.Error)
		}
		return errors.New("server closed connection")
	}
	return nil
}

func (c *Client) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(c.cfg.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := c.write(conn, ping{Type: msgPing}); err != nil {
				c.log.Debug("hub_ping_failed", map[string]any{"error": err.Error()})
				return
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	b, err := encode(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.ServerTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// markConnected publishes the live connection and returns the reconnect
// callbacks to run, or nil on the first connect.
func (c *Client) markConnected(conn *websocket.Conn) []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.state = Connected
	close(c.ready)
	if !c.everConnected {
		c.everConnected = true
		return nil
	}
	return append([]func(){}, c.reconnected...)
}

func (c *Client) markDisconnected(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	c.state = Disconnected
	c.ready = make(chan struct{})
	for id, done := range c.pending {
		done <- ErrNotConnected
		delete(c.pending, id)
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
