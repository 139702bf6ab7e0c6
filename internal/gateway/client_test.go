package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHub accepts hub connections, completes every invocation and lets the
// test push server invocations or drop the connection.
type fakeHub struct {
	t        *testing.T
	upgrader websocket.Upgrader
	srv      *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	accepts  int
	headers  []http.Header
	invoked  []inbound
	failWith string
	conns    chan *websocket.Conn
}

func newFakeHub(t *testing.T) *fakeHub {
	h := &fakeHub{t: t, conns: make(chan *websocket.Conn, 8)}
	h.srv = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHub) url() string { return "ws" + strings.TrimPrefix(h.srv.URL, "http") }

func (h *fakeHub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if _, _, err := conn.ReadMessage(); err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{}\x1e")); err != nil {
		return
	}
	h.mu.Lock()
	h.conn = conn
	h.accepts++
	h.headers = append(h.headers, r.Header.Clone())
	h.mu.Unlock()
	h.conns <- conn

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, rec := range split(frame) {
			msg, err := decode(rec)
			if err != nil || msg.Type != msgInvocation {
				continue
			}
			h.mu.Lock()
			h.invoked = append(h.invoked, msg)
			failWith := h.failWith
			h.mu.Unlock()
			reply := map[string]any{"type": msgCompletion, "invocationId": msg.InvocationID}
			if failWith != "" {
				reply["error"] = failWith
			}
			b, _ := encode(reply)
			h.mu.Lock()
			err = conn.WriteMessage(websocket.TextMessage, b)
			h.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *fakeHub) push(target string, args ...any) {
	b, err := encode(map[string]any{"type": msgInvocation, "target": target, "arguments": args})
	require.NoError(h.t, err)
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NoError(h.t, h.conn.WriteMessage(websocket.TextMessage, b))
}

func (h *fakeHub) drop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.conn.Close()
}

func (h *fakeHub) invocations() []inbound {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]inbound(nil), h.invoked...)
}

func (h *fakeHub) waitAccept(t *testing.T) {
	t.Helper()
	select {
	case <-h.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("hub never accepted a connection")
	}
}

func startClient(t *testing.T, hub *fakeHub) *Client {
	t.Helper()
	c := New(Config{
		URL:      hub.url(),
		Token:    "secret",
		DeviceID: "till-1",
		Backoff:  []time.Duration{0, 10 * time.Millisecond},
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = c.Close()
		<-done
	})
	return c
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))
}

func TestClientSendsAuthHeaders(t *testing.T) {
	hub := newFakeHub(t)
	c := startClient(t, hub)
	waitConnected(t, c)
	hub.waitAccept(t)

	hub.mu.Lock()
	defer hub.mu.Unlock()
	require.Len(t, hub.headers, 1)
	assert.Equal(t, "Bearer secret", hub.headers[0].Get("Authorization"))
	assert.Equal(t, "till-1", hub.headers[0].Get("X-DEVICE"))
}

func TestClientInvokeWaitsForCompletion(t *testing.T) {
	hub := newFakeHub(t)
	c := startClient(t, hub)
	waitConnected(t, c)
	hub.waitAccept(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Invoke(ctx, "Subscribe", "ORDERS", "r-1"))

	got := hub.invocations()
	require.Len(t, got, 1)
	assert.Equal(t, "Subscribe", got[0].Target)
	assert.NotEmpty(t, got[0].InvocationID)
	require.Len(t, got[0].Arguments, 2)
	assert.JSONEq(t, `"ORDERS"`, string(got[0].Arguments[0]))
	assert.JSONEq(t, `"r-1"`, string(got[0].Arguments[1]))
}

func TestClientInvokeReturnsServerError(t *testing.T) {
	hub := newFakeHub(t)
	hub.mu.Lock()
	hub.failWith = "no such feed"
	hub.mu.Unlock()
	c := startClient(t, hub)
	waitConnected(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Invoke(ctx, "Subscribe", "ORDERS", "r-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such feed")
}

func TestClientInvokeWhileDisconnected(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1"}, nil)
	err := c.Invoke(context.Background(), "Unsubscribe", "ORDERS")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.Connected())
	assert.Equal(t, Disconnected, c.State())
}

func TestClientRoutesInvocationsToHandlers(t *testing.T) {
	hub := newFakeHub(t)
	c := startClient(t, hub)

	got := make(chan []json.RawMessage, 1)
	c.On("ORDERS_ACCOUNT_CLOSED", func(args []json.RawMessage) { got <- args })

	waitConnected(t, c)
	hub.waitAccept(t)
	hub.push("ORDERS_ACCOUNT_CLOSED", "acc-1")

	select {
	case args := <-got:
		require.Len(t, args, 1)
		assert.JSONEq(t, `"acc-1"`, string(args[0]))
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestClientOffStopsRouting(t *testing.T) {
	hub := newFakeHub(t)
	c := startClient(t, hub)

	calls := make(chan string, 4)
	c.On("A", func([]json.RawMessage) { calls <- "A" })
	c.On("B", func([]json.RawMessage) { calls <- "B" })
	c.Off("A")

	waitConnected(t, c)
	hub.waitAccept(t)
	hub.push("A")
	hub.push("B")

	select {
	case name := <-calls:
		assert.Equal(t, "B", name)
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestClientReconnectsAndNotifies(t *testing.T) {
	hub := newFakeHub(t)
	c := startClient(t, hub)

	reconnected := make(chan struct{}, 4)
	c.OnReconnected(func() { reconnected <- struct{}{} })

	waitConnected(t, c)
	hub.waitAccept(t)
	select {
	case <-reconnected:
		t.Fatal("first connect must not count as a reconnect")
	case <-time.After(50 * time.Millisecond):
	}

	hub.drop()
	hub.waitAccept(t)

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect not reported")
	}
	waitConnected(t, c)
	hub.mu.Lock()
	assert.Equal(t, 2, hub.accepts)
	hub.mu.Unlock()
}

func TestClientCloseUnblocksWaiters(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1"}, nil)
	errc := make(chan error, 1)
	go func() { errc <- c.WaitConnected(context.Background()) }()

	require.NoError(t, c.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitConnected still blocked after Close")
	}
	assert.ErrorIs(t, c.Run(context.Background()), ErrClosed)
}

func TestSplitHandlesBatchedFrames(t *testing.T) {
	recs := split([]byte("{\"type\":6}\x1e{\"type\":1,\"target\":\"X\"}\x1e"))
	require.Len(t, recs, 2)

	msg, err := decode(recs[1])
	require.NoError(t, err)
	assert.Equal(t, msgInvocation, msg.Type)
	assert.Equal(t, "X", msg.Target)

	_, err = decode([]byte("not json"))
	assert.Error(t, err)
}
