package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"order-ledger/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return t0.Add(d) }

func ptr(s string) *string { return &s }

func tableOrder(id, tableID string, status domain.OrderStatus, sentAt time.Time) domain.Order {
	return domain.Order{
		ID:          id,
		StatusID:    status,
		OrderTypeID: domain.OrderTypeTable,
		Amount:      decimal.RequireFromString("10.00"),
		SentAt:      sentAt,
		Table:       &domain.Table{ID: tableID},
		Items:       []domain.OrderItem{{ID: id + "-item"}},
	}
}

type invocation struct {
	method string
	args   []any
}

type fakeGateway struct {
	mu          sync.Mutex
	connected   bool
	handlers    map[string]func([]json.RawMessage)
	registered  map[string]int
	invocations []invocation
	reconnected []func()
	invokeErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		connected:  true,
		handlers:   make(map[string]func([]json.RawMessage)),
		registered: make(map[string]int),
	}
}

func (g *fakeGateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *fakeGateway) WaitConnected(ctx context.Context) error {
	if g.Connected() {
		return nil
	}
	return errors.New("not connected")
}

func (g *fakeGateway) On(target string, h func([]json.RawMessage)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[target] = h
	g.registered[target]++
}

func (g *fakeGateway) Off(target string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.handlers, target)
}

func (g *fakeGateway) Invoke(_ context.Context, method string, args ...any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invocations = append(g.invocations, invocation{method: method, args: args})
	return g.invokeErr
}

func (g *fakeGateway) OnReconnected(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reconnected = append(g.reconnected, fn)
}

func (g *fakeGateway) reconnect() {
	g.mu.Lock()
	fns := append([]func(){}, g.reconnected...)
	g.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (g *fakeGateway) deliver(target string, payload any) {
	g.mu.Lock()
	h := g.handlers[target]
	g.mu.Unlock()
	if h == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	h([]json.RawMessage{raw})
}

func (g *fakeGateway) calls(method string) []invocation {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []invocation
	for _, inv := range g.invocations {
		if inv.method == method {
			out = append(out, inv)
		}
	}
	return out
}

type verifyCall struct{ restaurantID, accountID string }

type fakeVerifier struct {
	mu    sync.Mutex
	calls []verifyCall
}

func (v *fakeVerifier) VerifyAccount(_ context.Context, restaurantID, accountID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, verifyCall{restaurantID, accountID})
	return nil
}

func (v *fakeVerifier) recorded() []verifyCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]verifyCall(nil), v.calls...)
}

// recorder counts bus events per kind and keeps the last payloads.
type recorder struct {
	ordersUpdated   []Snapshot
	tableMaps       []TableChains
	newTableOrders  []domain.Order
	tableRemoved    []domain.Order
	removalMaps     []Removals
	accountsClosed  []string
	accountsRemoved []domain.AccountRemoved
	ordersRemoved   []domain.Order
}

func record(b *Bus) *recorder {
	r := &recorder{}
	b.OnOrdersUpdated(func(s Snapshot) { r.ordersUpdated = append(r.ordersUpdated, s) })
	b.OnTableOrderMapUpdated(func(c TableChains) { r.tableMaps = append(r.tableMaps, c) })
	b.OnNewTableOrder(func(o domain.Order) { r.newTableOrders = append(r.newTableOrders, o) })
	b.OnTableOrderRemoved(func(o domain.Order) { r.tableRemoved = append(r.tableRemoved, o) })
	b.OnRemovedAtMapUpdated(func(m Removals) { r.removalMaps = append(r.removalMaps, m) })
	b.OnOrdersAccountClosed(func(id string) { r.accountsClosed = append(r.accountsClosed, id) })
	b.OnOrdersAccountRemoved(func(a domain.AccountRemoved) { r.accountsRemoved = append(r.accountsRemoved, a) })
	b.OnOrderRemoved(func(o domain.Order) { r.ordersRemoved = append(r.ordersRemoved, o) })
	return r
}
