// Package ledgertest provides an in-memory gateway and helpers for driving a
// real ledger from other packages' tests.
package ledgertest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"order-ledger/internal/clock"
	"order-ledger/internal/domain"
	"order-ledger/internal/ledger"
)

var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Gateway is always connected unless told otherwise and records invocations.
type Gateway struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]func([]json.RawMessage)
	invoked   []string
}

func NewGateway() *Gateway {
	return &Gateway{connected: true, handlers: make(map[string]func([]json.RawMessage))}
}

func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *Gateway) SetConnected(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = v
}

func (g *Gateway) WaitConnected(context.Context) error {
	if !g.Connected() {
		return errors.New("ledgertest: gateway disconnected")
	}
	return nil
}

func (g *Gateway) On(target string, h func([]json.RawMessage)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[target] = h
}

func (g *Gateway) Off(target string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.handlers, target)
}

func (g *Gateway) Invoke(_ context.Context, method string, _ ...any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.invoked = append(g.invoked, method)
	return nil
}

func (g *Gateway) OnReconnected(func()) {}

func (g *Gateway) Invoked() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.invoked...)
}

// New returns a connected ledger for restaurantID running on a fake clock.
func New(restaurantID string, opts ...ledger.Option) (*ledger.Ledger, *Gateway, *clock.Fake) {
	gw := NewGateway()
	clk := clock.NewFake(Epoch)
	opts = append([]ledger.Option{ledger.WithClock(clk)}, opts...)
	l := ledger.New(gw, nil, opts...)
	if err := l.Connect(context.Background(), restaurantID); err != nil {
		panic(err)
	}
	return l, gw, clk
}

// TableOrder builds a billable table order.
func TableOrder(id, tableID string, status domain.OrderStatus, sentAt time.Time) domain.Order {
	return domain.Order{
		ID:          id,
		StatusID:    status,
		OrderTypeID: domain.OrderTypeTable,
		Amount:      decimal.RequireFromString("12.50"),
		SentAt:      sentAt,
		Table:       &domain.Table{ID: tableID},
		Items:       []domain.OrderItem{{ID: id + "-1", Name: "Margherita"}},
	}
}

// TakeawayOrder builds a billable order that belongs to no table.
func TakeawayOrder(id string, status domain.OrderStatus, sentAt time.Time) domain.Order {
	o := TableOrder(id, "", status, sentAt)
	o.OrderTypeID = domain.OrderTypeTakeaway
	o.Table = nil
	return o
}
