// Package ledger keeps the live view of a restaurant's open orders and
// orders accounts, fed by the realtime ORDERS feed.
//
// Every mutation runs under one lock, which plays the role of an event loop:
// gateway frames, timer callbacks and API calls never interleave. Bus
// handlers run inside that section with copied payloads.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-ledger/internal/clock"
	"order-ledger/internal/common/logger"
	"order-ledger/internal/domain"
)

// Gateway is the realtime connection the ledger subscribes through.
type Gateway interface {
	Connected() bool
	WaitConnected(ctx context.Context) error
	On(target string, handler func(args []json.RawMessage))
	Off(target string)
	Invoke(ctx context.Context, method string, args ...any) error
	OnReconnected(fn func())
}

// AccountVerifier asks the backend to double check an account the ledger
// considers settled.
type AccountVerifier interface {
	VerifyAccount(ctx context.Context, restaurantID, accountID string) error
}

type Ledger struct {
	gw       Gateway
	verifier AccountVerifier
	cfg      settings
	clk      clock.Clock
	log      *logger.Logger
	bus      *Bus

	mu            sync.Mutex
	gen           uint64
	restaurantID  string
	initialized   bool
	refreshSent   bool
	lastUpdate    time.Time
	orders        map[string]domain.Order
	arrival       map[string]uint64
	arrivals      uint64
	accounts      map[string]domain.OrdersAccount
	tables        *tableIndex
	removals      *removalScheduler
	pendingChecks map[string]clock.Timer
	checkTimer    clock.Timer
	debounceTimer clock.Timer
}

// New builds a ledger bound to gw. verifier may be nil.
func New(gw Gateway, verifier AccountVerifier, opts ...Option) *Ledger {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	l := &Ledger{
		gw:            gw,
		verifier:      verifier,
		cfg:           cfg,
		clk:           cfg.clk,
		log:           cfg.log,
		bus:           &Bus{},
		orders:        make(map[string]domain.Order),
		arrival:       make(map[string]uint64),
		accounts:      make(map[string]domain.OrdersAccount),
		tables:        newTableIndex(),
		pendingChecks: make(map[string]clock.Timer),
	}
	l.removals = newRemovalScheduler(cfg.clk, cfg.removalTimeout, l.onRemovalTimer)
	gw.OnReconnected(l.onReconnected)
	return l
}

func (l *Ledger) Bus() *Bus { return l.bus }

// Connect subscribes to the ORDERS feed of restaurantID. Handlers and the
// staleness check are installed on the first call only; later calls just
// switch the remembered restaurant and subscribe again.
func (l *Ledger) Connect(ctx context.Context, restaurantID string) error {
	l.mu.Lock()
	l.restaurantID = restaurantID
	if !l.initialized {
		l.gw.On(domain.EventOrdersAccountClosed, l.onAccountClosedFrame)
		l.gw.On(domain.EventOrdersUpdated, l.onOrdersUpdatedFrame)
		l.armCheck()
		l.initialized = true
	}
	l.mu.Unlock()

	if err := l.gw.WaitConnected(ctx); err != nil {
		return fmt.Errorf("wait for gateway: %w", err)
	}
	if err := l.subscribe(ctx, restaurantID); err != nil {
		return fmt.Errorf("subscribe orders feed: %w", err)
	}
	l.log.Info("orders_feed_subscribed", map[string]any{"restaurant_id": restaurantID})
	return nil
}

// ResetRefreshCounter lets the staleness check fire again right away.
func (l *Ledger) ResetRefreshCounter() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshSent = false
}

// Teardown stops every timer, forgets all state and subscribers, and leaves
// the ORDERS feed. Unsubscribe failures are logged only.
func (l *Ledger) Teardown(ctx context.Context) {
	l.mu.Lock()
	l.gen++
	stopTimer(&l.checkTimer)
	stopTimer(&l.debounceTimer)
	for id, t := range l.pendingChecks {
		t.Stop()
		delete(l.pendingChecks, id)
	}
	l.removals.stop()
	l.orders = make(map[string]domain.Order)
	l.arrival = make(map[string]uint64)
	l.arrivals = 0
	l.accounts = make(map[string]domain.OrdersAccount)
	l.tables = newTableIndex()
	l.lastUpdate = time.Time{}
	l.refreshSent = false
	l.initialized = false
	l.restaurantID = ""
	l.bus.clear()
	l.gw.Off(domain.EventOrdersUpdated)
	l.gw.Off(domain.EventOrdersAccountClosed)
	l.mu.Unlock()

	if !l.gw.Connected() {
		return
	}
	if err := l.gw.Invoke(ctx, domain.MethodUnsubscribe, domain.FeedOrders); err != nil {
		l.log.Error("orders_feed_unsubscribe_failed", err, nil)
	}
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

func (l *Ledger) TableChains() TableChains {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tables.view()
}

func (l *Ledger) Removals() Removals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removals.view()
}

func (l *Ledger) RestaurantID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.restaurantID
}

// HandleAccountClosed starts the removal of a closed orders account.
// Unknown accounts are ignored.
func (l *Ledger) HandleAccountClosed(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[accountID]
	if !ok {
		return
	}
	if l.removals.schedule(&removalEntry{key: accountID, kind: RemovalAccount, account: acc.Clone()}) {
		publish(l.bus, &l.bus.removedAtMapUpdated, l.removals.view())
	}
	publish(l.bus, &l.bus.ordersAccountClosed, accountID)
}

// HandleOrdersUpdated merges one ORDERS_UPDATED batch. Incoming orders and
// accounts replace stored ones with the same id as a whole.
func (l *Ledger) HandleOrdersUpdated(batch domain.OrdersUpdated) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastUpdate = l.clk.Now()
	for _, o := range batch.Orders {
		if o.ID == "" {
			continue
		}
		if _, seen := l.arrival[o.ID]; !seen {
			l.arrivals++
			l.arrival[o.ID] = l.arrivals
		}
		l.orders[o.ID] = o.Clone()
	}

	for _, o := range l.ordersByArrival() {
		if o.StatusID.Terminal() && o.Orphan() && !l.removals.has(o.ID) {
			l.removals.schedule(&removalEntry{key: o.ID, kind: RemovalOrder, order: o.Clone()})
			publish(l.bus, &l.bus.removedAtMapUpdated, l.removals.view())
		}
		if o.OrderTypeID == domain.OrderTypeTable && o.Orphan() {
			changed, superseded := l.tables.add(o, l.orders)
			if superseded != nil {
				publish(l.bus, &l.bus.newTableOrder, *superseded)
			}
			if changed {
				publish(l.bus, &l.bus.tableOrderMapUpdated, l.tables.view())
			}
		}
	}
	if l.tables.prune(l.orders) {
		publish(l.bus, &l.bus.tableOrderMapUpdated, l.tables.view())
	}

	for _, a := range batch.OrdersAccounts {
		if a.ID == "" {
			continue
		}
		l.accounts[a.ID] = a.Clone()
	}
	for _, id := range sortedKeys(l.accounts) {
		if l.removals.has(id) {
			continue
		}
		if _, pending := l.pendingChecks[id]; pending {
			continue
		}
		if AccountSettled(l.accounts[id], l.orders) {
			l.scheduleAccountCheck(id)
		}
	}

	publish(l.bus, &l.bus.ordersUpdated, l.snapshot())
}

func (l *Ledger) onOrdersUpdatedFrame(args []json.RawMessage) {
	if len(args) == 0 {
		l.log.Warn("orders_updated_without_payload", nil)
		return
	}
	var batch domain.OrdersUpdated
	if err := json.Unmarshal(args[0], &batch); err != nil {
		l.log.Error("orders_updated_decode_failed", err, nil)
		return
	}
	l.HandleOrdersUpdated(batch)
}

func (l *Ledger) onAccountClosedFrame(args []json.RawMessage) {
	if len(args) == 0 {
		l.log.Warn("orders_account_closed_without_payload", nil)
		return
	}
	var accountID string
	if err := json.Unmarshal(args[0], &accountID); err != nil {
		l.log.Error("orders_account_closed_decode_failed", err, nil)
		return
	}
	l.HandleAccountClosed(accountID)
}

func (l *Ledger) onReconnected() {
	rid := l.RestaurantID()
	if rid == "" {
		return
	}
	l.log.Info("orders_feed_resubscribe", map[string]any{"restaurant_id": rid, "reason": "reconnected"})
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.callTimeout)
	defer cancel()
	if err := l.subscribe(ctx, rid); err != nil {
		l.log.Error("orders_feed_resubscribe_failed", err, map[string]any{"restaurant_id": rid})
	}
}

func (l *Ledger) subscribe(ctx context.Context, restaurantID string) error {
	return l.gw.Invoke(ctx, domain.MethodSubscribe, domain.FeedOrders, restaurantID)
}

// scheduleAccountCheck drops a settled account after the check delay and
// asks the backend to verify it, unless a removal got scheduled meanwhile.
func (l *Ledger) scheduleAccountCheck(accountID string) {
	gen := l.gen
	l.pendingChecks[accountID] = l.clk.AfterFunc(l.cfg.accountCheckDelay, func() {
		l.onAccountCheck(gen, accountID)
	})
}

func (l *Ledger) onAccountCheck(gen uint64, accountID string) {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	delete(l.pendingChecks, accountID)
	acc, ok := l.accounts[accountID]
	if !ok || l.removals.has(accountID) {
		l.mu.Unlock()
		return
	}
	for _, ref := range acc.Orders {
		delete(l.orders, ref.ID)
	}
	delete(l.accounts, accountID)
	for id, o := range l.orders {
		if o.Orphan() {
			continue
		}
		if _, ok := l.accounts[*o.OrdersAccountID]; !ok {
			delete(l.orders, id)
		}
	}
	if l.tables.prune(l.orders) {
		publish(l.bus, &l.bus.tableOrderMapUpdated, l.tables.view())
	}
	publish(l.bus, &l.bus.ordersUpdated, l.snapshot())
	rid := l.restaurantID
	l.mu.Unlock()

	if l.verifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.callTimeout)
	defer cancel()
	if err := l.verifier.VerifyAccount(ctx, rid, accountID); err != nil {
		l.log.Error("orders_account_verify_failed", err, map[string]any{
			"restaurant_id": rid, "orders_account_id": accountID,
		})
	}
}

func (l *Ledger) onRemovalTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tick := range l.removals.advance(l.clk.Now()) {
		if tick.done {
			l.completeRemoval(tick.entry)
		}
		publish(l.bus, &l.bus.removedAtMapUpdated, l.removals.view())
	}
}

func (l *Ledger) completeRemoval(e *removalEntry) {
	switch e.kind {
	case RemovalOrder:
		o, ok := l.orders[e.key]
		if !ok {
			o = e.order
		}
		if l.tables.detach(e.key, l.orders) {
			publish(l.bus, &l.bus.tableOrderRemoved, o.Clone())
			publish(l.bus, &l.bus.tableOrderMapUpdated, l.tables.view())
		}
		delete(l.orders, e.key)
		publish(l.bus, &l.bus.ordersUpdated, l.snapshot())
		publish(l.bus, &l.bus.orderRemoved, o.Clone())
	case RemovalAccount:
		acc, ok := l.accounts[e.key]
		if !ok {
			acc = e.account
		}
		for _, ref := range acc.Orders {
			delete(l.orders, ref.ID)
		}
		delete(l.accounts, e.key)
		if t, ok := l.pendingChecks[e.key]; ok {
			t.Stop()
			delete(l.pendingChecks, e.key)
		}
		if l.tables.prune(l.orders) {
			publish(l.bus, &l.bus.tableOrderMapUpdated, l.tables.view())
		}
		publish(l.bus, &l.bus.ordersUpdated, l.snapshot())
		publish(l.bus, &l.bus.ordersAccountRemoved, domain.AccountRemoved{OrdersAccountID: acc.ID, LastID: acc.LastID})
	}
}

// armCheck schedules the next staleness probe.
func (l *Ledger) armCheck() {
	gen := l.gen
	l.checkTimer = l.clk.AfterFunc(l.cfg.checkInterval, func() { l.onCheck(gen) })
}

// onCheck re-subscribes when a connected feed has been silent for too long.
// A silent channel cannot be told apart from a missed message, so the feed
// is simply requested again, at most once per debounce window.
func (l *Ledger) onCheck(gen uint64) {
	l.mu.Lock()
	if gen != l.gen || !l.initialized {
		l.mu.Unlock()
		return
	}
	l.armCheck()
	stale := !l.lastUpdate.IsZero() &&
		!l.refreshSent &&
		l.clk.Now().Sub(l.lastUpdate) >= l.cfg.refreshAfter &&
		l.gw.Connected()
	rid := l.restaurantID
	if stale {
		l.refreshSent = true
		l.debounceTimer = l.clk.AfterFunc(l.cfg.refreshDebounce, func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if gen == l.gen {
				l.refreshSent = false
			}
		})
	}
	l.mu.Unlock()

	if !stale {
		return
	}
	l.log.Info("orders_feed_resubscribe", map[string]any{"restaurant_id": rid, "reason": "stale"})
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.callTimeout)
	defer cancel()
	if err := l.subscribe(ctx, rid); err != nil {
		l.log.Error("orders_feed_resubscribe_failed", err, map[string]any{"restaurant_id": rid})
	}
}

func (l *Ledger) snapshot() Snapshot {
	return Snapshot{Orders: copyOrders(l.orders), Accounts: copyAccounts(l.accounts)}
}

// ordersByArrival returns the stored orders in the order their ids were first
// seen: earlier batches first, then each batch in wire order. Ids of orders
// no longer stored are forgotten on the way.
func (l *Ledger) ordersByArrival() []domain.Order {
	for id := range l.arrival {
		if _, ok := l.orders[id]; !ok {
			delete(l.arrival, id)
		}
	}
	out := make([]domain.Order, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		return l.arrival[out[i].ID] < l.arrival[out[j].ID]
	})
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
