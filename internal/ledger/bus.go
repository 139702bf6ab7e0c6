package ledger

import (
	"sync"

	"order-ledger/internal/domain"
)

// Bus fans ledger events out to in-process subscribers. Handlers run
// synchronously on the ledger's serialized path: they must return quickly
// and must not call back into the Ledger.
type Bus struct {
	mu sync.Mutex

	ordersUpdated        topic[Snapshot]
	tableOrderMapUpdated topic[TableChains]
	newTableOrder        topic[domain.Order]
	tableOrderRemoved    topic[domain.Order]
	removedAtMapUpdated  topic[Removals]
	ordersAccountClosed  topic[string]
	ordersAccountRemoved topic[domain.AccountRemoved]
	orderRemoved         topic[domain.Order]
}

type topic[T any] struct {
	next int
	subs map[int]func(T)
}

func subscribe[T any](b *Bus, t *topic[T], fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.subs == nil {
		t.subs = make(map[int]func(T))
	}
	t.next++
	id := t.next
	t.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

func publish[T any](b *Bus, t *topic[T], v T) {
	b.mu.Lock()
	handlers := make([]func(T), 0, len(t.subs))
	for id := 1; id <= t.next; id++ {
		if fn, ok := t.subs[id]; ok {
			handlers = append(handlers, fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range handlers {
		fn(v)
	}
}

func (b *Bus) OnOrdersUpdated(fn func(Snapshot)) func() {
	return subscribe(b, &b.ordersUpdated, fn)
}

func (b *Bus) OnTableOrderMapUpdated(fn func(TableChains)) func() {
	return subscribe(b, &b.tableOrderMapUpdated, fn)
}

// OnNewTableOrder receives the order that was the table's latest before a
// more recent one arrived.
func (b *Bus) OnNewTableOrder(fn func(domain.Order)) func() {
	return subscribe(b, &b.newTableOrder, fn)
}

func (b *Bus) OnTableOrderRemoved(fn func(domain.Order)) func() {
	return subscribe(b, &b.tableOrderRemoved, fn)
}

func (b *Bus) OnRemovedAtMapUpdated(fn func(Removals)) func() {
	return subscribe(b, &b.removedAtMapUpdated, fn)
}

func (b *Bus) OnOrdersAccountClosed(fn func(accountID string)) func() {
	return subscribe(b, &b.ordersAccountClosed, fn)
}

func (b *Bus) OnOrdersAccountRemoved(fn func(domain.AccountRemoved)) func() {
	return subscribe(b, &b.ordersAccountRemoved, fn)
}

// OnOrderRemoved fires for every standalone order whose removal completed.
func (b *Bus) OnOrderRemoved(fn func(domain.Order)) func() {
	return subscribe(b, &b.orderRemoved, fn)
}

func (b *Bus) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ordersUpdated.subs = nil
	b.tableOrderMapUpdated.subs = nil
	b.newTableOrder.subs = nil
	b.tableOrderRemoved.subs = nil
	b.removedAtMapUpdated.subs = nil
	b.ordersAccountClosed.subs = nil
	b.ordersAccountRemoved.subs = nil
	b.orderRemoved.subs = nil
}
