package ledger

import (
	"slices"

	"order-ledger/internal/domain"
)

// tableIndex keeps, per table, the open orders that are not yet attached to
// an orders account. An order sits in at most one chain.
type tableIndex struct {
	chains  map[string]*TableChain
	tableOf map[string]string
}

func newTableIndex() *tableIndex {
	return &tableIndex{chains: make(map[string]*TableChain), tableOf: make(map[string]string)}
}

// add places o in its table's chain. It reports whether the index changed
// and, when o became the latest order, the order it superseded.
func (t *tableIndex) add(o domain.Order, orders map[string]domain.Order) (changed bool, superseded *domain.Order) {
	tableID := o.TableID()
	if tableID == "" {
		return false, nil
	}
	if prev, ok := t.tableOf[o.ID]; ok && prev != tableID {
		t.detach(o.ID, orders)
		changed = true
	}
	chain, ok := t.chains[tableID]
	if !ok {
		t.chains[tableID] = &TableChain{LastOrderID: o.ID, OrderIDs: []string{o.ID}}
		t.tableOf[o.ID] = tableID
		return true, nil
	}
	if slices.Contains(chain.OrderIDs, o.ID) {
		return changed, nil
	}
	chain.OrderIDs = append(chain.OrderIDs, o.ID)
	t.tableOf[o.ID] = tableID
	latest, ok := orders[chain.LastOrderID]
	if !ok {
		chain.LastOrderID = o.ID
		return true, nil
	}
	if o.SentAt.After(latest.SentAt) {
		chain.LastOrderID = o.ID
		prev := latest.Clone()
		return true, &prev
	}
	return true, nil
}

// detach drops orderID from whatever chain holds it. Emptied chains are
// deleted; a chain losing its latest order promotes the most recent member left.
func (t *tableIndex) detach(orderID string, orders map[string]domain.Order) bool {
	tableID, ok := t.tableOf[orderID]
	if !ok {
		return false
	}
	delete(t.tableOf, orderID)
	chain, ok := t.chains[tableID]
	if !ok {
		return false
	}
	idx := slices.Index(chain.OrderIDs, orderID)
	if idx < 0 {
		return false
	}
	chain.OrderIDs = slices.Delete(chain.OrderIDs, idx, idx+1)
	if len(chain.OrderIDs) == 0 {
		delete(t.chains, tableID)
		return true
	}
	if chain.LastOrderID == orderID {
		chain.LastOrderID = mostRecent(chain.OrderIDs, orders)
	}
	return true
}

// prune detaches members that no longer exist or now belong to an account.
func (t *tableIndex) prune(orders map[string]domain.Order) bool {
	changed := false
	for orderID := range t.tableOf {
		o, ok := orders[orderID]
		if ok && o.Orphan() && o.TableID() != "" {
			continue
		}
		if t.detach(orderID, orders) {
			changed = true
		}
	}
	return changed
}

func (t *tableIndex) view() TableChains {
	out := make(TableChains, len(t.chains))
	for k, c := range t.chains {
		out[k] = TableChain{LastOrderID: c.LastOrderID, OrderIDs: append([]string(nil), c.OrderIDs...)}
	}
	return out
}

func mostRecent(ids []string, orders map[string]domain.Order) string {
	best := ids[0]
	for _, id := range ids[1:] {
		cur, ok := orders[id]
		if !ok {
			continue
		}
		if b, ok := orders[best]; !ok || cur.SentAt.After(b.SentAt) {
			best = id
		}
	}
	return best
}
