package ledger

import (
	"time"

	"order-ledger/internal/domain"
)

// Snapshot is the full live state republished after every mutation.
// Consumers get their own copy and must not expect incremental diffs.
type Snapshot struct {
	Orders   map[string]domain.Order         `json:"updatedOrdersMap"`
	Accounts map[string]domain.OrdersAccount `json:"updatedOrdersAccountsMap"`
}

type TableChain struct {
	LastOrderID string   `json:"lastOrderId"`
	OrderIDs    []string `json:"orderIds"`
}

// TableChains is keyed by table id.
type TableChains map[string]TableChain

type RemovalKind string

const (
	RemovalOrder   RemovalKind = "order"
	RemovalAccount RemovalKind = "orders_account"
)

type Removal struct {
	Kind                RemovalKind `json:"kind"`
	RemovedAt           time.Time   `json:"removedAt"`
	PercentageCompleted int         `json:"percentageCompleted"`
}

// Removals is keyed by order or orders account id.
type Removals map[string]Removal

func copyOrders(src map[string]domain.Order) map[string]domain.Order {
	out := make(map[string]domain.Order, len(src))
	for k, v := range src {
		out[k] = v.Clone()
	}
	return out
}

func copyAccounts(src map[string]domain.OrdersAccount) map[string]domain.OrdersAccount {
	out := make(map[string]domain.OrdersAccount, len(src))
	for k, v := range src {
		out[k] = v.Clone()
	}
	return out
}
