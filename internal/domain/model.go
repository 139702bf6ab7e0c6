package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus int

const (
	StatusPending    OrderStatus = 1
	StatusInProgress OrderStatus = 2
	StatusDone       OrderStatus = 3
	StatusRejected   OrderStatus = 4
)

// Terminal reports whether no further kitchen work happens on an order in this status.
func (s OrderStatus) Terminal() bool { return s == StatusDone || s == StatusRejected }

func (s OrderStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusDone:
		return "DONE"
	case StatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

type OrderType int

const (
	OrderTypeTable    OrderType = 1
	OrderTypeTakeaway OrderType = 2
	OrderTypeDelivery OrderType = 3
)

type Table struct {
	ID     string `json:"id"`
	Number string `json:"number,omitempty"`
	Name   string `json:"name,omitempty"`
}

type OrderItem struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	IsRemoved  bool   `json:"isRemoved"`
	IsRefunded bool   `json:"isRefunded"`
}

type Order struct {
	ID              string          `json:"id"`
	StatusID        OrderStatus     `json:"statusId"`
	OrderTypeID     OrderType       `json:"orderTypeId"`
	Amount          decimal.Decimal `json:"amount"`
	SentAt          time.Time       `json:"sentAt"`
	OrdersAccountID *string         `json:"ordersAccountId"`
	Table           *Table          `json:"table,omitempty"`
	Items           []OrderItem     `json:"items"`
}

// HasBillableItems is true when at least one item is neither removed nor refunded.
func (o Order) HasBillableItems() bool {
	for _, it := range o.Items {
		if !it.IsRemoved && !it.IsRefunded {
			return true
		}
	}
	return false
}

// Orphan reports whether the order is not attached to any orders account.
func (o Order) Orphan() bool { return o.OrdersAccountID == nil || *o.OrdersAccountID == "" }

// TableID returns the table the order is served at, or "" for non-table orders.
func (o Order) TableID() string {
	if o.OrderTypeID != OrderTypeTable || o.Table == nil {
		return ""
	}
	return o.Table.ID
}

// Clone returns a copy that shares no mutable memory with o.
func (o Order) Clone() Order {
	c := o
	if o.OrdersAccountID != nil {
		id := *o.OrdersAccountID
		c.OrdersAccountID = &id
	}
	if o.Table != nil {
		t := *o.Table
		c.Table = &t
	}
	if o.Items != nil {
		c.Items = append([]OrderItem(nil), o.Items...)
	}
	return c
}

type OrderRef struct {
	ID string `json:"id"`
}

type Receipt struct {
	ID     string          `json:"id,omitempty"`
	Amount decimal.Decimal `json:"amount"`
}

type OrdersAccount struct {
	ID       string     `json:"id"`
	Orders   []OrderRef `json:"orders"`
	Receipts []Receipt  `json:"receipts"`
	LastID   string     `json:"lastId"`
}

func (a OrdersAccount) Clone() OrdersAccount {
	c := a
	if a.Orders != nil {
		c.Orders = append([]OrderRef(nil), a.Orders...)
	}
	if a.Receipts != nil {
		c.Receipts = append([]Receipt(nil), a.Receipts...)
	}
	return c
}
