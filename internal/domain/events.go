package domain

// Inbound hub targets.
const (
	EventOrdersUpdated       = "ORDERS_UPDATED"
	EventOrdersAccountClosed = "ORDERS_ACCOUNT_CLOSED"
)

// Outbound hub methods and the feed they address.
const (
	MethodSubscribe   = "Subscribe"
	MethodUnsubscribe = "Unsubscribe"
	FeedOrders        = "ORDERS"
)

// OrdersUpdated is the ORDERS_UPDATED payload. Either list may be null on the wire.
type OrdersUpdated struct {
	Orders         []Order         `json:"orders"`
	OrdersAccounts []OrdersAccount `json:"ordersAccounts"`
}

// AccountRemoved is published once an orders account has left the live view.
type AccountRemoved struct {
	OrdersAccountID string `json:"ordersAccountId"`
	LastID          string `json:"lastId"`
}

// NotificationMessage is the envelope fanned out to notification subscribers.
type NotificationMessage struct {
	Event        string `json:"event"`
	RestaurantID string `json:"restaurant_id"`
	Payload      any    `json:"payload"`
}
