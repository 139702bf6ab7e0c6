package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"order-ledger/internal/domain"
)

func settledFixture() (domain.OrdersAccount, map[string]domain.Order) {
	acc := domain.OrdersAccount{
		ID:       "acc-1",
		Orders:   []domain.OrderRef{{ID: "o-1"}, {ID: "o-2"}},
		Receipts: []domain.Receipt{{Amount: decimal.RequireFromString("12.40")}, {Amount: decimal.RequireFromString("7.60")}},
	}
	orders := map[string]domain.Order{
		"o-1": {ID: "o-1", StatusID: domain.StatusDone, Amount: decimal.RequireFromString("15.50"), Items: []domain.OrderItem{{ID: "i-1"}}},
		"o-2": {ID: "o-2", StatusID: domain.StatusDone, Amount: decimal.RequireFromString("4.50"), Items: []domain.OrderItem{{ID: "i-2"}}},
	}
	return acc, orders
}

func TestAccountSettled_ServedAndPaid(t *testing.T) {
	acc, orders := settledFixture()
	assert.True(t, AccountSettled(acc, orders))
}

func TestAccountSettled_OneOrderNotDone(t *testing.T) {
	for _, st := range []domain.OrderStatus{domain.StatusPending, domain.StatusInProgress, domain.StatusRejected} {
		acc, orders := settledFixture()
		o := orders["o-2"]
		o.StatusID = st
		orders["o-2"] = o
		assert.False(t, AccountSettled(acc, orders), st.String())
	}
}

func TestAccountSettled_ReceiptsOffByOneCent(t *testing.T) {
	acc, orders := settledFixture()
	acc.Receipts[1].Amount = decimal.RequireFromString("7.59")
	assert.False(t, AccountSettled(acc, orders))

	acc.Receipts[1].Amount = decimal.RequireFromString("7.61")
	assert.False(t, AccountSettled(acc, orders))
}

func TestAccountSettled_ComparesToTheCent(t *testing.T) {
	acc, orders := settledFixture()
	acc.Receipts[1].Amount = decimal.RequireFromString("7.6004")
	assert.True(t, AccountSettled(acc, orders))
}

func TestAccountSettled_VoidedOrderDoesNotNeedToBeDone(t *testing.T) {
	acc, orders := settledFixture()
	o := orders["o-2"]
	o.StatusID = domain.StatusPending
	o.Items = []domain.OrderItem{{ID: "i-2", IsRemoved: true}, {ID: "i-3", IsRefunded: true}}
	orders["o-2"] = o

	assert.True(t, AccountSettled(acc, orders))
}

func TestAccountSettled_SkipsUnknownOrders(t *testing.T) {
	acc, orders := settledFixture()
	acc.Orders = append(acc.Orders, domain.OrderRef{ID: "gone"})
	assert.True(t, AccountSettled(acc, orders))
}

func TestAccountSettled_EmptyAccount(t *testing.T) {
	empty := domain.OrdersAccount{ID: "acc-0"}
	assert.True(t, AccountSettled(empty, nil), "no orders and no receipts closes by vacuous truth")

	empty.Receipts = []domain.Receipt{{Amount: decimal.NewFromInt(5)}}
	assert.False(t, AccountSettled(empty, nil))
}
