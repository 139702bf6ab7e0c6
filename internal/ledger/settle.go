package ledger

import (
	"github.com/shopspring/decimal"

	"order-ledger/internal/domain"
)

// AccountSettled decides whether an orders account is fully served and fully
// paid. Every order that still bills at least one item must be Done, and the
// receipts must cover the orders to the cent. Orders the account references
// but the map does not hold are skipped.
func AccountSettled(acc domain.OrdersAccount, orders map[string]domain.Order) bool {
	total := decimal.Zero
	served := true
	for _, ref := range acc.Orders {
		o, ok := orders[ref.ID]
		if !ok {
			continue
		}
		total = total.Add(o.Amount)
		if o.HasBillableItems() && o.StatusID != domain.StatusDone {
			served = false
		}
	}
	if !served {
		return false
	}
	paid := decimal.Zero
	for _, r := range acc.Receipts {
		paid = paid.Add(r.Amount)
	}
	return paid.Round(2).Equal(total.Round(2))
}
