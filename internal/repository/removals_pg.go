// Package repository archives what leaves the live ledger so the day's
// turnover can be audited after the screen has moved on.
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"order-ledger/internal/common/logger"
	"order-ledger/internal/common/sink"
	"order-ledger/internal/domain"
	"order-ledger/internal/ledger"
)

// Execer is the slice of pgxpool.Pool the archive needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_removals (
  id            BIGSERIAL PRIMARY KEY,
  restaurant_id TEXT        NOT NULL,
  kind          TEXT        NOT NULL,
  entity_id     TEXT        NOT NULL,
  table_id      TEXT,
  amount        NUMERIC(12,2),
  status_id     INT,
  payload       JSONB       NOT NULL,
  removed_at    TIMESTAMPTZ NOT NULL
)`

const insertRemoval = `
INSERT INTO ledger_removals (restaurant_id, kind, entity_id, table_id, amount, status_id, payload, removed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

type Removal struct {
	Kind      ledger.RemovalKind
	EntityID  string
	TableID   string
	Amount    *string
	StatusID  *int
	Payload   any
	RemovedAt time.Time
}

type RemovalArchive struct {
	db           Execer
	restaurantID string
	now          func() time.Time
	queue        *sink.Queue[Removal]
	log          *logger.Logger
}

func NewRemovalArchive(db Execer, restaurantID string, queueSize int, lg *logger.Logger) *RemovalArchive {
	if lg == nil {
		lg = logger.Nop()
	}
	return &RemovalArchive{
		db:           db,
		restaurantID: restaurantID,
		now:          time.Now,
		queue:        sink.NewQueue[Removal](queueSize),
		log:          lg,
	}
}

func (a *RemovalArchive) EnsureSchema(ctx context.Context) error {
	_, err := a.db.Exec(ctx, schema)
	return err
}

func (a *RemovalArchive) Insert(ctx context.Context, r Removal) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return err
	}
	_, err = a.db.Exec(ctx, insertRemoval,
		a.restaurantID, string(r.Kind), r.EntityID, nullIfEmpty(r.TableID), r.Amount, r.StatusID, payload, r.RemovedAt.UTC())
	return err
}

// Attach archives every order and orders account whose removal completes.
func (a *RemovalArchive) Attach(bus *ledger.Bus) func() {
	u1 := bus.OnOrderRemoved(func(o domain.Order) {
		amount := o.Amount.StringFixed(2)
		status := int(o.StatusID)
		a.enqueue(Removal{
			Kind:      ledger.RemovalOrder,
			EntityID:  o.ID,
			TableID:   o.TableID(),
			Amount:    &amount,
			StatusID:  &status,
			Payload:   o,
			RemovedAt: a.now(),
		})
	})
	u2 := bus.OnOrdersAccountRemoved(func(r domain.AccountRemoved) {
		a.enqueue(Removal{
			Kind:      ledger.RemovalAccount,
			EntityID:  r.OrdersAccountID,
			Payload:   r,
			RemovedAt: a.now(),
		})
	})
	return func() { u1(); u2() }
}

func (a *RemovalArchive) Run(ctx context.Context) {
	a.queue.Run(ctx, func(ctx context.Context, r Removal) {
		if ctx.Err() != nil {
			ctx = context.Background()
		}
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.Insert(ctx, r); err != nil {
			a.log.Error("removal_archive_failed", err, map[string]any{"kind": string(r.Kind), "id": r.EntityID})
		}
	})
}

func (a *RemovalArchive) enqueue(r Removal) {
	if !a.queue.Offer(r) {
		a.log.Warn("removal_archive_dropped", map[string]any{"kind": string(r.Kind), "id": r.EntityID})
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
