// Package mirror copies the ledger's latest snapshot and table chains to
// Redis so other processes on the site can read the live view.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"order-ledger/internal/common/logger"
	"order-ledger/internal/common/sink"
	"order-ledger/internal/ledger"
)

func SnapshotKey(restaurantID string) string { return fmt.Sprintf("ledger:%s:snapshot", restaurantID) }
func TablesKey(restaurantID string) string   { return fmt.Sprintf("ledger:%s:tables", restaurantID) }

type Mirror struct {
	rdb          redis.Cmdable
	restaurantID string
	ttl          time.Duration
	queue        *sink.Queue[write]
	log          *logger.Logger
}

type write struct {
	key   string
	value any
}

func New(rdb redis.Cmdable, restaurantID string, ttl time.Duration, queueSize int, lg *logger.Logger) *Mirror {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Mirror{
		rdb:          rdb,
		restaurantID: restaurantID,
		ttl:          ttl,
		queue:        sink.NewQueue[write](queueSize),
		log:          lg,
	}
}

func (m *Mirror) Attach(bus *ledger.Bus) func() {
	u1 := bus.OnOrdersUpdated(func(s ledger.Snapshot) { m.enqueue(SnapshotKey(m.restaurantID), s) })
	u2 := bus.OnTableOrderMapUpdated(func(c ledger.TableChains) { m.enqueue(TablesKey(m.restaurantID), c) })
	return func() { u1(); u2() }
}

func (m *Mirror) Run(ctx context.Context) {
	m.queue.Run(ctx, m.store)
}

func (m *Mirror) enqueue(key string, v any) {
	if !m.queue.Offer(write{key: key, value: v}) {
		m.log.Warn("mirror_write_dropped", map[string]any{"key": key})
	}
}

func (m *Mirror) store(ctx context.Context, w write) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	b, err := json.Marshal(w.value)
	if err != nil {
		m.log.Error("mirror_encode_failed", err, map[string]any{"key": w.key})
		return
	}
	if err := m.rdb.Set(ctx, w.key, string(b), m.ttl).Err(); err != nil {
		m.log.Error("mirror_write_failed", err, map[string]any{"key": w.key})
	}
}

// Load reads the mirrored snapshot. found is false when nothing was mirrored
// yet or the entry expired.
func Load(ctx context.Context, rdb redis.Cmdable, restaurantID string) (snap ledger.Snapshot, found bool, err error) {
	raw, err := rdb.Get(ctx, SnapshotKey(restaurantID)).Result()
	if errors.Is(err, redis.Nil) {
		return ledger.Snapshot{}, false, nil
	}
	if err != nil {
		return ledger.Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return ledger.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}
