// Package notify fans ledger events out over RabbitMQ and reads them back
// for operators watching a restaurant's floor.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"order-ledger/internal/common/logger"
	"order-ledger/internal/common/mq"
	"order-ledger/internal/common/sink"
	"order-ledger/internal/domain"
	"order-ledger/internal/ledger"
)

// Notification events published to the fanout.
const (
	EventNewTableOrder        = "newTableOrder"
	EventTableOrderRemoved    = "tableOrderRemoved"
	EventOrdersAccountClosed  = "ordersAccountClosed"
	EventOrdersAccountRemoved = "ordersAccountRemoved"
	EventOrderRemoved         = "orderRemoved"
)

const source = "order-ledger"

type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

type Forwarder struct {
	pub          Publisher
	restaurantID string
	timeout      time.Duration
	queue        *sink.Queue[outgoing]
	log          *logger.Logger
}

type outgoing struct {
	correlationID string
	msg           domain.NotificationMessage
}

func NewForwarder(pub Publisher, restaurantID string, queueSize int, lg *logger.Logger) *Forwarder {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Forwarder{
		pub:          pub,
		restaurantID: restaurantID,
		timeout:      5 * time.Second,
		queue:        sink.NewQueue[outgoing](queueSize),
		log:          lg,
	}
}

// Attach subscribes the forwarder to the bus and returns the unsubscribe func.
func (f *Forwarder) Attach(bus *ledger.Bus) func() {
	unsubs := []func(){
		bus.OnNewTableOrder(func(o domain.Order) { f.enqueue(EventNewTableOrder, o.ID, o) }),
		bus.OnTableOrderRemoved(func(o domain.Order) { f.enqueue(EventTableOrderRemoved, o.ID, o) }),
		bus.OnOrderRemoved(func(o domain.Order) { f.enqueue(EventOrderRemoved, o.ID, o) }),
		bus.OnOrdersAccountClosed(func(id string) {
			f.enqueue(EventOrdersAccountClosed, id, map[string]string{"ordersAccountId": id})
		}),
		bus.OnOrdersAccountRemoved(func(r domain.AccountRemoved) {
			f.enqueue(EventOrdersAccountRemoved, r.OrdersAccountID, r)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Run publishes queued notifications until ctx ends.
func (f *Forwarder) Run(ctx context.Context) {
	f.queue.Run(ctx, f.publish)
}

func (f *Forwarder) enqueue(event, correlationID string, payload any) {
	msg := domain.NotificationMessage{Event: event, RestaurantID: f.restaurantID, Payload: payload}
	if !f.queue.Offer(outgoing{correlationID: correlationID, msg: msg}) {
		f.log.Warn("notification_dropped", map[string]any{"event": event, "id": correlationID})
	}
}

func (f *Forwarder) publish(ctx context.Context, out outgoing) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	body, err := json.Marshal(out.msg)
	if err != nil {
		f.log.Error("notification_encode_failed", err, map[string]any{"event": out.msg.Event})
		return
	}
	err = f.pub.Publish(ctx, mq.ExchangeNotifications, "", amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		ContentType:   "application/json",
		MessageId:     uuid.NewString(),
		CorrelationId: out.correlationID,
		Timestamp:     time.Now().UTC(),
		Headers: amqp.Table{
			"x-source": source,
			"x-event":  out.msg.Event,
		},
		Body: body,
	})
	if err != nil {
		f.log.Error("notification_publish_failed", err, map[string]any{"event": out.msg.Event, "id": out.correlationID})
		return
	}
	f.log.Debug("notification_published", map[string]any{"event": out.msg.Event, "id": out.correlationID})
}
