package notify

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"

	"order-ledger/internal/common/logger"
)

// Event is one notification as read back from the fanout.
type Event struct {
	Event        string          `json:"event"`
	RestaurantID string          `json:"restaurant_id"`
	Payload      json.RawMessage `json:"payload"`
	MessageID    string          `json:"-"`
}

// Watch decodes deliveries and passes those for restaurantID (or all of
// them when it is empty) to fn. It returns when ctx ends or msgs closes.
func Watch(ctx context.Context, msgs <-chan amqp.Delivery, restaurantID string, lg *logger.Logger, fn func(Event)) error {
	if lg == nil {
		lg = logger.Nop()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				lg.Error("notification_decode_failed", err, map[string]any{"message_id": d.MessageId})
				continue
			}
			if restaurantID != "" && ev.RestaurantID != restaurantID {
				continue
			}
			ev.MessageID = d.MessageId
			fn(ev)
		}
	}
}
