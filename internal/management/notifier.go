package management

import (
	"context"
	"time"

	"github.com/google/uuid"

	"relayq/internal/broker"
	"relayq/internal/constants"
	"relayq/pkg/models"
)

// EventPublisher announces operator actions on a Kafka topic so other
// relay instances and dashboards can follow them.
type EventPublisher struct {
	producer broker.Producer
	topic    string
}

func NewEventPublisher(producer broker.Producer, topic string) *EventPublisher {
	return &EventPublisher{
		producer: producer,
		topic:    topic,
	}
}

func (p *EventPublisher) Publish(ctx context.Context, event models.QueueEvent) error {
	if p == nil || p.producer == nil || p.topic == "" {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	headers := map[string]string{
		constants.HeaderQueue:     event.Queue,
		constants.HeaderEventType: event.EventType,
	}
	return p.producer.Publish(ctx, p.topic, event.ToMessage(uuid.New().String()), headers)
}
