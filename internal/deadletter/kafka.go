package deadletter

import (
	"context"
	"time"

	"relayq/internal/broker"
	"relayq/internal/constants"
	"relayq/pkg/models"
)

// KafkaSink republishes dead-lettered messages to a DLQ topic with the
// reason and origin in headers.
type KafkaSink struct {
	producer broker.Producer
	topic    string
}

func NewKafkaSink(producer broker.Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string {
	return "kafka"
}

func (s *KafkaSink) Deliver(ctx context.Context, msg *models.Message, rec Record) error {
	return s.producer.Publish(ctx, s.topic, msg, map[string]string{
		constants.HeaderDeadLetterReason: rec.Reason,
		constants.HeaderQueue:            rec.Queue,
		constants.HeaderDeadLetteredAt:   rec.DeadLetteredAt.Format(time.RFC3339Nano),
	})
}
