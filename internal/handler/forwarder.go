// Package handler holds the batch handlers the relay service runs.
package handler

import (
	"context"

	"relayq/internal/broker"
	"relayq/internal/logger"
	"relayq/pkg/circuitbreaker"
	"relayq/pkg/models"
)

// Forwarder publishes every message to the output topic. With a breaker
// attached, publishes fail fast while the broker keeps rejecting writes and
// the queue's retry budget absorbs the outage.
type Forwarder struct {
	producer broker.Producer
	topic    string
	cb       *circuitbreaker.Wrapper
}

func NewForwarder(producer broker.Producer, topic string, cb *circuitbreaker.Wrapper) *Forwarder {
	return &Forwarder{producer: producer, topic: topic, cb: cb}
}

func (f *Forwarder) Handle(ctx context.Context, msg *models.Message) error {
	if f.cb == nil {
		return f.producer.Publish(ctx, f.topic, msg, nil)
	}
	_, err := circuitbreaker.Do(ctx, f.cb, func() (struct{}, error) {
		return struct{}{}, f.producer.Publish(ctx, f.topic, msg, nil)
	})
	return err
}

// Logging accepts every message and logs it. It is the relay handler when
// no broker is configured.
type Logging struct {
	logger logger.Logger
}

func NewLogging(log logger.Logger) *Logging {
	return &Logging{logger: log}
}

func (l *Logging) Handle(ctx context.Context, msg *models.Message) error {
	l.logger.InfowCtx(ctx, "Message relayed",
		"message_id", msg.ID,
		"retries", msg.Retries,
		"payload_fields", len(msg.Payload),
	)
	return nil
}
