package broker

import (
	"context"

	"relayq/pkg/models"
)

type Producer interface {
	Publish(ctx context.Context, topic string, msg *models.Message, headers map[string]string) error
	PublishRaw(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Close() error
}

type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

type HandlerFunc func(ctx context.Context, msg *models.Message) error
