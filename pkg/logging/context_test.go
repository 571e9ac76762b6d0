package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetLogFields(ctx))

	ctx = WithServiceName(ctx, "relay-service")
	ctx = WithQueueName(ctx, "orders")
	ctx = WithMessageID(ctx, "m-1")

	assert.Equal(t, []interface{}{
		"message_id", "m-1",
		"service_name", "relay-service",
		"queue", "orders",
	}, GetLogFields(ctx))
	assert.Equal(t, "orders", GetQueueName(ctx))
	assert.Equal(t, "", GetTraceID(ctx))
}
