package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayq/internal/config"
	"relayq/internal/logger"
	"relayq/internal/store"
	pkgerrors "relayq/pkg/errors"
	"relayq/pkg/models"
)

func TestInitStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		dc := NewDatabaseConnector(&config.Config{Queue: config.QueueConfig{Name: "q", Store: "memory"}}, logger.NopLogger())
		st, err := dc.InitStore(context.Background())
		require.NoError(t, err)
		assert.IsType(t, &store.MemoryStore{}, st)
		assert.Empty(t, dc.ShutdownDatabases(context.Background(), st, nil))
	})

	t.Run("unknown", func(t *testing.T) {
		dc := NewDatabaseConnector(&config.Config{Queue: config.QueueConfig{Store: "etcd"}}, logger.NopLogger())
		_, err := dc.InitStore(context.Background())
		assert.ErrorContains(t, err, "unknown queue store")
	})
}

func TestInitMongoDB_Optional(t *testing.T) {
	dc := NewDatabaseConnector(&config.Config{}, logger.NopLogger())
	client, err := dc.InitMongoDB(context.Background())
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestInitBroker_Disabled(t *testing.T) {
	b := NewBase(&config.Config{Broker: config.BrokerConfig{Type: "none"}}, logger.NopLogger())
	require.NoError(t, b.InitBroker("relay-service"))
	assert.Nil(t, b.Producer)
	assert.Nil(t, b.Consumer)
	assert.NoError(t, b.Shutdown(context.Background(), nil))
}

func TestInitQueue_Memory(t *testing.T) {
	cfg := &config.Config{
		Queue: config.QueueConfig{
			Name:              "orders",
			Store:             "memory",
			DefaultMaxRetries: 2,
			ValidationRules:   []string{`has(payload.order_id)`},
		},
		DeadLetter: config.DeadLetterConfig{PublishEnabled: true},
	}
	dc := NewDatabaseConnector(cfg, logger.NopLogger())
	ctx := context.Background()

	stack, err := dc.InitQueue(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(func() { stack.Shutdown(ctx, dc) })

	assert.Equal(t, "orders", stack.Queue.Name())
	assert.Nil(t, stack.Mongo)
	assert.Nil(t, stack.Archive)
	// publishing without a producer is skipped rather than failing
	assert.Nil(t, stack.Dispatcher)

	err = stack.Queue.Enqueue(ctx, models.NewMessageBuilder().WithID("m-1").Build())
	assert.True(t, pkgerrors.IsValidation(err))
	require.NoError(t, stack.Queue.Enqueue(ctx, models.NewMessageBuilder().WithID("m-2").WithField("order_id", "o-2").WithMaxRetries(0).Build()))

	msg, err := stack.Queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, msg.MaxRetries)

	handler, err := dc.InitManagement(ctx, stack, nil)
	require.NoError(t, err)
	assert.NotNil(t, handler)
}

func TestInitQueue_BadRule(t *testing.T) {
	cfg := &config.Config{Queue: config.QueueConfig{Name: "orders", Store: "memory", DefaultMaxRetries: 1, ValidationRules: []string{`payload +`}}}
	_, err := NewDatabaseConnector(cfg, logger.NopLogger()).InitQueue(context.Background(), nil)
	assert.ErrorContains(t, err, "validation rules")
}

func TestInitQueue_ArchiveWithoutMongo(t *testing.T) {
	cfg := &config.Config{
		Queue:      config.QueueConfig{Name: "orders", Store: "memory", DefaultMaxRetries: 1},
		DeadLetter: config.DeadLetterConfig{ArchiveEnabled: true, ArchiveCollection: "dead_letters"},
	}
	_, err := NewDatabaseConnector(cfg, logger.NopLogger()).InitQueue(context.Background(), nil)
	assert.ErrorContains(t, err, "requires MongoDB")
}
