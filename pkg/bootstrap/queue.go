package bootstrap

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"relayq/internal/broker"
	"relayq/internal/constants"
	"relayq/internal/deadletter"
	"relayq/internal/queue"
	"relayq/internal/store"
	"relayq/pkg/cel"
	"relayq/pkg/migrations"
)

// QueueStack is everything built around one named queue.
type QueueStack struct {
	Store   store.Store
	Mongo   *mongo.Client
	MongoDB *mongo.Database
	Queue   *queue.Queue

	// Archive and Dispatcher are nil unless dead-letter sinks are enabled.
	Archive    *deadletter.MongoArchive
	Dispatcher *deadletter.Dispatcher
}

// InitQueue connects the store and MongoDB and builds the queue with its
// validation rules and dead-letter sinks. producer may be nil when the
// broker is disabled.
func (dc *DatabaseConnector) InitQueue(ctx context.Context, producer broker.Producer) (_ *QueueStack, err error) {
	cfg := dc.Config

	st, err := dc.InitStore(ctx)
	if err != nil {
		return nil, err
	}
	stack := &QueueStack{Store: st}
	defer func() {
		if err != nil {
			dc.ShutdownDatabases(context.Background(), stack.Store, stack.Mongo)
		}
	}()

	stack.Mongo, err = dc.InitMongoDB(ctx)
	if err != nil {
		return nil, err
	}
	if stack.Mongo != nil {
		dbName := cfg.Database.MongoDB.Database
		if dbName == "" {
			dbName = constants.DefaultMongoDBName
		}
		stack.MongoDB = stack.Mongo.Database(dbName)
	}

	sinks, err := dc.deadLetterSinks(ctx, stack, producer)
	if err != nil {
		return nil, err
	}

	opts := []queue.Option{
		queue.WithLogger(dc.Logger),
		queue.WithDefaultMaxRetries(cfg.Queue.DefaultMaxRetries),
	}

	if len(cfg.Queue.ValidationRules) > 0 {
		evaluator, err := cel.NewEvaluator()
		if err != nil {
			return nil, err
		}
		rules, err := evaluator.CompileRuleSet(cfg.Queue.ValidationRules)
		if err != nil {
			return nil, fmt.Errorf("failed to compile queue validation rules: %w", err)
		}
		opts = append(opts, queue.WithRules(rules))
		dc.Logger.Infow("Queue validation rules loaded", "count", rules.Len())
	}

	if len(sinks) > 0 {
		stack.Dispatcher = deadletter.NewDispatcher(cfg.Queue.Name, sinks,
			deadletter.WithLogger(dc.Logger),
			deadletter.WithDeliveryTimeout(cfg.DeadLetter.DeliveryTimeout),
		)
		opts = append(opts, queue.WithDeadLetterHook(stack.Dispatcher.Hook()))
	}

	prefix := cfg.Queue.KeyPrefix
	if prefix == "" {
		prefix = constants.DefaultKeyPrefix
	}
	stack.Queue = queue.New(cfg.Queue.Name, st, store.NewKeys(prefix, cfg.Queue.Name), opts...)
	return stack, nil
}

func (dc *DatabaseConnector) deadLetterSinks(ctx context.Context, stack *QueueStack, producer broker.Producer) ([]deadletter.Sink, error) {
	cfg := dc.Config.DeadLetter
	var sinks []deadletter.Sink

	if cfg.ArchiveEnabled {
		if stack.MongoDB == nil {
			return nil, fmt.Errorf("dead letter archive requires MongoDB")
		}
		if err := migrations.EnsureDeadLetterCollection(ctx, stack.MongoDB, cfg.ArchiveCollection); err != nil {
			return nil, err
		}
		stack.Archive = deadletter.NewMongoArchive(stack.MongoDB, cfg.ArchiveCollection)
		sinks = append(sinks, stack.Archive)
	}

	if cfg.PublishEnabled {
		if producer == nil {
			dc.Logger.Warn("Dead letter publishing enabled but the broker is disabled, skipping Kafka sink")
		} else {
			sinks = append(sinks, deadletter.NewKafkaSink(producer, dc.Config.Broker.Kafka.DLQTopic))
		}
	}

	return sinks, nil
}

// Shutdown releases the store and the MongoDB connection.
func (s *QueueStack) Shutdown(ctx context.Context, dc *DatabaseConnector) []error {
	if s == nil {
		return nil
	}
	return dc.ShutdownDatabases(ctx, s.Store, s.Mongo)
}
