package bootstrap

import (
	"context"

	"relayq/internal/broker"
	"relayq/internal/management"
	"relayq/pkg/migrations"
)

// InitManagement builds the operator API over stack. Audit logging needs
// MongoDB; events need a producer and an events topic.
func (dc *DatabaseConnector) InitManagement(ctx context.Context, stack *QueueStack, producer broker.Producer) (*management.Handler, error) {
	cfg := dc.Config
	opts := []management.ServiceOption{
		management.WithLogger(dc.Logger),
		management.WithDefaultMaxRetries(cfg.Queue.DefaultMaxRetries),
	}

	if stack.Archive != nil {
		opts = append(opts, management.WithArchive(stack.Archive))
	}

	if cfg.Management.AuditEnabled && stack.MongoDB != nil {
		if err := migrations.EnsureAuditCollection(ctx, stack.MongoDB, cfg.Management.AuditCollection); err != nil {
			return nil, err
		}
		opts = append(opts, management.WithAudit(management.NewAuditLogger(stack.MongoDB, cfg.Management.AuditCollection)))
	}

	if producer != nil && cfg.Broker.Kafka.EventsTopic != "" {
		opts = append(opts, management.WithEvents(management.NewEventPublisher(producer, cfg.Broker.Kafka.EventsTopic)))
		dc.Logger.Infow("Queue events enabled", "topic", cfg.Broker.Kafka.EventsTopic)
	}

	svc, err := management.NewService(stack.Queue, opts...)
	if err != nil {
		return nil, err
	}
	return management.NewHandler(svc, dc.Logger), nil
}
