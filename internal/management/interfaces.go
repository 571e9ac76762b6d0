package management

import (
	"context"

	"relayq/internal/deadletter"
	"relayq/internal/queue"
	"relayq/pkg/models"
)

// Queue is the part of *queue.Queue the operator API drives.
type Queue interface {
	Name() string
	Enqueue(ctx context.Context, msg *models.Message) error
	Lookup(ctx context.Context, id string) (queue.State, bool, error)
	TryAck(ctx context.Context, id string) (bool, error)
	NackWithReason(ctx context.Context, id, reason string) (queue.Disposition, error)
	Stats(ctx context.Context) (queue.Stats, error)
	DeadLetters(ctx context.Context, limit int) ([]models.Message, error)
	Drain(ctx context.Context) error
}

type Service interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (*models.Message, error)
	Lookup(ctx context.Context, id string) (*MessageState, error)
	Ack(ctx context.Context, id string) (*AckResponse, error)
	Nack(ctx context.Context, id string, req NackRequest) (*NackResponse, error)
	Stats(ctx context.Context) (*StatsResponse, error)
	Drain(ctx context.Context) error

	DeadLetters(ctx context.Context, limit int) (*DeadLettersResponse, error)
	ArchivedDeadLetters(ctx context.Context, limit int) ([]deadletter.ArchivedMessage, error)

	ValidateRule(ctx context.Context, req ValidateRuleRequest) error
	AuditLogs(ctx context.Context, limit int) ([]AuditLogEntry, error)
}
