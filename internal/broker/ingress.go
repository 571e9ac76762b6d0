package broker

import (
	"context"

	"relayq/internal/logger"
	"relayq/pkg/errors"
	"relayq/pkg/models"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, msg *models.Message) error
}

// EnqueueHandler feeds consumed records into a queue. A record whose id is
// already queued is a redelivery and is acknowledged without a second
// enqueue.
func EnqueueHandler(q Enqueuer, log logger.Logger) HandlerFunc {
	return func(ctx context.Context, msg *models.Message) error {
		err := q.Enqueue(ctx, msg)
		if errors.IsConflict(err) {
			log.InfowCtx(ctx, "Skipping redelivered message", "message_id", msg.ID)
			return nil
		}
		return err
	}
}
