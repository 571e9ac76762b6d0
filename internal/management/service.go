package management

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"relayq/internal/deadletter"
	"relayq/internal/logger"
	"relayq/internal/queue"
	"relayq/pkg/cel"
	pkgerrors "relayq/pkg/errors"
	"relayq/pkg/logging"
	"relayq/pkg/models"
)

type service struct {
	queue     Queue
	archive   deadletter.Archive
	audit     AuditLogger
	events    *EventPublisher
	evaluator *cel.Evaluator
	logger    logger.Logger
	now       func() time.Time

	defaultMaxRetries int
}

type ServiceOption func(*service)

func WithArchive(archive deadletter.Archive) ServiceOption {
	return func(s *service) { s.archive = archive }
}

func WithAudit(audit AuditLogger) ServiceOption {
	return func(s *service) { s.audit = audit }
}

func WithEvents(events *EventPublisher) ServiceOption {
	return func(s *service) { s.events = events }
}

func WithLogger(log logger.Logger) ServiceOption {
	return func(s *service) { s.logger = log }
}

// WithDefaultMaxRetries applies to requests that leave max_retries unset.
func WithDefaultMaxRetries(n int) ServiceOption {
	return func(s *service) {
		if n > 0 {
			s.defaultMaxRetries = n
		}
	}
}

func WithNowFunc(now func() time.Time) ServiceOption {
	return func(s *service) { s.now = now }
}

func NewService(q Queue, opts ...ServiceOption) (Service, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	s := &service{
		queue:     q,
		evaluator: evaluator,
		logger:    logger.NopLogger(),
		now:       func() time.Time { return time.Now().UTC() },

		defaultMaxRetries: models.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *service) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Message, error) {
	if err := ValidateEnqueueRequest(req); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.New().String()
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.defaultMaxRetries
	}
	msg := models.NewMessageBuilder().
		WithID(id).
		WithPayload(models.NormalizePayload(req.Payload)).
		WithTimestamp(s.now()).
		WithMaxRetries(maxRetries).
		Build()

	if err := s.queue.Enqueue(ctx, msg); err != nil {
		return nil, wrapQueueError(err)
	}

	s.record(ctx, models.EventTypeMessageEnqueued, id, nil)
	return msg, nil
}

func (s *service) Lookup(ctx context.Context, id string) (*MessageState, error) {
	state, err := s.requireState(ctx, id)
	if err != nil {
		return nil, err
	}
	return &MessageState{ID: id, Queue: s.queue.Name(), State: state}, nil
}

// Ack and Nack only act on messages a consumer currently holds.
func (s *service) Ack(ctx context.Context, id string) (*AckResponse, error) {
	if err := s.requireProcessing(ctx, id); err != nil {
		return nil, err
	}
	acked, err := s.queue.TryAck(ctx, id)
	if err != nil {
		return nil, wrapQueueError(err)
	}
	if !acked {
		return nil, pkgerrors.ErrConflict.
			WithMessage(fmt.Sprintf("message %s is no longer processing", id)).
			WithDetail("id", id)
	}

	s.record(ctx, models.EventTypeMessageAcked, id, nil)
	return &AckResponse{ID: id, Status: "acked"}, nil
}

func (s *service) Nack(ctx context.Context, id string, req NackRequest) (*NackResponse, error) {
	if err := s.requireProcessing(ctx, id); err != nil {
		return nil, err
	}

	reason := req.Reason
	if reason == "" {
		reason = "operator"
	}
	disposition, err := s.queue.NackWithReason(ctx, id, reason)
	if err != nil {
		return nil, wrapQueueError(err)
	}
	if disposition == queue.DispositionNone {
		return nil, pkgerrors.ErrConflict.
			WithMessage(fmt.Sprintf("message %s left processing before it could be nacked", id)).
			WithDetail("id", id)
	}

	s.record(ctx, models.EventTypeMessageNacked, id, map[string]interface{}{
		"reason":      reason,
		"disposition": string(disposition),
	})
	return &NackResponse{ID: id, Disposition: disposition}, nil
}

func (s *service) Stats(ctx context.Context) (*StatsResponse, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, wrapQueueError(err)
	}

	resp := &StatsResponse{Queue: s.queue.Name(), Stats: stats}
	if s.archive != nil {
		n, err := s.archive.Count(ctx, s.queue.Name())
		if err != nil {
			s.logger.WarnwCtx(ctx, "Failed to count archived dead letters", "queue", s.queue.Name(), "error", err)
		} else {
			resp.ArchivedDeadLetters = &n
		}
	}
	return resp, nil
}

func (s *service) Drain(ctx context.Context) error {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return wrapQueueError(err)
	}
	if err := s.queue.Drain(ctx); err != nil {
		return wrapQueueError(err)
	}

	s.record(ctx, models.EventTypeQueueDrained, "", map[string]interface{}{
		"pending":     stats.Pending,
		"processing":  stats.Processing,
		"dead_letter": stats.DeadLetter,
	})
	return nil
}

func (s *service) DeadLetters(ctx context.Context, limit int) (*DeadLettersResponse, error) {
	messages, err := s.queue.DeadLetters(ctx, limit)
	if err != nil {
		return nil, wrapQueueError(err)
	}
	return &DeadLettersResponse{
		Queue:    s.queue.Name(),
		Count:    len(messages),
		Messages: messages,
	}, nil
}

func (s *service) ArchivedDeadLetters(ctx context.Context, limit int) ([]deadletter.ArchivedMessage, error) {
	if s.archive == nil {
		return nil, pkgerrors.ErrNotFound.WithMessage("dead letter archive not configured")
	}
	archived, err := s.archive.List(ctx, s.queue.Name(), limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return archived, nil
}

func (s *service) ValidateRule(ctx context.Context, req ValidateRuleRequest) error {
	return ValidateRule(s.evaluator, req.Expression)
}

func (s *service) AuditLogs(ctx context.Context, limit int) ([]AuditLogEntry, error) {
	if s.audit == nil {
		return nil, pkgerrors.ErrNotFound.WithMessage("audit logging not enabled")
	}
	entries, err := s.audit.ListActions(ctx, s.queue.Name(), limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return entries, nil
}

func (s *service) requireState(ctx context.Context, id string) (queue.State, error) {
	state, ok, err := s.queue.Lookup(ctx, id)
	if err != nil {
		return "", wrapQueueError(err)
	}
	if !ok {
		return "", pkgerrors.ErrNotFound.
			WithMessage(fmt.Sprintf("message %s not found", id)).
			WithDetail("id", id)
	}
	return state, nil
}

func (s *service) requireProcessing(ctx context.Context, id string) error {
	state, err := s.requireState(ctx, id)
	if err != nil {
		return err
	}
	if state != queue.StateProcessing {
		return pkgerrors.ErrConflict.
			WithMessage(fmt.Sprintf("message %s is %s, not processing", id, state)).
			WithDetail("id", id).
			WithDetail("state", string(state))
	}
	return nil
}

// record writes the audit entry and publishes the event. Failures are
// logged and never fail the operator request.
func (s *service) record(ctx context.Context, eventType, messageID string, details map[string]interface{}) {
	op := OperatorFrom(ctx)
	now := s.now()
	if messageID != "" {
		ctx = logging.WithMessageID(ctx, messageID)
	}

	if s.audit != nil {
		entry := AuditLogEntry{
			Action:    eventType,
			Queue:     s.queue.Name(),
			MessageID: messageID,
			ChangedBy: op.Name,
			IPAddress: op.IPAddress,
			Details:   details,
			Timestamp: now,
		}
		if err := s.audit.LogAction(ctx, entry); err != nil {
			s.logger.WarnwCtx(ctx, "Failed to write audit entry", "action", eventType, "error", err)
		}
	}

	event := models.QueueEvent{
		EventType: eventType,
		Queue:     s.queue.Name(),
		MessageID: messageID,
		Timestamp: now,
		ChangedBy: op.Name,
		Metadata:  details,
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to publish queue event", "event_type", eventType, "error", err)
	}

	s.logger.InfowCtx(ctx, "Operator action", "action", eventType, "queue", s.queue.Name(), "changed_by", op.Name)
}

func wrapQueueError(err error) error {
	var appErr *pkgerrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return pkgerrors.Wrap(err, pkgerrors.ErrInternal)
}
