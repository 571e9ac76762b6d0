// Package queue implements the delivery state machine on top of a
// store.Store:
//
//	PENDING --Dequeue--> PROCESSING --Ack--> (removed)
//	PROCESSING --Nack, retries < max--> PENDING (tail)
//	PROCESSING --Nack, retries == max--> DEAD_LETTER (terminal)
//
// Each transition is a single atomic store step, so queues in different
// processes can share one store and no observer sees a message id in two
// collections. Within a process the queue mutex serializes callers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relayq/internal/logger"
	"relayq/internal/store"
	"relayq/pkg/cel"
	pkgerrors "relayq/pkg/errors"
	"relayq/pkg/logging"
	"relayq/pkg/metrics"
	"relayq/pkg/models"
	"relayq/pkg/tracing"
)

// Disposition is what a Nack did with the message.
type Disposition string

const (
	DispositionNone         Disposition = "none"
	DispositionRequeued     Disposition = "requeued"
	DispositionDeadLettered Disposition = "dead_lettered"
)

// State is where a known message id currently lives.
type State string

const (
	StatePending    State = store.IndexPending
	StateProcessing State = store.IndexProcessing
	StateDeadLetter State = store.IndexDeadLetter
)

// Dead-letter reasons reported to hooks and metrics.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonCorrupt          = "corrupt"
)

type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	DeadLetter int64 `json:"dead_letter"`
}

// DeadLetterHook is called after a message reached the dead letter
// collection. It runs outside the queue lock.
type DeadLetterHook func(ctx context.Context, msg *models.Message, reason string)

type Option func(*Queue)

func WithLogger(log logger.Logger) Option {
	return func(q *Queue) { q.logger = log }
}

// WithRules rejects messages for which any rule evaluates false.
func WithRules(rules *cel.RuleSet) Option {
	return func(q *Queue) { q.rules = rules }
}

func WithDeadLetterHook(hook DeadLetterHook) Option {
	return func(q *Queue) { q.hooks = append(q.hooks, hook) }
}

// WithDefaultMaxRetries applies to enqueued messages that leave
// MaxRetries at zero.
func WithDefaultMaxRetries(n int) Option {
	return func(q *Queue) { q.defaultMaxRetries = n }
}

func WithNowFunc(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

type Queue struct {
	mu                sync.Mutex
	name              string
	store             store.Store
	keys              store.Keys
	rules             *cel.RuleSet
	hooks             []DeadLetterHook
	logger            logger.Logger
	defaultMaxRetries int
	now               func() time.Time
}

func New(name string, st store.Store, keys store.Keys, opts ...Option) *Queue {
	q := &Queue{
		name:              name,
		store:             st,
		keys:              keys,
		logger:            logger.NopLogger(),
		defaultMaxRetries: models.DefaultMaxRetries,
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) storeError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return pkgerrors.ErrStoreUnavailable.WithCause(err).
		WithDetail("operation", operation).
		WithDetail("queue", q.name)
}

func (q *Queue) observe(operation string, start time.Time, err error) {
	status := metrics.StatusLabel(err)
	if pkgerrors.IsValidation(err) || pkgerrors.IsConflict(err) {
		status = "rejected"
	}
	metrics.ObserveQueueOperation(q.name, operation, status, time.Since(start))
}

// Enqueue validates msg and appends it to the pending tail. Empty ids and
// nil payloads fail with a validation error, an id already known to the
// queue fails with a conflict error.
func (q *Queue) Enqueue(ctx context.Context, msg *models.Message) (err error) {
	start := time.Now()
	defer func() { q.observe("enqueue", start, err) }()

	if msg == nil {
		return pkgerrors.ErrValidation.WithMessage("message is nil")
	}

	msg = msg.Clone()
	if msg.MaxRetries == 0 {
		msg.MaxRetries = q.defaultMaxRetries
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = q.now()
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Retries != 0 {
		return pkgerrors.ErrValidation.WithMessage("new messages must start with zero retries").WithDetail("field", "retries")
	}

	ctx, span := tracing.StartSpan(ctx, "queue.enqueue", tracing.MessageAttributes(q.name, msg.ID)...)
	defer func() { tracing.End(span, err) }()

	if q.rules != nil {
		failed, evalErr := q.rules.Check(ctx, msg)
		if evalErr != nil {
			return pkgerrors.ErrValidation.
				WithMessage(fmt.Sprintf("validation rule %q could not be evaluated", failed.Expression)).
				WithDetail("rule", failed.Expression).
				WithCause(evalErr)
		}
		if failed != nil {
			return pkgerrors.ErrValidation.
				WithMessage(fmt.Sprintf("message rejected by validation rule %q", failed.Expression)).
				WithDetail("rule", failed.Expression)
		}
	}

	data, err := msg.Encode()
	if err != nil {
		return pkgerrors.ErrValidation.WithMessage("message payload is not serializable").WithCause(err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	pushed, err := q.store.Push(ctx, q.keys, msg.ID, data)
	if err != nil {
		return q.storeError("enqueue", err)
	}
	if !pushed {
		conflict := pkgerrors.ErrConflict.
			WithMessage(fmt.Sprintf("message %s already exists", msg.ID)).
			WithDetail("id", msg.ID)
		if state, ok, err := q.store.HashGet(ctx, q.keys.Index, msg.ID); err == nil && ok {
			conflict = conflict.WithDetail("state", state)
		}
		return conflict
	}

	q.logger.DebugwCtx(logging.WithMessageID(ctx, msg.ID), "Message enqueued", "queue", q.name)
	return nil
}

// Dequeue moves the pending head into processing. It returns nil, nil when
// nothing is pending. Undecodable entries are dead-lettered verbatim and
// skipped.
func (q *Queue) Dequeue(ctx context.Context) (msg *models.Message, err error) {
	start := time.Now()
	defer func() { q.observe("dequeue", start, err) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		entry, ok, err := q.store.Claim(ctx, q.keys)
		if err != nil {
			return nil, q.storeError("dequeue", err)
		}
		if !ok {
			return nil, nil
		}
		if entry.Corrupt() {
			q.logger.ErrorwCtx(ctx, "Corrupt pending entry moved to dead letter", "queue", q.name)
			metrics.IncDeadLettered(q.name, ReasonCorrupt)
			continue
		}

		decoded, decodeErr := models.DecodeMessage(entry.Value)
		if decodeErr != nil {
			q.logger.ErrorwCtx(ctx, "Corrupt pending entry moved to dead letter", "queue", q.name, "id", entry.ID, "error", decodeErr)
			moved, err := q.store.Move(ctx, q.keys, entry.ID, entry.Value, entry.Value, store.IndexDeadLetter)
			if err != nil {
				return nil, q.storeError("dequeue", err)
			}
			if moved {
				metrics.IncDeadLettered(q.name, ReasonCorrupt)
			}
			continue
		}
		return decoded, nil
	}
}

// Ack removes id from processing. Unknown ids are a no-op.
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.TryAck(ctx, id)
	return err
}

// TryAck is Ack reporting whether id was processing and got removed.
func (q *Queue) TryAck(ctx context.Context, id string) (acked bool, err error) {
	start := time.Now()
	defer func() { q.observe("ack", start, err) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	acked, err = q.store.Complete(ctx, q.keys, id)
	if err != nil {
		return false, q.storeError("ack", err)
	}
	if !acked {
		q.logger.DebugwCtx(ctx, "Ack for message not in processing ignored", "queue", q.name, "id", id)
	}
	return acked, nil
}

// Nack records a failed delivery. See NackWithReason.
func (q *Queue) Nack(ctx context.Context, id string) error {
	_, err := q.NackWithReason(ctx, id, "")
	return err
}

// NackWithReason increments the retry counter of a processing message and
// requeues it at the pending tail, or dead-letters it once retries reach
// max_retries. Unknown ids are a no-op reported as DispositionNone.
func (q *Queue) NackWithReason(ctx context.Context, id, reason string) (disposition Disposition, err error) {
	start := time.Now()
	defer func() { q.observe("nack", start, err) }()

	var deadLettered *models.Message
	defer func() {
		if deadLettered != nil {
			q.notify(ctx, deadLettered, ReasonRetriesExhausted)
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	data, ok, err := q.store.HashGet(ctx, q.keys.Processing, id)
	if err != nil {
		return DispositionNone, q.storeError("nack", err)
	}
	if !ok {
		q.logger.DebugwCtx(ctx, "Nack for message not in processing ignored", "queue", q.name, "id", id)
		return DispositionNone, nil
	}

	msg, decodeErr := models.DecodeMessage(data)
	if decodeErr != nil {
		q.logger.ErrorwCtx(ctx, "Corrupt processing entry moved to dead letter", "queue", q.name, "id", id, "error", decodeErr)
		disposition, err = q.move(ctx, id, data, data, StateDeadLetter, DispositionDeadLettered)
		if err == nil && disposition != DispositionNone {
			metrics.IncDeadLettered(q.name, ReasonCorrupt)
		}
		return disposition, err
	}

	msg.Retries++
	encoded, err := msg.Encode()
	if err != nil {
		return DispositionNone, pkgerrors.ErrInternal.WithCause(err)
	}

	if msg.Exhausted() {
		disposition, err = q.move(ctx, id, data, encoded, StateDeadLetter, DispositionDeadLettered)
		if err == nil && disposition != DispositionNone {
			metrics.IncDeadLettered(q.name, ReasonRetriesExhausted)
			q.logger.WarnwCtx(logging.WithMessageID(ctx, id), "Message dead-lettered",
				"queue", q.name, "retries", msg.Retries, "max_retries", msg.MaxRetries, "reason", reason)
			deadLettered = msg
		}
		return disposition, err
	}

	disposition, err = q.move(ctx, id, data, encoded, StatePending, DispositionRequeued)
	if err == nil && disposition != DispositionNone {
		metrics.IncQueueRetry(q.name)
		q.logger.InfowCtx(logging.WithMessageID(ctx, id), "Message requeued",
			"queue", q.name, "retries", msg.Retries, "max_retries", msg.MaxRetries, "reason", reason)
	}
	return disposition, err
}

// move takes id out of processing and appends data to the list for state.
// It reports DispositionNone when the processing entry no longer matches
// original because another client acked or nacked it first.
func (q *Queue) move(ctx context.Context, id, original, data string, state State, disposition Disposition) (Disposition, error) {
	moved, err := q.store.Move(ctx, q.keys, id, original, data, string(state))
	if err != nil {
		return DispositionNone, q.storeError("nack", err)
	}
	if !moved {
		q.logger.DebugwCtx(ctx, "Nack lost to a concurrent ack or nack", "queue", q.name, "id", id)
		return DispositionNone, nil
	}
	return disposition, nil
}

func (q *Queue) notify(ctx context.Context, msg *models.Message, reason string) {
	for _, hook := range q.hooks {
		hook(ctx, msg, reason)
	}
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.store.ListLen(ctx, q.keys.Pending)
	if err != nil {
		return Stats{}, q.storeError("stats", err)
	}
	processing, err := q.store.HashLen(ctx, q.keys.Processing)
	if err != nil {
		return Stats{}, q.storeError("stats", err)
	}
	deadLetter, err := q.store.ListLen(ctx, q.keys.DeadLetter)
	if err != nil {
		return Stats{}, q.storeError("stats", err)
	}

	metrics.SetQueueSize(q.name, int(pending), int(processing), int(deadLetter))
	return Stats{Pending: pending, Processing: processing, DeadLetter: deadLetter}, nil
}

// Lookup reports the state of id. ok is false for ids the queue has never
// seen or has already acked.
func (q *Queue) Lookup(ctx context.Context, id string) (state State, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	value, ok, err := q.store.HashGet(ctx, q.keys.Index, id)
	if err != nil {
		return "", false, q.storeError("lookup", err)
	}
	return State(value), ok, nil
}

// Drain clears every collection and releases all ids.
func (q *Queue) Drain(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { q.observe("drain", start, err) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.DeleteAll(ctx, q.keys.All()...); err != nil {
		return q.storeError("drain", err)
	}
	metrics.SetQueueSize(q.name, 0, 0, 0)
	q.logger.InfowCtx(ctx, "Queue drained", "queue", q.name)
	return nil
}

// DeadLetters returns up to limit dead-lettered messages, oldest first,
// without removing them. limit <= 0 returns all. Corrupt entries are
// skipped.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]models.Message, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	q.mu.Lock()
	entries, err := q.store.Range(ctx, q.keys.DeadLetter, 0, stop)
	q.mu.Unlock()
	if err != nil {
		return nil, q.storeError("dead_letters", err)
	}

	out := make([]models.Message, 0, len(entries))
	for _, entry := range entries {
		msg, err := models.DecodeMessage(entry)
		if err != nil {
			q.logger.WarnwCtx(ctx, "Skipping corrupt dead letter entry", "queue", q.name, "error", err)
			continue
		}
		out = append(out, *msg)
	}
	return out, nil
}

// Ping checks the backing store.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.store.Ping(ctx); err != nil {
		return q.storeError("ping", err)
	}
	return nil
}
