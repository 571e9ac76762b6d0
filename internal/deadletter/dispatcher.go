// Package deadletter forwards dead-lettered messages from the queue to
// external sinks.
package deadletter

import (
	"context"
	"time"

	"relayq/internal/logger"
	"relayq/internal/queue"
	"relayq/pkg/metrics"
	"relayq/pkg/models"
	"relayq/pkg/retry"
)

// Record is what a sink receives besides the message itself.
type Record struct {
	Queue          string
	Reason         string
	DeadLetteredAt time.Time
}

type Sink interface {
	Name() string
	Deliver(ctx context.Context, msg *models.Message, rec Record) error
}

// DefaultDeliveryTimeout bounds the time spent on one sink, retries
// included.
const DefaultDeliveryTimeout = 10 * time.Second

type Option func(*Dispatcher)

func WithLogger(log logger.Logger) Option {
	return func(d *Dispatcher) { d.logger = log }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

func WithNowFunc(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithDeliveryTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

type Dispatcher struct {
	queue   string
	sinks   []Sink
	policy  retry.Policy
	timeout time.Duration
	logger  logger.Logger
	now     func() time.Time
}

func NewDispatcher(queueName string, sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:   queueName,
		sinks:   sinks,
		policy:  retry.DefaultPolicy(),
		timeout: DefaultDeliveryTimeout,
		logger:  logger.NopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Len() int {
	return len(d.sinks)
}

// Hook adapts the dispatcher for queue.WithDeadLetterHook.
func (d *Dispatcher) Hook() queue.DeadLetterHook {
	return func(ctx context.Context, msg *models.Message, reason string) {
		d.Dispatch(ctx, msg, reason)
	}
}

// Dispatch delivers msg to every sink, retrying each independently. A sink
// that keeps failing is logged and skipped; the others still receive the
// message. Cancellation of ctx is ignored, but each sink gets at most the
// delivery timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *models.Message, reason string) {
	ctx = context.WithoutCancel(ctx)
	rec := Record{
		Queue:          d.queue,
		Reason:         reason,
		DeadLetteredAt: d.now().UTC(),
	}

	for _, sink := range d.sinks {
		err := d.deliver(ctx, sink, msg, rec)
		metrics.IncDeadLetterSink(sink.Name(), metrics.StatusLabel(err))
		if err != nil {
			d.logger.ErrorwCtx(ctx, "Dead-letter delivery failed",
				"sink", sink.Name(),
				"message_id", msg.ID,
				"error", err,
			)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, msg *models.Message, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	return retry.RetryWithCallback(ctx, d.policy, func() error {
		return sink.Deliver(ctx, msg, rec)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(sink.Name(), "dead_letter_deliver").Inc()
		d.logger.WarnwCtx(ctx, "Retrying dead-letter delivery",
			"sink", sink.Name(),
			"attempt", attempt,
			"next_delay", nextDelay,
			"error", err,
		)
	})
}
