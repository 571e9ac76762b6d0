// Package batch runs a handler over a batch of dequeued messages with
// bounded concurrency and reports each outcome back to the queue.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"relayq/internal/logger"
	"relayq/internal/queue"
	pkgerrors "relayq/pkg/errors"
	"relayq/pkg/logging"
	"relayq/pkg/metrics"
	"relayq/pkg/models"
	"relayq/pkg/tracing"
)

type Handler interface {
	Handle(ctx context.Context, msg *models.Message) error
}

type HandlerFunc func(ctx context.Context, msg *models.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *models.Message) error {
	return f(ctx, msg)
}

// Acknowledger receives per-message outcomes. *queue.Queue implements it.
type Acknowledger interface {
	Ack(ctx context.Context, id string) error
	NackWithReason(ctx context.Context, id, reason string) (queue.Disposition, error)
}

type Outcome struct {
	ID          string            `json:"id"`
	Epoch       uint64            `json:"epoch"`
	Success     bool              `json:"success"`
	Latency     time.Duration     `json:"latency"`
	Error       string            `json:"error,omitempty"`
	Disposition queue.Disposition `json:"disposition,omitempty"`
}

// Result aggregates one ProcessBatch call. Abandoned lists messages never
// handed to the handler because ctx ended first; they remain in processing.
type Result struct {
	Epoch        uint64        `json:"epoch"`
	Processed    int           `json:"processed"`
	Failed       int           `json:"failed"`
	DeadLettered int           `json:"dead_lettered"`
	Outcomes     []Outcome     `json:"outcomes"`
	Abandoned    []string      `json:"abandoned,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
}

type Option func(*Processor)

func WithLogger(log logger.Logger) Option {
	return func(p *Processor) { p.logger = log }
}

// WithHandlerTimeout bounds every handler invocation. Zero disables it.
func WithHandlerTimeout(d time.Duration) Option {
	return func(p *Processor) { p.handlerTimeout = d }
}

type Processor struct {
	acker          Acknowledger
	logger         logger.Logger
	handlerTimeout time.Duration
	epoch          atomic.Uint64
}

func NewProcessor(acker Acknowledger, opts ...Option) *Processor {
	p := &Processor{
		acker:  acker,
		logger: logger.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Epoch returns the epoch of the most recent batch.
func (p *Processor) Epoch() uint64 {
	return p.epoch.Load()
}

// ProcessBatch splits msgs into chunks of at most concurrentLimit and runs
// each chunk concurrently, one chunk after the other. A failing or
// panicking handler nacks its own message and never affects siblings. The
// returned error joins ack/nack store failures only.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []*models.Message, h Handler, concurrentLimit int) (Result, error) {
	if concurrentLimit < 1 {
		concurrentLimit = 1
	}

	start := time.Now()
	epoch := p.epoch.Add(1)
	result := Result{
		Epoch:    epoch,
		Outcomes: make([]Outcome, 0, len(msgs)),
	}

	ctx, span := tracing.StartSpan(ctx, "batch.process",
		attribute.Int64("batch.epoch", int64(epoch)),
		attribute.Int("batch.size", len(msgs)),
		attribute.Int("batch.concurrent_limit", concurrentLimit),
	)
	metrics.ObserveBatchSize(len(msgs))

	var storeErrs []error
	for offset := 0; offset < len(msgs); offset += concurrentLimit {
		if ctx.Err() != nil {
			for _, msg := range msgs[offset:] {
				result.Abandoned = append(result.Abandoned, msg.ID)
			}
			p.logger.WarnwCtx(ctx, "Batch cancelled, messages left in processing",
				"epoch", epoch, "abandoned", len(result.Abandoned))
			break
		}

		end := min(offset+concurrentLimit, len(msgs))
		outcomes, errs := p.runChunk(ctx, epoch, msgs[offset:end], h)
		storeErrs = append(storeErrs, errs...)

		for _, o := range outcomes {
			if o.Success {
				result.Processed++
			} else {
				result.Failed++
				if o.Disposition == queue.DispositionDeadLettered {
					result.DeadLettered++
				}
			}
			result.Outcomes = append(result.Outcomes, o)
		}
	}

	result.Elapsed = time.Since(start)
	err := errors.Join(storeErrs...)
	tracing.End(span, err)

	p.logger.DebugwCtx(ctx, "Batch processed",
		"epoch", epoch,
		"processed", result.Processed,
		"failed", result.Failed,
		"dead_lettered", result.DeadLettered,
		"elapsed", result.Elapsed,
	)
	return result, err
}

func (p *Processor) runChunk(ctx context.Context, epoch uint64, chunk []*models.Message, h Handler) ([]Outcome, []error) {
	outcomes := make([]Outcome, len(chunk))
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	for i, msg := range chunk {
		g.Go(func() error {
			outcome, err := p.handle(ctx, epoch, msg, h)
			outcomes[i] = outcome
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return outcomes, errs
}

func (p *Processor) handle(ctx context.Context, epoch uint64, msg *models.Message, h Handler) (Outcome, error) {
	ctx = logging.WithMessageID(ctx, msg.ID)
	outcome := Outcome{ID: msg.ID, Epoch: epoch}

	hctx := ctx
	if p.handlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, p.handlerTimeout)
		defer cancel()
	}

	metrics.HandlersInFlight.Inc()
	start := time.Now()
	handlerErr := pkgerrors.Guard(func() error {
		return h.Handle(hctx, msg)
	})
	outcome.Latency = time.Since(start)
	metrics.HandlersInFlight.Dec()

	// Outcomes are recorded even when the cycle was cancelled mid-flight.
	ackCtx := context.WithoutCancel(ctx)

	if handlerErr == nil {
		outcome.Success = true
		metrics.ObserveHandler("success", outcome.Latency)
		if err := p.acker.Ack(ackCtx, msg.ID); err != nil {
			return outcome, fmt.Errorf("ack %s: %w", msg.ID, err)
		}
		return outcome, nil
	}

	outcome.Error = handlerErr.Error()
	metrics.ObserveHandler("failure", outcome.Latency)
	p.logger.WarnwCtx(ctx, "Handler failed", "epoch", epoch, "retries", msg.Retries, "error", handlerErr)

	disposition, err := p.acker.NackWithReason(ackCtx, msg.ID, handlerErr.Error())
	outcome.Disposition = disposition
	if err != nil {
		return outcome, fmt.Errorf("nack %s: %w", msg.ID, err)
	}
	return outcome, nil
}
