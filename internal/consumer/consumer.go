// Package consumer drives the dequeue → buffer → batch → controller cycle
// for a single queue.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"relayq/internal/adaptive"
	"relayq/internal/batch"
	"relayq/internal/buffer"
	"relayq/internal/config"
	"relayq/internal/logger"
	"relayq/pkg/logging"
	"relayq/pkg/metrics"
	"relayq/pkg/models"
	"relayq/pkg/retry"
)

// Queue is the part of *queue.Queue the consumer drives.
type Queue interface {
	batch.Acknowledger
	Name() string
	Dequeue(ctx context.Context) (*models.Message, error)
}

type Config struct {
	PollInterval           time.Duration
	CycleTimeout           time.Duration
	HandlerTimeout         time.Duration
	MaxConsecutiveFailures int
	Retry                  retry.Policy
}

func ConfigFrom(cfg config.ConsumerConfig) Config {
	return Config{
		PollInterval:           cfg.PollInterval,
		CycleTimeout:           cfg.CycleTimeout,
		HandlerTimeout:         cfg.HandlerTimeout,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		Retry: retry.Policy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
			MaxElapsedTime:  cfg.Retry.MaxElapsedTime,
		}.Merge(retry.DefaultPolicy()),
	}
}

// CycleResult describes one RunCycle call. Empty cycles never reach the
// controller.
type CycleResult struct {
	Empty      bool
	Batch      batch.Result
	Parameters adaptive.Parameters
	Elapsed    time.Duration
}

type Option func(*Consumer)

func WithLogger(log logger.Logger) Option {
	return func(c *Consumer) { c.logger = log }
}

type Consumer struct {
	queue      Queue
	buffer     *buffer.Buffer[*models.Message]
	processor  *batch.Processor
	controller *adaptive.Controller
	limiter    *rate.Limiter
	cfg        Config
	logger     logger.Logger
}

func New(q Queue, buf *buffer.Buffer[*models.Message], ctrl *adaptive.Controller, cfg Config, opts ...Option) *Consumer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxConsecutiveFailures < 1 {
		cfg.MaxConsecutiveFailures = 1
	}
	cfg.Retry = cfg.Retry.Merge(retry.DefaultPolicy())

	c := &Consumer{
		queue:      q,
		buffer:     buf,
		controller: ctrl,
		limiter:    rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		cfg:        cfg,
		logger:     logger.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.processor = batch.NewProcessor(q,
		batch.WithLogger(c.logger),
		batch.WithHandlerTimeout(cfg.HandlerTimeout),
	)
	return c
}

// Run executes cycles until ctx is done, which is a clean stop and returns
// nil. Idle polling is limited to one empty cycle per poll interval. Cycles
// failing with store errors are retried with exponential backoff; after
// MaxConsecutiveFailures in a row Run returns the last error.
func (c *Consumer) Run(ctx context.Context, h batch.Handler) error {
	ctx = logging.WithQueueName(ctx, c.queue.Name())
	c.logger.InfowCtx(ctx, "Consumer started",
		"poll_interval", c.cfg.PollInterval,
		"cycle_timeout", c.cfg.CycleTimeout,
	)

	failures := 0
	for {
		if ctx.Err() != nil {
			c.logger.InfowCtx(ctx, "Consumer stopped", "reason", "context canceled")
			return nil
		}

		res, err := c.RunCycle(ctx, h)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			c.logger.ErrorwCtx(ctx, "Consumer cycle failed",
				"error", err,
				"consecutive_failures", failures,
			)
			if failures >= c.cfg.MaxConsecutiveFailures {
				return fmt.Errorf("consumer halted after %d consecutive failures: %w", failures, err)
			}
			delay := retry.CalculateBackoffDuration(failures, c.cfg.Retry.InitialInterval, c.cfg.Retry.Multiplier, c.cfg.Retry.MaxInterval)
			sleep(ctx, delay)
			continue
		}
		failures = 0

		if res.Empty {
			if err := c.limiter.Wait(ctx); err != nil {
				continue
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// RunCycle fills the buffer up to the current batch size within the
// processing window, processes one batch and feeds the outcome to the
// controller.
func (c *Consumer) RunCycle(ctx context.Context, h batch.Handler) (res CycleResult, err error) {
	start := time.Now()
	params := c.controller.Parameters()
	res.Parameters = params

	defer func() {
		status := metrics.StatusLabel(err)
		if err == nil && res.Empty {
			status = "empty"
		}
		metrics.ObserveConsumerCycle(c.queue.Name(), status, time.Since(start))
	}()

	if c.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CycleTimeout)
		defer cancel()
	}

	if err := c.fill(ctx, params); err != nil {
		return res, err
	}
	// Buffered messages wait for the next cycle rather than being abandoned.
	if err := ctx.Err(); err != nil {
		return res, err
	}

	msgs := c.buffer.GetBatch(params.BatchSize)
	if len(msgs) == 0 {
		res.Empty = true
		res.Elapsed = time.Since(start)
		return res, nil
	}

	result, batchErr := c.processor.ProcessBatch(ctx, msgs, h, params.ConcurrentLimit)
	res.Batch = result
	res.Elapsed = time.Since(start)

	res.Parameters = c.controller.Observe(adaptive.CycleReport{
		Epoch:     result.Epoch,
		Processed: result.Processed,
		Failed:    result.Failed,
		Elapsed:   res.Elapsed,
	})

	if len(result.Abandoned) > 0 {
		c.logger.WarnwCtx(ctx, "Cycle timed out before all chunks ran",
			"epoch", result.Epoch,
			"abandoned", result.Abandoned,
		)
	}
	if batchErr != nil {
		return res, fmt.Errorf("batch %d: %w", result.Epoch, batchErr)
	}
	return res, nil
}

// fill dequeues until the buffer holds a full batch, the queue is empty or
// the processing window elapsed.
func (c *Consumer) fill(ctx context.Context, params adaptive.Parameters) error {
	deadline := time.Now().Add(params.ProcessingWindow)

	for c.buffer.Len() < params.BatchSize && time.Now().Before(deadline) {
		msg, err := c.dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if msg == nil {
			return nil
		}
		if err := c.buffer.Put(ctx, msg); err != nil {
			// The message stays in processing; it is not lost from the
			// store, only from this cycle.
			c.logger.WarnwCtx(ctx, "Buffer put abandoned", "message_id", msg.ID, "error", err)
			return nil
		}
	}
	return nil
}

func (c *Consumer) dequeue(ctx context.Context) (*models.Message, error) {
	var msg *models.Message
	err := retry.RetryWithCallback(ctx, c.cfg.Retry, func() error {
		var err error
		msg, err = c.queue.Dequeue(ctx)
		return err
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(c.queue.Name(), "dequeue").Inc()
		c.logger.WarnwCtx(ctx, "Retrying dequeue",
			"attempt", attempt,
			"error", err,
			"next_delay", nextDelay,
		)
	})
	return msg, err
}

func (c *Consumer) Controller() *adaptive.Controller {
	return c.controller
}

func (c *Consumer) Buffer() *buffer.Buffer[*models.Message] {
	return c.buffer
}
