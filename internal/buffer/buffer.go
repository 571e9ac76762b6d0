// Package buffer is a bounded staging area between dequeue and processing.
// A full buffer makes Put wait instead of failing.
package buffer

import (
	"context"
	"time"

	"relayq/internal/rolling"
	"relayq/pkg/metrics"
)

const (
	DefaultBackpressureDelay = 100 * time.Millisecond
	DefaultHistorySize       = 100
)

type Metrics struct {
	AvgBatchSize      float64       `json:"avg_batch_size"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	Utilization       float64       `json:"utilization"`
}

type Option func(*config)

type config struct {
	name              string
	backpressureDelay time.Duration
	historySize       int
}

func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithBackpressureDelay sets how long Put waits before retrying on a full
// buffer.
func WithBackpressureDelay(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.backpressureDelay = d
		}
	}
}

func WithHistorySize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.historySize = n
		}
	}
}

type Buffer[T any] struct {
	items             chan T
	name              string
	backpressureDelay time.Duration
	batchSizes        *rolling.Window[int]
	batchTimes        *rolling.Window[time.Duration]
}

func New[T any](capacity int, opts ...Option) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	cfg := config{
		name:              "default",
		backpressureDelay: DefaultBackpressureDelay,
		historySize:       DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Buffer[T]{
		items:             make(chan T, capacity),
		name:              cfg.name,
		backpressureDelay: cfg.backpressureDelay,
		batchSizes:        rolling.NewWindow[int](cfg.historySize),
		batchTimes:        rolling.NewWindow[time.Duration](cfg.historySize),
	}
}

// Put adds item, waiting in steps of the backpressure delay while the
// buffer is full. It only fails when ctx is done.
func (b *Buffer[T]) Put(ctx context.Context, item T) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case b.items <- item:
			metrics.SetBufferUtilization(b.name, b.utilization())
			return nil
		default:
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		metrics.IncBackpressureWait(b.name)
		if timer == nil {
			timer = time.NewTimer(b.backpressureDelay)
		} else {
			timer.Reset(b.backpressureDelay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// GetBatch removes up to size items without blocking. The realized size
// and the time taken go into the rolling histories.
func (b *Buffer[T]) GetBatch(size int) []T {
	start := time.Now()
	batch := make([]T, 0, max(size, 0))

loop:
	for len(batch) < size {
		select {
		case item := <-b.items:
			batch = append(batch, item)
		default:
			break loop
		}
	}

	b.batchSizes.Push(len(batch))
	b.batchTimes.Push(time.Since(start))
	metrics.SetBufferUtilization(b.name, b.utilization())
	return batch
}

func (b *Buffer[T]) Metrics() Metrics {
	return Metrics{
		AvgBatchSize:      rolling.Mean(b.batchSizes.Values()),
		AvgProcessingTime: time.Duration(rolling.Mean(b.batchTimes.Values())),
		Utilization:       b.utilization(),
	}
}

func (b *Buffer[T]) utilization() float64 {
	return float64(len(b.items)) / float64(cap(b.items))
}

func (b *Buffer[T]) Len() int {
	return len(b.items)
}

func (b *Buffer[T]) Cap() int {
	return cap(b.items)
}
