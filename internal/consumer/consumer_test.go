package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayq/internal/adaptive"
	"relayq/internal/batch"
	"relayq/internal/buffer"
	"relayq/internal/config"
	"relayq/internal/queue"
	"relayq/internal/store"
	pkgerrors "relayq/pkg/errors"
	"relayq/pkg/models"
	"relayq/pkg/retry"
)

func testConfig() Config {
	return Config{
		PollInterval:           5 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		Retry: retry.Policy{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
		},
	}
}

func setup(t *testing.T, q Queue) *Consumer {
	t.Helper()
	buf := buffer.New[*models.Message](100, buffer.WithBackpressureDelay(time.Millisecond))
	ctrl := adaptive.NewController(adaptive.DefaultParameters())
	return New(q, buf, ctrl, testConfig())
}

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	return queue.New("consumer", store.NewMemoryStore(), store.NewKeys("", "consumer"))
}

func enqueue(t *testing.T, q *queue.Queue, n, maxRetries int) {
	t.Helper()
	for i := 0; i < n; i++ {
		msg := models.NewMessageBuilder().
			WithID(fmt.Sprintf("m-%02d", i)).
			WithField("n", i).
			WithMaxRetries(maxRetries).
			Build()
		require.NoError(t, q.Enqueue(context.Background(), msg))
	}
}

func succeed(context.Context, *models.Message) error { return nil }

func TestRunCycle_ProcessesAvailableMessages(t *testing.T) {
	q := newQueue(t)
	enqueue(t, q, 7, 3)
	c := setup(t, q)

	res, err := c.RunCycle(context.Background(), batch.HandlerFunc(succeed))
	require.NoError(t, err)

	assert.False(t, res.Empty)
	assert.Equal(t, 7, res.Batch.Processed)
	assert.Equal(t, uint64(1), c.Controller().Snapshot().Cycles)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
}

func TestRunCycle_RespectsBatchSizeAndAdapts(t *testing.T) {
	q := newQueue(t)
	enqueue(t, q, 25, 3)
	c := setup(t, q)

	res, err := c.RunCycle(context.Background(), batch.HandlerFunc(succeed))
	require.NoError(t, err)

	assert.Equal(t, adaptive.DefaultBatchSize, res.Batch.Processed)
	assert.Equal(t, adaptive.DefaultBatchSize+2, res.Parameters.BatchSize)
	assert.Equal(t, adaptive.DefaultConcurrentLimit+1, res.Parameters.ConcurrentLimit)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(15), stats.Pending)

	res, err = c.RunCycle(context.Background(), batch.HandlerFunc(succeed))
	require.NoError(t, err)
	assert.Equal(t, 12, res.Batch.Processed)
}

func TestRunCycle_EmptyQueueSkipsController(t *testing.T) {
	c := setup(t, newQueue(t))

	res, err := c.RunCycle(context.Background(), batch.HandlerFunc(succeed))
	require.NoError(t, err)

	assert.True(t, res.Empty)
	assert.Zero(t, c.Controller().Snapshot().Cycles)
	assert.Equal(t, adaptive.DefaultParameters(), c.Controller().Parameters())
}

func TestRunCycle_FailuresEndInDeadLetter(t *testing.T) {
	q := newQueue(t)
	enqueue(t, q, 1, 2)
	c := setup(t, q)
	fail := batch.HandlerFunc(func(context.Context, *models.Message) error {
		return errors.New("rejected")
	})

	first, err := c.RunCycle(context.Background(), fail)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Batch.Failed)
	assert.Zero(t, first.Batch.DeadLettered)

	second, err := c.RunCycle(context.Background(), fail)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Batch.DeadLettered)
	assert.Greater(t, second.Batch.Epoch, first.Batch.Epoch)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{DeadLetter: 1}, stats)
}

type flakyQueue struct {
	*queue.Queue
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyQueue) Dequeue(ctx context.Context) (*models.Message, error) {
	f.calls.Add(1)
	if f.failures.Load() != 0 {
		f.failures.Add(-1)
		return nil, pkgerrors.ErrStoreUnavailable.WithMessage("connection refused")
	}
	return f.Queue.Dequeue(ctx)
}

func TestRunCycle_RetriesTransientDequeueErrors(t *testing.T) {
	q := newQueue(t)
	enqueue(t, q, 3, 3)
	fq := &flakyQueue{Queue: q}
	fq.failures.Store(1)
	c := setup(t, fq)

	res, err := c.RunCycle(context.Background(), batch.HandlerFunc(succeed))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Batch.Processed)
}

func TestRun_HaltsAfterConsecutiveFailures(t *testing.T) {
	fq := &flakyQueue{Queue: newQueue(t)}
	fq.failures.Store(-1)
	c := setup(t, fq)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Run(ctx, batch.HandlerFunc(succeed))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsStoreUnavailable(err))
	assert.Contains(t, err.Error(), "3 consecutive failures")
	// Three cycles of two dequeue attempts each.
	assert.Equal(t, int32(6), fq.calls.Load())
}

func TestRun_StopsCleanlyOnCancel(t *testing.T) {
	q := newQueue(t)
	enqueue(t, q, 30, 3)
	c := setup(t, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	handler := batch.HandlerFunc(func(ctx context.Context, msg *models.Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen[msg.ID]++
		if len(seen) == 30 {
			cancel()
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, handler) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 30)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
}

func TestRun_IdlePollingHonorsPollInterval(t *testing.T) {
	fq := &flakyQueue{Queue: newQueue(t)}
	buf := buffer.New[*models.Message](10)
	ctrl := adaptive.NewController(adaptive.DefaultParameters())
	cfg := testConfig()
	cfg.PollInterval = 50 * time.Millisecond
	c := New(fq, buf, ctrl, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, c.Run(ctx, batch.HandlerFunc(succeed)))
	elapsed := time.Since(start)

	// One dequeue per empty cycle; the limiter's initial token allows one
	// extra cycle up front.
	limit := int32(elapsed/cfg.PollInterval) + 2
	calls := fq.calls.Load()
	assert.GreaterOrEqual(t, calls, int32(2))
	assert.LessOrEqual(t, calls, limit, "idle consumer polled %d times in %s", calls, elapsed)
	assert.Zero(t, ctrl.Snapshot().Cycles)
}

func TestConfigFrom_FillsRetryDefaults(t *testing.T) {
	cfg := ConfigFrom(config.ConsumerConfig{
		PollInterval:           250 * time.Millisecond,
		MaxConsecutiveFailures: 4,
		Retry:                  config.RetryConfig{InitialInterval: 20 * time.Millisecond},
	})
	assert.Equal(t, retry.DefaultPolicy().MaxAttempts, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 4, cfg.MaxConsecutiveFailures)
	assert.Equal(t, 20*time.Millisecond, cfg.Retry.InitialInterval)
}
