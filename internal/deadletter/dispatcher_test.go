package deadletter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayq/internal/constants"
	"relayq/internal/queue"
	"relayq/internal/store"
	"relayq/internal/testinfra"
	"relayq/pkg/migrations"
	"relayq/pkg/models"
	"relayq/pkg/retry"
)

type memorySink struct {
	name     string
	mu       sync.Mutex
	failures int
	calls    int
	got      []Record
	ids      []string
}

func (s *memorySink) Name() string { return s.name }

func (s *memorySink) Deliver(ctx context.Context, msg *models.Message, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures != 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.got = append(s.got, rec)
	s.ids = append(s.ids, msg.ID)
	return nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDispatcher_FansOutThroughQueueHook(t *testing.T) {
	a := &memorySink{name: "a"}
	b := &memorySink{name: "b"}
	d := NewDispatcher("orders", []Sink{a, b},
		WithRetryPolicy(fastPolicy()),
		WithNowFunc(func() time.Time { return fixedNow }),
	)

	ctx := context.Background()
	q := queue.New("orders", store.NewMemoryStore(), store.NewKeys("", "orders"), queue.WithDeadLetterHook(d.Hook()))
	require.NoError(t, q.Enqueue(ctx, models.NewMessageBuilder().WithID("m-1").WithMaxRetries(1).Build()))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	disposition, err := q.NackWithReason(ctx, "m-1", "handler timeout")
	require.NoError(t, err)
	assert.Equal(t, queue.DispositionDeadLettered, disposition)

	for _, sink := range []*memorySink{a, b} {
		require.Len(t, sink.got, 1, sink.name)
		assert.Equal(t, []string{"m-1"}, sink.ids)
		assert.Equal(t, Record{Queue: "orders", Reason: queue.ReasonRetriesExhausted, DeadLetteredAt: fixedNow}, sink.got[0])
	}
}

func TestDispatcher_RetriesAndIsolatesSinks(t *testing.T) {
	flaky := &memorySink{name: "flaky", failures: 2}
	broken := &memorySink{name: "broken", failures: -1}
	healthy := &memorySink{name: "healthy"}
	d := NewDispatcher("orders", []Sink{broken, flaky, healthy}, WithRetryPolicy(fastPolicy()))

	d.Dispatch(context.Background(), models.NewMessageBuilder().WithID("m-1").Build(), "boom")

	assert.Equal(t, 3, broken.calls)
	assert.Empty(t, broken.got)
	assert.Equal(t, 3, flaky.calls)
	assert.Len(t, flaky.got, 1)
	assert.Len(t, healthy.got, 1)
}

func TestDispatcher_IgnoresCancelledContext(t *testing.T) {
	sink := &memorySink{name: "s"}
	d := NewDispatcher("orders", []Sink{sink})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Dispatch(ctx, models.NewMessageBuilder().WithID("m-1").Build(), "boom")

	assert.Len(t, sink.got, 1)
}

type hangingSink struct{}

func (hangingSink) Name() string { return "hanging" }

func (hangingSink) Deliver(ctx context.Context, msg *models.Message, rec Record) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcher_DeliveryTimeoutBoundsStalledSink(t *testing.T) {
	healthy := &memorySink{name: "healthy"}
	d := NewDispatcher("orders", []Sink{hangingSink{}, healthy},
		WithRetryPolicy(retry.Policy{MaxAttempts: 10, InitialInterval: time.Second, MaxInterval: 5 * time.Second, Multiplier: 2}),
		WithDeliveryTimeout(50*time.Millisecond),
	)

	start := time.Now()
	d.Dispatch(context.Background(), models.NewMessageBuilder().WithID("m-1").Build(), queue.ReasonRetriesExhausted)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"m-1"}, healthy.ids)
}

type capturingProducer struct {
	topic   string
	msg     *models.Message
	headers map[string]string
}

func (p *capturingProducer) Publish(ctx context.Context, topic string, msg *models.Message, headers map[string]string) error {
	p.topic, p.msg, p.headers = topic, msg, headers
	return nil
}

func (p *capturingProducer) PublishRaw(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	return errors.New("unexpected raw publish")
}

func (p *capturingProducer) Close() error { return nil }

func TestKafkaSink_Deliver(t *testing.T) {
	p := &capturingProducer{}
	sink := NewKafkaSink(p, "relayq_dead_letter")
	msg := models.NewMessageBuilder().WithID("m-1").Build()

	require.NoError(t, sink.Deliver(context.Background(), msg, Record{Queue: "orders", Reason: "retries_exhausted", DeadLetteredAt: fixedNow}))

	assert.Equal(t, "relayq_dead_letter", p.topic)
	assert.Equal(t, "m-1", p.msg.ID)
	assert.Equal(t, "retries_exhausted", p.headers[constants.HeaderDeadLetterReason])
	assert.Equal(t, "orders", p.headers[constants.HeaderQueue])
	assert.Equal(t, "2026-03-01T12:00:00Z", p.headers[constants.HeaderDeadLetteredAt])
}

func TestMongoArchive(t *testing.T) {
	db := testinfra.Mongo(t, "relayq_test")
	ctx := context.Background()
	require.NoError(t, migrations.EnsureDeadLetterCollection(ctx, db, "dead_letters"))
	require.NoError(t, migrations.EnsureDeadLetterCollection(ctx, db, "dead_letters"))

	archive := NewMongoArchive(db, "dead_letters")
	for i, id := range []string{"m-1", "m-2", "m-3"} {
		msg := models.NewMessageBuilder().WithID(id).WithField("n", i).WithRetries(3).Build()
		rec := Record{Queue: "orders", Reason: "retries_exhausted", DeadLetteredAt: fixedNow.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, archive.Deliver(ctx, msg, rec))
	}
	require.NoError(t, archive.Deliver(ctx, models.NewMessageBuilder().WithID("x").Build(), Record{Queue: "other"}))

	n, err := archive.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	list, err := archive.List(ctx, "orders", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "m-3", list[0].MessageID)
	assert.Equal(t, "m-2", list[1].MessageID)
	assert.Equal(t, 3, list[0].Retries)
	assert.EqualValues(t, 2, list[0].Payload["n"])
}
