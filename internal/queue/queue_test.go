package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayq/internal/store"
	"relayq/pkg/cel"
	pkgerrors "relayq/pkg/errors"
	"relayq/pkg/models"
)

func newTestQueue(t *testing.T, opts ...Option) (*Queue, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	return New("test", st, store.NewKeys("relayq", "test"), opts...), st
}

func newMessage(id string, maxRetries int) *models.Message {
	return models.NewMessageBuilder().
		WithID(id).
		WithField("n", id).
		WithMaxRetries(maxRetries).
		Build()
}

func requireStats(t *testing.T, q *Queue, pending, processing, deadLetter int64) {
	t.Helper()
	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: pending, Processing: processing, DeadLetter: deadLetter}, stats)
}

func TestQueue_RoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	msg := newMessage("m-1", 3)
	require.NoError(t, q.Enqueue(ctx, msg))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, 0, got.Retries)
	requireStats(t, q, 0, 1, 0)
}

func TestQueue_RoundTripNumbers(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	msg := models.NewMessageBuilder().
		WithID("m-1").
		WithField("order_id", int64(9007199254740993)).
		WithField("n", int64(5)).
		WithField("price", 19.99).
		Build()
	require.NoError(t, q.Enqueue(ctx, msg))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, msg.Payload, got.Payload)

	_, err = q.NackWithReason(ctx, "m-1", "retry")
	require.NoError(t, err)
	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), got.Payload["order_id"])
}

func TestQueue_DequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestQueue_FIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, newMessage(fmt.Sprintf("m-%d", i), 3)))
	}
	for i := 0; i < 3; i++ {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("m-%d", i), got.ID)
	}
}

func TestQueue_NackExhaustsToDeadLetter(t *testing.T) {
	var hooked []string
	q, _ := newTestQueue(t, WithDeadLetterHook(func(ctx context.Context, msg *models.Message, reason string) {
		hooked = append(hooked, msg.ID+":"+reason)
	}))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newMessage("m-1", 3)))

	var dispositions []Disposition
	for i := 0; i < 3; i++ {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, i, got.Retries)

		d, err := q.NackWithReason(ctx, got.ID, "handler failed")
		require.NoError(t, err)
		dispositions = append(dispositions, d)
	}

	assert.Equal(t, []Disposition{DispositionRequeued, DispositionRequeued, DispositionDeadLettered}, dispositions)
	requireStats(t, q, 0, 0, 1)

	dead, err := q.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "m-1", dead[0].ID)
	assert.Equal(t, 3, dead[0].Retries)
	assert.Equal(t, []string{"m-1:" + ReasonRetriesExhausted}, hooked)
}

func TestQueue_NackWithoutDequeueLoop(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newMessage("m-1", 3)))
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, got.ID))

	// Back in pending, so a second nack without a dequeue is a no-op.
	d, err := q.NackWithReason(ctx, got.ID, "")
	require.NoError(t, err)
	assert.Equal(t, DispositionNone, d)
	requireStats(t, q, 1, 0, 0)
}

func TestQueue_AckAll(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, newMessage(fmt.Sprintf("m-%d", i), 3)))
	}
	for i := 0; i < 5; i++ {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Ack(ctx, got.ID))
	}

	requireStats(t, q, 0, 0, 0)
}

func TestQueue_AckIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newMessage("m-1", 3)))
	require.NoError(t, q.Ack(ctx, "m-1"))
	require.NoError(t, q.Ack(ctx, "unknown"))
	requireStats(t, q, 1, 0, 0)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, got.ID))
	require.NoError(t, q.Ack(ctx, got.ID))
	requireStats(t, q, 0, 0, 0)
}

func TestQueue_EnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	tests := []struct {
		name string
		msg  *models.Message
	}{
		{name: "nil message", msg: nil},
		{name: "empty id", msg: newMessage("", 3)},
		{name: "nil payload", msg: models.NewMessageBuilder().WithID("m-1").WithPayload(nil).Build()},
		{name: "non-zero retries", msg: models.NewMessageBuilder().WithID("m-1").WithRetries(1).Build()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := q.Enqueue(ctx, tt.msg)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsValidation(err))
		})
	}
	requireStats(t, q, 0, 0, 0)
}

func TestQueue_EnqueueDefaults(t *testing.T) {
	q, _ := newTestQueue(t, WithDefaultMaxRetries(7))
	ctx := context.Background()

	msg := &models.Message{ID: "m-1", Payload: map[string]interface{}{}}
	require.NoError(t, q.Enqueue(ctx, msg))
	assert.Zero(t, msg.MaxRetries, "caller's message is not mutated")

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, got.MaxRetries)
	assert.False(t, got.Timestamp.IsZero())
}

func TestQueue_DuplicateIDRejected(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newMessage("m-1", 1)))
	assert.True(t, pkgerrors.IsConflict(q.Enqueue(ctx, newMessage("m-1", 1))))

	_, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.True(t, pkgerrors.IsConflict(q.Enqueue(ctx, newMessage("m-1", 1))), "rejected while processing")

	require.NoError(t, q.Nack(ctx, "m-1"))
	requireStats(t, q, 0, 0, 1)
	assert.True(t, pkgerrors.IsConflict(q.Enqueue(ctx, newMessage("m-1", 1))), "rejected while dead-lettered")

	require.NoError(t, q.Drain(ctx))
	assert.NoError(t, q.Enqueue(ctx, newMessage("m-1", 1)), "released by drain")
}

func TestQueue_IDReusableAfterAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newMessage("m-1", 1)))
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, got.ID))

	assert.NoError(t, q.Enqueue(ctx, newMessage("m-1", 1)))
}

func TestQueue_ValidationRules(t *testing.T) {
	eval, err := cel.NewEvaluator()
	require.NoError(t, err)
	rules, err := eval.CompileRuleSet([]string{`size(payload) > 0`, `max_retries <= 5`})
	require.NoError(t, err)

	q, _ := newTestQueue(t, WithRules(rules))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newMessage("ok", 3)))

	err = q.Enqueue(ctx, models.NewMessageBuilder().WithID("empty").Build())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))
	assert.Contains(t, err.Error(), "size(payload) > 0")

	err = q.Enqueue(ctx, newMessage("greedy", 9))
	assert.True(t, pkgerrors.IsValidation(err))

	requireStats(t, q, 1, 0, 0)
}

func TestQueue_Drain(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, newMessage(fmt.Sprintf("m-%d", i), 1)))
	}
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, got.ID))
	requireStats(t, q, 1, 1, 1)

	require.NoError(t, q.Drain(ctx))
	requireStats(t, q, 0, 0, 0)
}

func TestQueue_DeadLettersLimit(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, newMessage(fmt.Sprintf("m-%d", i), 1)))
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Nack(ctx, got.ID))
	}

	dead, err := q.DeadLetters(ctx, 2)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Equal(t, "m-0", dead[0].ID)
	assert.Equal(t, "m-1", dead[1].ID)
	requireStats(t, q, 0, 0, 3)
}

func TestQueue_CorruptPendingEntry(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, st.Append(ctx, q.keys.Pending, "{not json"))
	require.NoError(t, q.Enqueue(ctx, newMessage("m-1", 3)))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "m-1", got.ID)
	requireStats(t, q, 0, 1, 1)

	dead, err := q.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

type flakyStore struct {
	store.Store
	mu   sync.Mutex
	fail bool
}

var errConnRefused = errors.New("dial tcp: connection refused")

func (f *flakyStore) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *flakyStore) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *flakyStore) Push(ctx context.Context, k store.Keys, id, value string) (bool, error) {
	if f.failing() {
		return false, errConnRefused
	}
	return f.Store.Push(ctx, k, id, value)
}

func (f *flakyStore) Claim(ctx context.Context, k store.Keys) (store.Entry, bool, error) {
	if f.failing() {
		return store.Entry{}, false, errConnRefused
	}
	return f.Store.Claim(ctx, k)
}

func (f *flakyStore) HashGet(ctx context.Context, hash, field string) (string, bool, error) {
	if f.failing() {
		return "", false, errConnRefused
	}
	return f.Store.HashGet(ctx, hash, field)
}

func (f *flakyStore) Complete(ctx context.Context, k store.Keys, id string) (bool, error) {
	if f.failing() {
		return false, errConnRefused
	}
	return f.Store.Complete(ctx, k, id)
}

func TestQueue_StoreUnavailable(t *testing.T) {
	st := &flakyStore{Store: store.NewMemoryStore()}
	q := New("flaky", st, store.NewKeys("", "flaky"))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newMessage("m-1", 3)))
	st.setFail(true)

	errs := []error{
		q.Enqueue(ctx, newMessage("m-2", 3)),
		q.Ack(ctx, "m-1"),
		q.Nack(ctx, "m-1"),
	}
	_, dequeueErr := q.Dequeue(ctx)
	errs = append(errs, dequeueErr)

	for _, err := range errs {
		require.Error(t, err)
		assert.True(t, pkgerrors.IsStoreUnavailable(err))
		assert.True(t, pkgerrors.IsRetryable(err))
		assert.ErrorIs(t, err, errConnRefused)
	}

	st.setFail(false)
	requireStats(t, q, 1, 0, 0)
}

// Random operation sequences must never leave an id in two collections and
// must never push retries past max_retries.
func TestQueue_MembershipInvariant(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("m-%d", i)
		require.NoError(t, q.Enqueue(ctx, newMessage(ids[i], 1+rng.Intn(3))))
	}

	for step := 0; step < 300; step++ {
		switch rng.Intn(3) {
		case 0:
			_, err := q.Dequeue(ctx)
			require.NoError(t, err)
		case 1:
			require.NoError(t, q.Ack(ctx, ids[rng.Intn(len(ids))]))
		case 2:
			_, err := q.NackWithReason(ctx, ids[rng.Intn(len(ids))], "random")
			require.NoError(t, err)
		}
		assertDisjoint(t, q, st, ids)
	}
}

func assertDisjoint(t *testing.T, q *Queue, st store.Store, ids []string) {
	t.Helper()
	ctx := context.Background()

	seen := make(map[string]string)
	mark := func(id, where string) {
		if prev, ok := seen[id]; ok {
			t.Fatalf("message %s in both %s and %s", id, prev, where)
		}
		seen[id] = where
	}

	for _, list := range []struct{ key, name string }{
		{q.keys.Pending, "pending"},
		{q.keys.DeadLetter, "dead_letter"},
	} {
		entries, err := st.Range(ctx, list.key, 0, -1)
		require.NoError(t, err)
		for _, entry := range entries {
			msg, err := models.DecodeMessage(entry)
			require.NoError(t, err)
			require.LessOrEqual(t, msg.Retries, msg.MaxRetries)
			if list.name == "dead_letter" {
				require.Equal(t, msg.MaxRetries, msg.Retries)
			}
			mark(msg.ID, list.name)
		}
	}

	for _, id := range ids {
		if _, ok, err := st.HashGet(ctx, q.keys.Processing, id); err == nil && ok {
			mark(id, "processing")
		}
	}
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, q.Enqueue(ctx, newMessage(fmt.Sprintf("p%d-%d", p, i), 3)))
			}
		}(p)
	}
	wg.Wait()

	requireStats(t, q, 100, 0, 0)
}

func TestQueue_Lookup(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, ok, err := q.Lookup(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.Enqueue(ctx, newMessage("m-1", 1)))
	state, ok, err := q.Lookup(ctx, "m-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatePending, state)

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	state, _, err = q.Lookup(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, state)

	_, err = q.NackWithReason(ctx, "m-1", "boom")
	require.NoError(t, err)
	state, _, err = q.Lookup(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, StateDeadLetter, state)
}

// slowStore delays index reads so check-then-act races between queues
// would surface.
type slowStore struct {
	store.Store
}

func (s *slowStore) HashGet(ctx context.Context, hash, field string) (string, bool, error) {
	time.Sleep(time.Millisecond)
	return s.Store.HashGet(ctx, hash, field)
}

func TestQueue_SharedStoreRejectsDuplicates(t *testing.T) {
	shared := &slowStore{Store: store.NewMemoryStore()}
	keys := store.NewKeys("relayq", "shared")
	queues := []*Queue{New("shared", shared, keys), New("shared", shared, keys)}
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		id := fmt.Sprintf("dup-%d", round)
		errs := make([]error, len(queues))
		var wg sync.WaitGroup
		for i, q := range queues {
			wg.Add(1)
			go func(i int, q *Queue) {
				defer wg.Done()
				errs[i] = q.Enqueue(ctx, newMessage(id, 3))
			}(i, q)
		}
		wg.Wait()

		accepted := 0
		for _, err := range errs {
			if err == nil {
				accepted++
				continue
			}
			assert.True(t, pkgerrors.IsConflict(err))
		}
		assert.Equal(t, 1, accepted, id)
	}
	requireStats(t, queues[0], 20, 0, 0)
}

func TestQueue_SharedStoreAckNackRace(t *testing.T) {
	shared := &slowStore{Store: store.NewMemoryStore()}
	keys := store.NewKeys("relayq", "race")
	worker := New("race", shared, keys)
	operator := New("race", shared, keys)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		id := fmt.Sprintf("m-%d", round)
		require.NoError(t, worker.Enqueue(ctx, newMessage(id, 3)))
		got, err := worker.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, id, got.ID)

		var (
			acked       bool
			disposition Disposition
			ackErr      error
			nackErr     error
			wg          sync.WaitGroup
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			acked, ackErr = worker.TryAck(ctx, id)
		}()
		go func() {
			defer wg.Done()
			disposition, nackErr = operator.NackWithReason(ctx, id, "operator")
		}()
		wg.Wait()
		require.NoError(t, ackErr)
		require.NoError(t, nackErr)

		// exactly one of them takes effect
		if acked {
			assert.Equal(t, DispositionNone, disposition, id)
			requireStats(t, worker, 0, 0, 0)
			continue
		}
		assert.Equal(t, DispositionRequeued, disposition, id)
		requireStats(t, worker, 1, 0, 0)
		_, err = worker.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, worker.Ack(ctx, id))
	}
}

func TestQueue_TryAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newMessage("m-1", 3)))
	acked, err := q.TryAck(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, acked, "pending messages are not acked")

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	acked, err = q.TryAck(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, acked)

	acked, err = q.TryAck(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, acked)
}
