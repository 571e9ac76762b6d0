package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayq/internal/config"
	"relayq/internal/testinfra"
)

type storeFactory struct {
	name string
	new  func(t *testing.T) Store
}

func contractStoreFactories() []storeFactory {
	return []storeFactory{
		{
			name: "memory",
			new: func(t *testing.T) Store {
				return NewMemoryStore()
			},
		},
		{
			name: "memory_circuit_breaker",
			new: func(t *testing.T) Store {
				return NewCircuitBreakerStore(NewMemoryStore(), "test-store", config.CircuitBreakerConfig{
					Enabled:      true,
					FailureRatio: 0.5,
					MinRequests:  3,
				})
			},
		},
		{
			name: "redis",
			new: func(t *testing.T) Store {
				return NewRedisStore(testinfra.Redis(t))
			},
		},
	}
}

func TestStoreContract(t *testing.T) {
	for _, f := range contractStoreFactories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.new(t)

			t.Run("list_fifo", func(t *testing.T) {
				ctx := context.Background()
				keys := NewKeys("contract", "fifo")

				for _, v := range []string{"a", "b", "c"} {
					require.NoError(t, s.Append(ctx, keys.Pending, v))
				}

				n, err := s.ListLen(ctx, keys.Pending)
				require.NoError(t, err)
				assert.Equal(t, int64(3), n)

				all, err := s.Range(ctx, keys.Pending, 0, -1)
				require.NoError(t, err)
				assert.Equal(t, []string{"a", "b", "c"}, all)

				tail, err := s.Range(ctx, keys.Pending, -2, -1)
				require.NoError(t, err)
				assert.Equal(t, []string{"b", "c"}, tail)

				head, ok, err := s.PopHead(ctx, keys.Pending)
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, "a", head)
			})

			t.Run("pop_empty", func(t *testing.T) {
				_, ok, err := s.PopHead(context.Background(), "contract:empty")
				require.NoError(t, err)
				assert.False(t, ok)

				values, err := s.Range(context.Background(), "contract:empty", 0, -1)
				require.NoError(t, err)
				assert.Empty(t, values)
			})

			t.Run("hash_roundtrip", func(t *testing.T) {
				ctx := context.Background()
				keys := NewKeys("contract", "hash")

				require.NoError(t, s.HashSet(ctx, keys.Processing, "m-1", "one"))
				require.NoError(t, s.HashSet(ctx, keys.Processing, "m-2", "two"))
				require.NoError(t, s.HashSet(ctx, keys.Processing, "m-1", "uno"))

				v, ok, err := s.HashGet(ctx, keys.Processing, "m-1")
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, "uno", v)

				n, err := s.HashLen(ctx, keys.Processing)
				require.NoError(t, err)
				assert.Equal(t, int64(2), n)

				deleted, err := s.HashDelete(ctx, keys.Processing, "m-1")
				require.NoError(t, err)
				assert.True(t, deleted)

				deleted, err = s.HashDelete(ctx, keys.Processing, "m-1")
				require.NoError(t, err)
				assert.False(t, deleted)

				_, ok, err = s.HashGet(ctx, keys.Processing, "m-1")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("delete_all", func(t *testing.T) {
				ctx := context.Background()
				keys := NewKeys("contract", "drain")

				require.NoError(t, s.Append(ctx, keys.Pending, "x"))
				require.NoError(t, s.Append(ctx, keys.DeadLetter, "y"))
				require.NoError(t, s.HashSet(ctx, keys.Index, "x", "pending"))

				require.NoError(t, s.DeleteAll(ctx, keys.All()...))

				for _, list := range []string{keys.Pending, keys.DeadLetter} {
					n, err := s.ListLen(ctx, list)
					require.NoError(t, err)
					assert.Zero(t, n)
				}
				n, err := s.HashLen(ctx, keys.Index)
				require.NoError(t, err)
				assert.Zero(t, n)
			})

			t.Run("transitions", func(t *testing.T) {
				ctx := context.Background()
				keys := NewKeys("contract", "transitions")
				m1 := `{"id":"m-1","payload":{"n":9007199254740993}}`

				pushed, err := s.Push(ctx, keys, "m-1", m1)
				require.NoError(t, err)
				assert.True(t, pushed)

				pushed, err = s.Push(ctx, keys, "m-1", `{"id":"m-1"}`)
				require.NoError(t, err)
				assert.False(t, pushed, "duplicate id must not be pushed")

				require.NoError(t, s.Append(ctx, keys.Pending, `{"payload":{}}`))

				n, err := s.ListLen(ctx, keys.Pending)
				require.NoError(t, err)
				assert.Equal(t, int64(2), n)

				entry, ok, err := s.Claim(ctx, keys)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, Entry{ID: "m-1", Value: m1}, entry)

				state, _, err := s.HashGet(ctx, keys.Index, "m-1")
				require.NoError(t, err)
				assert.Equal(t, IndexProcessing, state)

				entry, ok, err = s.Claim(ctx, keys)
				require.NoError(t, err)
				require.True(t, ok)
				assert.True(t, entry.Corrupt())
				dead, err := s.Range(ctx, keys.DeadLetter, 0, -1)
				require.NoError(t, err)
				assert.Equal(t, []string{`{"payload":{}}`}, dead)

				_, ok, err = s.Claim(ctx, keys)
				require.NoError(t, err)
				assert.False(t, ok)

				moved, err := s.Move(ctx, keys, "m-1", "stale", `{"id":"m-1","retries":1}`, IndexPending)
				require.NoError(t, err)
				assert.False(t, moved, "move must check the processing entry")

				moved, err = s.Move(ctx, keys, "m-1", m1, `{"id":"m-1","retries":1}`, IndexPending)
				require.NoError(t, err)
				assert.True(t, moved)
				pending, err := s.Range(ctx, keys.Pending, 0, -1)
				require.NoError(t, err)
				assert.Equal(t, []string{`{"id":"m-1","retries":1}`}, pending)
				state, _, err = s.HashGet(ctx, keys.Index, "m-1")
				require.NoError(t, err)
				assert.Equal(t, IndexPending, state)

				completed, err := s.Complete(ctx, keys, "m-1")
				require.NoError(t, err)
				assert.False(t, completed, "pending ids cannot be completed")

				_, _, err = s.Claim(ctx, keys)
				require.NoError(t, err)
				completed, err = s.Complete(ctx, keys, "m-1")
				require.NoError(t, err)
				assert.True(t, completed)
				_, indexed, err := s.HashGet(ctx, keys.Index, "m-1")
				require.NoError(t, err)
				assert.False(t, indexed)

				_, err = s.Move(ctx, keys, "m-1", m1, m1, IndexProcessing)
				assert.Error(t, err)
			})

			t.Run("ping", func(t *testing.T) {
				assert.NoError(t, s.Ping(context.Background()))
			})
		})
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	err := s.Append(context.Background(), "l", "v")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrClosed)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.PopHead(ctx, "l")
	assert.ErrorIs(t, err, context.Canceled)
}

type failingStore struct {
	Store
	err error
}

func (f *failingStore) Append(ctx context.Context, list, value string) error {
	return f.err
}

func TestCircuitBreakerStore_Opens(t *testing.T) {
	boom := errors.New("connection refused")
	s := NewCircuitBreakerStore(&failingStore{Store: NewMemoryStore(), err: boom}, "failing-store", config.CircuitBreakerConfig{
		Enabled:      true,
		FailureRatio: 0.5,
		MinRequests:  2,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, s.Append(ctx, "l", "v"), boom)
	}

	assert.True(t, s.IsOpen())
	assert.Equal(t, "open", s.State())
	assert.Error(t, s.Append(ctx, "l", "v"))

	assert.NoError(t, s.Ping(ctx))
}

func TestCircuitBreakerStore_Disabled(t *testing.T) {
	s := NewCircuitBreakerStore(NewMemoryStore(), "disabled", config.CircuitBreakerConfig{})
	assert.Equal(t, "disabled", s.State())
	assert.False(t, s.IsOpen())
	assert.NoError(t, s.Append(context.Background(), "l", "v"))
}

func TestNewKeys(t *testing.T) {
	keys := NewKeys("relayq", "orders")
	assert.Equal(t, "relayq:orders:pending", keys.Pending)
	assert.Equal(t, "relayq:orders:processing", keys.Processing)
	assert.Equal(t, "relayq:orders:dead_letter", keys.DeadLetter)
	assert.Equal(t, "relayq:orders:index", keys.Index)

	assert.Equal(t, "orders:pending", NewKeys("", "orders").Pending)
}
