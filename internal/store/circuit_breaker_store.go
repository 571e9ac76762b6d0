package store

import (
	"context"
	"fmt"

	"relayq/internal/config"
	"relayq/pkg/circuitbreaker"
)

// CircuitBreakerStore fails fast while the wrapped backend is unhealthy.
type CircuitBreakerStore struct {
	store Store
	cb    *circuitbreaker.Wrapper
}

func NewCircuitBreakerStore(store Store, name string, cfg config.CircuitBreakerConfig) *CircuitBreakerStore {
	if !cfg.Enabled {
		return &CircuitBreakerStore{store: store}
	}

	return &CircuitBreakerStore{
		store: store,
		cb:    circuitbreaker.NewWrapper(circuitbreaker.ConfigFrom(name, cfg)),
	}
}

func run[T any](ctx context.Context, s *CircuitBreakerStore, fn func() (T, error)) (T, error) {
	if s.cb == nil {
		return fn()
	}
	result, err := circuitbreaker.Do(ctx, s.cb, fn)
	if err != nil && s.cb.IsOpen() {
		return result, fmt.Errorf("circuit breaker is open for %s: %w", s.cb.Name(), err)
	}
	return result, err
}

type popResult struct {
	value string
	ok    bool
}

func (s *CircuitBreakerStore) Append(ctx context.Context, list, value string) error {
	_, err := run(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.store.Append(ctx, list, value)
	})
	return err
}

func (s *CircuitBreakerStore) PopHead(ctx context.Context, list string) (string, bool, error) {
	r, err := run(ctx, s, func() (popResult, error) {
		v, ok, err := s.store.PopHead(ctx, list)
		return popResult{v, ok}, err
	})
	return r.value, r.ok, err
}

func (s *CircuitBreakerStore) Range(ctx context.Context, list string, start, stop int64) ([]string, error) {
	return run(ctx, s, func() ([]string, error) {
		return s.store.Range(ctx, list, start, stop)
	})
}

func (s *CircuitBreakerStore) ListLen(ctx context.Context, list string) (int64, error) {
	return run(ctx, s, func() (int64, error) {
		return s.store.ListLen(ctx, list)
	})
}

func (s *CircuitBreakerStore) HashSet(ctx context.Context, hash, field, value string) error {
	_, err := run(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.store.HashSet(ctx, hash, field, value)
	})
	return err
}

func (s *CircuitBreakerStore) HashGet(ctx context.Context, hash, field string) (string, bool, error) {
	r, err := run(ctx, s, func() (popResult, error) {
		v, ok, err := s.store.HashGet(ctx, hash, field)
		return popResult{v, ok}, err
	})
	return r.value, r.ok, err
}

func (s *CircuitBreakerStore) HashDelete(ctx context.Context, hash, field string) (bool, error) {
	return run(ctx, s, func() (bool, error) {
		return s.store.HashDelete(ctx, hash, field)
	})
}

func (s *CircuitBreakerStore) HashLen(ctx context.Context, hash string) (int64, error) {
	return run(ctx, s, func() (int64, error) {
		return s.store.HashLen(ctx, hash)
	})
}

func (s *CircuitBreakerStore) Push(ctx context.Context, k Keys, id, value string) (bool, error) {
	return run(ctx, s, func() (bool, error) {
		return s.store.Push(ctx, k, id, value)
	})
}

type claimResult struct {
	entry Entry
	ok    bool
}

func (s *CircuitBreakerStore) Claim(ctx context.Context, k Keys) (Entry, bool, error) {
	r, err := run(ctx, s, func() (claimResult, error) {
		entry, ok, err := s.store.Claim(ctx, k)
		return claimResult{entry, ok}, err
	})
	return r.entry, r.ok, err
}

func (s *CircuitBreakerStore) Complete(ctx context.Context, k Keys, id string) (bool, error) {
	return run(ctx, s, func() (bool, error) {
		return s.store.Complete(ctx, k, id)
	})
}

func (s *CircuitBreakerStore) Move(ctx context.Context, k Keys, id, expected, value, state string) (bool, error) {
	return run(ctx, s, func() (bool, error) {
		return s.store.Move(ctx, k, id, expected, value, state)
	})
}

func (s *CircuitBreakerStore) DeleteAll(ctx context.Context, keys ...string) error {
	_, err := run(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.store.DeleteAll(ctx, keys...)
	})
	return err
}

// Ping bypasses the breaker so health checks see the backend itself.
func (s *CircuitBreakerStore) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *CircuitBreakerStore) Close() error {
	return s.store.Close()
}

func (s *CircuitBreakerStore) State() string {
	if s.cb == nil {
		return "disabled"
	}
	return s.cb.State().String()
}

func (s *CircuitBreakerStore) IsOpen() bool {
	if s.cb == nil {
		return false
	}
	return s.cb.IsOpen()
}
