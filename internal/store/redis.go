package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"relayq/pkg/metrics"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// track records one store call. Use as defer track("op", &err)().
func track(operation string, err *error) func() {
	start := time.Now()
	return func() {
		metrics.ObserveStoreOperation("redis", operation, metrics.StatusLabel(*err), time.Since(start))
	}
}

func (s *RedisStore) Append(ctx context.Context, list, value string) (err error) {
	defer track("rpush", &err)()

	if err = s.client.RPush(ctx, list, value).Err(); err != nil {
		return fmt.Errorf("redis RPUSH %s failed: %w", list, err)
	}
	return nil
}

func (s *RedisStore) PopHead(ctx context.Context, list string) (value string, ok bool, err error) {
	defer track("lpop", &err)()

	value, err = s.client.LPop(ctx, list).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis LPOP %s failed: %w", list, err)
	}
	return value, true, nil
}

func (s *RedisStore) Range(ctx context.Context, list string, start, stop int64) (values []string, err error) {
	defer track("lrange", &err)()

	values, err = s.client.LRange(ctx, list, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE %s failed: %w", list, err)
	}
	return values, nil
}

func (s *RedisStore) ListLen(ctx context.Context, list string) (n int64, err error) {
	defer track("llen", &err)()

	n, err = s.client.LLen(ctx, list).Result()
	if err != nil {
		return 0, fmt.Errorf("redis LLEN %s failed: %w", list, err)
	}
	return n, nil
}

func (s *RedisStore) HashSet(ctx context.Context, hash, field, value string) (err error) {
	defer track("hset", &err)()

	if err = s.client.HSet(ctx, hash, field, value).Err(); err != nil {
		return fmt.Errorf("redis HSET %s failed: %w", hash, err)
	}
	return nil
}

func (s *RedisStore) HashGet(ctx context.Context, hash, field string) (value string, ok bool, err error) {
	defer track("hget", &err)()

	value, err = s.client.HGet(ctx, hash, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis HGET %s failed: %w", hash, err)
	}
	return value, true, nil
}

func (s *RedisStore) HashDelete(ctx context.Context, hash, field string) (deleted bool, err error) {
	defer track("hdel", &err)()

	n, err := s.client.HDel(ctx, hash, field).Result()
	if err != nil {
		return false, fmt.Errorf("redis HDEL %s failed: %w", hash, err)
	}
	return n > 0, nil
}

func (s *RedisStore) HashLen(ctx context.Context, hash string) (n int64, err error) {
	defer track("hlen", &err)()

	n, err = s.client.HLen(ctx, hash).Result()
	if err != nil {
		return 0, fmt.Errorf("redis HLEN %s failed: %w", hash, err)
	}
	return n, nil
}

// KEYS: pending, index. ARGV: id, value, pending state.
var pushScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[3]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// KEYS: pending, processing, dead_letter, index. ARGV: processing state.
// Returns {value, id}; id is empty for entries without a string id.
var claimScript = redis.NewScript(`
local value = redis.call('LPOP', KEYS[1])
if not value then
  return false
end
local ok, decoded = pcall(cjson.decode, value)
if ok and type(decoded) == 'table' and type(decoded.id) == 'string' and decoded.id ~= '' then
  redis.call('HSET', KEYS[2], decoded.id, value)
  redis.call('HSET', KEYS[4], decoded.id, ARGV[1])
  return {value, decoded.id}
end
redis.call('RPUSH', KEYS[3], value)
return {value, ''}
`)

// KEYS: processing, index. ARGV: id.
var completeScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// KEYS: processing, target list, index. ARGV: id, expected, value, state.
var moveScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[4])
return 1
`)

func (s *RedisStore) Push(ctx context.Context, k Keys, id, value string) (pushed bool, err error) {
	defer track("push", &err)()

	n, err := pushScript.Run(ctx, s.client, []string{k.Pending, k.Index}, id, value, IndexPending).Int()
	if err != nil {
		return false, fmt.Errorf("redis push %s failed: %w", k.Pending, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Claim(ctx context.Context, k Keys) (entry Entry, ok bool, err error) {
	defer track("claim", &err)()

	res, err := claimScript.Run(ctx, s.client, []string{k.Pending, k.Processing, k.DeadLetter, k.Index}, IndexProcessing).StringSlice()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis claim %s failed: %w", k.Pending, err)
	}
	if len(res) != 2 {
		return Entry{}, false, fmt.Errorf("redis claim %s: unexpected reply of %d items", k.Pending, len(res))
	}
	return Entry{Value: res[0], ID: res[1]}, true, nil
}

func (s *RedisStore) Complete(ctx context.Context, k Keys, id string) (completed bool, err error) {
	defer track("complete", &err)()

	n, err := completeScript.Run(ctx, s.client, []string{k.Processing, k.Index}, id).Int()
	if err != nil {
		return false, fmt.Errorf("redis complete %s failed: %w", k.Processing, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Move(ctx context.Context, k Keys, id, expected, value, state string) (moved bool, err error) {
	defer track("move", &err)()

	list, err := k.ListFor(state)
	if err != nil {
		return false, err
	}
	n, err := moveScript.Run(ctx, s.client, []string{k.Processing, list, k.Index}, id, expected, value, state).Int()
	if err != nil {
		return false, fmt.Errorf("redis move %s failed: %w", k.Processing, err)
	}
	return n == 1, nil
}

func (s *RedisStore) DeleteAll(ctx context.Context, keys ...string) (err error) {
	defer track("del", &err)()

	if len(keys) == 0 {
		return nil
	}
	if err = s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
