package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"securevault-backend/internal/ephemeral"
)

// Status codes returned by conditionalIncrScript
const (
	incrOK = iota
	incrNotFound
	incrConditionFailed
	incrLimitReached
	incrDeadlinePassed
)

// KEYS[1] hash
// ARGV[1] counter field, ARGV[2] limit field, ARGV[3] deadline field, ARGV[4] now (ms)
// ARGV[5] require count, then require pairs, then set count, then set pairs
var conditionalIncrScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  return {1, 0}
end

local i = 6
for _ = 1, tonumber(ARGV[5]) do
  local v = redis.call('HGET', key, ARGV[i])
  if (not v) or v ~= ARGV[i + 1] then
    return {2, 0}
  end
  i = i + 2
end

if ARGV[3] ~= '' then
  local raw = redis.call('HGET', key, ARGV[3])
  if (not raw) or tonumber(ARGV[4]) >= tonumber(raw) then
    return {4, 0}
  end
end

local current = 0
local raw = redis.call('HGET', key, ARGV[1])
if raw then
  current = tonumber(raw)
end

if ARGV[2] ~= '' then
  local limit = redis.call('HGET', key, ARGV[2])
  if (not limit) or current >= tonumber(limit) then
    return {3, current}
  end
end

local nset = tonumber(ARGV[i])
i = i + 1
for _ = 1, nset do
  redis.call('HSET', key, ARGV[i], ARGV[i + 1])
  i = i + 2
end

return {0, redis.call('HINCRBY', key, ARGV[1], 1)}
`)

// KEYS[1] hash, ARGV[1] ttl (ms, 0 keeps current), then field pairs
var updateFieldsScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', key, ARGV[i], ARGV[i + 1])
end
local ttl = tonumber(ARGV[1])
if ttl > 0 then
  local remaining = redis.call('PTTL', key)
  if remaining < 0 or remaining > ttl then
    redis.call('PEXPIRE', key, ttl)
  end
end
return 1
`)

// KEYS[1] counter, ARGV[1] window (ms)
var windowIncrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Store implements ephemeral.Store on Redis
type Store struct {
	client *redis.Client
}

var _ ephemeral.Store = (*Store)(nil)

// NewStore creates a new Redis-backed ephemeral store
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Set stores a value with TTL
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl for %s must be positive", key)
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Get retrieves a value
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ephemeral.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

// Take retrieves and deletes a value in one round trip
func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ephemeral.ErrNotFound
		}
		return nil, fmt.Errorf("failed to take %s: %w", key, err)
	}
	return data, nil
}

// Delete removes keys
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// SetFields replaces a hash and sets its TTL atomically
func (s *Store) SetFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl for %s must be positive", key)
	}
	if len(fields) == 0 {
		return fmt.Errorf("no fields to set for %s", key)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, flatten(fields)...)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set fields of %s: %w", key, err)
	}
	return nil
}

// GetFields reads a whole hash
func (s *Store) GetFields(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get fields of %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, ephemeral.ErrNotFound
	}
	return fields, nil
}

// UpdateFields sets fields on an existing hash, optionally shortening its TTL
func (s *Store) UpdateFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	args := append([]interface{}{ttl.Milliseconds()}, flatten(fields)...)
	ok, err := updateFieldsScript.Run(ctx, s.client, []string{key}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to update fields of %s: %w", key, err)
	}
	if ok == 0 {
		return ephemeral.ErrNotFound
	}
	return nil
}

// ConditionalIncrement checks op's preconditions and increments in one script call
func (s *Store) ConditionalIncrement(ctx context.Context, op ephemeral.IncrementOp) (int64, error) {
	args := []interface{}{op.Field, op.LimitField, op.DeadlineField, op.Now.UnixMilli(), len(op.Require)}
	args = append(args, flatten(op.Require)...)
	args = append(args, len(op.Set))
	args = append(args, flatten(op.Set)...)

	res, err := conditionalIncrScript.Run(ctx, s.client, []string{op.Key}, args...).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", op.Key, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("unexpected increment reply for %s: %v", op.Key, res)
	}

	switch res[0] {
	case incrOK:
		return res[1], nil
	case incrNotFound:
		return 0, ephemeral.ErrNotFound
	case incrConditionFailed:
		return 0, ephemeral.ErrConditionFailed
	case incrLimitReached:
		return res[1], ephemeral.ErrLimitReached
	case incrDeadlinePassed:
		return 0, ephemeral.ErrDeadlinePassed
	default:
		return 0, fmt.Errorf("unknown increment status %d for %s", res[0], op.Key)
	}
}

// Incr increments a windowed counter
func (s *Store) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := windowIncrScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return n, nil
}

// Counter reads a counter
func (s *Store) Counter(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	return n, nil
}

// Push prepends to a capped list
func (s *Store) Push(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		if maxLen > 0 {
			pipe.LTrim(ctx, key, 0, int64(maxLen-1))
		}
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push to %s: %w", key, err)
	}
	return nil
}

// Range returns the newest entries of a list
func (s *Store) Range(ctx context.Context, key string, limit int) ([][]byte, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	items, err := s.client.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read list %s: %w", key, err)
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = []byte(item)
	}
	return out, nil
}

// flatten turns a map into sorted field/value pairs
func flatten(fields map[string]string) []interface{} {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]interface{}, 0, 2*len(fields))
	for _, name := range names {
		out = append(out, name, fields[name])
	}
	return out
}
