// Package ephemeral defines the contract of the expiring key-value store
// used for share-link state, temporary download handles, rate counters and
// activity trails.
package ephemeral

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the key does not exist or has expired
	ErrNotFound = errors.New("ephemeral: key not found")
	// ErrConditionFailed means a required field did not hold its expected value
	ErrConditionFailed = errors.New("ephemeral: condition failed")
	// ErrLimitReached means the counter already equals its limit
	ErrLimitReached = errors.New("ephemeral: limit reached")
	// ErrDeadlinePassed means the deadline field is at or before Now
	ErrDeadlinePassed = errors.New("ephemeral: deadline passed")
)

// IncrementOp describes an atomic increment-and-compare on a hash field.
// Checks run in order: existence, Require, DeadlineField, LimitField.
// Only when all pass is Field incremented by one and Set applied.
type IncrementOp struct {
	Key           string
	Field         string
	LimitField    string            // optional; counter must be below this field's value
	DeadlineField string            // optional; unix millis that Now must be before
	Require       map[string]string // optional field equality preconditions
	Set           map[string]string // optional fields written with the increment
	Now           time.Time
}

// Store is implemented by the Redis and in-memory backends.
// Every mutation of a given key goes through one of these calls; callers
// never cache state across calls.
type Store interface {
	// Set stores value under key; ttl must be positive
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns ErrNotFound for missing keys
	Get(ctx context.Context, key string) ([]byte, error)
	// Take atomically reads and deletes key
	Take(ctx context.Context, key string) ([]byte, error)
	// Delete removes keys, missing keys are ignored
	Delete(ctx context.Context, keys ...string) error

	// SetFields creates or overwrites a hash and sets its TTL
	SetFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	// GetFields returns every field of a hash or ErrNotFound
	GetFields(ctx context.Context, key string) (map[string]string, error)
	// UpdateFields sets fields on an existing hash; a positive ttl that is
	// shorter than the remaining TTL replaces it. ErrNotFound if missing.
	UpdateFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	// ConditionalIncrement runs op atomically and returns the new counter
	ConditionalIncrement(ctx context.Context, op IncrementOp) (int64, error)

	// Incr increments a plain counter; the window starts at the first increment
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	// Counter reads a plain counter, zero when missing
	Counter(ctx context.Context, key string) (int64, error)

	// Push prepends value to a list capped at maxLen entries and refreshes its TTL
	Push(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error
	// Range returns up to limit entries, newest first
	Range(ctx context.Context, key string, limit int) ([][]byte, error)
}
