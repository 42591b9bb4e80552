package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"securevault-backend/internal/ephemeral"
	"securevault-backend/pkg/logger"
)

// MemoryStore implements ephemeral.Store in process memory.
// It serves single-node deployments and tests; all state is lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string]*cacheEntry
	maxSize int
	now     func() time.Time
}

// cacheEntry holds exactly one of value, fields or list
type cacheEntry struct {
	value     []byte
	fields    map[string]string
	list      [][]byte
	expiresAt time.Time
	createdAt time.Time
}

var _ ephemeral.Store = (*MemoryStore)(nil)

// Option configures a MemoryStore
type Option func(*MemoryStore)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(ms *MemoryStore) { ms.now = now }
}

// NewMemoryStore creates a new in-memory store. maxSize <= 0 means unbounded.
func NewMemoryStore(maxSize int, opts ...Option) *MemoryStore {
	ms := &MemoryStore{
		data:    make(map[string]*cacheEntry),
		maxSize: maxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(ms)
	}
	return ms
}

// Set stores a value with TTL
func (ms *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl for %s must be positive", key)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.put(key, &cacheEntry{value: append([]byte(nil), value...)}, ttl)
	return nil
}

// Get retrieves a value
func (ms *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	entry := ms.live(key)
	if entry == nil || entry.value == nil {
		return nil, ephemeral.ErrNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

// Take retrieves and deletes a value
func (ms *MemoryStore) Take(_ context.Context, key string) ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	entry := ms.live(key)
	if entry == nil || entry.value == nil {
		return nil, ephemeral.ErrNotFound
	}
	delete(ms.data, key)
	return entry.value, nil
}

// Delete removes keys
func (ms *MemoryStore) Delete(_ context.Context, keys ...string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, key := range keys {
		delete(ms.data, key)
	}
	return nil
}

// SetFields replaces a hash and sets its TTL
func (ms *MemoryStore) SetFields(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl for %s must be positive", key)
	}
	if len(fields) == 0 {
		return fmt.Errorf("no fields to set for %s", key)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	ms.put(key, &cacheEntry{fields: copied}, ttl)
	return nil
}

// GetFields reads a whole hash
func (ms *MemoryStore) GetFields(_ context.Context, key string) (map[string]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	entry := ms.live(key)
	if entry == nil || entry.fields == nil {
		return nil, ephemeral.ErrNotFound
	}
	out := make(map[string]string, len(entry.fields))
	for k, v := range entry.fields {
		out[k] = v
	}
	return out, nil
}

// UpdateFields sets fields on an existing hash, optionally shortening its TTL
func (ms *MemoryStore) UpdateFields(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	entry := ms.live(key)
	if entry == nil || entry.fields == nil {
		return ephemeral.ErrNotFound
	}
	for k, v := range fields {
		entry.fields[k] = v
	}
	if ttl > 0 {
		deadline := ms.now().Add(ttl)
		if entry.expiresAt.IsZero() || entry.expiresAt.After(deadline) {
			entry.expiresAt = deadline
		}
	}
	return nil
}

// ConditionalIncrement checks op's preconditions and increments under the store lock
func (ms *MemoryStore) ConditionalIncrement(_ context.Context, op ephemeral.IncrementOp) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	entry := ms.live(op.Key)
	if entry == nil || entry.fields == nil {
		return 0, ephemeral.ErrNotFound
	}
	fields := entry.fields

	for name, want := range op.Require {
		if got, ok := fields[name]; !ok || got != want {
			return 0, ephemeral.ErrConditionFailed
		}
	}

	if op.DeadlineField != "" {
		deadline, err := strconv.ParseInt(fields[op.DeadlineField], 10, 64)
		if err != nil || op.Now.UnixMilli() >= deadline {
			return 0, ephemeral.ErrDeadlinePassed
		}
	}

	current, _ := strconv.ParseInt(fields[op.Field], 10, 64)
	if op.LimitField != "" {
		limit, err := strconv.ParseInt(fields[op.LimitField], 10, 64)
		if err != nil || current >= limit {
			return current, ephemeral.ErrLimitReached
		}
	}

	for k, v := range op.Set {
		fields[k] = v
	}
	current++
	fields[op.Field] = strconv.FormatInt(current, 10)
	return current, nil
}

// Incr increments a windowed counter
func (ms *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	entry := ms.live(key)
	if entry == nil {
		entry = &cacheEntry{value: []byte("0")}
		ms.put(key, entry, window)
	}
	n, err := strconv.ParseInt(string(entry.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %s is not a counter", key)
	}
	n++
	entry.value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

// Counter reads a counter
func (ms *MemoryStore) Counter(_ context.Context, key string) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	entry := ms.live(key)
	if entry == nil {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(entry.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %s is not a counter", key)
	}
	return n, nil
}

// Push prepends to a capped list
func (ms *MemoryStore) Push(_ context.Context, key string, value []byte, maxLen int, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	entry := ms.live(key)
	if entry == nil {
		entry = &cacheEntry{list: [][]byte{}}
		ms.put(key, entry, ttl)
	}
	entry.list = append([][]byte{append([]byte(nil), value...)}, entry.list...)
	if maxLen > 0 && len(entry.list) > maxLen {
		entry.list = entry.list[:maxLen]
	}
	if ttl > 0 {
		entry.expiresAt = ms.now().Add(ttl)
	}
	return nil
}

// Range returns the newest entries of a list
func (ms *MemoryStore) Range(_ context.Context, key string, limit int) ([][]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	entry := ms.live(key)
	if entry == nil {
		return [][]byte{}, nil
	}
	n := len(entry.list)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = append([]byte(nil), entry.list[i]...)
	}
	return out, nil
}

// Size returns the current number of entries, expired ones included
func (ms *MemoryStore) Size() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.data)
}

// put stores entry under key; ms.mu must be held
func (ms *MemoryStore) put(key string, entry *cacheEntry, ttl time.Duration) {
	if _, exists := ms.data[key]; !exists && ms.maxSize > 0 && len(ms.data) >= ms.maxSize {
		ms.evictOldest()
	}

	now := ms.now()
	entry.createdAt = now
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	ms.data[key] = entry
}

// live returns the unexpired entry for key; ms.mu must be held
func (ms *MemoryStore) live(key string) *cacheEntry {
	entry, exists := ms.data[key]
	if !exists {
		return nil
	}
	if !entry.expiresAt.IsZero() && !ms.now().Before(entry.expiresAt) {
		delete(ms.data, key)
		return nil
	}
	return entry
}

// evictOldest removes the oldest entry; ms.mu must be held
func (ms *MemoryStore) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range ms.data {
		if oldestKey == "" || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
		}
	}

	if oldestKey != "" {
		delete(ms.data, oldestKey)
		logger.Debug("Memory store entry evicted",
			zap.String("key", oldestKey),
			zap.Time("created_at", oldestTime),
		)
	}
}

// cleanupExpired removes expired entries
func (ms *MemoryStore) cleanupExpired() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	expiredCount := 0

	for key, entry := range ms.data {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(ms.data, key)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		logger.Debug("Expired memory store entries cleaned up",
			zap.Int("count", expiredCount),
			zap.Int("remaining", len(ms.data)),
		)
	}
}

// StartCleanup starts a goroutine to clean up expired entries
// Returns a stop function that can be called to cancel the cleanup goroutine
func (ms *MemoryStore) StartCleanup(interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ms.cleanupExpired()
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}
