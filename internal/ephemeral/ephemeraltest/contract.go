// Package ephemeraltest holds the behavioural suite every ephemeral.Store
// implementation must pass.
package ephemeraltest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securevault-backend/internal/ephemeral"
)

// Harness builds a fresh store and a way to move its clock forward
type Harness func(t *testing.T) (store ephemeral.Store, advance func(time.Duration))

// Run exercises the full Store contract
func Run(t *testing.T, newStore Harness) {
	t.Run("set get delete", func(t *testing.T) {
		s, _ := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "temp:a", []byte("value"), time.Minute))
		got, err := s.Get(ctx, "temp:a")
		require.NoError(t, err)
		assert.Equal(t, []byte("value"), got)

		require.NoError(t, s.Delete(ctx, "temp:a", "temp:missing"))
		_, err = s.Get(ctx, "temp:a")
		assert.ErrorIs(t, err, ephemeral.ErrNotFound)
	})

	t.Run("set rejects non-positive ttl", func(t *testing.T) {
		s, _ := newStore(t)
		assert.Error(t, s.Set(context.Background(), "temp:a", []byte("v"), 0))
	})

	t.Run("ttl expiry", func(t *testing.T) {
		s, advance := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "temp:a", []byte("v"), time.Second))
		advance(2 * time.Second)

		_, err := s.Get(ctx, "temp:a")
		assert.ErrorIs(t, err, ephemeral.ErrNotFound)
	})

	t.Run("take is one-shot", func(t *testing.T) {
		s, _ := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "temp:h", []byte("handle"), time.Minute))
		got, err := s.Take(ctx, "temp:h")
		require.NoError(t, err)
		assert.Equal(t, []byte("handle"), got)

		_, err = s.Take(ctx, "temp:h")
		assert.ErrorIs(t, err, ephemeral.ErrNotFound)
	})

	t.Run("fields", func(t *testing.T) {
		s, _ := newStore(t)
		ctx := context.Background()

		_, err := s.GetFields(ctx, "share:x")
		assert.ErrorIs(t, err, ephemeral.ErrNotFound)

		require.NoError(t, s.SetFields(ctx, "share:x", map[string]string{"a": "1", "b": "2"}, time.Minute))
		require.NoError(t, s.UpdateFields(ctx, "share:x", map[string]string{"b": "3", "c": "4"}, 0))

		fields, err := s.GetFields(ctx, "share:x")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "1", "b": "3", "c": "4"}, fields)

		err = s.UpdateFields(ctx, "share:missing", map[string]string{"a": "1"}, 0)
		assert.ErrorIs(t, err, ephemeral.ErrNotFound)
	})

	t.Run("update shortens ttl only", func(t *testing.T) {
		s, advance := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.SetFields(ctx, "share:long", map[string]string{"a": "1"}, time.Hour))
		require.NoError(t, s.UpdateFields(ctx, "share:long", map[string]string{"a": "0"}, time.Minute))

		require.NoError(t, s.SetFields(ctx, "share:short", map[string]string{"a": "1"}, 10*time.Second))
		require.NoError(t, s.UpdateFields(ctx, "share:short", map[string]string{"a": "0"}, time.Minute))

		advance(30 * time.Second)
		_, err := s.GetFields(ctx, "share:long")
		assert.NoError(t, err)
		_, err = s.GetFields(ctx, "share:short")
		assert.ErrorIs(t, err, ephemeral.ErrNotFound)

		advance(time.Minute)
		_, err = s.GetFields(ctx, "share:long")
		assert.ErrorIs(t, err, ephemeral.ErrNotFound)
	})

	t.Run("conditional increment", func(t *testing.T) {
		s, _ := newStore(t)
		ctx := context.Background()
		now := time.Now()

		require.NoError(t, s.SetFields(ctx, "share:c", map[string]string{
			"active":     "1",
			"count":      "0",
			"limit":      "2",
			"expires_at": strconv.FormatInt(now.Add(time.Hour).UnixMilli(), 10),
		}, time.Hour))

		op := ephemeral.IncrementOp{
			Key:           "share:c",
			Field:         "count",
			LimitField:    "limit",
			DeadlineField: "expires_at",
			Require:       map[string]string{"active": "1"},
			Set:           map[string]string{"last": "t1"},
			Now:           now,
		}

		n, err := s.ConditionalIncrement(ctx, op)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		op.Set = map[string]string{"last": "t2"}
		n, err = s.ConditionalIncrement(ctx, op)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = s.ConditionalIncrement(ctx, op)
		assert.ErrorIs(t, err, ephemeral.ErrLimitReached)
		assert.Equal(t, int64(2), n)

		fields, err := s.GetFields(ctx, "share:c")
		require.NoError(t, err)
		assert.Equal(t, "2", fields["count"])
		assert.Equal(t, "t2", fields["last"])
	})

	t.Run("conditional increment preconditions", func(t *testing.T) {
		s, _ := newStore(t)
		ctx := context.Background()
		now := time.Now()

		require.NoError(t, s.SetFields(ctx, "share:p", map[string]string{
			"active":     "0",
			"count":      "0",
			"limit":      "5",
			"expires_at": strconv.FormatInt(now.UnixMilli(), 10),
		}, time.Hour))

		_, err := s.ConditionalIncrement(ctx, ephemeral.IncrementOp{
			Key: "share:missing", Field: "count", Now: now,
		})
		assert.ErrorIs(t, err, ephemeral.ErrNotFound)

		_, err = s.ConditionalIncrement(ctx, ephemeral.IncrementOp{
			Key: "share:p", Field: "count", Require: map[string]string{"active": "1"}, Now: now,
		})
		assert.ErrorIs(t, err, ephemeral.ErrConditionFailed)

		_, err = s.ConditionalIncrement(ctx, ephemeral.IncrementOp{
			Key: "share:p", Field: "count", Require: map[string]string{"absent": "1"}, Now: now,
		})
		assert.ErrorIs(t, err, ephemeral.ErrConditionFailed)

		_, err = s.ConditionalIncrement(ctx, ephemeral.IncrementOp{
			Key: "share:p", Field: "count", DeadlineField: "expires_at", Now: now,
		})
		assert.ErrorIs(t, err, ephemeral.ErrDeadlinePassed)

		fields, err := s.GetFields(ctx, "share:p")
		require.NoError(t, err)
		assert.Equal(t, "0", fields["count"])
	})

	t.Run("conditional increment is race free", func(t *testing.T) {
		s, _ := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.SetFields(ctx, "share:r", map[string]string{"count": "0", "limit": "1"}, time.Hour))

		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			limited   atomic.Int32
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ConditionalIncrement(ctx, ephemeral.IncrementOp{
					Key: "share:r", Field: "count", LimitField: "limit", Now: time.Now(),
				})
				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, ephemeral.ErrLimitReached):
					limited.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(15), limited.Load())
	})

	t.Run("windowed counter", func(t *testing.T) {
		s, advance := newStore(t)
		ctx := context.Background()

		n, err := s.Counter(ctx, "rate:x:1")
		require.NoError(t, err)
		assert.Zero(t, n)

		for want := int64(1); want <= 3; want++ {
			n, err = s.Incr(ctx, "rate:x:1", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}

		n, err = s.Counter(ctx, "rate:x:1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		advance(2 * time.Minute)
		n, err = s.Incr(ctx, "rate:x:1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("bounded list", func(t *testing.T) {
		s, _ := newStore(t)
		ctx := context.Background()

		for i := 1; i <= 5; i++ {
			require.NoError(t, s.Push(ctx, "activity:link:1", []byte(strconv.Itoa(i)), 3, time.Hour))
		}

		items, err := s.Range(ctx, "activity:link:1", 0)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("5"), []byte("4"), []byte("3")}, items)

		items, err = s.Range(ctx, "activity:link:1", 2)
		require.NoError(t, err)
		assert.Len(t, items, 2)

		items, err = s.Range(ctx, "activity:none", 10)
		require.NoError(t, err)
		assert.Empty(t, items)
	})
}
