package lockout

import (
	"context"
	"fmt"
	"time"

	"securevault-backend/internal/ephemeral"
)

// LockoutManager counts failed attempts per identifier within a window
type LockoutManager struct {
	store       ephemeral.Store
	scope       string
	maxAttempts int
	window      time.Duration
}

// LockoutConfig holds lockout configuration
type LockoutConfig struct {
	MaxAttempts int
	Window      time.Duration
}

// NewLockoutManager creates a manager whose counters live under rate:<scope>:
func NewLockoutManager(store ephemeral.Store, scope string, config LockoutConfig) *LockoutManager {
	lm := &LockoutManager{
		store:       store,
		scope:       scope,
		maxAttempts: 5,
		window:      15 * time.Minute,
	}
	if config.MaxAttempts > 0 {
		lm.maxAttempts = config.MaxAttempts
	}
	if config.Window > 0 {
		lm.window = config.Window
	}
	return lm
}

// RecordFailedAttempt increments the counter and returns the attempts made
func (lm *LockoutManager) RecordFailedAttempt(ctx context.Context, identifier string) (int, error) {
	n, err := lm.store.Incr(ctx, ephemeral.RateKey(lm.scope, identifier), lm.window)
	if err != nil {
		return 0, fmt.Errorf("failed to record failed attempt: %w", err)
	}
	return int(n), nil
}

// ReserveAttempt counts an attempt before it is made. allowed is false once
// the count passes the limit; concurrent callers never share a slot.
func (lm *LockoutManager) ReserveAttempt(ctx context.Context, identifier string) (allowed bool, attempts int, err error) {
	attempts, err = lm.RecordFailedAttempt(ctx, identifier)
	if err != nil {
		return false, 0, err
	}
	return attempts <= lm.maxAttempts, attempts, nil
}

// CheckLockout reports whether identifier is locked and how many attempts remain
func (lm *LockoutManager) CheckLockout(ctx context.Context, identifier string) (bool, int, error) {
	count, err := lm.store.Counter(ctx, ephemeral.RateKey(lm.scope, identifier))
	if err != nil {
		return false, 0, fmt.Errorf("failed to check lockout status: %w", err)
	}

	remaining := lm.maxAttempts - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return int(count) >= lm.maxAttempts, remaining, nil
}

// ClearFailedAttempts resets the counter after a successful attempt
func (lm *LockoutManager) ClearFailedAttempts(ctx context.Context, identifier string) error {
	if err := lm.store.Delete(ctx, ephemeral.RateKey(lm.scope, identifier)); err != nil {
		return fmt.Errorf("failed to clear failed attempts: %w", err)
	}
	return nil
}
