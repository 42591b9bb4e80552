package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"securevault-backend/internal/ephemeral"
)

// StoreRevocationChecker implements RevocationChecker on the ephemeral store
type StoreRevocationChecker struct {
	store ephemeral.Store
}

// NewStoreRevocationChecker creates a new StoreRevocationChecker
func NewStoreRevocationChecker(store ephemeral.Store) *StoreRevocationChecker {
	return &StoreRevocationChecker{store: store}
}

// IsTokenRevoked checks if a token id is on the revocation list
func (c *StoreRevocationChecker) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	_, err := c.store.Get(ctx, ephemeral.RevokedTokenKey(tokenID))
	if errors.Is(err, ephemeral.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	return true, nil
}

// Revoke puts tokenID on the revocation list until the token would have
// expired anyway
func (c *StoreRevocationChecker) Revoke(ctx context.Context, tokenID string, remaining time.Duration) error {
	if remaining <= 0 {
		return nil
	}
	return c.store.Set(ctx, ephemeral.RevokedTokenKey(tokenID), []byte("1"), remaining)
}
