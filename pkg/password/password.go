// Package password hashes and checks the optional passwords that protect
// share links.
package password

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt ignores input beyond 72 bytes
const maxLength = 72

// ErrMismatch is returned by Compare when the password is wrong
var ErrMismatch = errors.New("password mismatch")

// ValidationError represents a password validation error
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface
func (ve *ValidationError) Error() string {
	return ve.Message
}

// Hasher hashes passwords with bcrypt at a fixed cost
type Hasher struct {
	cost      int
	minLength int
}

// NewHasher returns a hasher; cost outside bcrypt's range uses the default
func NewHasher(cost, minLength int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	if minLength < 1 {
		minLength = 1
	}
	return &Hasher{cost: cost, minLength: minLength}
}

// Validate checks length bounds
func (h *Hasher) Validate(password string) error {
	if utf8.RuneCountInString(password) < h.minLength {
		return &ValidationError{Field: "password", Message: fmt.Sprintf("password must be at least %d characters", h.minLength)}
	}
	if len(password) > maxLength {
		return &ValidationError{Field: "password", Message: fmt.Sprintf("password must be at most %d bytes", maxLength)}
	}
	return nil
}

// Hash validates and hashes password
func (h *Hasher) Hash(password string) (string, error) {
	if err := h.Validate(password); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Compare checks password against hash in constant time
func Compare(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrMismatch
	}
	if err != nil {
		return fmt.Errorf("failed to compare password: %w", err)
	}
	return nil
}
