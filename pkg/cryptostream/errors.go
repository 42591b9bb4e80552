package cryptostream

import (
	"errors"
	"fmt"
)

// Kind classifies a CryptoStream failure
type Kind int

const (
	KindUnknown Kind = iota
	KeyGenerationFailure
	EncryptionIOFailure
	// EncryptionCipherFailure covers cipher construction in both directions,
	// including a key of the wrong length passed to Decrypt.
	EncryptionCipherFailure
	DecryptionTamperDetected
	DecryptionIOFailure
)

// String returns the failure name used in logs and metrics
func (k Kind) String() string {
	switch k {
	case KeyGenerationFailure:
		return "key_generation_failure"
	case EncryptionIOFailure:
		return "encryption_io_failure"
	case EncryptionCipherFailure:
		return "encryption_cipher_failure"
	case DecryptionTamperDetected:
		return "decryption_tamper_detected"
	case DecryptionIOFailure:
		return "decryption_io_failure"
	default:
		return "unknown"
	}
}

// Error is returned by every operation in this package.
// Match on the kind with errors.Is against the Err* sentinels.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Sentinels for errors.Is
var (
	ErrKeyGeneration    = &Error{Kind: KeyGenerationFailure}
	ErrEncryptionIO     = &Error{Kind: EncryptionIOFailure}
	ErrEncryptionCipher = &Error{Kind: EncryptionCipherFailure}
	ErrTamperDetected   = &Error{Kind: DecryptionTamperDetected}
	ErrDecryptionIO     = &Error{Kind: DecryptionIOFailure}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cryptostream: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("cryptostream: %s: %s", e.Op, e.Kind)
	}
	return "cryptostream: " + e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf extracts the failure kind from err, or KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
