package cryptostream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for the master key. Changing them invalidates every
// wrapped key in storage.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	minSaltSize  = 16
)

// ErrUnwrap is returned when a wrapped key fails authentication
var ErrUnwrap = errors.New("cryptostream: wrapped key failed authentication")

// KeyWrapper seals per-file keys under a master key derived from a passphrase
type KeyWrapper struct {
	aead cipher.AEAD
}

// NewKeyWrapper derives the master key with Argon2id
func NewKeyWrapper(passphrase, salt []byte) (*KeyWrapper, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("cryptostream: master passphrase is empty")
	}
	if len(salt) < minSaltSize {
		return nil, fmt.Errorf("cryptostream: master salt must be at least %d bytes", minSaltSize)
	}

	master := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeySize)
	block, err := aes.NewCipher(master)
	if err != nil {
		return nil, newError(EncryptionCipherFailure, "key wrapper", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, newError(EncryptionCipherFailure, "key wrapper", err)
	}
	return &KeyWrapper{aead: aead}, nil
}

// Wrap returns nonce || sealed key
func (w *KeyWrapper) Wrap(key Key) ([]byte, error) {
	if len(key) != KeySize {
		return nil, newError(EncryptionCipherFailure, "wrap", fmt.Errorf("key must be %d bytes", KeySize))
	}
	nonce := make([]byte, w.aead.NonceSize(), w.aead.NonceSize()+KeySize+w.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, newError(KeyGenerationFailure, "wrap", err)
	}
	return w.aead.Seal(nonce, nonce, key, nil), nil
}

// Unwrap reverses Wrap
func (w *KeyWrapper) Unwrap(wrapped []byte) (Key, error) {
	ns := w.aead.NonceSize()
	if len(wrapped) < ns+w.aead.Overhead() {
		return nil, ErrUnwrap
	}
	key, err := w.aead.Open(nil, wrapped[:ns], wrapped[ns:], nil)
	if err != nil {
		return nil, ErrUnwrap
	}
	return Key(key), nil
}
