package cryptostream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyWrapper(t *testing.T) {
	salt := []byte("0123456789abcdef")
	w, err := NewKeyWrapper([]byte("correct horse battery staple"), salt)
	require.NoError(t, err)

	key, err := GenerateKey()
	require.NoError(t, err)

	wrapped, err := w.Wrap(key)
	require.NoError(t, err)
	assert.NotContains(t, string(wrapped), string(key))

	unwrapped, err := w.Unwrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, key, unwrapped)

	t.Run("tampered", func(t *testing.T) {
		bad := append([]byte(nil), wrapped...)
		bad[len(bad)-1] ^= 1
		_, err := w.Unwrap(bad)
		assert.ErrorIs(t, err, ErrUnwrap)
	})

	t.Run("other passphrase", func(t *testing.T) {
		other, err := NewKeyWrapper([]byte("another passphrase"), salt)
		require.NoError(t, err)
		_, err = other.Unwrap(wrapped)
		assert.ErrorIs(t, err, ErrUnwrap)
	})

	t.Run("short input", func(t *testing.T) {
		_, err := w.Unwrap([]byte{1, 2, 3})
		assert.ErrorIs(t, err, ErrUnwrap)
	})
}

func TestNewKeyWrapper_Invalid(t *testing.T) {
	_, err := NewKeyWrapper(nil, []byte("0123456789abcdef"))
	assert.Error(t, err)

	_, err = NewKeyWrapper([]byte("pass"), []byte("short"))
	assert.Error(t, err)
}
