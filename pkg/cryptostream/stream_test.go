package cryptostream

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSource struct {
	*bytes.Reader
}

func newMemSource(b []byte) memSource {
	return memSource{bytes.NewReader(b)}
}

type memSink struct {
	bytes.Buffer
	committed bool
	aborted   bool
	failAfter int
}

func (s *memSink) Write(p []byte) (int, error) {
	if s.failAfter > 0 && s.Len()+len(p) > s.failAfter {
		return 0, errors.New("disk full")
	}
	return s.Buffer.Write(p)
}

func (s *memSink) Commit() error {
	s.committed = true
	return nil
}

func (s *memSink) Abort() error {
	s.aborted = true
	s.Reset()
	return nil
}

type failingReader struct {
	remaining int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, errors.New("source vanished")
	}
	n := len(p)
	if n > r.remaining {
		n = r.remaining
	}
	r.remaining -= n
	return n, nil
}

func seal(t *testing.T, plaintext []byte, key Key) ([]byte, *Sealed) {
	t.Helper()
	var buf bytes.Buffer
	sealed, err := Encrypt(context.Background(), bytes.NewReader(plaintext), &buf, key)
	require.NoError(t, err)
	return buf.Bytes(), sealed
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey()
	require.NoError(t, err)
	k2, err := GenerateKey()
	require.NoError(t, err)

	assert.Len(t, k1, KeySize)
	assert.NotEqual(t, k1, k2)
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"one byte", 1},
		{"below chunk", chunkSize - 1},
		{"exact chunk", chunkSize},
		{"multi chunk", 3*chunkSize + 17},
		{"large", 4 << 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := GenerateKey()
			require.NoError(t, err)
			plaintext := randomBytes(t, tt.size)

			container, sealed := seal(t, plaintext, key)

			assert.Equal(t, ContainerSize(int64(tt.size)), int64(len(container)))
			assert.Equal(t, int64(len(container)), sealed.BytesWritten)
			assert.Equal(t, int64(tt.size), sealed.PlaintextSize)
			assert.Equal(t, sealed.IV, container[:IVSize])
			assert.Equal(t, sealed.Tag, container[len(container)-TagSize:])

			sum := sha256.Sum256(plaintext)
			assert.Equal(t, hex.EncodeToString(sum[:]), sealed.ContentHash)

			var out bytes.Buffer
			n, err := Decrypt(context.Background(), newMemSource(container), &out, key)
			require.NoError(t, err)
			assert.Equal(t, int64(tt.size), n)
			assert.True(t, bytes.Equal(plaintext, out.Bytes()))
		})
	}
}

func TestEncrypt_FreshIVPerCall(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	plaintext := []byte("same input")

	c1, _ := seal(t, plaintext, key)
	c2, _ := seal(t, plaintext, key)

	assert.NotEqual(t, c1[:IVSize], c2[:IVSize])
	assert.NotEqual(t, c1, c2)
}

func TestDecrypt_TagBitFlip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	container, _ := seal(t, randomBytes(t, 1000), key)

	tagStart := len(container) - TagSize
	for i := tagStart; i < len(container); i++ {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), container...)
			tampered[i] ^= 1 << bit

			var out bytes.Buffer
			n, err := Decrypt(context.Background(), newMemSource(tampered), &out, key)

			require.ErrorIs(t, err, ErrTamperDetected)
			assert.Equal(t, DecryptionTamperDetected, KindOf(err))
			assert.Zero(t, n)
			assert.Zero(t, out.Len())
		}
	}
}

func TestDecrypt_BodyAndIVTamper(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	container, _ := seal(t, randomBytes(t, 500), key)

	for _, idx := range []int{0, IVSize - 1, IVSize, IVSize + 250, len(container) - TagSize - 1} {
		tampered := append([]byte(nil), container...)
		tampered[idx] ^= 0x80

		var out bytes.Buffer
		_, err := Decrypt(context.Background(), newMemSource(tampered), &out, key)
		assert.ErrorIs(t, err, ErrTamperDetected, "offset %d", idx)
		assert.Zero(t, out.Len())
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)
	container, _ := seal(t, []byte("secret"), key)

	var out bytes.Buffer
	_, err = Decrypt(context.Background(), newMemSource(container), &out, other)
	assert.ErrorIs(t, err, ErrTamperDetected)
	assert.Zero(t, out.Len())
}

func TestDecrypt_ShortContainer(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	for _, size := range []int{0, 1, Overhead - 1} {
		var out bytes.Buffer
		_, err := Decrypt(context.Background(), newMemSource(make([]byte, size)), &out, key)
		assert.ErrorIs(t, err, ErrTamperDetected, "size %d", size)
	}
}

func TestDecrypt_Truncated(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	container, _ := seal(t, randomBytes(t, 200), key)

	var out bytes.Buffer
	_, err = Decrypt(context.Background(), newMemSource(container[:len(container)-1]), &out, key)
	assert.ErrorIs(t, err, ErrTamperDetected)
}

func TestDecrypt_BadKeyLength(t *testing.T) {
	_, err := Decrypt(context.Background(), newMemSource(make([]byte, Overhead)), io.Discard, Key("short"))
	assert.ErrorIs(t, err, ErrEncryptionCipher)
}

func TestEncrypt_BadKeyLength(t *testing.T) {
	_, err := Encrypt(context.Background(), bytes.NewReader(nil), io.Discard, Key("short"))
	assert.ErrorIs(t, err, ErrEncryptionCipher)
}

func TestEncryptTo_AbortsOnSourceFailure(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	sink := &memSink{}

	_, err = EncryptTo(context.Background(), &failingReader{remaining: 3 * chunkSize}, sink, key)

	require.ErrorIs(t, err, ErrEncryptionIO)
	assert.True(t, sink.aborted)
	assert.False(t, sink.committed)
	assert.Zero(t, sink.Len())
}

func TestEncryptTo_AbortsOnSinkFailure(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	sink := &memSink{failAfter: chunkSize}

	_, err = EncryptTo(context.Background(), bytes.NewReader(randomBytes(t, 2*chunkSize)), sink, key)

	require.ErrorIs(t, err, ErrEncryptionIO)
	assert.True(t, sink.aborted)
	assert.False(t, sink.committed)
}

func TestEncryptTo_Commits(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	sink := &memSink{}

	sealed, err := EncryptTo(context.Background(), bytes.NewReader([]byte("hello")), sink, key)

	require.NoError(t, err)
	assert.True(t, sink.committed)
	assert.False(t, sink.aborted)
	assert.Equal(t, int64(sink.Len()), sealed.BytesWritten)
}

func TestEncryptTo_Cancelled(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &memSink{}

	_, err = EncryptTo(ctx, bytes.NewReader(randomBytes(t, 1024)), sink, key)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, EncryptionIOFailure, KindOf(err))
	assert.True(t, sink.aborted)
}

func TestDecrypt_Cancelled(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	container, _ := seal(t, randomBytes(t, 1024), key)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	_, err = Decrypt(ctx, newMemSource(container), &out, key)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, DecryptionIOFailure, KindOf(err))
	assert.Zero(t, out.Len())
}

func TestInspect(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	container, sealed := seal(t, []byte("inspect me"), key)

	iv, tag, err := Inspect(newMemSource(container))
	require.NoError(t, err)
	assert.Equal(t, sealed.IV, iv)
	assert.Equal(t, sealed.Tag, tag)
}

func TestHash(t *testing.T) {
	data := randomBytes(t, 2*chunkSize+5)
	sum := sha256.Sum256(data)

	got, err := Hash(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), got)

	empty, err := Hash(context.Background(), bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", empty)
}

func TestErrorKinds(t *testing.T) {
	err := newError(DecryptionIOFailure, "decrypt", io.ErrUnexpectedEOF)

	assert.ErrorIs(t, err, ErrDecryptionIO)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrTamperDetected)
	assert.Equal(t, "decryption_io_failure", KindOf(err).String())
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
