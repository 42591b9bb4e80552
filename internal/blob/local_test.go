package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securevault-backend/pkg/cryptostream"
)

func newLocal(t *testing.T) (*LocalStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewLocalStore(dir, nil)
	require.NoError(t, err)
	return s, dir
}

func TestLocalStore_CommitMakesVisible(t *testing.T) {
	s, _ := newLocal(t)
	ctx := context.Background()

	w, err := s.Create(ctx, "abc")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)

	exists, err := s.Exists(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, exists, "uncommitted blob must not be visible")

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, w.Commit())

	exists, err = s.Exists(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, exists)

	obj, err := s.Open(ctx, "abc")
	require.NoError(t, err)
	defer obj.Close()
	assert.Equal(t, int64(5), obj.Size())

	buf := make([]byte, 3)
	n, err := obj.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, "llo", string(buf[:n]))
}

func TestLocalStore_FilePermissions(t *testing.T) {
	s, dir := newLocal(t)
	w, err := s.Create(context.Background(), "perm")
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	info, err := os.Stat(dir + "/perm")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLocalStore_AbortLeavesNothing(t *testing.T) {
	s, dir := newLocal(t)
	w, err := s.Create(context.Background(), "gone")
	require.NoError(t, err)
	_, _ = w.Write([]byte("partial"))
	require.NoError(t, w.Abort())
	require.NoError(t, w.Abort())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalStore_OpenMissing(t *testing.T) {
	s, _ := newLocal(t)
	_, err := s.Open(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestLocalStore_RemoveIsIdempotent(t *testing.T) {
	s, _ := newLocal(t)
	ctx := context.Background()
	w, err := s.Create(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	require.NoError(t, s.Remove(ctx, "x"))
	require.NoError(t, s.Remove(ctx, "x"))
	exists, err := s.Exists(ctx, "x")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalStore_RejectsUnsafeNames(t *testing.T) {
	s, _ := newLocal(t)
	for _, name := range []string{"", "../etc", "a/b", ".hidden", "a\\b"} {
		_, err := s.Create(context.Background(), name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

type failingSource struct{}

func (failingSource) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestLocalStore_EncryptRoundTrip(t *testing.T) {
	s, dir := newLocal(t)
	ctx := context.Background()
	key, err := cryptostream.GenerateKey()
	require.NoError(t, err)
	plaintext := bytes.Repeat([]byte("vault"), 50_000)

	sink, err := s.Create(ctx, "file1")
	require.NoError(t, err)
	sealed, err := cryptostream.EncryptTo(ctx, bytes.NewReader(plaintext), sink, key)
	require.NoError(t, err)

	obj, err := s.Open(ctx, "file1")
	require.NoError(t, err)
	defer obj.Close()
	assert.Equal(t, sealed.BytesWritten, obj.Size())

	var out bytes.Buffer
	_, err = cryptostream.Decrypt(ctx, obj, &out, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out.Bytes())

	// a failed encryption leaves no partial container behind
	sink, err = s.Create(ctx, "file2")
	require.NoError(t, err)
	_, err = cryptostream.EncryptTo(ctx, io.MultiReader(bytes.NewReader(plaintext), failingSource{}), sink, key)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "file1", entries[0].Name())
}
