package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securevault-backend/pkg/cryptostream"
)

// fakeS3 is an in-memory bucket that honours byte ranges
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if in.Range != nil {
		var start, end int
		if _, err := fmt.Sscanf(*in.Range, "bytes=%d-%d", &start, &end); err != nil {
			return nil, err
		}
		data = data[start : end+1]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3Store_RoundTrip(t *testing.T) {
	fake := newFakeS3()
	s := NewS3Store(fake, "vault", t.TempDir(), nil, nil)
	ctx := context.Background()

	key, err := cryptostream.GenerateKey()
	require.NoError(t, err)
	plaintext := bytes.Repeat([]byte{0x42}, 200_000)

	sink, err := s.Create(ctx, "obj")
	require.NoError(t, err)
	_, err = cryptostream.EncryptTo(ctx, bytes.NewReader(plaintext), sink, key)
	require.NoError(t, err)

	obj, err := s.Open(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, cryptostream.ContainerSize(int64(len(plaintext))), obj.Size())

	var out bytes.Buffer
	_, err = cryptostream.Decrypt(ctx, obj, &out, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out.Bytes())
	assert.Greater(t, fake.gets, 1, "reads are ranged, not whole-object")
}

func TestS3Store_AbortUploadsNothing(t *testing.T) {
	fake := newFakeS3()
	spool := t.TempDir()
	s := NewS3Store(fake, "vault", spool, nil, nil)

	sink, err := s.Create(context.Background(), "obj")
	require.NoError(t, err)
	_, _ = sink.Write([]byte("partial"))
	require.NoError(t, sink.Abort())

	assert.Empty(t, fake.objects)
	names, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestS3Store_ReadAtPastEnd(t *testing.T) {
	fake := newFakeS3()
	fake.objects["obj"] = []byte("0123456789")
	s := NewS3Store(fake, "vault", t.TempDir(), nil, nil)

	obj, err := s.Open(context.Background(), "obj")
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := obj.ReadAt(buf, 8)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "89", string(buf[:n]))

	_, err = obj.ReadAt(buf, 10)
	assert.ErrorIs(t, err, io.EOF)
}

func TestS3Store_MissingAndRemove(t *testing.T) {
	fake := newFakeS3()
	fake.objects["a"] = []byte("x")
	s := NewS3Store(fake, "vault", t.TempDir(), nil, nil)
	ctx := context.Background()

	_, err := s.Open(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotExist)

	ok, err := s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Remove(ctx, "a"))
	require.NoError(t, s.Remove(ctx, "a"))

	ok, err = s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}
