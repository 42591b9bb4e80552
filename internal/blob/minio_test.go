package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockMinio struct {
	mock.Mock
}

func (m *MockMinio) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	args := m.Called(ctx, bucketName)
	return args.Bool(0), args.Error(1)
}

func (m *MockMinio) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	args := m.Called(ctx, bucketName, opts)
	return args.Error(0)
}

func (m *MockMinio) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	args := m.Called(ctx, bucketName, objectName, reader, objectSize, opts)
	return args.Get(0).(minio.UploadInfo), args.Error(1)
}

func (m *MockMinio) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error) {
	args := m.Called(ctx, bucketName, objectName, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*minio.Object), args.Error(1)
}

func (m *MockMinio) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	args := m.Called(ctx, bucketName, objectName, opts)
	return args.Get(0).(minio.ObjectInfo), args.Error(1)
}

func (m *MockMinio) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	args := m.Called(ctx, bucketName, objectName, opts)
	return args.Error(0)
}

func (m *MockMinio) ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	args := m.Called(ctx, bucketName, opts)
	return args.Get(0).(<-chan minio.ObjectInfo)
}

const testPartSize = 8 << 20

var noSuchKey = minio.ErrorResponse{Code: "NoSuchKey", Message: "The specified key does not exist."}

func newMinio(t *testing.T, m *MockMinio) *MinioStore {
	t.Helper()
	m.On("BucketExists", mock.Anything, "vault").Return(true, nil).Once()
	s, err := NewMinioStore(context.Background(), m, "vault", testPartSize, prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	return s
}

func TestNewMinioStore_CreatesMissingBucket(t *testing.T) {
	m := new(MockMinio)
	m.On("BucketExists", mock.Anything, "vault").Return(false, nil)
	m.On("MakeBucket", mock.Anything, "vault", mock.Anything).Return(nil)

	_, err := NewMinioStore(context.Background(), m, "vault", testPartSize, nil, nil)
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestMinioStore_CommitUploadsStream(t *testing.T) {
	m := new(MockMinio)
	s := newMinio(t, m)

	var uploaded bytes.Buffer
	m.On("PutObject", mock.Anything, "vault", "obj", mock.Anything, int64(-1), mock.Anything).
		Run(func(args mock.Arguments) {
			_, _ = io.Copy(&uploaded, args.Get(3).(io.Reader))
		}).
		Return(minio.UploadInfo{}, nil)

	w, err := s.Create(context.Background(), "obj")
	require.NoError(t, err)
	_, err = w.Write([]byte("ciphertext"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	assert.Equal(t, "ciphertext", uploaded.String())
}

func TestMinioStore_UploadSetsPartSize(t *testing.T) {
	m := new(MockMinio)
	s := newMinio(t, m)

	m.On("PutObject", mock.Anything, "vault", "obj", mock.Anything, int64(-1), mock.MatchedBy(func(opts minio.PutObjectOptions) bool {
		return opts.PartSize == testPartSize
	})).
		Run(func(args mock.Arguments) {
			_, _ = io.Copy(io.Discard, args.Get(3).(io.Reader))
		}).
		Return(minio.UploadInfo{}, nil)

	w, err := s.Create(context.Background(), "obj")
	require.NoError(t, err)
	_, err = w.Write([]byte("ciphertext"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())
	m.AssertExpectations(t)
}

func TestMinioStore_AbortFailsUpload(t *testing.T) {
	m := new(MockMinio)
	s := newMinio(t, m)

	m.On("PutObject", mock.Anything, "vault", "obj", mock.Anything, int64(-1), mock.Anything).
		Return(minio.UploadInfo{}, nil).
		Run(func(args mock.Arguments) {
			_, _ = io.Copy(io.Discard, args.Get(3).(io.Reader))
		})
	// the mock swallows the pipe error, so Abort must remove the object
	m.On("RemoveObject", mock.Anything, "vault", "obj", mock.Anything).Return(nil)

	w, err := s.Create(context.Background(), "obj")
	require.NoError(t, err)
	_, _ = w.Write([]byte("partial"))
	require.NoError(t, w.Abort())
	require.NoError(t, w.Abort())

	m.AssertCalled(t, "RemoveObject", mock.Anything, "vault", "obj", mock.Anything)
}

func TestMinioStore_CommitReportsUploadError(t *testing.T) {
	m := new(MockMinio)
	s := newMinio(t, m)

	m.On("PutObject", mock.Anything, "vault", "obj", mock.Anything, int64(-1), mock.Anything).
		Return(minio.UploadInfo{}, errors.New("connection reset"))

	w, err := s.Create(context.Background(), "obj")
	require.NoError(t, err)
	require.Error(t, w.Commit())
}

func TestMinioStore_OpenMissing(t *testing.T) {
	m := new(MockMinio)
	s := newMinio(t, m)
	m.On("StatObject", mock.Anything, "vault", "nope", mock.Anything).Return(minio.ObjectInfo{}, noSuchKey)

	_, err := s.Open(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotExist)
	m.AssertNumberOfCalls(t, "StatObject", 1)
}

func TestMinioStore_Exists(t *testing.T) {
	m := new(MockMinio)
	s := newMinio(t, m)
	m.On("StatObject", mock.Anything, "vault", "here", mock.Anything).Return(minio.ObjectInfo{Size: 10}, nil)
	m.On("StatObject", mock.Anything, "vault", "gone", mock.Anything).Return(minio.ObjectInfo{}, noSuchKey)

	ok, err := s.Exists(context.Background(), "here")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(context.Background(), "gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMinioStore_RemoveMissingIsNotError(t *testing.T) {
	m := new(MockMinio)
	s := newMinio(t, m)
	m.On("RemoveObject", mock.Anything, "vault", "gone", mock.Anything).Return(noSuchKey)

	assert.NoError(t, s.Remove(context.Background(), "gone"))
}

func TestMinioStore_List(t *testing.T) {
	m := new(MockMinio)
	s := newMinio(t, m)

	ch := make(chan minio.ObjectInfo, 3)
	ch <- minio.ObjectInfo{Key: "a"}
	ch <- minio.ObjectInfo{Key: ".tmp"}
	ch <- minio.ObjectInfo{Key: "b"}
	close(ch)
	m.On("ListObjects", mock.Anything, "vault", mock.Anything).Return((<-chan minio.ObjectInfo)(ch))

	names, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}
