package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"securevault-backend/pkg/config"
	"securevault-backend/pkg/cryptostream"
	"securevault-backend/pkg/resilience"
)

// MinioAPI is the subset of *minio.Client used by MinioStore
type MinioAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

// MinioStore keeps blobs as objects in one bucket. Metadata calls go through
// the circuit breaker; uploads stream and are never retried.
type MinioStore struct {
	client   MinioAPI
	bucket   string
	partSize uint64
	breaker  *resilience.Breaker
	logger   *zap.Logger
}

// NewMinioClient connects to MinIO with static credentials
func NewMinioClient(cfg config.MinIOConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return client, nil
}

// NewMinioStore ensures the bucket exists. partSize bounds the memory each
// streamed upload buffers per multipart chunk.
func NewMinioStore(ctx context.Context, client MinioAPI, bucket string, partSize uint64, reg prometheus.Registerer, logger *zap.Logger) (*MinioStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	breaker := resilience.New("minio", resilience.Options{
		Permanent:  isPermanentMinio,
		Registerer: reg,
		Logger:     logger,
	})

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("Created blob bucket", zap.String("bucket", bucket))
	}

	return &MinioStore{client: client, bucket: bucket, partSize: partSize, breaker: breaker, logger: logger}, nil
}

// Create streams writes into PutObject through a pipe
func (s *MinioStore) Create(ctx context.Context, name string) (cryptostream.Sink, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	w := &minioSink{pw: pw, done: make(chan struct{}), store: s, name: name}
	go func() {
		defer close(w.done)
		_, err := s.client.PutObject(ctx, s.bucket, name, pr, -1, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			PartSize:    s.partSize,
		})
		pr.CloseWithError(err)
		w.err = err
	}()
	return w, nil
}

// Open stats the object for its size and returns a lazily fetched reader
func (s *MinioStore) Open(ctx context.Context, name string) (Object, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	var info minio.ObjectInfo
	err := s.breaker.Execute(ctx, "stat", func(ctx context.Context) error {
		var err error
		info, err = s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
		return err
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return &minioObject{Object: obj, size: info.Size}, nil
}

func (s *MinioStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	err := s.breaker.Execute(ctx, "stat", func(ctx context.Context) error {
		_, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case isNoSuchKey(err):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
}

func (s *MinioStore) Remove(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	err := s.breaker.Execute(ctx, "remove", func(ctx context.Context) error {
		return s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{})
	})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	s.logger.Debug("Blob removed", zap.String("bucket", s.bucket), zap.String("name", name))
	return nil
}

func (s *MinioStore) List(ctx context.Context) ([]string, error) {
	var names []string
	err := s.breaker.Execute(ctx, "list", func(ctx context.Context) error {
		names = names[:0]
		for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true}) {
			if obj.Err != nil {
				return obj.Err
			}
			if strings.HasPrefix(obj.Key, ".") {
				continue
			}
			names = append(names, obj.Key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	return names, nil
}

var errSinkAborted = errors.New("blob write aborted")

type minioSink struct {
	pw    *io.PipeWriter
	done  chan struct{}
	err   error
	store *MinioStore
	name  string
	once  sync.Once
}

func (w *minioSink) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *minioSink) Commit() error {
	committed := false
	w.once.Do(func() {
		committed = true
		w.pw.Close()
		<-w.done
	})
	if !committed {
		return errors.New("blob already finalized")
	}
	if w.err != nil {
		return fmt.Errorf("failed to upload blob: %w", w.err)
	}
	return nil
}

// Abort fails the upload mid-stream so no object is created
func (w *minioSink) Abort() error {
	var err error
	w.once.Do(func() {
		w.pw.CloseWithError(errSinkAborted)
		<-w.done
		if w.err == nil {
			err = w.store.Remove(context.Background(), w.name)
		}
	})
	return err
}

type minioObject struct {
	*minio.Object
	size int64
}

func (o *minioObject) Size() int64 { return o.size }

func isNoSuchKey(err error) bool {
	return minioCode(err) == "NoSuchKey"
}

func isPermanentMinio(err error) bool {
	switch minioCode(err) {
	case "NoSuchKey", "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return true
	}
	return false
}

func minioCode(err error) string {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code
	}
	return ""
}
