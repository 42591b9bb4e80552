package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"securevault-backend/pkg/config"
	"securevault-backend/pkg/constants"
	"securevault-backend/pkg/cryptostream"
	"securevault-backend/pkg/resilience"
)

// S3API is the subset of *s3.Client used by S3Store
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store keeps blobs as objects in an S3 bucket. Containers are spooled to
// a local temp file before upload so PutObject gets a seekable body with a
// known length.
type S3Store struct {
	client  S3API
	bucket  string
	tempDir string
	breaker *resilience.Breaker
	logger  *zap.Logger
}

// NewS3Client builds a client from static keys, or the default credential
// chain when no keys are configured
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

func NewS3Store(client S3API, bucket, tempDir string, reg prometheus.Registerer, logger *zap.Logger) *S3Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Store{
		client:  client,
		bucket:  bucket,
		tempDir: tempDir,
		breaker: resilience.New("s3", resilience.Options{
			Permanent:  isPermanentS3,
			Registerer: reg,
			Logger:     logger,
		}),
		logger: logger,
	}
}

func (s *S3Store) Create(ctx context.Context, name string) (cryptostream.Sink, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.tempDir, constants.TempS3UploadPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload spool: %w", err)
	}
	return &s3Sink{File: f, ctx: ctx, store: s, name: name}, nil
}

func (s *S3Store) Open(ctx context.Context, name string) (Object, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	size, err := s.head(ctx, name)
	if err != nil {
		return nil, err
	}
	return &s3Object{ctx: ctx, store: s, key: name, size: size}, nil
}

func (s *S3Store) Exists(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	_, err := s.head(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (s *S3Store) Remove(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	err := s.breaker.Execute(ctx, "remove", func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(name),
		})
		return err
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	s.logger.Debug("Blob removed", zap.String("bucket", s.bucket), zap.String("name", name))
	return nil
}

func (s *S3Store) List(ctx context.Context) ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	})
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := s.breaker.Execute(ctx, "list", func(ctx context.Context) error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || strings.HasPrefix(*obj.Key, ".") {
				continue
			}
			names = append(names, *obj.Key)
		}
	}
	return names, nil
}

func (s *S3Store) head(ctx context.Context, name string) (int64, error) {
	var out *s3.HeadObjectOutput
	err := s.breaker.Execute(ctx, "head", func(ctx context.Context) error {
		var err error
		out, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(name),
		})
		return err
	})
	if err != nil {
		if isS3NotFound(err) {
			return 0, ErrNotExist
		}
		return 0, fmt.Errorf("failed to stat blob: %w", err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

type s3Sink struct {
	*os.File
	ctx   context.Context
	store *S3Store
	name  string
	done  bool
}

func (w *s3Sink) Commit() error {
	if w.done {
		return errors.New("blob already finalized")
	}
	w.done = true
	defer w.discard()

	size, err := w.File.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to size upload spool: %w", err)
	}
	if _, err := w.File.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind upload spool: %w", err)
	}

	_, err = w.store.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.store.bucket),
		Key:           aws.String(w.name),
		Body:          w.File,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload blob: %w", err)
	}
	return nil
}

func (w *s3Sink) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.discard()
}

func (w *s3Sink) discard() error {
	w.File.Close()
	if err := os.Remove(w.File.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove upload spool: %w", err)
	}
	return nil
}

// s3Object serves ReadAt with ranged GetObject requests bound to the
// context the object was opened with
type s3Object struct {
	ctx   context.Context
	store *S3Store
	key   string
	size  int64
}

func (o *s3Object) Size() int64 { return o.size }

func (o *s3Object) Close() error { return nil }

func (o *s3Object) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= o.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > o.size {
		want = o.size - off
	}
	if want == 0 {
		return 0, nil
	}

	out, err := o.store.client.GetObject(o.ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.store.bucket),
		Key:    aws.String(o.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+want-1)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return 0, ErrNotExist
		}
		return 0, fmt.Errorf("failed to read blob range: %w", err)
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, p[:want])
	if err != nil {
		return n, fmt.Errorf("failed to read blob range: %w", err)
	}
	if want < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

func isPermanentS3(err error) bool {
	var noSuchBucket *types.NoSuchBucket
	return isS3NotFound(err) || errors.As(err, &noSuchBucket)
}
