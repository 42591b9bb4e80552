package vault

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"securevault-backend/internal/blob"
	"securevault-backend/internal/domain"
	"securevault-backend/internal/service/share"
	"securevault-backend/pkg/cache"
	"securevault-backend/pkg/cryptostream"
	"securevault-backend/pkg/password"
)

// memRepo is an in-memory FileRepository
type memRepo struct {
	mu    sync.Mutex
	files map[uuid.UUID]*domain.FileRecord
}

func newMemRepo() *memRepo {
	return &memRepo{files: make(map[uuid.UUID]*domain.FileRecord)}
}

func (r *memRepo) Create(_ context.Context, file *domain.FileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !file.EncryptionConsistent() {
		return domain.ErrInvalidInput
	}
	c := *file
	r.files[file.FileID] = &c
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok || !f.Active {
		return nil, domain.ErrFileNotFound
	}
	c := *f
	return &c, nil
}

func (r *memRepo) FindAccessible(_ context.Context, filter domain.AccessFilter) ([]*domain.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.FileRecord
	for _, f := range r.files {
		if filter.Matches(f) {
			c := *f
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memRepo) FindByHash(_ context.Context, owner uuid.UUID, hash string) (*domain.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		if f.Active && f.OwnerID == owner && f.ContentHash == hash {
			c := *f
			return &c, nil
		}
	}
	return nil, domain.ErrFileNotFound
}

func (r *memRepo) update(id uuid.UUID, fn func(*domain.FileRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok || !f.Active {
		return domain.ErrFileNotFound
	}
	fn(f)
	return nil
}

func (r *memRepo) IncrementDownloadCount(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.update(id, func(f *domain.FileRecord) {
		f.DownloadCount++
		f.LastDownloadedAt = &at
	})
}

func (r *memRepo) SoftDelete(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.update(id, func(f *domain.FileRecord) {
		f.Active = false
		f.DeletedAt = &at
	})
}

func (r *memRepo) UpdateAccess(_ context.Context, id uuid.UUID, v domain.Visibility, allow []uuid.UUID, at time.Time) error {
	return r.update(id, func(f *domain.FileRecord) {
		f.Visibility = v
		f.AllowList = allow
		f.UpdatedAt = at
	})
}

func (r *memRepo) UpdateExpiry(_ context.Context, id uuid.UUID, expiresAt *time.Time, at time.Time) error {
	return r.update(id, func(f *domain.FileRecord) {
		f.ExpiresAt = expiresAt
		f.UpdatedAt = at
	})
}

func (r *memRepo) Statistics(_ context.Context, owner uuid.UUID, since time.Time, groupBy domain.StatsGrouping) ([]domain.StatsBucket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byStart := make(map[time.Time]*domain.StatsBucket)
	for _, f := range r.files {
		if !f.Active || f.OwnerID != owner || f.CreatedAt.Before(since) {
			continue
		}
		start := groupBy.Truncate(f.CreatedAt)
		b, ok := byStart[start]
		if !ok {
			b = &domain.StatsBucket{Period: groupBy.Label(start), Start: start}
			byStart[start] = b
		}
		b.Files++
		b.TotalSize += f.Size
		if !slices.Contains(b.MimeTypes, f.MimeType) {
			b.MimeTypes = append(b.MimeTypes, f.MimeType)
		}
	}
	out := make([]domain.StatsBucket, 0, len(byStart))
	for _, b := range byStart {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b domain.StatsBucket) int { return a.Start.Compare(b.Start) })
	return out, nil
}

func (r *memRepo) FindExpired(_ context.Context, now time.Time, limit int) ([]*domain.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.FileRecord
	for _, f := range r.files {
		if f.Active && f.Expired(now) && len(out) < limit {
			c := *f
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memRepo) StoredNameExists(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		if f.Active && f.StoredName == name {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) raw(id uuid.UUID) *domain.FileRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.files[id]
}

type fixture struct {
	svc      *Service
	repo     *memRepo
	blobs    *blob.LocalStore
	blobDir  string
	tempDir  string
	store    *cache.MemoryStore
	shares   *share.Service
	now      time.Time
	owner    domain.Principal
	stranger domain.Principal
}

func newFixture(t *testing.T, wrapper *cryptostream.KeyWrapper) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newMemRepo(),
		blobDir:  t.TempDir(),
		tempDir:  t.TempDir(),
		now:      time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
		owner:    domain.Principal{ID: uuid.New(), Role: domain.RoleUser},
		stranger: domain.Principal{ID: uuid.New(), Role: domain.RoleUser},
	}
	clock := func() time.Time { return f.now }

	var err error
	f.blobs, err = blob.NewLocalStore(f.blobDir, nil)
	require.NoError(t, err)
	f.store = cache.NewMemoryStore(0, cache.WithClock(clock))
	f.shares = share.NewService(f.store, f.repo, password.NewHasher(bcrypt.MinCost, 4), nil, nil, share.Config{}, nil)

	f.svc = NewService(f.repo, f.blobs, f.store, f.shares, wrapper, nil, nil, Config{
		MaxUploadBytes: 1 << 20,
		TempDir:        f.tempDir,
	}, nil)
	f.svc.now = clock
	return f
}

func (f *fixture) upload(t *testing.T, content string, in UploadInput) *domain.FileUploadResponse {
	t.Helper()
	if in.FileName == "" {
		in.FileName = "notes.txt"
	}
	in.Body = strings.NewReader(content)
	resp, err := f.svc.Upload(context.Background(), f.owner, in)
	require.NoError(t, err)
	return resp
}

func readAll(t *testing.T, pt *Plaintext) string {
	t.Helper()
	data, err := io.ReadAll(pt)
	require.NoError(t, err)
	return string(data)
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	wrapper, err := cryptostream.NewKeyWrapper([]byte("master passphrase"), []byte("0123456789abcdef"))
	require.NoError(t, err)
	f := newFixture(t, wrapper)
	ctx := context.Background()

	content := strings.Repeat("secret payload ", 5000)
	resp := f.upload(t, content, UploadInput{FileName: "../../etc/report.pdf"})
	record := resp.File

	assert.Equal(t, "report.pdf", record.OriginalName)
	assert.Equal(t, "application/pdf", record.MimeType)
	assert.Equal(t, int64(len(content)), record.Size)
	assert.Equal(t, domain.VisibilityPrivate, record.Visibility)
	assert.True(t, record.Encrypted)
	assert.True(t, record.KeyWrapped)
	assert.NotEqual(t, cryptostream.KeySize, len(record.EncryptionKey))
	assert.Nil(t, resp.DuplicateOf)

	raw, err := os.ReadFile(filepath.Join(f.blobDir, record.StoredName))
	require.NoError(t, err)
	assert.Equal(t, cryptostream.ContainerSize(int64(len(content))), int64(len(raw)))
	assert.False(t, bytes.Contains(raw, []byte("secret payload")))

	pt, err := f.svc.Download(ctx, f.owner, record.FileID)
	require.NoError(t, err)
	assert.Equal(t, content, readAll(t, pt))
	assert.Equal(t, int64(len(content)), pt.Size)
	require.NoError(t, pt.Close())

	assertEmptyDir(t, f.tempDir)
	assert.Equal(t, int64(1), f.repo.raw(record.FileID).DownloadCount)
}

func TestUpload_EmptyFile(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.upload(t, "", UploadInput{})
	pt, err := f.svc.Download(context.Background(), f.owner, resp.File.FileID)
	require.NoError(t, err)
	defer pt.Close()
	assert.Equal(t, "", readAll(t, pt))
}

func TestUpload_ReportsDuplicate(t *testing.T) {
	f := newFixture(t, nil)

	first := f.upload(t, "same bytes", UploadInput{FileName: "a.txt"})
	second := f.upload(t, "same bytes", UploadInput{FileName: "b.txt"})

	require.NotNil(t, second.DuplicateOf)
	assert.Equal(t, first.File.FileID, *second.DuplicateOf)
	assert.NotEqual(t, first.File.StoredName, second.File.StoredName)
	assert.NotEqual(t, first.File.EncryptionKey, second.File.EncryptionKey)
}

func TestUpload_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	past := f.now.Add(-time.Minute)

	tests := []struct {
		name string
		in   UploadInput
	}{
		{"missing name", UploadInput{FileName: "  ", Body: strings.NewReader("x")}},
		{"missing body", UploadInput{FileName: "a.txt"}},
		{"bad visibility", UploadInput{FileName: "a.txt", Visibility: "friends", Body: strings.NewReader("x")}},
		{"past expiry", UploadInput{FileName: "a.txt", ExpiresAt: &past, Body: strings.NewReader("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Upload(ctx, f.owner, tt.in)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
	assertEmptyDir(t, f.blobDir)
}

func TestUpload_TooLargeLeavesNoCiphertext(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.cfg.MaxUploadBytes = 10

	_, err := f.svc.Upload(context.Background(), f.owner, UploadInput{
		FileName: "big.bin",
		Body:     strings.NewReader("eleven byte"),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assertEmptyDir(t, f.blobDir)
}

type failingReader struct{ after int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.after <= 0 {
		return 0, errors.New("client went away")
	}
	n := min(len(p), r.after)
	r.after -= n
	return n, nil
}

func TestUpload_SourceFailureLeavesNoCiphertext(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Upload(context.Background(), f.owner, UploadInput{
		FileName: "broken.bin",
		Body:     &failingReader{after: 100_000},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, cryptostream.ErrEncryptionIO)
	assertEmptyDir(t, f.blobDir)
}

type MockFileRepository struct {
	mock.Mock
	FileRepository
}

func (m *MockFileRepository) Create(ctx context.Context, file *domain.FileRecord) error {
	return m.Called(ctx, file).Error(0)
}

func (m *MockFileRepository) FindByHash(ctx context.Context, owner uuid.UUID, hash string) (*domain.FileRecord, error) {
	args := m.Called(ctx, owner, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.FileRecord), args.Error(1)
}

func TestUpload_PersistFailureRemovesBlob(t *testing.T) {
	f := newFixture(t, nil)
	repo := new(MockFileRepository)
	repo.On("FindByHash", mock.Anything, f.owner.ID, mock.Anything).Return(nil, domain.ErrFileNotFound)
	repo.On("Create", mock.Anything, mock.Anything).Return(errors.New("connection refused"))
	f.svc.files = repo

	_, err := f.svc.Upload(context.Background(), f.owner, UploadInput{
		FileName: "a.txt",
		Body:     strings.NewReader("content"),
	})
	require.Error(t, err)
	repo.AssertExpectations(t)
	assertEmptyDir(t, f.blobDir)
}

func TestDownload_Failures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	record := f.upload(t, "hello vault", UploadInput{}).File

	_, err := f.svc.Download(ctx, f.stranger, record.FileID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	_, err = f.svc.Download(ctx, f.owner, uuid.New())
	assert.ErrorIs(t, err, domain.ErrFileNotFound)

	// flip one bit of the authentication tag
	path := filepath.Join(f.blobDir, record.StoredName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Clone(raw)
	tampered[len(tampered)-1] ^= 0x01
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = f.svc.Download(ctx, f.owner, record.FileID)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	assert.NotErrorIs(t, err, domain.ErrFileNotFound)
	assertEmptyDir(t, f.tempDir)

	// flip one bit of the body
	tampered = bytes.Clone(raw)
	tampered[cryptostream.IVSize] ^= 0x80
	require.NoError(t, os.WriteFile(path, tampered, 0o600))
	_, err = f.svc.Download(ctx, f.owner, record.FileID)
	assert.ErrorIs(t, err, domain.ErrIntegrity)

	require.NoError(t, os.Remove(path))
	_, err = f.svc.Download(ctx, f.owner, record.FileID)
	assert.ErrorIs(t, err, domain.ErrFileUnavailable)

	assert.Equal(t, int64(0), f.repo.raw(record.FileID).DownloadCount)
	assertEmptyDir(t, f.tempDir)
}

func TestDownload_ExpiredFileIsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	expires := f.now.Add(time.Hour)
	record := f.upload(t, "short lived", UploadInput{ExpiresAt: &expires}).File

	f.now = f.now.Add(2 * time.Hour)
	_, err := f.svc.Download(context.Background(), f.owner, record.FileID)
	assert.ErrorIs(t, err, domain.ErrFileNotFound)
}

func TestAccessPolicyThroughService(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	friend := domain.Principal{ID: uuid.New(), Role: domain.RoleUser}
	admin := domain.Principal{ID: uuid.New(), Role: domain.RoleAdmin}

	record := f.upload(t, "restricted", UploadInput{
		Visibility: domain.VisibilityRestricted,
		AllowList:  []uuid.UUID{friend.ID},
	}).File

	_, err := f.svc.GetFile(ctx, friend, record.FileID)
	require.NoError(t, err)
	_, err = f.svc.GetFile(ctx, f.stranger, record.FileID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	_, err = f.svc.UpdateAccess(ctx, friend, record.FileID, domain.FileAccessUpdateRequest{Visibility: domain.VisibilityPublic})
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	updated, err := f.svc.UpdateAccess(ctx, f.owner, record.FileID, domain.FileAccessUpdateRequest{
		Visibility: domain.VisibilityPrivate,
		AllowList:  []uuid.UUID{friend.ID},
	})
	require.NoError(t, err)
	assert.Nil(t, updated.AllowList)

	_, err = f.svc.GetFile(ctx, friend, record.FileID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
	_, err = f.svc.GetFile(ctx, admin, record.FileID)
	require.NoError(t, err)

	listed, err := f.svc.List(ctx, friend)
	require.NoError(t, err)
	assert.Empty(t, listed)
	listed, err = f.svc.List(ctx, f.owner)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	record := f.upload(t, "to be deleted", UploadInput{}).File

	assert.ErrorIs(t, f.svc.Delete(ctx, f.stranger, record.FileID), domain.ErrAccessDenied)

	require.NoError(t, f.svc.Delete(ctx, f.owner, record.FileID))

	tombstone := f.repo.raw(record.FileID)
	assert.False(t, tombstone.Active)
	assert.NotNil(t, tombstone.DeletedAt)

	exists, err := f.blobs.Exists(ctx, record.StoredName)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = f.svc.Download(ctx, f.owner, record.FileID)
	assert.ErrorIs(t, err, domain.ErrFileNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, f.owner, record.FileID), domain.ErrFileNotFound)
}

func TestVerifyIntegrity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	record := f.upload(t, "checksummed", UploadInput{}).File

	require.NoError(t, f.svc.VerifyIntegrity(ctx, f.owner, record.FileID))

	f.repo.raw(record.FileID).ContentHash = strings.Repeat("0", 64)
	assert.ErrorIs(t, f.svc.VerifyIntegrity(ctx, f.owner, record.FileID), domain.ErrIntegrity)

	events, err := f.svc.Activity(ctx, f.owner, record.FileID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "file_integrity_check", events[0].Action)
	assert.Equal(t, "failure", events[0].Outcome)
}

func TestDownloadShared(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	record := f.upload(t, "shared content", UploadInput{}).File

	issued, err := f.shares.Issue(ctx, f.owner, record.FileID, domain.ShareConstraints{MaxDownloads: 1})
	require.NoError(t, err)
	req := domain.ShareAccessRequest{LinkID: issued.Link.LinkID, Token: issued.Token}

	pt, err := f.svc.DownloadShared(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "shared content", readAll(t, pt))
	require.NoError(t, pt.Close())

	_, err = f.svc.DownloadShared(ctx, req)
	var denied *domain.ShareDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, domain.ReasonQuotaExhausted, denied.Reason)

	second, err := f.shares.Issue(ctx, f.owner, record.FileID, domain.ShareConstraints{MaxDownloads: 1})
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, f.owner, record.FileID))

	_, err = f.svc.DownloadShared(ctx, domain.ShareAccessRequest{LinkID: second.Link.LinkID, Token: second.Token})
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, domain.ReasonFileNoLongerAvailable, denied.Reason)
	assertEmptyDir(t, f.tempDir)
}

func TestCleanupExpiredFiles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	expires := f.now.Add(time.Hour)
	short := f.upload(t, "short", UploadInput{ExpiresAt: &expires}).File
	long := f.upload(t, "long", UploadInput{}).File

	n, err := f.svc.CleanupExpiredFiles(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.now = f.now.Add(time.Hour)
	n, err = f.svc.CleanupExpiredFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.False(t, f.repo.raw(short.FileID).Active)
	assert.True(t, f.repo.raw(long.FileID).Active)
	exists, err := f.blobs.Exists(ctx, short.StoredName)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCleanupOrphanedBlobs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	kept := f.upload(t, "kept", UploadInput{}).File

	for _, name := range []string{"orphan", "inflight"} {
		sink, err := f.blobs.Create(ctx, name)
		require.NoError(t, err)
		_, err = sink.Write([]byte("ciphertext"))
		require.NoError(t, err)
		require.NoError(t, sink.Commit())
	}
	require.NoError(t, f.store.Set(ctx, uploadMarker("inflight"), []byte("x"), time.Hour))

	n, err := f.svc.CleanupOrphanedBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	names, err := f.blobs.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{kept.StoredName, "inflight"}, names)
}

func TestDetectMimeType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	tests := []struct {
		declared, name string
		head           []byte
		want           string
	}{
		{"application/json; charset=utf-8", "a.bin", nil, "application/json"},
		{"", "notes.txt", nil, "text/plain"},
		{"", "scan", png, "image/png"},
		{"not a type", "scan", png, "image/png"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, detectMimeType(tt.declared, tt.name, tt.head), "%q %q", tt.declared, tt.name)
	}
}

func TestUpload_SniffsContentType(t *testing.T) {
	f := newFixture(t, nil)
	body := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR" + strings.Repeat("\x00", 64)
	record := f.upload(t, body, UploadInput{FileName: "scan"}).File
	assert.Equal(t, "image/png", record.MimeType)
}
