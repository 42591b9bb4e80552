package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"securevault-backend/internal/blob"
	"securevault-backend/internal/domain"
	"securevault-backend/internal/ephemeral"
	"securevault-backend/internal/service/share"
	"securevault-backend/pkg/audit"
	"securevault-backend/pkg/cryptostream"
	"securevault-backend/pkg/metrics"
	"securevault-backend/pkg/sanitize"
)

const defaultMimeType = "application/octet-stream"

// FileRepository is the durable record store
type FileRepository interface {
	Create(ctx context.Context, file *domain.FileRecord) error
	GetByID(ctx context.Context, fileID uuid.UUID) (*domain.FileRecord, error)
	FindAccessible(ctx context.Context, filter domain.AccessFilter) ([]*domain.FileRecord, error)
	FindByHash(ctx context.Context, ownerID uuid.UUID, contentHash string) (*domain.FileRecord, error)
	IncrementDownloadCount(ctx context.Context, fileID uuid.UUID, at time.Time) error
	SoftDelete(ctx context.Context, fileID uuid.UUID, at time.Time) error
	UpdateAccess(ctx context.Context, fileID uuid.UUID, visibility domain.Visibility, allowList []uuid.UUID, at time.Time) error
	UpdateExpiry(ctx context.Context, fileID uuid.UUID, expiresAt *time.Time, at time.Time) error
	Statistics(ctx context.Context, ownerID uuid.UUID, since time.Time, groupBy domain.StatsGrouping) ([]domain.StatsBucket, error)
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.FileRecord, error)
	StoredNameExists(ctx context.Context, storedName string) (bool, error)
}

// ShareGate validates share links and reserves download slots
type ShareGate interface {
	Validate(ctx context.Context, req domain.ShareAccessRequest) (*share.Result, error)
	Consume(ctx context.Context, linkID string) (int64, error)
}

// Config holds vault limits
type Config struct {
	MaxUploadBytes  int64
	TempDir         string
	UploadMarkerTTL time.Duration
	CleanupBatch    int
	BulkLimit       int // max files per bulk delete or update
}

// UploadInput describes one upload. Body is read exactly once.
type UploadInput struct {
	FileName   string
	MimeType   string
	Visibility domain.Visibility
	AllowList  []uuid.UUID
	ExpiresAt  *time.Time
	Body       io.Reader
}

// Service stores, serves and removes encrypted files
type Service struct {
	files   FileRepository
	blobs   blob.Store
	store   ephemeral.Store
	shares  ShareGate
	wrapper *cryptostream.KeyWrapper
	audit   *audit.AuditLogger
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time
}

// NewService creates a new vault service. wrapper may be nil, in which case
// per-file keys are stored unwrapped.
func NewService(
	files FileRepository,
	blobs blob.Store,
	store ephemeral.Store,
	shares ShareGate,
	wrapper *cryptostream.KeyWrapper,
	auditLogger *audit.AuditLogger,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLogger == nil {
		auditLogger = audit.NewAuditLogger(store, 0, 0, logger)
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 << 20
	}
	if cfg.UploadMarkerTTL <= 0 {
		cfg.UploadMarkerTTL = time.Hour
	}
	if cfg.CleanupBatch <= 0 {
		cfg.CleanupBatch = 100
	}
	if cfg.BulkLimit <= 0 {
		cfg.BulkLimit = 500
	}
	return &Service{
		files:   files,
		blobs:   blobs,
		store:   store,
		shares:  shares,
		wrapper: wrapper,
		audit:   auditLogger,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// errTooLarge is returned by the upload reader past the size limit
var errTooLarge = errors.New("upload exceeds size limit")

type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, errTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, errTooLarge
	}
	return n, err
}

// sniffLen is how much leading plaintext is kept for content type detection
const sniffLen = 3072

// headRecorder keeps the first sniffLen bytes that pass through it
type headRecorder struct {
	r    io.Reader
	head []byte
}

func (h *headRecorder) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if room := sniffLen - len(h.head); room > 0 && n > 0 {
		h.head = append(h.head, p[:min(n, room)]...)
	}
	return n, err
}

// Upload encrypts the body into a new blob under a fresh key and persists
// its record. If the record cannot be persisted the blob is removed.
func (s *Service) Upload(ctx context.Context, owner domain.Principal, in UploadInput) (*domain.FileUploadResponse, error) {
	name := sanitize.SanitizeFilename(in.FileName)
	if name == "" {
		return nil, fmt.Errorf("%w: file name is required", domain.ErrInvalidInput)
	}
	if in.Body == nil {
		return nil, fmt.Errorf("%w: file body is required", domain.ErrInvalidInput)
	}
	visibility := in.Visibility
	if visibility == "" {
		visibility = domain.VisibilityPrivate
	}
	if !visibility.Valid() {
		return nil, fmt.Errorf("%w: unknown visibility %q", domain.ErrInvalidInput, visibility)
	}
	now := s.now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", domain.ErrInvalidInput)
	}

	key, err := cryptostream.GenerateKey()
	if err != nil {
		return nil, err
	}

	storedName := uuid.NewString()
	marker := uploadMarker(storedName)
	if err := s.store.Set(ctx, marker, []byte(owner.ID.String()), s.cfg.UploadMarkerTTL); err != nil {
		return nil, fmt.Errorf("failed to mark upload: %w", err)
	}
	defer func() {
		if err := s.store.Delete(context.WithoutCancel(ctx), marker); err != nil {
			s.logger.Warn("Failed to clear upload marker", zap.String("stored_name", storedName), zap.Error(err))
		}
	}()

	sink, err := s.blobs.Create(ctx, storedName)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob: %w", err)
	}
	head := &headRecorder{r: &limitedReader{r: in.Body, remaining: s.cfg.MaxUploadBytes}}
	sealed, err := cryptostream.EncryptTo(ctx, head, sink, key)
	if err != nil {
		s.metrics.RecordCrypto("encrypt", "failure", 0)
		if errors.Is(err, errTooLarge) {
			return nil, fmt.Errorf("%w: file exceeds %d bytes", domain.ErrInvalidInput, s.cfg.MaxUploadBytes)
		}
		return nil, fmt.Errorf("failed to encrypt upload: %w", err)
	}

	record := &domain.FileRecord{
		FileID:        uuid.New(),
		OriginalName:  name,
		StoredName:    storedName,
		Size:          sealed.PlaintextSize,
		MimeType:      detectMimeType(in.MimeType, name, head.head),
		ContentHash:   sealed.ContentHash,
		Encrypted:     true,
		EncryptionKey: key,
		IV:            sealed.IV,
		AuthTag:       sealed.Tag,
		OwnerID:       owner.ID,
		Visibility:    visibility,
		ExpiresAt:     in.ExpiresAt,
		Active:        true,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	if visibility == domain.VisibilityRestricted {
		record.AllowList = in.AllowList
	}
	if s.wrapper != nil {
		wrapped, err := s.wrapper.Wrap(key)
		if err != nil {
			s.discardBlob(ctx, storedName)
			return nil, fmt.Errorf("failed to wrap file key: %w", err)
		}
		record.EncryptionKey = wrapped
		record.KeyWrapped = true
	}

	resp := &domain.FileUploadResponse{File: record}
	existing, err := s.files.FindByHash(ctx, owner.ID, record.ContentHash)
	switch {
	case err == nil:
		resp.DuplicateOf = &existing.FileID
	case !errors.Is(err, domain.ErrFileNotFound):
		s.logger.Warn("Duplicate lookup failed", zap.Error(err))
	}

	if err := s.files.Create(ctx, record); err != nil {
		s.discardBlob(ctx, storedName)
		return nil, fmt.Errorf("failed to persist file record: %w", err)
	}

	s.metrics.RecordCrypto("encrypt", "success", record.Size)
	s.audit.LogFile(ctx, record.FileID, audit.EventFileUpload, &owner.ID, audit.OutcomeSuccess, "")
	s.logger.Info("File uploaded",
		zap.String("file_id", record.FileID.String()),
		zap.String("owner_id", owner.ID.String()),
		zap.Int64("size", record.Size))

	return resp, nil
}

// GetFile returns a readable, unexpired record
func (s *Service) GetFile(ctx context.Context, p domain.Principal, fileID uuid.UUID) (*domain.FileRecord, error) {
	record, err := s.readable(ctx, p, fileID, audit.EventFileDownload)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// List returns every unexpired record p may read
func (s *Service) List(ctx context.Context, p domain.Principal) ([]*domain.FileRecord, error) {
	records, err := s.files.FindAccessible(ctx, domain.NewAccessFilter(p))
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := records[:0]
	for _, r := range records {
		if !r.Expired(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Download decrypts a file the principal may read into a private temporary
// file and counts the download. The caller must Close the result.
func (s *Service) Download(ctx context.Context, p domain.Principal, fileID uuid.UUID) (*Plaintext, error) {
	record, err := s.readable(ctx, p, fileID, audit.EventFileDownload)
	if err != nil {
		return nil, err
	}

	pt, err := s.spool(ctx, record)
	if err != nil {
		s.audit.LogFile(ctx, fileID, audit.EventFileDownload, &p.ID, audit.OutcomeFailure, failureDetail(err))
		return nil, err
	}
	if err := s.files.IncrementDownloadCount(ctx, fileID, s.now()); err != nil {
		_ = pt.Close()
		return nil, err
	}

	s.audit.LogFile(ctx, fileID, audit.EventFileDownload, &p.ID, audit.OutcomeSuccess, "")
	return pt, nil
}

// DownloadShared serves a file through a share link. The download slot is
// reserved before decryption and is not returned if decryption then fails.
func (s *Service) DownloadShared(ctx context.Context, req domain.ShareAccessRequest) (*Plaintext, error) {
	res, err := s.shares.Validate(ctx, req)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, &domain.ShareDeniedError{Reason: res.Reason}
	}
	if _, err := s.shares.Consume(ctx, req.LinkID); err != nil {
		return nil, err
	}

	record := res.File
	pt, err := s.spool(ctx, record)
	if err != nil {
		s.audit.LogFile(ctx, record.FileID, audit.EventFileShareDownload, nil, audit.OutcomeFailure, failureDetail(err))
		return nil, err
	}
	if err := s.files.IncrementDownloadCount(ctx, record.FileID, s.now()); err != nil {
		s.logger.Warn("Failed to count shared download",
			zap.String("file_id", record.FileID.String()),
			zap.String("link_id", req.LinkID),
			zap.Error(err))
	}

	s.audit.LogFile(ctx, record.FileID, audit.EventFileShareDownload, nil, audit.OutcomeSuccess, req.LinkID)
	return pt, nil
}

// DecryptTo verifies and decrypts the content of record into w.
// A missing blob is ErrFileUnavailable; a container that fails
// authentication or does not match the record is ErrIntegrity.
func (s *Service) DecryptTo(ctx context.Context, record *domain.FileRecord, w io.Writer) (int64, error) {
	obj, err := s.blobs.Open(ctx, record.StoredName)
	if errors.Is(err, blob.ErrNotExist) {
		s.logger.Error("Blob missing for active record",
			zap.String("file_id", record.FileID.String()),
			zap.String("stored_name", record.StoredName))
		return 0, fmt.Errorf("%w: %s", domain.ErrFileUnavailable, record.FileID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open blob: %w", err)
	}
	defer obj.Close()

	if !record.Encrypted {
		return io.Copy(w, io.NewSectionReader(obj, 0, obj.Size()))
	}

	key, err := s.fileKey(record)
	if err != nil {
		return 0, err
	}

	iv, tag, err := cryptostream.Inspect(obj)
	if err != nil || !bytes.Equal(iv, record.IV) || !bytes.Equal(tag, record.AuthTag) {
		s.integrityFailure(ctx, record, "container does not match record")
		if err == nil {
			err = cryptostream.ErrTamperDetected
		}
		return 0, fmt.Errorf("%w: %w", domain.ErrIntegrity, err)
	}

	n, err := cryptostream.Decrypt(ctx, obj, w, key)
	if err != nil {
		s.metrics.RecordCrypto("decrypt", "failure", 0)
		if errors.Is(err, cryptostream.ErrTamperDetected) {
			s.integrityFailure(ctx, record, "authentication tag mismatch")
			return 0, fmt.Errorf("%w: %w", domain.ErrIntegrity, err)
		}
		return 0, err
	}
	s.metrics.RecordCrypto("decrypt", "success", n)
	return n, nil
}

// VerifyIntegrity decrypts the file without keeping the plaintext and
// compares its hash with the recorded content hash
func (s *Service) VerifyIntegrity(ctx context.Context, p domain.Principal, fileID uuid.UUID) error {
	record, err := s.readable(ctx, p, fileID, audit.EventFileIntegrity)
	if err != nil {
		return err
	}

	digest := sha256.New()
	if _, err := s.DecryptTo(ctx, record, digest); err != nil {
		return err
	}
	if record.ContentHash != "" && hex.EncodeToString(digest.Sum(nil)) != record.ContentHash {
		s.integrityFailure(ctx, record, "content hash mismatch")
		return fmt.Errorf("%w: content hash mismatch", domain.ErrIntegrity)
	}

	s.audit.LogFile(ctx, fileID, audit.EventFileIntegrity, &p.ID, audit.OutcomeSuccess, "")
	return nil
}

// UpdateAccess replaces visibility and allow-list. Owner or admin only.
func (s *Service) UpdateAccess(ctx context.Context, p domain.Principal, fileID uuid.UUID, req domain.FileAccessUpdateRequest) (*domain.FileRecord, error) {
	if !req.Visibility.Valid() {
		return nil, fmt.Errorf("%w: unknown visibility %q", domain.ErrInvalidInput, req.Visibility)
	}
	record, err := s.manageable(ctx, p, fileID, audit.EventFileAccessUpdate)
	if err != nil {
		return nil, err
	}

	var allow []uuid.UUID
	if req.Visibility == domain.VisibilityRestricted {
		allow = req.AllowList
	}
	now := s.now()
	if err := s.files.UpdateAccess(ctx, fileID, req.Visibility, allow, now); err != nil {
		return nil, err
	}

	record.Visibility = req.Visibility
	record.AllowList = allow
	record.UpdatedAt = now.UTC()
	s.audit.LogFile(ctx, fileID, audit.EventFileAccessUpdate, &p.ID, audit.OutcomeSuccess, string(req.Visibility))
	return record, nil
}

// Delete tombstones the record, then removes its ciphertext. Owner or admin only.
func (s *Service) Delete(ctx context.Context, p domain.Principal, fileID uuid.UUID) error {
	record, err := s.manageable(ctx, p, fileID, audit.EventFileDelete)
	if err != nil {
		return err
	}

	if err := s.files.SoftDelete(ctx, fileID, s.now()); err != nil {
		return err
	}
	s.discardBlob(ctx, record.StoredName)

	s.audit.LogFile(ctx, fileID, audit.EventFileDelete, &p.ID, audit.OutcomeSuccess, "")
	s.logger.Info("File deleted",
		zap.String("file_id", fileID.String()),
		zap.String("actor_id", p.ID.String()))
	return nil
}

// Activity returns the recent trail of a file. Owner or admin only.
func (s *Service) Activity(ctx context.Context, p domain.Principal, fileID uuid.UUID, limit int) ([]domain.Activity, error) {
	if _, err := s.manageable(ctx, p, fileID, ""); err != nil {
		return nil, err
	}
	return s.audit.GetEvents(ctx, audit.SubjectFile, fileID.String(), limit)
}

func (s *Service) readable(ctx context.Context, p domain.Principal, fileID uuid.UUID, event audit.AuditEventType) (*domain.FileRecord, error) {
	record, err := s.live(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !domain.CanAccess(record, p.ID, p.Role) {
		s.audit.LogFile(ctx, fileID, event, &p.ID, audit.OutcomeDenied, "")
		return nil, domain.ErrAccessDenied
	}
	return record, nil
}

func (s *Service) manageable(ctx context.Context, p domain.Principal, fileID uuid.UUID, event audit.AuditEventType) (*domain.FileRecord, error) {
	record, err := s.live(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !domain.CanManage(record, p) {
		if event != "" {
			s.audit.LogFile(ctx, fileID, event, &p.ID, audit.OutcomeDenied, "")
		}
		return nil, domain.ErrAccessDenied
	}
	return record, nil
}

// live returns an active, unexpired record
func (s *Service) live(ctx context.Context, fileID uuid.UUID) (*domain.FileRecord, error) {
	record, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if record.Expired(s.now()) {
		return nil, domain.ErrFileNotFound
	}
	return record, nil
}

func (s *Service) fileKey(record *domain.FileRecord) (cryptostream.Key, error) {
	if !record.KeyWrapped {
		return cryptostream.Key(record.EncryptionKey), nil
	}
	if s.wrapper == nil {
		return nil, fmt.Errorf("file %s has a wrapped key but no master key is configured", record.FileID)
	}
	key, err := s.wrapper.Unwrap(record.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrIntegrity, err)
	}
	return key, nil
}

func (s *Service) integrityFailure(ctx context.Context, record *domain.FileRecord, detail string) {
	s.metrics.RecordTamper()
	s.audit.LogFile(ctx, record.FileID, audit.EventFileIntegrity, nil, audit.OutcomeFailure, detail)
	s.logger.Error("Integrity check failed",
		zap.String("file_id", record.FileID.String()),
		zap.String("detail", detail))
}

func (s *Service) discardBlob(ctx context.Context, storedName string) {
	if err := s.blobs.Remove(context.WithoutCancel(ctx), storedName); err != nil {
		s.logger.Warn("Failed to remove blob",
			zap.String("stored_name", storedName),
			zap.Error(err))
	}
}

func uploadMarker(storedName string) string {
	return ephemeral.Key(ephemeral.NamespaceTemp, "upload", storedName)
}

// detectMimeType prefers the declared type, then the extension, then the
// sniffed content. Parameters are dropped.
func detectMimeType(declared, name string, head []byte) string {
	for _, candidate := range []string{
		strings.TrimSpace(declared),
		mime.TypeByExtension(filepath.Ext(name)),
		mimetype.Detect(head).String(),
	} {
		if candidate == "" {
			continue
		}
		if mt, _, err := mime.ParseMediaType(candidate); err == nil {
			return mt
		}
	}
	return defaultMimeType
}

func failureDetail(err error) string {
	switch {
	case errors.Is(err, domain.ErrIntegrity):
		return "integrity"
	case errors.Is(err, domain.ErrFileUnavailable):
		return "unavailable"
	}
	return "error"
}
