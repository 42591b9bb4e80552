package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"securevault-backend/internal/domain"
	"securevault-backend/internal/ephemeral"
	"securevault-backend/pkg/audit"
	"securevault-backend/pkg/constants"
	"securevault-backend/pkg/logger"
	"securevault-backend/pkg/metrics"
	"securevault-backend/pkg/sanitize"
)

// FileFinder resolves which of the requested files a principal may read
type FileFinder interface {
	FindAccessible(ctx context.Context, filter domain.AccessFilter) ([]*domain.FileRecord, error)
}

// Decrypter writes the verified plaintext of a record
type Decrypter interface {
	DecryptTo(ctx context.Context, record *domain.FileRecord, w io.Writer) (int64, error)
}

// Config holds archive settings
type Config struct {
	Dir              string
	Retention        time.Duration
	CompressionLevel int
	Concurrency      int
	MaxFiles         int
}

// Options customize one archive
type Options struct {
	Name string
}

// Skipped names a requested file left out of the archive
type Skipped struct {
	FileID uuid.UUID `json:"file_id"`
	Reason string    `json:"reason"`
}

// Result describes a finished archive
type Result struct {
	Handle    string    `json:"handle"`
	Name      string    `json:"name"`
	FileCount int       `json:"file_count"`
	TotalSize int64     `json:"total_size"`
	Size      int64     `json:"archive_size"`
	Skipped   []Skipped `json:"skipped,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleState is what the ephemeral store keeps under a handle
type handleState struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	OwnerID uuid.UUID `json:"owner_id"`
	Size    int64     `json:"size"`
}

// Service builds bulk archives of decrypted files
type Service struct {
	files     FileFinder
	decrypter Decrypter
	store     ephemeral.Store
	audit     *audit.AuditLogger
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

// NewService creates a new archive service. cfg.Dir must exist.
func NewService(
	files FileFinder,
	decrypter Decrypter,
	store ephemeral.Store,
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
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.CompressionLevel < flate.HuffmanOnly || cfg.CompressionLevel > flate.BestCompression {
		cfg.CompressionLevel = flate.DefaultCompression
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.MaxFiles < 1 {
		cfg.MaxFiles = 500
	}
	return &Service{
		files:     files,
		decrypter: decrypter,
		store:     store,
		audit:     auditLogger,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// entry is one decrypted file waiting to be added
type entry struct {
	record *domain.FileRecord
	path   string
	size   int64
	err    error
}

// CreateBulkArchive decrypts every requested file the requester may read and
// packs them into one zip registered under a short-lived handle. Files that
// fail to decrypt are skipped; the call fails only when none succeed.
// Decrypted temporary files are removed on every path.
func (s *Service) CreateBulkArchive(ctx context.Context, requester domain.Principal, fileIDs []uuid.UUID, opts Options) (*Result, error) {
	started := s.now()
	ids := dedupe(fileIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no files requested", domain.ErrInvalidInput)
	}
	if len(ids) > s.cfg.MaxFiles {
		return nil, fmt.Errorf("%w: at most %d files per archive", domain.ErrInvalidInput, s.cfg.MaxFiles)
	}

	records, skipped, err := s.resolve(ctx, requester, ids)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		s.metrics.RecordArchive("no_access", 0, len(skipped), s.now().Sub(started))
		return nil, domain.ErrNoAccessibleFiles
	}

	entries := make([]*entry, len(records))
	defer func() {
		for _, e := range entries {
			if e != nil && e.path != "" {
				removeQuietly(e.path)
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, record := range records {
		g.Go(func() error {
			entries[i] = s.decryptEntry(gctx, record)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := s.pack(ctx, requester, entries, opts)
	if err != nil {
		s.metrics.RecordArchive("failure", 0, len(records)+len(skipped), s.now().Sub(started))
		return nil, err
	}
	for _, e := range entries {
		if e.err != nil {
			skipped = append(skipped, Skipped{FileID: e.record.FileID, Reason: skipReason(e.err)})
		}
	}
	res.Skipped = skipped

	s.metrics.RecordArchive("success", res.FileCount, len(skipped), s.now().Sub(started))
	s.logger.Info("Bulk archive created",
		zap.String("handle", res.Handle),
		zap.String("requester_id", requester.ID.String()),
		zap.Int("files", res.FileCount),
		zap.Int("skipped", len(skipped)))
	return res, nil
}

func (s *Service) resolve(ctx context.Context, requester domain.Principal, ids []uuid.UUID) ([]*domain.FileRecord, []Skipped, error) {
	found, err := s.files.FindAccessible(ctx, domain.NewAccessFilter(requester, ids...))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve files: %w", err)
	}

	now := s.now()
	byID := make(map[uuid.UUID]*domain.FileRecord, len(found))
	for _, r := range found {
		if !r.Expired(now) {
			byID[r.FileID] = r
		}
	}

	var records []*domain.FileRecord
	var skipped []Skipped
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			records = append(records, r)
			continue
		}
		skipped = append(skipped, Skipped{FileID: id, Reason: "not_accessible"})
	}
	return records, skipped, nil
}

func (s *Service) decryptEntry(ctx context.Context, record *domain.FileRecord) *entry {
	e := &entry{record: record}
	f, err := os.CreateTemp(s.cfg.Dir, constants.TempArchiveEntryPattern)
	if err != nil {
		e.err = err
		return e
	}
	e.path = f.Name()

	e.size, e.err = s.decrypter.DecryptTo(ctx, record, f)
	if cerr := f.Close(); e.err == nil {
		e.err = cerr
	}
	if e.err != nil {
		removeQuietly(e.path)
		e.path = ""
		s.logger.Warn("Skipping file in archive",
			zap.String("file_id", record.FileID.String()),
			zap.Error(e.err))
	}
	return e
}

// pack writes the decrypted entries into a zip in request order and
// registers the handle
func (s *Service) pack(ctx context.Context, requester domain.Principal, entries []*entry, opts Options) (*Result, error) {
	out, err := os.CreateTemp(s.cfg.Dir, constants.TempArchivePattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	keep := false
	defer func() {
		if !keep {
			out.Close()
			removeQuietly(out.Name())
		}
	}()

	zw := zip.NewWriter(out)
	level := s.cfg.CompressionLevel
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	res := &Result{}
	names := make(map[string]int)
	for _, e := range entries {
		if e.err != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.addEntry(zw, e, uniqueName(names, e.record.OriginalName)); err != nil {
			return nil, fmt.Errorf("failed to add %s to archive: %w", e.record.FileID, err)
		}
		res.FileCount++
		res.TotalSize += e.size
	}
	if res.FileCount == 0 {
		return nil, domain.ErrArchiveFailed
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	info, err := out.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}

	res.Handle = uuid.NewString()
	res.Name = archiveName(opts.Name, s.now())
	res.Size = info.Size()
	res.ExpiresAt = s.now().Add(s.cfg.Retention).UTC()

	state, err := json.Marshal(handleState{Path: out.Name(), Name: res.Name, OwnerID: requester.ID, Size: res.Size})
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, ephemeral.TempKey(res.Handle), state, s.cfg.Retention); err != nil {
		return nil, fmt.Errorf("failed to register archive: %w", err)
	}
	keep = true

	for _, e := range entries {
		if e.err == nil {
			s.audit.LogFile(ctx, e.record.FileID, audit.EventFileArchived, &requester.ID, audit.OutcomeSuccess, res.Handle)
		}
	}
	return res, nil
}

func (s *Service) addEntry(zw *zip.Writer, e *entry, name string) error {
	f, err := os.Open(e.path)
	if err != nil {
		return err
	}
	defer func() {
		f.Close()
		removeQuietly(e.path)
		e.path = ""
	}()

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: e.record.CreatedAt,
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// Download is a finished archive opened for a single read. Close removes it.
type Download struct {
	*os.File
	Name string
	Size int64
}

// Close closes and removes the archive
func (d *Download) Close() error {
	err := d.File.Close()
	removeQuietly(d.File.Name())
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// Open claims an archive for download. Each handle can be opened once and
// only by the principal that created it.
func (s *Service) Open(ctx context.Context, requester domain.Principal, handle string) (*Download, error) {
	key := ephemeral.TempKey(handle)
	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, ephemeral.ErrNotFound) {
		return nil, domain.ErrArchiveNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load archive handle: %w", err)
	}

	var state handleState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("corrupt archive handle: %w", err)
	}
	if state.OwnerID != requester.ID {
		return nil, domain.ErrArchiveNotFound
	}

	// Take decides concurrent downloads; the Get above only checks ownership.
	if _, err := s.store.Take(ctx, key); err != nil {
		if errors.Is(err, ephemeral.ErrNotFound) {
			return nil, domain.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("failed to claim archive handle: %w", err)
	}

	f, err := os.Open(state.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrArchiveNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	return &Download{File: f, Name: state.Name, Size: state.Size}, nil
}

// CleanupStaleArchives removes temporary files older than the retention
// window from the temp dir: archives, archive entries, plaintext download
// spools and S3 upload spools. It returns the number of files removed.
func (s *Service) CleanupStaleArchives(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.Retention)
	removed := 0
	for _, pattern := range constants.TempFilePatterns {
		matches, err := filepath.Glob(filepath.Join(s.cfg.Dir, pattern))
		if err != nil {
			return removed, err
		}
		for _, path := range matches {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			info, err := os.Stat(path)
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("Failed to remove stale temp file", zap.String("path", path), zap.Error(err))
				continue
			}
			removed++
		}
	}

	s.metrics.RecordCleanup("stale_archives", removed)
	return removed, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// uniqueName appends " (n)" before the extension for repeated names
func uniqueName(seen map[string]int, name string) string {
	name = sanitize.SanitizeFilename(name)
	if name == "" {
		name = "file"
	}
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	candidate := strings.TrimSuffix(name, ext) + " (" + strconv.Itoa(n) + ")" + ext
	return uniqueName(seen, candidate)
}

func archiveName(requested string, now time.Time) string {
	name := sanitize.SanitizeFilename(requested)
	if name == "" {
		name = "vault-archive-" + now.UTC().Format("20060102-150405")
	}
	if !strings.HasSuffix(strings.ToLower(name), ".zip") {
		name += ".zip"
	}
	return name
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrIntegrity):
		return "integrity"
	case errors.Is(err, domain.ErrFileUnavailable):
		return "unavailable"
	}
	return "decrypt_failed"
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to remove temporary file", zap.String("path", path), zap.Error(err))
	}
}
