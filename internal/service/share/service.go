package share

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"securevault-backend/internal/domain"
	"securevault-backend/internal/ephemeral"
	"securevault-backend/pkg/audit"
	"securevault-backend/pkg/lockout"
	"securevault-backend/pkg/metrics"
	"securevault-backend/pkg/password"
	"securevault-backend/pkg/sanitize"
)

const tokenBytes = 32

// Fields of the link state hash
const (
	fieldID               = "id"
	fieldFileID           = "file_id"
	fieldIssuerID         = "issuer_id"
	fieldTokenHash        = "token_hash"
	fieldPasswordHash     = "password_hash"
	fieldAllowedEmails    = "allowed_emails"
	fieldDescription      = "description"
	fieldMaxDownloads     = "max_downloads"
	fieldDownloads        = "downloads"
	fieldCreatedAt        = "created_at"
	fieldExpiresAt        = "expires_at"
	fieldLastDownloadedAt = "last_downloaded_at"
	fieldActive           = "active"
	fieldRevokedAt        = "revoked_at"
	fieldRevokedBy        = "revoked_by"
)

// FileLookup resolves the file a link points at
type FileLookup interface {
	GetByID(ctx context.Context, fileID uuid.UUID) (*domain.FileRecord, error)
}

// Config holds share link defaults and limits
type Config struct {
	BaseURL             string
	DefaultTTL          time.Duration
	DefaultMaxDownloads int
	// Grace keeps a revoked or expired link readable so callers see the reason
	Grace             time.Duration
	PasswordAttempts  int
	AttemptWindow     time.Duration
	IssuerIndexLength int
	IndexRetention    time.Duration
	ActivityLimit     int
}

// Result is the outcome of a validation. Reason is empty when Valid.
type Result struct {
	Valid  bool
	Reason domain.ShareReason
	Link   *domain.ShareLink
	File   *domain.FileRecord
}

// Service issues, validates, consumes and revokes share links.
// Link state lives only in the ephemeral store and every mutation goes
// through one atomic store call.
type Service struct {
	store    ephemeral.Store
	files    FileLookup
	hasher   *password.Hasher
	attempts *lockout.LockoutManager
	audit    *audit.AuditLogger
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
}

// NewService creates a new share link service
func NewService(
	store ephemeral.Store,
	files FileLookup,
	hasher *password.Hasher,
	auditLogger *audit.AuditLogger,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.DefaultMaxDownloads < 1 {
		cfg.DefaultMaxDownloads = 10
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Minute
	}
	if cfg.IssuerIndexLength <= 0 {
		cfg.IssuerIndexLength = 500
	}
	if cfg.IndexRetention <= 0 {
		cfg.IndexRetention = 30 * 24 * time.Hour
	}
	if cfg.ActivityLimit <= 0 {
		cfg.ActivityLimit = 50
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if auditLogger == nil {
		auditLogger = audit.NewAuditLogger(store, 0, 0, logger)
	}
	if hasher == nil {
		hasher = password.NewHasher(0, 1)
	}

	return &Service{
		store:  store,
		files:  files,
		hasher: hasher,
		attempts: lockout.NewLockoutManager(store, "share", lockout.LockoutConfig{
			MaxAttempts: cfg.PasswordAttempts,
			Window:      cfg.AttemptWindow,
		}),
		audit:   auditLogger,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Issue creates a link to fileID for issuer. The returned token is not
// stored and cannot be recovered later.
func (s *Service) Issue(ctx context.Context, issuer domain.Principal, fileID uuid.UUID, c domain.ShareConstraints) (*domain.ShareIssued, error) {
	file, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}
	now := s.now()
	if file.Expired(now) {
		return nil, domain.ErrFileNotFound
	}
	if !domain.CanAccess(file, issuer.ID, issuer.Role) {
		s.audit.LogFile(ctx, fileID, audit.EventShareIssued, &issuer.ID, audit.OutcomeDenied, "issuer cannot read file")
		return nil, domain.ErrLinkIssuanceDenied
	}

	maxDownloads := c.MaxDownloads
	if maxDownloads == 0 {
		maxDownloads = s.cfg.DefaultMaxDownloads
	}
	if maxDownloads < 1 {
		return nil, domain.ErrInvalidMaxDownloads
	}

	expiresAt := c.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.cfg.DefaultTTL)
	}
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return nil, domain.ErrInvalidExpiry
	}

	var passwordHash string
	if c.Password != "" {
		passwordHash, err = s.hasher.Hash(c.Password)
		if err != nil {
			var verr *password.ValidationError
			if errors.As(err, &verr) {
				return nil, fmt.Errorf("%w: %s", domain.ErrInvalidInput, verr.Message)
			}
			return nil, err
		}
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	tokenHash := sha256.Sum256([]byte(token))

	link := &domain.ShareLink{
		LinkID:        uuid.NewString(),
		FileID:        fileID,
		IssuerID:      issuer.ID,
		TokenHash:     tokenHash[:],
		PasswordHash:  []byte(passwordHash),
		AllowedEmails: normalizeEmails(c.AllowedEmails),
		Description:   strings.TrimSpace(c.Description),
		MaxDownloads:  int64(maxDownloads),
		CreatedAt:     now.UTC(),
		ExpiresAt:     expiresAt.UTC(),
		Active:        true,
	}

	if err := s.store.SetFields(ctx, ephemeral.ShareKey(link.LinkID), encodeLink(link), ttl+s.cfg.Grace); err != nil {
		return nil, fmt.Errorf("failed to store share link: %w", err)
	}
	if err := s.store.Push(ctx, ephemeral.IssuerKey(issuer.ID.String()), []byte(link.LinkID), s.cfg.IssuerIndexLength, s.cfg.IndexRetention); err != nil {
		s.logger.Warn("Failed to index share link",
			zap.String("link_id", link.LinkID),
			zap.Error(err))
	}

	s.metrics.RecordShareIssued()
	s.audit.LogShare(ctx, link.LinkID, audit.EventShareIssued, &issuer.ID, audit.OutcomeSuccess, "")
	s.logger.Info("Share link issued",
		zap.String("link_id", link.LinkID),
		zap.String("file_id", fileID.String()),
		zap.Int64("max_downloads", link.MaxDownloads),
		zap.Time("expires_at", link.ExpiresAt))

	return &domain.ShareIssued{
		Link:  link,
		Token: token,
		URL:   s.cfg.BaseURL + "/share/" + link.LinkID + "/" + token,
	}, nil
}

// Validate checks the presented credentials against the link state.
// Checks run in a fixed order and the first failure is reported:
// not found, token, revoked, expired, quota, file gone, email, attempt
// lockout, password. The returned error is reserved for store failures.
func (s *Service) Validate(ctx context.Context, req domain.ShareAccessRequest) (*Result, error) {
	res, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordShareValidation(string(res.Reason))
	if res.Reason != domain.ReasonNotFound {
		if res.Valid {
			s.audit.LogShare(ctx, req.LinkID, audit.EventShareValidated, nil, audit.OutcomeSuccess, "")
		} else {
			s.audit.LogShare(ctx, req.LinkID, audit.EventShareDenied, nil, audit.OutcomeDenied, string(res.Reason))
		}
	}
	return res, nil
}

func (s *Service) validate(ctx context.Context, req domain.ShareAccessRequest) (*Result, error) {
	link, err := s.load(ctx, req.LinkID)
	if errors.Is(err, domain.ErrLinkNotFound) {
		return deny(domain.ReasonNotFound, nil), nil
	}
	if err != nil {
		return nil, err
	}

	presented := sha256.Sum256([]byte(req.Token))
	if subtle.ConstantTimeCompare(presented[:], link.TokenHash) != 1 {
		return deny(domain.ReasonTokenMismatch, nil), nil
	}

	now := s.now()
	switch {
	case !link.Active:
		return deny(domain.ReasonInactive, link), nil
	case link.Expired(now):
		return deny(domain.ReasonExpired, link), nil
	case link.QuotaExhausted():
		return deny(domain.ReasonQuotaExhausted, link), nil
	}

	file, err := s.files.GetByID(ctx, link.FileID)
	if errors.Is(err, domain.ErrFileNotFound) {
		return deny(domain.ReasonFileNoLongerAvailable, link), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load shared file: %w", err)
	}
	if file.Expired(now) {
		return deny(domain.ReasonFileNoLongerAvailable, link), nil
	}

	if len(link.AllowedEmails) > 0 && !containsEmail(link.AllowedEmails, sanitize.SanitizeEmail(req.Email)) {
		return deny(domain.ReasonEmailNotAuthorized, link), nil
	}

	if link.HasPassword() {
		locked, _, err := s.attempts.CheckLockout(ctx, link.LinkID)
		if err != nil {
			return nil, err
		}
		if locked {
			return deny(domain.ReasonTooManyAttempts, link), nil
		}
		if req.Password == "" {
			return deny(domain.ReasonPasswordRequired, link), nil
		}
		// the attempt is counted before bcrypt runs; a wrong guess keeps its slot
		allowed, _, err := s.attempts.ReserveAttempt(ctx, link.LinkID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return deny(domain.ReasonTooManyAttempts, link), nil
		}
		if err := password.Compare(string(link.PasswordHash), req.Password); err != nil {
			if !errors.Is(err, password.ErrMismatch) {
				return nil, err
			}
			return deny(domain.ReasonPasswordMismatch, link), nil
		}
		if err := s.attempts.ClearFailedAttempts(ctx, link.LinkID); err != nil {
			s.logger.Warn("Failed to clear password attempts", zap.String("link_id", link.LinkID), zap.Error(err))
		}
	}

	return &Result{Valid: true, Link: link, File: file}, nil
}

// Consume reserves one download slot. The increment, the quota check, the
// expiry check and the active check are one atomic store operation, so
// concurrent callers racing for the last slot see exactly one success.
// A denied reservation is returned as *domain.ShareDeniedError.
func (s *Service) Consume(ctx context.Context, linkID string) (int64, error) {
	now := s.now()
	count, err := s.store.ConditionalIncrement(ctx, ephemeral.IncrementOp{
		Key:           ephemeral.ShareKey(linkID),
		Field:         fieldDownloads,
		LimitField:    fieldMaxDownloads,
		DeadlineField: fieldExpiresAt,
		Require:       map[string]string{fieldActive: "1"},
		Set:           map[string]string{fieldLastDownloadedAt: formatMillis(now)},
		Now:           now,
	})
	if err != nil {
		reason, ok := consumeReason(err)
		if !ok {
			s.metrics.RecordShareConsume("error")
			return 0, fmt.Errorf("failed to consume share link: %w", err)
		}
		s.metrics.RecordShareConsume(string(reason))
		s.audit.LogShare(ctx, linkID, audit.EventShareConsumed, nil, audit.OutcomeDenied, string(reason))
		return 0, &domain.ShareDeniedError{Reason: reason}
	}

	s.metrics.RecordShareConsume("success")
	s.audit.LogShare(ctx, linkID, audit.EventShareConsumed, nil, audit.OutcomeSuccess, "")
	return count, nil
}

// Revoke deactivates a link. Only the issuer or an admin may revoke.
// The link stays readable for the grace window, then expires from the store.
func (s *Service) Revoke(ctx context.Context, actor domain.Principal, linkID string) error {
	link, err := s.load(ctx, linkID)
	if err != nil {
		return err
	}
	if link.IssuerID != actor.ID && !actor.IsAdmin() {
		s.audit.LogShare(ctx, linkID, audit.EventShareRevoked, &actor.ID, audit.OutcomeDenied, "")
		return domain.ErrRevocationDenied
	}
	if !link.Active {
		return nil
	}

	now := s.now()
	err = s.store.UpdateFields(ctx, ephemeral.ShareKey(linkID), map[string]string{
		fieldActive:    "0",
		fieldRevokedAt: formatMillis(now),
		fieldRevokedBy: actor.ID.String(),
	}, s.cfg.Grace)
	if errors.Is(err, ephemeral.ErrNotFound) {
		return domain.ErrLinkNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to revoke share link: %w", err)
	}

	s.metrics.RecordShareRevoked()
	s.audit.LogShare(ctx, linkID, audit.EventShareRevoked, &actor.ID, audit.OutcomeSuccess, "")
	s.logger.Info("Share link revoked",
		zap.String("link_id", linkID),
		zap.String("actor_id", actor.ID.String()))
	return nil
}

// Stats returns the read-only projection of a link with its recent activity.
// Same authorization as Revoke.
func (s *Service) Stats(ctx context.Context, requester domain.Principal, linkID string) (*domain.ShareLinkStats, error) {
	link, err := s.load(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if link.IssuerID != requester.ID && !requester.IsAdmin() {
		return nil, domain.ErrAccessDenied
	}

	stats := s.project(link)
	events, err := s.audit.GetEvents(ctx, audit.SubjectShare, linkID, s.cfg.ActivityLimit)
	if err != nil {
		s.logger.Warn("Failed to load share activity", zap.String("link_id", linkID), zap.Error(err))
	}
	stats.Activity = events
	return stats, nil
}

// ListIssued returns stats for the links p issued that are still in the store
func (s *Service) ListIssued(ctx context.Context, p domain.Principal) ([]*domain.ShareLinkStats, error) {
	ids, err := s.store.Range(ctx, ephemeral.IssuerKey(p.ID.String()), s.cfg.IssuerIndexLength)
	if err != nil {
		return nil, fmt.Errorf("failed to list issued links: %w", err)
	}

	out := make([]*domain.ShareLinkStats, 0, len(ids))
	for _, id := range ids {
		link, err := s.load(ctx, string(id))
		if errors.Is(err, domain.ErrLinkNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s.project(link))
	}
	return out, nil
}

func (s *Service) load(ctx context.Context, linkID string) (*domain.ShareLink, error) {
	if linkID == "" {
		return nil, domain.ErrLinkNotFound
	}
	fields, err := s.store.GetFields(ctx, ephemeral.ShareKey(linkID))
	if errors.Is(err, ephemeral.ErrNotFound) {
		return nil, domain.ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load share link: %w", err)
	}
	link, err := decodeLink(fields)
	if err != nil {
		return nil, fmt.Errorf("corrupt share link %s: %w", linkID, err)
	}
	return link, nil
}

func (s *Service) project(link *domain.ShareLink) *domain.ShareLinkStats {
	remaining := link.MaxDownloads - link.DownloadCount
	if remaining < 0 {
		remaining = 0
	}
	return &domain.ShareLinkStats{
		LinkID:             link.LinkID,
		FileID:             link.FileID,
		State:              link.StateAt(s.now()),
		DownloadCount:      link.DownloadCount,
		MaxDownloads:       link.MaxDownloads,
		RemainingDownloads: remaining,
		CreatedAt:          link.CreatedAt,
		ExpiresAt:          link.ExpiresAt,
		LastDownloadedAt:   link.LastDownloadedAt,
		RevokedAt:          link.RevokedAt,
		RevokedBy:          link.RevokedBy,
		PasswordProtected:  link.HasPassword(),
		EmailRestricted:    len(link.AllowedEmails) > 0,
		Description:        link.Description,
	}
}

func deny(reason domain.ShareReason, link *domain.ShareLink) *Result {
	return &Result{Reason: reason, Link: link}
}

func consumeReason(err error) (domain.ShareReason, bool) {
	switch {
	case errors.Is(err, ephemeral.ErrNotFound):
		return domain.ReasonNotFound, true
	case errors.Is(err, ephemeral.ErrConditionFailed):
		return domain.ReasonInactive, true
	case errors.Is(err, ephemeral.ErrDeadlinePassed):
		return domain.ReasonExpired, true
	case errors.Is(err, ephemeral.ErrLimitReached):
		return domain.ReasonQuotaExhausted, true
	}
	return domain.ReasonNone, false
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func normalizeEmails(in []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(in))
	for _, e := range in {
		e = sanitize.SanitizeEmail(e)
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

func containsEmail(list []string, email string) bool {
	if email == "" {
		return false
	}
	for _, e := range list {
		if subtle.ConstantTimeCompare([]byte(e), []byte(email)) == 1 {
			return true
		}
	}
	return false
}

func hexOrNil(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hex.EncodeToString(b)
}
