package domain

import (
	"time"

	"github.com/google/uuid"
)

// ShareConstraints bound a share link at issuance.
// A zero ExpiresAt or MaxDownloads takes the configured default.
type ShareConstraints struct {
	ExpiresAt     time.Time `json:"expires_at"`
	MaxDownloads  int       `json:"max_downloads" binding:"omitempty,min=1"`
	Password      string    `json:"password,omitempty"`
	AllowedEmails []string  `json:"allowed_emails,omitempty"`
	Description   string    `json:"description,omitempty" binding:"max=500"`
}

// ShareLink is the state of one ephemeral grant.
// Only hashes of the token and password are ever held.
type ShareLink struct {
	LinkID           string     `json:"link_id"`
	FileID           uuid.UUID  `json:"file_id"`
	IssuerID         uuid.UUID  `json:"issuer_id"`
	TokenHash        []byte     `json:"-"`
	PasswordHash     []byte     `json:"-"`
	AllowedEmails    []string   `json:"allowed_emails,omitempty"`
	Description      string     `json:"description,omitempty"`
	MaxDownloads     int64      `json:"max_downloads"`
	DownloadCount    int64      `json:"download_count"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	LastDownloadedAt *time.Time `json:"last_downloaded_at,omitempty"`
	Active           bool       `json:"active"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedBy        *uuid.UUID `json:"revoked_by,omitempty"`
}

// HasPassword reports whether the link is password protected
func (l *ShareLink) HasPassword() bool {
	return len(l.PasswordHash) > 0
}

// QuotaExhausted reports whether every download slot has been used
func (l *ShareLink) QuotaExhausted() bool {
	return l.DownloadCount >= l.MaxDownloads
}

// Expired reports whether the link is past its expiry at now
func (l *ShareLink) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// ShareState is the lifecycle state of a link as seen at a point in time
type ShareState string

const (
	ShareStateActive         ShareState = "active"
	ShareStateExpired        ShareState = "expired"
	ShareStateQuotaExhausted ShareState = "quota_exhausted"
	ShareStateRevoked        ShareState = "revoked"
)

// StateAt derives the link state. Revocation wins over expiry, expiry over quota.
func (l *ShareLink) StateAt(now time.Time) ShareState {
	switch {
	case !l.Active:
		return ShareStateRevoked
	case l.Expired(now):
		return ShareStateExpired
	case l.QuotaExhausted():
		return ShareStateQuotaExhausted
	default:
		return ShareStateActive
	}
}

// ShareReason explains why a link failed validation
type ShareReason string

const (
	ReasonNone                  ShareReason = ""
	ReasonNotFound              ShareReason = "not_found"
	ReasonInactive              ShareReason = "inactive"
	ReasonTokenMismatch         ShareReason = "token_mismatch"
	ReasonExpired               ShareReason = "expired"
	ReasonQuotaExhausted        ShareReason = "quota_exhausted"
	ReasonPasswordRequired      ShareReason = "password_required"
	ReasonPasswordMismatch      ShareReason = "password_mismatch"
	ReasonEmailNotAuthorized    ShareReason = "email_not_authorized"
	ReasonFileNoLongerAvailable ShareReason = "file_no_longer_available"
	ReasonTooManyAttempts       ShareReason = "too_many_attempts"
)

// Retryable reports whether the same link may succeed with other credentials
func (r ShareReason) Retryable() bool {
	switch r {
	case ReasonPasswordRequired, ReasonPasswordMismatch, ReasonEmailNotAuthorized, ReasonTooManyAttempts:
		return true
	}
	return false
}

// ShareIssued is returned once at issuance. Token is never retrievable again.
type ShareIssued struct {
	Link  *ShareLink `json:"link"`
	Token string     `json:"token"`
	URL   string     `json:"url"`
}

// ShareLinkStats is the read-only projection of a link
type ShareLinkStats struct {
	LinkID             string     `json:"link_id"`
	FileID             uuid.UUID  `json:"file_id"`
	State              ShareState `json:"state"`
	DownloadCount      int64      `json:"download_count"`
	MaxDownloads       int64      `json:"max_downloads"`
	RemainingDownloads int64      `json:"remaining_downloads"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	LastDownloadedAt   *time.Time `json:"last_downloaded_at,omitempty"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty"`
	RevokedBy          *uuid.UUID `json:"revoked_by,omitempty"`
	PasswordProtected  bool       `json:"password_protected"`
	EmailRestricted    bool       `json:"email_restricted"`
	Description        string     `json:"description,omitempty"`
	Activity           []Activity `json:"activity,omitempty"`
}

// Activity is one entry of a bounded audit trail
type Activity struct {
	EventID   uuid.UUID  `json:"event_id"`
	Action    string     `json:"action"`
	ActorID   *uuid.UUID `json:"actor_id,omitempty"`
	Outcome   string     `json:"outcome"`
	Detail    string     `json:"detail,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ShareAccessRequest carries the credentials presented with a link
type ShareAccessRequest struct {
	LinkID   string `json:"-"`
	Token    string `json:"-"`
	Email    string `json:"email,omitempty" form:"email"`
	Password string `json:"password,omitempty" form:"password"`
}
