package domain

import "errors"

// Sentinel errors shared by the repositories and services
var (
	// ErrFileNotFound means no active record exists for the id
	ErrFileNotFound = errors.New("file not found")
	// ErrFileUnavailable means the record exists but its ciphertext is gone
	ErrFileUnavailable = errors.New("file content unavailable")
	// ErrAccessDenied means the principal failed the access check
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidInput marks malformed caller input
	ErrInvalidInput = errors.New("invalid input")
	// ErrIntegrity means stored content failed verification
	ErrIntegrity = errors.New("file integrity check failed")
)

// Share link and archive errors
var (
	// ErrLinkIssuanceDenied means the issuer cannot read the file
	ErrLinkIssuanceDenied = errors.New("link issuance denied")
	// ErrInvalidExpiry means the requested expiry is not in the future
	ErrInvalidExpiry = errors.New("invalid link expiry")
	// ErrInvalidMaxDownloads means the requested quota is below one
	ErrInvalidMaxDownloads = errors.New("max downloads must be at least 1")
	// ErrRevocationDenied means the actor is neither issuer nor admin
	ErrRevocationDenied = errors.New("revocation denied")
	// ErrLinkNotFound means no state exists for the link id
	ErrLinkNotFound = errors.New("share link not found")
	// ErrNoAccessibleFiles means none of the requested files may be read
	ErrNoAccessibleFiles = errors.New("no accessible files")
	// ErrArchiveFailed means every accessible file failed to archive
	ErrArchiveFailed = errors.New("no files could be archived")
	// ErrArchiveNotFound means the handle is unknown, expired or already used
	ErrArchiveNotFound = errors.New("archive not found")
)

// ShareDeniedError is returned when a link fails validation
type ShareDeniedError struct {
	Reason ShareReason
}

func (e *ShareDeniedError) Error() string {
	return "share link rejected: " + string(e.Reason)
}
