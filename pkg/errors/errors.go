package errors

import (
	"errors"
	"fmt"
	"net/http"

	"securevault-backend/internal/domain"
	"securevault-backend/pkg/cryptostream"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation    ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidExpiry ErrorCode = "INVALID_EXPIRY"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeExpiredToken ErrorCode = "EXPIRED_TOKEN"

	// Authorization errors
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeAccessDenied ErrorCode = "ACCESS_DENIED"

	// Not found errors
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeFileNotFound    ErrorCode = "FILE_NOT_FOUND"
	ErrCodeArchiveNotFound ErrorCode = "ARCHIVE_NOT_FOUND"

	// File state errors
	ErrCodeFileUnavailable   ErrorCode = "FILE_UNAVAILABLE"
	ErrCodeIntegrity         ErrorCode = "INTEGRITY_ERROR"
	ErrCodeNoAccessibleFiles ErrorCode = "NO_ACCESSIBLE_FILES"
	ErrCodeArchiveFailed     ErrorCode = "ARCHIVE_FAILED"

	// Share link errors, one per validation reason
	ErrCodeLinkNotFound       ErrorCode = "LINK_NOT_FOUND"
	ErrCodeLinkInactive       ErrorCode = "LINK_INACTIVE"
	ErrCodeLinkTokenMismatch  ErrorCode = "LINK_TOKEN_MISMATCH"
	ErrCodeLinkExpired        ErrorCode = "LINK_EXPIRED"
	ErrCodeLinkQuotaExhausted ErrorCode = "LINK_QUOTA_EXHAUSTED"
	ErrCodeLinkPasswordNeeded ErrorCode = "LINK_PASSWORD_REQUIRED"
	ErrCodeLinkPasswordWrong  ErrorCode = "LINK_PASSWORD_MISMATCH"
	ErrCodeLinkEmailDenied    ErrorCode = "LINK_EMAIL_NOT_AUTHORIZED"
	ErrCodeLinkFileGone       ErrorCode = "LINK_FILE_NO_LONGER_AVAILABLE"
	ErrCodeLinkTooManyTries   ErrorCode = "LINK_TOO_MANY_ATTEMPTS"

	// Rate limiting errors
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeStorage        ErrorCode = "STORAGE_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

func ExpiredTokenError() *AppError {
	return NewWithStatus(ErrCodeExpiredToken, "Token has expired", http.StatusUnauthorized)
}

func ForbiddenError(message string) *AppError {
	return NewWithStatus(ErrCodeForbidden, message, http.StatusForbidden)
}

func RateLimitExceededError() *AppError {
	return NewWithStatus(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests)
}

func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func ServiceUnavailableError(message string) *AppError {
	return NewWithStatus(ErrCodeServiceUnavail, message, http.StatusServiceUnavailable)
}

// shareReasons maps every validation reason to its wire code and status
var shareReasons = map[domain.ShareReason]struct {
	code    ErrorCode
	message string
	status  int
}{
	domain.ReasonNotFound:              {ErrCodeLinkNotFound, "Share link not found", http.StatusNotFound},
	domain.ReasonInactive:              {ErrCodeLinkInactive, "Share link has been revoked", http.StatusGone},
	domain.ReasonTokenMismatch:         {ErrCodeLinkTokenMismatch, "Share link token is invalid", http.StatusForbidden},
	domain.ReasonExpired:               {ErrCodeLinkExpired, "Share link has expired", http.StatusGone},
	domain.ReasonQuotaExhausted:        {ErrCodeLinkQuotaExhausted, "Share link download limit reached", http.StatusGone},
	domain.ReasonPasswordRequired:      {ErrCodeLinkPasswordNeeded, "Password required", http.StatusUnauthorized},
	domain.ReasonPasswordMismatch:      {ErrCodeLinkPasswordWrong, "Incorrect password", http.StatusUnauthorized},
	domain.ReasonEmailNotAuthorized:    {ErrCodeLinkEmailDenied, "Email not authorized for this link", http.StatusForbidden},
	domain.ReasonFileNoLongerAvailable: {ErrCodeLinkFileGone, "Shared file is no longer available", http.StatusGone},
	domain.ReasonTooManyAttempts:       {ErrCodeLinkTooManyTries, "Too many password attempts", http.StatusTooManyRequests},
}

// ShareReasonError converts a validation reason into an AppError
func ShareReasonError(reason domain.ShareReason) *AppError {
	m, ok := shareReasons[reason]
	if !ok {
		return InternalError("Unknown share link state")
	}
	return NewWithStatus(m.code, m.message, m.status).WithDetails(map[string]any{
		"reason":    reason,
		"retryable": reason.Retryable(),
	})
}

// FromDomain maps errors returned by the core packages to AppErrors.
// Integrity failures are never reported as not found.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var denied *domain.ShareDeniedError
	if errors.As(err, &denied) {
		e := ShareReasonError(denied.Reason)
		e.Err = err
		return e
	}

	switch {
	case errors.Is(err, cryptostream.ErrTamperDetected), errors.Is(err, domain.ErrIntegrity):
		return WrapWithStatus(ErrCodeIntegrity, "File failed integrity verification", http.StatusUnprocessableEntity, err)
	case errors.Is(err, domain.ErrFileNotFound):
		return WrapWithStatus(ErrCodeFileNotFound, "File not found", http.StatusNotFound, err)
	case errors.Is(err, domain.ErrFileUnavailable):
		return WrapWithStatus(ErrCodeFileUnavailable, "File content is unavailable", http.StatusGone, err)
	case errors.Is(err, domain.ErrAccessDenied),
		errors.Is(err, domain.ErrLinkIssuanceDenied),
		errors.Is(err, domain.ErrRevocationDenied):
		return WrapWithStatus(ErrCodeAccessDenied, "Access denied", http.StatusForbidden, err)
	case errors.Is(err, domain.ErrInvalidExpiry):
		return WrapWithStatus(ErrCodeInvalidExpiry, "Expiry must be in the future", http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrInvalidMaxDownloads), errors.Is(err, domain.ErrInvalidInput):
		return WrapWithStatus(ErrCodeInvalidInput, err.Error(), http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrLinkNotFound):
		return WrapWithStatus(ErrCodeLinkNotFound, "Share link not found", http.StatusNotFound, err)
	case errors.Is(err, domain.ErrNoAccessibleFiles):
		return WrapWithStatus(ErrCodeNoAccessibleFiles, "None of the requested files are accessible", http.StatusForbidden, err)
	case errors.Is(err, domain.ErrArchiveFailed):
		return WrapWithStatus(ErrCodeArchiveFailed, "No files could be archived", http.StatusUnprocessableEntity, err)
	case errors.Is(err, domain.ErrArchiveNotFound):
		return WrapWithStatus(ErrCodeArchiveNotFound, "Archive not found or already downloaded", http.StatusNotFound, err)
	case errors.Is(err, cryptostream.ErrDecryptionIO), errors.Is(err, cryptostream.ErrEncryptionIO):
		return WrapWithStatus(ErrCodeStorage, "Storage error", http.StatusInternalServerError, err)
	}

	return WrapWithStatus(ErrCodeInternal, "Internal server error", http.StatusInternalServerError, err)
}
