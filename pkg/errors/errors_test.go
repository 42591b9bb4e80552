package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"securevault-backend/internal/domain"
	"securevault-backend/pkg/cryptostream"
)

func TestFromDomain(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   ErrorCode
		status int
	}{
		{"tamper", fmt.Errorf("download: %w", cryptostream.ErrTamperDetected), ErrCodeIntegrity, http.StatusUnprocessableEntity},
		{"not found", domain.ErrFileNotFound, ErrCodeFileNotFound, http.StatusNotFound},
		{"unavailable", domain.ErrFileUnavailable, ErrCodeFileUnavailable, http.StatusGone},
		{"denied", domain.ErrAccessDenied, ErrCodeAccessDenied, http.StatusForbidden},
		{"issuance denied", domain.ErrLinkIssuanceDenied, ErrCodeAccessDenied, http.StatusForbidden},
		{"invalid expiry", domain.ErrInvalidExpiry, ErrCodeInvalidExpiry, http.StatusBadRequest},
		{"no accessible files", domain.ErrNoAccessibleFiles, ErrCodeNoAccessibleFiles, http.StatusForbidden},
		{"share quota", &domain.ShareDeniedError{Reason: domain.ReasonQuotaExhausted}, ErrCodeLinkQuotaExhausted, http.StatusGone},
		{"share password", fmt.Errorf("wrapped: %w", &domain.ShareDeniedError{Reason: domain.ReasonPasswordRequired}), ErrCodeLinkPasswordNeeded, http.StatusUnauthorized},
		{"unknown", fmt.Errorf("boom"), ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := FromDomain(tt.err)
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, tt.status, appErr.StatusCode)
		})
	}
}

func TestFromDomain_PassesAppErrorThrough(t *testing.T) {
	original := ValidationError("bad")
	assert.Same(t, original, FromDomain(fmt.Errorf("ctx: %w", original)))
	assert.Nil(t, FromDomain(nil))
}

func TestShareReasonError_EveryReasonMapped(t *testing.T) {
	reasons := []domain.ShareReason{
		domain.ReasonNotFound, domain.ReasonInactive, domain.ReasonTokenMismatch,
		domain.ReasonExpired, domain.ReasonQuotaExhausted, domain.ReasonPasswordRequired,
		domain.ReasonPasswordMismatch, domain.ReasonEmailNotAuthorized,
		domain.ReasonFileNoLongerAvailable, domain.ReasonTooManyAttempts,
	}
	seen := map[ErrorCode]bool{}
	for _, r := range reasons {
		e := ShareReasonError(r)
		assert.NotEqual(t, ErrCodeInternal, e.Code, r)
		assert.False(t, seen[e.Code], "duplicate code for %s", r)
		seen[e.Code] = true
	}
}
