package share

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"securevault-backend/internal/domain"
)

// encodeLink flattens a link into store hash fields. Times are unix millis
// so the store can compare the expiry atomically.
func encodeLink(l *domain.ShareLink) map[string]string {
	active := "0"
	if l.Active {
		active = "1"
	}
	fields := map[string]string{
		fieldID:            l.LinkID,
		fieldFileID:        l.FileID.String(),
		fieldIssuerID:      l.IssuerID.String(),
		fieldTokenHash:     hexOrNil(l.TokenHash),
		fieldPasswordHash:  string(l.PasswordHash),
		fieldAllowedEmails: strings.Join(l.AllowedEmails, ","),
		fieldDescription:   l.Description,
		fieldMaxDownloads:  strconv.FormatInt(l.MaxDownloads, 10),
		fieldDownloads:     strconv.FormatInt(l.DownloadCount, 10),
		fieldCreatedAt:     formatMillis(l.CreatedAt),
		fieldExpiresAt:     formatMillis(l.ExpiresAt),
		fieldActive:        active,
	}
	if l.LastDownloadedAt != nil {
		fields[fieldLastDownloadedAt] = formatMillis(*l.LastDownloadedAt)
	}
	if l.RevokedAt != nil {
		fields[fieldRevokedAt] = formatMillis(*l.RevokedAt)
	}
	if l.RevokedBy != nil {
		fields[fieldRevokedBy] = l.RevokedBy.String()
	}
	return fields
}

func decodeLink(f map[string]string) (*domain.ShareLink, error) {
	var err error
	l := &domain.ShareLink{
		LinkID:       f[fieldID],
		Description:  f[fieldDescription],
		PasswordHash: []byte(f[fieldPasswordHash]),
		Active:       f[fieldActive] == "1",
	}
	if len(l.PasswordHash) == 0 {
		l.PasswordHash = nil
	}
	if l.FileID, err = uuid.Parse(f[fieldFileID]); err != nil {
		return nil, fmt.Errorf("file_id: %w", err)
	}
	if l.IssuerID, err = uuid.Parse(f[fieldIssuerID]); err != nil {
		return nil, fmt.Errorf("issuer_id: %w", err)
	}
	if l.TokenHash, err = hex.DecodeString(f[fieldTokenHash]); err != nil {
		return nil, fmt.Errorf("token_hash: %w", err)
	}
	if emails := f[fieldAllowedEmails]; emails != "" {
		l.AllowedEmails = strings.Split(emails, ",")
	}
	if l.MaxDownloads, err = strconv.ParseInt(f[fieldMaxDownloads], 10, 64); err != nil {
		return nil, fmt.Errorf("max_downloads: %w", err)
	}
	if raw := f[fieldDownloads]; raw != "" {
		if l.DownloadCount, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("downloads: %w", err)
		}
	}
	if l.CreatedAt, err = parseMillis(f[fieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if l.ExpiresAt, err = parseMillis(f[fieldExpiresAt]); err != nil {
		return nil, fmt.Errorf("expires_at: %w", err)
	}
	if l.LastDownloadedAt, err = optionalMillis(f[fieldLastDownloadedAt]); err != nil {
		return nil, fmt.Errorf("last_downloaded_at: %w", err)
	}
	if l.RevokedAt, err = optionalMillis(f[fieldRevokedAt]); err != nil {
		return nil, fmt.Errorf("revoked_at: %w", err)
	}
	if raw := f[fieldRevokedBy]; raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("revoked_by: %w", err)
		}
		l.RevokedBy = &id
	}
	return l, nil
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func optionalMillis(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseMillis(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
