package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"securevault-backend/internal/domain"
	"securevault-backend/internal/ephemeral"
)

// Subjects of activity trails
const (
	SubjectShare = "share"
	SubjectFile  = "file"
)

// AuditEventType names an action recorded on a trail
type AuditEventType string

const (
	// Share link events
	EventShareIssued    AuditEventType = "share_issued"
	EventShareValidated AuditEventType = "share_validated"
	EventShareDenied    AuditEventType = "share_denied"
	EventShareConsumed  AuditEventType = "share_consumed"
	EventShareRevoked   AuditEventType = "share_revoked"

	// File events
	EventFileUpload        AuditEventType = "file_upload"
	EventFileDownload      AuditEventType = "file_download"
	EventFileShareDownload AuditEventType = "file_share_download"
	EventFileDelete        AuditEventType = "file_delete"
	EventFileAccessUpdate  AuditEventType = "file_access_update"
	EventFileExpiryUpdate  AuditEventType = "file_expiry_update"
	EventFileIntegrity     AuditEventType = "file_integrity_check"
	EventFileArchived      AuditEventType = "file_archived"
)

// Outcomes
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// AuditLogger appends events to bounded per-subject trails in the
// ephemeral store. Logging failures never fail the audited operation.
type AuditLogger struct {
	store     ephemeral.Store
	maxLen    int
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewAuditLogger creates a logger keeping at most maxLen events per trail
func NewAuditLogger(store ephemeral.Store, maxLen int, retention time.Duration, logger *zap.Logger) *AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxLen <= 0 {
		maxLen = 100
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &AuditLogger{
		store:     store,
		maxLen:    maxLen,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Log records one event on the trail of subject/id
func (al *AuditLogger) Log(ctx context.Context, subject, id string, event AuditEventType, actor *uuid.UUID, outcome, detail string) {
	entry := domain.Activity{
		EventID:   uuid.New(),
		Action:    string(event),
		ActorID:   actor,
		Outcome:   outcome,
		Detail:    detail,
		Timestamp: al.now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		al.logger.Warn("Failed to marshal audit event", zap.Error(err))
		return
	}

	if err := al.store.Push(ctx, ephemeral.ActivityKey(subject, id), data, al.maxLen, al.retention); err != nil {
		al.logger.Warn("Failed to store audit event",
			zap.String("subject", subject),
			zap.String("id", id),
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}

// LogShare records an event on a share link trail
func (al *AuditLogger) LogShare(ctx context.Context, linkID string, event AuditEventType, actor *uuid.UUID, outcome, detail string) {
	al.Log(ctx, SubjectShare, linkID, event, actor, outcome, detail)
}

// LogFile records an event on a file trail
func (al *AuditLogger) LogFile(ctx context.Context, fileID uuid.UUID, event AuditEventType, actor *uuid.UUID, outcome, detail string) {
	al.Log(ctx, SubjectFile, fileID.String(), event, actor, outcome, detail)
}

// GetEvents returns up to limit events of a trail, newest first
func (al *AuditLogger) GetEvents(ctx context.Context, subject, id string, limit int) ([]domain.Activity, error) {
	raw, err := al.store.Range(ctx, ephemeral.ActivityKey(subject, id), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}

	events := make([]domain.Activity, 0, len(raw))
	for _, data := range raw {
		var event domain.Activity
		if err := json.Unmarshal(data, &event); err != nil {
			al.logger.Warn("Skipping malformed audit event", zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}
