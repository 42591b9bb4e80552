package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"securevault-backend/internal/domain"
	"securevault-backend/pkg/audit"
)

const (
	defaultStatsDays = 30
	maxStatsDays     = 3650
)

// BulkDelete deletes each file the principal manages and reports the
// outcome file by file. One failure does not stop the rest.
func (s *Service) BulkDelete(ctx context.Context, p domain.Principal, fileIDs []uuid.UUID) (*domain.BulkResult, error) {
	ids, err := s.bulkIDs(fileIDs)
	if err != nil {
		return nil, err
	}

	res := &domain.BulkResult{Items: make([]domain.BulkItem, 0, len(ids))}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := s.Delete(ctx, p, id)
		if err != nil && bulkReason(err) == "error" {
			s.logger.Warn("Bulk delete failed for file", zap.String("file_id", id.String()), zap.Error(err))
		}
		res.Add(id, bulkReason(err))
	}

	s.logger.Info("Bulk delete finished",
		zap.String("actor_id", p.ID.String()),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed))
	return res, nil
}

// BulkUpdate applies one visibility and/or expiry change to every listed
// file the principal manages
func (s *Service) BulkUpdate(ctx context.Context, p domain.Principal, req domain.BulkUpdateRequest) (*domain.BulkResult, error) {
	ids, err := s.bulkIDs(req.FileIDs)
	if err != nil {
		return nil, err
	}
	if req.Visibility == nil && req.ExpiresAt == nil && !req.ClearExpiry {
		return nil, fmt.Errorf("%w: nothing to update", domain.ErrInvalidInput)
	}
	if req.Visibility != nil && !req.Visibility.Valid() {
		return nil, fmt.Errorf("%w: unknown visibility %q", domain.ErrInvalidInput, *req.Visibility)
	}
	if req.ExpiresAt != nil && req.ClearExpiry {
		return nil, fmt.Errorf("%w: expires_at and clear_expiry are exclusive", domain.ErrInvalidInput)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return nil, fmt.Errorf("%w: expiry must be in the future", domain.ErrInvalidInput)
	}

	res := &domain.BulkResult{Items: make([]domain.BulkItem, 0, len(ids))}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := s.updateMetadata(ctx, p, id, req)
		if err != nil && bulkReason(err) == "error" {
			s.logger.Warn("Bulk update failed for file", zap.String("file_id", id.String()), zap.Error(err))
		}
		res.Add(id, bulkReason(err))
	}

	s.logger.Info("Bulk update finished",
		zap.String("actor_id", p.ID.String()),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed))
	return res, nil
}

func (s *Service) updateMetadata(ctx context.Context, p domain.Principal, fileID uuid.UUID, req domain.BulkUpdateRequest) error {
	event := audit.EventFileAccessUpdate
	if req.Visibility == nil {
		event = audit.EventFileExpiryUpdate
	}
	if _, err := s.manageable(ctx, p, fileID, event); err != nil {
		return err
	}

	now := s.now()
	if req.Visibility != nil {
		var allow []uuid.UUID
		if *req.Visibility == domain.VisibilityRestricted {
			allow = req.AllowList
		}
		if err := s.files.UpdateAccess(ctx, fileID, *req.Visibility, allow, now); err != nil {
			return err
		}
		s.audit.LogFile(ctx, fileID, audit.EventFileAccessUpdate, &p.ID, audit.OutcomeSuccess, string(*req.Visibility))
	}
	if req.ExpiresAt != nil || req.ClearExpiry {
		if err := s.files.UpdateExpiry(ctx, fileID, req.ExpiresAt, now); err != nil {
			return err
		}
		detail := "cleared"
		if req.ExpiresAt != nil {
			detail = req.ExpiresAt.UTC().Format(time.RFC3339)
		}
		s.audit.LogFile(ctx, fileID, audit.EventFileExpiryUpdate, &p.ID, audit.OutcomeSuccess, detail)
	}
	return nil
}

// Statistics summarizes the uploads of one owner over the last q.Days days.
// Only admins may ask about another owner.
func (s *Service) Statistics(ctx context.Context, p domain.Principal, q domain.StatsQuery) (*domain.FileStatistics, error) {
	owner := q.OwnerID
	if owner == uuid.Nil {
		owner = p.ID
	}
	if owner != p.ID && !p.IsAdmin() {
		return nil, domain.ErrAccessDenied
	}
	days := q.Days
	if days == 0 {
		days = defaultStatsDays
	}
	if days < 1 || days > maxStatsDays {
		return nil, fmt.Errorf("%w: days must be between 1 and %d", domain.ErrInvalidInput, maxStatsDays)
	}
	groupBy := q.GroupBy
	if groupBy == "" {
		groupBy = domain.StatsByDay
	}
	if !groupBy.Valid() {
		return nil, fmt.Errorf("%w: group_by must be day or month", domain.ErrInvalidInput)
	}

	since := s.now().UTC().AddDate(0, 0, -days)
	buckets, err := s.files.Statistics(ctx, owner, since, groupBy)
	if err != nil {
		return nil, err
	}

	stats := &domain.FileStatistics{
		OwnerID: owner,
		Days:    days,
		GroupBy: groupBy,
		Since:   since,
		Buckets: buckets,
	}
	if stats.Buckets == nil {
		stats.Buckets = []domain.StatsBucket{}
	}
	for _, b := range buckets {
		stats.Files += b.Files
		stats.TotalSize += b.TotalSize
	}
	if stats.Files > 0 {
		stats.AvgSize = float64(stats.TotalSize) / float64(stats.Files)
	}
	return stats, nil
}

func (s *Service) bulkIDs(fileIDs []uuid.UUID) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]struct{}, len(fileIDs))
	ids := make([]uuid.UUID, 0, len(fileIDs))
	for _, id := range fileIDs {
		if _, dup := seen[id]; dup || id == uuid.Nil {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no files requested", domain.ErrInvalidInput)
	}
	if len(ids) > s.cfg.BulkLimit {
		return nil, fmt.Errorf("%w: at most %d files per request", domain.ErrInvalidInput, s.cfg.BulkLimit)
	}
	return ids, nil
}

// bulkReason is the per-file failure code; empty on success
func bulkReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrFileNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrAccessDenied):
		return "access_denied"
	}
	return "error"
}
