package vault

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"securevault-backend/internal/ephemeral"
)

// CleanupExpiredFiles tombstones records past their expiry and removes their
// ciphertext. It returns the number of files removed.
func (s *Service) CleanupExpiredFiles(ctx context.Context) (int, error) {
	removed := 0
	for {
		batch, err := s.files.FindExpired(ctx, s.now(), s.cfg.CleanupBatch)
		if err != nil {
			return removed, fmt.Errorf("failed to find expired files: %w", err)
		}

		progress := 0
		for _, record := range batch {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			if err := s.files.SoftDelete(ctx, record.FileID, s.now()); err != nil {
				s.logger.Warn("Failed to expire file",
					zap.String("file_id", record.FileID.String()),
					zap.Error(err))
				continue
			}
			s.discardBlob(ctx, record.StoredName)
			progress++
		}
		removed += progress

		if len(batch) < s.cfg.CleanupBatch || progress == 0 {
			break
		}
	}

	s.metrics.RecordCleanup("expired_files", removed)
	if removed > 0 {
		s.logger.Info("Expired files removed", zap.Int("count", removed))
	}
	return removed, nil
}

// CleanupOrphanedBlobs removes blobs that no active record references.
// Blobs of uploads still in progress carry a marker and are skipped.
func (s *Service) CleanupOrphanedBlobs(ctx context.Context) (int, error) {
	names, err := s.blobs.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list blobs: %w", err)
	}

	removed := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		_, err := s.store.Get(ctx, uploadMarker(name))
		if err == nil {
			continue
		}
		if !errors.Is(err, ephemeral.ErrNotFound) {
			return removed, fmt.Errorf("failed to check upload marker: %w", err)
		}

		referenced, err := s.files.StoredNameExists(ctx, name)
		if err != nil {
			return removed, err
		}
		if referenced {
			continue
		}

		if err := s.blobs.Remove(ctx, name); err != nil {
			s.logger.Warn("Failed to remove orphaned blob", zap.String("stored_name", name), zap.Error(err))
			continue
		}
		removed++
	}

	s.metrics.RecordCleanup("orphaned_blobs", removed)
	if removed > 0 {
		s.logger.Info("Orphaned blobs removed", zap.Int("count", removed))
	}
	return removed, nil
}
