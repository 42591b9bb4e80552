package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"securevault-backend/internal/domain"
	"securevault-backend/pkg/constants"
)

// Plaintext is decrypted content held in a private temporary file.
// Close removes the file.
type Plaintext struct {
	*os.File
	Record *domain.FileRecord
	Size   int64
}

// Close closes and removes the temporary file
func (p *Plaintext) Close() error {
	closeErr := p.File.Close()
	if err := os.Remove(p.File.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if errors.Is(closeErr, os.ErrClosed) {
		return nil
	}
	return closeErr
}

// spool decrypts record into a new 0600 temporary file. The file is removed
// on every failure path, including cancellation.
func (s *Service) spool(ctx context.Context, record *domain.FileRecord) (*Plaintext, error) {
	f, err := os.CreateTemp(s.cfg.TempDir, constants.TempPlaintextPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create plaintext spool: %w", err)
	}
	pt := &Plaintext{File: f, Record: record}

	n, err := s.DecryptTo(ctx, record, f)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = pt.Close()
		return nil, err
	}
	pt.Size = n
	return pt, nil
}
