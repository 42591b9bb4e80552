package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"securevault-backend/pkg/cryptostream"
)

// LocalStore keeps blobs as files in a single directory
type LocalStore struct {
	root   string
	logger *zap.Logger
}

// NewLocalStore creates root if needed
func NewLocalStore(root string, logger *zap.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalStore{root: root, logger: logger}, nil
}

// Create writes into a hidden temp file that is renamed into place on Commit
func (s *LocalStore) Create(ctx context.Context, name string) (cryptostream.Sink, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(s.root, "."+name+".*.partial")
	if err != nil {
		return nil, fmt.Errorf("failed to create blob: %w", err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to create blob: %w", err)
	}
	return &localSink{File: f, final: filepath.Join(s.root, name)}, nil
}

// Open returns the committed file
func (s *LocalStore) Open(ctx context.Context, name string) (Object, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.root, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	return &localObject{File: f, size: info.Size()}, nil
}

func (s *LocalStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.root, name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
}

func (s *LocalStore) Remove(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.root, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	s.logger.Debug("Blob removed", zap.String("name", name))
	return nil
}

// List returns committed blob names; in-progress temp files are skipped
func (s *LocalStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

type localSink struct {
	*os.File
	final string
	done  bool
}

func (w *localSink) Commit() error {
	if w.done {
		return errors.New("blob already finalized")
	}
	w.done = true
	if err := w.File.Sync(); err != nil {
		w.discard()
		return fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := w.File.Close(); err != nil {
		os.Remove(w.File.Name())
		return fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(w.File.Name(), w.final); err != nil {
		os.Remove(w.File.Name())
		return fmt.Errorf("failed to commit blob: %w", err)
	}
	return nil
}

func (w *localSink) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.discard()
}

func (w *localSink) discard() error {
	w.File.Close()
	if err := os.Remove(w.File.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to discard blob: %w", err)
	}
	return nil
}

type localObject struct {
	*os.File
	size int64
}

func (o *localObject) Size() int64 { return o.size }
