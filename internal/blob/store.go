// Package blob stores ciphertext containers by stored name.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"securevault-backend/pkg/cryptostream"
)

var (
	// ErrNotExist is returned by Open when no committed blob has the name
	ErrNotExist = errors.New("blob does not exist")
	// ErrInvalidName rejects names that could escape the store namespace
	ErrInvalidName = errors.New("invalid blob name")
)

// Object is a committed blob opened for random-access reads
type Object interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// Store is a flat namespace of immutable blobs. A blob becomes visible only
// when its Sink is committed; an aborted Sink leaves nothing behind.
type Store interface {
	Create(ctx context.Context, name string) (cryptostream.Sink, error)
	Open(ctx context.Context, name string) (Object, error)
	Exists(ctx context.Context, name string) (bool, error)
	// Remove deletes the blob. Removing a missing blob is not an error.
	Remove(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

func validateName(name string) error {
	if name == "" || len(name) > 255 ||
		strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
