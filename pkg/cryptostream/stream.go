// Package cryptostream implements the per-file encryption container.
//
// A container is laid out as IV || ciphertext || tag. The body is AES-256-CTR
// and the tag is HMAC-SHA256 over IV, ciphertext and the ciphertext length
// (encrypt-then-MAC). Both sub-keys are derived from the file key with HKDF.
// Containers are always exactly plaintext size + Overhead bytes.
package cryptostream

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of a per-file key
	KeySize = 32
	// IVSize is the length of the container prefix
	IVSize = 16
	// TagSize is the length of the container suffix
	TagSize = 32
	// Overhead is the number of bytes a container adds to its plaintext
	Overhead = IVSize + TagSize

	chunkSize = 64 * 1024
)

var subkeyInfo = []byte("securevault/container/v1")

// Key is a per-file symmetric key. Keys are never shared between files.
type Key []byte

// Sealed describes a container produced by Encrypt
type Sealed struct {
	IV            []byte
	Tag           []byte
	BytesWritten  int64  // container bytes, including IV and tag
	PlaintextSize int64  // bytes read from the source
	ContentHash   string // hex SHA-256 of the plaintext
}

// Source is a random-access ciphertext container
type Source interface {
	io.ReaderAt
	Size() int64
}

// Sink is a container under construction. Commit makes it visible,
// Abort discards whatever was written.
type Sink interface {
	io.Writer
	Commit() error
	Abort() error
}

// GenerateKey returns a fresh random key
func GenerateKey() (Key, error) {
	key := make(Key, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, newError(KeyGenerationFailure, "generate key", err)
	}
	return key, nil
}

// ContainerSize returns the container length for a plaintext of n bytes
func ContainerSize(n int64) int64 {
	return n + Overhead
}

// Encrypt streams src through the cipher into dst in a single pass, hashing
// the plaintext along the way. dst receives the IV first and the tag last.
// Encrypt does not clean up dst on failure; use EncryptTo for that.
func Encrypt(ctx context.Context, src io.Reader, dst io.Writer, key Key) (*Sealed, error) {
	const op = "encrypt"

	block, macKey, err := newCipher(key)
	if err != nil {
		return nil, newError(EncryptionCipherFailure, op, err)
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, newError(EncryptionCipherFailure, op, fmt.Errorf("generate iv: %w", err))
	}

	stream := cipher.NewCTR(block, iv)
	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	digest := sha256.New()

	if _, err := dst.Write(iv); err != nil {
		return nil, newError(EncryptionIOFailure, op, fmt.Errorf("write iv: %w", err))
	}

	var plainSize int64
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, newError(EncryptionIOFailure, op, err)
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			digest.Write(chunk)
			stream.XORKeyStream(chunk, chunk)
			mac.Write(chunk)
			if _, err := dst.Write(chunk); err != nil {
				return nil, newError(EncryptionIOFailure, op, fmt.Errorf("write body: %w", err))
			}
			plainSize += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, newError(EncryptionIOFailure, op, fmt.Errorf("read source: %w", rerr))
		}
	}

	tag := sumTag(mac, plainSize)
	if _, err := dst.Write(tag); err != nil {
		return nil, newError(EncryptionIOFailure, op, fmt.Errorf("write tag: %w", err))
	}

	return &Sealed{
		IV:            iv,
		Tag:           tag,
		BytesWritten:  ContainerSize(plainSize),
		PlaintextSize: plainSize,
		ContentHash:   hex.EncodeToString(digest.Sum(nil)),
	}, nil
}

// EncryptTo encrypts into sink and commits it. On any failure the sink is
// aborted before the error is returned, so no partial container survives.
func EncryptTo(ctx context.Context, src io.Reader, sink Sink, key Key) (*Sealed, error) {
	sealed, err := Encrypt(ctx, src, sink, key)
	if err != nil {
		_ = sink.Abort()
		return nil, err
	}
	if err := sink.Commit(); err != nil {
		_ = sink.Abort()
		return nil, newError(EncryptionIOFailure, "commit", err)
	}
	return sealed, nil
}

// Decrypt verifies the container tag and only then streams plaintext to dst.
// The body is read twice: once to authenticate, once to decrypt. The second
// pass re-authenticates, so a container modified in between still fails with
// DecryptionTamperDetected; bytes already written to dst are untrusted then.
// A key that cannot build the cipher fails with EncryptionCipherFailure.
func Decrypt(ctx context.Context, src Source, dst io.Writer, key Key) (int64, error) {
	const op = "decrypt"

	size := src.Size()
	if size < Overhead {
		return 0, newError(DecryptionTamperDetected, op,
			fmt.Errorf("container is %d bytes, minimum is %d", size, Overhead))
	}

	block, macKey, err := newCipher(key)
	if err != nil {
		return 0, newError(EncryptionCipherFailure, op, err)
	}

	iv, tag, err := readFrame(src, size)
	if err != nil {
		return 0, newError(DecryptionIOFailure, op, err)
	}
	bodyLen := size - Overhead

	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	err = eachChunk(ctx, io.NewSectionReader(src, IVSize, bodyLen), func(p []byte) error {
		mac.Write(p)
		return nil
	})
	if err != nil {
		return 0, newError(DecryptionIOFailure, op, err)
	}
	if !hmac.Equal(sumTag(mac, bodyLen), tag) {
		return 0, newError(DecryptionTamperDetected, op, fmt.Errorf("authentication tag mismatch"))
	}

	mac.Reset()
	mac.Write(iv)
	stream := cipher.NewCTR(block, iv)

	var written int64
	err = eachChunk(ctx, io.NewSectionReader(src, IVSize, bodyLen), func(p []byte) error {
		mac.Write(p)
		stream.XORKeyStream(p, p)
		n, err := dst.Write(p)
		written += int64(n)
		return err
	})
	if err != nil {
		return written, newError(DecryptionIOFailure, op, err)
	}
	if !hmac.Equal(sumTag(mac, bodyLen), tag) {
		return written, newError(DecryptionTamperDetected, op, fmt.Errorf("container changed during decryption"))
	}

	return written, nil
}

// Inspect returns the IV and tag of a container without authenticating it
func Inspect(src Source) (iv, tag []byte, err error) {
	size := src.Size()
	if size < Overhead {
		return nil, nil, newError(DecryptionTamperDetected, "inspect",
			fmt.Errorf("container is %d bytes, minimum is %d", size, Overhead))
	}
	iv, tag, err = readFrame(src, size)
	if err != nil {
		return nil, nil, newError(DecryptionIOFailure, "inspect", err)
	}
	return iv, tag, nil
}

// Hash returns the hex SHA-256 of src using constant memory
func Hash(ctx context.Context, src io.Reader) (string, error) {
	digest := sha256.New()
	err := eachChunk(ctx, src, func(p []byte) error {
		digest.Write(p)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

func newCipher(key Key) (cipher.Block, []byte, error) {
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}

	material := make([]byte, 2*KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, subkeyInfo), material); err != nil {
		return nil, nil, fmt.Errorf("derive subkeys: %w", err)
	}

	block, err := aes.NewCipher(material[:KeySize])
	if err != nil {
		return nil, nil, fmt.Errorf("create block cipher: %w", err)
	}
	return block, material[KeySize:], nil
}

func sumTag(mac hash.Hash, bodyLen int64) []byte {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(bodyLen))
	mac.Write(length[:])
	return mac.Sum(nil)
}

func readFrame(src io.ReaderAt, size int64) ([]byte, []byte, error) {
	iv := make([]byte, IVSize)
	if _, err := src.ReadAt(iv, 0); err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("read iv: %w", err)
	}
	tag := make([]byte, TagSize)
	if n, err := src.ReadAt(tag, size-TagSize); n != TagSize {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, fmt.Errorf("read tag: %w", err)
	}
	return iv, tag, nil
}

func eachChunk(ctx context.Context, r io.Reader, fn func([]byte) error) error {
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := fn(buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
