package domain

import (
	"time"

	"github.com/google/uuid"
)

// Visibility is the coarse access class of a file
type Visibility string

const (
	VisibilityPrivate    Visibility = "private"
	VisibilityPublic     Visibility = "public"
	VisibilityRestricted Visibility = "restricted"
)

// Valid reports whether v is one of the known visibility levels
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityPublic, VisibilityRestricted:
		return true
	}
	return false
}

// FileRecord represents one stored object.
// Content lives encrypted in the blob store under StoredName.
// Maps to the files table.
type FileRecord struct {
	FileID       uuid.UUID `json:"file_id" db:"file_id"`
	OriginalName string    `json:"original_name" db:"original_name"`
	StoredName   string    `json:"-" db:"stored_name"` // blob key, internal
	Size         int64     `json:"size" db:"size"`     // plaintext bytes
	MimeType     string    `json:"mime_type" db:"mime_type"`
	ContentHash  string    `json:"content_hash" db:"content_hash"` // hex SHA-256 of plaintext

	// Encryption metadata, present iff Encrypted
	Encrypted     bool   `json:"encrypted" db:"encrypted"`
	EncryptionKey []byte `json:"-" db:"encryption_key"`
	KeyWrapped    bool   `json:"-" db:"key_wrapped"` // EncryptionKey is sealed by the master key
	IV            []byte `json:"-" db:"iv"`
	AuthTag       []byte `json:"-" db:"auth_tag"`

	OwnerID    uuid.UUID   `json:"owner_id" db:"owner_id"`
	Visibility Visibility  `json:"visibility" db:"visibility"`
	AllowList  []uuid.UUID `json:"allow_list,omitempty" db:"allow_list"` // only meaningful when restricted

	DownloadCount    int64      `json:"download_count" db:"download_count"`
	LastDownloadedAt *time.Time `json:"last_downloaded_at,omitempty" db:"last_downloaded_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	Active           bool       `json:"-" db:"active"`
	DeletedAt        *time.Time `json:"-" db:"deleted_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// EncryptionConsistent reports whether the encryption metadata is present
// exactly when the record claims to be encrypted
func (f *FileRecord) EncryptionConsistent() bool {
	hasMeta := len(f.EncryptionKey) > 0 && len(f.IV) > 0 && len(f.AuthTag) > 0
	noMeta := len(f.EncryptionKey) == 0 && len(f.IV) == 0 && len(f.AuthTag) == 0
	if f.Encrypted {
		return hasMeta
	}
	return noMeta
}

// Expired reports whether the record has an expiry at or before now
func (f *FileRecord) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && !now.Before(*f.ExpiresAt)
}

// Allows reports whether id is on the allow-list
func (f *FileRecord) Allows(id uuid.UUID) bool {
	for _, allowed := range f.AllowList {
		if allowed == id {
			return true
		}
	}
	return false
}

// FileUploadRequest carries the metadata that accompanies an upload body
type FileUploadRequest struct {
	FileName   string      `form:"file_name"`
	MimeType   string      `form:"mime_type"`
	Visibility Visibility  `form:"visibility"`
	AllowList  []uuid.UUID `form:"allow_list"`
	ExpiresAt  *time.Time  `form:"expires_at"`
}

// FileAccessUpdateRequest changes who can read a file
type FileAccessUpdateRequest struct {
	Visibility Visibility  `json:"visibility" binding:"required,oneof=private public restricted"`
	AllowList  []uuid.UUID `json:"allow_list"`
}

// FileUploadResponse is returned after a successful upload
type FileUploadResponse struct {
	File        *FileRecord `json:"file"`
	DuplicateOf *uuid.UUID  `json:"duplicate_of,omitempty"` // same owner already holds identical content
}
