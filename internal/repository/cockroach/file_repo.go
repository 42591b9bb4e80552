package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"securevault-backend/internal/domain"
)

// DBTX is the subset of pgx shared by *pgxpool.Pool, *pgx.Conn and pgx.Tx
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// FileRepository handles file record persistence
type FileRepository struct {
	db DBTX
}

// NewFileRepository creates a new file repository
func NewFileRepository(db DBTX) *FileRepository {
	return &FileRepository{db: db}
}

const fileColumns = `
	file_id, original_name, stored_name, size, mime_type, content_hash,
	encrypted, encryption_key, key_wrapped, iv, auth_tag,
	owner_id, visibility, allow_list,
	download_count, last_downloaded_at, expires_at, active, deleted_at,
	created_at, updated_at`

// Create inserts a new active file record
func (r *FileRepository) Create(ctx context.Context, file *domain.FileRecord) error {
	if !file.EncryptionConsistent() {
		return fmt.Errorf("failed to create file: %w: encryption metadata mismatch", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO files (` + fileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21)
	`

	_, err := r.db.Exec(ctx, query,
		file.FileID,
		file.OriginalName,
		file.StoredName,
		file.Size,
		file.MimeType,
		file.ContentHash,
		file.Encrypted,
		nullBytes(file.EncryptionKey),
		file.KeyWrapped,
		nullBytes(file.IV),
		nullBytes(file.AuthTag),
		file.OwnerID,
		string(file.Visibility),
		uuidStrings(file.AllowList),
		file.DownloadCount,
		file.LastDownloadedAt,
		file.ExpiresAt,
		file.Active,
		file.DeletedAt,
		file.CreatedAt,
		file.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	return nil
}

// GetByID retrieves an active file record. Inactive records are reported as
// not found.
func (r *FileRepository) GetByID(ctx context.Context, fileID uuid.UUID) (*domain.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE file_id = $1 AND active`

	file, err := scanFile(r.db.QueryRow(ctx, query, fileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}

	return file, nil
}

// FindAccessible lists the active records the filter's principal may read
func (r *FileRepository) FindAccessible(ctx context.Context, filter domain.AccessFilter) ([]*domain.FileRecord, error) {
	query := `
		SELECT ` + fileColumns + `
		FROM files
		WHERE active
		  AND ($1 OR owner_id = $2 OR visibility = 'public'
		       OR (visibility = 'restricted' AND $2 = ANY(allow_list)))
		  AND (cardinality($3::UUID[]) = 0 OR file_id = ANY($3::UUID[]))
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query,
		filter.Role == domain.RoleAdmin,
		filter.PrincipalID,
		uuidStrings(filter.FileIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find accessible files: %w", err)
	}
	return collectFiles(rows)
}

// FindByHash returns an active record of owner with the given content hash
func (r *FileRepository) FindByHash(ctx context.Context, ownerID uuid.UUID, contentHash string) (*domain.FileRecord, error) {
	query := `
		SELECT ` + fileColumns + `
		FROM files
		WHERE owner_id = $1 AND content_hash = $2 AND active
		ORDER BY created_at ASC
		LIMIT 1
	`

	file, err := scanFile(r.db.QueryRow(ctx, query, ownerID, contentHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to find file by hash: %w", err)
	}
	return file, nil
}

// IncrementDownloadCount bumps the counter of an active record atomically
func (r *FileRepository) IncrementDownloadCount(ctx context.Context, fileID uuid.UUID, at time.Time) error {
	query := `
		UPDATE files
		SET download_count = download_count + 1, last_downloaded_at = $2, updated_at = $2
		WHERE file_id = $1 AND active
	`

	tag, err := r.db.Exec(ctx, query, fileID, at)
	if err != nil {
		return fmt.Errorf("failed to increment download count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrFileNotFound
	}
	return nil
}

// SoftDelete marks the record inactive, leaving a tombstone
func (r *FileRepository) SoftDelete(ctx context.Context, fileID uuid.UUID, at time.Time) error {
	query := `
		UPDATE files
		SET active = FALSE, deleted_at = $2, updated_at = $2
		WHERE file_id = $1 AND active
	`

	tag, err := r.db.Exec(ctx, query, fileID, at)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrFileNotFound
	}
	return nil
}

// UpdateAccess replaces visibility and allow-list of an active record
func (r *FileRepository) UpdateAccess(ctx context.Context, fileID uuid.UUID, visibility domain.Visibility, allowList []uuid.UUID, at time.Time) error {
	query := `
		UPDATE files
		SET visibility = $2, allow_list = $3, updated_at = $4
		WHERE file_id = $1 AND active
	`

	tag, err := r.db.Exec(ctx, query, fileID, string(visibility), uuidStrings(allowList), at)
	if err != nil {
		return fmt.Errorf("failed to update file access: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrFileNotFound
	}
	return nil
}

// UpdateExpiry sets or, with a nil expiresAt, clears the expiry of an active record
func (r *FileRepository) UpdateExpiry(ctx context.Context, fileID uuid.UUID, expiresAt *time.Time, at time.Time) error {
	query := `
		UPDATE files
		SET expires_at = $2, updated_at = $3
		WHERE file_id = $1 AND active
	`

	tag, err := r.db.Exec(ctx, query, fileID, expiresAt, at)
	if err != nil {
		return fmt.Errorf("failed to update file expiry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrFileNotFound
	}
	return nil
}

// Statistics groups the active records of owner created since the given
// time into UTC day or month buckets, oldest first
func (r *FileRepository) Statistics(ctx context.Context, ownerID uuid.UUID, since time.Time, groupBy domain.StatsGrouping) ([]domain.StatsBucket, error) {
	if !groupBy.Valid() {
		return nil, fmt.Errorf("%w: unknown grouping %q", domain.ErrInvalidInput, groupBy)
	}

	query := `
		SELECT date_trunc($3, created_at AT TIME ZONE 'UTC') AS period,
		       count(*),
		       COALESCE(sum(size), 0)::INT8,
		       array_agg(DISTINCT mime_type)
		FROM files
		WHERE owner_id = $1 AND active AND created_at >= $2
		GROUP BY period
		ORDER BY period ASC
	`

	rows, err := r.db.Query(ctx, query, ownerID, since, string(groupBy))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate files: %w", err)
	}
	defer rows.Close()

	var buckets []domain.StatsBucket
	for rows.Next() {
		var b domain.StatsBucket
		if err := rows.Scan(&b.Start, &b.Files, &b.TotalSize, &b.MimeTypes); err != nil {
			return nil, fmt.Errorf("failed to scan statistics: %w", err)
		}
		b.Start = time.Date(b.Start.Year(), b.Start.Month(), b.Start.Day(), 0, 0, 0, 0, time.UTC)
		b.Period = groupBy.Label(b.Start)
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate statistics: %w", err)
	}
	return buckets, nil
}

// FindExpired returns active records whose expiry is at or before now
func (r *FileRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.FileRecord, error) {
	query := `
		SELECT ` + fileColumns + `
		FROM files
		WHERE active AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired files: %w", err)
	}
	return collectFiles(rows)
}

// StoredNameExists reports whether an active record references the blob
func (r *FileRepository) StoredNameExists(ctx context.Context, storedName string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM files WHERE stored_name = $1 AND active)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, storedName).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check stored name: %w", err)
	}
	return exists, nil
}

func scanFile(row pgx.Row) (*domain.FileRecord, error) {
	file := &domain.FileRecord{}
	var visibility string
	var allowList []string

	err := row.Scan(
		&file.FileID,
		&file.OriginalName,
		&file.StoredName,
		&file.Size,
		&file.MimeType,
		&file.ContentHash,
		&file.Encrypted,
		&file.EncryptionKey,
		&file.KeyWrapped,
		&file.IV,
		&file.AuthTag,
		&file.OwnerID,
		&visibility,
		&allowList,
		&file.DownloadCount,
		&file.LastDownloadedAt,
		&file.ExpiresAt,
		&file.Active,
		&file.DeletedAt,
		&file.CreatedAt,
		&file.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	file.Visibility = domain.Visibility(visibility)
	if file.AllowList, err = parseUUIDs(allowList); err != nil {
		return nil, fmt.Errorf("invalid allow list for file %s: %w", file.FileID, err)
	}
	return file, nil
}

func collectFiles(rows pgx.Rows) ([]*domain.FileRecord, error) {
	defer rows.Close()

	var files []*domain.FileRecord
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate files: %w", err)
	}
	return files, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]uuid.UUID, len(raw))
	for i, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
