// Package constants defines service-wide timeouts, intervals and limits.
package constants

import "time"

// Time-related constants
const (
	// GracefulShutdownTimeout bounds draining of in-flight requests and jobs
	GracefulShutdownTimeout = 30 * time.Second

	// ReadHeaderTimeout bounds slow clients sending request headers
	ReadHeaderTimeout = 10 * time.Second

	// StoreHealthCheckInterval is the interval between Redis health checks
	StoreHealthCheckInterval = 10 * time.Second

	// DBStatsInterval is the interval between pool gauge updates
	DBStatsInterval = 15 * time.Second

	// JobTimeout bounds a single run of a maintenance job
	JobTimeout = 10 * time.Minute

	// UploadMarkerTTL outlives the slowest expected upload
	UploadMarkerTTL = 2 * time.Hour

	// MemoryStoreCleanupInterval is how often the in-memory store sweeps expired keys
	MemoryStoreCleanupInterval = time.Minute
)

// Limits
const (
	// CleanupBatch is the number of expired records handled per query
	CleanupBatch = 200
	// BulkLimit caps the files named by one bulk delete or update
	BulkLimit = 500

	// MemoryStoreMaxEntries caps the in-memory ephemeral store
	MemoryStoreMaxEntries = 100000

	// MemoryFallbackMaxEntries caps the process-local rate counters
	MemoryFallbackMaxEntries = 10000
)

// Maintenance job names
const (
	JobExpiredFiles  = "expired_files"
	JobOrphanedBlobs = "orphaned_blobs"
	JobStaleArchives = "stale_archives"
)

// Temporary file patterns under the storage temp dir
const (
	TempPlaintextPattern    = "vault-*.plain"
	TempS3UploadPattern     = "s3-upload-*"
	TempArchivePattern      = "bundle-*.zip"
	TempArchiveEntryPattern = "entry-*.part"
)

// TempFilePatterns lists every pattern the stale file sweep removes
var TempFilePatterns = []string{
	TempArchivePattern,
	TempArchiveEntryPattern,
	TempPlaintextPattern,
	TempS3UploadPattern,
}
