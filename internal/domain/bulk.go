package domain

import (
	"time"

	"github.com/google/uuid"
)

// BulkDeleteRequest names the files to remove in one call
type BulkDeleteRequest struct {
	FileIDs []uuid.UUID `json:"file_ids" binding:"required,min=1"`
}

// BulkUpdateRequest applies the same metadata change to many files.
// Nil fields are left untouched; ClearExpiry removes any expiry.
type BulkUpdateRequest struct {
	FileIDs     []uuid.UUID `json:"file_ids" binding:"required,min=1"`
	Visibility  *Visibility `json:"visibility,omitempty"`
	AllowList   []uuid.UUID `json:"allow_list,omitempty"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	ClearExpiry bool        `json:"clear_expiry,omitempty"`
}

// BulkItem is the outcome for one file of a bulk call
type BulkItem struct {
	FileID  uuid.UUID `json:"file_id"`
	Success bool      `json:"success"`
	Reason  string    `json:"reason,omitempty"`
}

// BulkResult reports a bulk call file by file
type BulkResult struct {
	Total     int        `json:"total"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Items     []BulkItem `json:"items"`
}

// Add records the outcome for one file
func (r *BulkResult) Add(id uuid.UUID, reason string) {
	r.Total++
	if reason == "" {
		r.Succeeded++
	} else {
		r.Failed++
	}
	r.Items = append(r.Items, BulkItem{FileID: id, Success: reason == "", Reason: reason})
}

// StatsGrouping is the bucket width of file statistics
type StatsGrouping string

const (
	StatsByDay   StatsGrouping = "day"
	StatsByMonth StatsGrouping = "month"
)

// Valid reports whether g is a supported grouping
func (g StatsGrouping) Valid() bool {
	return g == StatsByDay || g == StatsByMonth
}

// Truncate returns the start of the UTC bucket holding t
func (g StatsGrouping) Truncate(t time.Time) time.Time {
	t = t.UTC()
	if g == StatsByMonth {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Label formats a bucket start as YYYY-MM-DD or YYYY-MM
func (g StatsGrouping) Label(start time.Time) string {
	if g == StatsByMonth {
		return start.UTC().Format("2006-01")
	}
	return start.UTC().Format("2006-01-02")
}

// StatsQuery selects the files counted by Statistics
type StatsQuery struct {
	OwnerID uuid.UUID // zero means the caller
	Days    int
	GroupBy StatsGrouping
}

// StatsBucket aggregates the uploads of one period
type StatsBucket struct {
	Period    string    `json:"period"`
	Start     time.Time `json:"start"`
	Files     int64     `json:"files"`
	TotalSize int64     `json:"total_size"`
	MimeTypes []string  `json:"mime_types"`
}

// FileStatistics is the per-owner upload summary
type FileStatistics struct {
	OwnerID   uuid.UUID     `json:"owner_id"`
	Days      int           `json:"days"`
	GroupBy   StatsGrouping `json:"group_by"`
	Since     time.Time     `json:"since"`
	Buckets   []StatsBucket `json:"buckets"`
	Files     int64         `json:"files"`
	TotalSize int64         `json:"total_size"`
	AvgSize   float64       `json:"avg_size"`
}
