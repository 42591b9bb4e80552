package vault

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"securevault-backend/internal/domain"
	"securevault-backend/internal/middleware"
	"securevault-backend/internal/service/vault"
	"securevault-backend/pkg/response"
)

const (
	// maxFieldBytes bounds each non-file multipart field
	maxFieldBytes = 16 << 10
	// multipartSlack covers boundaries and part headers around the file
	multipartSlack = 1 << 20
	// defaultActivityLimit is used when the limit query is absent
	defaultActivityLimit = 50
)

// Service is the part of the vault service the handler uses
type Service interface {
	Upload(ctx context.Context, owner domain.Principal, in vault.UploadInput) (*domain.FileUploadResponse, error)
	GetFile(ctx context.Context, p domain.Principal, fileID uuid.UUID) (*domain.FileRecord, error)
	List(ctx context.Context, p domain.Principal) ([]*domain.FileRecord, error)
	Download(ctx context.Context, p domain.Principal, fileID uuid.UUID) (*vault.Plaintext, error)
	VerifyIntegrity(ctx context.Context, p domain.Principal, fileID uuid.UUID) error
	UpdateAccess(ctx context.Context, p domain.Principal, fileID uuid.UUID, req domain.FileAccessUpdateRequest) (*domain.FileRecord, error)
	Delete(ctx context.Context, p domain.Principal, fileID uuid.UUID) error
	Activity(ctx context.Context, p domain.Principal, fileID uuid.UUID, limit int) ([]domain.Activity, error)
	BulkDelete(ctx context.Context, p domain.Principal, fileIDs []uuid.UUID) (*domain.BulkResult, error)
	BulkUpdate(ctx context.Context, p domain.Principal, req domain.BulkUpdateRequest) (*domain.BulkResult, error)
	Statistics(ctx context.Context, p domain.Principal, q domain.StatsQuery) (*domain.FileStatistics, error)
}

// Handler handles file HTTP requests
type Handler struct {
	vaultService   Service
	maxUploadBytes int64
}

// NewHandler creates a new file handler
func NewHandler(vaultService Service, maxUploadBytes int64) *Handler {
	return &Handler{
		vaultService:   vaultService,
		maxUploadBytes: maxUploadBytes,
	}
}

// RegisterRoutes mounts the file routes on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	files := rg.Group("/files")
	files.POST("", h.Upload)
	files.GET("", h.List)
	files.GET("/stats", h.Statistics)
	files.POST("/bulk-delete", h.BulkDelete)
	files.PATCH("/bulk", h.BulkUpdate)
	files.GET("/:file_id", h.GetFile)
	files.GET("/:file_id/download", h.Download)
	files.PUT("/:file_id/access", h.UpdateAccess)
	files.POST("/:file_id/verify", h.VerifyIntegrity)
	files.GET("/:file_id/activity", h.Activity)
	files.DELETE("/:file_id", h.Delete)
}

// Upload stores a new file from a multipart body. Metadata fields must
// precede the "file" part; the file part is streamed and never buffered.
// POST /v1/files
func (h *Handler) Upload(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartSlack)
	}
	mr, err := c.Request.MultipartReader()
	if err != nil {
		response.ValidationError(c, "multipart/form-data body required")
		return
	}

	var meta domain.FileUploadRequest
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			response.ValidationError(c, "file part is required")
			return
		}
		if err != nil {
			response.ValidationError(c, "malformed multipart body")
			return
		}

		if part.FormName() == "file" {
			in := vault.UploadInput{
				FileName:   meta.FileName,
				MimeType:   meta.MimeType,
				Visibility: meta.Visibility,
				AllowList:  meta.AllowList,
				ExpiresAt:  meta.ExpiresAt,
				Body:       part,
			}
			if in.FileName == "" {
				in.FileName = part.FileName()
			}
			if in.MimeType == "" {
				if ct := part.Header.Get("Content-Type"); ct != "application/octet-stream" {
					in.MimeType = ct
				}
			}

			resp, err := h.vaultService.Upload(c.Request.Context(), p, in)
			_ = part.Close()
			if err != nil {
				response.FromError(c, err)
				return
			}
			if resp.DuplicateOf != nil {
				c.Header("X-Duplicate-Of", resp.DuplicateOf.String())
			}
			response.Success(c, http.StatusCreated, resp)
			return
		}

		value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
		_ = part.Close()
		if err != nil {
			response.ValidationError(c, "malformed multipart body")
			return
		}
		if err := applyField(&meta, part.FormName(), strings.TrimSpace(string(value))); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}
}

func applyField(meta *domain.FileUploadRequest, name, value string) error {
	switch name {
	case "file_name":
		meta.FileName = value
	case "mime_type":
		meta.MimeType = value
	case "visibility":
		meta.Visibility = domain.Visibility(value)
	case "allow_list":
		for _, raw := range strings.Split(value, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				return errors.New("allow_list must contain user ids")
			}
			meta.AllowList = append(meta.AllowList, id)
		}
	case "expires_at":
		if value == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return errors.New("expires_at must be an RFC 3339 timestamp")
		}
		meta.ExpiresAt = &t
	}
	return nil
}

// List returns every file the caller can read
// GET /v1/files
func (h *Handler) List(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	files, err := h.vaultService.List(c.Request.Context(), p)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"files": files,
		"count": len(files),
	})
}

// GetFile returns file metadata
// GET /v1/files/:file_id
func (h *Handler) GetFile(c *gin.Context) {
	p, fileID, ok := principalAndFile(c)
	if !ok {
		return
	}

	file, err := h.vaultService.GetFile(c.Request.Context(), p, fileID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, file)
}

// Download streams decrypted content
// GET /v1/files/:file_id/download
func (h *Handler) Download(c *gin.Context) {
	p, fileID, ok := principalAndFile(c)
	if !ok {
		return
	}

	pt, err := h.vaultService.Download(c.Request.Context(), p, fileID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	defer pt.Close()

	response.Attachment(c, pt.Record.OriginalName, pt.Record.MimeType, pt.Record.CreatedAt, pt)
}

// UpdateAccess replaces visibility and allow-list
// PUT /v1/files/:file_id/access
func (h *Handler) UpdateAccess(c *gin.Context) {
	p, fileID, ok := principalAndFile(c)
	if !ok {
		return
	}

	var req domain.FileAccessUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	file, err := h.vaultService.UpdateAccess(c.Request.Context(), p, fileID, req)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, file)
}

// VerifyIntegrity recomputes the content hash
// POST /v1/files/:file_id/verify
func (h *Handler) VerifyIntegrity(c *gin.Context) {
	p, fileID, ok := principalAndFile(c)
	if !ok {
		return
	}

	if err := h.vaultService.VerifyIntegrity(c.Request.Context(), p, fileID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"file_id": fileID,
		"intact":  true,
	})
}

// Activity returns the recent trail of a file
// GET /v1/files/:file_id/activity?limit=50
func (h *Handler) Activity(c *gin.Context) {
	p, fileID, ok := principalAndFile(c)
	if !ok {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultActivityLimit)))
	if err != nil || limit < 1 || limit > 500 {
		response.ValidationError(c, "limit must be between 1 and 500")
		return
	}

	events, err := h.vaultService.Activity(c.Request.Context(), p, fileID, limit)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"events": events,
	})
}

// Delete removes a file
// DELETE /v1/files/:file_id
func (h *Handler) Delete(c *gin.Context) {
	p, fileID, ok := principalAndFile(c)
	if !ok {
		return
	}

	if err := h.vaultService.Delete(c.Request.Context(), p, fileID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "File deleted successfully",
	})
}

// BulkDelete removes many files and reports each outcome
// POST /v1/files/bulk-delete
func (h *Handler) BulkDelete(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	var req domain.BulkDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	res, err := h.vaultService.BulkDelete(c.Request.Context(), p, req.FileIDs)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// BulkUpdate changes visibility or expiry of many files
// PATCH /v1/files/bulk
func (h *Handler) BulkUpdate(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	var req domain.BulkUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	res, err := h.vaultService.BulkUpdate(c.Request.Context(), p, req)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// Statistics summarizes the caller's uploads per day or month
// GET /v1/files/stats?days=30&group_by=day&owner_id=
func (h *Handler) Statistics(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	var q domain.StatsQuery
	if raw := c.Query("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil {
			response.ValidationError(c, "days must be a number")
			return
		}
		q.Days = days
	}
	q.GroupBy = domain.StatsGrouping(c.Query("group_by"))
	if raw := c.Query("owner_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.ValidationError(c, "Invalid owner ID")
			return
		}
		q.OwnerID = id
	}

	stats, err := h.vaultService.Statistics(c.Request.Context(), p, q)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, stats)
}

func principal(c *gin.Context) (domain.Principal, bool) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		c.Abort()
	}
	return p, ok
}

func principalAndFile(c *gin.Context) (domain.Principal, uuid.UUID, bool) {
	p, ok := principal(c)
	if !ok {
		return p, uuid.Nil, false
	}
	fileID, err := uuid.Parse(c.Param("file_id"))
	if err != nil {
		response.ValidationError(c, "Invalid file ID")
		return p, uuid.Nil, false
	}
	return p, fileID, true
}
