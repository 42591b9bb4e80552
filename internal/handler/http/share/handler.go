package share

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"securevault-backend/internal/domain"
	"securevault-backend/internal/middleware"
	"securevault-backend/internal/service/share"
	"securevault-backend/internal/service/vault"
	"securevault-backend/pkg/response"
)

// Credential headers keep passwords out of URLs and access logs
const (
	headerPassword = "X-Share-Password"
	headerEmail    = "X-Share-Email"
)

// Service is the part of the share service the handler uses
type Service interface {
	Issue(ctx context.Context, issuer domain.Principal, fileID uuid.UUID, c domain.ShareConstraints) (*domain.ShareIssued, error)
	Validate(ctx context.Context, req domain.ShareAccessRequest) (*share.Result, error)
	Revoke(ctx context.Context, actor domain.Principal, linkID string) error
	Stats(ctx context.Context, requester domain.Principal, linkID string) (*domain.ShareLinkStats, error)
	ListIssued(ctx context.Context, p domain.Principal) ([]*domain.ShareLinkStats, error)
}

// Downloader serves file content through a link
type Downloader interface {
	DownloadShared(ctx context.Context, req domain.ShareAccessRequest) (*vault.Plaintext, error)
}

// Handler handles share link HTTP requests
type Handler struct {
	shareService Service
	downloader   Downloader
}

// NewHandler creates a new share handler
func NewHandler(shareService Service, downloader Downloader) *Handler {
	return &Handler{
		shareService: shareService,
		downloader:   downloader,
	}
}

// RegisterRoutes mounts the link management routes on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/files/:file_id/shares", h.Issue)
	rg.GET("/shares", h.ListIssued)
	rg.GET("/shares/:link_id", h.Stats)
	rg.DELETE("/shares/:link_id", h.Revoke)
}

// RegisterPublicRoutes mounts the unauthenticated link routes
func (h *Handler) RegisterPublicRoutes(rg *gin.RouterGroup) {
	rg.GET("/:link_id/:token", h.Inspect)
	rg.GET("/:link_id/:token/download", h.Download)
	rg.POST("/:link_id/:token/download", h.Download)
}

// Issue creates a share link. The token in the response is shown once.
// POST /v1/files/:file_id/shares
func (h *Handler) Issue(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	fileID, err := uuid.Parse(c.Param("file_id"))
	if err != nil {
		response.ValidationError(c, "Invalid file ID")
		return
	}

	var req domain.ShareConstraints
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	issued, err := h.shareService.Issue(c.Request.Context(), p, fileID, req)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, issued)
}

// ListIssued returns the links the caller issued
// GET /v1/shares
func (h *Handler) ListIssued(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	links, err := h.shareService.ListIssued(c.Request.Context(), p)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"links": links,
		"count": len(links),
	})
}

// Stats returns the state and recent activity of a link
// GET /v1/shares/:link_id
func (h *Handler) Stats(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	stats, err := h.shareService.Stats(c.Request.Context(), p, c.Param("link_id"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, stats)
}

// Revoke deactivates a link
// DELETE /v1/shares/:link_id
func (h *Handler) Revoke(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	if err := h.shareService.Revoke(c.Request.Context(), p, c.Param("link_id")); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Share link revoked",
	})
}

// AccessInfo is what a link holder learns before downloading
type AccessInfo struct {
	FileName           string    `json:"file_name"`
	Size               int64     `json:"size"`
	MimeType           string    `json:"mime_type"`
	ExpiresAt          time.Time `json:"expires_at"`
	RemainingDownloads int64     `json:"remaining_downloads"`
	Description        string    `json:"description,omitempty"`
}

// Inspect validates a link without consuming a download
// GET /share/:link_id/:token
func (h *Handler) Inspect(c *gin.Context) {
	req := accessRequest(c)

	res, err := h.shareService.Validate(c.Request.Context(), req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if !res.Valid {
		response.FromError(c, &domain.ShareDeniedError{Reason: res.Reason})
		return
	}

	response.Success(c, http.StatusOK, AccessInfo{
		FileName:           res.File.OriginalName,
		Size:               res.File.Size,
		MimeType:           res.File.MimeType,
		ExpiresAt:          res.Link.ExpiresAt,
		RemainingDownloads: res.Link.MaxDownloads - res.Link.DownloadCount,
		Description:        res.Link.Description,
	})
}

// Download consumes one download slot and streams the file. Credentials come
// from the X-Share-* headers or, on POST, a JSON or form body.
// GET|POST /share/:link_id/:token/download
func (h *Handler) Download(c *gin.Context) {
	req := accessRequest(c)
	if c.Request.Method == http.MethodPost && c.Request.ContentLength != 0 {
		var body domain.ShareAccessRequest
		if err := c.ShouldBind(&body); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
		if body.Email != "" {
			req.Email = body.Email
		}
		if body.Password != "" {
			req.Password = body.Password
		}
	}

	pt, err := h.downloader.DownloadShared(c.Request.Context(), req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	defer pt.Close()

	response.Attachment(c, pt.Record.OriginalName, pt.Record.MimeType, pt.Record.CreatedAt, pt)
}

func accessRequest(c *gin.Context) domain.ShareAccessRequest {
	return domain.ShareAccessRequest{
		LinkID:   c.Param("link_id"),
		Token:    c.Param("token"),
		Email:    c.GetHeader(headerEmail),
		Password: c.GetHeader(headerPassword),
	}
}
