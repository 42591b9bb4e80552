package archive

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"securevault-backend/internal/domain"
	"securevault-backend/internal/middleware"
	"securevault-backend/internal/service/archive"
	"securevault-backend/pkg/response"
)

// Service is the part of the archive service the handler uses
type Service interface {
	CreateBulkArchive(ctx context.Context, requester domain.Principal, fileIDs []uuid.UUID, opts archive.Options) (*archive.Result, error)
	Open(ctx context.Context, requester domain.Principal, handle string) (*archive.Download, error)
}

// Handler handles bulk archive HTTP requests
type Handler struct {
	archiveService Service
}

// NewHandler creates a new archive handler
func NewHandler(archiveService Service) *Handler {
	return &Handler{
		archiveService: archiveService,
	}
}

// RegisterRoutes mounts the archive routes on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/archives", h.Create)
	rg.GET("/archives/:handle", h.Download)
}

// CreateRequest lists the files to bundle
type CreateRequest struct {
	FileIDs []uuid.UUID `json:"file_ids" binding:"required,min=1"`
	Name    string      `json:"name" binding:"max=200"`
}

// Create builds an archive and returns a one-time download handle
// POST /v1/archives
func (h *Handler) Create(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	res, err := h.archiveService.CreateBulkArchive(c.Request.Context(), p, req.FileIDs, archive.Options{Name: req.Name})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, res)
}

// Download streams an archive once; the handle is gone afterwards
// GET /v1/archives/:handle
func (h *Handler) Download(c *gin.Context) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	dl, err := h.archiveService.Open(c.Request.Context(), p, c.Param("handle"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	defer dl.Close()

	response.Attachment(c, dl.Name, "application/zip", time.Time{}, dl)
}
