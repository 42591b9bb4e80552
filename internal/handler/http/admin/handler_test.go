package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securevault-backend/internal/domain"
	"securevault-backend/internal/middleware"
	"securevault-backend/internal/scheduler"
	"securevault-backend/pkg/audit"
	"securevault-backend/pkg/cache"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setup(t *testing.T, role domain.Role) (*gin.Engine, *audit.AuditLogger) {
	t.Helper()
	s := scheduler.New(time.Second, nil)
	require.NoError(t, s.Register("expired_files", "", func(context.Context) (int, error) { return 2, nil }))
	require.NoError(t, s.Register("broken", "", func(context.Context) (int, error) { return 0, errors.New("boom") }))

	al := audit.NewAuditLogger(cache.NewMemoryStore(0), 10, time.Hour, nil)

	r := gin.New()
	NewHandler(s, al).RegisterRoutes(r.Group("/v1", func(c *gin.Context) {
		middleware.SetPrincipal(c, domain.Principal{ID: uuid.New(), Role: role})
	}))
	return r, al
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	r, _ := setup(t, domain.RoleUser)
	assert.Equal(t, http.StatusForbidden, serve(r, http.MethodGet, "/v1/admin/jobs").Code)
	assert.Equal(t, http.StatusForbidden, serve(r, http.MethodPost, "/v1/admin/jobs/expired_files/run").Code)
}

func TestRunJob(t *testing.T) {
	r, _ := setup(t, domain.RoleAdmin)

	w := serve(r, http.MethodPost, "/v1/admin/jobs/expired_files/run")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"handled":2`)

	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodPost, "/v1/admin/jobs/nope/run").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(r, http.MethodPost, "/v1/admin/jobs/broken/run").Code)

	w = serve(r, http.MethodGet, "/v1/admin/jobs")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"last_error":"boom"`)
}

func TestGetAuditTrail(t *testing.T) {
	r, al := setup(t, domain.RoleAdmin)
	fileID := uuid.New()
	al.LogFile(context.Background(), fileID, audit.EventFileDownload, nil, audit.OutcomeSuccess, "")

	w := serve(r, http.MethodGet, "/v1/admin/audit/file/"+fileID.String())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(audit.EventFileDownload))

	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodGet, "/v1/admin/audit/user/x").Code)
}
