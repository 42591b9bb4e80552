package middleware

import (
	"context"
	"encoding/json"
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
	"securevault-backend/pkg/cache"
	"securevault-backend/pkg/jwt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type errorBody struct {
	Success bool `json:"success"`
	Error   struct {
		Code string `json:"code"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	return body.Error.Code
}

func whoAmI(c *gin.Context) {
	p, ok := GetPrincipal(c)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.String(http.StatusOK, p.ID.String())
}

func TestAuthMiddleware(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret", "idp", "vault")
	store := cache.NewMemoryStore(0)
	checker := NewStoreRevocationChecker(store)

	r := gin.New()
	r.GET("/me", AuthMiddleware(manager, checker), whoAmI)

	p := domain.Principal{ID: uuid.New(), Role: domain.RoleUser}
	token, err := manager.GenerateToken(p, time.Minute)
	require.NoError(t, err)

	do := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do("Bearer " + token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, p.ID.String(), w.Body.String())

	w = do("")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeError(t, w))

	w = do("Basic abc")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do("Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", decodeError(t, w))

	expired, err := manager.GenerateToken(p, -time.Minute)
	require.NoError(t, err)
	w = do("Bearer " + expired)
	assert.Equal(t, "EXPIRED_TOKEN", decodeError(t, w))

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	require.NoError(t, checker.Revoke(context.Background(), claims.ID, time.Minute))
	w = do("Bearer " + token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

type failingChecker struct{}

func (failingChecker) IsTokenRevoked(context.Context, string) (bool, error) {
	return false, errors.New("store down")
}

func TestAuthMiddleware_RevocationFailsOpen(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret", "", "")
	r := gin.New()
	r.GET("/me", AuthMiddleware(manager, failingChecker{}), whoAmI)

	token, err := manager.GenerateToken(domain.Principal{ID: uuid.New()}, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAdmin(t *testing.T) {
	for _, tc := range []struct {
		role domain.Role
		want int
	}{
		{domain.RoleAdmin, http.StatusOK},
		{domain.RoleUser, http.StatusForbidden},
	} {
		r := gin.New()
		r.GET("/admin", func(c *gin.Context) {
			SetPrincipal(c, domain.Principal{ID: uuid.New(), Role: tc.role})
		}, RequireAdmin(), func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
		assert.Equal(t, tc.want, w.Code, tc.role)
	}
}

type brokenStore struct {
	*cache.MemoryStore
}

func (brokenStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter("share", cache.NewMemoryStore(0), nil, nil, 2, time.Minute)
	r := gin.New()
	r.GET("/s", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/s", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		if i == 2 {
			assert.Equal(t, "RATE_LIMIT_EXCEEDED", decodeError(t, w))
			assert.Equal(t, "60", w.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	// another client has its own window
	req := httptest.NewRequest(http.MethodGet, "/s", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_FallbackWhenDegraded(t *testing.T) {
	fallback := cache.NewMemoryStore(0)
	degraded := true
	rl := NewRateLimiter("api", brokenStore{cache.NewMemoryStore(0)}, fallback, func() bool { return degraded }, 1, time.Minute)
	r := gin.New()
	r.GET("/s", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	serve := func() int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/s", nil))
		return w.Code
	}
	assert.Equal(t, http.StatusOK, serve())
	assert.Equal(t, http.StatusTooManyRequests, serve())

	// the primary failing outside degraded mode still counts locally
	degraded = false
	assert.Equal(t, http.StatusTooManyRequests, serve())
}

func TestRateLimiter_FailsOpenWithoutFallback(t *testing.T) {
	rl := NewRateLimiter("api", brokenStore{cache.NewMemoryStore(0)}, nil, nil, 1, time.Minute)
	r := gin.New()
	r.GET("/s", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/s", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	tm := NewTimeoutMiddleware(&TimeoutConfig{
		DefaultTimeout: 20 * time.Millisecond,
		ExemptRoutes:   []string{"/stream/:id"},
	})
	r := gin.New()
	r.Use(tm.Middleware())
	slow := func(c *gin.Context) {
		select {
		case <-c.Request.Context().Done():
		case <-time.After(time.Second):
			c.Status(http.StatusOK)
		}
	}
	r.GET("/slow", slow)
	r.GET("/stream/:id", func(c *gin.Context) {
		_, hasDeadline := c.Request.Context().Deadline()
		assert.False(t, hasDeadline)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slow", nil))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "REQUEST_TIMEOUT", decodeError(t, w))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream/42", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

type fakePool struct {
	acquired, idle, max int32
}

func (p *fakePool) Usage() (int32, int32, int32) {
	return p.acquired, p.idle, p.max
}

func TestDBPoolLimiter(t *testing.T) {
	pool := &fakePool{acquired: 2, idle: 8, max: 10}
	limiter := NewDBPoolLimiter(pool, nil)
	r := gin.New()
	r.GET("/files", limiter.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/files", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	pool.acquired = 8
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/files", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.InDelta(t, 0.8, limiter.Usage(), 0.001)
}

func TestCORSMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware([]string{"https://app.example.com"}))
	r.GET("/files", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/files", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/files", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodOptions, "/files", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

type staticHealth struct{ err error }

func (s staticHealth) HealthCheck(context.Context) error { return s.err }

func TestHealthCheck(t *testing.T) {
	serve := func(deps map[string]HealthChecker) *httptest.ResponseRecorder {
		r := gin.New()
		r.Use(HealthCheck("vault-service", deps))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		return w
	}

	w := serve(map[string]HealthChecker{"redis": staticHealth{}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"up"`)

	w = serve(map[string]HealthChecker{"redis": staticHealth{err: errors.New("down")}})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}

func TestRecoveryAndRequestLogger(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger(nil), Recovery(), SecurityHeaders())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, w))
	_, err := uuid.Parse(w.Header().Get("X-Request-ID"))
	assert.NoError(t, err)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}
