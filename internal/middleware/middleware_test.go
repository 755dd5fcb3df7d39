package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expirebot/backend/internal/auth/jwt"
	"expirebot/backend/internal/monitoring"
)

func newEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func TestJWTAuth(t *testing.T) {
	manager := jwt.NewManager("0123456789abcdef0123456789abcdef", "expirebot", time.Hour)
	auth := NewJWTAuth(manager, nil)

	r := newEngine()
	r.GET("/read", auth.RequireAuth(), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextSubject))
	})
	r.GET("/write", auth.RequireAuth(), auth.RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	admin, err := manager.Issue("ops", jwt.RoleAdmin)
	require.NoError(t, err)
	reader, err := manager.Issue("viewer", jwt.RoleReader)
	require.NoError(t, err)

	call := func(path, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	t.Run("Bearer 头", func(t *testing.T) {
		rec := call("/read", "Bearer "+reader.AccessToken)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "viewer", rec.Body.String())
	})

	t.Run("query 参数", func(t *testing.T) {
		rec := call("/read?access_token="+admin.AccessToken, "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("缺少或无效令牌", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, call("/read", "").Code)
		assert.Equal(t, http.StatusUnauthorized, call("/read", "Bearer junk").Code)
		assert.Equal(t, http.StatusUnauthorized, call("/read", "Basic abc").Code)
	})

	t.Run("角色检查", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, call("/write", "Bearer "+reader.AccessToken).Code)
		assert.Equal(t, http.StatusNoContent, call("/write", "Bearer "+admin.AccessToken).Code)
	})
}

func TestBodySizeLimit(t *testing.T) {
	r := newEngine()
	r.POST("/", BodySizeLimit(8), func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("01")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "8", rec.Header().Get("X-Max-Body-Size"))
}

func TestValidateContentType(t *testing.T) {
	r := newEngine()
	r.Use(ValidateContentType("application/json"))
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(method, ct string) int {
		req := httptest.NewRequest(method, "/", strings.NewReader("{}"))
		if ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send(http.MethodPost, "application/json; charset=utf-8"))
	assert.Equal(t, http.StatusBadRequest, send(http.MethodPost, ""))
	assert.Equal(t, http.StatusUnsupportedMediaType, send(http.MethodPost, "text/plain"))
	assert.Equal(t, http.StatusOK, send(http.MethodGet, ""))
}

func TestMonitoringMiddleware_PanicRecovery(t *testing.T) {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	mm := NewMonitoringMiddleware(metrics, nil)

	r := newEngine()
	r.Use(mm.PanicRecovery(), mm.HTTPMetrics())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
