package mw

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"snackloader-backend/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func perform(r http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestResponseCache(t *testing.T) {
	rc := NewResponseCache(cache.New(time.Minute, time.Minute), time.Minute)
	scope := func(c *gin.Context) string { return c.Param("id") }

	hits := 0
	r := gin.New()
	g := r.Group("/device/:id", rc.InvalidateOnWrite(scope))
	g.GET("/status", rc.Cache(scope), func(c *gin.Context) {
		hits++
		c.JSON(http.StatusOK, gin.H{"hits": hits})
	})
	g.POST("/settings", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "settings_saved"}) })
	g.POST("/broken", func(c *gin.Context) { c.JSON(http.StatusBadRequest, gin.H{"error": "nope"}) })

	first := perform(r, http.MethodGet, "/device/a/status", nil)
	second := perform(r, http.MethodGet, "/device/a/status", nil)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, "application/json; charset=utf-8", second.Header().Get("Content-Type"))
	assert.Equal(t, 1, hits)

	// Another device has its own entries.
	perform(r, http.MethodGet, "/device/b/status", nil)
	assert.Equal(t, 2, hits)

	// A failed write keeps the cache.
	perform(r, http.MethodPost, "/device/a/broken", nil)
	perform(r, http.MethodGet, "/device/a/status", nil)
	assert.Equal(t, 2, hits)

	// A successful write drops only that device's entries.
	perform(r, http.MethodPost, "/device/a/settings", nil)
	third := perform(r, http.MethodGet, "/device/a/status", nil)
	assert.JSONEq(t, `{"hits": 3}`, third.Body.String())
	perform(r, http.MethodGet, "/device/b/status", nil)
	assert.Equal(t, 3, hits)
}

func TestRateLimiter(t *testing.T) {
	r := gin.New()
	r.Use(RateLimiter(rate.Limit(1), 2, "X-Forwarded-For"))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	alice := http.Header{"X-Forwarded-For": {"10.0.0.1, 172.16.0.1"}}
	assert.Equal(t, http.StatusOK, perform(r, http.MethodGet, "/", alice).Code)
	assert.Equal(t, http.StatusOK, perform(r, http.MethodGet, "/", alice).Code)
	limited := perform(r, http.MethodGet, "/", alice)
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.JSONEq(t, `{"error": "too many requests"}`, limited.Body.String())

	bob := http.Header{"X-Forwarded-For": {"10.0.0.2"}}
	assert.Equal(t, http.StatusOK, perform(r, http.MethodGet, "/", bob).Code)
}

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (*auth.Claims, error) {
	if token == "good" {
		return &auth.Claims{UserID: "user-1", Email: "a@b.c"}, nil
	}
	return nil, auth.ErrInvalidToken
}

func TestAuth(t *testing.T) {
	r := gin.New()
	r.GET("/me", Auth(stubVerifier{}), func(c *gin.Context) {
		claims, ok := Claims(c)
		require.True(t, ok)
		fromCtx, ok := auth.FromContext(c.Request.Context())
		require.True(t, ok)
		assert.Same(t, claims, fromCtx)
		c.JSON(http.StatusOK, gin.H{"uid": claims.UID()})
	})

	w := perform(r, http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error": "No token provided"}`, w.Body.String())

	w = perform(r, http.MethodGet, "/me", http.Header{"Authorization": {"Bearer bad"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error": "Invalid token"}`, w.Body.String())

	w = perform(r, http.MethodGet, "/me", http.Header{"Authorization": {"Bearer good"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"uid": "user-1"}`, w.Body.String())
}

func TestAuth_Disabled(t *testing.T) {
	r := gin.New()
	r.GET("/open", Auth(nil), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	assert.Equal(t, http.StatusNoContent, perform(r, http.MethodGet, "/open", nil).Code)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestLogger(zerolog.New(&buf), ""))
	r.GET("/fail", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
		c.Status(http.StatusInternalServerError)
	})

	perform(r, http.MethodGet, "/fail", nil)
	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"path":"/fail"`)
	assert.Contains(t, out, `"status":500`)
	assert.Contains(t, out, "boom")
}
