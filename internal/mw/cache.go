package mw

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

type cachedResponse struct {
	status  int
	headers http.Header
	body    []byte
}

type bodyCacheWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyCacheWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w bodyCacheWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// ScopeFunc names the cache partition a request belongs to, typically the
// device id. An empty scope disables caching for the request.
type ScopeFunc func(c *gin.Context) string

// ResponseCache is an in-memory cache of GET responses, partitioned by scope
// so that a write can drop everything cached for the same device.
type ResponseCache struct {
	store    *cache.Cache
	duration time.Duration
}

// NewResponseCache creates a cache whose entries live for duration.
func NewResponseCache(store *cache.Cache, duration time.Duration) *ResponseCache {
	return &ResponseCache{store: store, duration: duration}
}

func cacheKey(scope, uri string) string {
	return scope + "|" + uri
}

// Cache is a middleware for in-memory caching of GET requests.
func (rc *ResponseCache) Cache(scope ScopeFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := scope(c)
		if c.Request.Method != http.MethodGet || s == "" {
			c.Next()
			return
		}

		key := cacheKey(s, c.Request.RequestURI)
		if resp, found := rc.store.Get(key); found {
			cached := resp.(cachedResponse)
			for k, v := range cached.headers {
				c.Writer.Header()[k] = v
			}
			c.Writer.Header().Set("X-Cache", "HIT")
			c.Writer.WriteHeader(cached.status)
			c.Writer.Write(cached.body)
			c.Abort()
			return
		}

		blw := &bodyCacheWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		// Only cache successful responses
		if blw.Status() >= 200 && blw.Status() < 300 {
			response := cachedResponse{
				status:  blw.Status(),
				headers: blw.Header().Clone(),
				body:    blw.body.Bytes(),
			}
			rc.store.Set(key, response, rc.duration)
		}
	}
}

// InvalidateOnWrite drops the scope's cached responses after any successful
// non-GET request.
func (rc *ResponseCache) InvalidateOnWrite(scope ScopeFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			return
		}
		if status := c.Writer.Status(); status >= 200 && status < 300 {
			rc.Invalidate(scope(c))
		}
	}
}

// Invalidate removes every cached response of scope.
func (rc *ResponseCache) Invalidate(scope string) {
	if scope == "" {
		return
	}
	prefix := cacheKey(scope, "")
	for key := range rc.store.Items() {
		if strings.HasPrefix(key, prefix) {
			rc.store.Delete(key)
		}
	}
}
