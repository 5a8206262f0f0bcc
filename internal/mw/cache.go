package mw

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// CacheHeader reports whether a response was served from the cache.
const CacheHeader = "X-Cache"

type cachedResponse struct {
	status  int
	headers http.Header
	body    []byte
	etag    string
}

// recorder tees everything the handler writes into body.
type recorder struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *recorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func etagOf(body []byte) string {
	h := fnv.New64a()
	h.Write(body)
	return fmt.Sprintf(`"%016x"`, h.Sum64())
}

// Cache keeps successful GET responses in store for ttl, keyed by request
// URI. Cached entries carry an ETag; a matching If-None-Match gets a 304.
// A request with "Cache-Control: no-cache" skips the lookup and refreshes
// the entry.
func Cache(store *cache.Cache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := c.Request.RequestURI
		if c.GetHeader("Cache-Control") != "no-cache" {
			if v, found := store.Get(key); found {
				serveCached(c, v.(cachedResponse))
				return
			}
		}

		rec := &recorder{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = rec
		c.Header(CacheHeader, "MISS")

		c.Next()

		status := rec.Status()
		if status < 200 || status >= 300 {
			return
		}
		headers := rec.Header().Clone()
		headers.Del(CacheHeader)
		body := rec.body.Bytes()
		store.Set(key, cachedResponse{
			status:  status,
			headers: headers,
			body:    body,
			etag:    etagOf(body),
		}, ttl)
	}
}

func serveCached(c *gin.Context, resp cachedResponse) {
	h := c.Writer.Header()
	for k, v := range resp.headers {
		h[k] = v
	}
	h.Set(CacheHeader, "HIT")
	h.Set("ETag", resp.etag)

	if c.GetHeader("If-None-Match") == resp.etag {
		c.AbortWithStatus(http.StatusNotModified)
		return
	}
	c.Writer.WriteHeader(resp.status)
	c.Writer.Write(resp.body)
	c.Abort()
}
