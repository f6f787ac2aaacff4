package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/teegate/internal/logx"
	"github.com/aspect-build/teegate/internal/reqsig"
	"github.com/aspect-build/teegate/internal/server/handler"
)

// maxSignedBody bounds how much of a request body CallerAuth buffers.
const maxSignedBody = 1 << 20

// CORS returns a Gin middleware that handles Cross-Origin Resource Sharing.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	allowHeaders := strings.Join([]string{
		"Content-Type",
		reqsig.HeaderIdentity,
		reqsig.HeaderSignature,
		reqsig.HeaderTimestamp,
		reqsig.HeaderNonce,
	}, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed[strings.TrimRight(origin, "/")] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Max-Age", "86400")

			if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
		}

		c.Next()
	}
}

// CallerAuth requires a valid request signature and stores the recovered
// identity for handler.Caller. The body is buffered and restored so handlers
// can still bind it.
func CallerAuth(v *reqsig.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignedBody+1))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read request body", "code": "bad_encoding"})
			return
		}
		if len(body) > maxSignedBody {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large", "code": "bad_encoding"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		identity, err := v.Verify(c.Request, body)
		if err != nil {
			logx.Warnf("auth.reject method=%s path=%s remote=%s: %v", c.Request.Method, c.Request.URL.Path, c.ClientIP(), err)
			if errors.Is(err, reqsig.ErrNonceCacheFull) {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "code": "unavailable"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "code": "unauthenticated"})
			return
		}
		handler.SetCaller(c, identity)
		c.Next()
	}
}
