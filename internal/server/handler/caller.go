package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/teegate/internal/reqsig"
)

const callerKey = "teegate.caller"

// SetCaller records the authenticated identity on the request context.
func SetCaller(c *gin.Context, identity string) {
	c.Set(callerKey, identity)
}

// Caller returns the authenticated identity, aborting with 401 if there is none.
func Caller(c *gin.Context) (string, bool) {
	identity := c.GetString(callerKey)
	if identity == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request is not signed", "code": "unauthenticated"})
		return "", false
	}
	return identity, true
}

// identityParam normalizes address-shaped path identities to their
// checksummed form and passes anything else through.
func identityParam(c *gin.Context, name string) string {
	raw := c.Param(name)
	if id, err := reqsig.NormalizeIdentity(raw); err == nil {
		return id
	}
	return raw
}
