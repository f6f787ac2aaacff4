package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/teegate/internal/contract"
	"github.com/aspect-build/teegate/internal/logx"
	"github.com/aspect-build/teegate/internal/transfer"
)

type errorKind struct {
	err    error
	status int
	code   string
}

// errorKinds is checked in order; the first match decides the response.
var errorKinds = []errorKind{
	{contract.ErrBadEncoding, http.StatusBadRequest, "bad_encoding"},
	{transfer.ErrInvalidAmount, http.StatusBadRequest, "bad_encoding"},
	{transfer.ErrInvalidTarget, http.StatusBadRequest, "bad_encoding"},
	{contract.ErrVerification, http.StatusUnprocessableEntity, "verification_failed"},
	{contract.ErrIdentityMismatch, http.StatusForbidden, "identity_mismatch"},
	{contract.ErrResolution, http.StatusUnprocessableEntity, "resolution_failed"},
	{contract.ErrUnauthorizedCode, http.StatusForbidden, "unauthorized_code"},
	{contract.ErrPermissionDenied, http.StatusForbidden, "permission_denied"},
	{contract.ErrNotRegistered, http.StatusForbidden, "not_registered"},
	{contract.ErrCodeRevoked, http.StatusForbidden, "code_revoked"},
	{contract.ErrNotFound, http.StatusNotFound, "not_found"},
	{contract.ErrOverwriteRefused, http.StatusConflict, "overwrite_refused"},
	{transfer.ErrQueueFull, http.StatusServiceUnavailable, "transfer_queue_full"},
	{transfer.ErrStopped, http.StatusServiceUnavailable, "transfer_queue_full"},
}

// writeError maps err to a status and error code. Unknown errors are logged
// and reported as a generic failure of op.
func writeError(c *gin.Context, op string, err error) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			c.JSON(k.status, gin.H{"error": err.Error(), "code": k.code})
			return
		}
	}
	logx.Errorf("%s error: %v", op, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + op, "code": "internal"})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": "bad_encoding"})
}
