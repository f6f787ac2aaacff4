package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/teegate/internal/contract"
	"github.com/aspect-build/teegate/internal/server/db"
)

type codehashRequest struct {
	Codehash string `json:"codehash"`
}

// HandleApproveCodehash handles POST /v1/codehashes.
func HandleApproveCodehash(ct *contract.Contract) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := Caller(c)
		if !ok {
			return
		}
		var req codehashRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
		added, err := ct.ApproveCodehash(c.Request.Context(), caller, req.Codehash)
		if err != nil {
			writeError(c, "approve codehash", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"codehash": req.Codehash, "added": added})
	}
}

// HandleRevokeCodehash handles DELETE /v1/codehashes/:codehash.
func HandleRevokeCodehash(ct *contract.Contract) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := Caller(c)
		if !ok {
			return
		}
		codehash := c.Param("codehash")
		removed, err := ct.RevokeCodehash(c.Request.Context(), caller, codehash)
		if err != nil {
			writeError(c, "revoke codehash", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"codehash": codehash, "removed": removed})
	}
}

// HandleListCodehashes handles GET /v1/codehashes.
func HandleListCodehashes(ct *contract.Contract) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := ct.ListCodehashes(c.Request.Context())
		if err != nil {
			writeError(c, "list codehashes", err)
			return
		}
		if list == nil {
			list = []db.ApprovedCodehash{}
		}
		c.JSON(http.StatusOK, list)
	}
}

// HandleGetCodehash handles GET /v1/codehashes/:codehash.
func HandleGetCodehash(ct *contract.Contract) gin.HandlerFunc {
	return func(c *gin.Context) {
		codehash := c.Param("codehash")
		approved, err := ct.IsApproved(c.Request.Context(), codehash)
		if err != nil {
			writeError(c, "check codehash", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"codehash": codehash, "approved": approved})
	}
}
