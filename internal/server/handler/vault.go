package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/teegate/internal/contract"
)

// HandleVaultBalance handles GET /v1/vault/balance.
func HandleVaultBalance(ct *contract.Contract) gin.HandlerFunc {
	return func(c *gin.Context) {
		bal, err := ct.VaultBalance(c.Request.Context())
		if err != nil {
			writeError(c, "read vault balance", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal.String()})
	}
}

// HandleOwner handles GET /v1/owner.
func HandleOwner(ct *contract.Contract) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"owner": ct.Owner()})
	}
}
