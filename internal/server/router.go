package server

import (
	"github.com/gin-gonic/gin"

	"github.com/aspect-build/teegate/internal/contract"
	"github.com/aspect-build/teegate/internal/reqsig"
	"github.com/aspect-build/teegate/internal/server/handler"
)

// NewRouter creates and configures the Gin router with all routes.
func NewRouter(ct *contract.Contract, cfg *Config, verifier *reqsig.Verifier) *gin.Engine {
	r := gin.Default()

	if len(cfg.CORSOrigins) > 0 {
		r.Use(CORS(cfg.CORSOrigins))
	}

	r.GET("/", func(c *gin.Context) {
		c.String(200, "ok")
	})

	signed := CallerAuth(verifier)

	v1 := r.Group("/v1")
	{
		v1.GET("/owner", handler.HandleOwner(ct))

		// Codehash allow-list
		v1.GET("/codehashes", handler.HandleListCodehashes(ct))
		v1.GET("/codehashes/:codehash", handler.HandleGetCodehash(ct))
		v1.POST("/codehashes", signed, handler.HandleApproveCodehash(ct))
		v1.DELETE("/codehashes/:codehash", signed, handler.HandleRevokeCodehash(ct))

		// Workers
		v1.POST("/agents/register", signed, handler.HandleRegister(ct))
		v1.POST("/agents/pay", signed, handler.HandlePayByAgent(ct))
		v1.GET("/agents", handler.HandleListAgents(ct))
		v1.GET("/agents/:identity", handler.HandleGetAgent(ct))

		v1.GET("/vault/balance", handler.HandleVaultBalance(ct))
	}

	return r
}
