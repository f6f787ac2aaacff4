package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/teegate/internal/contract"
	"github.com/aspect-build/teegate/internal/server/db"
)

// registerRequest accepts collateral and tcb_info either as JSON strings or
// as embedded JSON objects.
type registerRequest struct {
	QuoteHex   string          `json:"quote_hex"`
	Collateral json.RawMessage `json:"collateral"`
	Checksum   string          `json:"checksum"`
	TCBInfo    json.RawMessage `json:"tcb_info"`
}

type payRequest struct {
	Target string `json:"target"`
	Amount string `json:"amount"`
}

func embeddedDoc(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return string(raw), nil
}

// HandleRegister handles POST /v1/agents/register.
func HandleRegister(ct *contract.Contract) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := Caller(c)
		if !ok {
			return
		}
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
		collateral, err := embeddedDoc(req.Collateral)
		if err != nil {
			badRequest(c, "collateral must be a JSON object or string")
			return
		}
		tcbInfo, err := embeddedDoc(req.TCBInfo)
		if err != nil {
			badRequest(c, "tcb_info must be a JSON object or string")
			return
		}

		reg, err := ct.Register(c.Request.Context(), caller, contract.RegisterRequest{
			QuoteHex:   req.QuoteHex,
			Collateral: collateral,
			Checksum:   req.Checksum,
			TCBInfo:    tcbInfo,
		})
		if err != nil {
			writeError(c, "register agent", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"registered": true,
			"replaced":   reg.Replaced,
			"worker":     reg.Worker,
			"codehashes": reg.Codehashes,
		})
	}
}

// HandleGetAgent handles GET /v1/agents/:identity.
func HandleGetAgent(ct *contract.Contract) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := ct.GetAgent(c.Request.Context(), identityParam(c, "identity"))
		if err != nil {
			writeError(c, "retrieve agent", err)
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

// HandleListAgents handles GET /v1/agents.
func HandleListAgents(ct *contract.Contract) gin.HandlerFunc {
	return func(c *gin.Context) {
		workers, err := ct.ListAgents(c.Request.Context())
		if err != nil {
			writeError(c, "list agents", err)
			return
		}
		if workers == nil {
			workers = []db.Worker{}
		}
		c.JSON(http.StatusOK, workers)
	}
}

// HandlePayByAgent handles POST /v1/agents/pay. A 202 means the transfer
// was queued; its outcome is not reported.
func HandlePayByAgent(ct *contract.Contract) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := Caller(c)
		if !ok {
			return
		}
		var req payRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
		if req.Target == "" {
			badRequest(c, "target is required")
			return
		}
		ticket, err := ct.PayByAgent(c.Request.Context(), caller, req.Target, req.Amount)
		if err != nil {
			writeError(c, "schedule transfer", err)
			return
		}
		c.JSON(http.StatusAccepted, ticket)
	}
}
