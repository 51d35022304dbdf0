package deposit

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/otcbridge/otcbridge/internal/chainclient"
	"github.com/otcbridge/otcbridge/internal/trade"
	"github.com/otcbridge/otcbridge/internal/validation"
)

// Handler provides HTTP endpoints for deposit submission.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new deposit handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up deposit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/deposits", h.SubmitDeposit)
}

// SubmitDeposit handles POST /v1/trades/:id/deposits
func (h *Handler) SubmitDeposit(c *gin.Context) {
	var req struct {
		Ref string `json:"ref" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "ref is required",
		})
		return
	}

	// Reject obviously malformed references before touching the engine.
	if errs := validation.Validate(
		validation.ValidTxReference("ref", strings.TrimSpace(req.Ref)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := h.engine.Submit(c.Request.Context(), c.Param("id"), req.Ref)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// respondError maps reconciliation errors to HTTP responses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidReference):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Transaction reference must be a hash (0x + 64 hex chars)",
		})
	case errors.Is(err, trade.ErrDuplicateReference):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_reference",
			"message": "Transaction reference already consumed",
		})
	case errors.Is(err, chainclient.ErrNotYetAvailable):
		// Not an error condition: the transaction just has not
		// confirmed yet. The caller resubmits after a delay.
		c.JSON(http.StatusAccepted, gin.H{
			"error":   "not_yet_available",
			"message": "Transaction not yet confirmed on chain, retry shortly",
		})
	case errors.Is(err, ErrNoTransfer):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "no_transfer",
			"message": "Transaction moves no value to the deposit address",
		})
	case errors.Is(err, ErrNotAwaitingDeposit), errors.Is(err, trade.ErrConflictingState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflicting_state",
			"message": "Trade is not awaiting a deposit",
		})
	case errors.Is(err, trade.ErrTradeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Trade not found",
		})
	case errors.Is(err, chainclient.ErrExternalCall):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "external_call_failed",
			"message": "Chain lookup failed, retry later",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Deposit submission failed",
		})
	}
}
