package trade

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/otcbridge/otcbridge/internal/pool"
	"github.com/otcbridge/otcbridge/internal/validation"
)

// Handler provides HTTP endpoints for the trade lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new trade handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public trade routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.OpenTrade)
	r.GET("/trades", h.ListTrades)
	r.GET("/trades/:id", h.GetTrade)
	r.GET("/channels/:id/trade", h.GetByChannel)
	r.POST("/trades/:id/role", h.SelectRole)
	r.POST("/trades/:id/terms", h.SetTerms)
	r.POST("/trades/:id/approve-terms", h.ApproveTerms)
	r.POST("/trades/:id/reset", h.ResetTrade)
	r.POST("/trades/:id/dispute", h.DisputeTrade)
}

// OpenTrade handles POST /v1/trades
func (h *Handler) OpenTrade(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// GetByChannel handles GET /v1/channels/:id/trade
func (h *Handler) GetByChannel(c *gin.Context) {
	t, err := h.service.GetByChannel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ListTrades handles GET /v1/trades?status=...&limit=...
func (h *Handler) ListTrades(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusAwaitingDeposit)))
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	trades, err := h.service.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// SelectRole handles POST /v1/trades/:id/role
func (h *Handler) SelectRole(c *gin.Context) {
	var req struct {
		ActorID string `json:"actorId" binding:"required"`
		Role    string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actorId and role are required",
		})
		return
	}

	t, err := h.service.SelectRole(c.Request.Context(), c.Param("id"), req.ActorID, req.Role)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// SetTerms handles POST /v1/trades/:id/terms
func (h *Handler) SetTerms(c *gin.Context) {
	var req struct {
		ActorID string `json:"actorId" binding:"required"`
		Terms
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("quantity", req.Quantity),
		validation.ValidAmount("rate", req.Rate),
		validation.ValidAddress("buyerPayoutAddr", req.BuyerPayoutAddr),
		validation.ValidAddress("sellerRefundAddr", req.SellerRefundAddr),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	t, err := h.service.SetTerms(c.Request.Context(), c.Param("id"), req.ActorID, req.Terms)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ApproveTerms handles POST /v1/trades/:id/approve-terms
func (h *Handler) ApproveTerms(c *gin.Context) {
	var req struct {
		ActorID string `json:"actorId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actorId is required",
		})
		return
	}

	t, err := h.service.ApproveTerms(c.Request.Context(), c.Param("id"), req.ActorID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ResetTrade handles POST /v1/trades/:id/reset
func (h *Handler) ResetTrade(c *gin.Context) {
	var req struct {
		ActorID string `json:"actorId"`
	}
	_ = c.ShouldBindJSON(&req)

	t, err := h.service.Reset(c.Request.Context(), c.Param("id"), req.ActorID, c.GetBool("isAdmin"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// DisputeTrade handles POST /v1/trades/:id/dispute
func (h *Handler) DisputeTrade(c *gin.Context) {
	var req struct {
		ActorID string `json:"actorId"`
	}
	_ = c.ShouldBindJSON(&req)

	t, err := h.service.Dispute(c.Request.Context(), c.Param("id"), req.ActorID, c.GetBool("isAdmin"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// respondError maps trade errors to HTTP responses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTradeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Trade not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Actor is not a party to this trade",
		})
	case errors.Is(err, pool.ErrNoChannels):
		// Pool exhausted is a "try later", not a failure.
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "resource_exhausted",
			"message": "No channel available, try again later",
		})
	case errors.Is(err, ErrConflictingState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflicting_state",
			"message": "Trade was modified concurrently, re-fetch and retry",
		})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTerminal),
		errors.Is(err, ErrResetNotAllowed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Trade operation failed",
		})
	}
}
