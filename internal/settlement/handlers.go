package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/otcbridge/otcbridge/internal/trade"
	"github.com/otcbridge/otcbridge/internal/validation"
)

// Handler provides HTTP endpoints for the confirmation protocol.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/release", h.RequestRelease)
	r.POST("/trades/:id/refund", h.RequestRefund)
	r.POST("/trades/:id/settlement/approve", h.Approve)
	r.POST("/trades/:id/settlement/withdraw", h.Withdraw)
}

// RegisterAdminRoutes sets up operator settlement routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/resolve", h.ResolveDispute)
}

type settlementRequest struct {
	ActorID string `json:"actorId"`
	Amount  string `json:"amount"`
}

// RequestRelease handles POST /v1/trades/:id/release
func (h *Handler) RequestRelease(c *gin.Context) {
	h.request(c, KindRelease)
}

// RequestRefund handles POST /v1/trades/:id/refund
func (h *Handler) RequestRefund(c *gin.Context) {
	h.request(c, KindRefund)
}

func (h *Handler) request(c *gin.Context, kind Kind) {
	var req settlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	decision, err := h.service.Request(c.Request.Context(), Request{
		TradeID: c.Param("id"),
		Kind:    kind,
		Amount:  req.Amount,
		ActorID: req.ActorID,
		IsAdmin: c.GetBool("isAdmin"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

// Approve handles POST /v1/trades/:id/settlement/approve
func (h *Handler) Approve(c *gin.Context) {
	var req struct {
		ActorID string `json:"actorId"`
		Kind    Kind   `json:"kind" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "kind is required (release or refund)",
		})
		return
	}

	decision, err := h.service.Approve(c.Request.Context(), c.Param("id"), req.Kind, req.ActorID, c.GetBool("isAdmin"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

// Withdraw handles POST /v1/trades/:id/settlement/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req struct {
		ActorID string `json:"actorId"`
	}
	_ = c.ShouldBindJSON(&req)

	t, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), req.ActorID, c.GetBool("isAdmin"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ResolveDispute handles POST /v1/admin/trades/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		Kind Kind `json:"kind" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "kind is required (release or refund)",
		})
		return
	}

	decision, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req.Kind)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

// respondError maps settlement errors to HTTP responses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, trade.ErrTradeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Trade not found",
		})
	case errors.Is(err, trade.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Actor is not a party to this trade",
		})
	case errors.Is(err, ErrAmountNotPositive), errors.Is(err, ErrAmountExceedsBalance),
		errors.Is(err, ErrMissingAddress):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrAlreadyExecuted), errors.Is(err, ErrInFlight):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_executed",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotReviewable), errors.Is(err, trade.ErrConflictingState),
		errors.Is(err, trade.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflicting_state",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "external_call_failed",
			"message": "Fund movement failed; trade state unchanged, retry later",
		})
	}
}
