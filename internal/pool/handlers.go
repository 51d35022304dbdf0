package pool

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for channel pool administration.
type Handler struct {
	service *Service
	store   Store
}

// NewHandler creates a new pool handler.
func NewHandler(service *Service, store Store) *Handler {
	return &Handler{service: service, store: store}
}

// RegisterRoutes sets up public (read-only) pool routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/channels", h.ListChannels)
	r.GET("/channels/:id", h.GetChannel)
}

// RegisterAdminRoutes sets up operator pool routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/channels", h.RegisterChannel)
	r.POST("/channels/:id/recycle", h.RecycleChannel)
	r.POST("/channels/:id/archive", h.ArchiveChannel)
}

// RegisterChannel handles POST /v1/admin/channels
func (h *Handler) RegisterChannel(c *gin.Context) {
	var req struct {
		ID          string `json:"id" binding:"required"`
		InviteToken string `json:"inviteToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "id is required",
		})
		return
	}

	ch, err := h.service.Register(c.Request.Context(), req.ID, req.InviteToken)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register channel",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"channel": ch})
}

// GetChannel handles GET /v1/channels/:id
func (h *Handler) GetChannel(c *gin.Context) {
	ch, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Channel not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load channel",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": ch})
}

// ListChannels handles GET /v1/channels?status=...&limit=...
func (h *Handler) ListChannels(c *gin.Context) {
	status := ChannelStatus(c.DefaultQuery("status", string(StatusAvailable)))
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	channels, err := h.store.List(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list channels",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels, "count": len(channels)})
}

// RecycleChannel handles POST /v1/admin/channels/:id/recycle
func (h *Handler) RecycleChannel(c *gin.Context) {
	if err := h.service.RecycleChannel(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Channel not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "recycle_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recycled"})
}

// ArchiveChannel handles POST /v1/admin/channels/:id/archive
func (h *Handler) ArchiveChannel(c *gin.Context) {
	if err := h.service.Archive(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Channel not found or not parked",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "archive_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "archived"})
}
