package agents

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jobmesh/jobmesh/internal/validation"
)

// Handler provides HTTP endpoints for the agent registry.
type Handler struct {
	service     *Service
	adminSecret string
}

// NewHandler creates a new agent registry handler. adminSecret guards the
// ban transition; an empty secret disables banning over HTTP.
func NewHandler(service *Service, adminSecret string) *Handler {
	return &Handler{service: service, adminSecret: adminSecret}
}

// RegisterRoutes sets up agent registry routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.RegisterAgent)
	r.GET("/agents", h.ListAgents)
	r.GET("/agents/:address", h.GetAgent)
	r.POST("/agents/:address/status", h.UpdateStatus)
}

// RegisterAgent handles POST /v1/agents
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	for _, t := range req.Tags {
		if !validation.IsValidTag(t) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "tags must be lowercase alphanumeric with - or _",
			})
			return
		}
	}

	a, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAddress):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
		case errors.Is(err, ErrAgentExists):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_registered",
				"message": "An agent with this address already exists",
			})
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "registration_failed",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusCreated, a)
}

// GetAgent handles GET /v1/agents/:address
func (h *Handler) GetAgent(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("address"))
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load agent",
		})
		return
	}
	c.JSON(http.StatusOK, a)
}

// ListAgents handles GET /v1/agents?tag=&limit=
func (h *Handler) ListAgents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	agents, err := h.service.List(c.Request.Context(), c.Query("tag"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list agents",
		})
		return
	}
	if agents == nil {
		agents = []*Agent{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// statusRequest is the payload for status updates.
type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

// UpdateStatus handles POST /v1/agents/:address/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	to := Status(req.Status)
	if to == StatusBanned {
		if h.adminSecret == "" || c.GetHeader("X-Admin-Secret") != h.adminSecret {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Banning requires admin credentials",
			})
			return
		}
	}

	a, err := h.service.UpdateStatus(c.Request.Context(), c.Param("address"), to)
	if err != nil {
		switch {
		case errors.Is(err, ErrAgentNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
		case errors.Is(err, ErrBanned):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "agent_banned",
				"message": "Banned agents cannot change status",
			})
		case errors.Is(err, ErrBadTransition):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to update status",
			})
		}
		return
	}

	c.JSON(http.StatusOK, a)
}
