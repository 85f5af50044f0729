package staking

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jobmesh/jobmesh/internal/agents"
	"github.com/jobmesh/jobmesh/internal/keys"
)

// Handler provides HTTP endpoints for staking and cashout.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new staking handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up staking routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/staking/:address/stake", h.Stake)
	r.POST("/staking/:address/unstake", keys.RequireOwner(), h.Unstake)
	r.GET("/staking/:address", h.GetStakeInfo)
	r.GET("/staking/:address/preview", h.PreviewCashout)
	r.POST("/staking/:address/cashout", keys.RequireOwner(), h.Cashout)
	r.GET("/staking/:address/cashouts", h.ListCashouts)
	r.GET("/pool", h.GetPoolSize)
}

// StakeRequest is the payload for staking principal.
type StakeRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// Stake handles POST /v1/staking/:address/stake
func (h *Handler) Stake(c *gin.Context) {
	var req StakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rec, err := h.engine.Stake(c.Request.Context(), c.Param("address"), req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrBelowMinimum):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
		case errors.Is(err, ErrAlreadyStaked):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_staked",
				"message": "Agent already has an active stake",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "stake_failed",
				"message": "Failed to create stake",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, rec)
}

// Unstake handles POST /v1/staking/:address/unstake
func (h *Handler) Unstake(c *gin.Context) {
	rec, err := h.engine.Unstake(c.Request.Context(), c.Param("address"))
	if err != nil {
		switch {
		case errors.Is(err, agents.ErrAgentNotFound), errors.Is(err, ErrStakeNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No stake found for this agent",
			})
		case errors.Is(err, ErrAgentNotIdle):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "agent_active",
				"message": "Agent must be set Inactive before unstaking",
			})
		case errors.Is(err, ErrNotStaked):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_staked",
				"message": "Agent has no active stake",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "unstake_failed",
				"message": "Failed to withdraw stake",
			})
		}
		return
	}

	c.JSON(http.StatusOK, rec)
}

// GetStakeInfo handles GET /v1/staking/:address
func (h *Handler) GetStakeInfo(c *gin.Context) {
	rec, err := h.engine.GetStakeInfo(c.Request.Context(), c.Param("address"))
	if err != nil {
		if errors.Is(err, ErrStakeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No stake found for this agent",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load stake",
		})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// PreviewCashout handles GET /v1/staking/:address/preview
func (h *Handler) PreviewCashout(c *gin.Context) {
	p, err := h.engine.PreviewCashout(c.Request.Context(), c.Param("address"))
	if err != nil {
		if errors.Is(err, ErrStakeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No stake found for this agent",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute preview",
		})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Cashout handles POST /v1/staking/:address/cashout
func (h *Handler) Cashout(c *gin.Context) {
	ev, err := h.engine.Cashout(c.Request.Context(), c.Param("address"))
	if err != nil {
		switch {
		case errors.Is(err, ErrStakeNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No stake found for this agent",
			})
		case errors.Is(err, ErrNotStaked), errors.Is(err, ErrNoEarnings):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "cashout_conflict",
				"message": err.Error(),
			})
		case errors.Is(err, ErrRandomUnhealthy):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "random_source_unavailable",
				"message": "Random source is stale or unreachable; no funds moved",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "cashout_failed",
				"message": "Failed to execute cashout",
			})
		}
		return
	}

	c.JSON(http.StatusOK, ev)
}

// ListCashouts handles GET /v1/staking/:address/cashouts?limit=
func (h *Handler) ListCashouts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	evs, err := h.engine.ListCashouts(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list cashout events",
		})
		return
	}
	if evs == nil {
		evs = []*CashoutEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs)})
}

// GetPoolSize handles GET /v1/pool
func (h *Handler) GetPoolSize(c *gin.Context) {
	size, err := h.engine.GetPoolSize(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read pool balance",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"poolSize": size, "feesCollected": h.engine.FeesCollected()})
}
