package keys

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jobmesh/jobmesh/internal/metrics"
	"github.com/jobmesh/jobmesh/internal/validation"
)

// Handler provides HTTP endpoints for capability-key management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new key management handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up key management routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents/:address/keys", h.CreateKey)
	r.GET("/agents/:address/keys", h.ListKeys)
	r.DELETE("/agents/:address/keys/:keyId", h.RevokeKey)
}

// CreateKeyRequest is the payload for key creation.
type CreateKeyRequest struct {
	Permissions   []Permission `json:"permissions" binding:"required"`
	ExpiresInDays int          `json:"expiresInDays"`
}

// CreateKey handles POST /v1/agents/:address/keys
func (h *Handler) CreateKey(c *gin.Context) {
	addr := validation.SanitizeAddress(c.Param("address"))
	if !validation.IsValidAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid agent address",
		})
		return
	}

	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.ExpiresInDays < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "expiresInDays must be non-negative",
		})
		return
	}

	secret, key, err := h.manager.CreateKey(c.Request.Context(), addr, req.Permissions, req.ExpiresInDays)
	if err != nil {
		if errors.Is(err, ErrBadPermission) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "key_creation_failed",
			"message": "Failed to create capability key",
		})
		return
	}

	metrics.ActiveCapabilityKeys.Inc()

	// The secret appears in this response and nowhere else.
	c.JSON(http.StatusCreated, gin.H{
		"id":          key.ID,
		"secret":      secret,
		"permissions": key.Permissions,
		"expiresAt":   key.ExpiresAt,
		"createdAt":   key.CreatedAt,
	})
}

// ListKeys handles GET /v1/agents/:address/keys
func (h *Handler) ListKeys(c *gin.Context) {
	ks, err := h.manager.ListKeys(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}
	if ks == nil {
		ks = []*CapabilityKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": ks, "count": len(ks)})
}

// RevokeKey handles DELETE /v1/agents/:address/keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	err := h.manager.Revoke(c.Request.Context(), c.Param("address"), c.Param("keyId"))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Key not found for this agent",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to revoke key",
		})
		return
	}

	metrics.ActiveCapabilityKeys.Dec()
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
