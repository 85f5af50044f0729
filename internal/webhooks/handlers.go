package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jobmesh/jobmesh/internal/security"
	"github.com/jobmesh/jobmesh/internal/validation"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	store Store
}

// NewHandler creates a new webhook subscription handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up webhook subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateSubscription)
	r.GET("/webhooks", h.ListSubscriptions)
	r.DELETE("/webhooks/:webhookId", h.DeleteSubscription)
}

// CreateSubscriptionRequest is the payload for registering a delivery target.
type CreateSubscriptionRequest struct {
	OwnerAddr string   `json:"ownerAddr" binding:"required"`
	URL       string   `json:"url" binding:"required"`
	Events    []string `json:"events" binding:"required"`
}

// CreateSubscription handles POST /v1/webhooks
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	owner := validation.SanitizeAddress(req.OwnerAddr)
	if !validation.IsValidAddress(owner) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid owner address",
		})
		return
	}
	if len(req.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "At least one event is required",
		})
		return
	}
	// Delivery targets are server-side requests; block SSRF vectors.
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        generateID("wh_"),
		OwnerAddr: owner,
		URL:       req.URL,
		Secret:    secret,
		Events:    normalizeEvents(req.Events),
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // shown once
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Jobmesh-Signature",
		},
	})
}

// ListSubscriptions handles GET /v1/webhooks?owner=
func (h *Handler) ListSubscriptions(c *gin.Context) {
	owner := validation.SanitizeAddress(c.Query("owner"))
	if !validation.IsValidAddress(owner) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "owner query parameter is required",
		})
		return
	}

	subs, err := h.store.GetByOwner(c.Request.Context(), owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhook subscriptions",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteSubscription handles DELETE /v1/webhooks/:webhookId
func (h *Handler) DeleteSubscription(c *gin.Context) {
	id := c.Param("webhookId")
	if _, err := h.store.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Webhook subscription not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load webhook subscription",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook subscription",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func normalizeEvents(events []string) []string {
	seen := make(map[string]struct{}, len(events))
	var out []string
	for _, e := range events {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

func generateID(prefix string) string {
	b := make([]byte, 12)
	rand.Read(b)
	return prefix + hex.EncodeToString(b)
}

func generateSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
