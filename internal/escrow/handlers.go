package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only HTTP endpoints for escrow accounts. All money
// movement goes through the job lifecycle, never through HTTP directly.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new escrow handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up escrow read-model routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/:jobId", h.GetAccount)
	r.GET("/posters/:address/escrows", h.ListByPoster)
}

// GetAccount handles GET /v1/escrow/:jobId
func (h *Handler) GetAccount(c *gin.Context) {
	a, err := h.ledger.Get(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No escrow account for this job",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load escrow account",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": a})
}

// ListByPoster handles GET /v1/posters/:address/escrows
func (h *Handler) ListByPoster(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	accounts, err := h.ledger.ListByPoster(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list escrow accounts",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": accounts, "count": len(accounts)})
}
