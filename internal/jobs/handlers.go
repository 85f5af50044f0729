package jobs

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jobmesh/jobmesh/internal/agents"
	"github.com/jobmesh/jobmesh/internal/escrow"
	"github.com/jobmesh/jobmesh/internal/keys"
	"github.com/jobmesh/jobmesh/internal/pagination"
	"github.com/jobmesh/jobmesh/internal/pricefeed"
)

// Handler provides HTTP endpoints for the job registry. Bid and delivery
// routes sit behind capability-key middleware; the authenticated agent from
// the key overrides any address claimed in the body.
type Handler struct {
	service *Service
}

// NewHandler creates a new job registry handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up job routes. Mutations by agents require the
// matching capability.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/jobs", h.PostJob)
	r.GET("/jobs", h.ListOpenJobs)
	r.GET("/jobs/:jobId", h.GetJob)
	r.GET("/jobs/:jobId/bids", h.ListBids)
	r.POST("/jobs/:jobId/bids", keys.Require(keys.PermBid), h.PlaceBid)
	r.POST("/jobs/:jobId/accept", h.AcceptBid)
	r.POST("/jobs/:jobId/delivery", keys.Require(keys.PermExecute), h.SubmitDelivery)
	r.POST("/jobs/:jobId/cancel", h.CancelJob)
}

// PostJob handles POST /v1/jobs
func (h *Handler) PostJob(c *gin.Context) {
	var req PostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	j, err := h.service.PostJob(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, j)
}

// ListOpenJobs handles GET /v1/jobs?tag=&limit=&cursor=
func (h *Handler) ListOpenJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	js, next, err := h.service.ListOpenJobs(c.Request.Context(), c.Query("tag"), limit, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list jobs",
		})
		return
	}
	if js == nil {
		js = []*Job{}
	}
	resp := gin.H{"jobs": js, "count": len(js)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/:jobId
func (h *Handler) GetJob(c *gin.Context) {
	j, err := h.service.GetJob(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Job not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load job",
		})
		return
	}
	c.JSON(http.StatusOK, j)
}

// ListBids handles GET /v1/jobs/:jobId/bids
func (h *Handler) ListBids(c *gin.Context) {
	bids, err := h.service.ListBids(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Job not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list bids",
		})
		return
	}
	if bids == nil {
		bids = []*Bid{}
	}
	c.JSON(http.StatusOK, gin.H{"bids": bids, "count": len(bids)})
}

// PlaceBid handles POST /v1/jobs/:jobId/bids
func (h *Handler) PlaceBid(c *gin.Context) {
	var req BidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	// The key, not the body, decides who is bidding.
	if addr := keys.AuthenticatedAgent(c); addr != "" {
		req.AgentAddr = addr
	}

	b, err := h.service.PlaceBid(c.Request.Context(), c.Param("jobId"), req)
	if err != nil {
		h.writeBidError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *Handler) writeBidError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrJobNotFound), errors.Is(err, agents.ErrAgentNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotOpen):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "job_not_open",
			"message": err.Error(),
		})
	case errors.Is(err, ErrAgentInactive), errors.Is(err, ErrBelowMinFee), errors.Is(err, ErrInvalidPrice):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, pricefeed.ErrStaleQuote), errors.Is(err, pricefeed.ErrPairNotFound), errors.Is(err, pricefeed.ErrBadQuote):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "price_feed_unavailable",
			"message": "Price feed is stale or unreachable; try again later",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to place bid",
		})
	}
}

// AcceptRequest is the payload for accepting a bid.
type AcceptRequest struct {
	BidID      string `json:"bidId" binding:"required"`
	PosterAddr string `json:"posterAddr" binding:"required"`
}

// AcceptBid handles POST /v1/jobs/:jobId/accept
func (h *Handler) AcceptBid(c *gin.Context) {
	var req AcceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	j, err := h.service.AcceptBid(c.Request.Context(), c.Param("jobId"), req.BidID, req.PosterAddr)
	if err != nil {
		switch {
		case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrBidNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": err.Error(),
			})
		case errors.Is(err, ErrNotPoster):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only the poster may accept a bid",
			})
		case errors.Is(err, ErrNotOpen), errors.Is(err, ErrBidIneligible), errors.Is(err, escrow.ErrAccountExists):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "accept_conflict",
				"message": err.Error(),
			})
		case errors.Is(err, pricefeed.ErrStaleQuote), errors.Is(err, pricefeed.ErrPairNotFound), errors.Is(err, pricefeed.ErrBadQuote):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "price_feed_unavailable",
				"message": "Price feed is stale or unreachable; no funds were locked",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "accept_failed",
				"message": "Failed to accept bid",
			})
		}
		return
	}
	c.JSON(http.StatusOK, j)
}

// DeliveryRequest is the payload for submitting a delivery proof.
type DeliveryRequest struct {
	AgentAddr string `json:"agentAddr"`
	Proof     string `json:"proof" binding:"required"` // hex-encoded proof bytes
}

// SubmitDelivery handles POST /v1/jobs/:jobId/delivery
func (h *Handler) SubmitDelivery(c *gin.Context) {
	var req DeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if addr := keys.AuthenticatedAgent(c); addr != "" {
		req.AgentAddr = addr
	}

	proof, err := hex.DecodeString(strings.TrimPrefix(req.Proof, "0x"))
	if err != nil || len(proof) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "proof must be non-empty hex",
		})
		return
	}

	j, err := h.service.SubmitDelivery(c.Request.Context(), c.Param("jobId"), req.AgentAddr, proof)
	if err != nil {
		switch {
		case errors.Is(err, ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Job not found",
			})
		case errors.Is(err, ErrNotAssignee):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only the assigned agent may submit delivery",
			})
		case errors.Is(err, ErrNotAssigned):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "job_not_assigned",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "delivery_failed",
				"message": err.Error(),
			})
		}
		return
	}
	c.JSON(http.StatusOK, j)
}

// CancelRequest is the payload for cancelling a job.
type CancelRequest struct {
	PosterAddr string `json:"posterAddr" binding:"required"`
}

// CancelJob handles POST /v1/jobs/:jobId/cancel
func (h *Handler) CancelJob(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	j, err := h.service.Cancel(c.Request.Context(), c.Param("jobId"), req.PosterAddr)
	if err != nil {
		switch {
		case errors.Is(err, ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Job not found",
			})
		case errors.Is(err, ErrNotPoster):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only the poster may cancel a job",
			})
		case errors.Is(err, ErrAlreadyDone):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "job_terminal",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "cancel_failed",
				"message": "Failed to cancel job",
			})
		}
		return
	}
	c.JSON(http.StatusOK, j)
}
