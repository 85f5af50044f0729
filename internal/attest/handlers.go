package attest

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jobmesh/jobmesh/internal/logging"
)

// Settler is notified when a job's attestation is confirmed. The jobs
// service implements this to drive escrow release.
type Settler interface {
	OnAttested(ctx context.Context, jobID string) error
}

// Handler provides HTTP endpoints for attestation submission.
type Handler struct {
	service *Service
	settler Settler
}

// NewHandler creates a new attestation handler.
func NewHandler(service *Service, settler Settler) *Handler {
	return &Handler{service: service, settler: settler}
}

// RegisterRoutes sets up attestation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/attestations", h.SubmitAttestation)
	r.GET("/attestations/:jobId", h.GetAttestation)
}

// SubmitRequest is a signed attestation verdict from an allow-listed verifier.
type SubmitRequest struct {
	JobID     string `json:"jobId" binding:"required"`
	Proof     string `json:"proof" binding:"required"` // hex-encoded proof bytes
	Confirmed bool   `json:"confirmed"`
	Signature string `json:"signature" binding:"required"`
}

// SubmitAttestation handles POST /v1/attestations
func (h *Handler) SubmitAttestation(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	proof, err := hex.DecodeString(strings.TrimPrefix(req.Proof, "0x"))
	if err != nil || len(proof) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "proof must be non-empty hex",
		})
		return
	}

	confirmed, err := h.service.Verify(c.Request.Context(), req.JobID, proof, req.Confirmed, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_signature",
				"message": "Submission signature could not be verified",
			})
		case errors.Is(err, ErrNotAllowed):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "not_allowed",
				"message": "Submitter is not on the attestation allow list",
			})
		case errors.Is(err, ErrEmptyProof):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "attestation_failed",
				"message": "Failed to record attestation",
			})
		}
		return
	}

	// Confirmation drives settlement. Settlement failure does not un-record
	// the attestation; a later re-submission retries the release.
	if confirmed && h.settler != nil {
		if err := h.settler.OnAttested(c.Request.Context(), req.JobID); err != nil {
			logging.L(c.Request.Context()).Error("settlement after attestation failed",
				"job_id", req.JobID, "error", err)
			c.JSON(http.StatusConflict, gin.H{
				"error":     "settlement_failed",
				"message":   err.Error(),
				"confirmed": true,
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"jobId": req.JobID, "confirmed": confirmed})
}

// GetAttestation handles GET /v1/attestations/:jobId
func (h *Handler) GetAttestation(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No attestation recorded for this job",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load attestation",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobId":         a.JobID,
		"proof":         hex.EncodeToString(a.Proof),
		"submitterAddr": a.SubmitterAddr,
		"confirmed":     a.Confirmed,
		"submittedAt":   a.SubmittedAt,
	})
}
