package webhooks

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nexusans/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for the webhook queue.
type Handler struct {
	queue *Queue
}

// NewHandler creates a new webhooks handler.
func NewHandler(queue *Queue) *Handler {
	return &Handler{queue: queue}
}

// RegisterRoutes sets up webhook queue routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.Enqueue)
	r.GET("/webhooks/:id", h.GetJob)
}

// RegisterCronRoutes sets up the scheduler-invoked retry endpoint. The
// caller is expected to wrap the group in cron-secret auth.
func (h *Handler) RegisterCronRoutes(r *gin.RouterGroup) {
	r.POST("/cron/retry-webhooks", h.ProcessRetryBatch)
}

// EnqueueRequest contains the parameters for queueing a notification.
type EnqueueRequest struct {
	URL      string            `json:"url" binding:"required"`
	Method   string            `json:"method"`
	Headers  map[string]string `json:"headers"`
	Payload  map[string]any    `json:"payload" binding:"required"`
	EscrowID string            `json:"escrow_id"`
	Type     string            `json:"type"`
}

// Enqueue handles POST /v1/webhooks
func (h *Handler) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: url and payload are required",
		})
		return
	}

	if !validation.IsValidHTTPURL(req.URL) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "url must be an absolute http(s) URL",
		})
		return
	}

	job := &Job{
		URL:      req.URL,
		Method:   req.Method,
		Headers:  req.Headers,
		Payload:  req.Payload,
		EscrowID: req.EscrowID,
		Type:     Type(req.Type),
	}

	id, err := h.queue.Enqueue(c.Request.Context(), job)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "enqueue_failed",
			"message": "Failed to queue webhook",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": StatusPending})
}

// GetJob handles GET /v1/webhooks/:id
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Webhook job not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// ProcessRetryBatch handles POST /v1/cron/retry-webhooks
func (h *Handler) ProcessRetryBatch(c *gin.Context) {
	res, err := h.queue.ProcessRetryBatch(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "batch_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"processed":        res.Processed,
		"succeeded":        res.Succeeded,
		"failed":           res.Failed,
		"permanent_failed": res.PermanentFailed,
	})
}
