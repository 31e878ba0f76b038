package sellers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nexusans/escrowd/internal/idgen"
	"github.com/nexusans/escrowd/internal/security"
	"github.com/nexusans/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for seller registration.
type Handler struct {
	store Store
}

// NewHandler creates a new sellers handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up seller routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sellers", h.Register)
	r.GET("/sellers/:name", h.Get)
	r.GET("/sellers", h.List)
}

// RegisterRequest contains the parameters for registering a seller agent.
type RegisterRequest struct {
	AgentName  string `json:"agent_name" binding:"required"`
	Wallet     string `json:"wallet" binding:"required"`
	WebhookURL string `json:"webhook_url"`
	VerifyURL  string `json:"verify_url"`
}

// Register handles POST /v1/sellers
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	name := validation.NormalizeAgentName(req.AgentName)
	checks := validation.Validate(
		validation.ValidAgentName("agent_name", name),
		validation.ValidWallet("wallet", req.Wallet),
	)
	// Seller endpoints are called server-side, so they also get the SSRF check.
	if req.WebhookURL != "" {
		if !validation.IsValidHTTPURL(req.WebhookURL) {
			checks = append(checks, validation.ValidationError{Field: "webhook_url", Message: "must be an http(s) URL"})
		} else if err := security.ValidateEndpointURL(req.WebhookURL); err != nil {
			checks = append(checks, validation.ValidationError{Field: "webhook_url", Message: err.Error()})
		}
	}
	if req.VerifyURL != "" {
		if !validation.IsValidHTTPURL(req.VerifyURL) {
			checks = append(checks, validation.ValidationError{Field: "verify_url", Message: "must be an http(s) URL"})
		} else if err := security.ValidateEndpointURL(req.VerifyURL); err != nil {
			checks = append(checks, validation.ValidationError{Field: "verify_url", Message: err.Error()})
		}
	}
	if len(checks) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": checks.Error(),
			"details": checks,
		})
		return
	}

	now := time.Now()
	seller := &Seller{
		AgentName:  name,
		Wallet:     req.Wallet,
		WebhookURL: req.WebhookURL,
		VerifyURL:  req.VerifyURL,
		APIKey:     idgen.WithPrefix("sk_"),
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := h.store.Create(c.Request.Context(), seller); err != nil {
		if errors.Is(err, ErrSellerExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_registered",
				"message": "Seller agent name is already registered",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "registration_failed",
			"message": "Failed to register seller",
		})
		return
	}

	// The API key is returned once at registration.
	c.JSON(http.StatusCreated, gin.H{
		"seller":  seller,
		"api_key": seller.APIKey,
	})
}

// Get handles GET /v1/sellers/:name
func (h *Handler) Get(c *gin.Context) {
	name := validation.NormalizeAgentName(c.Param("name"))

	seller, err := h.store.Get(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, ErrSellerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Seller not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"seller": seller})
}

// List handles GET /v1/sellers
func (h *Handler) List(c *gin.Context) {
	list, err := h.store.List(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sellers": list, "count": len(list)})
}
