package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nexusans/escrowd/internal/ledger"
	"github.com/nexusans/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.Create)
	r.GET("/escrow", h.List)
	r.GET("/escrow/:id", h.Get)
	r.POST("/escrow/:id/lock", h.Lock)
	r.POST("/escrow/:id/confirm", h.SellerConfirm)
	r.POST("/escrow/:id/buyer-confirm", h.BuyerConfirm)
	r.POST("/escrow/:id/verify", h.Verify)
	r.POST("/escrow/:id/release", h.Release)
	r.POST("/escrow/:id/refund", h.Refund)
	r.POST("/escrow/:id/dispute", h.Dispute)
}

// Create handles POST /v1/escrow
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "buyer_wallet, seller_agent, amount, and service_details are required",
		})
		return
	}

	if verr := validation.Validate(
		validation.ValidWallet("buyer_wallet", req.BuyerWallet),
		validation.ValidAgentName("seller_agent", req.SellerAgent),
		validation.ValidAmount("amount", req.AmountSOL),
	); verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verr.Error(),
		})
		return
	}

	esc, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"escrow":       escrowResponse(esc),
		"instructions": gin.H{
			"next_step":       "transfer the total amount to the custody address, then POST the transaction signature to /v1/escrow/" + esc.ID + "/lock",
			"total_lamports":  esc.TotalLamports(),
			"expires_at":      esc.ExpiresAt,
		},
	})
}

// Get handles GET /v1/escrow/:id
func (h *Handler) Get(c *gin.Context) {
	esc, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":   escrowResponse(esc),
		"timeline": timeline(esc),
	})
}

// List handles GET /v1/escrow?wallet=...&limit=...&cursor=...
func (h *Handler) List(c *gin.Context) {
	wallet := c.Query("wallet")
	if !validation.IsValidWallet(wallet) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "wallet query parameter must be a valid wallet address",
		})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	escrows, next, more, err := h.service.ListByWallet(c.Request.Context(), wallet, c.Query("cursor"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	out := make([]gin.H, 0, len(escrows))
	for _, esc := range escrows {
		out = append(out, escrowResponse(esc))
	}
	resp := gin.H{"escrows": out, "count": len(out), "has_more": more}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// LockRequest contains the parameters for confirming a custody payment.
type LockRequest struct {
	TxSignature string `json:"tx_signature" binding:"required"`
}

// Lock handles POST /v1/escrow/:id/lock
func (h *Handler) Lock(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "tx_signature is required",
		})
		return
	}
	if !validation.IsValidTxSignature(req.TxSignature) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "tx_signature must be a valid transaction signature",
		})
		return
	}

	esc, err := h.service.Lock(c.Request.Context(), c.Param("id"), req.TxSignature)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrowResponse(esc)})
}

// ConfirmRequest contains a seller's proof of delivery.
type ConfirmRequest struct {
	ProofOfDelivery map[string]any `json:"proof_of_delivery" binding:"required"`
	SellerWallet    string         `json:"seller_wallet"`
}

// SellerConfirm handles POST /v1/escrow/:id/confirm
func (h *Handler) SellerConfirm(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "proof_of_delivery is required",
		})
		return
	}

	esc, err := h.service.SellerConfirm(c.Request.Context(), c.Param("id"), req.ProofOfDelivery, req.SellerWallet)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":  escrowResponse(esc),
		"message": "Delivery recorded. Funds release after buyer confirmation or oracle verification.",
	})
}

// BuyerConfirmRequest is the buyer's verdict on a confirmed delivery.
type BuyerConfirmRequest struct {
	BuyerWallet string `json:"buyer_wallet" binding:"required"`
	Action      string `json:"action" binding:"required"`
	Reason      string `json:"reason"`
}

// BuyerConfirm handles POST /v1/escrow/:id/buyer-confirm
func (h *Handler) BuyerConfirm(c *gin.Context) {
	var req BuyerConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "buyer_wallet and action are required",
		})
		return
	}

	esc, err := h.service.BuyerConfirm(c.Request.Context(), c.Param("id"),
		req.BuyerWallet, req.Action, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := gin.H{"escrow": escrowResponse(esc)}
	if esc.Status == StatusDisputed {
		resp["message"] = "Dispute recorded. Funds stay in custody until the dispute is resolved, typically within 48 hours."
	}
	c.JSON(http.StatusOK, resp)
}

// Verify handles POST /v1/escrow/:id/verify
func (h *Handler) Verify(c *gin.Context) {
	esc, verified, err := h.service.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":   escrowResponse(esc),
		"verified": verified,
	})
}

// Release handles POST /v1/escrow/:id/release
func (h *Handler) Release(c *gin.Context) {
	esc, err := h.service.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrowResponse(esc)})
}

// RefundRequest contains the parameters for a buyer refund.
type RefundRequest struct {
	RequesterWallet string `json:"requester_wallet" binding:"required"`
	Reason          string `json:"reason"`
}

// Refund handles POST /v1/escrow/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "requester_wallet is required",
		})
		return
	}

	esc, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.RequesterWallet, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrowResponse(esc)})
}

// DisputeRequest contains the parameters for contesting an escrow.
type DisputeRequest struct {
	RequesterWallet string   `json:"requester_wallet" binding:"required"`
	Reason          string   `json:"reason" binding:"required"`
	EvidenceURLs    []string `json:"evidence_urls"`
}

// Dispute handles POST /v1/escrow/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "requester_wallet and reason are required",
		})
		return
	}

	esc, err := h.service.Dispute(c.Request.Context(), c.Param("id"),
		req.RequesterWallet, req.Reason, req.EvidenceURLs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":  escrowResponse(esc),
		"message": "Dispute recorded. Funds stay in custody until the dispute is resolved, typically within 48 hours.",
	})
}

// respondError maps service errors to HTTP responses.
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Wallet is not authorized for this escrow operation",
		})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrStatusConflict), errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_status",
			"message": err.Error(),
		})
	case errors.Is(err, ErrEscrowExpired):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "expired",
			"message": "Escrow expired before funds were locked",
		})
	case errors.Is(err, ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor query parameter is not a valid pagination cursor",
		})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInsufficientPayment):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payment",
			"message": err.Error(),
		})
	case errors.Is(err, ErrSellerUnresolvable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "seller_unresolvable",
			"message": err.Error(),
		})
	case errors.Is(err, ErrReleaseFailed):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "release_failed",
			"message": "Payout transfer failed; the escrow can be retried via release",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}

// escrowResponse shapes an escrow for API output, adding the SOL view of
// the lamport amounts.
func escrowResponse(e *Escrow) gin.H {
	return gin.H{
		"id":                e.ID,
		"buyer_wallet":      e.BuyerWallet,
		"seller_agent":      e.SellerAgent,
		"seller_wallet":     e.SellerWallet,
		"amount_lamports":   e.AmountLamports,
		"fee_lamports":      e.FeeLamports,
		"total_lamports":    e.TotalLamports(),
		"amount_sol":        ledger.ToSOL(e.AmountLamports),
		"currency":          e.Currency,
		"status":            e.Status,
		"service_details":   e.ServiceDetails,
		"proof_of_delivery": e.ProofOfDelivery,
		"verification_data": e.VerificationData,
		"lock_tx":           e.LockTxSignature,
		"release_tx":        e.ReleaseTxSignature,
		"refund_tx":         e.RefundTxSignature,
		"error_message":     e.ErrorMessage,
		"created_at":        e.CreatedAt,
		"expires_at":        e.ExpiresAt,
		"updated_at":        e.UpdatedAt,
	}
}

// timeline lists the lifecycle events that have occurred, in order.
func timeline(e *Escrow) []gin.H {
	events := []gin.H{{"event": "created", "at": e.CreatedAt}}
	if e.LockedAt != nil {
		events = append(events, gin.H{"event": "locked", "at": *e.LockedAt, "tx": e.LockTxSignature})
	}
	if e.ConfirmedAt != nil {
		events = append(events, gin.H{"event": "confirmed", "at": *e.ConfirmedAt})
	}
	if e.VerifiedAt != nil {
		events = append(events, gin.H{"event": "verified", "at": *e.VerifiedAt})
	}
	if e.DisputedAt != nil {
		events = append(events, gin.H{"event": "disputed", "at": *e.DisputedAt})
	}
	if e.ReleasedAt != nil {
		events = append(events, gin.H{"event": "released", "at": *e.ReleasedAt, "tx": e.ReleaseTxSignature})
	}
	if e.RefundedAt != nil {
		events = append(events, gin.H{"event": "refunded", "at": *e.RefundedAt, "tx": e.RefundTxSignature})
	}
	return events
}
