// Package escrow implements the custody state machine for agent commerce.
//
// Flow:
//  1. Buyer creates an escrow for a seller agent → pending
//  2. Buyer pays the custody vault, submits the tx signature → locked
//  3. Seller delivers out-of-band and submits proof → confirmed
//  4. Buyer confirms, or the oracle verifies the claim → released
//  5. Dispute, expiry, or failed verification → disputed / expired / refunded
//
// Release and refund are mutually exclusive terminal paths. Every transition
// is a conditional update keyed on the expected prior status; the store's
// compare-and-swap is the source of truth, the per-ID mutexes only reduce
// wasted ledger calls under local contention.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nexusans/escrowd/internal/idgen"
	"github.com/nexusans/escrowd/internal/ledger"
	"github.com/nexusans/escrowd/internal/metrics"
	"github.com/nexusans/escrowd/internal/oracle"
	"github.com/nexusans/escrowd/internal/pagination"
	"github.com/nexusans/escrowd/internal/sellers"
	"github.com/nexusans/escrowd/internal/syncutil"
	"github.com/nexusans/escrowd/internal/validation"
)

var (
	ErrEscrowNotFound      = errors.New("escrow not found")
	ErrInvalidStatus       = errors.New("invalid escrow status for this operation")
	ErrStatusConflict      = errors.New("escrow status changed concurrently")
	ErrUnauthorized        = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAlreadyResolved     = errors.New("escrow already resolved")
	ErrEscrowExpired       = errors.New("escrow has expired")
	ErrInsufficientPayment = errors.New("insufficient payment received at custody address")
	ErrSellerUnresolvable  = errors.New("seller payout wallet could not be resolved")
	ErrReleaseFailed       = errors.New("ledger transfer to seller failed")
	ErrInvalidCursor       = errors.New("invalid pagination cursor")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending       Status = "pending"                    // created, awaiting buyer payment
	StatusLocked        Status = "locked"                     // funds confirmed at the custody address
	StatusConfirmed     Status = "confirmed"                  // seller submitted proof of delivery
	StatusPendingBuyer  Status = "pending_buyer_confirmation" // awaiting buyer confirm/dispute
	StatusVerified      Status = "verified"                   // oracle validated the claim
	StatusReleased      Status = "released"                   // funds paid out to seller
	StatusReleaseFailed Status = "release_failed"             // payout transfer failed, retriable
	StatusDisputed      Status = "disputed"                   // buyer contested or verification failed
	StatusRefunded      Status = "refunded"                   // funds returned to buyer
	StatusExpired       Status = "expired"                    // never locked before expires_at
)

// releasableStatuses are the states release() may start from.
// release_failed is a retriable transient state, not a dead end.
var releasableStatuses = []Status{StatusVerified, StatusLocked, StatusReleaseFailed}

// refundableStatuses are the states refund() may start from.
var refundableStatuses = []Status{StatusPending, StatusLocked, StatusDisputed, StatusExpired}

// Escrow is a custody record tracking funds held for a buyer pending
// delivery confirmation.
type Escrow struct {
	ID           string `json:"id"`
	BuyerWallet  string `json:"buyerWallet"`
	SellerAgent  string `json:"sellerAgent"`
	SellerWallet string `json:"sellerWallet,omitempty"` // empty until resolved

	AmountLamports int64  `json:"amountLamports"`
	FeeLamports    int64  `json:"feeLamports"`
	Currency       string `json:"currency"`

	Status Status `json:"status"`

	ServiceDetails   map[string]any `json:"serviceDetails,omitempty"`
	ProofOfDelivery  map[string]any `json:"proofOfDelivery,omitempty"`
	VerificationData map[string]any `json:"verificationData,omitempty"`

	LockTxSignature    string `json:"lockTxSignature,omitempty"`
	ReleaseTxSignature string `json:"releaseTxSignature,omitempty"`
	RefundTxSignature  string `json:"refundTxSignature,omitempty"`
	ErrorMessage       string `json:"errorMessage,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	LockedAt    *time.Time `json:"lockedAt,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	VerifiedAt  *time.Time `json:"verifiedAt,omitempty"`
	ReleasedAt  *time.Time `json:"releasedAt,omitempty"`
	RefundedAt  *time.Time `json:"refundedAt,omitempty"`
	DisputedAt  *time.Time `json:"disputedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TotalLamports is the exact value that must arrive at the custody address.
func (e *Escrow) TotalLamports() int64 {
	return e.AmountLamports + e.FeeLamports
}

// IsTerminal returns true if the escrow is in a final state.
// Expired is not terminal: an expired escrow may still be refunded.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded:
		return true
	}
	return false
}

// Expired reports whether the creation window has elapsed.
func (e *Escrow) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	// UpdateIf persists e only if the stored status is one of expected.
	// Returns ErrStatusConflict otherwise. This conditional update is the
	// enforcement mechanism for every guard in the state machine.
	UpdateIf(ctx context.Context, e *Escrow, expected ...Status) error
	// ListByWallet returns escrows involving the wallet, newest first,
	// starting strictly after the cursor position when one is given.
	ListByWallet(ctx context.Context, wallet string, cursor *pagination.Cursor, limit int) ([]*Escrow, error)
	// ListExpired returns escrows in the given status whose expires_at is
	// before the cutoff.
	ListExpired(ctx context.Context, status Status, before time.Time, limit int) ([]*Escrow, error)
}

// Verifier produces a verdict on a seller's delivery claim.
type Verifier interface {
	VerifyDelivery(ctx context.Context, escrowID, claimID, buyerWallet, verifyURL string) oracle.Verdict
}

// Notifier delivers lifecycle notifications. Implementations must be
// fire-and-forget; the state machine never blocks on notification outcomes.
type Notifier interface {
	BookingCreated(sellerURL, apiKey, escrowID string, serviceDetails map[string]any, amountLamports int64)
	PaymentLocked(sellerURL, apiKey, escrowID, txSignature string, amountLamports int64)
	Refunded(sellerURL, apiKey, escrowID, refundTx, reason string, amountLamports int64)
	Disputed(sellerURL, apiKey, escrowID, reason string)
}

// Params holds the policy constants shared by every component that checks a
// ledger receipt. They are configured once and never re-derived at call sites.
type Params struct {
	VaultAddress     string
	FeePercent       float64       // platform cut as a percentage of amount
	LockTolerancePct float64       // accepted shortfall when confirming a lock
	ExpiryWindow     time.Duration // pending escrow lifetime
}

// Service implements the escrow state machine.
type Service struct {
	store    Store
	ledger   ledger.Gateway
	params   Params
	resolver sellers.Resolver
	verifier Verifier
	notifier Notifier
	refunds  *RefundProcessor
	logger   *slog.Logger
	locks    *syncutil.ContextShardedMutex // per-escrow ID locks
}

// NewService creates a new escrow service.
func NewService(store Store, gateway ledger.Gateway, params Params, logger *slog.Logger) *Service {
	s := &Service{
		store:  store,
		ledger: gateway,
		params: params,
		logger: logger,
		locks:  syncutil.NewContextShardedMutex(),
	}
	s.refunds = NewRefundProcessor(store, gateway, logger)
	return s
}

// WithResolver adds a seller registry resolver.
func (s *Service) WithResolver(r sellers.Resolver) *Service {
	s.resolver = r
	return s
}

// WithVerifier adds a delivery verification oracle.
func (s *Service) WithVerifier(v Verifier) *Service {
	s.verifier = v
	return s
}

// WithNotifier adds a lifecycle notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Refunds exposes the refund processor (used by the expiry sweep).
func (s *Service) Refunds() *RefundProcessor {
	return s.refunds
}

// feeLamports computes the platform cut for an amount.
func (s *Service) feeLamports(amount int64) int64 {
	return int64(math.Round(float64(amount) * s.params.FeePercent / 100))
}

// minAcceptable is the smallest credited value accepted for an expected
// total, absorbing ledger fee rounding.
func (s *Service) minAcceptable(expected int64) int64 {
	return int64(math.Ceil(float64(expected) * (100 - s.params.LockTolerancePct) / 100))
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	BuyerWallet    string         `json:"buyer_wallet" binding:"required"`
	SellerAgent    string         `json:"seller_agent" binding:"required"`
	AmountSOL      float64        `json:"amount" binding:"required"`
	ServiceDetails map[string]any `json:"service_details" binding:"required"`
}

// Create opens a new escrow in pending state. Seller resolution is
// best-effort here; it becomes mandatory at release time.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if req.AmountSOL <= 0 {
		return nil, ErrInvalidAmount
	}

	amount := ledger.ToLamports(req.AmountSOL)
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	agentName := validation.NormalizeAgentName(req.SellerAgent)
	var seller *sellers.Seller
	if s.resolver != nil {
		if resolved, err := s.resolver.Resolve(ctx, agentName); err == nil {
			seller = resolved
		} else {
			s.logger.Debug("seller not resolvable at create", "sellerAgent", agentName, "error", err)
		}
	}

	now := time.Now()
	esc := &Escrow{
		ID:             idgen.WithPrefix("esc_"),
		BuyerWallet:    req.BuyerWallet,
		SellerAgent:    agentName,
		AmountLamports: amount,
		FeeLamports:    s.feeLamports(amount),
		Currency:       "SOL",
		Status:         StatusPending,
		ServiceDetails: req.ServiceDetails,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.params.ExpiryWindow),
		UpdatedAt:      now,
	}
	if seller != nil {
		esc.SellerWallet = seller.Wallet
	}

	if err := s.store.Create(ctx, esc); err != nil {
		return nil, fmt.Errorf("create escrow record: %w", err)
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()

	if s.notifier != nil && seller != nil && seller.WebhookURL != "" {
		s.notifier.BookingCreated(seller.WebhookURL, seller.APIKey, esc.ID, esc.ServiceDetails, esc.AmountLamports)
	}

	s.logger.Info("escrow created",
		"escrowId", esc.ID, "buyer", esc.BuyerWallet, "sellerAgent", esc.SellerAgent,
		"amountLamports", esc.AmountLamports, "feeLamports", esc.FeeLamports,
		"expiresAt", esc.ExpiresAt)
	return esc, nil
}

// Lock confirms the buyer's payment to the custody address and moves the
// escrow to locked. The receipt must credit the vault at least the expected
// total minus the configured tolerance.
func (s *Service) Lock(ctx context.Context, id, txSignature string) (*Escrow, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if esc.Status != StatusPending {
		metrics.EscrowGuardRejections.WithLabelValues("lock").Inc()
		return esc, fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, esc.Status)
	}

	now := time.Now()
	if esc.Expired(now) {
		esc.Status = StatusExpired
		esc.UpdatedAt = now
		if err := s.store.UpdateIf(ctx, esc, StatusPending); err != nil {
			return nil, err
		}
		metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusExpired)).Inc()
		return esc, ErrEscrowExpired
	}

	receipt, err := s.ledger.GetReceipt(ctx, txSignature)
	if err != nil {
		return nil, fmt.Errorf("fetch lock receipt: %w", err)
	}
	if !receipt.Success {
		return nil, fmt.Errorf("lock transaction %s failed on the ledger", txSignature)
	}

	expected := esc.TotalLamports()
	credited := receipt.CreditedTo(s.params.VaultAddress)
	if credited < s.minAcceptable(expected) {
		return nil, fmt.Errorf("%w: expected %d lamports, received %d",
			ErrInsufficientPayment, expected, credited)
	}

	esc.Status = StatusLocked
	esc.LockTxSignature = txSignature
	esc.LockedAt = &now
	esc.UpdatedAt = now
	if err := s.store.UpdateIf(ctx, esc, StatusPending); err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusLocked)).Inc()

	if seller := s.sellerInfo(ctx, esc); seller != nil && seller.WebhookURL != "" && s.notifier != nil {
		s.notifier.PaymentLocked(seller.WebhookURL, seller.APIKey, esc.ID, txSignature, esc.AmountLamports)
	}

	s.logger.Info("escrow locked",
		"escrowId", esc.ID, "txSignature", txSignature, "creditedLamports", credited)
	return esc, nil
}

// SellerConfirm records the seller's proof of delivery and moves the escrow
// to confirmed, opening the buyer confirmation window.
func (s *Service) SellerConfirm(ctx context.Context, id string, proof map[string]any, sellerWallet string) (*Escrow, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if esc.Status != StatusLocked {
		metrics.EscrowGuardRejections.WithLabelValues("confirm").Inc()
		return esc, fmt.Errorf("%w: escrow is %s, must be locked", ErrInvalidStatus, esc.Status)
	}

	if sellerWallet != "" && esc.SellerWallet != "" && sellerWallet != esc.SellerWallet {
		s.logger.Warn("seller wallet mismatch on confirm",
			"escrowId", esc.ID, "claimed", sellerWallet)
		return nil, ErrUnauthorized
	}

	now := time.Now()
	esc.ProofOfDelivery = mergeProof(esc.ProofOfDelivery, proof)
	esc.Status = StatusConfirmed
	esc.ConfirmedAt = &now
	esc.UpdatedAt = now
	if err := s.store.UpdateIf(ctx, esc, StatusLocked); err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusConfirmed)).Inc()

	s.logger.Info("escrow confirmed by seller", "escrowId", esc.ID)
	return esc, nil
}

// BuyerConfirm handles the buyer confirmation window: "confirm" releases the
// funds to the seller, "dispute" freezes them. Only the escrow's buyer may
// act here.
func (s *Service) BuyerConfirm(ctx context.Context, id, callerWallet, action, reason string) (*Escrow, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if callerWallet != esc.BuyerWallet {
		s.logger.Warn("unauthorized buyer confirmation attempt",
			"escrowId", esc.ID, "caller", callerWallet)
		return nil, ErrUnauthorized
	}

	if esc.Status != StatusConfirmed && esc.Status != StatusPendingBuyer {
		metrics.EscrowGuardRejections.WithLabelValues("buyer_confirm").Inc()
		return esc, fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, esc.Status)
	}

	switch action {
	case "confirm":
		now := time.Now()
		esc.ProofOfDelivery = mergeProof(esc.ProofOfDelivery, map[string]any{
			"buyer_confirmed":    true,
			"buyer_confirmed_at": now.UTC().Format(time.RFC3339),
		})
		return s.performRelease(ctx, esc, StatusConfirmed, StatusPendingBuyer)
	case "dispute":
		return s.disputeLocked(ctx, esc, reason, nil)
	default:
		return nil, fmt.Errorf("invalid action %q: use \"confirm\" or \"dispute\"", action)
	}
}

// Dispute contests an escrow on behalf of the buyer and freezes the funds.
// Allowed from any state except the terminal release/refund paths.
func (s *Service) Dispute(ctx context.Context, id, callerWallet, reason string, evidenceURLs []string) (*Escrow, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if callerWallet != esc.BuyerWallet {
		s.logger.Warn("unauthorized dispute attempt", "escrowId", esc.ID, "caller", callerWallet)
		return nil, ErrUnauthorized
	}

	if esc.IsTerminal() {
		metrics.EscrowGuardRejections.WithLabelValues("dispute").Inc()
		return esc, fmt.Errorf("%w: cannot dispute after funds have moved", ErrAlreadyResolved)
	}

	return s.disputeLocked(ctx, esc, reason, evidenceURLs)
}

// disputeLocked applies the dispute transition. Caller holds the escrow lock
// and has already authorized the requester.
func (s *Service) disputeLocked(ctx context.Context, esc *Escrow, reason string, evidenceURLs []string) (*Escrow, error) {
	now := time.Now()
	evidence := map[string]any{
		"disputed":       true,
		"dispute_reason": reason,
		"disputed_at":    now.UTC().Format(time.RFC3339),
	}
	if len(evidenceURLs) > 0 {
		evidence["evidence_urls"] = evidenceURLs
	}

	prior := esc.Status
	esc.ProofOfDelivery = mergeProof(esc.ProofOfDelivery, evidence)
	esc.Status = StatusDisputed
	esc.DisputedAt = &now
	esc.UpdatedAt = now
	if err := s.store.UpdateIf(ctx, esc, prior); err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()

	if seller := s.sellerInfo(ctx, esc); seller != nil && seller.WebhookURL != "" && s.notifier != nil {
		s.notifier.Disputed(seller.WebhookURL, seller.APIKey, esc.ID, reason)
	}

	s.logger.Info("escrow disputed", "escrowId", esc.ID, "priorStatus", prior, "reason", reason)
	return esc, nil
}

// Verify asks the oracle for a verdict on the seller's delivery claim. A
// positive verdict moves the escrow to verified; a negative one (including
// endpoint timeouts) moves it to disputed so funds never hang silently.
// Verifying an already-verified escrow is a no-op success.
func (s *Service) Verify(ctx context.Context, id string) (*Escrow, bool, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	// Idempotent re-verification.
	if esc.Status == StatusVerified {
		return esc, true, nil
	}

	if esc.Status != StatusLocked && esc.Status != StatusConfirmed {
		metrics.EscrowGuardRejections.WithLabelValues("verify").Inc()
		return esc, false, fmt.Errorf("%w: cannot verify escrow in status %s", ErrInvalidStatus, esc.Status)
	}

	if s.verifier == nil {
		return esc, false, fmt.Errorf("no verification oracle configured")
	}

	var verifyURL string
	if seller := s.sellerInfo(ctx, esc); seller != nil {
		verifyURL = seller.VerifyURL
	}

	prior := esc.Status
	verdict := s.verifier.VerifyDelivery(ctx, esc.ID, claimRef(esc.ProofOfDelivery), esc.BuyerWallet, verifyURL)
	now := time.Now()
	esc.VerificationData = map[string]any{
		"verified": verdict.Verified,
		"reason":   verdict.Reason,
		"metadata": verdict.Metadata,
	}
	esc.UpdatedAt = now

	if verdict.Verified {
		esc.Status = StatusVerified
		esc.VerifiedAt = &now
		if err := s.store.UpdateIf(ctx, esc, prior); err != nil {
			return nil, false, err
		}
		metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusVerified)).Inc()
		s.logger.Info("escrow verified", "escrowId", esc.ID)
		return esc, true, nil
	}

	esc.Status = StatusDisputed
	esc.DisputedAt = &now
	esc.ProofOfDelivery = mergeProof(esc.ProofOfDelivery, map[string]any{
		"disputed":       true,
		"dispute_reason": "verification failed: " + verdict.Reason,
		"disputed_at":    now.UTC().Format(time.RFC3339),
	})
	if err := s.store.UpdateIf(ctx, esc, prior); err != nil {
		return nil, false, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	s.logger.Warn("escrow verification failed", "escrowId", esc.ID, "reason", verdict.Reason)
	return esc, false, nil
}

// Release pays the seller from custody. Allowed from verified, locked
// (auto-release path), or release_failed (retry).
func (s *Service) Release(ctx context.Context, id string) (*Escrow, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, st := range releasableStatuses {
		if esc.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		metrics.EscrowGuardRejections.WithLabelValues("release").Inc()
		return esc, fmt.Errorf("%w: cannot release escrow in status %s, must be verified or locked",
			ErrInvalidStatus, esc.Status)
	}

	return s.performRelease(ctx, esc, releasableStatuses...)
}

// performRelease resolves the payout wallet, submits the transfer, and
// commits the released state. A failed transfer parks the escrow in
// release_failed for retry; it never leaves funds both ways.
func (s *Service) performRelease(ctx context.Context, esc *Escrow, expected ...Status) (*Escrow, error) {
	prior := esc.Status

	if esc.SellerWallet == "" {
		if s.resolver == nil {
			return nil, ErrSellerUnresolvable
		}
		seller, err := s.resolver.Resolve(ctx, esc.SellerAgent)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSellerUnresolvable, err)
		}
		esc.SellerWallet = seller.Wallet
	}

	signature, err := s.ledger.SubmitTransfer(ctx, esc.SellerWallet, esc.AmountLamports, esc.ID)
	if err != nil {
		now := time.Now()
		esc.Status = StatusReleaseFailed
		esc.ErrorMessage = err.Error()
		esc.UpdatedAt = now
		if uerr := s.store.UpdateIf(ctx, esc, expected...); uerr != nil {
			s.logger.Error("failed to record release failure", "escrowId", esc.ID, "error", uerr)
		}
		metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusReleaseFailed)).Inc()
		s.logger.Warn("escrow release failed, retriable",
			"escrowId", esc.ID, "seller", esc.SellerWallet, "error", err)
		return esc, fmt.Errorf("%w: %v", ErrReleaseFailed, err)
	}

	now := time.Now()
	esc.Status = StatusReleased
	esc.ReleaseTxSignature = signature
	esc.ReleasedAt = &now
	esc.ErrorMessage = ""
	esc.UpdatedAt = now
	if err := s.store.UpdateIf(ctx, esc, expected...); err != nil {
		// Funds already moved; persisting the state change is mandatory.
		if retryErr := s.store.UpdateIf(ctx, esc, expected...); retryErr != nil {
			s.logger.Error("CRITICAL: funds released but status update failed",
				"escrowId", esc.ID, "seller", esc.SellerWallet, "txSignature", signature,
				"error", retryErr)
			return nil, fmt.Errorf("update escrow after fund release (requires manual resolution): %w", err)
		}
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusReleased)).Inc()

	s.logger.Info("escrow released",
		"escrowId", esc.ID, "priorStatus", prior, "seller", esc.SellerWallet,
		"amountLamports", esc.AmountLamports, "txSignature", signature)
	return esc, nil
}

// Refund returns custody funds to the buyer. Authorization and transfer
// mechanics live in the RefundProcessor; this wrapper adds the per-ID lock
// and seller notification.
func (s *Service) Refund(ctx context.Context, id, requesterWallet, reason string) (*Escrow, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	esc, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	esc, err = s.refunds.Process(ctx, esc, requesterWallet, reason)
	if err != nil {
		return nil, err
	}

	if seller := s.sellerInfo(ctx, esc); seller != nil && seller.WebhookURL != "" && s.notifier != nil {
		s.notifier.Refunded(seller.WebhookURL, seller.APIKey, esc.ID,
			esc.RefundTxSignature, reason, esc.TotalLamports())
	}
	return esc, nil
}

// Expire moves a pending escrow past its window to expired. Used by the
// sweep and safe to call repeatedly.
func (s *Service) Expire(ctx context.Context, esc *Escrow) error {
	unlock, err := s.locks.LockContext(ctx, esc.ID)
	if err != nil {
		return err
	}
	defer unlock()

	fresh, err := s.store.Get(ctx, esc.ID)
	if err != nil {
		return err
	}
	if fresh.Status != StatusPending || !fresh.Expired(time.Now()) {
		return nil
	}

	now := time.Now()
	fresh.Status = StatusExpired
	fresh.UpdatedAt = now
	if err := s.store.UpdateIf(ctx, fresh, StatusPending); err != nil {
		return err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusExpired)).Inc()
	s.logger.Info("escrow expired", "escrowId", fresh.ID)
	return nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByWallet returns a page of escrows involving a wallet as buyer or
// seller, newest first, with an opaque cursor for the next page.
func (s *Service) ListByWallet(ctx context.Context, wallet, cursor string, limit int) ([]*Escrow, string, bool, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	escrows, err := s.store.ListByWallet(ctx, wallet, cur, limit+1)
	if err != nil {
		return nil, "", false, err
	}
	page, next, more := pagination.ComputePage(escrows, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, more, nil
}

// sellerInfo resolves the escrow's seller registration, best-effort.
func (s *Service) sellerInfo(ctx context.Context, esc *Escrow) *sellers.Seller {
	if s.resolver == nil {
		return nil
	}
	seller, err := s.resolver.Resolve(ctx, esc.SellerAgent)
	if err != nil {
		return nil
	}
	return seller
}

// mergeProof overlays new proof fields on the accumulated payload. The core
// never interprets proof contents beyond the claim reference.
func mergeProof(existing, update map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(update))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	return merged
}

// claimRef extracts the claim reference the oracle checks: claim_id, a
// ticket PNR, or a plain ticket string.
func claimRef(proof map[string]any) string {
	if proof == nil {
		return ""
	}
	if id, ok := proof["claim_id"].(string); ok && id != "" {
		return id
	}
	switch t := proof["ticket"].(type) {
	case string:
		return t
	case map[string]any:
		if pnr, ok := t["pnr"].(string); ok {
			return pnr
		}
	}
	if pnr, ok := proof["pnr"].(string); ok {
		return pnr
	}
	return ""
}
