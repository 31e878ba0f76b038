package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nexusans/escrowd/internal/ledger"
	"github.com/nexusans/escrowd/internal/metrics"
)

// RefundProcessor returns custody funds to buyers. It is the only component
// allowed to move funds back to a buyer wallet, and it enforces the mutual
// exclusion with release: an escrow that has a release signature, or any
// prior refund signature, is never refunded.
type RefundProcessor struct {
	store  Store
	ledger ledger.Gateway
	logger *slog.Logger
}

// NewRefundProcessor creates a refund processor.
func NewRefundProcessor(store Store, gateway ledger.Gateway, logger *slog.Logger) *RefundProcessor {
	return &RefundProcessor{store: store, ledger: gateway, logger: logger}
}

// Process refunds the escrow to its buyer. Only the buyer may request it.
// Escrows that never locked (pending, or expired before payment) have no
// funds in custody: those resolve with a status-only transition. Locked
// funds move first; the status only flips to refunded after the transfer
// succeeds, so a failed transfer leaves the escrow exactly as it was.
func (r *RefundProcessor) Process(ctx context.Context, esc *Escrow, requesterWallet, reason string) (*Escrow, error) {
	if requesterWallet != esc.BuyerWallet {
		r.logger.Warn("unauthorized refund attempt",
			"escrowId", esc.ID, "requester", requesterWallet, "buyer", esc.BuyerWallet)
		return nil, ErrUnauthorized
	}

	if esc.ReleaseTxSignature != "" || esc.ReleasedAt != nil || esc.RefundTxSignature != "" {
		return nil, fmt.Errorf("%w: funds have already moved", ErrAlreadyResolved)
	}

	allowed := false
	for _, st := range refundableStatuses {
		if esc.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		metrics.EscrowGuardRejections.WithLabelValues("refund").Inc()
		return nil, fmt.Errorf("%w: cannot refund escrow in status %s", ErrInvalidStatus, esc.Status)
	}

	prior := esc.Status
	now := time.Now()

	// No funds ever reached custody: status-only resolution.
	if esc.LockTxSignature == "" {
		esc.Status = StatusRefunded
		esc.RefundedAt = &now
		esc.ErrorMessage = ""
		esc.UpdatedAt = now
		if err := r.store.UpdateIf(ctx, esc, prior); err != nil {
			return nil, err
		}
		metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusRefunded)).Inc()
		r.logger.Info("escrow cancelled without funds in custody",
			"escrowId", esc.ID, "priorStatus", prior, "reason", reason)
		return esc, nil
	}

	// The buyer paid amount + fee into custody; both come back.
	signature, err := r.ledger.SubmitTransfer(ctx, esc.BuyerWallet, esc.TotalLamports(), esc.ID)
	if err != nil {
		r.logger.Error("refund transfer failed",
			"escrowId", esc.ID, "buyer", esc.BuyerWallet, "error", err)
		return nil, fmt.Errorf("refund transfer: %w", err)
	}

	esc.Status = StatusRefunded
	esc.RefundTxSignature = signature
	esc.RefundedAt = &now
	esc.ErrorMessage = ""
	esc.UpdatedAt = now
	if err := r.store.UpdateIf(ctx, esc, prior); err != nil {
		// Funds already moved; persisting the state change is mandatory.
		if retryErr := r.store.UpdateIf(ctx, esc, prior); retryErr != nil {
			r.logger.Error("CRITICAL: funds refunded but status update failed",
				"escrowId", esc.ID, "buyer", esc.BuyerWallet, "txSignature", signature,
				"error", retryErr)
			return nil, fmt.Errorf("update escrow after refund (requires manual resolution): %w", err)
		}
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusRefunded)).Inc()

	r.logger.Info("escrow refunded",
		"escrowId", esc.ID, "priorStatus", prior, "buyer", esc.BuyerWallet,
		"amountLamports", esc.TotalLamports(), "txSignature", signature, "reason", reason)
	return esc, nil
}
