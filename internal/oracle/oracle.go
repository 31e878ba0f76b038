// Package oracle checks seller delivery claims before release is authorized.
//
// The oracle calls the seller's declared verification endpoint with the
// claim reference. Network errors and timeouts count as verification
// failure, never as "unknown": an escrow must not stay silently stuck.
// Sellers' verify endpoints are expected to be read-only checks, so
// repeated verification of the same escrow is safe.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nexusans/escrowd/internal/metrics"
)

// Verdict is the oracle's answer for a single verification attempt.
type Verdict struct {
	Verified bool           `json:"verified"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Oracle verifies delivery claims against seller verification endpoints.
type Oracle struct {
	client     *http.Client
	autoVerify bool
	logger     *slog.Logger
}

// New creates an oracle. When autoVerify is true, claims from sellers
// without a verification endpoint are approved automatically. This is a
// deliberate trust gap for bootstrapping sellers and is logged on every use;
// leave it off in production.
func New(timeout time.Duration, autoVerify bool, logger *slog.Logger) *Oracle {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Oracle{
		client:     &http.Client{Timeout: timeout},
		autoVerify: autoVerify,
		logger:     logger,
	}
}

// verifyRequest is the body POSTed to a seller's verify endpoint.
type verifyRequest struct {
	ClaimID     string `json:"claim_id"`
	EscrowID    string `json:"escrow_id"`
	BuyerWallet string `json:"buyer_wallet"`
}

// VerifyDelivery checks a claim against the seller's verify endpoint.
// verifyURL may be empty, in which case the auto-verify policy applies.
func (o *Oracle) VerifyDelivery(ctx context.Context, escrowID, claimID, buyerWallet, verifyURL string) Verdict {
	if claimID == "" {
		metrics.OracleVerdictsTotal.WithLabelValues("no_claim").Inc()
		return Verdict{Verified: false, Reason: "no delivery claim submitted"}
	}

	if verifyURL == "" {
		if o.autoVerify {
			o.logger.Warn("auto-verifying claim: seller has no verify endpoint",
				"escrowId", escrowID, "claimId", claimID)
			metrics.OracleVerdictsTotal.WithLabelValues("auto_verified").Inc()
			return Verdict{
				Verified: true,
				Reason:   "auto-verified: seller has no verify endpoint",
				Metadata: map[string]any{"auto_verified": true},
			}
		}
		metrics.OracleVerdictsTotal.WithLabelValues("rejected_unverifiable").Inc()
		return Verdict{Verified: false, Reason: "seller has no verify endpoint and auto-verify is disabled"}
	}

	verdict := o.callEndpoint(ctx, verifyURL, verifyRequest{
		ClaimID:     claimID,
		EscrowID:    escrowID,
		BuyerWallet: buyerWallet,
	})
	if verdict.Verified {
		metrics.OracleVerdictsTotal.WithLabelValues("verified").Inc()
	} else {
		metrics.OracleVerdictsTotal.WithLabelValues("failed").Inc()
	}
	return verdict
}

func (o *Oracle) callEndpoint(ctx context.Context, verifyURL string, vr verifyRequest) Verdict {
	body, err := json.Marshal(vr)
	if err != nil {
		return Verdict{Verified: false, Reason: "failed to encode verification request"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader(body))
	if err != nil {
		return Verdict{Verified: false, Reason: fmt.Sprintf("invalid verify endpoint: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		// Timeouts and network errors are failures, not unknowns.
		o.logger.Warn("verify endpoint unreachable", "escrowId", vr.EscrowID, "url", verifyURL, "error", err)
		return Verdict{Verified: false, Reason: fmt.Sprintf("verify endpoint unreachable: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Verdict{Verified: false, Reason: fmt.Sprintf("verify endpoint returned status %d", resp.StatusCode)}
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Verdict{Verified: false, Reason: "verify endpoint returned malformed response"}
	}

	// Anything other than an explicit verified:true is a failure.
	verified, _ := payload["verified"].(bool)
	if !verified {
		return Verdict{Verified: false, Reason: "seller endpoint did not verify the claim", Metadata: payload}
	}
	return Verdict{Verified: true, Metadata: payload}
}
