// Package ledger abstracts the external payment rail.
//
// The escrow core never constructs or signs transactions itself. It submits
// transfers through a custody signer service and verifies receipts against
// the chain's JSON-RPC endpoint. Amounts are integral lamports everywhere.
package ledger

import (
	"context"
	"errors"
	"math"
)

// LamportsPerSOL is the native unit conversion factor.
const LamportsPerSOL = 1_000_000_000

var (
	ErrReceiptNotFound = errors.New("transaction not found or not confirmed")
	ErrNotConfirmed    = errors.New("transaction not confirmed within wait window")
)

// Receipt describes the observed effect of a confirmed transaction.
type Receipt struct {
	Signature string           `json:"signature"`
	Success   bool             `json:"success"`
	Slot      uint64           `json:"slot"`
	Deltas    map[string]int64 `json:"deltas"` // lamports credited (+) or debited (-) per account
}

// CreditedTo returns the lamports credited to addr, zero if absent.
func (r *Receipt) CreditedTo(addr string) int64 {
	if r == nil {
		return 0
	}
	d := r.Deltas[addr]
	if d < 0 {
		return 0
	}
	return d
}

// Gateway is the payment-rail boundary consumed by the escrow core.
// Implementations must bound every call with the context deadline.
type Gateway interface {
	// SubmitTransfer moves lamports from the custody vault to a recipient
	// and waits for confirmation. Returns the transaction signature.
	SubmitTransfer(ctx context.Context, to string, lamports int64, reference string) (string, error)

	// GetReceipt fetches the confirmed receipt for a transaction signature.
	GetReceipt(ctx context.Context, signature string) (*Receipt, error)
}

// ToLamports converts a SOL amount to lamports, truncating sub-lamport dust.
func ToLamports(sol float64) int64 {
	return int64(math.Floor(sol * LamportsPerSOL))
}

// ToSOL converts lamports to a SOL amount for display.
func ToSOL(lamports int64) float64 {
	return float64(lamports) / LamportsPerSOL
}
