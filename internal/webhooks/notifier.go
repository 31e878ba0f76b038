package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Notifier builds the canned escrow lifecycle notifications sent to sellers
// and buyers. All methods are fire-and-forget: failures fall back to the
// queue and are never returned to the escrow state machine.
type Notifier struct {
	queue  *Queue
	logger *slog.Logger
}

// NewNotifier creates a notifier on top of the delivery queue.
func NewNotifier(queue *Queue, logger *slog.Logger) *Notifier {
	return &Notifier{queue: queue, logger: logger}
}

func sellerHeaders(escrowID, apiKey string) map[string]string {
	h := map[string]string{"X-Nexus-Escrow-ID": escrowID}
	if apiKey != "" {
		h["Authorization"] = "Bearer " + apiKey
	}
	return h
}

func (n *Notifier) send(job *Job) {
	if n == nil || n.queue == nil || job.URL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := n.queue.SendWithFallback(ctx, job); err != nil {
		n.logger.Warn("webhook notification could not be queued",
			"type", job.Type, "escrowId", job.EscrowID, "error", err)
	}
}

// BookingCreated notifies a seller that a buyer opened an escrow for it.
func (n *Notifier) BookingCreated(sellerURL, apiKey, escrowID string, serviceDetails map[string]any, amountLamports int64) {
	n.send(&Job{
		URL:      sellerURL,
		Headers:  sellerHeaders(escrowID, apiKey),
		EscrowID: escrowID,
		Type:     TypeBooking,
		Payload: map[string]any{
			"event":           "booking_created",
			"event_id":        uuid.NewString(),
			"escrow_id":       escrowID,
			"service_details": serviceDetails,
			"amount_lamports": amountLamports,
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// PaymentLocked notifies a seller that buyer funds are locked in custody.
func (n *Notifier) PaymentLocked(sellerURL, apiKey, escrowID, txSignature string, amountLamports int64) {
	n.send(&Job{
		URL:      sellerURL,
		Headers:  sellerHeaders(escrowID, apiKey),
		EscrowID: escrowID,
		Type:     TypePayment,
		Payload: map[string]any{
			"event":           "payment_received",
			"event_id":        uuid.NewString(),
			"escrow_id":       escrowID,
			"tx_signature":    txSignature,
			"amount_lamports": amountLamports,
			"status":          "locked",
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// Refunded notifies a seller that an escrow was refunded to the buyer.
func (n *Notifier) Refunded(sellerURL, apiKey, escrowID, refundTx, reason string, amountLamports int64) {
	n.send(&Job{
		URL:      sellerURL,
		Headers:  sellerHeaders(escrowID, apiKey),
		EscrowID: escrowID,
		Type:     TypeRefund,
		Payload: map[string]any{
			"event":           "escrow_refunded",
			"event_id":        uuid.NewString(),
			"escrow_id":       escrowID,
			"tx_signature":    refundTx,
			"amount_lamports": amountLamports,
			"reason":          reason,
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// Disputed notifies a seller that the buyer opened a dispute.
func (n *Notifier) Disputed(sellerURL, apiKey, escrowID, reason string) {
	n.send(&Job{
		URL:      sellerURL,
		Headers:  sellerHeaders(escrowID, apiKey),
		EscrowID: escrowID,
		Type:     TypeNotification,
		Payload: map[string]any{
			"event":     "escrow_disputed",
			"event_id":  uuid.NewString(),
			"escrow_id": escrowID,
			"reason":    reason,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}
