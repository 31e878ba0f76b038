package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

const sweepBatchSize = 50

// SweepResult summarizes one pass of the expiry sweep.
type SweepResult struct {
	Expired  int `json:"expired"`
	Refunded int `json:"refunded"`
	Errors   int `json:"errors"`
}

// Sweep resolves escrows whose window elapsed. Pending escrows simply
// expire. Locked escrows past their window hold buyer funds with no
// delivery, so they are auto-refunded to the buyer.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := time.Now()

	pending, err := s.store.ListExpired(ctx, StatusPending, now, sweepBatchSize)
	if err != nil {
		return res, fmt.Errorf("list expired pending escrows: %w", err)
	}
	for _, esc := range pending {
		if err := s.Expire(ctx, esc); err != nil {
			res.Errors++
			s.logger.Warn("expiry sweep: expire failed", "escrowId", esc.ID, "error", err)
			continue
		}
		res.Expired++
	}

	locked, err := s.store.ListExpired(ctx, StatusLocked, now, sweepBatchSize)
	if err != nil {
		return res, fmt.Errorf("list expired locked escrows: %w", err)
	}
	for _, esc := range locked {
		if _, err := s.Refund(ctx, esc.ID, esc.BuyerWallet, "escrow expired before delivery"); err != nil {
			res.Errors++
			s.logger.Warn("expiry sweep: auto-refund failed", "escrowId", esc.ID, "error", err)
			continue
		}
		res.Refunded++
	}

	return res, nil
}

// Timer periodically runs the expiry sweep.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates an expiry sweep timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in expiry sweep", "panic", fmt.Sprint(r))
		}
	}()

	res, err := t.service.Sweep(ctx)
	if err != nil {
		t.logger.Warn("expiry sweep failed", "error", err)
		return
	}
	if res.Expired > 0 || res.Refunded > 0 || res.Errors > 0 {
		t.logger.Info("expiry sweep complete",
			"expired", res.Expired, "refunded", res.Refunded, "errors", res.Errors)
	}
}

// RegisterCronRoutes sets up the scheduler-invoked sweep endpoint. The
// caller is expected to wrap the group in cron-secret auth.
func (h *Handler) RegisterCronRoutes(r *gin.RouterGroup) {
	r.POST("/cron/expire-escrows", h.RunSweep)
}

// RunSweep handles POST /v1/cron/expire-escrows
func (h *Handler) RunSweep(c *gin.Context) {
	res, err := h.service.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"expired":  res.Expired,
		"refunded": res.Refunded,
		"errors":   res.Errors,
	})
}
