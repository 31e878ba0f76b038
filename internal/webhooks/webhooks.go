// Package webhooks provides reliable outbound notification delivery.
//
// Notifications to seller endpoints are queued as jobs and delivered by a
// periodic worker with exponential backoff. A send-now fast path attempts
// immediate delivery with a short timeout and falls back to the queue on
// any failure, so a notification is never dropped.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nexusans/escrowd/internal/circuitbreaker"
	"github.com/nexusans/escrowd/internal/idgen"
	"github.com/nexusans/escrowd/internal/metrics"
)

// Endpoint circuit breaker: after breakerThreshold consecutive failures to
// one URL, deliveries to it are skipped for breakerOpenFor before probing.
const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
)

var ErrJobNotFound = errors.New("webhook job not found")

// Status is the lifecycle state of a queued job.
type Status string

const (
	StatusPending   Status = "pending"   // queued, will be retried
	StatusCompleted Status = "completed" // delivered (2xx)
	StatusFailed    Status = "failed"    // gave up after max attempts
)

// Type categorizes the notification for observability and seller filtering.
type Type string

const (
	TypeBooking      Type = "booking"
	TypePayment      Type = "payment"
	TypeDelivery     Type = "delivery"
	TypeRefund       Type = "refund"
	TypeNotification Type = "notification"
)

// Job is a queued outbound notification.
type Job struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        map[string]any    `json:"payload"`
	EscrowID       string            `json:"escrowId,omitempty"`
	Type           Type              `json:"type"`
	Status         Status            `json:"status"`
	Attempts       int               `json:"attempts"`
	NextRetryAt    time.Time         `json:"nextRetryAt"`
	LastError      string            `json:"lastError,omitempty"`
	ResponseStatus int               `json:"responseStatus,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
	FailedAt       *time.Time        `json:"failedAt,omitempty"`
}

// Store persists webhook jobs. Jobs are never deleted while retriable.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, job *Job) error
	// ListDue returns pending jobs with next_retry_at <= now and fewer than
	// maxAttempts attempts, oldest first.
	ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*Job, error)
	ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Job, error)
}

// Options tunes queue behavior. Zero values take the documented defaults.
type Options struct {
	MaxAttempts      int           // retry ceiling (default 5)
	BatchSize        int           // jobs per worker run (default 20)
	AttemptTimeout   time.Duration // per retry attempt (default 10s)
	ImmediateTimeout time.Duration // send-now fast path (default 5s)
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 20
	}
	if out.AttemptTimeout <= 0 {
		out.AttemptTimeout = 10 * time.Second
	}
	if out.ImmediateTimeout <= 0 {
		out.ImmediateTimeout = 5 * time.Second
	}
	return out
}

// Queue enqueues and delivers webhook jobs.
type Queue struct {
	store   Store
	opts    Options
	client  *http.Client // shared transport; timeouts applied per request
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewQueue creates a webhook queue.
func NewQueue(store Store, opts Options, logger *slog.Logger) *Queue {
	return &Queue{
		store:   store,
		opts:    opts.withDefaults(),
		client:  &http.Client{},
		breaker: circuitbreaker.New(breakerThreshold, breakerOpenFor),
		logger:  logger,
	}
}

// Enqueue persists a job for asynchronous delivery and returns immediately.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job.URL == "" {
		return "", fmt.Errorf("webhook job requires a url")
	}
	if job.Method == "" {
		job.Method = http.MethodPost
	}
	if job.Type == "" {
		job.Type = TypeNotification
	}
	job.ID = idgen.WithPrefix("whj_")
	job.Status = StatusPending
	job.Attempts = 0
	now := time.Now()
	job.CreatedAt = now
	job.NextRetryAt = now

	if err := q.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue webhook job: %w", err)
	}
	q.logger.Debug("webhook queued", "jobId", job.ID, "type", job.Type, "url", job.URL)
	return job.ID, nil
}

// SendWithFallback attempts immediate delivery with a short timeout; on any
// failure the job is enqueued for retry instead of being dropped. Returns
// true when the immediate attempt succeeded.
func (q *Queue) SendWithFallback(ctx context.Context, job *Job) (bool, error) {
	if job.Method == "" {
		job.Method = http.MethodPost
	}

	// An open circuit means the endpoint is known-bad right now; go straight
	// to the queue instead of burning the immediate timeout.
	if !q.breaker.Allow(job.URL) {
		q.logger.Debug("webhook endpoint circuit open, queuing", "url", job.URL)
		if _, qerr := q.Enqueue(ctx, job); qerr != nil {
			return false, qerr
		}
		return false, nil
	}

	status, err := q.attempt(ctx, job, q.opts.ImmediateTimeout)
	if err == nil {
		q.breaker.RecordSuccess(job.URL)
		metrics.WebhookDeliveriesTotal.WithLabelValues("immediate").Inc()
		return true, nil
	}
	q.breaker.RecordFailure(job.URL)

	q.logger.Info("immediate webhook delivery failed, queuing",
		"url", job.URL, "type", job.Type, "status", status, "error", err)
	if _, qerr := q.Enqueue(ctx, job); qerr != nil {
		return false, qerr
	}
	return false, nil
}

// Get returns a job by ID.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

// ListByEscrow returns jobs associated with an escrow.
func (q *Queue) ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.store.ListByEscrow(ctx, escrowID, limit)
}

// BatchResult summarizes one retry-worker run.
type BatchResult struct {
	Processed       int `json:"processed"`
	Succeeded       int `json:"succeeded"`
	Failed          int `json:"failed"`
	PermanentFailed int `json:"permanent_failed"`
	Skipped         int `json:"skipped,omitempty"` // endpoint circuit open
}

// ProcessRetryBatch delivers due pending jobs, oldest first, up to the
// configured batch size. Invoked by the worker ticker or the cron endpoint.
func (q *Queue) ProcessRetryBatch(ctx context.Context) (BatchResult, error) {
	var res BatchResult

	due, err := q.store.ListDue(ctx, time.Now(), q.opts.MaxAttempts, q.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list due webhook jobs: %w", err)
	}
	metrics.WebhookQueueDepth.Set(float64(len(due)))
	if len(due) == 0 {
		return res, nil
	}

	res.Processed = len(due)
	for _, job := range due {
		// Skip endpoints with an open circuit without spending an attempt.
		if !q.breaker.Allow(job.URL) {
			job.NextRetryAt = time.Now().Add(breakerOpenFor)
			if uerr := q.store.Update(ctx, job); uerr != nil {
				q.logger.Warn("failed to defer webhook job", "jobId", job.ID, "error", uerr)
			}
			metrics.WebhookDeliveriesTotal.WithLabelValues("circuit_open").Inc()
			res.Skipped++
			continue
		}

		status, err := q.attempt(ctx, job, q.opts.AttemptTimeout)
		now := time.Now()

		if err == nil {
			q.breaker.RecordSuccess(job.URL)
			job.Status = StatusCompleted
			job.ResponseStatus = status
			job.LastError = ""
			job.CompletedAt = &now
			if uerr := q.store.Update(ctx, job); uerr != nil {
				q.logger.Warn("failed to mark webhook completed", "jobId", job.ID, "error", uerr)
			}
			metrics.WebhookDeliveriesTotal.WithLabelValues("completed").Inc()
			res.Succeeded++
			continue
		}

		q.breaker.RecordFailure(job.URL)
		job.Attempts++
		job.LastError = err.Error()
		job.ResponseStatus = status

		if job.Attempts >= q.opts.MaxAttempts {
			job.Status = StatusFailed
			job.FailedAt = &now
			metrics.WebhookDeliveriesTotal.WithLabelValues("permanent_failure").Inc()
			res.PermanentFailed++
			q.logger.Warn("webhook permanently failed",
				"jobId", job.ID, "escrowId", job.EscrowID, "attempts", job.Attempts, "error", err)
		} else {
			job.NextRetryAt = now.Add(retryDelay(job.Attempts))
			metrics.WebhookDeliveriesTotal.WithLabelValues("retry_scheduled").Inc()
			res.Failed++
			q.logger.Info("webhook delivery failed, retry scheduled",
				"jobId", job.ID, "escrowId", job.EscrowID, "attempts", job.Attempts,
				"nextRetryAt", job.NextRetryAt, "error", err)
		}

		if uerr := q.store.Update(ctx, job); uerr != nil {
			q.logger.Warn("failed to persist webhook retry state", "jobId", job.ID, "error", uerr)
		}
	}

	return res, nil
}

// retryDelay returns the backoff before the next attempt: 2^attempts minutes
// (2, 4, 8, 16, 32).
func retryDelay(attempts int) time.Duration {
	return time.Duration(1<<uint(attempts)) * time.Minute
}

// attempt performs one delivery. A 2xx response is success; anything else
// (including timeouts) is an error. Returns the HTTP status when one was
// received.
func (q *Queue) attempt(ctx context.Context, job *Job, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(job.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, job.Method, job.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if job.ID != "" {
		req.Header.Set("X-Nexus-Webhook-ID", job.ID)
		req.Header.Set("X-Nexus-Retry-Count", fmt.Sprintf("%d", job.Attempts))
	}
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
}
