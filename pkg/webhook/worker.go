package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/proveniq/ledger-core/pkg/ledger"
)

// Payload is the body posted to receivers. Data is the full ledger entry;
// receivers dedupe on EventID.
type Payload struct {
	EventID        string        `json:"event_id"`
	SubscriptionID string        `json:"subscription_id"`
	Timestamp      string        `json:"timestamp"`
	Data           *ledger.Entry `json:"data"`
}

// Metrics receives delivery outcomes: "delivered", "retry", "dead_letter".
type Metrics interface {
	RecordDelivery(ctx context.Context, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) RecordDelivery(context.Context, string) {}

// SubscriptionSource resolves a subscription by ID at delivery time.
// Satisfied by SubscriptionStore and by the caching wrappers.
type SubscriptionSource interface {
	Get(ctx context.Context, id string) (*Subscription, error)
}

// Worker drains the delivery queue: claim a batch, post each delivery with
// its HMAC signature, settle the outcome. Many workers may run concurrently;
// the claim query guarantees single ownership per delivery.
type Worker struct {
	deliveries DeliveryStore
	subs       SubscriptionSource
	entries    ledger.Store
	policy     RetryPolicy
	client     *http.Client
	logger     *slog.Logger
	metrics    Metrics
	clock      func() time.Time
	batchSize  int
	tick       time.Duration
}

func NewWorker(deliveries DeliveryStore, subs SubscriptionSource, entries ledger.Store, logger *slog.Logger) *Worker {
	return &Worker{
		deliveries: deliveries,
		subs:       subs,
		entries:    entries,
		policy:     DefaultRetryPolicy(),
		client:     &http.Client{Timeout: DeliveryTimeout},
		logger:     logger.With("component", "webhook_worker"),
		metrics:    nopMetrics{},
		clock:      time.Now,
		batchSize:  DefaultBatchSize,
		tick:       DefaultWorkerTick,
	}
}

func (w *Worker) WithPolicy(p RetryPolicy) *Worker {
	w.policy = p
	return w
}

func (w *Worker) WithBatchSize(n int) *Worker {
	if n > 0 {
		w.batchSize = n
	}
	return w
}

func (w *Worker) WithTick(d time.Duration) *Worker {
	if d > 0 {
		w.tick = d
	}
	return w
}

func (w *Worker) WithClient(c *http.Client) *Worker {
	w.client = c
	return w
}

func (w *Worker) WithMetrics(m Metrics) *Worker {
	w.metrics = m
	return w
}

func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

// Run processes batches until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	w.logger.Info("webhook worker started", "tick", w.tick.String(), "batch_size", w.batchSize)
	for {
		if n, err := w.Process(ctx); err != nil {
			w.logger.Error("delivery batch failed", "error", err)
		} else if n > 0 {
			w.logger.Info("delivery batch processed", "count", n)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("webhook worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Process claims and settles one batch, returning the number of deliveries
// handled. Transient claim failures are retried briefly before giving up on
// the tick.
func (w *Worker) Process(ctx context.Context) (int, error) {
	claimed, err := backoff.Retry(ctx, func() ([]*Delivery, error) {
		return w.deliveries.Claim(ctx, w.batchSize, w.clock().UTC())
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(10*time.Second),
	)
	if err != nil {
		return 0, fmt.Errorf("webhook: claim batch: %w", err)
	}

	for _, d := range claimed {
		w.deliver(ctx, d)
	}
	return len(claimed), nil
}

func (w *Worker) deliver(ctx context.Context, d *Delivery) {
	now := w.clock().UTC()

	sub, err := w.subs.Get(ctx, d.SubscriptionID)
	if err != nil {
		w.settleFailure(ctx, d, nil, 0, fmt.Sprintf("subscription lookup: %v", err), now)
		return
	}
	if !sub.Active {
		w.settleFailure(ctx, d, nil, 0, "subscription inactive", now)
		return
	}

	entry, err := w.entries.GetByID(ctx, d.EventID)
	if err != nil {
		w.settleFailure(ctx, d, nil, 0, fmt.Sprintf("event lookup: %v", err), now)
		return
	}

	body, err := json.Marshal(Payload{
		EventID:        entry.ID,
		SubscriptionID: sub.ID,
		Timestamp:      now.Format(time.RFC3339),
		Data:           entry,
	})
	if err != nil {
		w.settleFailure(ctx, d, entry, 0, fmt.Sprintf("marshal payload: %v", err), now)
		return
	}

	status, respBody, err := w.post(ctx, sub, body, now)
	if err != nil {
		w.settleFailure(ctx, d, entry, status, err.Error(), now)
		return
	}
	if status < 200 || status > 299 {
		w.settleFailure(ctx, d, entry, status, fmt.Sprintf("endpoint returned %d", status), now)
		return
	}

	if err := w.deliveries.MarkDelivered(ctx, d.ID, d.Attempts+1, status, respBody, now); err != nil {
		w.logger.Error("mark delivered failed", "delivery_id", d.ID, "error", err)
		return
	}
	w.metrics.RecordDelivery(ctx, "delivered")
	w.logger.Info("delivered", "delivery_id", d.ID, "subscription_id", sub.ID, "status", status)
}

func (w *Worker) post(ctx context.Context, sub *Subscription, body []byte, now time.Time) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(sub.Secret, body))
	req.Header.Set(HeaderTimestamp, now.Format(time.RFC3339))
	req.Header.Set(HeaderSubscriptionID, sub.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	prefix, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	return resp.StatusCode, string(prefix), nil
}

// settleFailure increments the attempt counter and either reschedules the
// delivery or moves it to the dead-letter queue.
func (w *Worker) settleFailure(ctx context.Context, d *Delivery, entry *ledger.Entry, status int, reason string, now time.Time) {
	attempts := d.Attempts + 1

	if w.policy.Exhausted(attempts) {
		snapshot := json.RawMessage(`{}`)
		if entry != nil {
			if b, err := json.Marshal(entry); err == nil {
				snapshot = b
			}
		}
		d.Attempts = attempts
		d.LastError = reason
		d.ResponseStatus = status
		dl := &DeadLetter{
			ID:             uuid.NewString(),
			DeliveryID:     d.ID,
			SubscriptionID: d.SubscriptionID,
			EventID:        d.EventID,
			EventSnapshot:  snapshot,
			FailureReason:  reason,
			CreatedAt:      now,
		}
		if err := w.deliveries.MarkDeadLetter(ctx, d, dl, now); err != nil {
			w.logger.Error("dead-letter insert failed", "delivery_id", d.ID, "error", err)
			return
		}
		w.metrics.RecordDelivery(ctx, "dead_letter")
		w.logger.Warn("delivery dead-lettered",
			"delivery_id", d.ID, "attempts", attempts, "reason", reason)
		return
	}

	next := now.Add(w.policy.Delay(attempts))
	if err := w.deliveries.MarkRetry(ctx, d.ID, attempts, reason, status, next, now); err != nil {
		w.logger.Error("mark retry failed", "delivery_id", d.ID, "error", err)
		return
	}
	w.metrics.RecordDelivery(ctx, "retry")
	w.logger.Info("delivery rescheduled",
		"delivery_id", d.ID, "attempts", attempts, "next_retry_at", next.Format(time.RFC3339))
}
