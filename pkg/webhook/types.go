// Package webhook implements event fan-out: subscription matching, delivery
// enqueueing, HMAC-signed HTTP posting with exponential backoff, and
// dead-letter semantics. Delivery is at-least-once; receivers dedupe on
// event_id.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Delivery lifecycle states.
const (
	StatusPending    = "pending"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_letter"
)

// ErrSubscriptionNotFound is returned for unknown subscription IDs.
var ErrSubscriptionNotFound = errors.New("webhook: subscription not found")

// ErrDeliveryNotFound is returned for unknown delivery or dead-letter IDs.
var ErrDeliveryNotFound = errors.New("webhook: delivery not found")

// Subscription routes committed events to a receiver endpoint. Empty
// EventTypes or Sources means "match all".
type Subscription struct {
	ID           string    `json:"id"`
	SubscriberID string    `json:"subscriber_id"`
	WebhookURL   string    `json:"webhook_url"`
	EventTypes   []string  `json:"event_types,omitempty"`
	Sources      []string  `json:"source_filter,omitempty"`
	Secret       string    `json:"-"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Matches reports whether the subscription wants an event of the given type
// and source.
func (s *Subscription) Matches(eventType, source string) bool {
	if !s.Active {
		return false
	}
	if len(s.EventTypes) > 0 && !contains(s.EventTypes, eventType) {
		return false
	}
	if len(s.Sources) > 0 && !contains(s.Sources, source) {
		return false
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Delivery is one pending or settled webhook post for (subscription, event).
type Delivery struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	EventID        string     `json:"event_id"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt    time.Time  `json:"next_retry_at"`
	LastError      string     `json:"last_error,omitempty"`
	ResponseStatus int        `json:"response_status,omitempty"`
	ResponseBody   string     `json:"response_body,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DeadLetter is the terminal record of a delivery that exhausted retries.
type DeadLetter struct {
	ID             string          `json:"id"`
	DeliveryID     string          `json:"delivery_id"`
	SubscriptionID string          `json:"subscription_id"`
	EventID        string          `json:"event_id"`
	EventSnapshot  json.RawMessage `json:"event_snapshot"`
	FailureReason  string          `json:"failure_reason"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Stats aggregates delivery counters by status.
type Stats struct {
	Pending     int64 `json:"pending"`
	Delivered   int64 `json:"delivered"`
	Failed      int64 `json:"failed"`
	DeadLetters int64 `json:"dead_letter"`
}

// SubscriptionStore persists subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
}

// DeliveryStore persists deliveries and dead letters. Claim hands each
// pending delivery to exactly one worker at a time.
type DeliveryStore interface {
	Claim(ctx context.Context, batchSize int, now time.Time) ([]*Delivery, error)
	MarkDelivered(ctx context.Context, id string, attempts, responseStatus int, body string, at time.Time) error
	MarkRetry(ctx context.Context, id string, attempts int, lastError string, responseStatus int, nextRetryAt, at time.Time) error
	MarkDeadLetter(ctx context.Context, d *Delivery, dl *DeadLetter, at time.Time) error
	Get(ctx context.Context, id string) (*Delivery, error)
	Stats(ctx context.Context) (*Stats, error)
	ListDeadLetters(ctx context.Context, limit, offset int) ([]*DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error)
	Requeue(ctx context.Context, deadLetterID string, now time.Time) (*Delivery, error)
}
