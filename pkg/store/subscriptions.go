package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/proveniq/ledger-core/pkg/webhook"
)

// SubscriptionSQLStore persists webhook subscriptions. Works against both
// Postgres and SQLite; event type and source filters round-trip as JSON text.
type SubscriptionSQLStore struct {
	db *sql.DB
}

func NewSubscriptionStore(db *sql.DB) *SubscriptionSQLStore {
	return &SubscriptionSQLStore{db: db}
}

var _ webhook.SubscriptionStore = (*SubscriptionSQLStore)(nil)

func (s *SubscriptionSQLStore) Create(ctx context.Context, sub *webhook.Subscription) error {
	eventTypes, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return fmt.Errorf("store: marshal event types: %w", err)
	}
	sources, err := json.Marshal(sub.Sources)
	if err != nil {
		return fmt.Errorf("store: marshal source filter: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_subscriptions
			(id, subscriber_id, webhook_url, event_types, source_filter, secret, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		sub.ID, sub.SubscriberID, sub.WebhookURL, string(eventTypes), string(sources),
		sub.Secret, sub.Active, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionSQLStore) Get(ctx context.Context, id string) (*webhook.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subscriber_id, webhook_url, event_types, source_filter, secret, active, created_at
		FROM event_subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

func (s *SubscriptionSQLStore) List(ctx context.Context) ([]*webhook.Subscription, error) {
	return s.list(ctx, `
		SELECT id, subscriber_id, webhook_url, event_types, source_filter, secret, active, created_at
		FROM event_subscriptions ORDER BY created_at ASC`)
}

func (s *SubscriptionSQLStore) ListActive(ctx context.Context) ([]*webhook.Subscription, error) {
	return s.list(ctx, `
		SELECT id, subscriber_id, webhook_url, event_types, source_filter, secret, active, created_at
		FROM event_subscriptions WHERE active ORDER BY created_at ASC`)
}

func (s *SubscriptionSQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return webhook.ErrSubscriptionNotFound
	}
	return nil
}

func (s *SubscriptionSQLStore) list(ctx context.Context, stmt string) ([]*webhook.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	subs := make([]*webhook.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row scanner) (*webhook.Subscription, error) {
	var sub webhook.Subscription
	var eventTypes, sources string
	err := row.Scan(&sub.ID, &sub.SubscriberID, &sub.WebhookURL,
		&eventTypes, &sources, &sub.Secret, &sub.Active, &sub.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, webhook.ErrSubscriptionNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(eventTypes), &sub.EventTypes); err != nil {
		return nil, fmt.Errorf("store: decode event types: %w", err)
	}
	if err := json.Unmarshal([]byte(sources), &sub.Sources); err != nil {
		return nil, fmt.Errorf("store: decode source filter: %w", err)
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	return &sub, nil
}
