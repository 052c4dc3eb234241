package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/proveniq/ledger-core/pkg/webhook"
)

const deliveryColumns = `id, subscription_id, event_id, status, attempts,
	last_attempt_at, next_retry_at, last_error, response_status, response_body, created_at`

// DeliverySQLStore persists webhook deliveries and the dead-letter queue.
// Claiming marks rows with the worker identity so a crashed worker's claims
// are visible; on Postgres the claim subquery uses FOR UPDATE SKIP LOCKED so
// concurrent workers never hand out the same row twice.
type DeliverySQLStore struct {
	db       *sql.DB
	workerID string
	lite     bool
}

func NewDeliveryStore(db *sql.DB, workerID string) *DeliverySQLStore {
	return &DeliverySQLStore{db: db, workerID: workerID}
}

// NewLiteDeliveryStore skips the row-locking clauses SQLite does not support.
// Lite mode runs a single worker, so the claim race does not arise.
func NewLiteDeliveryStore(db *sql.DB, workerID string) *DeliverySQLStore {
	return &DeliverySQLStore{db: db, workerID: workerID, lite: true}
}

var _ webhook.DeliveryStore = (*DeliverySQLStore)(nil)

func (s *DeliverySQLStore) Claim(ctx context.Context, batchSize int, now time.Time) ([]*webhook.Delivery, error) {
	locking := " FOR UPDATE SKIP LOCKED"
	if s.lite {
		locking = ""
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE webhook_deliveries SET claimed_by = $1, claimed_at = $2
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status = 'pending' AND next_retry_at <= $3
			ORDER BY created_at ASC
			LIMIT $4`+locking+`
		)
		RETURNING `+deliveryColumns,
		s.workerID, now, now, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("store: claim deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	deliveries := make([]*webhook.Delivery, 0, batchSize)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

func (s *DeliverySQLStore) MarkDelivered(ctx context.Context, id string, attempts, responseStatus int, body string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'delivered', attempts = $1, last_attempt_at = $2,
			response_status = $3, response_body = $4, last_error = NULL,
			claimed_by = NULL, claimed_at = NULL
		WHERE id = $5`,
		attempts, at, responseStatus, body, id,
	)
	if err != nil {
		return fmt.Errorf("store: mark delivered: %w", err)
	}
	return nil
}

func (s *DeliverySQLStore) MarkRetry(ctx context.Context, id string, attempts int, lastError string, responseStatus int, nextRetryAt, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'pending', attempts = $1, last_attempt_at = $2,
			next_retry_at = $3, last_error = $4, response_status = $5,
			claimed_by = NULL, claimed_at = NULL
		WHERE id = $6`,
		attempts, at, nextRetryAt, lastError, nullableInt(responseStatus), id,
	)
	if err != nil {
		return fmt.Errorf("store: mark retry: %w", err)
	}
	return nil
}

// MarkDeadLetter settles the delivery and inserts the DLQ row in one
// transaction so a crash cannot strand a failed delivery in limbo.
func (s *DeliverySQLStore) MarkDeadLetter(ctx context.Context, d *webhook.Delivery, dl *webhook.DeadLetter, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin dead-letter tx: %w", err)
	}
	defer txRollback(tx)

	if err := execInsert(ctx, tx, "settle dead delivery", `
		UPDATE webhook_deliveries
		SET status = 'dead_letter', attempts = $1, last_attempt_at = $2,
			last_error = $3, response_status = $4,
			claimed_by = NULL, claimed_at = NULL
		WHERE id = $5`,
		d.Attempts, at, d.LastError, nullableInt(d.ResponseStatus), d.ID,
	); err != nil {
		return err
	}
	if err := execInsert(ctx, tx, "insert dead letter", `
		INSERT INTO dead_letter_queue
			(id, delivery_id, subscription_id, event_id, event_snapshot, failure_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		dl.ID, dl.DeliveryID, dl.SubscriptionID, dl.EventID,
		string(dl.EventSnapshot), dl.FailureReason, dl.CreatedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *DeliverySQLStore) Get(ctx context.Context, id string) (*webhook.Delivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	return scanDelivery(row)
}

func (s *DeliverySQLStore) Stats(ctx context.Context) (*webhook.Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM webhook_deliveries GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stats webhook.Stats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch status {
		case webhook.StatusPending:
			stats.Pending = n
		case webhook.StatusDelivered:
			stats.Delivered = n
		case webhook.StatusFailed:
			stats.Failed = n
		case webhook.StatusDeadLetter:
			stats.DeadLetters = n
		}
	}
	return &stats, rows.Err()
}

func (s *DeliverySQLStore) ListDeadLetters(ctx context.Context, limit, offset int) ([]*webhook.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, delivery_id, subscription_id, event_id, event_snapshot, failure_reason, created_at
		FROM dead_letter_queue ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	letters := make([]*webhook.DeadLetter, 0)
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

func (s *DeliverySQLStore) GetDeadLetter(ctx context.Context, id string) (*webhook.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, delivery_id, subscription_id, event_id, event_snapshot, failure_reason, created_at
		FROM dead_letter_queue WHERE id = $1`, id)
	return scanDeadLetter(row)
}

// Requeue turns a dead letter back into a fresh pending delivery with the
// attempt counter reset, and removes the DLQ row.
func (s *DeliverySQLStore) Requeue(ctx context.Context, deadLetterID string, now time.Time) (*webhook.Delivery, error) {
	dl, err := s.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin requeue tx: %w", err)
	}
	defer txRollback(tx)

	d := &webhook.Delivery{
		ID:             uuid.NewString(),
		SubscriptionID: dl.SubscriptionID,
		EventID:        dl.EventID,
		Status:         webhook.StatusPending,
		NextRetryAt:    now,
		CreatedAt:      now,
	}
	if err := execInsert(ctx, tx, "requeue delivery", `
		INSERT INTO webhook_deliveries
			(id, subscription_id, event_id, status, attempts, next_retry_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		d.ID, d.SubscriptionID, d.EventID, d.Status, d.Attempts, d.NextRetryAt, d.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := execInsert(ctx, tx, "drop dead letter",
		`DELETE FROM dead_letter_queue WHERE id = $1`, deadLetterID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit requeue tx: %w", err)
	}
	return d, nil
}

func scanDelivery(row scanner) (*webhook.Delivery, error) {
	var d webhook.Delivery
	var lastAttempt sql.NullTime
	var lastError, responseBody sql.NullString
	var responseStatus sql.NullInt64

	err := row.Scan(&d.ID, &d.SubscriptionID, &d.EventID, &d.Status, &d.Attempts,
		&lastAttempt, &d.NextRetryAt, &lastError, &responseStatus, &responseBody, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, webhook.ErrDeliveryNotFound
		}
		return nil, err
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time.UTC()
		d.LastAttemptAt = &t
	}
	d.LastError = lastError.String
	d.ResponseBody = responseBody.String
	d.ResponseStatus = int(responseStatus.Int64)
	d.NextRetryAt = d.NextRetryAt.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

func scanDeadLetter(row scanner) (*webhook.DeadLetter, error) {
	var dl webhook.DeadLetter
	var snapshot string
	err := row.Scan(&dl.ID, &dl.DeliveryID, &dl.SubscriptionID, &dl.EventID,
		&snapshot, &dl.FailureReason, &dl.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, webhook.ErrDeliveryNotFound
		}
		return nil, err
	}
	dl.EventSnapshot = []byte(snapshot)
	dl.CreatedAt = dl.CreatedAt.UTC()
	return &dl, nil
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
