package append

import (
	"context"
	"database/sql/driver"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proveniq/ledger-core/pkg/canonical"
	"github.com/proveniq/ledger-core/pkg/envelope"
	"github.com/proveniq/ledger-core/pkg/events"
	"github.com/proveniq/ledger-core/pkg/store"
	"github.com/proveniq/ledger-core/pkg/webhook"
)

var commitTime = time.Date(2026, 3, 1, 12, 0, 0, 450*int(time.Millisecond), time.UTC)

type memSubs struct {
	subs []*webhook.Subscription
}

func (m *memSubs) Create(context.Context, *webhook.Subscription) error { return nil }
func (m *memSubs) Get(context.Context, string) (*webhook.Subscription, error) {
	return nil, webhook.ErrSubscriptionNotFound
}
func (m *memSubs) List(context.Context) ([]*webhook.Subscription, error)       { return m.subs, nil }
func (m *memSubs) ListActive(context.Context) ([]*webhook.Subscription, error) { return m.subs, nil }
func (m *memSubs) Delete(context.Context, string) error                        { return nil }

var entryCols = []string{
	"id", "sequence_number", "event_type", "schema_version", "source", "producer",
	"correlation_id", "actor_id", "asset_id", "anchor_id", "payload", "payload_hash",
	"previous_hash", "entry_hash", "asset_state_hash", "evidence_set_hash",
	"ruleset_version", "created_at", "idempotency_key",
}

func newEngine(t *testing.T, subs []*webhook.Subscription) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.NewPostgresLedgerStore(db, slog.New(slog.DiscardHandler))
	eng := NewEngine(st, &memSubs{subs: subs}, slog.New(slog.DiscardHandler)).
		WithClock(func() time.Time { return commitTime })
	return eng, mock
}

func testEnvelope(idempotencyKey string) *envelope.Normalized {
	return &envelope.Normalized{
		Envelope: envelope.Envelope{
			SchemaVersion:  "1.0.0",
			EventType:      "HOME_ASSET_REGISTERED",
			OccurredAt:     commitTime.Add(-time.Minute),
			CorrelationID:  "corr-1",
			IdempotencyKey: idempotencyKey,
			Producer:       "home-svc",
			Subject:        envelope.Subject{Source: "home", AssetID: "asset-A"},
			Payload:        []byte(`{"asset_id":"A"}`),
		},
		CanonicalType: events.Type("HOME_ASSET_REGISTERED"),
	}
}

func expectChainStart(mock sqlmock.Sqlmock, key string) {
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`WHERE idempotency_key = \$1`).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows(entryCols))
}

func TestAppendGenesis(t *testing.T) {
	eng, mock := newEngine(t, nil)

	expectChainStart(mock, "k1")
	mock.ExpectQuery(`ORDER BY sequence_number DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows(entryCols))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := eng.Append(context.Background(), testEnvelope("k1"))
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, int64(1), res.Entry.SequenceNumber)
	assert.Empty(t, res.Entry.PreviousHash)

	ph, err := canonical.HashRawPayload([]byte(`{"asset_id":"A"}`))
	require.NoError(t, err)
	want := canonical.HashBytes([]byte(ph + "|GENESIS|home|HOME_ASSET_REGISTERED|2026-03-01T12:00:00.450Z"))
	assert.Equal(t, want, res.Entry.EntryHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendChainsOnHead(t *testing.T) {
	eng, mock := newEngine(t, nil)

	headRow := []driver.Value{
		"evt-1", int64(1), "HOME_ASSET_REGISTERED", "1.0.0", "home", "home-svc",
		nil, nil, "asset-A", nil, []byte(`{}`), "ph1",
		nil, "headhash", nil, nil, nil, commitTime.Add(-time.Hour), "k1",
	}

	expectChainStart(mock, "k2")
	mock.ExpectQuery(`ORDER BY sequence_number DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows(entryCols).AddRow(headRow...))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := eng.Append(context.Background(), testEnvelope("k2"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Entry.SequenceNumber)
	assert.Equal(t, "headhash", res.Entry.PreviousHash)
}

func TestAppendDeduplicates(t *testing.T) {
	eng, mock := newEngine(t, nil)

	existing := []driver.Value{
		"evt-1", int64(1), "HOME_ASSET_REGISTERED", "1.0.0", "home", "home-svc",
		nil, nil, "asset-A", nil, []byte(`{}`), "ph1",
		nil, "eh1", nil, nil, nil, commitTime, "k1",
	}

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`WHERE idempotency_key = \$1`).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(entryCols).AddRow(existing...))
	mock.ExpectCommit()

	res, err := eng.Append(context.Background(), testEnvelope("k1"))
	require.NoError(t, err)
	assert.True(t, res.Deduplicated)
	assert.Equal(t, "eh1", res.Entry.EntryHash)
	assert.Equal(t, int64(1), res.Entry.SequenceNumber)
}

func TestAppendFansOutToMatchingSubscriptions(t *testing.T) {
	subs := []*webhook.Subscription{
		{ID: "sub-match", Active: true, EventTypes: []string{"HOME_ASSET_REGISTERED"}},
		{ID: "sub-other", Active: true, EventTypes: []string{"CLAIM_ADDED"}},
	}
	eng, mock := newEngine(t, subs)

	expectChainStart(mock, "k1")
	mock.ExpectQuery(`ORDER BY sequence_number DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows(entryCols))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// exactly one delivery row, for the matching subscription
	mock.ExpectExec(`INSERT INTO webhook_deliveries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := eng.Append(context.Background(), testEnvelope("k1"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendConcurrentDuplicateRetriesLookup(t *testing.T) {
	eng, mock := newEngine(t, nil)

	expectChainStart(mock, "k1")
	mock.ExpectQuery(`ORDER BY sequence_number DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows(entryCols))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnError(errUniqueViolation{})
	mock.ExpectRollback()

	winner := []driver.Value{
		"evt-9", int64(1), "HOME_ASSET_REGISTERED", "1.0.0", "home", "home-svc",
		nil, nil, "asset-A", nil, []byte(`{}`), "ph",
		nil, "winner-hash", nil, nil, nil, commitTime, "k1",
	}
	mock.ExpectQuery(`WHERE idempotency_key = \$1`).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(entryCols).AddRow(winner...))

	res, err := eng.Append(context.Background(), testEnvelope("k1"))
	require.NoError(t, err)
	assert.True(t, res.Deduplicated)
	assert.Equal(t, "winner-hash", res.Entry.EntryHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendHashDisagreementCommitsRecomputedHash(t *testing.T) {
	eng, mock := newEngine(t, nil)

	env := testEnvelope("k-adv")
	env.CanonicalHashHex = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"

	expectChainStart(mock, "k-adv")
	mock.ExpectQuery(`ORDER BY sequence_number DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows(entryCols))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// the disagreement is audited in the same transaction as the entry
	mock.ExpectExec(`INSERT INTO audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := eng.Append(context.Background(), env)
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)

	// the advisory hash never enters the chain; per-entry hashes come from
	// recomputation
	recomputed, err := canonical.HashRawPayload(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, recomputed, res.Entry.PayloadHash)
	assert.NotEqual(t, env.CanonicalHashHex, res.Entry.PayloadHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMatchingAdvisoryHashSkipsAudit(t *testing.T) {
	eng, mock := newEngine(t, nil)

	env := testEnvelope("k-ok")
	agreed, err := canonical.HashRawPayload(env.Payload)
	require.NoError(t, err)
	env.CanonicalHashHex = agreed

	expectChainStart(mock, "k-ok")
	mock.ExpectQuery(`ORDER BY sequence_number DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows(entryCols))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err = eng.Append(context.Background(), env)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type errUniqueViolation struct{}

func (errUniqueViolation) Error() string {
	return `pq: duplicate key value violates unique constraint "ledger_entries_idempotency_key_key" UNIQUE constraint failed`
}

func TestAppendEvidenceProjection(t *testing.T) {
	eng, mock := newEngine(t, nil)

	env := testEnvelope("k-ev")
	env.EventType = "EVIDENCE_ADDED"
	env.CanonicalType = events.EvidenceAdded
	env.Payload = []byte(`{"evidence_id":"ev-1","content_hash":"abc","storage_ref":"file:///tmp/x"}`)

	expectChainStart(mock, "k-ev")
	mock.ExpectQuery(`ORDER BY sequence_number DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows(entryCols))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO evidence_snapshots`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := eng.Append(context.Background(), env)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
