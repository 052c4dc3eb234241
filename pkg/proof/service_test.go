package proof

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledgerappend "github.com/proveniq/ledger-core/pkg/append"
	"github.com/proveniq/ledger-core/pkg/canonical"
	"github.com/proveniq/ledger-core/pkg/envelope"
	"github.com/proveniq/ledger-core/pkg/ledger"
	"github.com/proveniq/ledger-core/pkg/replay"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeAppender struct {
	appended []*envelope.Normalized
	seq      int64
}

func (f *fakeAppender) Append(_ context.Context, env *envelope.Normalized) (*ledgerappend.Result, error) {
	f.appended = append(f.appended, env)
	f.seq++
	return &ledgerappend.Result{Entry: &ledger.Entry{
		ID:             fmt.Sprintf("evt-%d", f.seq),
		SequenceNumber: f.seq,
		EventType:      string(env.CanonicalType),
		CreatedAt:      now,
	}}, nil
}

type memProofs struct {
	views map[string]*ledger.ProofView
}

func newMemProofs() *memProofs {
	return &memProofs{views: make(map[string]*ledger.ProofView)}
}

func (m *memProofs) Insert(_ context.Context, p *ledger.ProofView) error {
	cp := *p
	m.views[p.ProofID] = &cp
	return nil
}

func (m *memProofs) Get(_ context.Context, id string) (*ledger.ProofView, error) {
	p, ok := m.views[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memProofs) ListByAsset(_ context.Context, assetID string) ([]*ledger.ProofView, error) {
	var out []*ledger.ProofView
	for _, p := range m.views {
		if p.AssetID == assetID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memProofs) Revoke(_ context.Context, id string, at time.Time) error {
	p, ok := m.views[id]
	if !ok {
		return ledger.ErrNotFound
	}
	if p.RevokedAt == nil {
		t := at
		p.RevokedAt = &t
	}
	return nil
}

type memEntries struct {
	rows []*ledger.Entry
}

func (m *memEntries) GetByID(context.Context, string) (*ledger.Entry, error) {
	return nil, ledger.ErrNotFound
}
func (m *memEntries) GetBySequence(context.Context, int64) (*ledger.Entry, error) {
	return nil, ledger.ErrNotFound
}
func (m *memEntries) GetByIdempotencyKey(context.Context, string) (*ledger.Entry, error) {
	return nil, ledger.ErrNotFound
}
func (m *memEntries) Head(context.Context) (*ledger.Entry, error) { return nil, ledger.ErrNotFound }
func (m *memEntries) Stats(context.Context) (*ledger.Stats, error) {
	return &ledger.Stats{}, nil
}
func (m *memEntries) List(_ context.Context, q ledger.Query) ([]*ledger.Entry, error) {
	var out []*ledger.Entry
	for _, r := range m.rows {
		if q.AssetID == "" || r.AssetID == q.AssetID {
			out = append(out, r)
		}
	}
	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func grantedHistory(t *testing.T) ([]*ledger.Entry, string, string) {
	t.Helper()
	evidenceHash := canonical.HashEvidenceSet([]string{"h1"})
	stateHash, err := canonical.HashAssetState(canonical.AssetState{
		Claim:          json.RawMessage(`{"v":1}`),
		EvidenceHashes: []string{"h1"},
		RulesetVersion: replay.DefaultRulesetVersion,
	})
	require.NoError(t, err)

	rows := []*ledger.Entry{
		{ID: "e1", SequenceNumber: 1, EventType: "CLAIM_ADDED", AssetID: "asset-A",
			Payload: []byte(`{"claim":{"v":1}}`)},
		{ID: "e2", SequenceNumber: 2, EventType: "EVIDENCE_ADDED", AssetID: "asset-A",
			Payload: []byte(`{"content_hash":"h1"}`)},
		{ID: "grant-1", SequenceNumber: 3, EventType: "VERIFICATION_GRANTED", AssetID: "asset-A",
			Payload:        []byte(`{}`),
			AssetStateHash: stateHash, EvidenceSetHash: evidenceHash},
	}
	return rows, stateHash, evidenceHash
}

func newService(t *testing.T, rows []*ledger.Entry) (*Service, *fakeAppender, *memProofs) {
	t.Helper()
	appender := &fakeAppender{}
	proofs := newMemProofs()
	svc := NewService(appender, proofs, &memEntries{rows: rows}, slog.New(slog.DiscardHandler))
	return svc, appender, proofs
}

func issue(t *testing.T, svc *Service, stateHash, evidenceHash string, expiresAt time.Time) *ledger.ProofView {
	t.Helper()
	view, err := svc.Issue(context.Background(), IssueRequest{
		AssetID:             "asset-A",
		VerificationEventID: "grant-1",
		AssetStateHash:      stateHash,
		EvidenceSetHash:     evidenceHash,
		RulesetVersion:      replay.DefaultRulesetVersion,
		ExpiresAt:           expiresAt,
		CreatedBy:           "verifier-1",
	})
	require.NoError(t, err)
	return view
}

func TestIssueEmitsEventAndStoresView(t *testing.T) {
	rows, stateHash, evidenceHash := grantedHistory(t)
	svc, appender, proofs := newService(t, rows)

	view := issue(t, svc, stateHash, evidenceHash, now.Add(time.Hour))

	require.Len(t, appender.appended, 1)
	assert.Equal(t, "PROOF_VIEW_CREATED", appender.appended[0].EventType)

	stored, err := proofs.Get(context.Background(), view.ProofID)
	require.NoError(t, err)
	wantSnapshot, err := canonical.HashSnapshot(stateHash, evidenceHash)
	require.NoError(t, err)
	assert.Equal(t, wantSnapshot, stored.SnapshotHash)
}

func TestIssueStampsConfiguredSchemaVersion(t *testing.T) {
	rows, stateHash, evidenceHash := grantedHistory(t)
	svc, appender, _ := newService(t, rows)
	svc.WithSchemaVersion("1.1.0")

	issue(t, svc, stateHash, evidenceHash, now.Add(time.Hour))

	require.Len(t, appender.appended, 1)
	assert.Equal(t, "1.1.0", appender.appended[0].SchemaVersion)
}

func TestIssueDefaultsSchemaVersion(t *testing.T) {
	rows, stateHash, evidenceHash := grantedHistory(t)
	svc, appender, _ := newService(t, rows)

	issue(t, svc, stateHash, evidenceHash, now.Add(time.Hour))

	require.Len(t, appender.appended, 1)
	assert.Equal(t, "1.0.0", appender.appended[0].SchemaVersion)
}

func TestValidateOK(t *testing.T) {
	rows, stateHash, evidenceHash := grantedHistory(t)
	svc, _, _ := newService(t, rows)
	view := issue(t, svc, stateHash, evidenceHash, now.Add(time.Hour))

	v, err := svc.Validate(context.Background(), view.ProofID, now)
	require.NoError(t, err)
	assert.True(t, v.OK)
	assert.Equal(t, ReasonOK, v.Reason)
}

func TestValidateExpired(t *testing.T) {
	rows, stateHash, evidenceHash := grantedHistory(t)
	svc, _, _ := newService(t, rows)
	view := issue(t, svc, stateHash, evidenceHash, now.Add(-time.Minute))

	v, err := svc.Validate(context.Background(), view.ProofID, now)
	require.NoError(t, err)
	assert.False(t, v.OK)
	assert.Equal(t, ReasonProofExpired, v.Reason)
}

func TestValidateRevokedWinsOverExpired(t *testing.T) {
	rows, stateHash, evidenceHash := grantedHistory(t)
	svc, appender, _ := newService(t, rows)
	view := issue(t, svc, stateHash, evidenceHash, now.Add(-time.Minute))

	_, err := svc.Revoke(context.Background(), view.ProofID, "admin-1")
	require.NoError(t, err)
	require.Len(t, appender.appended, 2)
	assert.Equal(t, "PROOF_VIEW_REVOKED", appender.appended[1].EventType)

	v, err := svc.Validate(context.Background(), view.ProofID, now)
	require.NoError(t, err)
	assert.Equal(t, ReasonProofRevoked, v.Reason)
}

func TestValidateFrozenAsset(t *testing.T) {
	rows, stateHash, evidenceHash := grantedHistory(t)
	rows = append(rows, &ledger.Entry{
		ID: "e4", SequenceNumber: 4, EventType: "DISPUTE_FILED", AssetID: "asset-A",
		Payload: []byte(`{}`),
	})
	svc, _, _ := newService(t, rows)
	view := issue(t, svc, stateHash, evidenceHash, now.Add(time.Hour))

	v, err := svc.Validate(context.Background(), view.ProofID, now)
	require.NoError(t, err)
	assert.Equal(t, ReasonAssetFrozen, v.Reason)
}

func TestValidateInvalidatedAfterNewEvidence(t *testing.T) {
	rows, stateHash, evidenceHash := grantedHistory(t)
	rows = append(rows, &ledger.Entry{
		ID: "e4", SequenceNumber: 4, EventType: "EVIDENCE_ADDED", AssetID: "asset-A",
		Payload: []byte(`{"content_hash":"h2"}`),
	})
	svc, _, _ := newService(t, rows)
	view := issue(t, svc, stateHash, evidenceHash, now.Add(time.Hour))

	v, err := svc.Validate(context.Background(), view.ProofID, now)
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidated, v.Reason)
}

func TestValidateNotActiveGrant(t *testing.T) {
	rows, stateHash, evidenceHash := grantedHistory(t)
	svc, _, _ := newService(t, rows)

	view, err := svc.Issue(context.Background(), IssueRequest{
		AssetID:             "asset-A",
		VerificationEventID: "some-older-grant",
		AssetStateHash:      stateHash,
		EvidenceSetHash:     evidenceHash,
		ExpiresAt:           now.Add(time.Hour),
		CreatedBy:           "verifier-1",
	})
	require.NoError(t, err)

	v, err := svc.Validate(context.Background(), view.ProofID, now)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotActiveGrant, v.Reason)
}

func TestValidateMissingProof(t *testing.T) {
	svc, _, _ := newService(t, nil)
	_, err := svc.Validate(context.Background(), "nope", now)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRevokeIsIdempotent(t *testing.T) {
	rows, stateHash, evidenceHash := grantedHistory(t)
	svc, appender, _ := newService(t, rows)
	view := issue(t, svc, stateHash, evidenceHash, now.Add(time.Hour))

	first, err := svc.Revoke(context.Background(), view.ProofID, "admin-1")
	require.NoError(t, err)
	require.NotNil(t, first.RevokedAt)

	second, err := svc.Revoke(context.Background(), view.ProofID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, first.RevokedAt, second.RevokedAt)
	// only the first revocation appended an event
	assert.Len(t, appender.appended, 2)
}
