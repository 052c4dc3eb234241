package integrity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proveniq/ledger-core/pkg/canonical"
	"github.com/proveniq/ledger-core/pkg/ledger"
)

type memChain struct {
	entries []*ledger.Entry
}

func (m *memChain) GetByID(context.Context, string) (*ledger.Entry, error) {
	return nil, ledger.ErrNotFound
}

func (m *memChain) GetBySequence(_ context.Context, seq int64) (*ledger.Entry, error) {
	for _, e := range m.entries {
		if e.SequenceNumber == seq {
			return e, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (m *memChain) GetByIdempotencyKey(context.Context, string) (*ledger.Entry, error) {
	return nil, ledger.ErrNotFound
}

func (m *memChain) List(_ context.Context, q ledger.Query) ([]*ledger.Entry, error) {
	var out []*ledger.Entry
	for _, e := range m.entries {
		if q.FromSequence > 0 && e.SequenceNumber < q.FromSequence {
			continue
		}
		if q.ToSequence > 0 && e.SequenceNumber > q.ToSequence {
			continue
		}
		out = append(out, e)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memChain) Head(context.Context) (*ledger.Entry, error) {
	if len(m.entries) == 0 {
		return nil, ledger.ErrNotFound
	}
	return m.entries[len(m.entries)-1], nil
}

func (m *memChain) Stats(context.Context) (*ledger.Stats, error) { return &ledger.Stats{}, nil }

type memCheckpoints struct {
	inserted []*ledger.IntegrityCheckpoint
}

func (m *memCheckpoints) InsertCheckpoint(_ context.Context, cp *ledger.IntegrityCheckpoint) error {
	m.inserted = append(m.inserted, cp)
	return nil
}

func (m *memCheckpoints) LatestCheckpoint(context.Context) (*ledger.IntegrityCheckpoint, error) {
	if len(m.inserted) == 0 {
		return nil, ledger.ErrNotFound
	}
	return m.inserted[len(m.inserted)-1], nil
}

// buildChain appends n honestly hashed entries.
func buildChain(t *testing.T, n int) *memChain {
	t.Helper()
	chain := &memChain{}
	prevHash := ""
	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= n; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
		payloadHash, err := canonical.HashRawPayload(payload)
		require.NoError(t, err)
		createdAt = createdAt.Add(time.Second)

		e := &ledger.Entry{
			ID:             fmt.Sprintf("evt-%d", i),
			SequenceNumber: int64(i),
			EventType:      "HOME_ASSET_REGISTERED",
			Source:         "home",
			Payload:        payload,
			PayloadHash:    payloadHash,
			PreviousHash:   prevHash,
			EntryHash:      canonical.HashEntry(payloadHash, prevHash, "home", "HOME_ASSET_REGISTERED", createdAt),
			CreatedAt:      createdAt,
		}
		chain.entries = append(chain.entries, e)
		prevHash = e.EntryHash
	}
	return chain
}

func newVerifier(chain *memChain, cps *memCheckpoints) *Verifier {
	return NewVerifier(chain, cps, slog.New(slog.DiscardHandler))
}

func TestVerifyValidChain(t *testing.T) {
	chain := buildChain(t, 25)
	cps := &memCheckpoints{}

	report, err := newVerifier(chain, cps).VerifyRange(context.Background(), 0, 0, 0)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(25), report.EntriesChecked)
	assert.Equal(t, int64(1), report.FirstSequence)
	assert.Equal(t, int64(25), report.LastSequence)
	assert.Empty(t, report.Errors)

	// a full valid walk records a checkpoint at the head
	require.Len(t, cps.inserted, 1)
	assert.Equal(t, int64(25), cps.inserted[0].CheckpointSequence)
	assert.Equal(t, chain.entries[24].EntryHash, cps.inserted[0].CheckpointHash)
}

func TestVerifyEmptyChain(t *testing.T) {
	report, err := newVerifier(&memChain{}, nil).VerifyRange(context.Background(), 0, 0, 0)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Zero(t, report.EntriesChecked)
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	chain := buildChain(t, 5)
	chain.entries[2].Payload = json.RawMessage(`{"n":999}`)

	report, err := newVerifier(chain, nil).VerifyRange(context.Background(), 0, 0, 0)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.NotEmpty(t, report.Errors)
	assert.Contains(t, report.Errors[0], "payload_hash mismatch")
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	chain := buildChain(t, 5)
	chain.entries[3].PreviousHash = "0000"

	report, err := newVerifier(chain, nil).VerifyRange(context.Background(), 0, 0, 0)
	require.NoError(t, err)
	assert.False(t, report.Valid)

	found := false
	for _, msg := range report.Errors {
		if msg == "sequence 4: chain link broken" {
			found = true
		}
	}
	assert.True(t, found, "expected a chain link error, got %v", report.Errors)
}

func TestVerifyDetectsSequenceGap(t *testing.T) {
	chain := buildChain(t, 5)
	chain.entries = append(chain.entries[:2], chain.entries[3:]...) // drop sequence 3

	report, err := newVerifier(chain, nil).VerifyRange(context.Background(), 0, 0, 0)
	require.NoError(t, err)
	assert.False(t, report.Valid)
}

func TestVerifySubrangeChecksBoundaryLink(t *testing.T) {
	chain := buildChain(t, 10)
	cps := &memCheckpoints{}

	report, err := newVerifier(chain, cps).VerifyRange(context.Background(), 4, 7, 0)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(4), report.FirstSequence)
	assert.Equal(t, int64(7), report.LastSequence)
	// partial walks never checkpoint
	assert.Empty(t, cps.inserted)
}

func TestVerifyLimitCapped(t *testing.T) {
	chain := buildChain(t, 10)

	report, err := newVerifier(chain, nil).VerifyRange(context.Background(), 1, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.EntriesChecked)
	assert.Equal(t, int64(3), report.LastSequence)
}
