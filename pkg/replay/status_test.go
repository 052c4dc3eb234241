package replay

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proveniq/ledger-core/pkg/ledger"
)

func TestStatusReaderReducesOnline(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []*ledger.Entry{
		{ID: "e1", SequenceNumber: 1, EventType: "HOME_ASSET_REGISTERED", AssetID: "asset-A",
			Payload: []byte(`{}`), CreatedAt: at},
		{ID: "e2", SequenceNumber: 2, EventType: "CLAIM_ADDED", AssetID: "asset-B",
			Payload: []byte(`{"claim":{"v":1}}`), CreatedAt: at},
	}

	cache := newMemProjections()
	reader := NewStatusReader(&memLedger{rows: rows}, cache, slog.New(slog.DiscardHandler)).
		WithClock(func() time.Time { return at })

	row, err := reader.GetVerification(context.Background(), "asset-A")
	require.NoError(t, err)
	assert.Equal(t, StatusUnverified, row.Status)
	assert.Equal(t, "asset-A", row.AssetID)

	// each read refreshes the cache row
	require.NotNil(t, cache.verifications["asset-A"])
	assert.Equal(t, row.Status, cache.verifications["asset-A"].Status)
}

func TestStatusReaderUnknownAsset(t *testing.T) {
	reader := NewStatusReader(&memLedger{}, newMemProjections(), slog.New(slog.DiscardHandler))

	_, err := reader.GetVerification(context.Background(), "asset-missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
}

func TestStatusReaderSurvivesCacheFailure(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []*ledger.Entry{
		{ID: "e1", SequenceNumber: 1, EventType: "HOME_ASSET_REGISTERED", AssetID: "asset-A",
			Payload: []byte(`{}`), CreatedAt: at},
	}

	reader := NewStatusReader(&memLedger{rows: rows}, nil, slog.New(slog.DiscardHandler)).
		WithClock(func() time.Time { return at })

	row, err := reader.GetVerification(context.Background(), "asset-A")
	require.NoError(t, err)
	assert.Equal(t, StatusUnverified, row.Status)
}
