package evidence

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proveniq/ledger-core/pkg/blob"
	"github.com/proveniq/ledger-core/pkg/canonical"
	"github.com/proveniq/ledger-core/pkg/ledger"
)

type memSnapshots struct {
	snaps []*ledger.EvidenceSnapshot
}

func (m *memSnapshots) ListEvidence(context.Context, string) ([]*ledger.EvidenceSnapshot, error) {
	return m.snaps, nil
}

func writeEvidence(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evidence.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDeepVerifyMatch(t *testing.T) {
	path := writeEvidence(t, "deed scan")
	snaps := &memSnapshots{snaps: []*ledger.EvidenceSnapshot{{
		AssetID:     "asset-A",
		EvidenceID:  "ev-1",
		ContentHash: canonical.HashBytes([]byte("deed scan")),
		StorageRef:  path,
	}}}

	svc := NewService(snaps, blob.NewStore(slog.New(slog.DiscardHandler)), slog.New(slog.DiscardHandler))
	report, err := svc.DeepVerify(context.Background(), "asset-A")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Matched)
	assert.True(t, report.Checks[0].Match)
}

func TestDeepVerifyTamperedContent(t *testing.T) {
	path := writeEvidence(t, "tampered bytes")
	snaps := &memSnapshots{snaps: []*ledger.EvidenceSnapshot{{
		AssetID:     "asset-A",
		EvidenceID:  "ev-1",
		ContentHash: canonical.HashBytes([]byte("original bytes")),
		StorageRef:  path,
	}}}

	svc := NewService(snaps, blob.NewStore(slog.New(slog.DiscardHandler)), slog.New(slog.DiscardHandler))
	report, err := svc.DeepVerify(context.Background(), "asset-A")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.False(t, report.Checks[0].Match)
}

func TestDeepVerifySkipsUnreferencedEvidence(t *testing.T) {
	snaps := &memSnapshots{snaps: []*ledger.EvidenceSnapshot{{
		AssetID:     "asset-A",
		EvidenceID:  "ev-1",
		ContentHash: "abc",
	}}}

	svc := NewService(snaps, blob.NewStore(slog.New(slog.DiscardHandler)), slog.New(slog.DiscardHandler))
	report, err := svc.DeepVerify(context.Background(), "asset-A")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Zero(t, report.Checked)
	assert.Equal(t, "no storage reference", report.Checks[0].Error)
}
