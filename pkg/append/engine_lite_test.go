package append

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proveniq/ledger-core/pkg/envelope"
	"github.com/proveniq/ledger-core/pkg/events"
	"github.com/proveniq/ledger-core/pkg/integrity"
	"github.com/proveniq/ledger-core/pkg/ledger"
	"github.com/proveniq/ledger-core/pkg/store"
)

// Many producers hammering one engine must still yield a dense 1..N chain
// with intact hash links. Runs against the embedded SQLite backend, so the
// whole path (lock, head read, insert, commit) is real.
func TestAppendConcurrentProducersGaplessChain(t *testing.T) {
	const producers = 64
	const perProducer = 16
	const total = producers * perProducer

	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	lite, err := store.OpenLite(t.TempDir()+"/chain.db", logger)
	require.NoError(t, err)
	require.NoError(t, lite.Migrate(ctx))

	eng := NewEngine(lite, &memSubs{}, logger)

	errs := make(chan error, total)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				env := &envelope.Normalized{
					Envelope: envelope.Envelope{
						SchemaVersion:  "1.0.0",
						EventType:      "HOME_ASSET_REGISTERED",
						OccurredAt:     time.Now().UTC(),
						CorrelationID:  fmt.Sprintf("corr-%d-%d", p, i),
						IdempotencyKey: fmt.Sprintf("producer-%d-event-%d", p, i),
						Producer:       fmt.Sprintf("producer-%d", p),
						Subject:        envelope.Subject{Source: "home", AssetID: fmt.Sprintf("asset-%d", p)},
						Payload:        []byte(fmt.Sprintf(`{"producer":%d,"n":%d}`, p, i)),
					},
					CanonicalType: events.Type("HOME_ASSET_REGISTERED"),
				}
				if _, err := eng.Append(ctx, env); err != nil {
					errs <- fmt.Errorf("producer %d event %d: %w", p, i, err)
				}
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	// every sequence 1..total assigned exactly once, no gaps
	seen := make(map[int64]bool, total)
	next := int64(1)
	for {
		page, err := lite.List(ctx, ledger.Query{FromSequence: next, Limit: 500})
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			require.False(t, seen[e.SequenceNumber], "sequence %d assigned twice", e.SequenceNumber)
			seen[e.SequenceNumber] = true
			next = e.SequenceNumber + 1
		}
	}
	require.Len(t, seen, total)
	for seq := int64(1); seq <= total; seq++ {
		require.True(t, seen[seq], "sequence %d missing", seq)
	}

	report, err := integrity.NewVerifier(lite, nil, logger).VerifyRange(ctx, 0, 0, 0)
	require.NoError(t, err)
	assert.True(t, report.Valid, "chain errors: %v", report.Errors)
	assert.Equal(t, int64(total), report.EntriesChecked)
	assert.Equal(t, int64(total), report.LastSequence)
}
