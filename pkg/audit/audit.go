// Package audit records the side channel of the ledger: alias
// normalizations, advisory-hash disagreements, subscription administration,
// and dead-letter retries. Records land in the audit_log table when a store
// is configured and are always mirrored as JSON lines for log shipping.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action categorizes an audit record.
type Action string

const (
	ActionAliasNormalized  Action = "ALIAS_NORMALIZED"
	ActionHashDisagreement Action = "ADVISORY_HASH_DISAGREEMENT"
	ActionSubscriptionOp   Action = "SUBSCRIPTION_ADMIN"
	ActionDeadLetterRetry  Action = "DEAD_LETTER_RETRY"
	ActionRebuild          Action = "READ_MODEL_REBUILD"
)

// Record is one structured audit row.
type Record struct {
	ID        string          `json:"id"`
	Action    Action          `json:"action"`
	ActorID   string          `json:"actor_id,omitempty"`
	Resource  string          `json:"resource,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store persists audit records durably.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
}

// Trail is the audit entry point. Writes go to the durable store when one is
// configured and to the line writer always. Failures to audit are returned to
// the caller; what to do with them is the caller's policy.
type Trail struct {
	mu     sync.Mutex
	store  Store
	writer io.Writer
	clock  func() time.Time
}

// NewTrail creates a Trail writing JSON lines to os.Stdout.
func NewTrail(store Store) *Trail {
	return NewTrailWithWriter(store, os.Stdout)
}

// NewTrailWithWriter allows injecting the line sink for testing.
func NewTrailWithWriter(store Store, w io.Writer) *Trail {
	if w == nil {
		w = os.Stdout
	}
	return &Trail{store: store, writer: w, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// Record writes one audit record. detail may be any JSON-marshalable value.
func (t *Trail) Record(ctx context.Context, action Action, actorID, resource string, detail any) error {
	var raw json.RawMessage
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return err
		}
		raw = b
	}

	rec := &Record{
		ID:        uuid.New().String(),
		Action:    action,
		ActorID:   actorID,
		Resource:  resource,
		Detail:    raw,
		CreatedAt: t.clock().UTC(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := t.writer.Write(append(append([]byte("AUDIT: "), line...), '\n')); err != nil {
		return err
	}

	if t.store != nil {
		return t.store.Insert(ctx, rec)
	}
	return nil
}
