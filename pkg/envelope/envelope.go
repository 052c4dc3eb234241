// Package envelope defines the canonical event envelope accepted by the
// Proveniq ledger and its fail-closed validator. Producers submit envelopes;
// the validator enforces the canonical schema, the closed event-type
// taxonomy, and schema-version gating before anything touches the chain.
package envelope

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/proveniq/ledger-core/pkg/events"
)

// Subject identifies what an event is about: the origin domain plus optional
// asset, anchor, and actor references.
type Subject struct {
	Source   string `json:"source"`
	AssetID  string `json:"asset_id,omitempty"`
	AnchorID string `json:"anchor_id,omitempty"`
	ActorID  string `json:"actor_id,omitempty"`
}

// Signature is a producer-attached signature. The ledger records signatures
// for the audit trail; verification belongs to the partner registry, which is
// an external collaborator.
type Signature struct {
	KeyID     string `json:"key_id"`
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// Envelope is the canonical submission format. Every field listed as required
// by the active schema must be present; canonical_hash_hex is advisory only
// and is always recomputed server-side.
type Envelope struct {
	SchemaVersion    string          `json:"schema_version"`
	EventType        string          `json:"event_type"`
	OccurredAt       time.Time       `json:"occurred_at"`
	CorrelationID    string          `json:"correlation_id"`
	IdempotencyKey   string          `json:"idempotency_key"`
	Producer         string          `json:"producer"`
	ProducerVersion  string          `json:"producer_version"`
	Subject          Subject         `json:"subject"`
	Payload          json.RawMessage `json:"payload"`
	CanonicalHashHex string          `json:"canonical_hash_hex"`
	Signatures       []Signature     `json:"signatures"`
}

// Normalized is a validated envelope ready for the append engine. EventType
// is canonical; OriginalEventType preserves the submitted symbol when a
// legacy alias was rewritten.
type Normalized struct {
	Envelope
	CanonicalType     events.Type
	OriginalEventType string
	Aliased           bool
}

// Source returns the origin domain for the entry: the subject's source when
// given, otherwise the lower-cased family prefix of the event type
// (HOME_ASSET_REGISTERED -> "home").
func (n *Normalized) Source() string {
	if s := strings.TrimSpace(n.Subject.Source); s != "" {
		return strings.ToLower(s)
	}
	t := string(n.CanonicalType)
	if i := strings.IndexByte(t, '_'); i > 0 {
		return strings.ToLower(t[:i])
	}
	return strings.ToLower(t)
}
