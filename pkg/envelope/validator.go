package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/proveniq/ledger-core/pkg/events"
)

// Validation error codes surfaced to callers.
const (
	CodeSchemaViolation    = "CANONICAL_SCHEMA_VIOLATION"
	CodeInvalidEventType   = "INVALID_EVENT_TYPE"
	CodeUnsupportedVersion = "UNSUPPORTED_SCHEMA_VERSION"
)

// ValidationError is a single validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// Code returns the dominant error code of a validation failure: the taxonomy
// and version codes win over generic schema violations so callers see the
// most specific kind.
func Code(errs []ValidationError) string {
	code := CodeSchemaViolation
	for _, e := range errs {
		if e.Code == CodeInvalidEventType || e.Code == CodeUnsupportedVersion {
			return e.Code
		}
	}
	return code
}

// envelopeSchema is the canonical envelope contract, compiled once. The
// structural shape lives here; taxonomy membership and version gating are
// enforced separately so they surface their own error codes.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "schema_version", "event_type", "occurred_at", "correlation_id",
    "idempotency_key", "producer", "producer_version", "subject",
    "payload", "canonical_hash_hex", "signatures"
  ],
  "properties": {
    "schema_version":     {"type": "string", "minLength": 1},
    "event_type":         {"type": "string", "minLength": 1, "maxLength": 96},
    "occurred_at":        {"type": "string", "format": "date-time"},
    "correlation_id":     {"type": "string", "minLength": 1, "maxLength": 128},
    "idempotency_key":    {"type": "string", "minLength": 1, "maxLength": 256},
    "producer":           {"type": "string", "minLength": 1, "maxLength": 128},
    "producer_version":   {"type": "string", "minLength": 1, "maxLength": 64},
    "subject": {
      "type": "object",
      "required": ["source"],
      "properties": {
        "source":    {"type": "string", "minLength": 1, "maxLength": 64},
        "asset_id":  {"type": "string", "maxLength": 128},
        "anchor_id": {"type": "string", "maxLength": 128},
        "actor_id":  {"type": "string", "maxLength": 128}
      }
    },
    "payload":            {"type": "object"},
    "canonical_hash_hex": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "signatures": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["key_id", "algorithm", "value"],
        "properties": {
          "key_id":    {"type": "string", "minLength": 1},
          "algorithm": {"type": "string", "minLength": 1},
          "value":     {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("proveniq://schemas/canonical-envelope.json", envelopeSchema)

// Validator validates submitted envelopes against the canonical contract and
// the configured schema versions.
type Validator struct {
	activeVersion  *semver.Version
	allowedReaders map[string]struct{}
	clock          func() time.Time
}

// NewValidator constructs a validator for the configured active schema
// version. allowedVersions is the read-side tolerance list; writes accept the
// active version only.
func NewValidator(activeVersion string, allowedVersions []string) (*Validator, error) {
	active, err := semver.NewVersion(strings.TrimPrefix(activeVersion, "v"))
	if err != nil {
		return nil, fmt.Errorf("envelope: invalid active schema version %q: %w", activeVersion, err)
	}
	allowed := make(map[string]struct{}, len(allowedVersions))
	for _, v := range allowedVersions {
		parsed, err := semver.NewVersion(strings.TrimPrefix(v, "v"))
		if err != nil {
			return nil, fmt.Errorf("envelope: invalid allowed schema version %q: %w", v, err)
		}
		allowed[parsed.Original()] = struct{}{}
	}
	return &Validator{
		activeVersion:  active,
		allowedReaders: allowed,
		clock:          time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// ActiveVersion returns the configured active schema version string.
func (v *Validator) ActiveVersion() string {
	return v.activeVersion.Original()
}

// Validate checks raw against the canonical envelope contract. It is
// fail-closed: any structural mismatch, unknown event type, or inactive
// schema version rejects the submission before any database write.
func (v *Validator) Validate(raw []byte) (*Normalized, []ValidationError) {
	var errs []ValidationError

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, append(errs, ValidationError{
			Field: "body", Code: CodeSchemaViolation,
			Message: fmt.Sprintf("invalid JSON: %v", err),
		})
	}

	if err := compiledSchema.Validate(generic); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			for _, cause := range flatten(ve) {
				errs = append(errs, ValidationError{
					Field:   strings.TrimPrefix(cause.InstanceLocation, "/"),
					Code:    CodeSchemaViolation,
					Message: cause.Message,
				})
			}
		} else {
			errs = append(errs, ValidationError{Field: "body", Code: CodeSchemaViolation, Message: err.Error()})
		}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, append(errs, ValidationError{
			Field: "body", Code: CodeSchemaViolation,
			Message: fmt.Sprintf("envelope decode failed: %v", err),
		})
	}

	// Schema version gating: only the active version is accepted for writes.
	if env.SchemaVersion != "" {
		submitted, err := semver.NewVersion(strings.TrimPrefix(env.SchemaVersion, "v"))
		switch {
		case err != nil:
			errs = append(errs, ValidationError{
				Field: "schema_version", Code: CodeUnsupportedVersion,
				Message: fmt.Sprintf("unparseable schema version %q", env.SchemaVersion),
			})
		case !submitted.Equal(v.activeVersion):
			errs = append(errs, ValidationError{
				Field: "schema_version", Code: CodeUnsupportedVersion,
				Message: fmt.Sprintf("schema version %q is not the active version %q", env.SchemaVersion, v.activeVersion.Original()),
			})
		}
	}

	// Taxonomy membership and alias normalization.
	canonical, aliased, known := events.Normalize(env.EventType)
	if env.EventType != "" && !known {
		errs = append(errs, ValidationError{
			Field: "event_type", Code: CodeInvalidEventType,
			Message: fmt.Sprintf("unknown event type %q", env.EventType),
		})
	}

	if env.OccurredAt.After(v.clock().Add(5 * time.Minute)) {
		errs = append(errs, ValidationError{
			Field: "occurred_at", Code: CodeSchemaViolation,
			Message: "occurred_at is in the future",
		})
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return &Normalized{
		Envelope:          env,
		CanonicalType:     canonical,
		OriginalEventType: strings.TrimSpace(env.EventType),
		Aliased:           aliased,
	}, nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// flatten walks the validation error tree and returns the leaf causes.
func flatten(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, flatten(c)...)
	}
	return out
}
