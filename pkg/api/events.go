package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	ledgerappend "github.com/proveniq/ledger-core/pkg/append"
	"github.com/proveniq/ledger-core/pkg/canonical"
	"github.com/proveniq/ledger-core/pkg/envelope"
	"github.com/proveniq/ledger-core/pkg/ledger"
)

const maxBodyBytes = 1 << 20 // 1MB
const maxPageLimit = 1000

// IngestResponse acknowledges a committed (or deduplicated) event.
type IngestResponse struct {
	EventID        string    `json:"event_id"`
	SequenceNumber int64     `json:"sequence_number"`
	EntryHash      string    `json:"entry_hash"`
	CommittedAt    time.Time `json:"committed_at"`
	SchemaVersion  string    `json:"schema_version"`
	Idempotent     bool      `json:"idempotent"`
}

func ingestResponse(res *ledgerappend.Result) IngestResponse {
	return IngestResponse{
		EventID:        res.Entry.ID,
		SequenceNumber: res.Entry.SequenceNumber,
		EntryHash:      res.Entry.EntryHash,
		CommittedAt:    res.Entry.CreatedAt,
		SchemaVersion:  res.Entry.SchemaVersion,
		Idempotent:     res.Deduplicated,
	}
}

func (s *Server) handleIngestCanonical(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, KindSchemaViolation, "unreadable request body")
		return
	}

	norm, verrs := s.deps.Validator.Validate(raw)
	if len(verrs) > 0 {
		WriteBadRequest(w, envelope.Code(verrs), validationDetail(verrs))
		return
	}

	s.commit(w, r, norm)
}

// legacyEvent is the pre-canonical ingest format. Missing envelope fields
// are synthesized; a missing idempotency key is derived from
// (source, event_type, payload_hash, occurred_at) so a replayed legacy
// submission still deduplicates instead of silently duplicating.
type legacyEvent struct {
	Source         string          `json:"source"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurred_at"`
	CorrelationID  string          `json:"correlation_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Producer       string          `json:"producer"`
	AssetID        string          `json:"asset_id"`
	AnchorID       string          `json:"anchor_id"`
	ActorID        string          `json:"actor_id"`
}

func (s *Server) handleIngestLegacy(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var legacy legacyEvent
	if err := json.NewDecoder(r.Body).Decode(&legacy); err != nil {
		WriteBadRequest(w, KindSchemaViolation, "invalid request body")
		return
	}
	if legacy.EventType == "" || legacy.Source == "" {
		WriteBadRequest(w, KindSchemaViolation, "source and event_type are required")
		return
	}
	if len(legacy.Payload) == 0 {
		legacy.Payload = json.RawMessage(`{}`)
	}

	payloadHash, err := canonical.HashRawPayload(legacy.Payload)
	if err != nil {
		WriteBadRequest(w, KindInvalidPayload, "payload is not a canonicalizable JSON object")
		return
	}

	occurredAt := legacy.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock().UTC()
	}
	idempotencyKey := legacy.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = "legacy-" + canonical.HashBytes([]byte(strings.Join([]string{
			legacy.Source, legacy.EventType, payloadHash, occurredAt.UTC().Format(time.RFC3339Nano),
		}, "|")))
	}
	correlationID := legacy.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	producer := legacy.Producer
	if producer == "" {
		producer = "legacy-ingest"
	}

	env := envelope.Envelope{
		SchemaVersion:    s.deps.Validator.ActiveVersion(),
		EventType:        legacy.EventType,
		OccurredAt:       occurredAt,
		CorrelationID:    correlationID,
		IdempotencyKey:   idempotencyKey,
		Producer:         producer,
		ProducerVersion:  "legacy",
		Subject:          envelope.Subject{Source: legacy.Source, AssetID: legacy.AssetID, AnchorID: legacy.AnchorID, ActorID: legacy.ActorID},
		Payload:          legacy.Payload,
		CanonicalHashHex: payloadHash,
		Signatures:       []envelope.Signature{},
	}
	raw, err := json.Marshal(env)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	norm, verrs := s.deps.Validator.Validate(raw)
	if len(verrs) > 0 {
		WriteBadRequest(w, envelope.Code(verrs), validationDetail(verrs))
		return
	}

	s.commit(w, r, norm)
}

func (s *Server) commit(w http.ResponseWriter, r *http.Request, norm *envelope.Normalized) {
	res, err := s.deps.Engine.Append(r.Context(), norm)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	WriteJSON(w, status, ingestResponse(res))
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Entries.GetByID(r.Context(), r.PathValue("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		WriteNotFound(w, KindEventNotFound, "no such event")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, entry)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		WriteBadRequest(w, KindInvalidPayload, err.Error())
		return
	}
	s.listEvents(w, r, q)
}

func (s *Server) handleAssetEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		WriteBadRequest(w, KindInvalidPayload, err.Error())
		return
	}
	q.AssetID = r.PathValue("id")
	s.listEvents(w, r, q)
}

func (s *Server) handleAnchorEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		WriteBadRequest(w, KindInvalidPayload, err.Error())
		return
	}
	q.AnchorID = r.PathValue("id")
	s.listEvents(w, r, q)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request, q ledger.Query) {
	entries, err := s.deps.Entries.List(r.Context(), q)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"events": entries,
		"count":  len(entries),
		"limit":  q.Limit,
		"offset": q.Offset,
	})
}

func parseQuery(r *http.Request) (ledger.Query, error) {
	vals := r.URL.Query()
	q := ledger.Query{
		AssetID:       vals.Get("asset_id"),
		AnchorID:      vals.Get("anchor_id"),
		CorrelationID: vals.Get("correlation_id"),
		EventType:     vals.Get("event_type"),
		Source:        vals.Get("source"),
	}

	var err error
	if q.Limit, err = parseIntParam(vals.Get("limit"), 100); err != nil {
		return q, errors.New("limit must be a non-negative integer")
	}
	if q.Limit > maxPageLimit {
		q.Limit = maxPageLimit
	}
	if q.Offset, err = parseIntParam(vals.Get("offset"), 0); err != nil {
		return q, errors.New("offset must be a non-negative integer")
	}
	from, err := parseIntParam(vals.Get("from_sequence"), 0)
	if err != nil {
		return q, errors.New("from_sequence must be a non-negative integer")
	}
	to, err := parseIntParam(vals.Get("to_sequence"), 0)
	if err != nil {
		return q, errors.New("to_sequence must be a non-negative integer")
	}
	q.FromSequence, q.ToSequence = int64(from), int64(to)
	return q, nil
}

func parseIntParam(v string, fallback int) (int, error) {
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("not a non-negative integer")
	}
	return n, nil
}

func validationDetail(verrs []envelope.ValidationError) string {
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}
