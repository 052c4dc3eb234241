// Package append implements the single-writer ingestion path: chain-lock
// serialization, idempotent dedup, hash computation, write-time projections,
// and the webhook fan-out outbox. All writes to ledger_entries go through
// this engine.
package append

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/proveniq/ledger-core/pkg/audit"
	"github.com/proveniq/ledger-core/pkg/canonical"
	"github.com/proveniq/ledger-core/pkg/envelope"
	"github.com/proveniq/ledger-core/pkg/events"
	"github.com/proveniq/ledger-core/pkg/ledger"
	"github.com/proveniq/ledger-core/pkg/store"
	"github.com/proveniq/ledger-core/pkg/webhook"
)

// Result is the outcome of one append. Deduplicated means the idempotency
// key had already been committed; Entry is then the original entry.
type Result struct {
	Entry        *ledger.Entry
	Deduplicated bool
}

// Metrics receives append outcomes. Implemented by the observability
// package; the engine works without one.
type Metrics interface {
	RecordAppend(ctx context.Context, eventType string, deduplicated bool, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordAppend(context.Context, string, bool, time.Duration) {}

// Engine serializes appends against the chain lock and guarantees exactly
// one entry per idempotency key.
type Engine struct {
	store   store.LedgerStore
	subs    webhook.SubscriptionStore
	logger  *slog.Logger
	metrics Metrics
	clock   func() time.Time
}

func NewEngine(st store.LedgerStore, subs webhook.SubscriptionStore, logger *slog.Logger) *Engine {
	return &Engine{
		store:   st,
		subs:    subs,
		logger:  logger.With("component", "append_engine"),
		metrics: nopMetrics{},
		clock:   time.Now,
	}
}

// WithMetrics attaches an append-outcome recorder.
func (e *Engine) WithMetrics(m Metrics) *Engine {
	e.metrics = m
	return e
}

// WithClock overrides the commit clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// projected lifts the verification-relevant columns out of the payload at
// write time so the reducer and proof validator never re-parse history.
type projected struct {
	AssetStateHash  string `json:"asset_state_hash"`
	EvidenceSetHash string `json:"evidence_set_hash"`
	RulesetVersion  string `json:"ruleset_version"`
}

type evidencePayload struct {
	EvidenceID  string          `json:"evidence_id"`
	ContentHash string          `json:"content_hash"`
	StorageRef  string          `json:"storage_ref"`
	Metadata    json.RawMessage `json:"metadata"`
}

// Append commits one validated envelope. Exactly one of the following holds
// afterwards: a new entry exists at head+1, or the idempotency key was
// already committed and the original entry is returned deduplicated.
func (e *Engine) Append(ctx context.Context, env *envelope.Normalized) (*Result, error) {
	start := e.clock()

	payloadHash, err := canonical.HashRawPayload(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("append: hash payload: %w", err)
	}

	hashDisagrees := env.CanonicalHashHex != "" &&
		!strings.EqualFold(env.CanonicalHashHex, payloadHash)

	// Subscriptions are loaded outside the lock; a subscription created
	// mid-append may miss this event, which at-least-once permits.
	subs, err := e.subs.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("append: list subscriptions: %w", err)
	}

	eventType := string(env.CanonicalType)
	source := env.Source()

	var result *Result
	err = e.store.InChainLock(ctx, func(ctx context.Context, tx *store.ChainTx) error {
		if existing, err := tx.ByIdempotencyKey(ctx, env.IdempotencyKey); err == nil {
			result = &Result{Entry: existing, Deduplicated: true}
			return nil
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("append: idempotency lookup: %w", err)
		}

		head, err := tx.Head(ctx)
		if err != nil {
			return fmt.Errorf("append: read head: %w", err)
		}

		sequence := int64(1)
		previousHash := ""
		if head != nil {
			sequence = head.SequenceNumber + 1
			previousHash = head.EntryHash
		}

		createdAt := canonical.TruncateTimestamp(e.clock())
		entry := &ledger.Entry{
			ID:             uuid.NewString(),
			SequenceNumber: sequence,
			EventType:      eventType,
			SchemaVersion:  env.SchemaVersion,
			Source:         source,
			Producer:       env.Producer,
			CorrelationID:  env.CorrelationID,
			ActorID:        env.Subject.ActorID,
			AssetID:        env.Subject.AssetID,
			AnchorID:       env.Subject.AnchorID,
			Payload:        env.Payload,
			PayloadHash:    payloadHash,
			PreviousHash:   previousHash,
			EntryHash:      canonical.HashEntry(payloadHash, previousHash, source, eventType, createdAt),
			CreatedAt:      createdAt,
			IdempotencyKey: env.IdempotencyKey,
		}

		if events.IsVerificationRelevant(env.CanonicalType) {
			var p projected
			if err := json.Unmarshal(env.Payload, &p); err == nil {
				entry.AssetStateHash = p.AssetStateHash
				entry.EvidenceSetHash = p.EvidenceSetHash
				entry.RulesetVersion = p.RulesetVersion
			}
		}

		if err := tx.InsertEntry(ctx, entry); err != nil {
			if store.IsUniqueViolation(err) {
				return ledger.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("append: insert entry: %w", err)
		}

		if env.CanonicalType == events.EvidenceAdded && entry.AssetID != "" {
			if err := e.projectEvidence(ctx, tx, entry); err != nil {
				return err
			}
		}

		if err := e.recordAppendAudits(ctx, tx, env, entry, payloadHash, hashDisagrees); err != nil {
			return err
		}

		deliveries := e.fanOut(subs, entry, createdAt)
		if len(deliveries) > 0 {
			if err := tx.EnqueueDeliveries(ctx, deliveries); err != nil {
				return fmt.Errorf("append: enqueue deliveries: %w", err)
			}
		}

		result = &Result{Entry: entry}
		return nil
	})

	// A concurrent duplicate won the race after our head read. The losing
	// transaction is aborted, so the retry lookup runs outside the lock.
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		existing, lookupErr := e.store.GetByIdempotencyKey(ctx, env.IdempotencyKey)
		if lookupErr != nil {
			return nil, fmt.Errorf("append: duplicate key retry: %w", lookupErr)
		}
		result = &Result{Entry: existing, Deduplicated: true}
		err = nil
	}
	if err != nil {
		return nil, err
	}

	e.metrics.RecordAppend(ctx, eventType, result.Deduplicated, e.clock().Sub(start))
	if result.Deduplicated {
		e.logger.Info("append deduplicated",
			"idempotency_key", env.IdempotencyKey,
			"sequence", result.Entry.SequenceNumber)
	} else {
		e.logger.Info("entry appended",
			"sequence", result.Entry.SequenceNumber,
			"event_type", eventType,
			"source", source,
			"entry_hash", result.Entry.EntryHash)
	}
	return result, nil
}

func (e *Engine) projectEvidence(ctx context.Context, tx *store.ChainTx, entry *ledger.Entry) error {
	var p evidencePayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil || p.EvidenceID == "" || p.ContentHash == "" {
		return nil // payload carries no projectable evidence
	}
	snap := &ledger.EvidenceSnapshot{
		AssetID:     entry.AssetID,
		EvidenceID:  p.EvidenceID,
		ContentHash: p.ContentHash,
		StorageRef:  p.StorageRef,
		Metadata:    p.Metadata,
		CreatedAt:   entry.CreatedAt,
	}
	if err := tx.UpsertEvidenceSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("append: project evidence: %w", err)
	}
	return nil
}

// recordAppendAudits writes alias-normalization and advisory-hash
// disagreement rows atomically with the entry.
func (e *Engine) recordAppendAudits(ctx context.Context, tx *store.ChainTx, env *envelope.Normalized, entry *ledger.Entry, payloadHash string, hashDisagrees bool) error {
	if env.Aliased {
		detail, _ := json.Marshal(map[string]string{
			"submitted": env.OriginalEventType,
			"canonical": entry.EventType,
		})
		if err := tx.InsertAudit(ctx, &audit.Record{
			ID:        uuid.NewString(),
			Action:    audit.ActionAliasNormalized,
			ActorID:   env.Producer,
			Resource:  entry.ID,
			Detail:    detail,
			CreatedAt: entry.CreatedAt,
		}); err != nil {
			return fmt.Errorf("append: audit alias: %w", err)
		}
	}
	if hashDisagrees {
		e.logger.Warn("advisory canonical hash disagrees with recomputation",
			"producer", env.Producer, "idempotency_key", env.IdempotencyKey)
		detail, _ := json.Marshal(map[string]string{
			"advisory":   env.CanonicalHashHex,
			"recomputed": payloadHash,
		})
		if err := tx.InsertAudit(ctx, &audit.Record{
			ID:        uuid.NewString(),
			Action:    audit.ActionHashDisagreement,
			ActorID:   env.Producer,
			Resource:  entry.ID,
			Detail:    detail,
			CreatedAt: entry.CreatedAt,
		}); err != nil {
			return fmt.Errorf("append: audit hash disagreement: %w", err)
		}
	}
	return nil
}

func (e *Engine) fanOut(subs []*webhook.Subscription, entry *ledger.Entry, now time.Time) []*webhook.Delivery {
	var deliveries []*webhook.Delivery
	for _, sub := range subs {
		if !sub.Matches(entry.EventType, entry.Source) {
			continue
		}
		deliveries = append(deliveries, &webhook.Delivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			EventID:        entry.ID,
			Status:         webhook.StatusPending,
			NextRetryAt:    now,
			CreatedAt:      now,
		})
	}
	return deliveries
}
