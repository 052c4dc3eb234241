package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	ledgerappend "github.com/proveniq/ledger-core/pkg/append"
	"github.com/proveniq/ledger-core/pkg/audit"
	"github.com/proveniq/ledger-core/pkg/envelope"
	"github.com/proveniq/ledger-core/pkg/evidence"
	"github.com/proveniq/ledger-core/pkg/integrity"
	"github.com/proveniq/ledger-core/pkg/ledger"
	"github.com/proveniq/ledger-core/pkg/proof"
	"github.com/proveniq/ledger-core/pkg/replay"
	"github.com/proveniq/ledger-core/pkg/webhook"
)

// Appender commits validated envelopes to the chain.
type Appender interface {
	Append(ctx context.Context, env *envelope.Normalized) (*ledgerappend.Result, error)
}

// Processor drains pending webhook deliveries once.
type Processor interface {
	Process(ctx context.Context) (int, error)
}

// ProofService is the proof-view surface the handlers need.
type ProofService interface {
	Issue(ctx context.Context, req proof.IssueRequest) (*ledger.ProofView, error)
	Get(ctx context.Context, proofID string) (*ledger.ProofView, error)
	Validate(ctx context.Context, proofID string, now time.Time) (*proof.Validation, error)
	Revoke(ctx context.Context, proofID, actorID string) (*ledger.ProofView, error)
}

// IntegrityVerifier walks a chain range.
type IntegrityVerifier interface {
	VerifyRange(ctx context.Context, from, to int64, limit int) (*integrity.Report, error)
}

// Rebuilder replays the ledger into the derived tables.
type Rebuilder interface {
	Rebuild(ctx context.Context, actorID string) (*replay.Report, error)
}

// EvidenceService lists and deep-verifies evidence snapshots.
type EvidenceService interface {
	List(ctx context.Context, assetID string) ([]*ledger.EvidenceSnapshot, error)
	DeepVerify(ctx context.Context, assetID string) (*evidence.Report, error)
}

// VerificationReader serves the per-asset verification cache.
type VerificationReader interface {
	GetVerification(ctx context.Context, assetID string) (*ledger.VerificationCacheRow, error)
}

// Deps carries everything the HTTP surface is wired with. Optional fields
// may be nil; the corresponding routes then return 404 or act as no-ops.
type Deps struct {
	Logger    *slog.Logger
	Validator *envelope.Validator
	Engine    Appender
	Entries   ledger.Store

	Subscriptions webhook.SubscriptionStore
	Deliveries    webhook.DeliveryStore
	Worker        Processor
	// InvalidateSubscription evicts a subscription from the delivery cache
	// after admin mutations.
	InvalidateSubscription func(ctx context.Context, id string)

	Proofs       ProofService
	Verifier     IntegrityVerifier
	Rebuilder    Rebuilder
	Evidence     EvidenceService
	Verification VerificationReader

	Trail *audit.Trail

	// Actor extracts the acting identity from a request for audit records.
	Actor func(r *http.Request) string
	// AdminOnly guards administrative handlers. Identity by default.
	AdminOnly func(next http.HandlerFunc) http.HandlerFunc

	Clock func() time.Time
}

// Server is the ledger's HTTP surface.
type Server struct {
	deps   Deps
	logger *slog.Logger
	clock  func() time.Time
}

// NewServer builds the HTTP surface from its dependencies.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Actor == nil {
		deps.Actor = func(*http.Request) string { return "anonymous" }
	}
	if deps.AdminOnly == nil {
		deps.AdminOnly = func(next http.HandlerFunc) http.HandlerFunc { return next }
	}
	return &Server{
		deps:   deps,
		logger: deps.Logger.With("component", "api"),
		clock:  deps.Clock,
	}
}

// Routes registers every handler on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /events/canonical", s.handleIngestCanonical)
	mux.HandleFunc("POST /events", s.handleIngestLegacy)
	mux.HandleFunc("GET /events/{id}", s.handleGetEvent)
	mux.HandleFunc("GET /events", s.handleListEvents)
	mux.HandleFunc("GET /assets/{id}/events", s.handleAssetEvents)
	mux.HandleFunc("GET /anchors/{id}/events", s.handleAnchorEvents)

	mux.HandleFunc("GET /integrity/verify", s.handleIntegrityVerify)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /subscriptions", s.handleCreateSubscription)
	mux.HandleFunc("GET /subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("GET /subscriptions/{id}", s.handleGetSubscription)
	mux.HandleFunc("DELETE /subscriptions/{id}", s.handleDeleteSubscription)

	mux.HandleFunc("GET /webhooks/stats", s.handleWebhookStats)
	mux.HandleFunc("POST /webhooks/process", s.handleWebhookProcess)
	mux.HandleFunc("GET /webhooks/dead-letter", s.handleListDeadLetters)
	mux.HandleFunc("POST /webhooks/dead-letter/{id}/retry", s.handleRetryDeadLetter)

	mux.HandleFunc("POST /proofs", s.handleIssueProof)
	mux.HandleFunc("GET /proofs/{id}", s.handleGetProof)
	mux.HandleFunc("GET /proofs/{id}/validate", s.handleValidateProof)
	mux.HandleFunc("POST /proofs/{id}/revoke", s.handleRevokeProof)

	mux.HandleFunc("GET /assets/{id}/verification", s.handleAssetVerification)
	mux.HandleFunc("GET /assets/{id}/evidence", s.handleListEvidence)
	mux.HandleFunc("POST /assets/{id}/evidence/verify", s.deps.AdminOnly(s.handleDeepVerifyEvidence))

	mux.HandleFunc("POST /admin/rebuild", s.deps.AdminOnly(s.handleRebuild))

	return mux
}

func (s *Server) audit(ctx context.Context, action audit.Action, actor, resource string, detail any) {
	if s.deps.Trail == nil {
		return
	}
	if err := s.deps.Trail.Record(ctx, action, actor, resource, detail); err != nil {
		s.logger.WarnContext(ctx, "audit record failed", "action", string(action), "error", err)
	}
}
