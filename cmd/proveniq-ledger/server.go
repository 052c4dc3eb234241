package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/proveniq/ledger-core/pkg/api"
	ledgerappend "github.com/proveniq/ledger-core/pkg/append"
	"github.com/proveniq/ledger-core/pkg/audit"
	"github.com/proveniq/ledger-core/pkg/auth"
	"github.com/proveniq/ledger-core/pkg/blob"
	"github.com/proveniq/ledger-core/pkg/config"
	"github.com/proveniq/ledger-core/pkg/envelope"
	"github.com/proveniq/ledger-core/pkg/evidence"
	"github.com/proveniq/ledger-core/pkg/integrity"
	"github.com/proveniq/ledger-core/pkg/observability"
	"github.com/proveniq/ledger-core/pkg/proof"
	"github.com/proveniq/ledger-core/pkg/replay"
	"github.com/proveniq/ledger-core/pkg/store"
	"github.com/proveniq/ledger-core/pkg/webhook"
)

// services is the fully wired ledger stack shared by the server and the
// standalone worker command.
type services struct {
	cfg     *config.Config
	profile *config.DeploymentProfile
	logger  *slog.Logger

	ledgerStore store.LedgerStore
	readModels  *store.ReadModelStore
	subs        *store.SubscriptionSQLStore
	deliveries  *store.DeliverySQLStore
	proofStore  *store.ProofStore
	trail       *audit.Trail

	validator *envelope.Validator
	engine    *ledgerappend.Engine
	worker    *webhook.Worker
	verifier  *integrity.Verifier
	status    *replay.StatusReader
	rebuilder *replay.Rebuilder
	evidence  *evidence.Service
	proofs    *proof.Service

	provider   *observability.Provider
	invalidate func(ctx context.Context, id string)
}

func buildServices(ctx context.Context) (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	var profile *config.DeploymentProfile
	if cfg.Profile != "" {
		profile, err = config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
		if err != nil {
			return nil, err
		}
		profile.Apply(cfg)
	}

	logger := observability.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	provider, err := observability.New(ctx, observability.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       true,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	workerID := workerIdentity()

	s := &services{cfg: cfg, profile: profile, logger: logger, provider: provider}

	if cfg.LiteMode() {
		logger.Info("DATABASE_URL not set, running in lite mode", "path", cfg.LiteDatabasePath())
		lite, err := store.OpenLite(cfg.LiteDatabasePath(), logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := lite.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		s.ledgerStore = lite
		db := lite.DB()
		s.readModels = store.NewReadModelStore(db)
		s.subs = store.NewSubscriptionStore(db)
		s.deliveries = store.NewLiteDeliveryStore(db, workerID)
		s.proofStore = store.NewProofStore(db)
		s.trail = audit.NewTrail(store.NewAuditStore(db))
	} else {
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		pg := store.NewPostgresLedgerStore(db, logger)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		s.ledgerStore = pg
		s.readModels = store.NewReadModelStore(db)
		s.subs = store.NewSubscriptionStore(db)
		s.deliveries = store.NewDeliveryStore(db, workerID)
		s.proofStore = store.NewProofStore(db)
		s.trail = audit.NewTrail(store.NewAuditStore(db))
	}

	s.validator, err = envelope.NewValidator(cfg.ActiveSchemaVersion, cfg.AllowedSchemaVersions)
	if err != nil {
		return nil, err
	}

	s.engine = ledgerappend.NewEngine(s.ledgerStore, s.subs, logger).WithMetrics(provider)

	var source webhook.SubscriptionSource
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		cache := webhook.NewRedisCache(s.subs, redis.NewClient(opt))
		source = cache
		s.invalidate = cache.Invalidate
		logger.Info("subscription cache: redis")
	} else {
		cache := webhook.NewMemoryCache(s.subs)
		source = cache
		s.invalidate = func(_ context.Context, id string) { cache.Invalidate(id) }
	}

	s.worker = webhook.NewWorker(s.deliveries, source, s.ledgerStore, logger).
		WithPolicy(webhook.RetryPolicy{
			MaxAttempts: cfg.WebhookMaxAttempts,
			Base:        cfg.BackoffBase,
			Cap:         cfg.BackoffCap,
		}).
		WithBatchSize(cfg.WebhookBatchSize).
		WithMetrics(provider)

	s.verifier = integrity.NewVerifier(s.ledgerStore, s.readModels, logger)
	s.status = replay.NewStatusReader(s.ledgerStore, s.readModels, logger)
	s.rebuilder = replay.NewRebuilder(s.ledgerStore, s.readModels, s.proofStore, s.trail, logger)

	var fetcher blob.Fetcher = blob.NewStore(logger)
	if profile != nil {
		fetcher = &policyFetcher{profile: profile, inner: fetcher}
	}
	s.evidence = evidence.NewService(s.readModels, fetcher, logger)
	s.proofs = proof.NewService(s.engine, s.proofStore, s.ledgerStore, logger).
		WithSchemaVersion(cfg.ActiveSchemaVersion)

	return s, nil
}

// policyFetcher applies the deployment profile's evidence policy: deep
// verification must be opted into, and storage_ref schemes may be restricted.
type policyFetcher struct {
	profile *config.DeploymentProfile
	inner   blob.Fetcher
}

func (f *policyFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if !f.profile.Evidence.DeepVerify {
		return nil, fmt.Errorf("deep verification disabled by profile %s", f.profile.Code)
	}
	if !f.profile.SchemeAllowed(refScheme(ref)) {
		return nil, fmt.Errorf("scheme %s not allowed by profile %s", refScheme(ref), f.profile.Code)
	}
	return f.inner.Fetch(ctx, ref)
}

func refScheme(ref string) string {
	if scheme, _, ok := strings.Cut(ref, "://"); ok {
		return scheme
	}
	return "file"
}

func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func actorFromRequest(r *http.Request) string {
	if p, err := auth.GetPrincipal(r.Context()); err == nil {
		return p.ID
	}
	return "anonymous"
}

func runServer(stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := buildServices(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 2
	}
	defer func() { _ = s.provider.Shutdown(context.Background()) }()

	apiServer := api.NewServer(api.Deps{
		Logger:                 s.logger,
		Validator:              s.validator,
		Engine:                 s.engine,
		Entries:                s.ledgerStore,
		Subscriptions:          s.subs,
		Deliveries:             s.deliveries,
		Worker:                 s.worker,
		InvalidateSubscription: s.invalidate,
		Proofs:                 s.proofs,
		Verifier:               s.verifier,
		Rebuilder:              s.rebuilder,
		Evidence:               s.evidence,
		Verification:           s.status,
		Trail:                  s.trail,
		Actor:                  actorFromRequest,
		AdminOnly:              auth.RequireAdmin,
	})

	rps, burst := 50.0, 100
	if s.profile != nil {
		if s.profile.RateLimit.RequestsPerSecond > 0 {
			rps = s.profile.RateLimit.RequestsPerSecond
		}
		if s.profile.RateLimit.Burst > 0 {
			burst = s.profile.RateLimit.Burst
		}
	}
	limiter := auth.NewRateLimiter(rps, burst)
	handler := auth.RequestIDMiddleware(
		auth.CORSMiddleware(nil)(
			auth.NewMiddleware(s.cfg.AdminAPIKey, auth.NewJWTValidator([]byte(s.cfg.JWTSecret)))(
				auth.RateLimitMiddleware(limiter)(
					apiServer.Routes(),
				),
			),
		),
	)

	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("delivery worker stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("proveniq-ledger ready", "port", s.cfg.Port, "lite_mode", s.cfg.LiteMode())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(stderr, "server failed: %v\n", err)
		return 2
	}
	s.logger.Info("shutdown complete")
	return 0
}

func runWorkerCmd(stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := buildServices(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 2
	}
	defer func() { _ = s.provider.Shutdown(context.Background()) }()

	s.logger.Info("delivery worker running",
		"batch_size", s.cfg.WebhookBatchSize,
		"max_attempts", s.cfg.WebhookMaxAttempts,
	)
	if err := s.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "worker failed: %v\n", err)
		return 2
	}
	return 0
}
