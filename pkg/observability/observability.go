// Package observability wires structured logging and OpenTelemetry metrics
// for the ledger service. Export is disabled unless an OTLP endpoint is
// configured; the metric recorders degrade to no-ops so callers never need
// nil checks.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// NewLogger builds the process logger. format is "text" or "json"; level is
// one of DEBUG, INFO, WARN, ERROR.
func NewLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Config configures the metric provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables gRPC metric export when non-empty,
	// e.g. "localhost:4317".
	OTLPEndpoint string
	Insecure     bool
}

// Provider manages the OpenTelemetry meter provider and the ledger's
// instruments. A Provider built without an endpoint records nothing.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger

	appendCounter     metric.Int64Counter
	dedupCounter      metric.Int64Counter
	appendLatency     metric.Float64Histogram
	deliveryCounter   metric.Int64Counter
	deadLetterCounter metric.Int64Counter
}

// New creates the observability provider. With an empty OTLPEndpoint the
// provider is inert.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	p := &Provider{logger: logger.With("component", "observability")}

	if cfg.OTLPEndpoint == "" {
		p.logger.InfoContext(ctx, "metric export disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)

	meter := p.meterProvider.Meter("proveniq.ledger",
		metric.WithInstrumentationVersion(cfg.ServiceVersion),
	)
	if err := p.initInstruments(meter); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "metric export enabled",
		"service", cfg.ServiceName,
		"endpoint", cfg.OTLPEndpoint,
	)
	return p, nil
}

func (p *Provider) initInstruments(meter metric.Meter) error {
	var err error

	p.appendCounter, err = meter.Int64Counter("proveniq.ledger.appends.total",
		metric.WithDescription("Ledger entries committed"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	p.dedupCounter, err = meter.Int64Counter("proveniq.ledger.dedups.total",
		metric.WithDescription("Appends short-circuited by idempotency key"),
		metric.WithUnit("{append}"),
	)
	if err != nil {
		return err
	}

	p.appendLatency, err = meter.Float64Histogram("proveniq.ledger.append.duration",
		metric.WithDescription("Append transaction duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		return err
	}

	p.deliveryCounter, err = meter.Int64Counter("proveniq.webhook.deliveries.total",
		metric.WithDescription("Webhook delivery attempts by outcome"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return err
	}

	p.deadLetterCounter, err = meter.Int64Counter("proveniq.webhook.dead_letters.total",
		metric.WithDescription("Deliveries moved to the dead-letter queue"),
		metric.WithUnit("{delivery}"),
	)
	return err
}

// RecordAppend implements the append engine's Metrics interface.
func (p *Provider) RecordAppend(ctx context.Context, eventType string, deduplicated bool, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("event.type", eventType))
	if deduplicated {
		if p.dedupCounter != nil {
			p.dedupCounter.Add(ctx, 1, attrs)
		}
		return
	}
	if p.appendCounter != nil {
		p.appendCounter.Add(ctx, 1, attrs)
	}
	if p.appendLatency != nil {
		p.appendLatency.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// RecordDelivery implements the webhook worker's Metrics interface.
func (p *Provider) RecordDelivery(ctx context.Context, outcome string) {
	if p.deliveryCounter != nil {
		p.deliveryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if outcome == "dead_letter" && p.deadLetterCounter != nil {
		p.deadLetterCounter.Add(ctx, 1)
	}
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		return err
	}
	return nil
}
