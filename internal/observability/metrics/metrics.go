package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments pushed over OTLP.
type Metrics struct {
	usageIngest metric.Int64Counter
	limitBlocks metric.Int64Counter
	alertsSent  metric.Int64Counter
	rateLimited metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "quotaguard"
	}
	meter := provider.Meter(name)

	usageIngest, err := meter.Int64Counter("quotaguard_usage_ingest_total")
	if err != nil {
		return nil, err
	}
	limitBlocks, err := meter.Int64Counter("quotaguard_limit_blocks_total")
	if err != nil {
		return nil, err
	}
	alertsSent, err := meter.Int64Counter("quotaguard_alerts_sent_total")
	if err != nil {
		return nil, err
	}

	rateLimited, err := meter.Int64Counter("quotaguard_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageIngest: usageIngest,
		limitBlocks: limitBlocks,
		alertsSent:  alertsSent,
		rateLimited: rateLimited,
	}, nil
}

// RecordUsageIngest adds accepted usage events.
func (m *Metrics) RecordUsageIngest(ctx context.Context, tenantID string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("tenant_id", strings.TrimSpace(tenantID)))
	m.usageIngest.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordLimitBlock increments blocked request counts.
func (m *Metrics) RecordLimitBlock(ctx context.Context, metricKind, period string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("metric_kind", strings.TrimSpace(metricKind)),
		attribute.String("period", strings.TrimSpace(period)),
	)
	m.limitBlocks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAlertSent increments delivered alert counts.
func (m *Metrics) RecordAlertSent(ctx context.Context, source, metricKind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("metric_kind", strings.TrimSpace(metricKind)),
	)
	m.alertsSent.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments throttled ingest requests.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, tenantID, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"tenant_id":   {},
	"metric_kind": {},
	"period":      {},
	"source":      {},
	"status_code": {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
