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

// Metrics exposes business-level instruments exported over OTLP.
type Metrics struct {
	debits           metric.Int64Counter
	debitedSeconds   metric.Int64Counter
	credits          metric.Int64Counter
	creditedSeconds  metric.Int64Counter
	bonusGrants      metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
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
		name = "meterledger"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		target *metric.Int64Counter
		name   string
		unit   string
	}{
		{&m.debits, "meterledger_debits_total", "1"},
		{&m.debitedSeconds, "meterledger_debited_seconds_total", "s"},
		{&m.credits, "meterledger_credits_total", "1"},
		{&m.creditedSeconds, "meterledger_credited_seconds_total", "s"},
		{&m.bonusGrants, "meterledger_bonus_grants_total", "1"},
		{&m.rateLimitAllowed, "meterledger_rate_limit_allowed_total", "1"},
		{&m.rateLimitDenied, "meterledger_rate_limit_denied_total", "1"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
		*c.target = counter
	}
	return m, nil
}

// RecordDebit counts a debit attempt and, when it succeeded, the seconds taken.
func (m *Metrics) RecordDebit(ctx context.Context, operationType, outcome string, seconds int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation_type", strings.TrimSpace(operationType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.debits.Add(ctx, 1, metric.WithAttributes(attrs...))
	if seconds > 0 {
		m.debitedSeconds.Add(ctx, seconds, metric.WithAttributes(attrs...))
	}
}

// RecordCredit counts an external credit; duplicates carry outcome=duplicate.
func (m *Metrics) RecordCredit(ctx context.Context, grantType, outcome string, seconds int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("grant_type", strings.TrimSpace(grantType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.credits.Add(ctx, 1, metric.WithAttributes(attrs...))
	if seconds > 0 {
		m.creditedSeconds.Add(ctx, seconds, metric.WithAttributes(attrs...))
	}
}

func (m *Metrics) RecordBonusGrant(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.bonusGrants.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
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

// Account ids are deliberately absent: one series per account would explode.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"operation_type": {},
	"outcome":        {},
	"grant_type":     {},
	"source":         {},
	"endpoint":       {},
	"status_code":    {},
	"reason":         {},
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
