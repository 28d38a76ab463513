package observability

import (
	"github.com/smallbiznis/meterledger/internal/observability/logger"
	"github.com/smallbiznis/meterledger/internal/observability/metrics"
	"github.com/smallbiznis/meterledger/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(LoadConfig),
	loggingOptions,
	tracingOptions,
	metricsOptions,
)

var loggingOptions = fx.Options(
	fx.Provide(Config.LoggerConfig),
	fx.Provide(logger.New),
)

// The tracer provider installs itself as the global provider, so it is
// forced even when nothing asks for it.
var tracingOptions = fx.Options(
	fx.Provide(Config.TracingConfig),
	fx.Provide(tracing.NewProvider),
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

// Ledger and scheduler collectors are process-wide singletons registered
// on the default Prometheus registry.
var metricsOptions = fx.Options(
	fx.Provide(Config.MetricsConfig),
	fx.Provide(
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.LedgerWithConfig,
	),
	fx.Invoke(func(cfg metrics.Config) { metrics.SchedulerWithConfig(cfg) }),
)

func (c Config) LoggerConfig() logger.Config {
	debug := c.Debug()
	return logger.Config{
		ServiceName:         c.ServiceName,
		Environment:         c.Environment,
		Version:             c.Version,
		Level:               c.LogLevel,
		Format:              c.LogFormat,
		Debug:               debug,
		IncludeCaller:       true,
		IncludeStackOnError: debug,
	}
}

func (c Config) TracingConfig() tracing.Config {
	return tracing.Config{
		Enabled:          c.OtelEnabled,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		SamplingRatio:    c.OtelSamplingRatio,
		Attributes:       c.ResourceAttributes(),
	}
}

func (c Config) MetricsConfig() metrics.Config {
	return metrics.Config{
		Enabled:          c.OtelEnabled,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
	}
}
