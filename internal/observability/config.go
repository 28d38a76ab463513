package observability

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/meterledger/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

// Config is the observability view of the ledger configuration. OTEL_* and
// LOG_* variables override what config.Load resolved.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	NodeID      int64
	Store       string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64

	// Ledger timings stamped on the trace resource so lock waits and
	// reservation sweeps can be read against the limits they ran under.
	LockTimeout   time.Duration
	GhostTimeout  time.Duration
	RolloverGrace time.Duration
}

func LoadConfig(cfg config.Config) Config {
	out := Config{
		ServiceName:          strings.TrimSpace(cfg.AppName),
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		NodeID:               cfg.SnowflakeNodeID,
		Store:                strings.ToLower(strings.TrimSpace(cfg.DBType)),
		LogLevel:             "info",
		LogFormat:            "json",
		OtelExporterEndpoint: strings.TrimSpace(cfg.OTLPEndpoint),
		OtelExporterProtocol: "grpc",
		OtelSamplingRatio:    0.1,
		LockTimeout:          cfg.Ledger.LockTimeout,
		GhostTimeout:         cfg.Ledger.GhostTimeout,
		RolloverGrace:        cfg.Ledger.RolloverGrace,
	}
	if out.ServiceName == "" {
		out.ServiceName = "meterledger"
	}

	env := lookupEnv(os.LookupEnv)
	env.str("DEPLOYMENT_ENV", &out.Environment)
	env.str("SERVICE_VERSION", &out.Version)
	env.lower("LOG_LEVEL", &out.LogLevel)
	env.lower("LOG_FORMAT", &out.LogFormat)
	env.boolean("OTEL_ENABLED", &out.OtelEnabled)
	env.str("OTEL_EXPORTER_OTLP_ENDPOINT", &out.OtelExporterEndpoint)
	env.lower("OTEL_EXPORTER_OTLP_PROTOCOL", &out.OtelExporterProtocol)
	env.lower("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", &out.OtelExporterProtocol)
	env.ratio("OTEL_SAMPLING_RATIO", &out.OtelSamplingRatio)
	return out
}

func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// ResourceAttributes describes this ledger node on every exported span.
func (c Config) ResourceAttributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("ledger.node_id", fmt.Sprintf("node-%d", c.NodeID)),
	}
	if c.Store != "" {
		attrs = append(attrs, attribute.String("ledger.store", c.Store))
	}
	if c.LockTimeout > 0 {
		attrs = append(attrs, attribute.Int64("ledger.lock_timeout_ms", c.LockTimeout.Milliseconds()))
	}
	if c.GhostTimeout > 0 {
		attrs = append(attrs, attribute.Int64("ledger.ghost_timeout_s", int64(c.GhostTimeout/time.Second)))
	}
	if c.RolloverGrace > 0 {
		attrs = append(attrs, attribute.Int64("ledger.rollover_grace_s", int64(c.RolloverGrace/time.Second)))
	}
	return attrs
}

type lookupEnv func(string) (string, bool)

func (l lookupEnv) value(key string) (string, bool) {
	v, ok := l(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (l lookupEnv) str(key string, dst *string) {
	if v, ok := l.value(key); ok {
		*dst = v
	}
}

func (l lookupEnv) lower(key string, dst *string) {
	if v, ok := l.value(key); ok {
		*dst = strings.ToLower(v)
	}
}

func (l lookupEnv) boolean(key string, dst *bool) {
	v, ok := l.value(key)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		*dst = true
	case "0", "false", "no", "n", "off":
		*dst = false
	}
}

// ratio ignores values outside [0, 1].
func (l lookupEnv) ratio(key string, dst *float64) {
	v, ok := l.value(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return
	}
	*dst = parsed
}
