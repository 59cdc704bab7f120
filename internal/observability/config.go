package observability

import (
	"strings"

	"github.com/smallbiznis/quotaguard/internal/config"
)

const defaultServiceName = "quotaguard"

// Config is the telemetry view of the application config shared by the
// logger, tracer and meter providers.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	Mode        string

	LogLevel  string
	LogFormat string

	TracingEnabled   bool
	MetricsEnabled   bool
	ExporterEndpoint string
	ExporterProtocol string
	SamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = defaultServiceName
	}

	return Config{
		ServiceName:      name,
		Environment:      strings.TrimSpace(cfg.Environment),
		Version:          strings.TrimSpace(cfg.AppVersion),
		Mode:             cfg.Mode,
		LogLevel:         cfg.Telemetry.LogLevel,
		LogFormat:        cfg.Telemetry.LogFormat,
		TracingEnabled:   cfg.Telemetry.TracingEnabled,
		MetricsEnabled:   cfg.Telemetry.MetricsEnabled,
		ExporterEndpoint: strings.TrimSpace(cfg.OTLPEndpoint),
		ExporterProtocol: cfg.Telemetry.OTLPProtocol,
		SamplingRatio:    cfg.Telemetry.SamplingRatio,
	}
}

// Debug enables verbose logging and gin debug mode. Local mode always runs
// in debug so alert rendering and notify decisions are visible.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") || c.Mode == config.ModeLocal {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
