package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/whitecloud343/multi-ai-agents/bus"
	"github.com/whitecloud343/multi-ai-agents/persistence"
	"github.com/whitecloud343/multi-ai-agents/registry"
	"github.com/whitecloud343/multi-ai-agents/scheduler"
	"github.com/whitecloud343/multi-ai-agents/supervisor"
)

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Registry:    registry.DefaultConfig(),
		Bus:         bus.DefaultConfig(),
		Scheduler:   scheduler.DefaultConfig(),
		Supervisor:  supervisor.DefaultConfig(),
		Persistence: persistence.DefaultConfig(),
		Log:         DefaultLogConfig(),
		Metrics:     DefaultMetricsConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stderr"},
		EnableCaller: false,
	}
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "orchestrator",
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "multi-ai-agents",
		SampleRate:   1.0,
	}
}

// BuildLogger constructs a zap logger from the log configuration.
func (c LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	zapConfig := zap.NewProductionConfig()
	if c.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.DisableCaller = !c.EnableCaller
	if len(c.OutputPaths) > 0 {
		zapConfig.OutputPaths = c.OutputPaths
	}
	return zapConfig.Build()
}
