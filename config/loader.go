// Package config loads the orchestrator configuration: defaults first, then
// an optional YAML file, then environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("orchestrator.yaml").
//	    WithEnvPrefix("ORCHESTRATOR").
//	    Load()
//
// Environment keys are derived from the yaml tags, upper-cased and joined
// with underscores: ORCHESTRATOR_SCHEDULER_MAX_IN_FLIGHT overrides
// scheduler.max_in_flight.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/whitecloud343/multi-ai-agents/bus"
	"github.com/whitecloud343/multi-ai-agents/persistence"
	"github.com/whitecloud343/multi-ai-agents/registry"
	"github.com/whitecloud343/multi-ai-agents/scheduler"
	"github.com/whitecloud343/multi-ai-agents/supervisor"
)

// Config is the complete orchestrator configuration.
type Config struct {
	// Registry configures agent liveness tracking.
	Registry registry.Config `yaml:"registry"`

	// Bus configures message delivery.
	Bus bus.Config `yaml:"bus"`

	// Scheduler configures dispatch, leases and retries.
	Scheduler scheduler.Config `yaml:"scheduler"`

	// Supervisor configures lease sweeping and progress handling.
	Supervisor supervisor.Config `yaml:"supervisor"`

	// Persistence configures the goal-result archive.
	Persistence persistence.Config `yaml:"persistence"`

	// Log configures the zap logger.
	Log LogConfig `yaml:"log"`

	// Metrics configures the Prometheus collector.
	Metrics MetricsConfig `yaml:"metrics"`

	// Telemetry configures OpenTelemetry tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LogConfig configures the logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or console.
	Format string `yaml:"format"`

	// OutputPaths are zap sink URLs.
	OutputPaths []string `yaml:"output_paths"`

	// EnableCaller annotates entries with file and line.
	EnableCaller bool `yaml:"enable_caller"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Loader builds a Config from defaults, file, and environment.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the ORCHESTRATOR env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "ORCHESTRATOR"}
}

// WithConfigPath sets the YAML file path. A missing file is not an error;
// defaults and environment still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	if err := l.applyEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// MustLoad loads the configuration or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// applyEnv walks the struct, deriving each field's env key from its yaml tag.
func (l *Loader) applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		envKey := prefix + "_" + strings.ToUpper(tag)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.applyEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	var errs []string
	if c.Scheduler.MaxInFlight <= 0 {
		errs = append(errs, "scheduler.max_in_flight must be positive")
	}
	if c.Scheduler.LeaseTTL <= 0 {
		errs = append(errs, "scheduler.lease_ttl must be positive")
	}
	if c.Bus.QueueCapacity <= 0 {
		errs = append(errs, "bus.queue_capacity must be positive")
	}
	if c.Registry.HeartbeatInterval <= 0 {
		errs = append(errs, "registry.heartbeat_interval must be positive")
	}
	if c.Supervisor.SweepInterval <= 0 {
		errs = append(errs, "supervisor.sweep_interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
