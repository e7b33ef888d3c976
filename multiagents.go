// Package multiagents provides a top-level convenience entry point for
// assembling an orchestrator with minimal boilerplate.
//
// Usage:
//
//	import multiagents "github.com/whitecloud343/multi-ai-agents"
//
//	o, err := multiagents.New()
//	o, err := multiagents.New(multiagents.WithConfigPath("orchestrator.yaml"))
//	o, err := multiagents.New(multiagents.WithLogger(logger))
//
// This is a thin wrapper around [orchestrator.New]; both produce identical
// results. Use this package when you prefer the shorter import path.
package multiagents

import (
	"go.uber.org/zap"

	"github.com/whitecloud343/multi-ai-agents/config"
	"github.com/whitecloud343/multi-ai-agents/orchestrator"
)

// Orchestrator is the assembled coordination core.
type Orchestrator = orchestrator.Orchestrator

// WatchFunc receives a goal's final result exactly once.
type WatchFunc = orchestrator.WatchFunc

// Option configures the orchestrator created by [New].
type Option func(*options)

type options struct {
	configPath string
	config     *config.Config
	logger     *zap.Logger
}

// WithConfigPath loads configuration from a YAML file, with environment
// overrides applied on top.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithConfig supplies a pre-built configuration, skipping file and
// environment loading.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.config = cfg }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New creates an orchestrator. With no options it runs on defaults: in-memory
// archive, metrics enabled, telemetry off.
func New(opts ...Option) (*Orchestrator, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.config
	if cfg == nil {
		var err error
		cfg, err = config.NewLoader().WithConfigPath(o.configPath).Load()
		if err != nil {
			return nil, err
		}
	}
	return orchestrator.New(cfg, o.logger)
}
