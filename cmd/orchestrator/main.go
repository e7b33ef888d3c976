// Daemon entry point for the orchestration core.
//
// Usage:
//
//	orchestrator serve                            # run with defaults
//	orchestrator serve --config orchestrator.yaml # specify config file
//	orchestrator version                          # show version info
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/whitecloud343/multi-ai-agents/config"
	"github.com/whitecloud343/multi-ai-agents/orchestrator"
)

// Injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("orchestrator %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
	default:
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := flags.String("config", "", "path to YAML config file")
	metricsAddr := flags.String("metrics-addr", ":9091", "metrics listen address, empty to disable")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		return err
	}
	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	core, err := orchestrator.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if gatherer := core.MetricsGatherer(); gatherer != nil && *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics endpoint listening", zap.String("addr", *metricsAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("orchestrator serving", zap.String("version", Version))
	return core.Run(ctx)
}

func printUsage() {
	fmt.Println(`orchestrator - multi-agent coordination core

Commands:
  serve     start the orchestrator
  version   show version information

Flags for serve:
  --config        path to YAML config file
  --metrics-addr  metrics listen address (default :9091)`)
}
