// Command server runs the karma-log scoring HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mbd888/karmaguard/internal/config"
	"github.com/mbd888/karmaguard/internal/logging"
	"github.com/mbd888/karmaguard/internal/server"
	"github.com/mbd888/karmaguard/internal/traces"
)

// Build info, set by ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting karmaguard",
		"version", Version,
		"commit", Commit,
		"env", cfg.Env,
		"policy_version", cfg.Policy.Version,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()
	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Service:     "karmaguard",
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	return srv.Run(ctx)
}
