// Command stream scores karma logs from Kafka and publishes assessments.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/karmaguard/internal/app"
	"github.com/mbd888/karmaguard/internal/config"
	"github.com/mbd888/karmaguard/internal/logging"
	"github.com/mbd888/karmaguard/internal/stream"
	"github.com/mbd888/karmaguard/internal/traces"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("stream worker failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Service:     "karmaguard-stream",
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer func() { _ = a.Close() }()

	client, err := stream.NewClient(stream.Config{
		Brokers:     cfg.KafkaBrokers,
		InputTopic:  cfg.KafkaInputTopic,
		OutputTopic: cfg.KafkaOutputTopic,
		Group:       cfg.KafkaGroup,
	})
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	defer client.Close()

	logger.Info("consuming",
		"brokers", cfg.KafkaBrokers,
		"input_topic", cfg.KafkaInputTopic,
		"output_topic", cfg.KafkaOutputTopic,
		"group", cfg.KafkaGroup,
	)

	return stream.NewWorker(client, a.Engine, cfg.KafkaOutputTopic, logger).Run(ctx)
}
