// Command migrate applies or inspects the assessment schema.
//
//	migrate up | down | status | version | redo | up-to N | down-to N
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/karmaguard/internal/app"
	"github.com/mbd888/karmaguard/internal/config"
	"github.com/mbd888/karmaguard/internal/logging"
	"github.com/mbd888/karmaguard/migrations"
)

func main() {
	logger := logging.New("info", "text")
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate up|down|status|version|redo|up-to N|down-to N")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg.DatabaseURL, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", os.Args[1], "database", app.MaskDSN(cfg.DatabaseURL))
}

func run(dsn, command string, args []string) error {
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := migrations.Setup(); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}
