// Command mcp exposes karma-log scoring to LLM agents as MCP tools over stdio.
package main

import (
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/karmaguard/internal/logging"
	"github.com/mbd888/karmaguard/internal/mcpserver"
)

func main() {
	// stdout carries the protocol.
	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	cfg := mcpserver.Config{APIURL: "http://localhost:8080", APIKey: os.Getenv("KARMAGUARD_API_KEY")}
	if v := os.Getenv("KARMAGUARD_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("KARMAGUARD_API_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("invalid KARMAGUARD_API_TIMEOUT", "value", v, "error", err)
			os.Exit(1)
		}
		cfg.Timeout = d
	}

	logger.Info("mcp server starting", "api_url", cfg.APIURL)
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}
