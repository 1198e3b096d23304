// Command relay is the LLM API relay server.
//
// It authenticates gateway-issued API keys, selects a healthy upstream
// account per request, and forwards Anthropic, OpenAI, Gemini, and Qwen
// traffic with the account's own credentials.
//
// Quick-start (embedded SQLite, no external services required):
//
//	MASTER_KEY=$(openssl rand -hex 32) JWT_SECRET=$(openssl rand -hex 32) ./relay
//
// All configuration is read from environment variables, a .env file, or an
// optional config.yaml; see internal/config for the full list.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/llm-relay/internal/app"
	"github.com/nulpointcorp/llm-relay/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("config: %v", err)
		os.Exit(1)
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(2)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("relay stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug,
	}))
}
