// Command meshgate runs the MCP gateway: it connects every configured
// backend, aggregates their tools, prompts, and resources, and serves the
// combined catalog on a single Streamable HTTP endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshgate/meshgate/pkg/gateway"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "meshgate.yaml", "path to the configuration file")
	listen := flag.String("listen", "", "listen address, overriding the config file")
	watch := flag.Bool("watch", true, "reload automatically when the config file changes")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	// The loader reads MESHGATE_-prefixed variables over file values, so the
	// flag override rides the same path.
	if *listen != "" {
		_ = os.Setenv("MESHGATE_LISTEN", *listen)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := gateway.New(gateway.Options{
		ConfigPath:  *configPath,
		Version:     version,
		Logger:      logger,
		WatchConfig: *watch,
	})

	if err := orch.Start(ctx); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	serveErr := orch.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		logger.Error("server stopped", "error", serveErr)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
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
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
