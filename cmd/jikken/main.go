package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/ashita-ai/jikken"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	// Loaded here as well as in jikken.New so the log settings below see it.
	_ = godotenv.Load()

	logger := newLogger(os.Getenv("JIKKEN_LOG_LEVEL"), os.Getenv("JIKKEN_LOG_FORMAT"))
	slog.SetDefault(logger)

	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version)
		return 0
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	app, err := jikken.New(
		jikken.WithLogger(logger),
		jikken.WithVersion(version),
	)
	if err != nil {
		return err
	}

	slog.Info("jikken starting", "version", version)
	return app.Run(ctx)
}

// newLogger returns a JSON logger, or a colored text logger for local
// development when format is "text".
func newLogger(level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if format == "text" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
