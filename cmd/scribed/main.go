package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	configPath := flag.String("config", "scribe.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("scribed %s\n", version)
		return
	}
	os.Exit(run(*configPath))
}

func run(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scribed: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Telemetry.Level()})).
		With(slog.String("service", cfg.RuntimeName))

	logger.Info("starting scribed",
		slog.String("version", version),
		slog.String("config", configPath),
		slog.String("environment", cfg.Environment),
		slog.String("listen", fmt.Sprintf("%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port)),
		slog.String("local_mode", cfg.Local.Mode),
		slog.Bool("bus", cfg.Bus.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runtime.New(cfg, logger).Start(ctx); err != nil {
		logger.Error("scribed stopped with error", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("scribed stopped")
	return 0
}
