package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/qualys/intelengine/internal/app"
	"github.com/qualys/intelengine/internal/config"
	"github.com/qualys/intelengine/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("intel-engine v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Init(cfg.Logging.Format, logging.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}

	runErr := engine.Run(ctx)
	logger.Info("shutting down")
	if err := engine.Close(context.Background()); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
}
