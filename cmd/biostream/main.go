// Package main implements the entry point for the biostream acquisition
// pipeline. It connects to a set of physiological sensors (ECG, EDA),
// decodes their sample streams, and distributes the records to CSV
// storage, a NATS streaming outlet, and a live WebSocket visualization.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sensors-inl/biostream/config"
	"github.com/sensors-inl/biostream/service"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "biostream"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("pipeline failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, fs, err := parseFlags(args)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil
	}

	cfg, err := loadConfig(cliCfg, fs)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	slog.Info("starting biostream acquisition pipeline",
		"version", Version,
		"build_time", BuildTime,
		"sensors", cfg.Sensors,
		"simulate", cfg.Simulate)

	svc, err := service.New(cfg, service.Deps{Logger: logger})
	if err != nil {
		return fmt.Errorf("assemble pipeline: %w", err)
	}

	return runWithSignalHandling(svc, cliCfg.ShutdownTimeout)
}

// loadConfig builds the effective configuration: defaults, then the
// config file if given, then environment overrides, then explicit
// command-line flags, validated as a whole.
func loadConfig(cliCfg *CLIConfig, fs *flag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	applyFlagOverrides(cfg, cliCfg, fs)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runWithSignalHandling starts the pipeline and blocks until SIGINT or
// SIGTERM, then shuts down within the configured timeout.
func runWithSignalHandling(svc *service.Service, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := svc.Start(signalCtx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	slog.Info("acquisition running",
		"run_id", svc.RunID(),
		"metrics", svc.MetricsAddress(),
		"live", svc.LiveAddress())

	<-signalCtx.Done()
	slog.Info("received shutdown signal")

	if err := svc.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("biostream shutdown complete")
	return nil
}
