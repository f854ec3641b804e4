// Command claudescope-broker is the UI-facing fan-out service. It sits
// between the daemon's local socket and dashboard clients, surviving
// daemon restarts with automatic reconnection.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nkall/claudescope/internal/broker"
	"github.com/nkall/claudescope/internal/config"
	"github.com/nkall/claudescope/internal/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "component", "main")
			fmt.Fprintf(os.Stderr, "FATAL: unrecovered panic: %v\n", r)
			exitCode = 2
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	level := slog.LevelInfo
	if cfg.Daemon.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	if err := logging.Init(logging.Config{
		Level:     level,
		SentryDSN: cfg.Daemon.SentryDSN,
		Env:       getEnv(),
		Version:   Version,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	defer logging.Flush(2 * time.Second)

	b, err := broker.New(cfg.Broker, cfg.Daemon.Socket, cfg.Daemon.DataDir)
	if err != nil {
		logging.Error("failed to initialize broker", "error", err)
		return 1
	}

	logging.Info("starting claudescope-broker",
		"version", Version,
		"tcp", cfg.Broker.ListenAddr,
		"http", cfg.Broker.HTTPAddr,
	)

	if err := b.Start(); err != nil {
		logging.Error("broker start failed", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Info("shutting down", "signal", sig.String())

	b.Stop()
	return 0
}

func getEnv() string {
	if env := os.Getenv("CLAUDESCOPE_ENV"); env != "" {
		return env
	}
	return "development"
}
