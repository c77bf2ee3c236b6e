package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"

	"github.com/yarovit/bridgekeeper/pkg/bridgecore"
	"github.com/yarovit/bridgekeeper/pkg/config"
	"github.com/yarovit/bridgekeeper/pkg/logging"
	"github.com/yarovit/bridgekeeper/pkg/signals"
	"github.com/yarovit/bridgekeeper/pkg/token"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "BRIDGE PANIC: %v\n%s\n", r, string(debug.Stack()))
			slog.Error("PANIC", "error", r, "stack", string(debug.Stack()))
			os.Exit(1)
		}
	}()

	configPath := flag.String("config", "", "Path to config file (optional)")
	showVersion := flag.Bool("version", false, "Show bridge version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Bridgekeeper Bridge %s, commit %s, built at %s\n", version, commit, date)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.LogLevel, cfg.LogPath, os.Stderr)
	slog.Info("Starting Bridgekeeper bridge", "version", version)

	sharedToken, err := token.LoadOrGenerate(cfg.TokenPath)
	if err != nil {
		slog.Error("Failed to load or generate shared token", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var shutdownOnce sync.Once
	signals.SetupHandler(ctx, cancel, &shutdownOnce)

	bridge := bridgecore.New(cfg, sharedToken)
	if err := bridge.Start(); err != nil {
		slog.Error("Failed to start bridge listeners", "error", err)
		os.Exit(1)
	}
	slog.Info("Bridge listening",
		"producer_addr", bridge.ProducerAddr(),
		"approver_addr", bridge.ApproverAddr())

	if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("Bridge exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Bridgekeeper bridge stopped.")
}
