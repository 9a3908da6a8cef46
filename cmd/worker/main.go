// Command worker launches one Ladder Engine + Worker Supervisor for a
// single ticker.
//
// Usage: worker <TICKER> <paper|live> [custom_id]
//
// Exit 0 only on graceful shutdown (SIGINT/SIGTERM); non-zero on a fatal
// engine invariant violation (share-count mismatch, unknown order status)
// or a startup failure (bad config, missing credentials, unreadable ladder
// file) so the container orchestrator knows to restart the process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"scale-t-fleet/internal/config"
	"scale-t-fleet/internal/logging"
	"scale-t-fleet/internal/supervisor"
	"scale-t-fleet/pkg/types"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: worker <TICKER> <paper|live> [custom_id]")
		os.Exit(1)
	}
	ticker := os.Args[1]
	mode := types.Mode(os.Args[2])
	if mode != types.ModePaper && mode != types.ModeLive {
		fmt.Fprintf(os.Stderr, "mode must be %q or %q, got %q\n", types.ModePaper, types.ModeLive, os.Args[2])
		os.Exit(1)
	}
	customID := ""
	if len(os.Args) > 3 {
		customID = os.Args[3]
	}

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SCALET_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyMode(mode)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	workerName := "worker-" + ticker
	logger := logging.New(cfg.Logging, cfg.Store.DataRoot, workerName)

	sup, err := supervisor.New(*cfg, ticker, customID)
	if err != nil {
		logger.Error("failed to build worker supervisor", "ticker", ticker, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("worker starting", "ticker", ticker, "mode", mode)

	if err := sup.Run(ctx); err != nil {
		logger.Error("worker exiting on fatal error", "ticker", ticker, "error", err)
		os.Exit(1)
	}

	logger.Info("worker shut down cleanly", "ticker", ticker)
}
