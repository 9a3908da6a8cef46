// Command aggregator launches the reference Profit Aggregator, rolling
// every engine's PROFIT_REPORT messages into a daily performance file and
// republishing them on the per-symbol performance channels.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"scale-t-fleet/internal/aggregator"
	"scale-t-fleet/internal/config"
	"scale-t-fleet/internal/logging"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SCALET_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging, cfg.Store.DataRoot, "aggregator")

	agg := aggregator.New(*cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("aggregator starting")

	if err := agg.Run(ctx); err != nil {
		logger.Error("aggregator exiting on error", "error", err)
		os.Exit(1)
	}

	logger.Info("aggregator shut down cleanly")
}
