// Command gateway launches the Broker Gateway: the fleet's single owned
// connection to the brokerage's streaming market data and order-update
// feeds for one (brokerage account, mode) pair, shared by every worker of
// that mode.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"scale-t-fleet/internal/config"
	"scale-t-fleet/internal/gateway"
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

	logger := logging.New(cfg.Logging, cfg.Store.DataRoot, "gateway")

	gw := gateway.New(*cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("gateway starting", "mode", cfg.Brokerage.Mode)

	if err := gw.Run(ctx); err != nil {
		logger.Error("gateway exiting on error", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway shut down cleanly")
}
