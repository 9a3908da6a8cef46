// Package gateway implements the Broker Gateway: the fleet's single owned
// connection to the brokerage's streaming market data and order-update
// feeds, fanned out to per-ticker bus channels.
//
// Exactly one Gateway process runs per brokerage account. It listens on the
// BROKER_REGISTRATION bus channel for engines announcing interest in a
// ticker, subscribes/unsubscribes the price feed accordingly, and republishes
// every price tick and order event it receives onto that ticker's
// TICKER_UPDATES_<SYMBOL> channel. The trade-update feed is account-wide and
// runs for the gateway's whole lifetime — individual symbol registration
// only affects the price feed.
//
// Shutdown order matters and is fixed: stop listening for registration
// requests first (no new subscriptions accepted while tearing down), then
// close the brokerage streams, then release the bus connection. This
// mirrors the original fleet's own stop() ordering.
package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"scale-t-fleet/internal/bus"
	"scale-t-fleet/internal/config"
	"scale-t-fleet/pkg/types"
)

// Gateway owns the price feed, the trade-update feed, and the bus
// connection used for registration and republishing.
type Gateway struct {
	cfg config.Config
	bus *bus.Bus

	priceFeed *StreamFeed
	tradeFeed *StreamFeed

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	logger *slog.Logger

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Gateway wired to cfg's brokerage streaming endpoints and bus.
func New(cfg config.Config, logger *slog.Logger) *Gateway {
	log := logger.With("component", "gateway")
	b := bus.New(bus.Config{Host: cfg.Bus.Host, Port: cfg.Bus.Port, DB: cfg.Bus.DB}, log)

	return &Gateway{
		cfg:        cfg,
		bus:        b,
		priceFeed:  NewStreamFeed(FeedPrice, cfg.Brokerage.StreamDataURL, cfg.Brokerage, cfg.Gateway, log),
		tradeFeed:  NewStreamFeed(FeedTrade, cfg.Brokerage.StreamTradeURL, cfg.Brokerage, cfg.Gateway, log),
		subscribed: make(map[string]bool),
		logger:     log,
	}
}

// Run starts all gateway goroutines and blocks until ctx is cancelled or a
// component fails. It always performs the fixed shutdown sequence before
// returning.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.bus.Ping(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.ctx = runCtx
	g.cancel = cancel

	group, gctx := errgroup.WithContext(runCtx)
	g.group = group

	if err := g.bus.Subscribe(gctx, bus.ChannelBrokerRegistration, g.handleRegistration); err != nil {
		cancel()
		return err
	}
	if err := g.bus.StartListening(gctx); err != nil {
		cancel()
		return err
	}

	group.Go(func() error {
		err := g.priceFeed.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	group.Go(func() error {
		err := g.tradeFeed.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	group.Go(func() error {
		g.republishPrices(gctx)
		return nil
	})
	group.Go(func() error {
		g.republishOrders(gctx)
		return nil
	})

	err := group.Wait()
	g.shutdown()
	return err
}

// Stop requests a graceful shutdown; Run returns once teardown completes.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
}

// shutdown performs the fixed teardown order: bus subscriber, then
// brokerage streams, then bus publisher/connection.
func (g *Gateway) shutdown() {
	g.logger.Info("shutting down gateway")

	if err := g.bus.StopListening(); err != nil {
		g.logger.Error("error stopping bus listener", "error", err)
	}

	if err := g.priceFeed.Close(); err != nil {
		g.logger.Error("error closing price feed", "error", err)
	}
	if err := g.tradeFeed.Close(); err != nil {
		g.logger.Error("error closing trade feed", "error", err)
	}

	if err := g.bus.Close(); err != nil {
		g.logger.Error("error closing bus connection", "error", err)
	}

	g.logger.Info("gateway shutdown complete")
}

func (g *Gateway) handleRegistration(env types.Envelope) {
	action, _ := env.Data["action"].(string)
	ticker, _ := env.Data["ticker"].(string)
	sender, _ := env.Data["sender"].(string)
	if sender == "" {
		sender = env.Sender
	}

	g.logger.Info("received registration request", "sender", sender, "action", action, "ticker", ticker)

	if action == "" || ticker == "" {
		g.logger.Warn("invalid registration message, missing action or ticker")
		return
	}
	ticker = strings.ToUpper(ticker)

	switch types.RegistrationAction(action) {
	case types.RegisterSubscribe:
		g.subscribeSymbol(ticker)
	case types.RegisterUnsubscribe:
		g.unsubscribeSymbol(ticker)
	default:
		g.logger.Warn("unknown registration action", "action", action)
	}
}

func (g *Gateway) subscribeSymbol(ticker string) {
	g.subscribedMu.Lock()
	if g.subscribed[ticker] {
		g.subscribedMu.Unlock()
		g.logger.Debug("ticker already subscribed", "ticker", ticker)
		return
	}
	g.subscribed[ticker] = true
	g.subscribedMu.Unlock()

	if err := g.priceFeed.Subscribe([]string{ticker}); err != nil {
		g.logger.Error("failed to subscribe price feed", "ticker", ticker, "error", err)
	}
}

func (g *Gateway) unsubscribeSymbol(ticker string) {
	g.subscribedMu.Lock()
	if !g.subscribed[ticker] {
		g.subscribedMu.Unlock()
		g.logger.Debug("ticker not currently subscribed", "ticker", ticker)
		return
	}
	delete(g.subscribed, ticker)
	g.subscribedMu.Unlock()

	if err := g.priceFeed.Unsubscribe([]string{ticker}); err != nil {
		g.logger.Error("failed to unsubscribe price feed", "ticker", ticker, "error", err)
	}
}

func (g *Gateway) republishPrices(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-g.priceFeed.PriceUpdates():
			if !ok {
				return
			}
			channel := bus.TickerUpdatesChannel(update.Symbol)
			if err := g.bus.Publish(ctx, channel, update, "gateway"); err != nil {
				g.logger.Error("failed to publish price update", "symbol", update.Symbol, "error", err)
			}
		}
	}
}

func (g *Gateway) republishOrders(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-g.tradeFeed.OrderUpdates():
			if !ok {
				return
			}
			channel := bus.TickerUpdatesChannel(update.Symbol)
			if err := g.bus.Publish(ctx, channel, update, "gateway"); err != nil {
				g.logger.Error("failed to publish order update", "symbol", update.Symbol, "error", err)
			}
		}
	}
}
