// Package supervisor bootstraps and runs one Ladder Engine for a single
// ticker: it builds the per-worker logger, the Ladder Store, the Brokerage
// Client, and the diagnostic breadcrumb store, wires them into an Engine,
// announces the ticker to the Broker Gateway over the registration channel,
// and translates TICKER_UPDATES_<SYMBOL> envelopes into queued engine
// actions until the context is cancelled or the engine reports a fatal
// invariant violation.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"scale-t-fleet/internal/brokerage"
	"scale-t-fleet/internal/bus"
	"scale-t-fleet/internal/config"
	"scale-t-fleet/internal/engine"
	"scale-t-fleet/internal/ladder"
	"scale-t-fleet/internal/logging"
	store "scale-t-fleet/internal/state"
	"scale-t-fleet/pkg/types"
)

// Supervisor owns the one Ladder Engine running for ticker and every
// collaborator it needs: the bus connection, the CSV-backed ladder store,
// the brokerage REST client, and the diagnostic breadcrumb store.
type Supervisor struct {
	ticker     string
	customID   string
	workerName string

	cfg    config.Config
	logger *slog.Logger

	bus    *bus.Bus
	store  *ladder.Store
	client *brokerage.Client
	diag   *store.Store
	engine *engine.Engine
}

// New constructs a Supervisor for ticker. customID distinguishes multiple
// ladder deployments for the same symbol (e.g. two accounts both trading
// AAPL); pass "" for the default single-deployment case.
func New(cfg config.Config, ticker, customID string) (*Supervisor, error) {
	ticker = strings.ToUpper(ticker)
	workerName := "worker-" + strings.ToLower(ticker)
	if customID != "" {
		workerName = workerName + "-" + strings.ToLower(customID)
	}

	logger := logging.New(cfg.Logging, cfg.Store.DataRoot, workerName)

	ladderPath := cfg.TickerFilePath(ticker, customID)
	ladderStore, err := ladder.Open(ladderPath, cfg.Ladder.MinNotionalUSD, cfg.Ladder.ChaseStepCents)
	if err != nil {
		return nil, fmt.Errorf("open ladder store for %s: %w", ticker, err)
	}

	client := brokerage.NewClient(cfg.Brokerage, logger)

	b := bus.New(bus.Config{Host: cfg.Bus.Host, Port: cfg.Bus.Port, DB: cfg.Bus.DB}, logger)

	diagName := ticker
	if customID != "" {
		diagName = diagName + "_" + customID
	}
	diagPath := filepath.Join(cfg.Store.DataRoot, "state", fmt.Sprintf("%s_%s.db", diagName, cfg.Brokerage.Mode))
	diag, err := store.Open(diagPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open diagnostic store for %s: %w", ticker, err)
	}

	eng := engine.New(ticker, ladderStore, client, b, cfg.Ladder, logger)
	eng.SetDiagnostics(diag)

	return &Supervisor{
		ticker:     ticker,
		customID:   customID,
		workerName: workerName,
		cfg:        cfg,
		logger:     logger.With("component", "supervisor", "ticker", ticker),
		bus:        b,
		store:      ladderStore,
		client:     client,
		diag:       diag,
		engine:     eng,
	}, nil
}

// Run blocks until ctx is cancelled or the engine returns a fatal error. It
// always tears down the bus subscription and diagnostic store before
// returning, and always returns a non-nil error from a fatal engine
// invariant so cmd/worker can exit non-zero for the orchestrator to restart
// the process.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.bus.Ping(ctx); err != nil {
		return fmt.Errorf("ping bus: %w", err)
	}
	defer s.diag.Close()
	defer s.bus.Close()

	if err := s.engine.Startup(ctx); err != nil {
		return fmt.Errorf("engine startup: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	channel := bus.TickerUpdatesChannel(s.ticker)
	if err := s.bus.Subscribe(runCtx, channel, s.handleUpdate); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	if err := s.bus.StartListening(runCtx); err != nil {
		return fmt.Errorf("start bus listener: %w", err)
	}
	defer s.bus.StopListening()

	if err := s.register(runCtx, types.RegisterSubscribe); err != nil {
		s.logger.Error("failed to register with broker gateway", "error", err)
	}
	defer func() {
		if err := s.register(context.Background(), types.RegisterUnsubscribe); err != nil {
			s.logger.Error("failed to unregister from broker gateway", "error", err)
		}
	}()

	group, gctx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return s.engine.Run(gctx)
	})

	if err := group.Wait(); err != nil {
		var fatal *engine.FatalError
		if errors.As(err, &fatal) {
			s.logger.Error("fatal engine invariant violated, exiting for restart", "reason", fatal.Reason)
		}
		return err
	}
	return nil
}

// register publishes a subscribe/unsubscribe announcement for s.ticker on
// the shared broker registration channel.
func (s *Supervisor) register(ctx context.Context, action types.RegistrationAction) error {
	payload := types.RegistrationPayload{Action: action, Ticker: s.ticker}
	return s.bus.Publish(ctx, bus.ChannelBrokerRegistration, payload, s.workerName)
}

// handleUpdate decodes one TICKER_UPDATES_<SYMBOL> envelope and enqueues the
// corresponding action onto the engine. Decode failures are logged and
// dropped rather than treated as fatal — a single malformed message must
// never take down the worker.
func (s *Supervisor) handleUpdate(env types.Envelope) {
	raw, err := json.Marshal(env.Data)
	if err != nil {
		s.logger.Error("failed to re-marshal ticker update envelope", "error", err)
		return
	}

	var kind struct {
		Type types.TickerUpdateKind `json:"type"`
	}
	if err := json.Unmarshal(raw, &kind); err != nil {
		s.logger.Error("failed to decode ticker update kind", "error", err)
		return
	}

	switch kind.Type {
	case types.UpdateKindPrice:
		var payload types.PriceUpdatePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			s.logger.Error("failed to decode price update", "error", err)
			return
		}
		price, err := decimal.NewFromString(payload.Price)
		if err != nil {
			s.logger.Error("failed to parse price update value", "price", payload.Price, "error", err)
			return
		}
		s.engine.Enqueue(types.Action{Kind: types.ActionPriceUpdate, Price: price})

	case types.UpdateKindOrder:
		var payload types.OrderUpdatePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			s.logger.Error("failed to decode order update", "error", err)
			return
		}
		order, err := toOrder(payload.OrderData)
		if err != nil {
			s.logger.Error("failed to decode order update data", "order_id", payload.OrderData.OrderID, "error", err)
			return
		}
		s.engine.Enqueue(types.Action{Kind: types.ActionOrderUpdate, Order: order})

	default:
		s.logger.Warn("received ticker update of unknown type", "type", kind.Type)
	}
}

// toOrder converts the wire-flattened order snapshot into the engine's
// narrow Order view, parsing its stringified numeric fields.
func toOrder(d types.OrderUpdateData) (types.Order, error) {
	qty, err := decimalOrZero(d.Qty)
	if err != nil {
		return types.Order{}, fmt.Errorf("parse qty: %w", err)
	}
	filledQty, err := decimalOrZero(d.FilledQty)
	if err != nil {
		return types.Order{}, fmt.Errorf("parse filled_qty: %w", err)
	}
	limitPrice, err := decimalOrZero(d.LimitPrice)
	if err != nil {
		return types.Order{}, fmt.Errorf("parse limit_price: %w", err)
	}
	filledAvgPrice, err := decimalOrZero(d.FilledAvgPrice)
	if err != nil {
		return types.Order{}, fmt.Errorf("parse filled_avg_price: %w", err)
	}

	return types.Order{
		ID:             d.OrderID,
		Symbol:         d.Symbol,
		Side:           types.Side(strings.ToUpper(d.Side)),
		Kind:           types.OrderKind(strings.ToUpper(d.OrderType)),
		Status:         types.OrderStatus(strings.ToUpper(d.Status)),
		LimitPrice:     limitPrice,
		Qty:            qty,
		FilledQty:      filledQty,
		FilledAvgPrice: filledAvgPrice,
	}, nil
}

func decimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
