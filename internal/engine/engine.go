// Package engine implements the Ladder Engine: the per-ticker decision loop
// that turns incoming price and order-update events into placed/cancelled
// brokerage orders, and reconciles fills into the Ladder Store.
//
// One Engine runs per ticker. It owns exactly one in-flight brokerage order
// at a time: a price update is handled in fixed priority order — cancel
// check, then sell placement, then buy placement — with the first check
// that takes action short-circuiting the rest. If nothing in that sequence
// fires and the ladder's top line is chasable, the top line is advanced.
//
// Every action — an incoming price tick or an order lifecycle event — flows
// through a single internal queue, so the engine's own state (pendingOrder,
// orderState) is only ever touched by the one goroutine draining it. This
// mirrors the original fleet's single-consumer decision queue, generalized
// from an untyped dict queue to the typed types.Action union.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"scale-t-fleet/internal/brokerage"
	"scale-t-fleet/internal/bus"
	"scale-t-fleet/internal/config"
	"scale-t-fleet/internal/ladder"
	"scale-t-fleet/pkg/types"
)

// FatalError marks an invariant violation the engine cannot recover from
// locally — the worker process must exit and let the orchestrator restart
// it against freshly reconciled state.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return e.Reason }

const actionQueueSize = 256

// DiagnosticRecorder receives a breadcrumb of the engine's resting state
// whenever it changes. It is purely a restart-time debugging aid — the
// Ladder Store's CSV file remains the only source of truth the engine
// itself ever reads back.
type DiagnosticRecorder interface {
	Record(ticker string, orderState types.OrderState, pendingOrderID string, lineIndex int)
}

// Engine is the per-ticker ladder decision loop.
type Engine struct {
	ticker    string
	store     *ladder.Store
	brokerage *brokerage.Client
	bus       *bus.Bus
	cfg       config.LadderConfig
	logger    *slog.Logger

	actions chan types.Action

	pendingOrder *types.PendingOrder
	orderState   types.OrderState

	havePrevPrice bool
	prevPrice     decimal.Decimal

	lastManualUpdate time.Time

	diag DiagnosticRecorder
}

// SetDiagnostics attaches a breadcrumb recorder. Optional; nil is a no-op.
func (e *Engine) SetDiagnostics(d DiagnosticRecorder) {
	e.diag = d
}

// recordDiagnostic snapshots the engine's current resting state. Called only
// from within the single consumer goroutine, immediately after orderState or
// pendingOrder changes.
func (e *Engine) recordDiagnostic() {
	if e.diag == nil {
		return
	}
	if e.pendingOrder == nil {
		e.diag.Record(e.ticker, e.orderState, "", -1)
		return
	}
	e.diag.Record(e.ticker, e.orderState, e.pendingOrder.ID, e.pendingOrder.LineIndex)
}

// New builds an Engine for ticker against an already-opened ladder store.
func New(ticker string, store *ladder.Store, client *brokerage.Client, b *bus.Bus, cfg config.LadderConfig, logger *slog.Logger) *Engine {
	return &Engine{
		ticker:     ticker,
		store:      store,
		brokerage:  client,
		bus:        b,
		cfg:        cfg,
		logger:     logger.With("component", "engine", "ticker", ticker),
		actions:    make(chan types.Action, actionQueueSize),
		orderState: types.OrderStateNone,
	}
}

// Enqueue pushes an action onto the engine's queue. Safe to call from any
// goroutine (the bus dispatch loop, a manual-reconciliation fetch, etc.);
// only the Run loop itself ever reads from the channel.
func (e *Engine) Enqueue(a types.Action) {
	select {
	case e.actions <- a:
	default:
		e.logger.Warn("action queue full, dropping action", "kind", a.Kind)
	}
}

// Actions exposes the engine's action queue for tests and for callers that
// want to observe what Enqueue has queued without driving Run.
func (e *Engine) Actions() <-chan types.Action {
	return e.actions
}

// Startup reconciles any pending order left over from a previous run,
// queues the current price, and cross-checks held shares against the
// brokerage before the engine is safe to run. Returns a *FatalError if the
// reconciliation fails or the share counts disagree.
func (e *Engine) Startup(ctx context.Context) error {
	orderID, index, ok := e.store.PendingOrderInfo()
	if ok {
		e.logger.Info("pending order found at startup", "order_id", orderID, "index", index)

		order, err := e.brokerage.GetOrder(ctx, orderID)
		if err != nil {
			return &FatalError{Reason: fmt.Sprintf("fetch pending order %s at startup: %v", orderID, err)}
		}

		e.pendingOrder = &types.PendingOrder{
			ID:        order.ID,
			Side:      order.Side,
			Kind:      order.Kind,
			Price:     order.LimitPrice,
			Qty:       order.Qty,
			LineIndex: index,
		}

		if err := e.handleOrderUpdate(ctx, *order); err != nil {
			return err
		}

		// pendingOrder may have been cleared by handleOrderUpdate above if
		// the order had already reached a terminal state while the engine
		// was offline; derive the resting order state from what remains,
		// not from the order snapshot taken before reconciliation.
		switch {
		case e.pendingOrder == nil:
			e.orderState = types.OrderStateNone
		case e.pendingOrder.Side == types.Buy:
			e.orderState = types.OrderStateBuying
		default:
			e.orderState = types.OrderStateSelling
		}
		e.recordDiagnostic()
	} else {
		e.logger.Debug("no pending order found at startup")
	}

	price, err := e.brokerage.LastTradePrice(ctx, e.ticker)
	if err != nil {
		return &FatalError{Reason: fmt.Sprintf("fetch initial price at startup: %v", err)}
	}
	e.Enqueue(types.Action{Kind: types.ActionPriceUpdate, Price: price})

	return e.checkShareCount(ctx)
}

func (e *Engine) checkShareCount(ctx context.Context) error {
	brokerageShares, err := e.brokerage.SharesHeld(ctx, e.ticker)
	if err != nil {
		return &FatalError{Reason: fmt.Sprintf("fetch shares held: %v", err)}
	}
	ladderShares := e.store.CurrentHeldShares()
	if !brokerageShares.Equal(ladderShares) {
		return &FatalError{Reason: fmt.Sprintf(
			"share count mismatch: brokerage reports %s, ladder reports %s", brokerageShares, ladderShares)}
	}
	e.logger.Info("share count verified", "brokerage", brokerageShares, "ladder", ladderShares)
	return nil
}

// Run drains the action queue until ctx is cancelled or a fatal error
// occurs.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case action := <-e.actions:
			var err error
			switch action.Kind {
			case types.ActionPriceUpdate:
				err = e.handlePriceUpdate(ctx, action.Price)
			case types.ActionOrderUpdate:
				err = e.handleOrderUpdate(ctx, action.Order)
			default:
				e.logger.Error("received action of unknown kind", "kind", action.Kind)
			}
			if err != nil {
				return err
			}
		}
	}
}

// handleOrderUpdate reconciles an order lifecycle event against the current
// pending order. Updates unrelated to the engine's own pending order (a
// stale duplicate, a mismatched ID) are dropped, not treated as errors.
func (e *Engine) handleOrderUpdate(ctx context.Context, order types.Order) error {
	if e.pendingOrder == nil {
		e.logger.Warn("received order update with no pending order outstanding", "order_id", order.ID)
		return nil
	}
	if e.pendingOrder.ID != order.ID {
		e.logger.Warn("order update id mismatch, dropping", "pending_id", e.pendingOrder.ID, "update_id", order.ID)
		return nil
	}

	e.logger.Info("handling order update", "order_id", order.ID, "status", order.Status)

	switch {
	case order.Status == types.StatusFilled:
		if err := e.store.UpdateOrderStatus(e.pendingOrder.LineIndex, order.FilledQty, order.FilledAvgPrice, order.Side); err != nil {
			return &FatalError{Reason: fmt.Sprintf("reconcile filled order %s: %v", order.ID, err)}
		}
		e.pendingOrder = nil
		e.orderState = types.OrderStateNone
		e.recordDiagnostic()
		if err := e.publishProfitReport(ctx); err != nil {
			e.logger.Error("failed to publish profit report", "error", err)
		}
		return e.checkShareCount(ctx)

	case order.Status == types.StatusCanceled || order.Status == types.StatusExpired:
		if err := e.store.UpdateOrderStatus(e.pendingOrder.LineIndex, order.FilledQty, order.FilledAvgPrice, order.Side); err != nil {
			return &FatalError{Reason: fmt.Sprintf("reconcile cancelled order %s: %v", order.ID, err)}
		}
		if err := e.store.ClearPendingOrder(e.pendingOrder.LineIndex); err != nil {
			e.logger.Error("failed to clear pending order reference", "error", err)
		}
		e.pendingOrder = nil
		e.orderState = types.OrderStateNone
		e.recordDiagnostic()
		return e.checkShareCount(ctx)

	case order.Status.IsRecognizedNonTerminal():
		e.logger.Info("order still pending", "status", order.Status)
		return nil

	default:
		return &FatalError{Reason: fmt.Sprintf("unexpected order status %q for order %s", order.Status, order.ID)}
	}
}

func (e *Engine) publishProfitReport(ctx context.Context) error {
	if e.bus == nil {
		return nil
	}
	unrealized, realized := decimal.Zero, decimal.Zero
	for _, l := range e.store.Lines() {
		unrealized = unrealized.Add(l.UnrealizedProfit)
		realized = realized.Add(l.Profit)
	}
	total := unrealized.Add(realized)

	unrealizedF, _ := unrealized.Float64()
	realizedF, _ := realized.Float64()
	totalF, _ := total.Float64()

	payload := types.ProfitReportPayload{
		Symbol:     e.ticker,
		Total:      totalF,
		Unrealized: unrealizedF,
		Realized:   realizedF,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	return e.bus.Publish(ctx, bus.ChannelProfitReport, payload, "engine")
}

// handlePriceUpdate is the per-tick decision function: cancel check, then
// sell placement, then buy placement, each short-circuiting on success; if
// none fire and the ladder's top line is chasable, advance it.
func (e *Engine) handlePriceUpdate(ctx context.Context, price decimal.Decimal) error {
	if e.orderState == types.OrderStateCancelling {
		return nil
	}

	filtered, changed := e.filterPrice(price)
	if !changed {
		return nil
	}

	handled, err := e.checkCancelOrder(ctx, filtered)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}

	handled, err = e.checkPlaceSellOrder(ctx, filtered)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}

	handled, err = e.checkPlaceBuyOrder(ctx, filtered)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}

	if e.store.IsChasable(filtered) {
		if err := e.store.ChasePrice(filtered, decimal.NewFromFloat(e.cfg.SpreadPct)); err != nil {
			e.logger.Error("chase price failed", "error", err)
		}
	}
	return nil
}

// filterPrice dedupes an unchanged tick and rounds to cent precision,
// reporting whether the price actually moved.
func (e *Engine) filterPrice(price decimal.Decimal) (decimal.Decimal, bool) {
	rounded := price.Round(2)
	if e.havePrevPrice && rounded.Equal(e.prevPrice) {
		return rounded, false
	}
	e.prevPrice = rounded
	e.havePrevPrice = true
	return rounded, true
}

func (e *Engine) checkCancelOrder(ctx context.Context, currentPrice decimal.Decimal) (bool, error) {
	if e.pendingOrder == nil {
		return false, nil
	}

	orderPrice, err := e.referencePriceFor(e.pendingOrder)
	if err != nil {
		return false, err
	}

	buyThreshold := orderPrice.Mul(decimal.NewFromFloat(1).Add(decimal.NewFromFloat(e.cfg.CancelBuyThresholdPct)))
	sellThreshold := orderPrice.Mul(decimal.NewFromFloat(1).Sub(decimal.NewFromFloat(e.cfg.CancelSellThresholdPct)))

	shouldCancel := (e.pendingOrder.Side == types.Buy && currentPrice.GreaterThanOrEqual(buyThreshold)) ||
		(e.pendingOrder.Side == types.Sell && currentPrice.LessThanOrEqual(sellThreshold))
	if !shouldCancel {
		return false, nil
	}

	e.logger.Info("cancelling order on price threshold", "order_id", e.pendingOrder.ID, "side", e.pendingOrder.Side,
		"order_price", orderPrice, "current_price", currentPrice)

	success, err := e.brokerage.CancelOrder(ctx, e.pendingOrder.ID)
	e.orderState = types.OrderStateCancelling
	e.recordDiagnostic()
	if err != nil || !success {
		e.logger.Warn("failed to cancel order, triggering manual reconciliation", "order_id", e.pendingOrder.ID, "error", err)
		e.triggerManualReconciliation(ctx)
	}
	return true, nil
}

// referencePriceFor returns the price a pending order is measured against
// for the cancel-threshold check: its limit price, or for a market order,
// the ladder line's own buy/sell price (a market order carries no limit
// price of its own).
func (e *Engine) referencePriceFor(p *types.PendingOrder) (decimal.Decimal, error) {
	if p.Kind != types.OrderKindMarket {
		return p.Price, nil
	}
	line, ok := e.store.RowByIndex(p.LineIndex)
	if !ok {
		return decimal.Zero, &FatalError{Reason: fmt.Sprintf("no ladder line at index %d for pending market order", p.LineIndex)}
	}
	if p.Side == types.Buy {
		return line.BuyPrice, nil
	}
	return line.SellPrice, nil
}

// triggerManualReconciliation re-fetches the pending order and re-enqueues
// it as a synthetic order update, rate-limited so a stuck cancel cannot
// flood the brokerage with lookups.
func (e *Engine) triggerManualReconciliation(ctx context.Context) {
	if time.Since(e.lastManualUpdate) < e.cfg.ManualReconcileCooldown {
		e.logger.Debug("skipping manual reconciliation, still in cooldown")
		return
	}
	if e.pendingOrder == nil {
		return
	}

	order, err := e.brokerage.GetOrder(ctx, e.pendingOrder.ID)
	if err != nil {
		e.logger.Error("manual reconciliation fetch failed", "order_id", e.pendingOrder.ID, "error", err)
		return
	}
	e.lastManualUpdate = time.Now()
	e.Enqueue(types.Action{Kind: types.ActionOrderUpdate, Order: *order})
}

func (e *Engine) checkPlaceSellOrder(ctx context.Context, currentPrice decimal.Decimal) (bool, error) {
	rows := e.store.RowsForSell(currentPrice)
	if len(rows) == 0 {
		return false, nil
	}

	if e.pendingOrder != nil && e.pendingOrder.Side == types.Buy {
		e.logger.Info("cancelling pending buy order to place sell order", "order_id", e.pendingOrder.ID)
		success, err := e.brokerage.CancelOrder(ctx, e.pendingOrder.ID)
		e.orderState = types.OrderStateCancelling
		e.recordDiagnostic()
		if err != nil || !success {
			e.triggerManualReconciliation(ctx)
		}
		return true, nil
	}
	if e.pendingOrder != nil && e.pendingOrder.Side == types.Sell {
		return false, nil
	}

	totalQty := decimal.Zero
	for _, r := range rows {
		totalQty = totalQty.Add(r.HeldShares)
	}
	totalQty = trimToWholeIfFractionalAndOverOne(totalQty)

	rowToSell := rows[0]
	chased := currentPrice.Sub(decimal.NewFromFloat(0.01))
	limitPrice := chased
	if chased.LessThan(rowToSell.SellPrice) {
		limitPrice = rowToSell.SellPrice
	}
	limitPrice = limitPrice.Round(2)

	order, err := e.brokerage.PlaceOrder(ctx, e.ticker, types.Sell, limitPrice, totalQty)
	if err != nil {
		e.logger.Error("error placing sell order", "error", err)
		return false, nil
	}
	if order == nil {
		e.logger.Error("failed to place sell order")
		return false, nil
	}

	e.orderState = types.OrderStateSelling
	e.pendingOrder = &types.PendingOrder{ID: order.ID, Side: types.Sell, Kind: order.Kind, Price: limitPrice, Qty: totalQty, LineIndex: rowToSell.Index}
	e.recordDiagnostic()
	if err := e.store.MarkPendingOrder(rowToSell.Index, order.ID); err != nil {
		e.logger.Error("failed to persist pending sell order", "error", err)
	}
	e.lastManualUpdate = time.Now()
	return true, nil
}

func (e *Engine) checkPlaceBuyOrder(ctx context.Context, currentPrice decimal.Decimal) (bool, error) {
	rows := e.store.RowsForBuy(currentPrice)
	if len(rows) == 0 {
		return false, nil
	}

	if e.pendingOrder != nil && e.pendingOrder.Side == types.Sell {
		e.logger.Info("cancelling pending sell order to place buy order", "order_id", e.pendingOrder.ID)
		success, err := e.brokerage.CancelOrder(ctx, e.pendingOrder.ID)
		e.orderState = types.OrderStateCancelling
		e.recordDiagnostic()
		if err != nil || !success {
			e.triggerManualReconciliation(ctx)
		}
		return true, nil
	}
	if e.pendingOrder != nil && e.pendingOrder.Side == types.Buy {
		return false, nil
	}

	totalQty := decimal.Zero
	for _, r := range rows {
		totalQty = totalQty.Add(r.TargetShares.Sub(r.HeldShares))
	}
	totalQty = trimToWholeIfFractionalAndOverOne(totalQty)

	if totalQty.LessThan(decimal.NewFromFloat(0.01)) {
		return false, nil
	}

	rowToBuy := rows[len(rows)-1]
	chased := currentPrice.Add(decimal.NewFromFloat(0.01))
	limitPrice := chased
	if chased.GreaterThan(rowToBuy.BuyPrice) {
		limitPrice = rowToBuy.BuyPrice
	}
	limitPrice = limitPrice.Round(2)

	order, err := e.brokerage.PlaceOrder(ctx, e.ticker, types.Buy, limitPrice, totalQty)
	if err != nil {
		e.logger.Error("error placing buy order", "error", err)
		return false, nil
	}
	if order == nil {
		e.logger.Error("failed to place buy order")
		return false, nil
	}

	e.orderState = types.OrderStateBuying
	e.pendingOrder = &types.PendingOrder{ID: order.ID, Side: types.Buy, Kind: order.Kind, Price: limitPrice, Qty: totalQty, LineIndex: rowToBuy.Index}
	e.recordDiagnostic()
	if err := e.store.MarkPendingOrder(rowToBuy.Index, order.ID); err != nil {
		e.logger.Error("failed to persist pending buy order", "error", err)
	}
	e.lastManualUpdate = time.Now()
	return true, nil
}

// trimToWholeIfFractionalAndOverOne mirrors the original fleet's rule: place
// whole-share orders before fractional ones, so a quantity like 3.4 trims to
// 3 (a limit order) rather than forcing the whole sum through the
// market-order path just to clear a small fractional remainder.
func trimToWholeIfFractionalAndOverOne(qty decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if qty.GreaterThan(one) && !qty.Mod(one).IsZero() {
		return qty.Floor()
	}
	return qty
}
