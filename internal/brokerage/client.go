// Package brokerage implements a synchronous REST client for the Alpaca
// trading API.
//
// The client exposes the small surface the Ladder Engine and Worker
// Supervisor need:
//   - SharesHeld:     GET  /v2/positions/{symbol}  — held quantity for a symbol
//   - LastTradePrice: GET  /v2/stocks/{symbol}/trades/latest — last trade price
//   - GetOrder:       GET  /v2/orders/{id}          — order status lookup
//   - CancelOrder:    DELETE /v2/orders/{id}         — cancel a working order
//   - PlaceOrder:     POST /v2/orders                — submit a limit or market order
//
// Every request is rate-limited via per-category TokenBuckets, retried on
// 5xx responses and transport errors (never 4xx — a rejected order or bad
// request is not retry-worthy), and authenticated with the mode-specific API key/secret
// header pair. In dry-run mode, mutating calls (PlaceOrder, CancelOrder)
// return synthesized success responses without making an HTTP call.
package brokerage

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"scale-t-fleet/internal/config"
	"scale-t-fleet/pkg/types"
)

// Client is the Alpaca trading REST client.
type Client struct {
	http   *resty.Client
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient builds a rate-limited, retrying REST client for cfg.Brokerage.
func NewClient(cfg config.BrokerageConfig, logger *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("APCA-API-KEY-ID", cfg.KeyID).
		SetHeader("APCA-API-SECRET-KEY", cfg.Secret).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "brokerage_client"),
	}
}

type positionResponse struct {
	Symbol string `json:"symbol"`
	Qty    string `json:"qty"`
}

// SharesHeld returns the held quantity for symbol, or zero if no position
// exists (Alpaca returns 404 for a flat symbol, which is not an error here).
func (c *Client) SharesHeld(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	var result positionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/v2/positions/%s", symbol))
	if err != nil {
		return decimal.Zero, fmt.Errorf("get shares held: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return decimal.Zero, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("get shares held: status %d: %s", resp.StatusCode(), resp.String())
	}

	qty, err := decimal.NewFromString(result.Qty)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get shares held: parse qty %q: %w", result.Qty, err)
	}
	return qty, nil
}

type latestTradeResponse struct {
	Trade struct {
		Price decimal.Decimal `json:"p"`
	} `json:"trade"`
}

// LastTradePrice returns the most recent traded price for symbol.
func (c *Client) LastTradePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	var result latestTradeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/v2/stocks/%s/trades/latest", symbol))
	if err != nil {
		return decimal.Zero, fmt.Errorf("get last trade price: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("get last trade price: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Trade.Price, nil
}

// GetOrder fetches the current state of an order by ID.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result alpacaOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get(fmt.Sprintf("/v2/orders/%s", orderID))
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
	}
	return result.toOrder(), nil
}

// CancelOrder cancels a working order. It first fetches the order to avoid
// cancelling one that is already filled or canceled — Alpaca accepts such
// cancel requests but they are a no-op, and the caller's local state should
// not assume success in that case.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return true, nil
	}

	order, err := c.GetOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if order.Status == types.StatusFilled {
		c.logger.Info("order already filled, not cancelling", "order_id", orderID)
		return false, nil
	}
	if order.Status == types.StatusCanceled {
		c.logger.Warn("order already canceled", "order_id", orderID)
		return false, nil
	}
	if order.FilledQty.GreaterThan(decimal.Zero) {
		c.logger.Warn("order has partial fills before cancel", "order_id", orderID, "filled_qty", order.FilledQty)
	}

	if err := c.rl.Mutate.Wait(ctx); err != nil {
		return false, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/v2/orders/%s", orderID))
	if err != nil {
		return false, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if resp.StatusCode() != http.StatusNoContent && resp.StatusCode() != http.StatusOK {
		return false, fmt.Errorf("cancel order %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
	}

	c.logger.Info("order cancelled", "order_id", orderID)
	return true, nil
}

// PlaceOrder submits a buy/sell order for qty shares. Whole-share quantities
// place a day limit order with extended-hours eligibility; fractional
// quantities must use a market order (Alpaca does not accept fractional
// limit orders), and are only submitted when the caller-supplied
// price is still favorable versus the last trade — this mirrors
// the fractional-order safety check applied before market orders are used
// as a substitute for a limit order.
func (c *Client) PlaceOrder(ctx context.Context, symbol string, side types.Side, price, qty decimal.Decimal) (*types.Order, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "symbol", symbol, "side", side, "price", price, "qty", qty)
		return &types.Order{
			ID:         fmt.Sprintf("dry-run-%s-%s", symbol, side),
			Symbol:     symbol,
			Side:       side,
			Kind:       orderKindFor(qty),
			Status:     types.StatusAccepted,
			LimitPrice: price,
			Qty:        qty,
			SubmittedAt: time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		}, nil
	}

	kind := orderKindFor(qty)
	if kind == types.OrderKindMarket {
		last, err := c.LastTradePrice(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("place order %s: check favorable price: %w", symbol, err)
		}
		favorable := (side == types.Buy && last.LessThan(price)) || (side == types.Sell && last.GreaterThan(price))
		if !favorable {
			c.logger.Warn("current price unfavorable for fractional market order, not placing",
				"symbol", symbol, "side", side, "last_price", last, "expected_price", price)
			return nil, nil
		}
	}

	if err := c.rl.Mutate.Wait(ctx); err != nil {
		return nil, err
	}

	body := buildOrderRequest(symbol, side, kind, price, qty)

	var result alpacaOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/v2/orders")
	if err != nil {
		return nil, fmt.Errorf("place order %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("place order %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}

	order := result.toOrder()
	if !order.Status.IsRecognizedNonTerminal() && order.Status != types.StatusAccepted {
		c.logger.Warn("order may not have been accepted properly", "order_id", order.ID, "status", order.Status)
	}
	return order, nil
}

func orderKindFor(qty decimal.Decimal) types.OrderKind {
	if qty.Mod(decimal.NewFromInt(1)).IsZero() {
		return types.OrderKindLimit
	}
	return types.OrderKindMarket
}

type orderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Qty           string `json:"qty"`
	LimitPrice    string `json:"limit_price,omitempty"`
	TimeInForce   string `json:"time_in_force"`
	ExtendedHours bool   `json:"extended_hours"`
}

func buildOrderRequest(symbol string, side types.Side, kind types.OrderKind, price, qty decimal.Decimal) orderRequest {
	req := orderRequest{
		Symbol:      symbol,
		Side:        strings.ToLower(string(side)),
		Qty:         qty.String(),
		TimeInForce: "day",
	}
	if kind == types.OrderKindMarket {
		req.Type = "market"
		req.ExtendedHours = false
	} else {
		req.Type = "limit"
		req.LimitPrice = price.String()
		req.ExtendedHours = true
	}
	return req
}

// alpacaOrder mirrors the subset of Alpaca's order JSON representation the
// fleet needs, decoupled from types.Order so wire-format drift (Alpaca sends
// every numeric field as a string) does not leak into domain code.
type alpacaOrder struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	Qty            decimal.Decimal `json:"qty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (a *alpacaOrder) toOrder() *types.Order {
	kind := types.OrderKindLimit
	if a.Type == "market" {
		kind = types.OrderKindMarket
	}
	return &types.Order{
		ID:             a.ID,
		Symbol:         a.Symbol,
		Side:           types.Side(strings.ToUpper(a.Side)),
		Kind:           kind,
		Status:         types.OrderStatus(strings.ToUpper(a.Status)),
		LimitPrice:     a.LimitPrice,
		Qty:            a.Qty,
		FilledQty:      a.FilledQty,
		FilledAvgPrice: a.FilledAvgPrice,
		SubmittedAt:    a.SubmittedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}
