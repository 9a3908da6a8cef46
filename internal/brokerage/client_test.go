package brokerage

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"scale-t-fleet/pkg/types"
)

func newDryRunClient() *Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Client{
		http:   resty.New(),
		dryRun: true,
		rl:     NewRateLimiter(),
		logger: logger,
	}
}

func TestDryRunPlaceOrderWholeShares(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	order, err := c.PlaceOrder(context.Background(), "AAPL", types.Buy, decimal.NewFromFloat(100.50), decimal.NewFromInt(5))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order == nil {
		t.Fatal("expected non-nil order")
	}
	if order.Kind != types.OrderKindLimit {
		t.Errorf("Kind = %v, want limit for whole-share qty", order.Kind)
	}
	if order.Status != types.StatusAccepted {
		t.Errorf("Status = %v, want ACCEPTED", order.Status)
	}
}

func TestDryRunPlaceOrderFractionalShares(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	order, err := c.PlaceOrder(context.Background(), "AAPL", types.Sell, decimal.NewFromFloat(100.50), decimal.NewFromFloat(2.5))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Kind != types.OrderKindMarket {
		t.Errorf("Kind = %v, want market for fractional qty", order.Kind)
	}
}

func TestDryRunCancelOrder(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	ok, err := c.CancelOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if !ok {
		t.Error("expected cancel to report success in dry-run mode")
	}
}

func TestOrderKindForWholeAndFractionalQty(t *testing.T) {
	t.Parallel()

	if got := orderKindFor(decimal.NewFromInt(3)); got != types.OrderKindLimit {
		t.Errorf("orderKindFor(3) = %v, want limit", got)
	}
	if got := orderKindFor(decimal.NewFromFloat(3.25)); got != types.OrderKindMarket {
		t.Errorf("orderKindFor(3.25) = %v, want market", got)
	}
}

func TestBuildOrderRequestLimitVsMarket(t *testing.T) {
	t.Parallel()

	limitReq := buildOrderRequest("AAPL", types.Buy, types.OrderKindLimit, decimal.NewFromFloat(100), decimal.NewFromInt(2))
	if limitReq.Type != "limit" {
		t.Errorf("Type = %q, want limit", limitReq.Type)
	}
	if limitReq.LimitPrice == "" {
		t.Error("expected non-empty limit price for limit order")
	}
	if !limitReq.ExtendedHours {
		t.Error("expected extended hours enabled for whole-share limit orders")
	}

	marketReq := buildOrderRequest("AAPL", types.Sell, types.OrderKindMarket, decimal.NewFromFloat(100), decimal.NewFromFloat(1.5))
	if marketReq.Type != "market" {
		t.Errorf("Type = %q, want market", marketReq.Type)
	}
	if marketReq.LimitPrice != "" {
		t.Error("expected empty limit price for market order")
	}
	if marketReq.ExtendedHours {
		t.Error("expected extended hours disabled for market orders")
	}
	if marketReq.Side != "sell" {
		t.Errorf("Side = %q, want lowercase sell", marketReq.Side)
	}
}

func TestAlpacaOrderToOrderNormalizesSide(t *testing.T) {
	t.Parallel()

	a := &alpacaOrder{ID: "abc", Symbol: "AAPL", Side: "buy", Type: "limit", Status: "filled"}
	order := a.toOrder()
	if order.Side != types.Buy {
		t.Errorf("Side = %q, want %q", order.Side, types.Buy)
	}
	if order.Status != types.StatusFilled {
		t.Errorf("Status = %q, want FILLED", order.Status)
	}
}
