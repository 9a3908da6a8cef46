package gateway

import (
	"log/slog"
	"os"
	"testing"

	"scale-t-fleet/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestPriceFeed() *StreamFeed {
	return NewStreamFeed(FeedPrice, "wss://example.invalid/price",
		config.BrokerageConfig{KeyID: "k", Secret: "s"}, config.GatewayConfig{}, testLogger())
}

func newTestTradeFeed() *StreamFeed {
	return NewStreamFeed(FeedTrade, "wss://example.invalid/trade",
		config.BrokerageConfig{KeyID: "k", Secret: "s"}, config.GatewayConfig{}, testLogger())
}

func TestSubscribeTracksSymbolsOnPriceFeed(t *testing.T) {
	f := newTestPriceFeed()
	// The feed is not connected, so the subscribe write fails; the symbol is
	// still tracked so the next (re)connect subscribes it.
	_ = f.Subscribe([]string{"AAPL"})

	if !f.symbols["AAPL"] {
		t.Fatal("expected AAPL to be tracked")
	}
}

func TestSubscribeNoOpOnTradeFeed(t *testing.T) {
	f := newTestTradeFeed()
	if err := f.Subscribe([]string{"AAPL"}); err != nil {
		t.Fatalf("Subscribe on trade feed should be a no-op, got error: %v", err)
	}
	if len(f.symbols) != 0 {
		t.Fatal("trade feed should never track symbols")
	}
}

func TestDispatchPriceDecodesTradeTick(t *testing.T) {
	f := newTestPriceFeed()
	msg := []byte(`[{"T":"t","S":"AAPL","p":123.45,"s":100,"t":"2026-07-30T14:00:00Z"}]`)

	f.dispatchPrice(msg)

	select {
	case update := <-f.priceCh:
		if update.Symbol != "AAPL" {
			t.Errorf("Symbol = %q, want AAPL", update.Symbol)
		}
		if update.Price != "123.45" {
			t.Errorf("Price = %q, want 123.45", update.Price)
		}
	default:
		t.Fatal("expected a price update to be queued")
	}
}

func TestDispatchPriceIgnoresNonTradeMessages(t *testing.T) {
	f := newTestPriceFeed()
	msg := []byte(`[{"T":"success","msg":"connected"}]`)

	f.dispatchPrice(msg)

	select {
	case update := <-f.priceCh:
		t.Fatalf("expected no price update, got %+v", update)
	default:
	}
}

func TestDispatchOrderDecodesTradeUpdate(t *testing.T) {
	f := newTestTradeFeed()
	msg := []byte(`{
		"stream": "trade_updates",
		"data": {
			"event": "fill",
			"execution_id": "exec-1",
			"timestamp": "2026-07-30T14:00:01Z",
			"position_qty": "10",
			"order": {
				"id": "order-1",
				"symbol": "AAPL",
				"side": "buy",
				"order_type": "limit",
				"status": "filled",
				"limit_price": "100.00",
				"qty": "5",
				"filled_qty": "5",
				"filled_avg_price": "100.00"
			}
		}
	}`)

	f.dispatchOrder(msg)

	select {
	case update := <-f.orderCh:
		if update.OrderData.OrderID != "order-1" {
			t.Errorf("OrderID = %q, want order-1", update.OrderData.OrderID)
		}
		if update.Symbol != "AAPL" {
			t.Errorf("Symbol = %q, want AAPL", update.Symbol)
		}
		if update.OrderData.Status != "filled" {
			t.Errorf("Status = %q, want filled", update.OrderData.Status)
		}
	default:
		t.Fatal("expected an order update to be queued")
	}
}

func TestDispatchOrderIgnoresOtherStreams(t *testing.T) {
	f := newTestTradeFeed()
	msg := []byte(`{"stream": "authorization", "data": {}}`)

	f.dispatchOrder(msg)

	select {
	case update := <-f.orderCh:
		t.Fatalf("expected no order update, got %+v", update)
	default:
	}
}
