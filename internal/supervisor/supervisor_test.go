package supervisor

import (
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"scale-t-fleet/internal/brokerage"
	"scale-t-fleet/internal/config"
	"scale-t-fleet/internal/engine"
	"scale-t-fleet/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	client := brokerage.NewClient(config.BrokerageConfig{RESTBaseURL: "http://127.0.0.1:0", DryRun: true}, testLogger())
	eng := engine.New("AAPL", nil, client, nil, config.LadderConfig{}, testLogger())
	return &Supervisor{ticker: "AAPL", engine: eng, logger: testLogger()}
}

func TestHandleUpdateEnqueuesPriceUpdate(t *testing.T) {
	s := testSupervisor(t)

	s.handleUpdate(types.Envelope{Data: map[string]any{
		"type":      "price",
		"timestamp": "2026-07-30T12:00:00Z",
		"symbol":    "AAPL",
		"price":     "101.50",
	}})

	select {
	case a := <-s.engine.Actions():
		if a.Kind != types.ActionPriceUpdate {
			t.Fatalf("Kind = %v, want ActionPriceUpdate", a.Kind)
		}
		if !a.Price.Equal(decimal.NewFromFloat(101.50)) {
			t.Errorf("Price = %s, want 101.50", a.Price)
		}
	default:
		t.Fatal("expected an action to be enqueued")
	}
}

func TestHandleUpdateEnqueuesOrderUpdate(t *testing.T) {
	s := testSupervisor(t)

	s.handleUpdate(types.Envelope{Data: map[string]any{
		"type":      "order",
		"timestamp": "2026-07-30T12:00:00Z",
		"symbol":    "AAPL",
		"order_data": map[string]any{
			"event":            "fill",
			"order_id":         "order-1",
			"symbol":           "AAPL",
			"side":             "buy",
			"order_type":       "limit",
			"status":           "filled",
			"limit_price":      "101.00",
			"qty":              "10",
			"filled_qty":       "10",
			"filled_avg_price": "101.00",
		},
	}})

	select {
	case a := <-s.engine.Actions():
		if a.Kind != types.ActionOrderUpdate {
			t.Fatalf("Kind = %v, want ActionOrderUpdate", a.Kind)
		}
		if a.Order.ID != "order-1" {
			t.Errorf("Order.ID = %q, want order-1", a.Order.ID)
		}
		if a.Order.Side != types.Buy {
			t.Errorf("Order.Side = %q, want BUY", a.Order.Side)
		}
		if a.Order.Status != types.StatusFilled {
			t.Errorf("Order.Status = %q, want FILLED", a.Order.Status)
		}
		if !a.Order.FilledQty.Equal(decimal.NewFromInt(10)) {
			t.Errorf("Order.FilledQty = %s, want 10", a.Order.FilledQty)
		}
	default:
		t.Fatal("expected an action to be enqueued")
	}
}

func TestHandleUpdateDropsMalformedPrice(t *testing.T) {
	s := testSupervisor(t)

	s.handleUpdate(types.Envelope{Data: map[string]any{
		"type":      "price",
		"timestamp": "2026-07-30T12:00:00Z",
		"symbol":    "AAPL",
		"price":     "not-a-number",
	}})

	select {
	case a := <-s.engine.Actions():
		t.Fatalf("expected no action enqueued for malformed price, got %+v", a)
	default:
	}
}

func TestHandleUpdateDropsUnknownKind(t *testing.T) {
	s := testSupervisor(t)

	s.handleUpdate(types.Envelope{Data: map[string]any{"type": "nonsense"}})

	select {
	case a := <-s.engine.Actions():
		t.Fatalf("expected no action enqueued for unknown kind, got %+v", a)
	default:
	}
}

func TestToOrderParsesStringifiedFields(t *testing.T) {
	order, err := toOrder(types.OrderUpdateData{
		OrderID:        "order-2",
		Symbol:         "MSFT",
		Side:           "sell",
		OrderType:      "market",
		Status:         "canceled",
		Qty:            "5",
		FilledQty:      "2",
		FilledAvgPrice: "",
		LimitPrice:     "",
	})
	if err != nil {
		t.Fatalf("toOrder: %v", err)
	}
	if order.Side != types.Sell {
		t.Errorf("Side = %q, want SELL", order.Side)
	}
	if order.Status != types.StatusCanceled {
		t.Errorf("Status = %q, want CANCELED", order.Status)
	}
	if !order.Qty.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Qty = %s, want 5", order.Qty)
	}
	if !order.FilledAvgPrice.IsZero() {
		t.Errorf("FilledAvgPrice = %s, want 0", order.FilledAvgPrice)
	}
}

func TestToOrderRejectsUnparsableQty(t *testing.T) {
	if _, err := toOrder(types.OrderUpdateData{Qty: "not-a-number"}); err == nil {
		t.Fatal("expected an error for an unparsable qty field")
	}
}
