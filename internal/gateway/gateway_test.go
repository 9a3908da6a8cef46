package gateway

import (
	"testing"

	"scale-t-fleet/internal/config"
	"scale-t-fleet/pkg/types"
)

func newTestGateway() *Gateway {
	cfg := config.Config{
		Brokerage: config.BrokerageConfig{KeyID: "k", Secret: "s"},
		Bus:       config.BusConfig{Host: "localhost", Port: 6379},
	}
	return New(cfg, testLogger())
}

func TestHandleRegistrationSubscribe(t *testing.T) {
	g := newTestGateway()

	g.handleRegistration(types.Envelope{
		Data: map[string]any{"action": "subscribe", "ticker": "AAPL"},
	})

	g.subscribedMu.RLock()
	defer g.subscribedMu.RUnlock()
	if !g.subscribed["AAPL"] {
		t.Fatal("expected AAPL to be subscribed")
	}
}

func TestHandleRegistrationUnsubscribe(t *testing.T) {
	g := newTestGateway()
	g.subscribed["AAPL"] = true

	g.handleRegistration(types.Envelope{
		Data: map[string]any{"action": "unsubscribe", "ticker": "AAPL"},
	})

	g.subscribedMu.RLock()
	defer g.subscribedMu.RUnlock()
	if g.subscribed["AAPL"] {
		t.Fatal("expected AAPL to be unsubscribed")
	}
}

func TestHandleRegistrationIgnoresMissingFields(t *testing.T) {
	g := newTestGateway()

	g.handleRegistration(types.Envelope{Data: map[string]any{"action": "subscribe"}})
	g.handleRegistration(types.Envelope{Data: map[string]any{"ticker": "AAPL"}})

	g.subscribedMu.RLock()
	defer g.subscribedMu.RUnlock()
	if len(g.subscribed) != 0 {
		t.Fatalf("expected no subscriptions from invalid messages, got %v", g.subscribed)
	}
}

func TestHandleRegistrationIgnoresUnknownAction(t *testing.T) {
	g := newTestGateway()

	g.handleRegistration(types.Envelope{
		Data: map[string]any{"action": "frobnicate", "ticker": "AAPL"},
	})

	g.subscribedMu.RLock()
	defer g.subscribedMu.RUnlock()
	if len(g.subscribed) != 0 {
		t.Fatalf("expected no subscriptions from unknown action, got %v", g.subscribed)
	}
}

func TestSubscribeSymbolIsIdempotent(t *testing.T) {
	g := newTestGateway()

	g.subscribeSymbol("AAPL")
	g.subscribeSymbol("AAPL")

	g.subscribedMu.RLock()
	defer g.subscribedMu.RUnlock()
	if len(g.subscribed) != 1 {
		t.Fatalf("expected exactly one subscription, got %d", len(g.subscribed))
	}
}
