package bus

import (
	"testing"
)

func TestSchemaForResolvesFixedAndDynamicChannels(t *testing.T) {
	cases := []struct {
		channel string
		want    bool
	}{
		{ChannelBrokerRegistration, true},
		{ChannelProfitReport, true},
		{TickerUpdatesChannel("aapl"), true},
		{PerformanceChannel("AAPL"), true},
		{PerformanceChannel(""), true},
		{"SOMETHING_ELSE", false},
	}

	for _, tc := range cases {
		_, ok := schemaFor(tc.channel)
		if ok != tc.want {
			t.Errorf("schemaFor(%q) ok = %v, want %v", tc.channel, ok, tc.want)
		}
	}
}

func TestTickerUpdatesChannelUppercasesSymbol(t *testing.T) {
	if got := TickerUpdatesChannel("aapl"); got != "TICKER_UPDATES_AAPL" {
		t.Errorf("got %q", got)
	}
}

func TestPerformanceChannelAggregateFallback(t *testing.T) {
	if got := PerformanceChannel(""); got != "PERFORMANCE_AGGREGATE" {
		t.Errorf("got %q", got)
	}
	if got := PerformanceChannel("aggregate"); got != "PERFORMANCE_AGGREGATE" {
		t.Errorf("got %q", got)
	}
}

func TestRegistrationSchemaRejectsUnknownAction(t *testing.T) {
	s := registrationSchema{}
	err := s.Validate(map[string]any{"action": "unsubscribex", "ticker": "AAPL"})
	if err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestRegistrationSchemaAcceptsValidPayload(t *testing.T) {
	s := registrationSchema{}
	if err := s.Validate(map[string]any{"action": "subscribe", "ticker": "AAPL"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTickerUpdateSchemaRequiresTypeSpecificFields(t *testing.T) {
	s := tickerUpdateSchema{}

	if err := s.Validate(map[string]any{"type": "price", "timestamp": "t", "symbol": "AAPL"}); err == nil {
		t.Fatal("expected error: missing price field")
	}
	if err := s.Validate(map[string]any{"type": "price", "timestamp": "t", "price": "1.0", "symbol": "AAPL"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Validate(map[string]any{"type": "order", "timestamp": "t", "symbol": "AAPL"}); err == nil {
		t.Fatal("expected error: missing order_data field")
	}
	if err := s.Validate(map[string]any{"type": "unknown"}); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestProfitReportSchemaRequiresAllFields(t *testing.T) {
	s := profitReportSchema{}
	if err := s.Validate(map[string]any{"symbol": "AAPL"}); err == nil {
		t.Fatal("expected error for incomplete payload")
	}
	full := map[string]any{
		"symbol":     "AAPL",
		"total":      1.0,
		"unrealized": 0.5,
		"realized":   0.5,
		"timestamp":  "t",
	}
	if err := s.Validate(full); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Channel: "FOO", Reason: "bad"}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}
