package aggregator

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"scale-t-fleet/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAggregator(t *testing.T) *Aggregator {
	t.Helper()
	return &Aggregator{dataRoot: t.TempDir(), logger: testLogger()}
}

func reportEnvelope(symbol string, total, unrealized, realized, converted float64, timestamp string) types.Envelope {
	raw, _ := json.Marshal(types.ProfitReportPayload{
		Symbol: symbol, Total: total, Unrealized: unrealized,
		Realized: realized, Converted: converted, Timestamp: timestamp,
	})
	var data map[string]any
	_ = json.Unmarshal(raw, &data)
	return types.Envelope{Data: data}
}

func TestHandleReportAccumulatesPerSymbolAndAggregate(t *testing.T) {
	a := testAggregator(t)

	a.handleReport(reportEnvelope("AAPL", 100, 100, 0, 0, "2026-07-30T12:00:00Z"))
	a.handleReport(reportEnvelope("AAPL", 50, 0, 25, 25, "2026-07-30T12:05:00Z"))
	a.handleReport(reportEnvelope("GOOGL", 20, 20, 0, 0, "2026-07-30T12:10:00Z"))

	aapl := a.content["AAPL"]
	if aapl.Total != 150 {
		t.Errorf("AAPL total = %v, want 150", aapl.Total)
	}
	if aapl.Realized != 25 {
		t.Errorf("AAPL realized = %v, want 25", aapl.Realized)
	}
	if aapl.Converted != 25 {
		t.Errorf("AAPL converted = %v, want 25", aapl.Converted)
	}

	googl := a.content["GOOGL"]
	if googl.Total != 20 {
		t.Errorf("GOOGL total = %v, want 20", googl.Total)
	}

	agg := a.content[aggregateKey]
	if agg.Total != 170 {
		t.Errorf("aggregate total = %v, want 170", agg.Total)
	}
	if agg.Unrealized != 120 {
		t.Errorf("aggregate unrealized = %v, want 120", agg.Unrealized)
	}
}

func TestHandleReportDropsMissingSymbol(t *testing.T) {
	a := testAggregator(t)
	a.handleReport(reportEnvelope("", 10, 10, 0, 0, "2026-07-30T12:00:00Z"))

	if len(a.content) != 0 {
		t.Errorf("expected no content recorded, got %+v", a.content)
	}
}

func TestHandleReportPersistsToDailyFile(t *testing.T) {
	a := testAggregator(t)
	a.handleReport(reportEnvelope("AAPL", 100, 100, 0, 0, "2026-07-30T12:00:00Z"))

	today := a.currentDay
	path := filepath.Join(a.dataRoot, "performance", "profits", today[:4], today[5:7], today+"_profit.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var saved map[string]entry
	if err := json.Unmarshal(raw, &saved); err != nil {
		t.Fatalf("unmarshal saved profit file: %v", err)
	}
	if saved["AAPL"].Total != 100 {
		t.Errorf("saved AAPL total = %v, want 100", saved["AAPL"].Total)
	}
	if saved[aggregateKey].Total != 100 {
		t.Errorf("saved aggregate total = %v, want 100", saved[aggregateKey].Total)
	}
}

func TestEnsureDayReloadsExistingFileForToday(t *testing.T) {
	a := testAggregator(t)
	a.handleReport(reportEnvelope("AAPL", 100, 0, 0, 0, "2026-07-30T12:00:00Z"))

	reloaded := &Aggregator{dataRoot: a.dataRoot, logger: testLogger()}
	if err := reloaded.ensureDay(); err != nil {
		t.Fatalf("ensureDay: %v", err)
	}
	if reloaded.content["AAPL"].Total != 100 {
		t.Errorf("reloaded AAPL total = %v, want 100", reloaded.content["AAPL"].Total)
	}
}

func TestRound2(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{1.234, 1.23},
		{1.236, 1.24},
		{-1.236, -1.24},
	}
	for _, tc := range cases {
		if got := round2(tc.in); got != tc.want {
			t.Errorf("round2(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
