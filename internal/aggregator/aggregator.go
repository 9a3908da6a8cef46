// Package aggregator implements the fleet's profit aggregator: it listens
// for PROFIT_REPORT messages published by every Ladder Engine, rolls them
// into a daily per-symbol-plus-aggregate JSON file, and republishes each
// updated entry on the per-symbol PERFORMANCE_<SYMBOL> / PERFORMANCE_AGGREGATE
// channels.
//
// This is a faithful, minimal reimplementation of the original fleet's
// daily profit calculator: each incoming report's fields are added onto
// whatever total already exists for the day, not used to replace it — a
// PROFIT_REPORT is a delta, so summing is correct, and the original's own
// test suite pins this accumulating behavior.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"scale-t-fleet/internal/bus"
	"scale-t-fleet/internal/config"
	"scale-t-fleet/pkg/types"
)

const aggregateKey = "aggregate"

// entry is one symbol's (or the aggregate's) running daily totals.
type entry struct {
	Total      float64 `json:"total"`
	Unrealized float64 `json:"unrealized"`
	Realized   float64 `json:"realized"`
	Converted  float64 `json:"converted"`
	Timestamp  string  `json:"timestamp"`
}

func (e *entry) add(r types.ProfitReportPayload) {
	e.Total = round2(e.Total + r.Total)
	e.Unrealized = round2(e.Unrealized + r.Unrealized)
	e.Realized = round2(e.Realized + r.Realized)
	e.Converted = round2(e.Converted + r.Converted)
	e.Timestamp = r.Timestamp
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// Aggregator accumulates PROFIT_REPORT messages into a daily JSON file and
// republishes them onto the performance channels.
type Aggregator struct {
	bus      *bus.Bus
	dataRoot string
	logger   *slog.Logger

	mu          sync.Mutex
	currentDay  string
	currentPath string
	content     map[string]*entry
}

// New builds an Aggregator wired to cfg's bus and data root.
func New(cfg config.Config, logger *slog.Logger) *Aggregator {
	log := logger.With("component", "aggregator")
	b := bus.New(bus.Config{Host: cfg.Bus.Host, Port: cfg.Bus.Port, DB: cfg.Bus.DB}, log)
	return &Aggregator{
		bus:      b,
		dataRoot: cfg.Store.DataRoot,
		logger:   log,
	}
}

// Run subscribes to PROFIT_REPORT and blocks processing reports until ctx is
// cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	if err := a.bus.Ping(ctx); err != nil {
		return fmt.Errorf("ping bus: %w", err)
	}
	defer a.bus.Close()

	if err := a.bus.Subscribe(ctx, bus.ChannelProfitReport, a.handleReport); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.ChannelProfitReport, err)
	}
	if err := a.bus.StartListening(ctx); err != nil {
		return fmt.Errorf("start bus listener: %w", err)
	}
	defer a.bus.StopListening()

	<-ctx.Done()
	return nil
}

// handleReport decodes one PROFIT_REPORT envelope, accumulates it into the
// current day's totals, persists the day file, and republishes the updated
// symbol and aggregate entries.
func (a *Aggregator) handleReport(env types.Envelope) {
	raw, err := json.Marshal(env.Data)
	if err != nil {
		a.logger.Error("failed to re-marshal profit report envelope", "error", err)
		return
	}
	var report types.ProfitReportPayload
	if err := json.Unmarshal(raw, &report); err != nil {
		a.logger.Error("failed to decode profit report", "error", err)
		return
	}
	if report.Symbol == "" {
		a.logger.Warn("dropping profit report with no symbol")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureDay(); err != nil {
		a.logger.Error("failed to roll to current day's profit file", "error", err)
		return
	}

	symbolEntry, ok := a.content[report.Symbol]
	if !ok {
		symbolEntry = &entry{}
		a.content[report.Symbol] = symbolEntry
	}
	symbolEntry.add(report)

	aggregate, ok := a.content[aggregateKey]
	if !ok {
		aggregate = &entry{}
		a.content[aggregateKey] = aggregate
	}
	aggregate.add(report)

	if err := a.saveLocked(); err != nil {
		a.logger.Error("failed to save profit file", "error", err)
		return
	}

	a.publish(context.Background(), report.Symbol, symbolEntry)
	a.publish(context.Background(), aggregateKey, aggregate)
}

// ensureDay rolls self.content over to a fresh file when UTC's calendar day
// has changed since the last report, loading any existing file for the new
// day rather than starting blank (a restart mid-day must not lose the
// day's totals so far).
func (a *Aggregator) ensureDay() error {
	today := time.Now().UTC().Format("2006-01-02")
	if a.currentDay == today && a.content != nil {
		return nil
	}

	year := today[:4]
	month := today[5:7]
	path := filepath.Join(a.dataRoot, "performance", "profits", year, month, today+"_profit.json")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create profit directory: %w", err)
	}

	content := make(map[string]*entry)
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &content); err != nil {
			return fmt.Errorf("parse existing profit file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read existing profit file: %w", err)
	}

	a.currentDay = today
	a.currentPath = path
	a.content = content
	return nil
}

// saveLocked atomically writes the current day's content to disk. Callers
// must hold a.mu.
func (a *Aggregator) saveLocked() error {
	dir := filepath.Dir(a.currentPath)
	tmp, err := os.CreateTemp(dir, ".profit-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp profit file: %w", err)
	}
	tmpPath := tmp.Name()

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(a.content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode profit file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp profit file: %w", err)
	}
	if err := os.Rename(tmpPath, a.currentPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp profit file: %w", err)
	}
	return nil
}

// publish republishes e on symbol's performance channel. Publish failures
// are logged; a dropped performance mirror is not fatal to the aggregator.
func (a *Aggregator) publish(ctx context.Context, symbol string, e *entry) {
	if a.bus == nil {
		return
	}
	payload := types.ProfitReportPayload{
		Symbol:     symbol,
		Total:      e.Total,
		Unrealized: e.Unrealized,
		Realized:   e.Realized,
		Converted:  e.Converted,
		Timestamp:  e.Timestamp,
	}
	channel := bus.PerformanceChannel(symbol)
	if err := a.bus.Publish(ctx, channel, payload, "aggregator"); err != nil {
		a.logger.Error("failed to publish performance update", "channel", channel, "error", err)
	}
}
