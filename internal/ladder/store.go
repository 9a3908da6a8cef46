// Package ladder implements the Ladder Store: a validated, file-backed CSV
// representation of one ticker's scale-in/scale-out ladder, plus the chase
// and redistribution algorithms that keep it balanced as price moves and
// fills land.
//
// Each line of the ladder pairs a buy price with a sell price
// (construction-time spread applied once, at creation) and tracks the
// target and currently-held share count for that line, an unrealized-profit
// running total, and the ID of any order currently pending against it. The
// file is the sole source of truth for ladder state; the engine and store
// never hold state the file does not also reflect after a save.
package ladder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"scale-t-fleet/pkg/types"
)

// csvColumns is the fixed column order of the ladder file, matching the
// original fleet's template so existing ladder files remain loadable.
var csvColumns = []string{
	"index", "buy_price", "sell_price", "target_shares", "held_shares",
	"pending_order_id", "spc", "unrealized_profit", "last_action", "profit",
}

// Line is one row of the ladder.
type Line struct {
	Index            int
	BuyPrice         decimal.Decimal
	SellPrice        decimal.Decimal
	TargetShares     decimal.Decimal
	HeldShares       decimal.Decimal
	PendingOrderID   string
	SPC              string // "last" marks the line that absorbed a redistribution remainder, else ""
	UnrealizedProfit decimal.Decimal
	LastAction       int64 // unix epoch seconds, matching the original fleet's file format
	Profit           decimal.Decimal
}

// HasPendingOrder reports whether the line is waiting on a brokerage order.
func (l *Line) HasPendingOrder() bool {
	return l.PendingOrderID != "" && l.PendingOrderID != types.PendingOrderIDNone
}

// Store owns one ticker's ladder file. All mutating methods save the file
// before returning, so a crash between mutation and the next read never
// loses state.
type Store struct {
	mu       sync.Mutex
	path     string
	lines    []Line
	minCash  decimal.Decimal // the $2-minimum-notional redistribution floor
	chaseStep decimal.Decimal
}

const lockEpsilon = "0.005" // half-cent tolerance for "locked" top-of-ladder detection

// Open loads a ladder file from path. The file must already exist — the
// fleet never synthesizes a ladder; it is created out-of-band by the CSV
// creation tooling, which is not part of this repository.
func Open(path string, minNotionalUSD float64, chaseStepCents float64) (*Store, error) {
	lines, err := loadCSV(path)
	if err != nil {
		return nil, err
	}
	if err := validate(lines); err != nil {
		return nil, fmt.Errorf("validate ladder %s: %w", path, err)
	}

	return &Store{
		path:      path,
		lines:     lines,
		minCash:   decimal.NewFromFloat(minNotionalUSD),
		chaseStep: decimal.NewFromFloat(chaseStepCents).Div(decimal.NewFromInt(100)),
	}, nil
}

func loadCSV(path string) ([]Line, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ladder file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read ladder csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("ladder file %s is empty", path)
	}

	header := records[0]
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}

	lines := make([]Line, 0, len(records)-1)
	for _, rec := range records[1:] {
		line, err := parseLine(rec, col)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func parseLine(rec []string, col map[string]int) (Line, error) {
	get := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	index, err := strconv.Atoi(get("index"))
	if err != nil {
		return Line{}, fmt.Errorf("parse index: %w", err)
	}
	buyPrice, err := decimal.NewFromString(get("buy_price"))
	if err != nil {
		return Line{}, fmt.Errorf("parse buy_price: %w", err)
	}
	sellPrice, err := decimal.NewFromString(get("sell_price"))
	if err != nil {
		return Line{}, fmt.Errorf("parse sell_price: %w", err)
	}
	targetShares, err := decimal.NewFromString(get("target_shares"))
	if err != nil {
		return Line{}, fmt.Errorf("parse target_shares: %w", err)
	}
	heldShares, err := decimal.NewFromString(get("held_shares"))
	if err != nil {
		return Line{}, fmt.Errorf("parse held_shares: %w", err)
	}
	unrealized, err := decimal.NewFromString(orZero(get("unrealized_profit")))
	if err != nil {
		return Line{}, fmt.Errorf("parse unrealized_profit: %w", err)
	}
	profit, err := decimal.NewFromString(orZero(get("profit")))
	if err != nil {
		return Line{}, fmt.Errorf("parse profit: %w", err)
	}
	var lastAction int64
	if la := get("last_action"); la != "" {
		lastAction, err = strconv.ParseInt(la, 10, 64)
		if err != nil {
			return Line{}, fmt.Errorf("parse last_action: %w", err)
		}
	}

	pendingID := get("pending_order_id")
	if pendingID == "" {
		pendingID = types.PendingOrderIDNone
	}

	return Line{
		Index:            index,
		BuyPrice:         buyPrice,
		SellPrice:        sellPrice,
		TargetShares:     targetShares,
		HeldShares:       heldShares,
		PendingOrderID:   pendingID,
		SPC:              get("spc"),
		UnrealizedProfit: unrealized,
		LastAction:       lastAction,
		Profit:           profit,
	}, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func validate(lines []Line) error {
	for i, l := range lines {
		if l.BuyPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("row %d: buy_price must be positive", i)
		}
		if l.SellPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("row %d: sell_price must be positive", i)
		}
		if l.TargetShares.LessThan(decimal.Zero) {
			return fmt.Errorf("row %d: target_shares must be non-negative", i)
		}
		if l.HeldShares.LessThan(decimal.Zero) {
			return fmt.Errorf("row %d: held_shares must be non-negative", i)
		}
	}
	return nil
}

// Save atomically persists the ladder: write to a temp file in the same
// directory, then rename over the original, so a crash mid-write never
// leaves a truncated ladder file on disk.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".ladder-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ladder file: %w", err)
	}
	tmpPath := tmp.Name()

	w := csv.NewWriter(tmp)
	if err := w.Write(csvColumns); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write ladder header: %w", err)
	}
	for _, l := range s.lines {
		if err := w.Write(lineToRecord(l)); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("write ladder row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flush ladder csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp ladder file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp ladder file: %w", err)
	}
	return nil
}

func lineToRecord(l Line) []string {
	pending := l.PendingOrderID
	if pending == "" {
		pending = types.PendingOrderIDNone
	}
	return []string{
		strconv.Itoa(l.Index),
		l.BuyPrice.String(),
		l.SellPrice.String(),
		l.TargetShares.String(),
		l.HeldShares.String(),
		pending,
		l.SPC,
		l.UnrealizedProfit.String(),
		strconv.FormatInt(l.LastAction, 10),
		l.Profit.String(),
	}
}

// TotalCashValue sums target_shares * buy_price across every line.
func (s *Store) TotalCashValue() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := decimal.Zero
	for _, l := range s.lines {
		total = total.Add(l.TargetShares.Mul(l.BuyPrice))
	}
	return total
}

// CurrentHeldShares sums held_shares across every line.
func (s *Store) CurrentHeldShares() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := decimal.Zero
	for _, l := range s.lines {
		total = total.Add(l.HeldShares)
	}
	return total
}

// PendingOrderInfo returns the order ID and line index of the first line
// with a pending order, if any.
func (s *Store) PendingOrderInfo() (orderID string, index int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.lines {
		if l.HasPendingOrder() {
			return l.PendingOrderID, l.Index, true
		}
	}
	return "", 0, false
}

// RowByIndex returns a copy of the line at index, if present.
func (s *Store) RowByIndex(index int) (Line, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rowByIndexLocked(index)
}

func (s *Store) rowByIndexLocked(index int) (Line, bool) {
	for _, l := range s.lines {
		if l.Index == index {
			return l, true
		}
	}
	return Line{}, false
}

// RowsForBuy returns every line whose buy_price has been reached by
// currentPrice and still has room between held and target shares, ordered
// as the file stores them (highest price first, by the ladder's own
// construction order).
func (s *Store) RowsForBuy(currentPrice decimal.Decimal) []Line {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Line
	for _, l := range s.lines {
		if l.BuyPrice.GreaterThanOrEqual(currentPrice) && l.HeldShares.LessThan(l.TargetShares) {
			out = append(out, l)
		}
	}
	return out
}

// RowsForSell returns every line whose sell_price has been reached by
// currentPrice and is currently holding shares.
func (s *Store) RowsForSell(currentPrice decimal.Decimal) []Line {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Line
	for _, l := range s.lines {
		if l.SellPrice.LessThanOrEqual(currentPrice) && l.HeldShares.GreaterThan(decimal.Zero) {
			out = append(out, l)
		}
	}
	return out
}

// IsChasable reports whether the top-of-ladder chase algorithm may run:
// no shares held and no pending order anywhere in the ladder, and price has
// moved above the top line's buy price.
func (s *Store) IsChasable(currentPrice decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.lines) == 0 {
		return false
	}
	top := s.lines[0]
	if top.HeldShares.GreaterThan(decimal.Zero) {
		return false
	}
	if top.BuyPrice.GreaterThanOrEqual(currentPrice) {
		return false
	}
	for _, l := range s.lines {
		if l.HeldShares.GreaterThan(decimal.Zero) || l.HasPendingOrder() {
			return false
		}
	}
	return true
}

// MarkPendingOrder records orderID against the line at index and saves.
func (s *Store) MarkPendingOrder(index int, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.lines {
		if s.lines[i].Index == index {
			s.lines[i].PendingOrderID = orderID
			return s.saveLocked()
		}
	}
	return fmt.Errorf("no line at index %d", index)
}

// ClearPendingOrder removes the pending order reference from the line at
// index (used when a cancel/expiry leaves no fill to reconcile) and saves.
func (s *Store) ClearPendingOrder(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.lines {
		if s.lines[i].Index == index {
			s.lines[i].PendingOrderID = types.PendingOrderIDNone
			s.lines[i].LastAction = nowEpoch()
			return s.saveLocked()
		}
	}
	return fmt.Errorf("no line at index %d", index)
}

// UpdateOrderStatus reconciles a fill against the line at index and clears
// its pending order reference. Buy fills distribute shares top-down,
// starting at line 0 and working down to index; sell fills distribute bottom-up, starting at the last line and
// working down to index. Both walk every line's available room rather than
// filling only the order's own line, so a single marketable order spanning
// several ladder lines reconciles correctly.
func (s *Store) UpdateOrderStatus(index int, filledQty, filledAvgPrice decimal.Decimal, side types.Side) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rowByIndexLocked(index); !ok {
		return fmt.Errorf("no line at index %d in UpdateOrderStatus", index)
	}

	now := nowEpoch()
	remaining := filledQty

	if side == types.Buy && remaining.GreaterThan(decimal.Zero) {
		for remaining.GreaterThan(decimal.Zero) {
			progressed := false
			for i := range s.lines {
				if s.lines[i].Index > index {
					continue
				}
				room := s.lines[i].TargetShares.Sub(s.lines[i].HeldShares)
				assignable := decimal.Min(remaining, room)
				if assignable.GreaterThan(decimal.Zero) {
					prevHeld := s.lines[i].HeldShares
					s.lines[i].HeldShares = prevHeld.Add(assignable)
					remaining = remaining.Sub(assignable)

					existing := decimal.Zero
					if prevHeld.GreaterThan(decimal.Zero) {
						existing = s.lines[i].UnrealizedProfit
					}
					delta := s.lines[i].BuyPrice.Sub(filledAvgPrice).Mul(assignable)
					s.lines[i].UnrealizedProfit = existing.Add(delta).Round(2)
					s.lines[i].LastAction = now
					progressed = true
				}
				if remaining.IsZero() {
					break
				}
			}
			if !progressed {
				break
			}
		}
	} else if side == types.Sell && remaining.GreaterThan(decimal.Zero) {
		for remaining.GreaterThan(decimal.Zero) {
			progressed := false
			for i := len(s.lines) - 1; i >= 0; i-- {
				if s.lines[i].Index < index {
					continue
				}
				sellable := decimal.Min(remaining, s.lines[i].HeldShares)
				if sellable.GreaterThan(decimal.Zero) {
					prevHeld := s.lines[i].HeldShares
					s.lines[i].HeldShares = prevHeld.Sub(sellable)
					remaining = remaining.Sub(sellable)

					prevUnrealized := s.lines[i].UnrealizedProfit
					s.lines[i].UnrealizedProfit = decimal.Zero
					saleProfit := filledAvgPrice.Sub(s.lines[i].BuyPrice).Mul(sellable)
					s.lines[i].Profit = prevUnrealized.Add(saleProfit).Add(s.lines[i].Profit).Round(2)
					s.lines[i].LastAction = now
					progressed = true
				}
				if remaining.IsZero() {
					break
				}
			}
			if !progressed {
				break
			}
		}
	}

	for i := range s.lines {
		if s.lines[i].Index == index {
			s.lines[i].PendingOrderID = types.PendingOrderIDNone
			s.lines[i].LastAction = now
		}
	}

	return s.saveLocked()
}

// ChasePrice advances the top-of-ladder line when price has run away above
// it: if the top and second lines are "locked" (the second line's sell
// price sits within half a cent of the first line's buy price — there is no
// room left to simply shift the top line without overlapping it), a new top
// line is inserted; otherwise the existing top line's prices are shifted up
// by one chase step. Either way, the ladder's total cash value is then
// redistributed evenly across all lines. Nothing changes when price does
// not exceed the top buy price by more than one chase step, or when the top
// line's own spread is below 0.4%. Callers must confirm IsChasable first:
// ChasePrice does not check for pending orders.
func (s *Store) ChasePrice(currentPrice decimal.Decimal, spreadPct decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.lines) < 2 {
		return fmt.Errorf("chase price requires at least two lines")
	}

	first := s.lines[0]
	if !first.BuyPrice.Add(s.chaseStep).LessThan(currentPrice) {
		return nil
	}

	second := s.lines[1]
	pctDiff := first.SellPrice.Sub(first.BuyPrice).Div(first.BuyPrice).Abs()
	if pctDiff.LessThan(decimal.NewFromFloat(0.004)) {
		return nil
	}

	totalCash := s.totalCashValueLocked()
	newBuyPrice := first.BuyPrice.Add(s.chaseStep).Round(2)
	newSellPrice := newBuyPrice.Mul(decimal.NewFromInt(1).Add(spreadPct)).Round(2)

	epsilon, _ := decimal.NewFromString(lockEpsilon)
	locked := second.SellPrice.Sub(first.BuyPrice).Abs().LessThanOrEqual(epsilon)

	if !locked {
		s.lines[0].BuyPrice = newBuyPrice
		s.lines[0].SellPrice = newSellPrice
	} else {
		newLine := Line{
			Index:          0,
			BuyPrice:       newBuyPrice,
			SellPrice:      newSellPrice,
			TargetShares:   decimal.Zero,
			HeldShares:     decimal.Zero,
			PendingOrderID: types.PendingOrderIDNone,
			LastAction:     nowEpoch(),
		}
		for i := range s.lines {
			s.lines[i].Index = i + 1
		}
		s.lines = append([]Line{newLine}, s.lines...)
	}

	return s.evenRedistributionLocked(totalCash)
}

func (s *Store) totalCashValueLocked() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.lines {
		total = total.Add(l.TargetShares.Mul(l.BuyPrice))
	}
	return total
}

// EvenRedistribution spreads totalCash evenly across every line's target
// share count, refusing to run if any line currently holds shares (doing so
// would silently change the cost basis of an open position).
func (s *Store) EvenRedistribution(totalCash decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evenRedistributionLocked(totalCash)
}

func (s *Store) evenRedistributionLocked(totalCash decimal.Decimal) error {
	for _, l := range s.lines {
		if l.HeldShares.GreaterThan(decimal.Zero) {
			return fmt.Errorf("cannot redistribute cash: line %d holds %s shares", l.Index, l.HeldShares)
		}
	}
	if len(s.lines) == 0 {
		return fmt.Errorf("no lines to redistribute cash to")
	}

	numLines := decimal.NewFromInt(int64(len(s.lines)))
	cashPerLine := totalCash.Div(numLines)
	extraDollars := decimal.Zero

	for i := range s.lines {
		buyPrice := s.lines[i].BuyPrice
		intendedShares := cashPerLine.Add(extraDollars).Div(buyPrice)

		extraShares := clipExtraShares(buyPrice, intendedShares, s.minCash)
		clippedShares := intendedShares.Sub(extraShares)

		extraDollars = extraShares.Mul(buyPrice)
		s.lines[i].TargetShares = clippedShares
		s.lines[i].SPC = ""
	}

	if extraDollars.GreaterThan(decimal.Zero) {
		last := len(s.lines) - 1
		s.lines[last].TargetShares = s.lines[last].TargetShares.Add(extraDollars.Div(s.lines[last].BuyPrice))
		s.lines[last].SPC = "last"
	}

	return s.saveLocked()
}

// clipExtraShares returns the slice of intendedShares, at price, whose
// dollar value falls short of the next whole multiple of minNotional —
// the remainder that gets carried as extra cash into the next line rather
// than assigned as target shares on this one. Mirrors the original fleet's
// clip_decimal_place_shares: round the dollar value down to the nearest
// minNotional multiple, then convert what was clipped back into shares.
func clipExtraShares(price, intendedShares, minNotional decimal.Decimal) decimal.Decimal {
	if price.LessThanOrEqual(decimal.Zero) || minNotional.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	intendedDollars := intendedShares.Mul(price)
	flooredDollars := intendedDollars.Div(minNotional).Floor().Mul(minNotional)
	extraDollars := intendedDollars.Sub(flooredDollars)
	return extraDollars.Div(price)
}

func nowEpoch() int64 {
	return time.Now().Unix()
}

// Lines returns a copy of the current ladder lines, for diagnostics and tests.
func (s *Store) Lines() []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Line, len(s.lines))
	copy(out, s.lines)
	return out
}
