// Package store persists a restart-time diagnostic breadcrumb for each
// ticker worker: the last known order state, pending order id, and ladder
// line index the engine was resting on. It is additive and non-authoritative
// — the CSV ladder file the engine actually reads back from is the only
// source of truth, this database exists purely so a post-mortem on a crashed
// worker does not require re-deriving its last state from logs.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"scale-t-fleet/pkg/types"
)

// Breadcrumb is one ticker's last recorded resting state.
type Breadcrumb struct {
	Ticker         string
	OrderState     types.OrderState
	PendingOrderID string
	LineIndex      int
	RecordedAt     string
}

// Store is a single-file sqlite database recording one breadcrumb row per
// ticker, keyed by ticker. It satisfies engine.DiagnosticRecorder.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or opens) the sqlite database at path, creating its parent
// directory and schema as needed. logger may be nil.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create diagnostic store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open diagnostic store: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS breadcrumbs (
	ticker           TEXT PRIMARY KEY,
	order_state      TEXT NOT NULL,
	pending_order_id TEXT NOT NULL,
	line_index       INTEGER NOT NULL,
	recorded_at      TEXT NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create diagnostic schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record upserts the breadcrumb row for ticker. It satisfies
// engine.DiagnosticRecorder by structural typing. A write failure is logged
// and otherwise swallowed — a breadcrumb is best-effort and must never block
// the engine's own decision loop.
func (s *Store) Record(ticker string, orderState types.OrderState, pendingOrderID string, lineIndex int) {
	const upsert = `
INSERT INTO breadcrumbs (ticker, order_state, pending_order_id, line_index, recorded_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(ticker) DO UPDATE SET
	order_state = excluded.order_state,
	pending_order_id = excluded.pending_order_id,
	line_index = excluded.line_index,
	recorded_at = excluded.recorded_at`

	_, err := s.db.Exec(upsert, ticker, string(orderState), pendingOrderID, lineIndex, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		s.logger.Warn("diagnostic breadcrumb write failed", "ticker", ticker, "error", err)
	}
}

// Load returns the last recorded breadcrumb for ticker, or nil if none
// exists.
func (s *Store) Load(ticker string) (*Breadcrumb, error) {
	row := s.db.QueryRow(
		`SELECT ticker, order_state, pending_order_id, line_index, recorded_at FROM breadcrumbs WHERE ticker = ?`,
		ticker,
	)

	var b Breadcrumb
	var orderState string
	if err := row.Scan(&b.Ticker, &orderState, &b.PendingOrderID, &b.LineIndex, &b.RecordedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load breadcrumb for %s: %w", ticker, err)
	}
	b.OrderState = types.OrderState(orderState)
	return &b, nil
}
