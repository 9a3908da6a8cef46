package store

import (
	"path/filepath"
	"testing"

	"scale-t-fleet/pkg/types"
)

func TestRecordAndLoadBreadcrumb(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(filepath.Join(dir, "AAPL_live.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.Record("AAPL", types.OrderStateBuying, "order-123", 2)

	b, err := s.Load("AAPL")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b == nil {
		t.Fatal("Load returned nil")
	}
	if b.OrderState != types.OrderStateBuying {
		t.Errorf("OrderState = %v, want %v", b.OrderState, types.OrderStateBuying)
	}
	if b.PendingOrderID != "order-123" {
		t.Errorf("PendingOrderID = %q, want order-123", b.PendingOrderID)
	}
	if b.LineIndex != 2 {
		t.Errorf("LineIndex = %d, want 2", b.LineIndex)
	}
	if b.RecordedAt == "" {
		t.Error("expected RecordedAt to be populated")
	}
}

func TestLoadBreadcrumbMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(filepath.Join(dir, "AAPL_live.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	b, err := s.Load("NONEXISTENT")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b != nil {
		t.Errorf("expected nil for missing breadcrumb, got %+v", b)
	}
}

func TestRecordOverwritesPreviousBreadcrumb(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(filepath.Join(dir, "AAPL_live.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.Record("AAPL", types.OrderStateBuying, "order-1", 0)
	s.Record("AAPL", types.OrderStateNone, "", -1)

	b, err := s.Load("AAPL")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.OrderState != types.OrderStateNone {
		t.Errorf("OrderState = %v, want %v", b.OrderState, types.OrderStateNone)
	}
	if b.PendingOrderID != "" {
		t.Errorf("PendingOrderID = %q, want empty", b.PendingOrderID)
	}
	if b.LineIndex != -1 {
		t.Errorf("LineIndex = %d, want -1", b.LineIndex)
	}
}

func TestRecordTracksMultipleTickersIndependently(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(filepath.Join(dir, "shared.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.Record("AAPL", types.OrderStateSelling, "order-aapl", 1)
	s.Record("MSFT", types.OrderStateBuying, "order-msft", 3)

	aapl, err := s.Load("AAPL")
	if err != nil {
		t.Fatalf("Load AAPL: %v", err)
	}
	msft, err := s.Load("MSFT")
	if err != nil {
		t.Fatalf("Load MSFT: %v", err)
	}

	if aapl.OrderState != types.OrderStateSelling || aapl.LineIndex != 1 {
		t.Errorf("AAPL breadcrumb = %+v", aapl)
	}
	if msft.OrderState != types.OrderStateBuying || msft.LineIndex != 3 {
		t.Errorf("MSFT breadcrumb = %+v", msft)
	}
}

func TestReopenPreservesBreadcrumb(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "AAPL_live.db")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Record("AAPL", types.OrderStateBuying, "order-xyz", 0)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	b, err := reopened.Load("AAPL")
	if err != nil {
		t.Fatalf("Load after reopen: %v", err)
	}
	if b == nil || b.PendingOrderID != "order-xyz" {
		t.Errorf("breadcrumb after reopen = %+v, want PendingOrderID order-xyz", b)
	}
}
