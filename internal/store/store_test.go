package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danishdynamic/algoallocationbot/internal/backtest"
	"github.com/danishdynamic/algoallocationbot/internal/domain"
)

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	bp := ps.barPath("aapl", 2024)
	wantBarPath := filepath.Join("/data", "daily", "AAPL", "2024.parquet")
	if bp != wantBarPath {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", bp, wantBarPath)
	}
	if !strings.Contains(bp, "AAPL") {
		t.Errorf("barPath should contain upper-cased symbol 'AAPL': %s", bp)
	}
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	bars := []domain.Bar{
		{
			Symbol:     "AAPL",
			Timestamp:  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			Open:       185.0,
			High:       186.5,
			Low:        184.0,
			Close:      185.5,
			Volume:     50000000,
			TradeCount: 500000,
			VWAP:       185.25,
		},
		{
			Symbol:     "AAPL",
			Timestamp:  time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			Open:       185.5,
			High:       187.0,
			Low:        185.0,
			Close:      186.0,
			Volume:     45000000,
			TradeCount: 450000,
			VWAP:       185.75,
		},
		{
			Symbol:    "AAPL",
			Timestamp: time.Date(2023, 12, 29, 0, 0, 0, 0, time.UTC),
			Close:     184.0,
		},
	}

	if err := ps.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	start := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	got, err := ps.ReadBars(ctx, "AAPL", start, end)
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	// End is exclusive, and the range spans two year files.
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars, want 2", len(got))
	}
	if got[0].Close != 184.0 {
		t.Errorf("first bar Close = %v, want 184.0", got[0].Close)
	}
	if got[1].Close != 185.5 || got[1].VWAP != 185.25 {
		t.Errorf("second bar = %+v, want Close 185.5 VWAP 185.25", got[1])
	}
}

func TestParquetStoreMergeBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	first := []domain.Bar{
		{Symbol: "MSFT", Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Close: 403.0},
	}
	if err := ps.WriteBars(ctx, first); err != nil {
		t.Fatalf("WriteBars (first): %v", err)
	}

	// A new day merges; a repeated day replaces.
	second := []domain.Bar{
		{Symbol: "MSFT", Timestamp: time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), Close: 408.0},
		{Symbol: "MSFT", Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Close: 404.0},
	}
	if err := ps.WriteBars(ctx, second); err != nil {
		t.Fatalf("WriteBars (second): %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := ps.ReadBars(ctx, "MSFT", start, end)
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars after merge, want 2", len(got))
	}
	if got[0].Close != 404.0 {
		t.Errorf("replaced bar Close = %v, want 404.0", got[0].Close)
	}
}

func TestParquetStoreListSymbols(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	if symbols, err := ps.ListSymbols(ctx); err != nil || len(symbols) != 0 {
		t.Fatalf("ListSymbols on empty store = %v, %v; want none", symbols, err)
	}

	bars := []domain.Bar{
		{Symbol: "GOOGL", Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Close: 140.5},
		{Symbol: "AAPL", Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Close: 185.5},
	}
	if err := ps.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	symbols, err := ps.ListSymbols(ctx)
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "AAPL" || symbols[1] != "GOOGL" {
		t.Errorf("ListSymbols = %v, want [AAPL GOOGL]", symbols)
	}
}

func openTestDB(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite(%q) returned error: %v", dbPath, err)
	}
	t.Cleanup(func() {
		if cerr := s.Close(); cerr != nil {
			t.Errorf("Close() returned error: %v", cerr)
		}
	})
	return s
}

func TestSQLStoreSaveRunIdempotent(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	run := RunRecord{
		ID:             "run-1",
		Symbol:         "AAPL",
		InitialCapital: 100000,
		FinalValue:     104321.5,
		Sharpe:         1.25,
		Volatility:     0.18,
		FastWindow:     21,
		SlowWindow:     50,
		Benchmark:      "ACWI",
		StartDate:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Transactions:   3,
		CreatedAt:      time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	dup := run
	dup.FinalValue = 1
	if err := s.SaveRun(ctx, dup); err != nil {
		t.Fatalf("SaveRun (duplicate): %v", err)
	}

	runs, err := s.ListRuns(ctx, "aapl", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("ListRuns returned %d runs, want 1", len(runs))
	}
	got := runs[0]
	if got.FinalValue != 104321.5 {
		t.Errorf("FinalValue = %v, want 104321.5 (duplicate must not overwrite)", got.FinalValue)
	}
	if !got.StartDate.Equal(run.StartDate) || !got.CreatedAt.Equal(run.CreatedAt) {
		t.Errorf("dates = %v/%v, want %v/%v", got.StartDate, got.CreatedAt, run.StartDate, run.CreatedAt)
	}
	if got.Benchmark != "ACWI" || got.Transactions != 3 {
		t.Errorf("run = %+v", got)
	}
}

func TestSQLStoreListRunsOrderAndFilter(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, sym := range []string{"AAPL", "MSFT", "AAPL"} {
		run := RunRecord{
			ID:        sym + "-" + string(rune('a'+i)),
			Symbol:    sym,
			StartDate: base,
			EndDate:   base,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}

	all, err := s.ListRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListRuns returned %d runs, want 3", len(all))
	}
	if all[0].ID != "AAPL-c" {
		t.Errorf("newest run = %s, want AAPL-c", all[0].ID)
	}

	limited, err := s.ListRuns(ctx, "AAPL", 1)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "AAPL-c" {
		t.Errorf("ListRuns(AAPL, 1) = %+v, want [AAPL-c]", limited)
	}
}

func TestSQLStoreTransactions(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	txs := []domain.Transaction{
		{Date: time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC), Side: domain.OrderSideBuy, Symbol: "AAPL", Price: 230, Value: 99000, Fee: 99, Label: "cross-up"},
		{Date: time.Date(2025, 5, 6, 0, 0, 0, 0, time.UTC), Side: domain.OrderSideSell, Symbol: "AAPL", Price: 210, Value: -90000, Fee: 90, Label: "cross-down"},
	}
	if err := s.SaveTransactions(ctx, "run-1", txs); err != nil {
		t.Fatalf("SaveTransactions: %v", err)
	}
	if err := s.SaveTransactions(ctx, "run-1", txs); err != nil {
		t.Fatalf("SaveTransactions (repeat): %v", err)
	}

	got, err := s.ListTransactions(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListTransactions returned %d, want 2", len(got))
	}
	if got[1].Side != domain.OrderSideSell || got[1].Label != "cross-down" || got[1].Value != -90000 {
		t.Errorf("second transaction = %+v", got[1])
	}
}

func TestSQLStorePrices(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	day := func(n int) time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n) }
	series, err := domain.NewPriceSeries("spy", []domain.PricePoint{
		{Date: day(0), Price: 580},
		{Date: day(1), Price: 582},
		{Date: day(2), Price: 579},
	})
	if err != nil {
		t.Fatalf("NewPriceSeries: %v", err)
	}
	if err := s.SavePrices(ctx, series); err != nil {
		t.Fatalf("SavePrices: %v", err)
	}

	update, _ := domain.NewPriceSeries("SPY", []domain.PricePoint{{Date: day(1), Price: 590}})
	if err := s.SavePrices(ctx, update); err != nil {
		t.Fatalf("SavePrices (upsert): %v", err)
	}

	got, err := s.LoadPrices(ctx, "SPY", day(0), day(2))
	if err != nil {
		t.Fatalf("LoadPrices: %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("LoadPrices returned %d points, want 2 (end exclusive)", got.Len())
	}
	if got.Points[1].Price != 590 {
		t.Errorf("upserted price = %v, want 590", got.Points[1].Price)
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = ?"
	if got := rebind(DriverPostgres, q); got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("rebind(postgres) = %q", got)
	}
	if got := rebind(DriverSQLite, q); got != q {
		t.Errorf("rebind(sqlite) = %q, want unchanged", got)
	}
	if _, err := Open(context.Background(), "mysql", ""); err == nil {
		t.Error("Open with unsupported driver should fail")
	}
}

func TestNewRunRecord(t *testing.T) {
	p := backtest.DefaultParams()
	res := &backtest.Result{
		RunID:             "abc",
		Symbol:            "AAPL",
		InitialCapital:    5000,
		FinalAccountValue: 5100,
		Sharpe:            0.7,
		Transactions:      make([]domain.Transaction, 4),
		Params:            p,
	}
	rec := NewRunRecord(res)
	if rec.ID != "abc" || rec.FinalValue != 5100 || rec.Transactions != 4 {
		t.Errorf("NewRunRecord = %+v", rec)
	}
	if rec.FastWindow != p.FastWindow || rec.Benchmark != p.Benchmark {
		t.Errorf("params not copied: %+v", rec)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}
