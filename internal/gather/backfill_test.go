package gather

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danishdynamic/algoallocationbot/internal/domain"
	"github.com/danishdynamic/algoallocationbot/internal/store"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) DailyBars(_ context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	f.mu.Lock()
	f.calls[symbol]++
	f.mu.Unlock()
	if symbol == "BAD" {
		return nil, errors.New("upstream refused")
	}
	var bars []domain.Bar
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		bars = append(bars, domain.Bar{Symbol: symbol, Timestamp: d, Close: 50})
	}
	return bars, nil
}

func TestBackfillerRun(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	bars := store.NewParquetStore(dir)
	db, err := store.OpenSQLite(ctx, filepath.Join(dir, "prices.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	dates := DateRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC),
	}
	prov := &fakeProvider{calls: map[string]int{}}
	b := NewBackfiller(prov, bars, db, []string{"spy", "QQQ", "BAD", "SPY"}, dates, 2)

	if b.Name() != "backfill" {
		t.Errorf("Name() = %q, want backfill", b.Name())
	}
	if err := b.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := b.Stats()
	if stats.Symbols != 3 {
		t.Errorf("Symbols = %d, want 3 (deduplicated)", stats.Symbols)
	}
	if stats.Bars != 20 {
		t.Errorf("Bars = %d, want 20", stats.Bars)
	}
	if len(stats.Failed) != 1 || stats.Failed[0] != "BAD" {
		t.Errorf("Failed = %v, want [BAD]", stats.Failed)
	}
	if prov.calls["SPY"] != 1 {
		t.Errorf("SPY fetched %d times, want 1", prov.calls["SPY"])
	}

	syms, err := bars.ListSymbols(ctx)
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(syms) != 2 {
		t.Errorf("stored symbols = %v, want [QQQ SPY]", syms)
	}
	series, err := db.LoadPrices(ctx, "QQQ", dates.Start, dates.End)
	if err != nil {
		t.Fatalf("LoadPrices: %v", err)
	}
	if series.Len() != 10 {
		t.Errorf("QQQ prices = %d, want 10", series.Len())
	}
}

func TestBackfillerAllFail(t *testing.T) {
	prov := &fakeProvider{calls: map[string]int{}}
	b := NewBackfiller(prov, store.NewParquetStore(t.TempDir()), nil, []string{"BAD"}, LastYears(1), 1)
	if err := b.Run(context.Background()); err == nil {
		t.Error("expected error when every symbol fails")
	}

	empty := NewBackfiller(prov, store.NewParquetStore(t.TempDir()), nil, nil, LastYears(1), 1)
	if err := empty.Run(context.Background()); err == nil {
		t.Error("expected error with no symbols")
	}
}
