// Package gather backfills daily bars from an upstream provider into the
// local Parquet cache and the SQL close-price table.
package gather

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danishdynamic/algoallocationbot/internal/allocation"
	"github.com/danishdynamic/algoallocationbot/internal/domain"
	"github.com/danishdynamic/algoallocationbot/internal/marketdata"
	"github.com/danishdynamic/algoallocationbot/internal/store"
)

// Compile-time interface check.
var _ Gatherer = (*Backfiller)(nil)

// Stats summarises one backfill pass.
type Stats struct {
	Symbols int
	Bars    int64
	Failed  []string
}

// Backfiller fetches daily bars for a fixed symbol list and writes them to a
// BarStore and, when set, a PriceStore.
type Backfiller struct {
	provider   marketdata.BarProvider
	bars       store.BarStore
	prices     store.PriceStore
	symbols    []string
	dates      DateRange
	maxWorkers int
	log        *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// NewBackfiller creates a Backfiller. prices may be nil.
func NewBackfiller(provider marketdata.BarProvider, bars store.BarStore, prices store.PriceStore, symbols []string, dates DateRange, maxWorkers int) *Backfiller {
	return &Backfiller{
		provider:   provider,
		bars:       bars,
		prices:     prices,
		symbols:    allocation.NormalizeTickers(symbols),
		dates:      dates,
		maxWorkers: max(maxWorkers, 1),
		log:        slog.Default().With("gatherer", "backfill", "provider", provider.Name()),
	}
}

// Name returns the gatherer identifier.
func (b *Backfiller) Name() string { return "backfill" }

// Stats returns the summary of the last Run.
func (b *Backfiller) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Failed = append([]string(nil), b.stats.Failed...)
	return s
}

// Run fetches every symbol once. Per-symbol failures are logged and counted;
// Run only fails when ctx is cancelled or every symbol failed.
func (b *Backfiller) Run(ctx context.Context) error {
	if len(b.symbols) == 0 {
		return fmt.Errorf("no symbols to backfill")
	}

	symCh := make(chan int, len(b.symbols))
	for i := range b.symbols {
		symCh <- i
	}
	close(symCh)

	var (
		wg        sync.WaitGroup
		totalBars atomic.Int64
		failedMu  sync.Mutex
		failed    []string
		runStart  = time.Now()
	)

	b.log.Info("starting backfill",
		"symbols", len(b.symbols),
		"start", b.dates.Start.Format("2006-01-02"),
		"end", b.dates.End.Format("2006-01-02"),
	)

	workers := min(b.maxWorkers, len(b.symbols))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range symCh {
				if ctx.Err() != nil {
					return
				}
				sym := b.symbols[idx]
				n, err := b.fetchOne(ctx, sym)
				if err != nil {
					b.log.Error("symbol backfill failed", "symbol", sym, "err", err)
					failedMu.Lock()
					failed = append(failed, sym)
					failedMu.Unlock()
					continue
				}
				totalBars.Add(int64(n))
				b.log.Info("symbol done",
					"symbol", sym,
					"bars", n,
					"elapsed", time.Since(runStart).Round(time.Millisecond),
				)
			}
		}()
	}
	wg.Wait()

	sort.Strings(failed)
	b.mu.Lock()
	b.stats = Stats{Symbols: len(b.symbols), Bars: totalBars.Load(), Failed: failed}
	b.mu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(failed) == len(b.symbols) {
		return fmt.Errorf("all %d symbols failed", len(failed))
	}

	b.log.Info("backfill complete",
		"bars", totalBars.Load(),
		"failed", len(failed),
		"elapsed", time.Since(runStart).Round(time.Second),
	)
	return nil
}

func (b *Backfiller) fetchOne(ctx context.Context, symbol string) (int, error) {
	bars, err := b.provider.DailyBars(ctx, symbol, b.dates.Start, b.dates.End)
	if err != nil {
		return 0, err
	}
	if err := b.bars.WriteBars(ctx, bars); err != nil {
		return 0, fmt.Errorf("writing bars: %w", err)
	}
	if b.prices != nil {
		series, err := domain.SeriesFromBars(symbol, bars)
		if err != nil {
			return 0, fmt.Errorf("building series: %w", err)
		}
		if err := b.prices.SavePrices(ctx, series); err != nil {
			return 0, fmt.Errorf("saving prices: %w", err)
		}
	}
	return len(bars), nil
}
