package backtest

import (
	"context"
	"sort"
	"sync"

	"github.com/danishdynamic/algoallocationbot/internal/domain"
)

// WindowPair is one (fast, slow) moving-average combination.
type WindowPair struct {
	Fast int `json:"fast"`
	Slow int `json:"slow"`
}

// SweepEntry is the outcome of one grid point.
type SweepEntry struct {
	WindowPair
	Sharpe            float64 `json:"sharpe"`
	Volatility        float64 `json:"volatility"`
	FinalAccountValue float64 `json:"final_account_value"`
	Transactions      int     `json:"transactions"`
	MetricsClamped    bool    `json:"metrics_clamped"`
	Err               string  `json:"error,omitempty"`
}

// SweepResult holds every grid point sorted by descending Sharpe, failed
// points last.
type SweepResult struct {
	Entries       []SweepEntry `json:"entries"`
	BestSharpe    *SweepEntry  `json:"best_sharpe,omitempty"`
	MinVolatility *SweepEntry  `json:"min_volatility,omitempty"`
}

// DefaultGrid returns fast windows 5..195 in steps of 5, each paired with
// slow windows of 2x through 19x the fast window.
func DefaultGrid() []WindowPair {
	var grid []WindowPair
	for fast := 5; fast < 200; fast += 5 {
		for mult := 2; mult < 20; mult++ {
			grid = append(grid, WindowPair{Fast: fast, Slow: fast * mult})
		}
	}
	return grid
}

// GridLookbackDays is the calendar-day history needed ahead of base.Start so
// the longest window in grid is defined on the first simulated day.
func GridLookbackDays(base Params, grid []WindowPair) int {
	p := base
	for _, g := range grid {
		p.FastWindow = max(p.FastWindow, g.Fast)
		p.SlowWindow = max(p.SlowWindow, g.Slow)
	}
	return p.LookbackDays()
}

// Sweep runs one engine per grid point over the same immutable series using
// up to workers goroutines. A failing grid point is recorded on its entry;
// only cancellation aborts the sweep.
func Sweep(ctx context.Context, symbol string, capital float64, base Params, grid []WindowPair, asset, benchmark domain.PriceSeries, workers int) (*SweepResult, error) {
	if len(grid) == 0 {
		return nil, BadInput(symbol, "empty parameter grid")
	}
	if asset.Empty() {
		return nil, NoPriceData(symbol, "empty price series")
	}
	workers = max(1, min(workers, len(grid)))

	entries := make([]SweepEntry, len(grid))
	idxCh := make(chan int, len(grid))
	for i := range grid {
		idxCh <- i
	}
	close(idxCh)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idxCh {
				if ctx.Err() != nil {
					return
				}
				entries[i] = runGridPoint(symbol, capital, base, grid[i], asset, benchmark)
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if (entries[i].Err == "") != (entries[j].Err == "") {
			return entries[i].Err == ""
		}
		return entries[i].Sharpe > entries[j].Sharpe
	})

	res := &SweepResult{Entries: entries}
	for i := range entries {
		e := &entries[i]
		if e.Err != "" {
			continue
		}
		if res.BestSharpe == nil || e.Sharpe > res.BestSharpe.Sharpe {
			res.BestSharpe = e
		}
		if res.MinVolatility == nil || e.Volatility < res.MinVolatility.Volatility {
			res.MinVolatility = e
		}
	}
	return res, nil
}

func runGridPoint(symbol string, capital float64, base Params, pair WindowPair, asset, benchmark domain.PriceSeries) SweepEntry {
	entry := SweepEntry{WindowPair: pair}

	p := base
	p.FastWindow = pair.Fast
	p.SlowWindow = pair.Slow
	eng, err := New(symbol, capital, p)
	if err != nil {
		entry.Err = err.Error()
		return entry
	}
	res, err := eng.Simulate(asset, benchmark)
	if err != nil {
		entry.Err = err.Error()
		return entry
	}
	entry.Sharpe = res.Sharpe
	entry.Volatility = res.Volatility
	entry.FinalAccountValue = res.FinalAccountValue
	entry.Transactions = len(res.Transactions)
	entry.MetricsClamped = res.MetricsClamped
	return entry
}
