package backtest

import (
	"context"
	"testing"

	"github.com/danishdynamic/algoallocationbot/internal/domain"
)

func TestDefaultGrid(t *testing.T) {
	grid := DefaultGrid()
	if len(grid) != 39*18 {
		t.Fatalf("len(DefaultGrid()) = %d, want %d", len(grid), 39*18)
	}
	if grid[0] != (WindowPair{Fast: 5, Slow: 10}) {
		t.Errorf("first pair = %+v, want {5 10}", grid[0])
	}
	if last := grid[len(grid)-1]; last != (WindowPair{Fast: 195, Slow: 3705}) {
		t.Errorf("last pair = %+v, want {195 3705}", last)
	}
	for _, g := range grid {
		if g.Fast >= g.Slow {
			t.Fatalf("pair %+v has fast >= slow", g)
		}
	}
}

func TestGridLookbackDays(t *testing.T) {
	base := testParams(5, 10, 10)
	grid := []WindowPair{{Fast: 5, Slow: 20}, {Fast: 10, Slow: 200}}
	if got := GridLookbackDays(base, grid); got != 310 {
		t.Errorf("GridLookbackDays = %d, want 310", got)
	}
}

func TestSweep(t *testing.T) {
	asset := seriesOf(t, "WALK", randomWalk(300, 3))
	base := testParams(5, 10, 300)
	base.Start = day(60)
	grid := []WindowPair{{Fast: 5, Slow: 20}, {Fast: 10, Slow: 40}, {Fast: 3, Slow: 12}, {Fast: 20, Slow: 10}}

	res, err := Sweep(context.Background(), "WALK", 10000, base, grid, asset, domain.PriceSeries{}, 3)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(res.Entries) != len(grid) {
		t.Fatalf("entries = %d, want %d", len(res.Entries), len(grid))
	}

	// The invalid pair sorts last and carries its error.
	last := res.Entries[len(res.Entries)-1]
	if last.Err == "" || last.Fast != 20 {
		t.Errorf("last entry = %+v, want the invalid {20 10} pair with an error", last)
	}
	for i := 1; i < len(res.Entries)-1; i++ {
		if res.Entries[i-1].Sharpe < res.Entries[i].Sharpe {
			t.Errorf("entries not sorted by Sharpe at %d: %v < %v", i, res.Entries[i-1].Sharpe, res.Entries[i].Sharpe)
		}
	}

	if res.BestSharpe == nil || res.MinVolatility == nil {
		t.Fatal("BestSharpe/MinVolatility should be set")
	}
	if res.BestSharpe.Sharpe != res.Entries[0].Sharpe {
		t.Errorf("BestSharpe = %v, want %v", res.BestSharpe.Sharpe, res.Entries[0].Sharpe)
	}
	for _, e := range res.Entries {
		if e.Err == "" && e.Volatility < res.MinVolatility.Volatility {
			t.Errorf("entry %+v has lower volatility than MinVolatility %v", e, res.MinVolatility.Volatility)
		}
	}
}

func TestSweepRejectsEmptyInput(t *testing.T) {
	base := testParams(5, 10, 10)
	if _, err := Sweep(context.Background(), "X", 100, base, nil, domain.PriceSeries{}, domain.PriceSeries{}, 1); KindOf(err) != KindBadInput {
		t.Errorf("Sweep(empty grid) kind = %v, want %v", KindOf(err), KindBadInput)
	}
	grid := []WindowPair{{Fast: 2, Slow: 4}}
	if _, err := Sweep(context.Background(), "X", 100, base, grid, domain.PriceSeries{}, domain.PriceSeries{}, 1); KindOf(err) != KindDataUnavailable {
		t.Errorf("Sweep(empty series) kind = %v, want %v", KindOf(err), KindDataUnavailable)
	}
}
