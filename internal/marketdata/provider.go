// Package marketdata fetches daily bars from upstream providers and serves
// them as close-price series, optionally through a Parquet cache.
package marketdata

import (
	"context"
	"strings"
	"time"

	"github.com/danishdynamic/algoallocationbot/internal/backtest"
	"github.com/danishdynamic/algoallocationbot/internal/domain"
)

// BarProvider fetches daily bars for one symbol with from <= t < to.
type BarProvider interface {
	Name() string
	DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error)
}

// Compile-time interface check.
var _ backtest.PriceSource = (*Source)(nil)

// Source adapts a BarProvider to backtest.PriceSource without caching.
type Source struct {
	Provider BarProvider
}

// DailyCloses fetches bars and converts them to a close series.
func (s *Source) DailyCloses(ctx context.Context, symbol string, from, to time.Time) (domain.PriceSeries, error) {
	symbol = strings.ToUpper(symbol)
	bars, err := s.Provider.DailyBars(ctx, symbol, from, to)
	if err != nil {
		return domain.PriceSeries{}, err
	}
	return toSeries(symbol, bars)
}

func toSeries(symbol string, bars []domain.Bar) (domain.PriceSeries, error) {
	series, err := domain.SeriesFromBars(symbol, bars)
	if err != nil {
		return domain.PriceSeries{}, &backtest.Error{Kind: backtest.KindDataUnavailable, Symbol: symbol, Err: err}
	}
	if series.Empty() {
		return domain.PriceSeries{}, backtest.NoPriceData(symbol, "provider returned no bars")
	}
	return series, nil
}

// dedupeDays keeps the last bar of each calendar day. Some feeds repeat the
// current session as a partial bar.
func dedupeDays(bars []domain.Bar) []domain.Bar {
	out := bars[:0]
	index := make(map[time.Time]int, len(bars))
	for _, b := range bars {
		d := domain.TruncateDay(b.Timestamp)
		if i, ok := index[d]; ok {
			out[i] = b
			continue
		}
		index[d] = len(out)
		out = append(out, b)
	}
	return out
}
