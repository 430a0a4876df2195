package marketdata

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/danishdynamic/algoallocationbot/internal/backtest"
	"github.com/danishdynamic/algoallocationbot/internal/domain"
	"github.com/danishdynamic/algoallocationbot/internal/metrics"
	"github.com/danishdynamic/algoallocationbot/internal/store"
)

// Compile-time interface check.
var _ backtest.PriceSource = (*CachedProvider)(nil)

// maxCacheGap is the widest calendar gap allowed between consecutive cached
// bars. Weekends plus a holiday stay under it; a hole left by two disjoint
// fetches does not.
const maxCacheGap = 5 * 24 * time.Hour

// CachedProvider serves close series from a BarStore and falls back to an
// upstream provider when the cached range is missing or stale. Fetched bars
// are written back to the store and, when set, mirrored to a PriceStore.
type CachedProvider struct {
	upstream BarProvider
	bars     store.BarStore
	prices   store.PriceStore
	maxStale time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewCachedProvider wraps upstream with a read-through bar cache. Cached data
// is fresh when its last bar is within maxStaleDays of the requested end.
func NewCachedProvider(upstream BarProvider, bars store.BarStore, maxStaleDays int) *CachedProvider {
	if maxStaleDays < 0 {
		maxStaleDays = 0
	}
	return &CachedProvider{
		upstream: upstream,
		bars:     bars,
		maxStale: time.Duration(maxStaleDays) * 24 * time.Hour,
		now:      time.Now,
		log:      slog.Default().With("component", "price-cache", "provider", upstream.Name()),
	}
}

// MirrorTo sets a PriceStore that receives every freshly fetched series.
func (c *CachedProvider) MirrorTo(ps store.PriceStore) *CachedProvider {
	c.prices = ps
	return c
}

// DailyCloses implements backtest.PriceSource.
func (c *CachedProvider) DailyCloses(ctx context.Context, symbol string, from, to time.Time) (domain.PriceSeries, error) {
	symbol = strings.ToUpper(symbol)

	cached, cacheErr := c.bars.ReadBars(ctx, symbol, from, to)
	if cacheErr != nil {
		c.log.Warn("cache read failed", "symbol", symbol, "error", cacheErr)
		cached = nil
	}
	if c.covers(cached, from, to) {
		metrics.PriceCacheTotal.WithLabelValues("hit").Inc()
		return toSeries(symbol, cached)
	}

	fresh, err := c.upstream.DailyBars(ctx, symbol, from, to)
	if err != nil {
		if len(cached) > 0 && contiguous(cached) && ctx.Err() == nil {
			metrics.PriceCacheTotal.WithLabelValues("stale").Inc()
			c.log.Warn("upstream failed, serving stale cache",
				"symbol", symbol, "cachedBars", len(cached), "error", err)
			return toSeries(symbol, cached)
		}
		return domain.PriceSeries{}, err
	}
	metrics.PriceCacheTotal.WithLabelValues("miss").Inc()

	if err := c.bars.WriteBars(ctx, fresh); err != nil {
		c.log.Warn("cache write failed", "symbol", symbol, "error", err)
	}
	series, err := toSeries(symbol, fresh)
	if err != nil {
		return domain.PriceSeries{}, err
	}
	if c.prices != nil {
		if err := c.prices.SavePrices(ctx, series); err != nil {
			c.log.Warn("price mirror failed", "symbol", symbol, "error", err)
		}
	}
	return series, nil
}

// covers reports whether cached bars span [from, to) closely enough to skip
// the upstream. A week of slack at the start absorbs weekends and holidays,
// and the bars in between must have no holes.
func (c *CachedProvider) covers(bars []domain.Bar, from, to time.Time) bool {
	if len(bars) == 0 {
		return false
	}
	first := bars[0].Timestamp
	last := bars[len(bars)-1].Timestamp
	if first.After(domain.TruncateDay(from).AddDate(0, 0, 7)) {
		return false
	}
	end := to
	if now := c.now(); now.Before(end) {
		end = now
	}
	if last.Before(domain.TruncateDay(end).Add(-c.maxStale - 24*time.Hour)) {
		return false
	}
	return contiguous(bars)
}

// contiguous reports whether no two consecutive bars are further apart than
// maxCacheGap.
func contiguous(bars []domain.Bar) bool {
	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp.Sub(bars[i-1].Timestamp) > maxCacheGap {
			return false
		}
	}
	return true
}
