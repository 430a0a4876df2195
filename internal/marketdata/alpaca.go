package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"github.com/danishdynamic/algoallocationbot/internal/backtest"
	"github.com/danishdynamic/algoallocationbot/internal/domain"
	"github.com/danishdynamic/algoallocationbot/internal/metrics"
	"github.com/danishdynamic/algoallocationbot/internal/util"
)

// Compile-time interface check.
var _ BarProvider = (*AlpacaProvider)(nil)

// AlpacaProvider fetches daily bars via the Alpaca market-data API with
// split and dividend adjustment.
type AlpacaProvider struct {
	client   *marketdata.Client
	feed     string
	limiter  *util.RateLimiter
	attempts int
	log      *slog.Logger
}

// NewAlpacaProvider creates an AlpacaProvider. An empty dataURL uses the
// SDK default endpoint; an empty feed uses "sip".
func NewAlpacaProvider(apiKey, apiSecret, dataURL, feed string, ratePerMin, attempts int) *AlpacaProvider {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	if feed == "" {
		feed = "sip"
	}
	if ratePerMin <= 0 {
		ratePerMin = 200
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &AlpacaProvider{
		client:   marketdata.NewClient(opts),
		feed:     feed,
		limiter:  util.NewRateLimiter(ratePerMin),
		attempts: attempts,
		log:      slog.Default().With("provider", "alpaca"),
	}
}

// Name returns the provider identifier.
func (p *AlpacaProvider) Name() string { return "alpaca" }

// DailyBars fetches daily bars for symbol with from <= t < to.
func (p *AlpacaProvider) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	symbol = strings.ToUpper(symbol)

	var raw []marketdata.Bar
	err := util.Retry(ctx, p.attempts, time.Second, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var err error
		raw, err = p.client.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame:  marketdata.OneDay,
			Adjustment: marketdata.All,
			Start:      from,
			End:        to,
			Feed:       marketdata.Feed(p.feed),
		})
		if err != nil {
			p.log.Debug("GetBars failed", "symbol", symbol, "error", err)
			return fmt.Errorf("GetBars: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.PriceFetchTotal.WithLabelValues(p.Name(), "error").Inc()
		return nil, err
	}

	bars := convertAlpacaBars(symbol, raw, from, to)
	if len(bars) == 0 {
		metrics.PriceFetchTotal.WithLabelValues(p.Name(), "empty").Inc()
		return nil, backtest.NoPriceData(symbol, "alpaca returned no bars")
	}
	metrics.PriceFetchTotal.WithLabelValues(p.Name(), "ok").Inc()
	return bars, nil
}

// convertAlpacaBars maps SDK bars to domain bars dated by trading day and
// keeps only days in [from, to).
func convertAlpacaBars(symbol string, raw []marketdata.Bar, from, to time.Time) []domain.Bar {
	lo := domain.TruncateDay(from)
	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		day := domain.TruncateDay(ab.Timestamp)
		if day.Before(lo) || !day.Before(to) {
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol:     symbol,
			Timestamp:  day,
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}
	return dedupeDays(bars)
}
