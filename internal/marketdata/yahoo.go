package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danishdynamic/algoallocationbot/internal/backtest"
	"github.com/danishdynamic/algoallocationbot/internal/domain"
	"github.com/danishdynamic/algoallocationbot/internal/metrics"
	"github.com/danishdynamic/algoallocationbot/internal/util"
)

// Compile-time interface check.
var _ BarProvider = (*YahooProvider)(nil)

// DefaultYahooHosts are tried in order on every attempt.
var DefaultYahooHosts = []string{
	"https://query1.finance.yahoo.com",
	"https://query2.finance.yahoo.com",
}

const yahooUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"

// YahooOptions configures a YahooProvider. Zero values fall back to
// defaults.
type YahooOptions struct {
	Hosts           []string
	Timeout         time.Duration
	RateLimitPerMin int
	MaxAttempts     int
	BaseDelay       time.Duration
}

// YahooProvider fetches split- and dividend-adjusted daily bars from the
// Yahoo Finance v8 chart endpoint.
type YahooProvider struct {
	hosts      []string
	httpClient *http.Client
	limiter    *util.RateLimiter
	attempts   int
	baseDelay  time.Duration
	log        *slog.Logger
}

// NewYahooProvider creates a YahooProvider.
func NewYahooProvider(opts YahooOptions) *YahooProvider {
	if len(opts.Hosts) == 0 {
		opts.Hosts = DefaultYahooHosts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RateLimitPerMin <= 0 {
		opts.RateLimitPerMin = 120
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 200 * time.Millisecond
	}
	return &YahooProvider{
		hosts:      opts.Hosts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    util.NewBurstLimiter(opts.RateLimitPerMin, 5),
		attempts:   opts.MaxAttempts,
		baseDelay:  opts.BaseDelay,
		log:        slog.Default().With("provider", "yahoo"),
	}
}

// Name returns the provider identifier.
func (p *YahooProvider) Name() string { return "yahoo" }

// DailyBars fetches daily bars for symbol with from <= t < to.
func (p *YahooProvider) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	symbol = strings.ToUpper(symbol)
	var yc yahooChartResp

	err := util.Retry(ctx, p.attempts, p.baseDelay, func() error {
		var lastErr error
		for _, host := range p.hosts {
			if err := p.limiter.Wait(ctx); err != nil {
				return util.Permanent(err)
			}
			lastErr = p.fetchChart(ctx, host, symbol, from, to, &yc)
			if lastErr == nil {
				return nil
			}
			if errors.Is(lastErr, backtest.ErrNoPriceData) || ctx.Err() != nil {
				return util.Permanent(lastErr)
			}
			p.log.Debug("chart fetch failed", "host", host, "symbol", symbol, "error", lastErr)
		}
		return lastErr
	})
	if err != nil {
		metrics.PriceFetchTotal.WithLabelValues(p.Name(), "error").Inc()
		return nil, err
	}

	bars, err := yc.bars(symbol, from, to)
	if err != nil {
		metrics.PriceFetchTotal.WithLabelValues(p.Name(), "empty").Inc()
		return nil, err
	}
	metrics.PriceFetchTotal.WithLabelValues(p.Name(), "ok").Inc()
	return bars, nil
}

func (p *YahooProvider) fetchChart(ctx context.Context, host, symbol string, from, to time.Time, out *yahooChartResp) error {
	q := url.Values{}
	q.Set("period1", fmt.Sprintf("%d", from.Unix()))
	q.Set("period2", fmt.Sprintf("%d", to.Unix()))
	q.Set("interval", "1d")
	q.Set("events", "div,splits")
	q.Set("includeAdjustedClose", "true")
	u := fmt.Sprintf("%s/v8/finance/chart/%s?%s", strings.TrimRight(host, "/"), url.PathEscape(symbol), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", yahooUserAgent)
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", fmt.Sprintf("https://finance.yahoo.com/quote/%s/chart", symbol))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("reading yahoo response: %w", readErr)
	}

	if resp.StatusCode == http.StatusTooManyRequests || strings.HasPrefix(string(body), "Edge: Too Many Requests") {
		return fmt.Errorf("yahoo %s returned 429: too many requests", host)
	}
	if resp.StatusCode == http.StatusNotFound {
		return backtest.NoPriceData(symbol, "yahoo has no chart for symbol")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("yahoo %s returned %d: %s", host, resp.StatusCode, preview(body))
	}
	if strings.HasPrefix(string(body), "<") {
		return fmt.Errorf("yahoo returned non-json body: %s", preview(body))
	}

	var yc yahooChartResp
	if err := json.Unmarshal(body, &yc); err != nil {
		return fmt.Errorf("parsing yahoo json: %v; body: %s", err, preview(body))
	}
	if yc.Chart.Error != nil {
		if yc.Chart.Error.Code == "Not Found" {
			return backtest.NoPriceData(symbol, "yahoo: %s", yc.Chart.Error.Description)
		}
		return fmt.Errorf("yahoo chart error %s: %s", yc.Chart.Error.Code, yc.Chart.Error.Description)
	}
	*out = yc
	return nil
}

func preview(body []byte) string {
	s := string(body)
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------

type yahooChartResp struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol    string `json:"symbol"`
				Currency  string `json:"currency"`
				GMTOffset int64  `json:"gmtoffset"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []*float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// bars converts the chart payload into daily bars. When an adjusted close is
// present, OHLC are scaled by adjclose/close so the series is split and
// dividend adjusted. Rows without a close are dropped.
func (yc *yahooChartResp) bars(symbol string, from, to time.Time) ([]domain.Bar, error) {
	if len(yc.Chart.Result) == 0 || len(yc.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, backtest.NoPriceData(symbol, "yahoo returned no rows")
	}
	r := yc.Chart.Result[0]
	q := r.Indicators.Quote[0]
	var adj []*float64
	if len(r.Indicators.AdjClose) > 0 {
		adj = r.Indicators.AdjClose[0].AdjClose
	}

	bars := make([]domain.Bar, 0, len(r.Timestamp))
	for i, ts := range r.Timestamp {
		c := at(q.Close, i)
		if c <= 0 {
			continue
		}
		day := domain.TruncateDay(time.Unix(ts+r.Meta.GMTOffset, 0).UTC())
		if day.Before(domain.TruncateDay(from)) || !day.Before(to) {
			continue
		}
		scale := 1.0
		if a := at(adj, i); a > 0 {
			scale = a / c
		}
		b := domain.Bar{
			Symbol:    symbol,
			Timestamp: day,
			Open:      at(q.Open, i) * scale,
			High:      at(q.High, i) * scale,
			Low:       at(q.Low, i) * scale,
			Close:     c * scale,
		}
		if i < len(q.Volume) && q.Volume[i] != nil {
			b.Volume = *q.Volume[i]
		}
		bars = append(bars, b)
	}
	bars = dedupeDays(bars)
	if len(bars) == 0 {
		return nil, backtest.NoPriceData(symbol, "yahoo returned no closes in range")
	}
	return bars, nil
}

func at(vals []*float64, i int) float64 {
	if i >= len(vals) || vals[i] == nil {
		return 0
	}
	return *vals[i]
}
