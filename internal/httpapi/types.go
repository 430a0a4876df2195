// Package httpapi serves the allocation API over HTTP: health, batch
// allocation, run history, equity-curve charts and Prometheus metrics.
package httpapi

import (
	"strings"
	"time"

	"github.com/danishdynamic/algoallocationbot/internal/allocation"
	"github.com/danishdynamic/algoallocationbot/internal/backtest"
	"github.com/danishdynamic/algoallocationbot/internal/store"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// AllocateRequest is the body of POST /api/allocate. Optional fields left
// out fall back to the server's configured defaults; an explicit empty
// benchmark disables the regime filter.
type AllocateRequest struct {
	Tickers       []string `json:"tickers"`
	Capital       float64  `json:"capital"`
	Mode          string   `json:"mode,omitempty"`
	FastWindow    *int     `json:"fast_window,omitempty"`
	SlowWindow    *int     `json:"slow_window,omitempty"`
	RegimeWindow  *int     `json:"regime_window,omitempty"`
	Benchmark     *string  `json:"benchmark,omitempty"`
	StartDate     string   `json:"start_date,omitempty"`
	EndDate       string   `json:"end_date,omitempty"`
	FeeRate       *float64 `json:"fee_rate,omitempty"`
	RiskFreeRate  *float64 `json:"risk_free_rate,omitempty"`
	IncludePrices bool     `json:"include_prices,omitempty"`
}

// RunsResponse is returned by GET /api/runs.
type RunsResponse struct {
	Runs []store.RunRecord `json:"runs"`
}

// toRequest merges r over defaults.
func (r AllocateRequest) toRequest(defaults backtest.Params) (allocation.Request, error) {
	p := defaults
	if r.FastWindow != nil {
		p.FastWindow = *r.FastWindow
	}
	if r.SlowWindow != nil {
		p.SlowWindow = *r.SlowWindow
	}
	if r.RegimeWindow != nil {
		p.RegimeWindow = *r.RegimeWindow
	}
	if r.Benchmark != nil {
		p.Benchmark = strings.ToUpper(strings.TrimSpace(*r.Benchmark))
	}
	if r.FeeRate != nil {
		p.FeeRate = *r.FeeRate
	}
	if r.RiskFreeRate != nil {
		p.RiskFreeRate = *r.RiskFreeRate
	}
	if err := applyDates(&p, r.StartDate, r.EndDate); err != nil {
		return allocation.Request{}, err
	}
	return allocation.Request{
		Tickers:       r.Tickers,
		Capital:       r.Capital,
		Mode:          allocation.Mode(strings.ToLower(r.Mode)),
		Params:        p,
		IncludePrices: r.IncludePrices,
	}, nil
}

// applyDates parses YYYY-MM-DD dates onto p. A lone end date keeps a
// one-year window.
func applyDates(p *backtest.Params, start, end string) error {
	if end != "" {
		t, err := time.Parse("2006-01-02", end)
		if err != nil {
			return backtest.BadInput("", "invalid end_date %q, want YYYY-MM-DD", end)
		}
		p.End = t
		p.Start = t.AddDate(-1, 0, 0)
	}
	if start != "" {
		t, err := time.Parse("2006-01-02", start)
		if err != nil {
			return backtest.BadInput("", "invalid start_date %q, want YYYY-MM-DD", start)
		}
		p.Start = t
	}
	return nil
}
