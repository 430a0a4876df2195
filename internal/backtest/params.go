package backtest

import (
	"math"
	"time"

	"github.com/danishdynamic/algoallocationbot/internal/domain"
)

// Params configures a single backtest run. Nothing in the engine reads a
// package-level constant; every knob lives here.
type Params struct {
	FastWindow   int       `json:"fast_window"`
	SlowWindow   int       `json:"slow_window"`
	Benchmark    string    `json:"benchmark"` // empty disables the regime filter
	RegimeWindow int       `json:"regime_window"`
	Start        time.Time `json:"start_date"`
	End          time.Time `json:"end_date"` // exclusive
	FeeRate      float64   `json:"fee_rate"`
	RiskFreeRate float64   `json:"risk_free_rate"`

	RiskOnWeight  float64 `json:"risk_on_weight"`
	RiskOffWeight float64 `json:"risk_off_weight"`
	EntryWeight   float64 `json:"entry_weight"`
	ExitWeight    float64 `json:"exit_weight"`
}

// DefaultParams returns the documented defaults with a one-year window
// ending today.
func DefaultParams() Params {
	end := domain.TruncateDay(time.Now())
	return Params{
		FastWindow:    21,
		SlowWindow:    50,
		Benchmark:     "ACWI",
		RegimeWindow:  100,
		Start:         end.AddDate(-1, 0, 0),
		End:           end,
		FeeRate:       0.001,
		RiskFreeRate:  0.02,
		RiskOnWeight:  0.99,
		RiskOffWeight: 0.91,
		EntryWeight:   0.99,
		ExitWeight:    0.00,
	}
}

// Validate checks the parameters for symbol.
func (p Params) Validate(symbol string) error {
	if p.FastWindow <= 0 || p.SlowWindow <= 0 {
		return BadInput(symbol, "moving-average windows must be positive (fast=%d, slow=%d)", p.FastWindow, p.SlowWindow)
	}
	if p.FastWindow >= p.SlowWindow {
		return BadInput(symbol, "fast window %d must be shorter than slow window %d", p.FastWindow, p.SlowWindow)
	}
	if p.Benchmark != "" && p.RegimeWindow <= 0 {
		return BadInput(symbol, "regime window must be positive, got %d", p.RegimeWindow)
	}
	if p.Start.IsZero() || p.End.IsZero() {
		return BadInput(symbol, "start and end dates are required")
	}
	if !p.End.After(p.Start) {
		return BadInput(symbol, "end date %s must be after start date %s",
			p.End.Format("2006-01-02"), p.Start.Format("2006-01-02"))
	}
	if !finite(p.FeeRate) || p.FeeRate < 0 || p.FeeRate >= 1 {
		return BadInput(symbol, "fee rate must be in [0, 1), got %v", p.FeeRate)
	}
	if !finite(p.RiskFreeRate) {
		return BadInput(symbol, "risk-free rate must be finite")
	}
	for _, w := range []float64{p.RiskOnWeight, p.RiskOffWeight, p.EntryWeight, p.ExitWeight} {
		if !finite(w) || w < 0 || w > 1 {
			return BadInput(symbol, "target weights must be in [0, 1], got %v", w)
		}
	}
	return nil
}

// LookbackDays is the calendar-day history loaded ahead of Start so the
// longest moving average is defined on the first simulated day.
func (p Params) LookbackDays() int {
	longest := max(p.FastWindow, p.SlowWindow)
	if p.Benchmark != "" {
		longest = max(longest, p.RegimeWindow)
	}
	return longest*3/2 + 10
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
