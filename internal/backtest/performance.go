package backtest

import "math"

// TradingDaysPerYear annualises daily statistics.
const TradingDaysPerYear = 252

// minVolatility is the floor below which volatility is treated as zero.
const minVolatility = 1e-12

// Performance is the final reduction of an account-value sequence.
type Performance struct {
	Volatility float64 `json:"volatility"`
	Sharpe     float64 `json:"sharpe"`
	Clamped    bool    `json:"clamped"` // metrics were undefined and reported as 0
	Returns    int     `json:"returns"`
}

// ComputePerformance derives annualised volatility and Sharpe ratio from
// daily account values using log returns. Volatility is the sample standard
// deviation scaled by sqrt(252); Sharpe is (mean*252 - riskFree) / volatility.
// With fewer than two returns, near-zero volatility, or a non-finite result
// both metrics are 0 and Clamped is set.
func ComputePerformance(values []float64, riskFree float64) Performance {
	returns := make([]float64, 0, max(len(values)-1, 0))
	for i := 1; i < len(values); i++ {
		if values[i-1] <= 0 || values[i] <= 0 {
			return Performance{Clamped: true, Returns: len(values) - 1}
		}
		returns = append(returns, math.Log(values[i])-math.Log(values[i-1]))
	}

	perf := Performance{Returns: len(returns)}
	if len(returns) < 2 {
		perf.Clamped = true
		return perf
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	vol := math.Sqrt(ss/float64(len(returns)-1)) * math.Sqrt(TradingDaysPerYear)
	if !finite(vol) || vol < minVolatility {
		perf.Clamped = true
		return perf
	}

	sharpe := (mean*TradingDaysPerYear - riskFree) / vol
	if !finite(sharpe) {
		perf.Clamped = true
		return perf
	}
	perf.Volatility = vol
	perf.Sharpe = sharpe
	return perf
}
