// Package report renders backtest results as PNG charts.
package report

import (
	"errors"
	"fmt"
	"math"

	"github.com/vicanso/go-charts/v2"

	"github.com/danishdynamic/algoallocationbot/internal/backtest"
)

// ErrTooFewPoints is returned when a result has fewer than two snapshots.
var ErrTooFewPoints = errors.New("not enough data points")

// EquityCurve renders the strategy account value against a buy-and-hold
// position of the same initial capital.
func EquityCurve(res *backtest.Result) ([]byte, error) {
	if res == nil || len(res.Snapshots) < 2 {
		return nil, ErrTooFewPoints
	}

	n := len(res.Snapshots)
	x := make([]string, n)
	strategy := make([]float64, n)
	for i, s := range res.Snapshots {
		x[i] = s.Date.Format("2006-01-02")
		strategy[i] = s.AccountValue
	}

	lines := [][]float64{strategy}
	names := []string{"strategy"}
	if hold := buyAndHold(res); hold != nil {
		lines = append(lines, hold)
		names = append(names, "buy & hold")
	}

	yMin, yMax := bounds(lines)
	pad := (yMax - yMin) * 0.05
	if pad < yMax*0.002 {
		pad = yMax * 0.002
	}
	yMin -= pad
	if yMin < 0 {
		yMin = 0
	}
	yMax += pad

	split := 10
	if n < split {
		split = n
	}

	title := fmt.Sprintf("%s MA %d/%d", res.Symbol, res.Params.FastWindow, res.Params.SlowWindow)
	subtitle := fmt.Sprintf("final %.2f • sharpe %.2f • vol %.2f%%", res.FinalAccountValue, res.Sharpe, res.Volatility*100)

	painter, err := charts.LineRender(lines,
		charts.TitleTextOptionFunc(title, subtitle),
		charts.XAxisOptionFunc(charts.XAxisOption{Data: x, BoundaryGap: charts.FalseFlag(), SplitNumber: split}),
		charts.YAxisOptionFunc(charts.YAxisOption{Min: &yMin, Max: &yMax, DivideCount: 5}),
		charts.LegendOptionFunc(charts.LegendOption{Data: names}),
		charts.ThemeOptionFunc(charts.ThemeLight),
	)
	if err != nil {
		return nil, err
	}
	return painter.Bytes()
}

// buyAndHold scales the window prices to the initial capital. It returns nil
// when prices do not line up with the snapshots.
func buyAndHold(res *backtest.Result) []float64 {
	if len(res.Prices) != len(res.Snapshots) || res.Prices[0].Price <= 0 {
		return nil
	}
	base := res.Prices[0].Price
	out := make([]float64, len(res.Prices))
	for i, p := range res.Prices {
		out[i] = res.InitialCapital * p.Price / base
	}
	return out
}

func bounds(lines [][]float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, l := range lines {
		for _, v := range l {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	return lo, hi
}
