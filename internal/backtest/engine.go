// Package backtest simulates a single-asset moving-average crossover strategy
// over daily closes and reports risk-adjusted performance.
//
// An Engine owns an append-only log of portfolio snapshots, one per simulated
// day. The day loop is strictly sequential; independent engines share no
// state and may run concurrently.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danishdynamic/algoallocationbot/internal/domain"
)

// Signal labels recorded on transactions.
const (
	LabelRegimeRiskOn  = "regime-risk-on"
	LabelRegimeRiskOff = "regime-risk-off"
	LabelCrossUp       = "cross-up"
	LabelCrossDown     = "cross-down"
)

// PriceSource loads daily closes for a symbol over [from, to).
type PriceSource interface {
	DailyCloses(ctx context.Context, symbol string, from, to time.Time) (domain.PriceSeries, error)
}

// Snapshot is the portfolio state at the end of one simulated day.
// AccountValue always equals AccountBalance + PositionValue.
type Snapshot struct {
	Date           time.Time `json:"date"`
	Weight         float64   `json:"weight"`
	Shares         float64   `json:"shares"`
	AccountValue   float64   `json:"account_value"`
	PositionValue  float64   `json:"position_value"`
	AccountBalance float64   `json:"account_balance"`
}

// Result is the outcome of one run.
type Result struct {
	RunID             string               `json:"run_id"`
	Symbol            string               `json:"symbol"`
	InitialCapital    float64              `json:"initial_money"`
	FinalAccountValue float64              `json:"final_account_value"`
	Sharpe            float64              `json:"sharpe"`
	Volatility        float64              `json:"volatility"`
	MetricsClamped    bool                 `json:"metrics_clamped"`
	Transactions      []domain.Transaction `json:"transactions"`
	Snapshots         []Snapshot           `json:"snapshots,omitempty"`
	Prices            []domain.PricePoint  `json:"chart,omitempty"`
	Params            Params               `json:"params"`
}

// AccountValues returns the account value of every snapshot in order.
func (r *Result) AccountValues() []float64 {
	values := make([]float64, len(r.Snapshots))
	for i, s := range r.Snapshots {
		values[i] = s.AccountValue
	}
	return values
}

// Engine runs the crossover strategy for one symbol.
type Engine struct {
	symbol  string
	capital float64
	params  Params

	asset     domain.PriceSeries
	benchmark domain.PriceSeries

	snapshots    []Snapshot
	transactions []domain.Transaction

	log *slog.Logger
}

// New creates an Engine holding capital in cash. The symbol is normalised to
// upper case.
func New(symbol string, capital float64, params Params) (*Engine, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, BadInput("", "symbol is required")
	}
	if !finite(capital) || capital <= 0 {
		return nil, BadInput(symbol, "capital must be positive, got %v", capital)
	}
	if err := params.Validate(symbol); err != nil {
		return nil, err
	}

	e := &Engine{
		symbol:  symbol,
		capital: capital,
		params:  params,
		log:     slog.Default().With("component", "backtest", "symbol", symbol),
	}
	e.reset(time.Time{})
	return e, nil
}

// Symbol returns the normalised symbol.
func (e *Engine) Symbol() string { return e.symbol }

// Params returns the run parameters.
func (e *Engine) Params() Params { return e.params }

// Current returns the latest snapshot.
func (e *Engine) Current() Snapshot { return e.snapshots[len(e.snapshots)-1] }

// Snapshots returns a copy of the snapshot log.
func (e *Engine) Snapshots() []Snapshot {
	out := make([]Snapshot, len(e.snapshots))
	copy(out, e.snapshots)
	return out
}

// Transactions returns a copy of the transaction log.
func (e *Engine) Transactions() []domain.Transaction {
	out := make([]domain.Transaction, len(e.transactions))
	copy(out, e.transactions)
	return out
}

// Attach sets the series used by DailyUpdate, OrderUpdate and the signal
// rules. Simulate calls it; it is exported for callers driving the engine
// one day at a time.
func (e *Engine) Attach(asset, benchmark domain.PriceSeries) {
	e.asset = asset
	e.benchmark = benchmark
}

func (e *Engine) reset(date time.Time) {
	e.snapshots = []Snapshot{{
		Date:           date,
		AccountValue:   e.capital,
		AccountBalance: e.capital,
	}}
	e.transactions = nil
}

// ---------------------------------------------------------------------------
// Series helpers
// ---------------------------------------------------------------------------

// LastPriceAsOf returns the latest price at or before date.
func LastPriceAsOf(series domain.PriceSeries, date time.Time) (float64, error) {
	n := series.CountAtOrBefore(date)
	if n == 0 {
		return 0, NoPriceData(series.Symbol, "no observation on or before %s", date.Format("2006-01-02"))
	}
	return series.Points[n-1].Price, nil
}

// MovingAverage returns the mean of the window observations strictly before
// date, or NaN when fewer than window exist.
func MovingAverage(series domain.PriceSeries, date time.Time, window int) float64 {
	if window <= 0 {
		return math.NaN()
	}
	n := series.CountBefore(date)
	if n < window {
		return math.NaN()
	}
	var sum float64
	for _, p := range series.Points[n-window : n] {
		sum += p.Price
	}
	return sum / float64(window)
}

// priceBefore returns the latest price strictly before date, or NaN.
func priceBefore(series domain.PriceSeries, date time.Time) float64 {
	n := series.CountBefore(date)
	if n == 0 {
		return math.NaN()
	}
	return series.Points[n-1].Price
}

// ---------------------------------------------------------------------------
// State updates
// ---------------------------------------------------------------------------

// DailyUpdate marks the position to the day's price, carrying shares and
// cash forward unchanged.
func (e *Engine) DailyUpdate(date time.Time) error {
	price, err := LastPriceAsOf(e.asset, date)
	if err != nil {
		return err
	}
	prev := e.Current()
	position := prev.Shares * price
	account := prev.AccountBalance + position
	weight := 0.0
	if account > 0 {
		weight = position / account
	}
	e.snapshots = append(e.snapshots, Snapshot{
		Date:           date,
		Weight:         weight,
		Shares:         prev.Shares,
		AccountValue:   account,
		PositionValue:  position,
		AccountBalance: prev.AccountBalance,
	})
	return nil
}

// OrderUpdate rebalances to target. The order is sized off the previous
// snapshot's account value, the fee is taken from the account first, and the
// target weight is applied to what remains. A target equal to the current
// weight at two decimals is a hold.
func (e *Engine) OrderUpdate(date time.Time, target float64, label string) error {
	if !finite(target) || target < 0 || target > 1 {
		return &Error{Kind: KindInternal, Symbol: e.symbol, Err: fmt.Errorf("target weight %v outside [0, 1]", target)}
	}
	prev := e.Current()
	if round2(target) == round2(prev.Weight) {
		return e.DailyUpdate(date)
	}

	price, err := LastPriceAsOf(e.asset, date)
	if err != nil {
		return err
	}

	side := domain.OrderSideBuy
	if target-prev.Weight <= 0 {
		side = domain.OrderSideSell
	}
	change := prev.AccountValue * (target - prev.Weight)
	fee := math.Abs(change) * e.params.FeeRate

	account := prev.AccountValue - fee
	position := target * account
	balance := account - position

	e.snapshots = append(e.snapshots, Snapshot{
		Date:           date,
		Weight:         target,
		Shares:         position / price,
		AccountValue:   account,
		PositionValue:  position,
		AccountBalance: balance,
	})
	e.transactions = append(e.transactions, domain.Transaction{
		Date:   date,
		Side:   side,
		Symbol: e.symbol,
		Price:  price,
		Value:  change,
		Fee:    fee,
		Label:  label,
	})
	e.log.Debug("order", "date", date.Format("2006-01-02"), "side", side, "target", target, "fee", fee, "label", label)
	return nil
}

// Step evaluates the signal rules for day, given the previous simulated
// day, and applies the resulting update. The regime filter runs first and
// short-circuits the day when it fires. Undefined averages compare false, so
// insufficient history holds.
func (e *Engine) Step(prev, day time.Time) error {
	p := e.params
	if p.Benchmark != "" && !e.benchmark.Empty() {
		pricePrev, priceCur := priceBefore(e.benchmark, prev), priceBefore(e.benchmark, day)
		maPrev, maCur := MovingAverage(e.benchmark, prev, p.RegimeWindow), MovingAverage(e.benchmark, day, p.RegimeWindow)
		switch {
		case pricePrev < maPrev && priceCur >= maCur:
			return e.OrderUpdate(day, p.RiskOnWeight, LabelRegimeRiskOn)
		case pricePrev >= maPrev && priceCur < maCur:
			return e.OrderUpdate(day, p.RiskOffWeight, LabelRegimeRiskOff)
		}
	}

	fastPrev, slowPrev := MovingAverage(e.asset, prev, p.FastWindow), MovingAverage(e.asset, prev, p.SlowWindow)
	fastCur, slowCur := MovingAverage(e.asset, day, p.FastWindow), MovingAverage(e.asset, day, p.SlowWindow)
	switch {
	case fastPrev <= slowPrev && fastCur > slowCur:
		return e.OrderUpdate(day, p.EntryWeight, LabelCrossUp)
	case fastPrev >= slowPrev && fastCur < slowCur:
		return e.OrderUpdate(day, p.ExitWeight, LabelCrossDown)
	}
	return e.DailyUpdate(day)
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// Simulate runs the day loop over the asset observations in [Start, End).
// The first observation in the window seeds snapshot 0; every later one is a
// simulated day. Any previous state of the engine is discarded.
func (e *Engine) Simulate(asset, benchmark domain.PriceSeries) (*Result, error) {
	p := e.params
	if asset.Empty() {
		return nil, NoPriceData(e.symbol, "empty price series")
	}
	window := asset.Between(p.Start, p.End)
	if len(window) == 0 {
		return nil, NoPriceData(e.symbol, "no prices between %s and %s",
			p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"))
	}
	if p.Benchmark != "" {
		if benchmark.Empty() {
			return nil, NoPriceData(p.Benchmark, "empty benchmark series")
		}
		if len(window) > 1 && benchmark.CountBefore(window[1].Date) == 0 {
			return nil, NoPriceData(p.Benchmark, "no benchmark observation before %s", window[1].Date.Format("2006-01-02"))
		}
	}

	e.Attach(asset, benchmark)
	e.reset(window[0].Date)

	for i := 1; i < len(window); i++ {
		if err := e.Step(window[i-1].Date, window[i].Date); err != nil {
			return nil, err
		}
	}

	perf := ComputePerformance(e.accountValues(), p.RiskFreeRate)
	if perf.Clamped {
		e.log.Debug("performance metrics clamped", "returns", perf.Returns)
	}

	prices := make([]domain.PricePoint, len(window))
	copy(prices, window)

	res := &Result{
		RunID:             uuid.NewString(),
		Symbol:            e.symbol,
		InitialCapital:    e.capital,
		FinalAccountValue: e.Current().AccountValue,
		Sharpe:            perf.Sharpe,
		Volatility:        perf.Volatility,
		MetricsClamped:    perf.Clamped,
		Transactions:      e.Transactions(),
		Snapshots:         e.Snapshots(),
		Prices:            prices,
		Params:            p,
	}
	e.log.Debug("backtest complete",
		"days", len(window)-1,
		"transactions", len(res.Transactions),
		"final", res.FinalAccountValue,
		"sharpe", res.Sharpe,
	)
	return res, nil
}

// Run loads the asset and benchmark series once from source, covering Start
// minus the lookback, and simulates over them.
func (e *Engine) Run(ctx context.Context, source PriceSource) (*Result, error) {
	p := e.params
	from := p.Start.AddDate(0, 0, -p.LookbackDays())

	asset, err := source.DailyCloses(ctx, e.symbol, from, p.End)
	if err != nil {
		return nil, ClassifySourceError(e.symbol, err)
	}

	var benchmark domain.PriceSeries
	if p.Benchmark != "" {
		benchmark, err = source.DailyCloses(ctx, p.Benchmark, from, p.End)
		if err != nil {
			return nil, ClassifySourceError(p.Benchmark, err)
		}
	}
	return e.Simulate(asset, benchmark)
}

func (e *Engine) accountValues() []float64 {
	values := make([]float64, len(e.snapshots))
	for i, s := range e.snapshots {
		values[i] = s.AccountValue
	}
	return values
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
