// Package store defines storage interfaces for daily bars, close-price
// history and backtest run records, with Parquet and SQL implementations.
package store

import (
	"context"
	"time"

	"github.com/danishdynamic/algoallocationbot/internal/backtest"
	"github.com/danishdynamic/algoallocationbot/internal/domain"
)

// BarStore persists and retrieves daily OHLCV bars.
type BarStore interface {
	// WriteBars persists a batch of bars, replacing bars with the same
	// symbol and timestamp.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for symbol with start <= timestamp < end, sorted
	// by timestamp.
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all symbols with stored bars.
	ListSymbols(ctx context.Context) ([]string, error)
}

// PriceStore persists daily close prices.
type PriceStore interface {
	// SavePrices upserts every point of series keyed by (symbol, date).
	SavePrices(ctx context.Context, series domain.PriceSeries) error

	// LoadPrices returns closes for symbol with from <= date < to.
	LoadPrices(ctx context.Context, symbol string, from, to time.Time) (domain.PriceSeries, error)
}

// RunStore persists backtest run summaries and their transactions.
type RunStore interface {
	// SaveRun records a run. Saving the same run id twice is a no-op.
	SaveRun(ctx context.Context, run RunRecord) error

	// SaveTransactions records the orders of a run, idempotently.
	SaveTransactions(ctx context.Context, runID string, txs []domain.Transaction) error

	// ListRuns returns the most recent runs, newest first. An empty symbol
	// matches every symbol.
	ListRuns(ctx context.Context, symbol string, limit int) ([]RunRecord, error)
}

// RunRecord is the persisted summary of one backtest run.
type RunRecord struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	InitialCapital float64   `json:"initial_money"`
	FinalValue     float64   `json:"final_value"`
	Sharpe         float64   `json:"sharpe"`
	Volatility     float64   `json:"volatility"`
	MetricsClamped bool      `json:"metrics_clamped"`
	FastWindow     int       `json:"fast_window"`
	SlowWindow     int       `json:"slow_window"`
	Benchmark      string    `json:"benchmark"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	Transactions   int       `json:"transactions"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewRunRecord summarises res for persistence.
func NewRunRecord(res *backtest.Result) RunRecord {
	return RunRecord{
		ID:             res.RunID,
		Symbol:         res.Symbol,
		InitialCapital: res.InitialCapital,
		FinalValue:     res.FinalAccountValue,
		Sharpe:         res.Sharpe,
		Volatility:     res.Volatility,
		MetricsClamped: res.MetricsClamped,
		FastWindow:     res.Params.FastWindow,
		SlowWindow:     res.Params.SlowWindow,
		Benchmark:      res.Params.Benchmark,
		StartDate:      res.Params.Start,
		EndDate:        res.Params.End,
		Transactions:   len(res.Transactions),
		CreatedAt:      time.Now().UTC(),
	}
}
