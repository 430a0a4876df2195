// Package allocation runs independent backtests for a batch of tickers and
// assembles the per-ticker results and capital allocation.
package allocation

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/danishdynamic/algoallocationbot/internal/backtest"
	"github.com/danishdynamic/algoallocationbot/internal/domain"
	"github.com/danishdynamic/algoallocationbot/internal/metrics"
	"github.com/danishdynamic/algoallocationbot/internal/store"
)

// Mode selects how the requested capital is assigned to tickers.
type Mode string

const (
	// ModeEqual splits capital evenly across tickers, rounded to cents.
	ModeEqual Mode = "equal"
	// ModeFull gives every ticker the whole capital.
	ModeFull Mode = "full"
)

// Request is one batch allocation.
type Request struct {
	Tickers       []string
	Capital       float64
	Mode          Mode
	Params        backtest.Params
	IncludePrices bool
}

// TickerError describes why one ticker has no result.
type TickerError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Response is the outcome of a batch. Every requested ticker appears in
// exactly one of Results or Errors.
type Response struct {
	Mode       Mode                        `json:"mode"`
	Allocation map[string]float64          `json:"allocation"`
	Results    map[string]*backtest.Result `json:"results"`
	Errors     map[string]TickerError      `json:"errors"`
}

// Service runs allocation batches against a price source.
type Service struct {
	source     backtest.PriceSource
	runs       store.RunStore
	maxWorkers int
	log        *slog.Logger
}

// NewService creates a Service. runs may be nil to disable persistence.
func NewService(source backtest.PriceSource, runs store.RunStore, maxWorkers int) *Service {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Service{
		source:     source,
		runs:       runs,
		maxWorkers: maxWorkers,
		log:        slog.Default().With("component", "allocation"),
	}
}

// NormalizeTickers trims, upper-cases and de-duplicates tickers, keeping the
// first occurrence order and dropping blanks.
func NormalizeTickers(tickers []string) []string {
	seen := make(map[string]struct{}, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Split assigns capital to each ticker according to mode.
func Split(capital float64, tickers []string, mode Mode) map[string]float64 {
	out := make(map[string]float64, len(tickers))
	if len(tickers) == 0 {
		return out
	}
	total := decimal.NewFromFloat(capital)
	share := total
	if mode != ModeFull {
		share = total.Div(decimal.NewFromInt(int64(len(tickers)))).Round(2)
	}
	v := share.InexactFloat64()
	for _, t := range tickers {
		out[t] = v
	}
	return out
}

// Allocate validates req, runs one backtest per ticker on a bounded worker
// pool and collects results. A failing ticker never aborts its siblings; only
// request-level validation errors are returned.
func (s *Service) Allocate(ctx context.Context, req Request) (*Response, error) {
	tickers := NormalizeTickers(req.Tickers)
	if len(tickers) == 0 {
		return nil, backtest.BadInput("", "at least one ticker is required")
	}
	if math.IsNaN(req.Capital) || math.IsInf(req.Capital, 0) || req.Capital <= 0 {
		return nil, backtest.BadInput("", "capital must be positive, got %v", req.Capital)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeEqual
	}
	if mode != ModeEqual && mode != ModeFull {
		return nil, backtest.BadInput("", "unknown mode %q", mode)
	}
	if err := req.Params.Validate(""); err != nil {
		return nil, err
	}

	alloc := Split(req.Capital, tickers, mode)
	for _, t := range tickers {
		if alloc[t] <= 0 {
			return nil, backtest.BadInput("", "capital %.2f is too small to split across %d tickers", req.Capital, len(tickers))
		}
	}

	resp := &Response{
		Mode:       mode,
		Allocation: alloc,
		Results:    make(map[string]*backtest.Result, len(tickers)),
		Errors:     make(map[string]TickerError),
	}

	jobs := make(chan string, len(tickers))
	for _, t := range tickers {
		jobs <- t
	}
	close(jobs)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	workers := min(s.maxWorkers, len(tickers))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sym := range jobs {
				res, err := s.Backtest(ctx, sym, alloc[sym], req.Params)
				mu.Lock()
				if err != nil {
					resp.Errors[sym] = toTickerError(err)
				} else {
					if !req.IncludePrices {
						res.Prices = nil
						res.Snapshots = nil
					}
					resp.Results[sym] = res
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.log.Info("allocation complete",
		"tickers", len(tickers),
		"ok", len(resp.Results),
		"failed", len(resp.Errors),
		"mode", mode,
	)
	return resp, nil
}

// Backtest runs and persists a single-ticker backtest.
func (s *Service) Backtest(ctx context.Context, symbol string, capital float64, params backtest.Params) (*backtest.Result, error) {
	res, err := s.Evaluate(ctx, symbol, capital, params)
	if err != nil {
		return nil, err
	}
	s.persist(ctx, res)
	return res, nil
}

// Evaluate runs a single-ticker backtest without recording it in the run
// history.
func (s *Service) Evaluate(ctx context.Context, symbol string, capital float64, params backtest.Params) (*backtest.Result, error) {
	start := time.Now()
	eng, err := backtest.New(symbol, capital, params)
	if err != nil {
		metrics.BacktestRunsTotal.WithLabelValues(backtest.KindOf(err).String()).Inc()
		return nil, err
	}
	res, err := eng.Run(ctx, s.source)
	metrics.BacktestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		kind := backtest.KindOf(err)
		metrics.BacktestRunsTotal.WithLabelValues(kind.String()).Inc()
		s.log.Warn("backtest failed", "symbol", eng.Symbol(), "kind", kind, "error", err)
		return nil, err
	}
	metrics.BacktestRunsTotal.WithLabelValues("ok").Inc()
	return res, nil
}

// Sweep loads prices once for the widest window in grid and evaluates every
// grid point on them.
func (s *Service) Sweep(ctx context.Context, symbol string, capital float64, base backtest.Params, grid []backtest.WindowPair) (*backtest.SweepResult, error) {
	if len(grid) == 0 {
		grid = backtest.DefaultGrid()
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	from := base.Start.AddDate(0, 0, -backtest.GridLookbackDays(base, grid))

	asset, err := s.source.DailyCloses(ctx, symbol, from, base.End)
	if err != nil {
		return nil, backtest.ClassifySourceError(symbol, err)
	}
	var bench domain.PriceSeries
	if base.Benchmark != "" {
		bench, err = s.source.DailyCloses(ctx, base.Benchmark, from, base.End)
		if err != nil {
			return nil, backtest.ClassifySourceError(base.Benchmark, err)
		}
	}
	return backtest.Sweep(ctx, symbol, capital, base, grid, asset, bench, s.maxWorkers)
}

func (s *Service) persist(ctx context.Context, res *backtest.Result) {
	if s.runs == nil {
		return
	}
	start := time.Now()
	defer func() {
		metrics.DatabaseQueriesDuration.WithLabelValues("save_run").Observe(time.Since(start).Seconds())
	}()

	if err := s.runs.SaveRun(ctx, store.NewRunRecord(res)); err != nil {
		s.log.Warn("saving run", "run", res.RunID, "error", err)
		return
	}
	if err := s.runs.SaveTransactions(ctx, res.RunID, res.Transactions); err != nil {
		s.log.Warn("saving transactions", "run", res.RunID, "error", err)
	}
}

// toTickerError converts err to its wire form. Internal failures get a
// generic message.
func toTickerError(err error) TickerError {
	kind := backtest.KindOf(err)
	msg := err.Error()
	if kind == backtest.KindInternal {
		msg = "internal error"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			msg = "request cancelled"
		}
	}
	return TickerError{Kind: kind.String(), Message: msg}
}
