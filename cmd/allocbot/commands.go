package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danishdynamic/algoallocationbot/internal/allocation"
	"github.com/danishdynamic/algoallocationbot/internal/app"
	"github.com/danishdynamic/algoallocationbot/internal/backtest"
	"github.com/danishdynamic/algoallocationbot/internal/gather"
	"github.com/danishdynamic/algoallocationbot/internal/report"
	"github.com/danishdynamic/algoallocationbot/pkg/allocbot"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func backtestCmd() *cobra.Command {
	var (
		flags strategyFlags
		mode  string
		chart string
	)
	cmd := &cobra.Command{
		Use:   "backtest SYMBOL [SYMBOL...]",
		Short: "Backtest one or more symbols and print the allocation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := flags.params(a.Config)
			if err != nil {
				return err
			}
			resp, err := a.Alloc.Allocate(cmd.Context(), allocation.Request{
				Tickers:       args,
				Capital:       flags.capital,
				Mode:          allocation.Mode(mode),
				Params:        p,
				IncludePrices: chart != "",
			})
			if err != nil {
				return err
			}

			if chart != "" {
				if err := writeCharts(chart, resp); err != nil {
					return err
				}
			}
			if asJSON {
				return printJSON(resp)
			}
			printAllocation(resp)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&mode, "mode", string(allocation.ModeEqual), "Capital mode: equal or full")
	cmd.Flags().StringVar(&chart, "chart", "", "Write <dir>/<SYMBOL>.png equity curves")
	return cmd
}

func writeCharts(dir string, resp *allocation.Response) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for sym, res := range resp.Results {
		img, err := report.EquityCurve(res)
		if err != nil {
			fmt.Fprintf(os.Stderr, "chart %s: %v\n", sym, err)
			continue
		}
		path := fmt.Sprintf("%s/%s.png", strings.TrimRight(dir, "/"), sym)
		if err := os.WriteFile(path, img, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func printAllocation(resp *allocation.Response) {
	syms := make([]string, 0, len(resp.Allocation))
	for s := range resp.Allocation {
		syms = append(syms, s)
	}
	sort.Strings(syms)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tCAPITAL\tFINAL\tSHARPE\tVOL\tTRADES\tNOTE")
	for _, s := range syms {
		if res, ok := resp.Results[s]; ok {
			note := ""
			if res.MetricsClamped {
				note = "metrics clamped"
			}
			fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.3f\t%.2f%%\t%d\t%s\n",
				s, res.InitialCapital, res.FinalAccountValue, res.Sharpe, res.Volatility*100, len(res.Transactions), note)
			continue
		}
		e := resp.Errors[s]
		fmt.Fprintf(tw, "%s\t%.2f\t-\t-\t-\t-\t%s: %s\n", s, resp.Allocation[s], e.Kind, e.Message)
	}
	tw.Flush()
}

func sweepCmd() *cobra.Command {
	var (
		flags strategyFlags
		top   int
	)
	cmd := &cobra.Command{
		Use:   "sweep SYMBOL",
		Short: "Evaluate a grid of fast/slow windows and rank them by Sharpe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := flags.params(a.Config)
			if err != nil {
				return err
			}
			res, err := a.Alloc.Sweep(cmd.Context(), args[0], flags.capital, p, backtest.DefaultGrid())
			if err != nil {
				return err
			}
			if top > 0 && top < len(res.Entries) {
				res.Entries = res.Entries[:top]
			}
			if asJSON {
				return printJSON(res)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FAST\tSLOW\tSHARPE\tVOL\tFINAL\tTRADES")
			for _, e := range res.Entries {
				if e.Err != "" {
					continue
				}
				fmt.Fprintf(tw, "%d\t%d\t%.3f\t%.2f%%\t%.2f\t%d\n",
					e.Fast, e.Slow, e.Sharpe, e.Volatility*100, e.FinalAccountValue, e.Transactions)
			}
			tw.Flush()
			if res.MinVolatility != nil {
				fmt.Printf("\nlowest volatility: %d/%d (%.2f%%)\n",
					res.MinVolatility.Fast, res.MinVolatility.Slow, res.MinVolatility.Volatility*100)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&top, "top", 20, "Show only the best N entries (0 for all)")
	return cmd
}

func backfillCmd() *cobra.Command {
	var (
		years   int
		workers int
	)
	cmd := &cobra.Command{
		Use:   "backfill SYMBOL [SYMBOL...]",
		Short: "Fetch daily bars into the Parquet cache and the price table",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if workers <= 0 {
				workers = a.Config.Allocation.MaxWorkers
			}
			b := gather.NewBackfiller(a.Provider, a.Bars, a.DB, args, gather.LastYears(years), workers)
			err = b.Run(cmd.Context())
			stats := b.Stats()
			fmt.Printf("%s: %d symbols, %d bars, %d failed %v\n",
				b.Name(), stats.Symbols, stats.Bars, len(stats.Failed), stats.Failed)
			return err
		},
	}
	cmd.Flags().IntVar(&years, "years", 5, "Years of history to fetch")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent fetches (default allocation.max_workers)")
	return cmd
}

func runsCmd() *cobra.Command {
	var (
		symbol string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List saved backtest runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := app.OpenDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			runs, err := db.ListRuns(cmd.Context(), symbol, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(runs)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CREATED\tSYMBOL\tWINDOWS\tFINAL\tSHARPE\tTRADES\tID")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%.2f\t%.3f\t%d\t%s\n",
					r.CreatedAt.Format("2006-01-02 15:04"), r.Symbol, r.FastWindow, r.SlowWindow,
					r.FinalValue, r.Sharpe, r.Transactions, r.ID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "Filter by symbol")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	return cmd
}

func allocateCmd() *cobra.Command {
	var (
		server  string
		capital float64
		mode    string
	)
	cmd := &cobra.Command{
		Use:   "allocate SYMBOL [SYMBOL...]",
		Short: "Request an allocation from a running allocbot-server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := allocbot.NewClient(server)
			if err := c.Health(cmd.Context()); err != nil {
				return fmt.Errorf("server %s: %w", server, err)
			}
			resp, err := c.Allocate(cmd.Context(), allocbot.AllocateRequest{
				Tickers: args,
				Capital: capital,
				Mode:    mode,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(resp)
			}
			for sym, amount := range resp.Allocation {
				if res, ok := resp.Results[sym]; ok {
					fmt.Printf("%-8s %12.2f -> %12.2f  sharpe %.3f\n", sym, amount, res.FinalAccountValue, res.Sharpe)
				} else {
					fmt.Printf("%-8s %12.2f    %s\n", sym, amount, resp.Errors[sym].Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8000", "allocbot-server base URL")
	cmd.Flags().Float64Var(&capital, "capital", 10000, "Total capital")
	cmd.Flags().StringVar(&mode, "mode", "equal", "Capital mode: equal or full")
	return cmd
}
