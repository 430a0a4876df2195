// allocbot - backtest and allocation command-line tool
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danishdynamic/algoallocationbot/internal/app"
	"github.com/danishdynamic/algoallocationbot/internal/backtest"
	"github.com/danishdynamic/algoallocationbot/internal/config"
	"github.com/danishdynamic/algoallocationbot/internal/util"
)

var (
	version  = "0.1.0"
	cfgPath  string
	logLevel string
	asJSON   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "allocbot",
		Short: "Moving-average crossover backtests and capital allocation",
		Long: `allocbot runs moving-average crossover backtests with an optional
benchmark regime filter, sweeps window grids, backfills price data and
talks to a running allocbot-server.`,
		SilenceUsage: true,
	}

	// Flags
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.Path(), "Config file (missing file uses defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print results as JSON")

	// Subcommands
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(backtestCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(backfillCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(allocateCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("allocbot version %s\n", version)
		},
	}
}

// loadConfig reads the config file and installs a stderr logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	util.SetDefaultLogger(os.Stderr, cfg.Logging.Level, "text")
	return cfg, nil
}

func loadApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg)
}

// ---------------------------------------------------------------------------
// Shared strategy flags
// ---------------------------------------------------------------------------

type strategyFlags struct {
	capital   float64
	fast      int
	slow      int
	regime    int
	benchmark string
	start     string
	end       string
	fee       float64
}

func (f *strategyFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.capital, "capital", 10000, "Initial capital")
	cmd.Flags().IntVar(&f.fast, "fast", 0, "Fast moving-average window (default from config)")
	cmd.Flags().IntVar(&f.slow, "slow", 0, "Slow moving-average window (default from config)")
	cmd.Flags().IntVar(&f.regime, "regime", 0, "Benchmark regime window (default from config)")
	cmd.Flags().StringVar(&f.benchmark, "benchmark", "", "Benchmark symbol; \"none\" disables the regime filter")
	cmd.Flags().StringVar(&f.start, "from", "", "Start date YYYY-MM-DD")
	cmd.Flags().StringVar(&f.end, "to", "", "End date YYYY-MM-DD (exclusive)")
	cmd.Flags().Float64Var(&f.fee, "fee", -1, "Fee rate per unit traded (default from config)")
}

// params merges the flags that were set over the config defaults.
func (f *strategyFlags) params(cfg *config.Config) (backtest.Params, error) {
	p, err := cfg.BacktestParams()
	if err != nil {
		return p, err
	}
	if f.fast > 0 {
		p.FastWindow = f.fast
	}
	if f.slow > 0 {
		p.SlowWindow = f.slow
	}
	if f.regime > 0 {
		p.RegimeWindow = f.regime
	}
	switch strings.ToLower(f.benchmark) {
	case "":
	case "none":
		p.Benchmark = ""
	default:
		p.Benchmark = strings.ToUpper(f.benchmark)
	}
	if f.end != "" {
		t, err := time.Parse("2006-01-02", f.end)
		if err != nil {
			return p, fmt.Errorf("parsing --to: %w", err)
		}
		p.End = t
		p.Start = t.AddDate(-1, 0, 0)
	}
	if f.start != "" {
		t, err := time.Parse("2006-01-02", f.start)
		if err != nil {
			return p, fmt.Errorf("parsing --from: %w", err)
		}
		p.Start = t
	}
	if f.fee >= 0 {
		p.FeeRate = f.fee
	}
	return p, p.Validate("")
}
