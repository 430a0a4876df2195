// Package app wires configuration into stores, price providers and the
// allocation service shared by the server and the CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/danishdynamic/algoallocationbot/internal/allocation"
	"github.com/danishdynamic/algoallocationbot/internal/backtest"
	"github.com/danishdynamic/algoallocationbot/internal/config"
	"github.com/danishdynamic/algoallocationbot/internal/marketdata"
	"github.com/danishdynamic/algoallocationbot/internal/store"
)

// App holds the long-lived dependencies built from a Config.
type App struct {
	Config   *config.Config
	Bars     *store.ParquetStore
	DB       *store.SQLStore
	Provider marketdata.BarProvider
	Source   backtest.PriceSource
	Alloc    *allocation.Service
}

// Build opens stores and constructs the price source and allocation
// service. The caller must Close the App.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	provider, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Bars:     store.NewParquetStore(cfg.Storage.DataDir),
		Provider: provider,
	}

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DB = db

	if cfg.MarketData.Cache {
		a.Source = marketdata.NewCachedProvider(provider, a.Bars, cfg.MarketData.MaxStaleDays).MirrorTo(db)
	} else {
		a.Source = &marketdata.Source{Provider: provider}
	}

	var runs store.RunStore
	if cfg.Allocation.Persist {
		runs = db
	}
	a.Alloc = allocation.NewService(a.Source, runs, cfg.Allocation.MaxWorkers)

	slog.Info("app ready",
		"provider", provider.Name(),
		"cache", cfg.MarketData.Cache,
		"db", db.Driver(),
		"workers", cfg.Allocation.MaxWorkers,
	)
	return a, nil
}

// RunStore returns the run history store, or nil when persistence is off.
func (a *App) RunStore() store.RunStore {
	if !a.Config.Allocation.Persist {
		return nil
	}
	return a.DB
}

// Close releases the database handle.
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// NewProvider builds the upstream bar provider named by
// cfg.MarketData.Provider.
func NewProvider(cfg *config.Config) (marketdata.BarProvider, error) {
	md := cfg.MarketData
	switch strings.ToLower(md.Provider) {
	case "", "yahoo":
		return marketdata.NewYahooProvider(marketdata.YahooOptions{
			Timeout:         cfg.MarketDataTimeout(),
			RateLimitPerMin: md.RateLimitPerMin,
			MaxAttempts:     md.Retries,
		}), nil
	case "alpaca":
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			return nil, fmt.Errorf("alpaca provider requires api_key and api_secret")
		}
		return marketdata.NewAlpacaProvider(
			cfg.Alpaca.APIKey,
			cfg.Alpaca.APISecret,
			cfg.Alpaca.DataURL,
			cfg.Alpaca.Feed,
			md.RateLimitPerMin,
			md.Retries,
		), nil
	default:
		return nil, fmt.Errorf("unknown market data provider %q", md.Provider)
	}
}

// OpenDB opens PostgreSQL when Storage.DatabaseURL is set and the SQLite
// file otherwise.
func OpenDB(ctx context.Context, cfg *config.Config) (*store.SQLStore, error) {
	if cfg.Storage.DatabaseURL != "" {
		db, err := store.Open(ctx, store.DriverPostgres, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return db, nil
	}
	if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite dir: %w", err)
		}
	}
	db, err := store.OpenSQLite(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", cfg.Storage.SQLitePath, err)
	}
	return db, nil
}
