package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danishdynamic/algoallocationbot/internal/backtest"
	"github.com/danishdynamic/algoallocationbot/internal/domain"
)

// DefaultPath is used when ALLOCBOT_CONFIG is unset.
const DefaultPath = "config/allocbot.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the allocation bot.
type Config struct {
	Storage    Storage    `yaml:"storage"`
	Server     Server     `yaml:"server"`
	Alpaca     Alpaca     `yaml:"alpaca"`
	MarketData MarketData `yaml:"marketdata"`
	Logging    Logging    `yaml:"logging"`
	Backtest   Backtest   `yaml:"backtest"`
	Allocation Allocation `yaml:"allocation"`
}

// Storage holds paths for data persistence. DatabaseURL, when set, selects
// PostgreSQL instead of the SQLite file.
type Storage struct {
	DataDir     string `yaml:"data_dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url"`
}

// Server holds network listener configuration.
type Server struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	ChartCacheTTL   string `yaml:"chart_cache_ttl"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// MarketData selects and tunes the upstream price provider.
type MarketData struct {
	Provider        string `yaml:"provider"` // "yahoo" or "alpaca"
	Cache           bool   `yaml:"cache"`
	MaxStaleDays    int    `yaml:"max_stale_days"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	Retries         int    `yaml:"retries"`
	Timeout         string `yaml:"timeout"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Backtest holds strategy defaults. Dates use YYYY-MM-DD; an empty end date
// means today and an empty start date means one year before the end.
type Backtest struct {
	FastWindow    int     `yaml:"fast_window"`
	SlowWindow    int     `yaml:"slow_window"`
	Benchmark     string  `yaml:"benchmark"`
	RegimeWindow  int     `yaml:"regime_window"`
	StartDate     string  `yaml:"start_date"`
	EndDate       string  `yaml:"end_date"`
	FeeRate       float64 `yaml:"fee_rate"`
	RiskFreeRate  float64 `yaml:"risk_free_rate"`
	RiskOnWeight  float64 `yaml:"risk_on_weight"`
	RiskOffWeight float64 `yaml:"risk_off_weight"`
	EntryWeight   float64 `yaml:"entry_weight"`
	ExitWeight    float64 `yaml:"exit_weight"`
}

// Allocation controls the batch allocation service.
type Allocation struct {
	MaxWorkers int  `yaml:"max_workers"`
	Persist    bool `yaml:"persist"`
}

// ---------------------------------------------------------------------------
// Defaults and loading
// ---------------------------------------------------------------------------

// Default returns the configuration used when no file is present.
func Default() *Config {
	p := backtest.DefaultParams()
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/allocbot.db",
		},
		Server: Server{
			Host:            "0.0.0.0",
			Port:            8000,
			RateLimitPerMin: 60,
			ChartCacheTTL:   "60s",
		},
		Alpaca: Alpaca{Feed: "sip"},
		MarketData: MarketData{
			Provider:        "yahoo",
			Cache:           true,
			MaxStaleDays:    3,
			RateLimitPerMin: 120,
			Retries:         3,
			Timeout:         "30s",
		},
		Logging: Logging{Level: "info", Format: "json"},
		Backtest: Backtest{
			FastWindow:    p.FastWindow,
			SlowWindow:    p.SlowWindow,
			Benchmark:     p.Benchmark,
			RegimeWindow:  p.RegimeWindow,
			FeeRate:       p.FeeRate,
			RiskFreeRate:  p.RiskFreeRate,
			RiskOnWeight:  p.RiskOnWeight,
			RiskOffWeight: p.RiskOffWeight,
			EntryWeight:   p.EntryWeight,
			ExitWeight:    p.ExitWeight,
		},
		Allocation: Allocation{MaxWorkers: 4, Persist: true},
	}
}

// Path returns the config file path from ALLOCBOT_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("ALLOCBOT_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path over Default()
// and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default() with
// environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg = Default()
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	return cfg, err
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// BacktestParams converts the backtest section to engine parameters.
// Unparseable dates are an error; missing ones follow DefaultParams.
func (c *Config) BacktestParams() (backtest.Params, error) {
	p := backtest.DefaultParams()
	b := c.Backtest
	p.FastWindow = b.FastWindow
	p.SlowWindow = b.SlowWindow
	p.Benchmark = b.Benchmark
	p.RegimeWindow = b.RegimeWindow
	p.FeeRate = b.FeeRate
	p.RiskFreeRate = b.RiskFreeRate
	p.RiskOnWeight = b.RiskOnWeight
	p.RiskOffWeight = b.RiskOffWeight
	p.EntryWeight = b.EntryWeight
	p.ExitWeight = b.ExitWeight

	if b.EndDate != "" {
		end, err := time.Parse("2006-01-02", b.EndDate)
		if err != nil {
			return p, backtest.BadInput("", "parsing backtest.end_date %q: %v", b.EndDate, err)
		}
		p.End = domain.TruncateDay(end)
		p.Start = p.End.AddDate(-1, 0, 0)
	}
	if b.StartDate != "" {
		start, err := time.Parse("2006-01-02", b.StartDate)
		if err != nil {
			return p, backtest.BadInput("", "parsing backtest.start_date %q: %v", b.StartDate, err)
		}
		p.Start = domain.TruncateDay(start)
	}
	return p, nil
}

// MarketDataTimeout parses MarketData.Timeout, defaulting to 30s.
func (c *Config) MarketDataTimeout() time.Duration {
	return parseDuration(c.MarketData.Timeout, 30*time.Second)
}

// ChartCacheTTL parses Server.ChartCacheTTL, defaulting to 60s.
func (c *Config) ChartCacheTTL() time.Duration {
	return parseDuration(c.Server.ChartCacheTTL, 60*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
