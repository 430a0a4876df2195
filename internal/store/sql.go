package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver.
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/danishdynamic/algoallocationbot/internal/domain"
)

// Compile-time interface checks.
var _ RunStore = (*SQLStore)(nil)
var _ PriceStore = (*SQLStore)(nil)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02T15:04:05.000000Z07:00"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS backtest_runs (
		id              TEXT PRIMARY KEY,
		symbol          TEXT NOT NULL,
		initial_capital DOUBLE PRECISION NOT NULL,
		final_value     DOUBLE PRECISION NOT NULL,
		sharpe          DOUBLE PRECISION NOT NULL,
		volatility      DOUBLE PRECISION NOT NULL,
		metrics_clamped BOOLEAN NOT NULL DEFAULT FALSE,
		fast_window     INTEGER NOT NULL,
		slow_window     INTEGER NOT NULL,
		benchmark       TEXT NOT NULL DEFAULT '',
		start_date      TEXT NOT NULL,
		end_date        TEXT NOT NULL,
		transactions    INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_backtest_runs_symbol ON backtest_runs (symbol, created_at)`,
	`CREATE TABLE IF NOT EXISTS backtest_transactions (
		run_id TEXT NOT NULL,
		seq    INTEGER NOT NULL,
		date   TEXT NOT NULL,
		side   TEXT NOT NULL,
		symbol TEXT NOT NULL,
		price  DOUBLE PRECISION NOT NULL,
		value  DOUBLE PRECISION NOT NULL,
		fee    DOUBLE PRECISION NOT NULL,
		label  TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS market_prices (
		symbol      TEXT NOT NULL,
		date        TEXT NOT NULL,
		close_price DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (symbol, date)
	)`,
}

// SQLStore implements RunStore and PriceStore on database/sql. Queries are
// written with ? placeholders and rebound for PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQLite opens (or creates) a SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	return Open(ctx, DriverSQLite, path)
}

// Open connects with the given driver and DSN and migrates the schema.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", driver, err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Driver returns the database/sql driver name.
func (s *SQLStore) Driver() string { return s.driver }

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	return rebind(s.driver, query)
}

func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

// SaveRun inserts a run summary. An existing id is left untouched.
func (s *SQLStore) SaveRun(ctx context.Context, run RunRecord) error {
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO backtest_runs (
			id, symbol, initial_capital, final_value, sharpe, volatility, metrics_clamped,
			fast_window, slow_window, benchmark, start_date, end_date, transactions, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		run.ID, run.Symbol, run.InitialCapital, run.FinalValue, run.Sharpe, run.Volatility, run.MetricsClamped,
		run.FastWindow, run.SlowWindow, run.Benchmark,
		run.StartDate.Format(dateLayout), run.EndDate.Format(dateLayout),
		run.Transactions, created.UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// SaveTransactions inserts the orders of a run in one database transaction.
func (s *SQLStore) SaveTransactions(ctx context.Context, runID string, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO backtest_transactions (run_id, seq, date, side, symbol, price, value, fee, label)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, seq) DO NOTHING`))
	if err != nil {
		return fmt.Errorf("preparing transaction insert: %w", err)
	}
	defer stmt.Close()

	for i, t := range txs {
		if _, err := stmt.ExecContext(ctx, runID, i, t.Date.Format(dateLayout), string(t.Side), t.Symbol,
			t.Price, t.Value, t.Fee, t.Label); err != nil {
			return fmt.Errorf("saving transaction %d of run %s: %w", i, runID, err)
		}
	}
	return tx.Commit()
}

// ListTransactions returns the orders saved for a run in sequence order.
func (s *SQLStore) ListTransactions(ctx context.Context, runID string) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT date, side, symbol, price, value, fee, label
		FROM backtest_transactions WHERE run_id = ? ORDER BY seq`), runID)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		var (
			t          domain.Transaction
			date, side string
		)
		if err := rows.Scan(&date, &side, &t.Symbol, &t.Price, &t.Value, &t.Fee, &t.Label); err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		if t.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("parsing transaction date %q: %w", date, err)
		}
		t.Side = domain.Side(side)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// ListRuns returns up to limit runs, newest first. A non-positive limit
// defaults to 50.
func (s *SQLStore) ListRuns(ctx context.Context, symbol string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, symbol, initial_capital, final_value, sharpe, volatility, metrics_clamped,
			fast_window, slow_window, benchmark, start_date, end_date, transactions, created_at
		FROM backtest_runs`
	args := []any{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, strings.ToUpper(symbol))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			r                     RunRecord
			start, end, createdAt string
		)
		if err := rows.Scan(&r.ID, &r.Symbol, &r.InitialCapital, &r.FinalValue, &r.Sharpe, &r.Volatility,
			&r.MetricsClamped, &r.FastWindow, &r.SlowWindow, &r.Benchmark, &start, &end,
			&r.Transactions, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if r.StartDate, err = time.Parse(dateLayout, start); err != nil {
			return nil, fmt.Errorf("parsing start date %q: %w", start, err)
		}
		if r.EndDate, err = time.Parse(dateLayout, end); err != nil {
			return nil, fmt.Errorf("parsing end date %q: %w", end, err)
		}
		if r.CreatedAt, err = time.Parse(timestampLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at %q: %w", createdAt, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ---------------------------------------------------------------------------
// PriceStore implementation
// ---------------------------------------------------------------------------

// SavePrices upserts the closes of series into market_prices.
func (s *SQLStore) SavePrices(ctx context.Context, series domain.PriceSeries) error {
	if series.Empty() {
		return nil
	}
	symbol := strings.ToUpper(series.Symbol)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO market_prices (symbol, date, close_price) VALUES (?, ?, ?)
		ON CONFLICT (symbol, date) DO UPDATE SET close_price = excluded.close_price`))
	if err != nil {
		return fmt.Errorf("preparing price upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range series.Points {
		if _, err := stmt.ExecContext(ctx, symbol, p.Date.Format(dateLayout), p.Price); err != nil {
			return fmt.Errorf("saving %s price for %s: %w", symbol, p.Date.Format(dateLayout), err)
		}
	}
	return tx.Commit()
}

// LoadPrices returns the stored closes for symbol with from <= date < to.
func (s *SQLStore) LoadPrices(ctx context.Context, symbol string, from, to time.Time) (domain.PriceSeries, error) {
	symbol = strings.ToUpper(symbol)
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT date, close_price FROM market_prices
		WHERE symbol = ? AND date >= ? AND date < ?
		ORDER BY date`), symbol, from.Format(dateLayout), to.Format(dateLayout))
	if err != nil {
		return domain.PriceSeries{}, fmt.Errorf("loading %s prices: %w", symbol, err)
	}
	defer rows.Close()

	var points []domain.PricePoint
	for rows.Next() {
		var (
			date  string
			price float64
		)
		if err := rows.Scan(&date, &price); err != nil {
			return domain.PriceSeries{}, fmt.Errorf("scanning price: %w", err)
		}
		d, err := time.Parse(dateLayout, date)
		if err != nil {
			return domain.PriceSeries{}, fmt.Errorf("parsing price date %q: %w", date, err)
		}
		points = append(points, domain.PricePoint{Date: d, Price: price})
	}
	if err := rows.Err(); err != nil {
		return domain.PriceSeries{}, err
	}
	return domain.NewPriceSeries(symbol, points)
}
