// Package allocbot is a Go client for the allocation server API.
package allocbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides a Go SDK for interacting with the allocbot-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new allocbot API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// AllocateRequest is the body of POST /api/allocate. Nil pointers leave the
// server default in place.
type AllocateRequest struct {
	Tickers       []string `json:"tickers"`
	Capital       float64  `json:"capital"`
	Mode          string   `json:"mode,omitempty"`
	FastWindow    *int     `json:"fast_window,omitempty"`
	SlowWindow    *int     `json:"slow_window,omitempty"`
	RegimeWindow  *int     `json:"regime_window,omitempty"`
	Benchmark     *string  `json:"benchmark,omitempty"`
	StartDate     string   `json:"start_date,omitempty"`
	EndDate       string   `json:"end_date,omitempty"`
	FeeRate       *float64 `json:"fee_rate,omitempty"`
	RiskFreeRate  *float64 `json:"risk_free_rate,omitempty"`
	IncludePrices bool     `json:"include_prices,omitempty"`
}

// Transaction is one executed rebalance.
type Transaction struct {
	Date   time.Time `json:"date"`
	Order  string    `json:"order"`
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Value  float64   `json:"value"`
	Fee    float64   `json:"fee"`
	Label  string    `json:"label"`
}

// PricePoint is one daily close.
type PricePoint struct {
	Date  time.Time `json:"date"`
	Price float64   `json:"price"`
}

// Result is the backtest outcome for one ticker.
type Result struct {
	RunID             string        `json:"run_id"`
	Symbol            string        `json:"symbol"`
	InitialMoney      float64       `json:"initial_money"`
	FinalAccountValue float64       `json:"final_account_value"`
	Sharpe            float64       `json:"sharpe"`
	Volatility        float64       `json:"volatility"`
	MetricsClamped    bool          `json:"metrics_clamped"`
	Transactions      []Transaction `json:"transactions"`
	Chart             []PricePoint  `json:"chart,omitempty"`
}

// TickerError explains why a ticker has no result.
type TickerError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AllocateResponse is the response of POST /api/allocate.
type AllocateResponse struct {
	Mode       string                 `json:"mode"`
	Allocation map[string]float64     `json:"allocation"`
	Results    map[string]Result      `json:"results"`
	Errors     map[string]TickerError `json:"errors"`
}

// Run is a persisted run summary.
type Run struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	InitialMoney   float64   `json:"initial_money"`
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

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("allocbot: %d %s", e.StatusCode, e.Message)
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("allocbot: unhealthy status %q", out.Status)
	}
	return nil
}

// Allocate runs a batch backtest and allocation.
func (c *Client) Allocate(ctx context.Context, req AllocateRequest) (*AllocateResponse, error) {
	var out AllocateResponse
	if err := c.do(ctx, http.MethodPost, "/api/allocate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Runs lists saved runs, newest first. An empty symbol lists every symbol;
// a non-positive limit uses the server default.
func (c *Client) Runs(ctx context.Context, symbol string, limit int) ([]Run, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Runs []Run `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
