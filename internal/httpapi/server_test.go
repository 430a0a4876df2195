package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danishdynamic/algoallocationbot/internal/allocation"
	"github.com/danishdynamic/algoallocationbot/internal/backtest"
	"github.com/danishdynamic/algoallocationbot/internal/domain"
	"github.com/danishdynamic/algoallocationbot/internal/store"
)

var epoch = time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

type staticSource map[string]domain.PriceSeries

func (s staticSource) DailyCloses(_ context.Context, symbol string, from, to time.Time) (domain.PriceSeries, error) {
	series, ok := s[symbol]
	if !ok {
		return domain.PriceSeries{}, backtest.NoPriceData(symbol, "unknown symbol")
	}
	return series, nil
}

func ramp(t *testing.T, symbol string, n int) domain.PriceSeries {
	t.Helper()
	points := make([]domain.PricePoint, n)
	for i := range points {
		price := 100.0
		if i >= 100 {
			price = 100 + float64(i-100)
		}
		points[i] = domain.PricePoint{Date: epoch.AddDate(0, 0, i), Price: price}
	}
	s, err := domain.NewPriceSeries(symbol, points)
	if err != nil {
		t.Fatalf("NewPriceSeries: %v", err)
	}
	return s
}

func defaults() backtest.Params {
	p := backtest.DefaultParams()
	p.FastWindow = 10
	p.SlowWindow = 50
	p.Benchmark = ""
	p.Start = epoch
	p.End = epoch.AddDate(0, 0, 200)
	return p
}

func newTestServer(t *testing.T, runs store.RunStore, ratePerMin int) *httptest.Server {
	t.Helper()
	src := staticSource{"AAPL": ramp(t, "AAPL", 200), "MSFT": ramp(t, "MSFT", 200)}
	svc := allocation.NewService(src, runs, 2)
	srv := NewServer(svc, runs, Options{Defaults: defaults, RateLimitPerMin: ratePerMin})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil, 600)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var body HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body.Status != "ok" {
		t.Errorf("health = %d %q, want 200 ok", resp.StatusCode, body.Status)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestAllocate(t *testing.T) {
	ts := newTestServer(t, nil, 600)

	resp := postJSON(t, ts.URL+"/api/allocate", `{"tickers":["aapl","MSFT","NOPE"],"capital":3000}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body allocation.Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Allocation["AAPL"] != 1000 {
		t.Errorf("allocation[AAPL] = %v, want 1000", body.Allocation["AAPL"])
	}
	if len(body.Results) != 2 {
		t.Errorf("len(results) = %d, want 2", len(body.Results))
	}
	aapl := body.Results["AAPL"]
	if aapl == nil {
		t.Fatal("missing AAPL result")
	}
	if len(aapl.Transactions) != 1 || aapl.Transactions[0].Side != domain.OrderSideBuy {
		t.Errorf("AAPL transactions = %+v, want one buy", aapl.Transactions)
	}
	if e, ok := body.Errors["NOPE"]; !ok || e.Kind != "data_unavailable" {
		t.Errorf("errors[NOPE] = %+v, want data_unavailable", body.Errors["NOPE"])
	}
}

func TestAllocateOverrides(t *testing.T) {
	ts := newTestServer(t, nil, 600)

	resp := postJSON(t, ts.URL+"/api/allocate",
		`{"tickers":["AAPL"],"capital":500,"mode":"full","fast_window":5,"slow_window":20,"start_date":"2023-01-02","end_date":"2023-06-01","include_prices":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body allocation.Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	res := body.Results["AAPL"]
	if res == nil {
		t.Fatalf("missing AAPL result: %+v", body.Errors)
	}
	if res.Params.FastWindow != 5 || res.Params.SlowWindow != 20 {
		t.Errorf("windows = %d/%d, want 5/20", res.Params.FastWindow, res.Params.SlowWindow)
	}
	if len(res.Prices) == 0 {
		t.Error("include_prices should return the price chart")
	}
	if body.Allocation["AAPL"] != 500 {
		t.Errorf("allocation = %v, want 500 (full mode)", body.Allocation["AAPL"])
	}
}

func TestAllocateBadRequests(t *testing.T) {
	ts := newTestServer(t, nil, 600)

	cases := map[string]string{
		"malformed":     `{"tickers":`,
		"unknown field": `{"tickers":["AAPL"],"capital":1,"leverage":3}`,
		"no tickers":    `{"tickers":[],"capital":1000}`,
		"bad capital":   `{"tickers":["AAPL"],"capital":-5}`,
		"bad windows":   `{"tickers":["AAPL"],"capital":1000,"fast_window":50,"slow_window":10}`,
		"bad date":      `{"tickers":["AAPL"],"capital":1000,"end_date":"June 1"}`,
	}
	for name, body := range cases {
		resp := postJSON(t, ts.URL+"/api/allocate", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}

func TestRuns(t *testing.T) {
	ts := newTestServer(t, nil, 600)
	resp, err := http.Get(ts.URL + "/api/runs")
	if err != nil {
		t.Fatalf("GET /api/runs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status without store = %d, want 503", resp.StatusCode)
	}

	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ts = newTestServer(t, db, 600)
	postJSON(t, ts.URL+"/api/allocate", `{"tickers":["AAPL","MSFT"],"capital":2000}`)

	resp, err = http.Get(ts.URL + "/api/runs?symbol=aapl&limit=5")
	if err != nil {
		t.Fatalf("GET /api/runs: %v", err)
	}
	defer resp.Body.Close()
	var body RunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Runs) != 1 || body.Runs[0].Symbol != "AAPL" {
		t.Errorf("runs = %+v, want one AAPL run", body.Runs)
	}

	resp2, err := http.Get(ts.URL + "/api/runs?limit=abc")
	if err != nil {
		t.Fatalf("GET /api/runs: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp2.StatusCode)
	}
}

func TestChart(t *testing.T) {
	ts := newTestServer(t, nil, 600)

	resp, err := http.Get(ts.URL + "/api/chart/AAPL?capital=1000")
	if err != nil {
		t.Fatalf("GET chart: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}

	missing, err := http.Get(ts.URL + "/api/chart/NOPE")
	if err != nil {
		t.Fatalf("GET chart: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("unknown symbol status = %d, want 422", missing.StatusCode)
	}
}

func TestChartSkipsRunHistory(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ts := newTestServer(t, db, 600)

	resp, err := http.Get(ts.URL + "/api/chart/MSFT?capital=1000")
	if err != nil {
		t.Fatalf("GET chart: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	runs, err := db.ListRuns(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("len(runs) after chart = %d, want 0", len(runs))
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, nil, 6)

	first := postJSON(t, ts.URL+"/api/allocate", `{"tickers":["AAPL"],"capital":100}`)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d, want 200", first.StatusCode)
	}
	second := postJSON(t, ts.URL+"/api/allocate", `{"tickers":["AAPL"],"capital":100}`)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", second.StatusCode)
	}

	health, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d, want 200 (not rate limited)", health.StatusCode)
	}
}

func TestPreflightAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil, 600)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/allocate", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want 204", resp.StatusCode)
	}

	m, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer m.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(m.Body)
	if !strings.Contains(buf.String(), "allocbot_http_requests_total") {
		t.Error("/metrics does not expose allocbot_http_requests_total")
	}
}
