package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danishdynamic/algoallocationbot/internal/allocation"
	"github.com/danishdynamic/algoallocationbot/internal/backtest"
	"github.com/danishdynamic/algoallocationbot/internal/metrics"
	"github.com/danishdynamic/algoallocationbot/internal/report"
	"github.com/danishdynamic/algoallocationbot/internal/store"
	"github.com/danishdynamic/algoallocationbot/internal/util"
)

const maxBodyBytes = 1 << 20

// Options tunes a Server. Zero values fall back to defaults.
type Options struct {
	// Defaults returns the backtest parameters requests are merged over.
	// It is called per request so a long-running server keeps a current
	// end date.
	Defaults        func() backtest.Params
	RateLimitPerMin int
	ChartTTL        time.Duration
}

// Server serves the allocation HTTP API.
type Server struct {
	alloc    *allocation.Service
	runs     store.RunStore
	defaults func() backtest.Params
	limiter  *util.KeyedLimiter
	charts   *report.Cache
	log      *slog.Logger
}

// NewServer creates a Server. runs may be nil, which disables /api/runs.
func NewServer(alloc *allocation.Service, runs store.RunStore, opts Options) *Server {
	if opts.Defaults == nil {
		opts.Defaults = backtest.DefaultParams
	}
	if opts.RateLimitPerMin <= 0 {
		opts.RateLimitPerMin = 60
	}
	if opts.ChartTTL <= 0 {
		opts.ChartTTL = 60 * time.Second
	}
	return &Server{
		alloc:    alloc,
		runs:     runs,
		defaults: opts.Defaults,
		limiter:  util.NewKeyedLimiter(opts.RateLimitPerMin, max(opts.RateLimitPerMin/6, 1)),
		charts:   report.NewCache(opts.ChartTTL),
		log:      slog.Default().With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/allocate", s.handleAllocate)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/chart/{symbol}", s.handleChart)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns an http.Handler with metrics, CORS and rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return instrument(corsMiddleware(s.rateLimit(mux)))
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies a per-client token bucket to /api routes.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") && !s.limiter.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeBacktestError maps a classified error to a status code. Internal
// errors never leak their message.
func (s *Server) writeBacktestError(w http.ResponseWriter, err error, unavailable int) {
	switch backtest.KindOf(err) {
	case backtest.KindBadInput:
		writeError(w, http.StatusBadRequest, err.Error())
	case backtest.KindDataUnavailable:
		writeError(w, unavailable, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{Status: "ok"})
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var body AllocateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	req, err := body.toRequest(s.defaults())
	if err != nil {
		s.writeBacktestError(w, err, http.StatusUnprocessableEntity)
		return
	}
	resp, err := s.alloc.Allocate(r.Context(), req)
	if err != nil {
		s.writeBacktestError(w, err, http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), r.URL.Query().Get("symbol"), limit)
	if err != nil {
		s.log.Error("listing runs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if runs == nil {
		runs = []store.RunRecord{}
	}
	writeJSON(w, RunsResponse{Runs: runs})
}

// handleChart renders the equity curve for one symbol. Query parameters
// capital, fast, slow, benchmark, start and end override the defaults.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(r.PathValue("symbol")))
	q := r.URL.Query()

	capital := 10000.0
	if v := q.Get("capital"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid capital")
			return
		}
		capital = c
	}

	p := s.defaults()
	for key, dst := range map[string]*int{"fast": &p.FastWindow, "slow": &p.SlowWindow} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", key))
				return
			}
			*dst = n
		}
	}
	if q.Has("benchmark") {
		p.Benchmark = strings.ToUpper(strings.TrimSpace(q.Get("benchmark")))
	}
	if err := applyDates(&p, q.Get("start"), q.Get("end")); err != nil {
		s.writeBacktestError(w, err, http.StatusUnprocessableEntity)
		return
	}

	key := fmt.Sprintf("%s|%.2f|%d|%d|%s|%s|%s", symbol, capital, p.FastWindow, p.SlowWindow,
		p.Benchmark, p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"))
	if img, ok := s.charts.Get(key); ok {
		writePNG(w, img)
		return
	}

	res, err := s.alloc.Evaluate(r.Context(), symbol, capital, p)
	if err != nil {
		s.writeBacktestError(w, err, http.StatusUnprocessableEntity)
		return
	}
	img, err := report.EquityCurve(res)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.charts.Set(key, img)
	writePNG(w, img)
}

func writePNG(w http.ResponseWriter, img []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.Write(img)
}
