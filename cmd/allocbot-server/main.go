package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/danishdynamic/algoallocationbot/internal/app"
	"github.com/danishdynamic/algoallocationbot/internal/backtest"
	"github.com/danishdynamic/algoallocationbot/internal/config"
	"github.com/danishdynamic/algoallocationbot/internal/httpapi"
	"github.com/danishdynamic/algoallocationbot/internal/util"
)

func main() {
	// Load config.
	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if _, err := cfg.BacktestParams(); err != nil {
		log.Fatalf("invalid backtest config: %v", err)
	}

	// Setup logging.
	w, logFile, err := util.OpenDailyLog("allocbot-server")
	if err != nil {
		log.Fatalf("opening log file: %v", err)
	}
	defer logFile.Close()

	logger := util.SetDefaultLogger(w, cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("initializing: %v", err)
	}
	defer a.Close()

	srv := httpapi.NewServer(a.Alloc, a.RunStore(), httpapi.Options{
		Defaults: func() backtest.Params {
			p, _ := cfg.BacktestParams()
			return p
		},
		RateLimitPerMin: cfg.Server.RateLimitPerMin,
		ChartTTL:        cfg.ChartCacheTTL(),
	})

	// Start HTTP server.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("allocbot server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down allocbot server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
