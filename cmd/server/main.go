// Package main is the gateway server's composition root. Flag/env handling,
// startup banner, and graceful-shutdown shape are adapted from the
// teacher's cmd/server/main.go; wiring is new, since the teacher composes
// a single account.Manager + cloudcode.Client pair where this repo composes
// the full C1-C8 chain.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgebridge/assist-gateway/internal/accountpool"
	"github.com/forgebridge/assist-gateway/internal/apiserver"
	"github.com/forgebridge/assist-gateway/internal/clock"
	"github.com/forgebridge/assist-gateway/internal/config"
	"github.com/forgebridge/assist-gateway/internal/dispatcher"
	"github.com/forgebridge/assist-gateway/internal/logging"
	"github.com/forgebridge/assist-gateway/internal/metrics"
	"github.com/forgebridge/assist-gateway/internal/modellog"
	"github.com/forgebridge/assist-gateway/internal/ratelimit"
	"github.com/forgebridge/assist-gateway/internal/store"
	"github.com/forgebridge/assist-gateway/internal/token"
	"github.com/forgebridge/assist-gateway/internal/upstream"
)

const version = "1.0.0"

func main() {
	var (
		devMode    bool
		port       int
		host       string
		configPath string
	)

	flag.BoolVar(&devMode, "dev-mode", false, "Enable developer mode (verbose logging)")
	flag.IntVar(&port, "port", 0, "Server port (default: from config)")
	flag.StringVar(&host, "host", "", "Bind address (default: from config)")
	flag.StringVar(&configPath, "config", "", "Path to a JSON config file")
	flag.Parse()

	if os.Getenv("DEV_MODE") == "true" {
		devMode = true
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logging.Error("[startup] failed to load config: %v", err)
		os.Exit(1)
	}
	if devMode {
		cfg.Debug = true
	}
	if port != 0 {
		cfg.Port = port
	}
	if host != "" {
		cfg.Host = host
	}

	logging.SetDebug(cfg.Debug)
	if cfg.Debug {
		logging.Debug("developer mode enabled")
	}

	st, err := store.Open(cfg.SQLitePath)
	if err != nil {
		logging.Error("[startup] failed to open store: %v", err)
		os.Exit(1)
	}

	c := clock.Real{}
	tokens := token.NewManager(cfg, st, c)
	pool := accountpool.New(cfg, st, tokens, c)
	limiter := ratelimit.New(cfg)
	sink := modellog.NewSink(1000)
	upc := upstream.New(cfg, sink)
	disp := dispatcher.New(cfg, pool, limiter, upc, tokens, st, c)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logging.Warn("[startup] failed to register metrics: %v", err)
	}
	go serveMetrics(cfg.MetricsAddr)

	srv := apiserver.New(cfg, st, disp)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		if err := srv.Run(addr); err != nil {
			logging.Error("[startup] server failed: %v", err)
			os.Exit(1)
		}
	}()

	printBanner(cfg, devMode)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("server forced to shutdown: %v", err)
		os.Exit(1)
	}
	logging.Success("server stopped")
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logging.Warn("[startup] metrics server stopped: %v", err)
	}
}

func printBanner(cfg *config.Config, devMode bool) {
	logging.Success("assist-gateway v%s listening on %s:%d", version, cfg.Host, cfg.Port)
	if devMode {
		logging.Warn("running in DEVELOPER mode - verbose logs enabled")
	}
}
