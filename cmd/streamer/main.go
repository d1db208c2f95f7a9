package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/tradeflow-stream/internal/api"
	"github.com/rickgao/tradeflow-stream/internal/auth"
	"github.com/rickgao/tradeflow-stream/internal/config"
	"github.com/rickgao/tradeflow-stream/internal/connection"
	"github.com/rickgao/tradeflow-stream/internal/logging"
	"github.com/rickgao/tradeflow-stream/internal/metrics"
	"github.com/rickgao/tradeflow-stream/internal/model"
	"github.com/rickgao/tradeflow-stream/internal/session"
	"github.com/rickgao/tradeflow-stream/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamer.example.yaml", "path to config file")
	symbol := flag.String("symbol", "", "override the configured symbol")
	flag.Parse()

	// Bootstrap logger until the configured one exists
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *symbol != "" {
		cfg.Stream.Symbol = *symbol
	}

	configured, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		logger.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	logger = configured
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	creds, err := cfg.User.Credentials()
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		os.Exit(1)
	}
	userID := resolveUserID(cfg.User.ID, creds, logger)

	logger.Info("configuration loaded",
		"rest_url", cfg.API.RestURL,
		"ws_url", cfg.Stream.WSURL,
		"symbol", cfg.Stream.Symbol,
		"user_id", userID,
		"authenticated", creds != nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	apiClient := api.NewClient(
		cfg.API.RestURL,
		creds,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
		api.WithRateLimit(cfg.API.RateLimit, cfg.API.RateBurst),
		api.WithUserID(userID),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	sess, err := session.New(sessionConfig(cfg, creds, userID), apiClient,
		session.WithLogger(logger),
		session.WithObserver(m),
		session.WithOrderObserver(m.ObserveOrderOutcome),
	)
	if err != nil {
		logger.Error("failed to create session", "error", err)
		os.Exit(1)
	}
	sess.Manager().OnStateChange(m.ObserveStateChange)
	if err := m.RegisterManager(sess.Manager()); err != nil {
		logger.Error("failed to register connection metrics", "error", err)
		os.Exit(1)
	}
	if err := m.RegisterSyncer(sess.Syncer()); err != nil {
		logger.Error("failed to register order sync metrics", "error", err)
		os.Exit(1)
	}

	// Start health server early so startup can be observed
	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           createHealthHandler(sess, reg, cfg.Metrics.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	if err := sess.Start(ctx); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(1)
	}

	go logStatus(ctx, sess, logger)

	logger.Info("streamer running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := sess.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", "error", err)
	}
	healthServer.Shutdown(shutdownCtx)

	logger.Info("streamer stopped")
}

// resolveUserID falls back to the token's claims when no id is configured.
func resolveUserID(configured string, creds *auth.Credentials, logger *slog.Logger) string {
	if configured != "" || creds == nil {
		return configured
	}
	claims, err := creds.Claims()
	if err != nil {
		logger.Warn("cannot read token claims, order stream disabled", "error", err)
		return ""
	}
	if claims.Expired(time.Now()) {
		logger.Warn("access token has expired")
	}
	if claims.UserID != "" {
		return claims.UserID
	}
	return claims.Subject
}

func sessionConfig(cfg *config.StreamConfig, creds *auth.Credentials, userID string) session.Config {
	sc := session.DefaultConfig()
	sc.UserID = userID
	sc.Symbol = cfg.Stream.Symbol

	sc.Manager.Client = connection.ClientConfig{
		URL:               cfg.Stream.WSURL,
		Host:              cfg.Stream.Host,
		Credentials:       creds,
		HeartbeatOutgoing: cfg.Stream.HeartbeatOutgoing,
		HeartbeatIncoming: cfg.Stream.HeartbeatIncoming,
		ConnectTimeout:    cfg.Stream.ConnectTimeout,
		WriteTimeout:      cfg.Stream.WriteTimeout,
		BufferSize:        cfg.Stream.BufferSize,
	}
	sc.Manager.ReconnectBaseDelay = cfg.Stream.ReconnectBaseDelay
	sc.Manager.MaxReconnectAttempts = cfg.Stream.MaxReconnectAttempts

	sc.Candles.MaxCandles = cfg.Candles.MaxCandles

	sc.Sync.ResyncRate = cfg.Orders.ResyncRate
	sc.Sync.ResyncBurst = cfg.Orders.ResyncBurst
	sc.Sync.Timeout = cfg.Orders.RequestTimeout
	sc.Poller.Interval = cfg.Orders.ResyncInterval
	sc.Poller.Timeout = cfg.Orders.RequestTimeout
	return sc
}

// logStatus periodically logs a one-line summary of the session.
func logStatus(ctx context.Context, sess *session.Session, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := sess.Snapshot()
			stats := sess.Manager().Stats()
			attrs := []any{
				"state", snap.State,
				"symbol", snap.Symbol,
				"trend", snap.Trend,
				"candles", len(snap.Candles),
				"orders", len(snap.Orders),
				"frames", stats.FramesReceived,
				"reconnects", stats.Reconnects,
			}
			if snap.HasTicker {
				attrs = append(attrs, "price", snap.Ticker.Price.String())
			}
			logger.Info("status", attrs...)
		}
	}
}

// createHealthHandler serves /health and the metrics endpoint.
func createHealthHandler(sess *session.Session, reg *prometheus.Registry, metricsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := sess.Snapshot()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		conn := map[string]any{
			"state":   snap.State.String(),
			"message": snap.Status,
		}
		if snap.LastError != nil {
			conn["error"] = snap.LastError.Error()
		}
		health.Components["gateway"] = conn

		switch snap.State {
		case model.Connected:
		case model.Failed:
			health.Status = "unhealthy"
		default:
			health.Status = "degraded"
		}

		market := map[string]any{
			"symbol":  snap.Symbol,
			"trend":   snap.Trend.String(),
			"candles": len(snap.Candles),
		}
		if snap.HasTicker {
			market["price"] = snap.Ticker.Price.String()
			market["updated_at"] = snap.Ticker.Timestamp
		}
		health.Components["market"] = market
		health.Components["orders"] = len(snap.Orders)

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
