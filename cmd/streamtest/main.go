// streamtest connects to the market gateway and prints parsed messages to
// the console.
// Usage: go run ./cmd/streamtest --config configs/streamer.example.yaml --symbol ethusdt
//
// Set TRADEFLOW_TOKEN to also receive your order events.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/tradeflow-stream/internal/config"
	"github.com/rickgao/tradeflow-stream/internal/connection"
	"github.com/rickgao/tradeflow-stream/internal/logging"
	"github.com/rickgao/tradeflow-stream/internal/market"
	"github.com/rickgao/tradeflow-stream/internal/model"
	"github.com/rickgao/tradeflow-stream/internal/router"
	"github.com/rickgao/tradeflow-stream/internal/subscription"
)

func main() {
	configPath := flag.String("config", "configs/streamer.example.yaml", "path to config file")
	symbol := flag.String("symbol", "", "symbol to stream (defaults to config)")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	logger := slog.New(logging.NewHandler(os.Stdout, "text", slog.LevelDebug))

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *symbol != "" {
		cfg.Stream.Symbol = *symbol
	}

	creds, err := cfg.User.Credentials()
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		os.Exit(1)
	}
	userID := cfg.User.ID
	if userID == "" && creds != nil {
		if claims, err := creds.Claims(); err == nil {
			userID = claims.UserID
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	connCfg := connection.DefaultManagerConfig()
	connCfg.Client.URL = cfg.Stream.WSURL
	connCfg.Client.Host = cfg.Stream.Host
	connCfg.Client.Credentials = creds
	connCfg.ReconnectBaseDelay = cfg.Stream.ReconnectBaseDelay
	connCfg.MaxReconnectAttempts = cfg.Stream.MaxReconnectAttempts

	registry := subscription.NewRegistry(logger)
	dispatcher := router.NewDispatcher(registry, nil, logger)
	connMgr := connection.NewManager(connCfg, registry, dispatcher, logger)

	connMgr.OnStateChange(func(c connection.StateChange) {
		fmt.Printf("[STATE] %s -> %s: %s\n", c.From, c.To, c.Message)
	})

	tickers := market.NewTickerState(logger)
	sym := cfg.Stream.Symbol

	// Subscribe before connecting; the registry replays on connect.
	subscribe(connMgr, router.TickerTopic(sym), router.TickerHandler(func(s model.TickerSample) {
		tickers.Apply(s)
		if *verbose {
			printJSON("TICKER", s)
			return
		}
		fmt.Printf("[TICKER] symbol=%s price=%s change=%s%% trend=%s stale=%v\n",
			s.Symbol, s.Price, s.ChangePercent24h, tickers.Trend(s.Symbol), s.Stale)
	}), logger)

	subscribe(connMgr, router.OrderbookTopic(sym), router.OrderbookHandler(sym, func(b model.OrderbookSnapshot) {
		if *verbose {
			printJSON("ORDERBOOK", b)
			return
		}
		bid, _ := b.BestBid()
		ask, _ := b.BestAsk()
		fmt.Printf("[ORDERBOOK] symbol=%s bids=%d asks=%d best_bid=%s best_ask=%s\n",
			b.Symbol, len(b.Bids), len(b.Asks), bid.Price, ask.Price)
	}), logger)

	if userID != "" {
		subscribe(connMgr, router.OrdersTopic(userID), router.OrderEventHandler(func(ev model.OrderEvent) {
			if *verbose {
				printJSON("ORDER", ev)
				return
			}
			fmt.Printf("[ORDER] id=%s status=%s filled=%s\n", ev.OrderID, ev.Status, ev.FilledQuantity)
		}), logger)
	}

	if err := connMgr.Start(ctx); err != nil {
		logger.Error("failed to start connection manager", "error", err)
		os.Exit(1)
	}
	if err := connMgr.Connect(); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				connStats := connMgr.Stats()
				routerStats := dispatcher.Stats()
				tickerStats := tickers.Stats()
				logger.Info("stats",
					"state", connStats.State,
					"frames", connStats.FramesReceived,
					"subscriptions", connStats.ActiveSubscriptions,
					"routed", routerStats.Routed,
					"parse_errors", routerStats.ParseErrors,
					"tickers_rejected", tickerStats.TickersRejected,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop", "symbol", sym)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	connMgr.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
}

func subscribe(mgr connection.Manager, topic string, h subscription.Handler, logger *slog.Logger) {
	if err := mgr.Subscribe(topic, h); err != nil {
		logger.Error("subscribe failed", "topic", topic, "error", err)
		os.Exit(1)
	}
}

func printJSON(tag string, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Printf("[%s] %s\n", tag, data)
}
