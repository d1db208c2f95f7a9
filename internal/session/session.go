package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/tradeflow-stream/internal/api"
	"github.com/rickgao/tradeflow-stream/internal/candles"
	"github.com/rickgao/tradeflow-stream/internal/connection"
	"github.com/rickgao/tradeflow-stream/internal/market"
	"github.com/rickgao/tradeflow-stream/internal/model"
	"github.com/rickgao/tradeflow-stream/internal/orders"
	"github.com/rickgao/tradeflow-stream/internal/poller"
	"github.com/rickgao/tradeflow-stream/internal/router"
	"github.com/rickgao/tradeflow-stream/internal/subscription"
)

// ErrNoSymbol is returned when no trading symbol is configured.
var ErrNoSymbol = errors.New("no symbol selected")

// REST is the request/response collaborator.
type REST interface {
	orders.Source
	GetTicker(ctx context.Context, symbol string) (model.TickerSample, error)
	CreateOrder(ctx context.Context, req api.CreateOrderRequest) (model.OrderRecord, error)
	CancelOrder(ctx context.Context, orderID string) (model.OrderRecord, bool, error)
}

// Config holds session settings.
type Config struct {
	UserID         string // Empty disables the orders topic and order sync
	Symbol         string
	Manager        connection.ManagerConfig
	Candles        candles.Config
	Sync           orders.SyncConfig
	Poller         poller.Config
	HydrateTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Symbol:         "BTCUSDT",
		Manager:        connection.DefaultManagerConfig(),
		Candles:        candles.DefaultConfig(),
		Sync:           orders.DefaultSyncConfig(),
		Poller:         poller.DefaultConfig(),
		HydrateTimeout: 15 * time.Second,
	}
}

// Snapshot is a point-in-time view of everything the session tracks.
type Snapshot struct {
	State     model.ConnectionState
	Status    string
	LastError error
	Symbol    string
	Ticker    model.TickerSample
	HasTicker bool
	Trend     market.Trend
	Candles   []model.Candle
	Orderbook model.OrderbookSnapshot
	Orders    []model.OrderRecord
	Balances  []model.WalletBalance
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithObserver receives dispatch outcomes (metrics).
func WithObserver(o router.Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// WithOrderObserver receives the outcome of every order event.
func WithOrderObserver(fn func(orders.Outcome)) Option {
	return func(s *Session) {
		s.onOutcome = fn
	}
}

// Session owns the streaming client's components.
type Session struct {
	cfg       Config
	rest      REST
	logger    *slog.Logger
	observer  router.Observer
	onOutcome func(orders.Outcome)

	registry   *subscription.Registry
	dispatcher *router.Dispatcher
	manager    connection.Manager
	tickers    *market.TickerState
	reconciler *orders.Reconciler
	syncer     *orders.Syncer
	poller     *poller.Poller

	mu           sync.RWMutex
	symbol       string
	candles      *candles.Aggregator
	status       string
	wasConnected bool
}

// New builds a session. Nothing touches the network until Start.
func New(cfg Config, rest REST, opts ...Option) (*Session, error) {
	if rest == nil {
		return nil, errors.New("session: nil REST client")
	}
	symbol := normalizeSymbol(cfg.Symbol)
	if symbol == "" {
		return nil, ErrNoSymbol
	}

	s := &Session{
		cfg:    cfg,
		rest:   rest,
		logger: slog.Default(),
		symbol: symbol,
		status: "disconnected",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = subscription.NewRegistry(s.logger.With("component", "subscriptions"))
	s.dispatcher = router.NewDispatcher(s.registry, s.observer, s.logger.With("component", "dispatcher"))
	s.manager = connection.NewManager(cfg.Manager, s.registry, s.dispatcher, s.logger.With("component", "connection"))
	s.tickers = market.NewTickerState(s.logger.With("component", "market"))
	s.candles = candles.NewAggregator(cfg.Candles, s.logger.With("component", "candles"))
	s.reconciler = orders.NewReconciler(s.logger.With("component", "orders"))

	syncCfg := cfg.Sync
	syncCfg.UserID = cfg.UserID
	s.syncer = orders.NewSyncer(syncCfg, rest, s.reconciler, s.logger.With("component", "syncer"))

	var tasks []poller.Task
	if cfg.UserID != "" {
		tasks = append(tasks,
			poller.Task{Name: "orders", Run: s.syncer.Resync},
			poller.Task{Name: "balances", Run: s.syncer.RefreshBalances},
		)
	}
	s.poller = poller.New(cfg.Poller, tasks, s.logger.With("component", "poller"))

	s.manager.OnStateChange(s.onStateChange)
	return s, nil
}

// Start hydrates orders, balances and the current ticker over REST, then
// subscribes the session's topics and connects. Hydration failures are
// logged; the stream is still started.
func (s *Session) Start(ctx context.Context) error {
	s.hydrate(ctx)

	if err := s.manager.Start(ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}

	symbol := s.currentSymbol()
	if err := s.subscribeAll(symbol); err != nil {
		return err
	}

	if err := s.poller.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}

	s.logger.Info("session started",
		"symbol", symbol,
		"user_id", s.cfg.UserID,
	)
	return s.manager.Connect()
}

// Shutdown stops every component.
func (s *Session) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("connection manager: %w", err))
	}
	if err := s.poller.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("poller: %w", err))
	}
	if err := s.syncer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("syncer: %w", err))
	}
	return errors.Join(errs...)
}

// Connect starts a connection attempt; from Failed it restarts the backoff.
// The session's topics are re-issued since an explicit Disconnect drops them.
func (s *Session) Connect() error {
	if err := s.subscribeAll(s.currentSymbol()); err != nil {
		s.logger.Warn("resubscribe failed", "error", err)
	}
	return s.manager.Connect()
}

// Disconnect closes the connection and drops the active subscriptions.
func (s *Session) Disconnect() {
	s.manager.Disconnect()
}

// SetSymbol switches the market topics to symbol. The candle series starts
// over for the new symbol.
func (s *Session) SetSymbol(symbol string) error {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return ErrNoSymbol
	}

	s.mu.Lock()
	old := s.symbol
	if old == symbol {
		s.mu.Unlock()
		return nil
	}
	s.symbol = symbol
	s.candles = candles.NewAggregator(s.cfg.Candles, s.logger.With("component", "candles"))
	s.mu.Unlock()

	s.manager.Unsubscribe(router.TickerTopic(old))
	s.manager.Unsubscribe(router.OrderbookTopic(old))
	s.tickers.Forget(old)

	s.logger.Info("symbol changed", "from", old, "to", symbol)
	return s.subscribeSymbol(symbol)
}

// LoadHistory merges historical candles into the current series.
func (s *Session) LoadHistory(history []model.Candle) int {
	return s.currentCandles().Merge(history)
}

// PlaceOrder submits an order and records it locally.
func (s *Session) PlaceOrder(ctx context.Context, req api.CreateOrderRequest) (model.OrderRecord, error) {
	if req.UserID == "" {
		req.UserID = s.cfg.UserID
	}
	rec, err := s.rest.CreateOrder(ctx, req)
	if err != nil {
		return model.OrderRecord{}, err
	}

	s.reconciler.Upsert(rec)
	// Placing an order reserves funds.
	s.refreshBalances()
	return rec, nil
}

// CancelOrder cancels an order. When the service does not echo the order
// back, the list is resynced instead.
func (s *Session) CancelOrder(ctx context.Context, orderID string) error {
	rec, ok, err := s.rest.CancelOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if ok {
		s.reconciler.Upsert(rec)
	} else if s.cfg.UserID != "" {
		s.syncer.ScheduleResync()
	}
	s.refreshBalances()
	return nil
}

// Snapshot returns the current derived state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	symbol := s.symbol
	agg := s.candles
	status := s.status
	s.mu.RUnlock()

	snap := Snapshot{
		State:     s.manager.State(),
		Status:    status,
		LastError: s.manager.LastError(),
		Symbol:    symbol,
		Trend:     s.tickers.Trend(symbol),
		Candles:   agg.Candles(),
		Orders:    s.reconciler.Orders(),
		Balances:  s.syncer.Balances(),
	}
	snap.Ticker, snap.HasTicker = s.tickers.Ticker(symbol)
	snap.Orderbook, _ = s.tickers.Orderbook(symbol)
	return snap
}

// Manager exposes the connection manager for observers.
func (s *Session) Manager() connection.Manager {
	return s.manager
}

// Syncer exposes the order syncer for observers.
func (s *Session) Syncer() *orders.Syncer {
	return s.syncer
}

// Dispatcher exposes the message dispatcher for observers.
func (s *Session) Dispatcher() *router.Dispatcher {
	return s.dispatcher
}

func (s *Session) hydrate(ctx context.Context) {
	if s.cfg.HydrateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HydrateTimeout)
		defer cancel()
	}

	symbol := s.currentSymbol()

	var g errgroup.Group
	if s.cfg.UserID != "" {
		g.Go(func() error { return s.syncer.Resync(ctx) })
		g.Go(func() error { return s.syncer.RefreshBalances(ctx) })
	}
	g.Go(func() error {
		sample, err := s.rest.GetTicker(ctx, symbol)
		if err != nil {
			return err
		}
		s.handleTicker(symbol)(sample)
		return nil
	})

	if err := g.Wait(); err != nil {
		s.logger.Warn("initial hydration incomplete", "error", err)
	}
}

func (s *Session) subscribeAll(symbol string) error {
	if err := s.subscribeSymbol(symbol); err != nil {
		return err
	}
	if s.cfg.UserID == "" {
		return nil
	}
	topic := router.OrdersTopic(s.cfg.UserID)
	if err := s.manager.Subscribe(topic, router.OrderEventHandler(s.handleOrderEvent)); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (s *Session) subscribeSymbol(symbol string) error {
	tickerTopic := router.TickerTopic(symbol)
	if err := s.manager.Subscribe(tickerTopic, router.TickerHandler(s.handleTicker(symbol))); err != nil {
		return fmt.Errorf("subscribe %s: %w", tickerTopic, err)
	}

	bookTopic := router.OrderbookTopic(symbol)
	if err := s.manager.Subscribe(bookTopic, router.OrderbookHandler(symbol, s.handleOrderbook(symbol))); err != nil {
		return fmt.Errorf("subscribe %s: %w", bookTopic, err)
	}
	return nil
}

// handleTicker returns the consumer for symbol's ticker topic. Samples that
// arrive after the symbol changed are dropped.
func (s *Session) handleTicker(symbol string) func(model.TickerSample) {
	return func(sample model.TickerSample) {
		s.mu.RLock()
		current := s.symbol
		agg := s.candles
		s.mu.RUnlock()
		if current != symbol || normalizeSymbol(sample.Symbol) != symbol {
			return
		}

		s.tickers.Apply(sample)
		// The aggregator orders samples itself, so it also sees the ones
		// the ticker state rejects as older.
		agg.Apply(sample)
	}
}

func (s *Session) handleOrderbook(symbol string) func(model.OrderbookSnapshot) {
	return func(book model.OrderbookSnapshot) {
		if s.currentSymbol() != symbol {
			return
		}
		s.tickers.ApplyOrderbook(book)
	}
}

func (s *Session) handleOrderEvent(ev model.OrderEvent) {
	out := s.syncer.Handle(ev)
	if s.onOutcome != nil {
		s.onOutcome(out)
	}
}

// onStateChange runs on the manager's event loop and must not block.
func (s *Session) onStateChange(c connection.StateChange) {
	s.mu.Lock()
	s.status = c.Message
	reconnected := c.To == model.Connected && c.From != model.Connected && s.wasConnected
	if c.To == model.Connected {
		s.wasConnected = true
	}
	s.mu.Unlock()

	if reconnected {
		// Events published while we were away are gone; re-fetch.
		s.poller.Trigger()
	}
}

func (s *Session) refreshBalances() {
	if s.cfg.UserID != "" {
		s.syncer.ScheduleBalanceRefresh()
	}
}

func (s *Session) currentSymbol() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.symbol
}

func (s *Session) currentCandles() *candles.Aggregator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.candles
}

func normalizeSymbol(sym string) string {
	return strings.ToUpper(strings.TrimSpace(sym))
}
