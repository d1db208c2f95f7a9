package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/rickgao/tradeflow-stream/internal/model"
)

// Source is the request/response collaborator holding the authoritative
// order list and wallet balances.
type Source interface {
	GetUserOrders(ctx context.Context, userID string) ([]model.OrderRecord, error)
	GetBalances(ctx context.Context, userID string) ([]model.WalletBalance, error)
}

// SyncConfig holds Syncer settings.
type SyncConfig struct {
	UserID      string
	ResyncRate  float64       // Max resync requests per second; 0 = unlimited
	ResyncBurst int           // Limiter burst
	Timeout     time.Duration // Per-request timeout
}

// DefaultSyncConfig returns default configuration.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		ResyncRate:  1,
		ResyncBurst: 1,
		Timeout:     10 * time.Second,
	}
}

// SyncStats contains runtime statistics.
type SyncStats struct {
	Resyncs          int64
	BalanceRefreshes int64
	Coalesced        int64
	Failures         int64
	LastResync       time.Time
}

// Syncer feeds order events into a Reconciler and performs the resync and
// balance refresh they call for. Concurrent requests coalesce: while one
// resync is in flight, further triggers share it instead of issuing more
// requests.
type Syncer struct {
	cfg        SyncConfig
	src        Source
	reconciler *Reconciler
	limiter    *rate.Limiter
	logger     *slog.Logger

	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	resyncPending   bool
	balancesPending bool
	balances        []model.WalletBalance
	stats           SyncStats
}

// NewSyncer creates a Syncer.
func NewSyncer(cfg SyncConfig, src Source, reconciler *Reconciler, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.ResyncRate > 0 {
		limit = rate.Limit(cfg.ResyncRate)
	}
	burst := cfg.ResyncBurst
	if burst < 1 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		cfg:        cfg,
		src:        src,
		reconciler: reconciler,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Handle applies one pushed event and schedules whatever follow-up work it
// requires. It never blocks on the network.
func (s *Syncer) Handle(ev model.OrderEvent) Outcome {
	out := s.reconciler.Apply(ev)
	if out.ResyncRequired {
		s.ScheduleResync()
	}
	if out.BalancesStale {
		s.ScheduleBalanceRefresh()
	}
	return out
}

// Resync re-fetches the order list and installs it. Callers arriving while
// a resync is running wait for it and share its result.
func (s *Syncer) Resync(ctx context.Context) error {
	_, err, shared := s.group.Do("orders", func() (any, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		reqCtx, cancel := s.requestContext(ctx)
		defer cancel()

		orders, err := s.src.GetUserOrders(reqCtx, s.cfg.UserID)
		if err != nil {
			return nil, fmt.Errorf("fetch orders: %w", err)
		}

		out := s.reconciler.Replace(orders)

		s.mu.Lock()
		s.stats.Resyncs++
		s.stats.LastResync = time.Now()
		s.mu.Unlock()

		s.logger.Info("orders resynced", "count", len(orders))
		if out.BalancesStale {
			s.ScheduleBalanceRefresh()
		}
		return nil, nil
	})
	s.record(err, shared)
	return err
}

// RefreshBalances re-fetches wallet balances.
func (s *Syncer) RefreshBalances(ctx context.Context) error {
	_, err, shared := s.group.Do("balances", func() (any, error) {
		reqCtx, cancel := s.requestContext(ctx)
		defer cancel()

		balances, err := s.src.GetBalances(reqCtx, s.cfg.UserID)
		if err != nil {
			return nil, fmt.Errorf("fetch balances: %w", err)
		}

		s.mu.Lock()
		s.balances = balances
		s.stats.BalanceRefreshes++
		s.mu.Unlock()

		s.logger.Debug("balances refreshed", "currencies", len(balances))
		return nil, nil
	})
	s.record(err, shared)
	return err
}

// Balances returns the last fetched balances. The slice must not be modified.
func (s *Syncer) Balances() []model.WalletBalance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances
}

// Stats returns current statistics.
func (s *Syncer) Stats() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Wait blocks until background work scheduled so far has finished.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

// Stop cancels background work and waits for it.
func (s *Syncer) Stop(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("syncer stop timed out")
		return ctx.Err()
	}
}

// ScheduleResync starts a background resync unless one is already pending.
func (s *Syncer) ScheduleResync() {
	s.mu.Lock()
	if s.resyncPending {
		s.stats.Coalesced++
		s.mu.Unlock()
		return
	}
	s.resyncPending = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Resync(s.ctx); err != nil {
			s.logger.Warn("order resync failed", "error", err)
		}
		s.mu.Lock()
		s.resyncPending = false
		s.mu.Unlock()
	}()
}

// ScheduleBalanceRefresh starts a background balance refresh unless one is
// already pending.
func (s *Syncer) ScheduleBalanceRefresh() {
	s.mu.Lock()
	if s.balancesPending {
		s.stats.Coalesced++
		s.mu.Unlock()
		return
	}
	s.balancesPending = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.RefreshBalances(s.ctx); err != nil {
			s.logger.Warn("balance refresh failed", "error", err)
		}
		s.mu.Lock()
		s.balancesPending = false
		s.mu.Unlock()
	}()
}

func (s *Syncer) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Syncer) record(err error, shared bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if shared {
		s.stats.Coalesced++
	}
	if err != nil {
		s.stats.Failures++
	}
}
