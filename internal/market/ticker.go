package market

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/rickgao/tradeflow-stream/internal/model"
)

// Stats contains runtime statistics.
type Stats struct {
	TickersApplied    int64
	TickersRejected   int64
	OrderbooksApplied int64
	OrderbooksDropped int64
}

type symbolState struct {
	ticker    model.TickerSample
	hasTicker bool
	trend     TrendTracker
	book      model.OrderbookSnapshot
	hasBook   bool
}

// TickerState keeps the latest ticker sample and orderbook per symbol.
// Samples are ordered only by their timestamp. An older sample is rejected;
// one with the current timestamp is accepted only when its price differs,
// since the feed stamps at second resolution.
type TickerState struct {
	logger *slog.Logger

	mu      sync.RWMutex
	symbols map[string]*symbolState
	stats   Stats
}

// NewTickerState creates an empty TickerState.
func NewTickerState(logger *slog.Logger) *TickerState {
	if logger == nil {
		logger = slog.Default()
	}
	return &TickerState{
		logger:  logger,
		symbols: make(map[string]*symbolState),
	}
}

// Apply installs s if it is newer than the current sample for its symbol,
// or carries the same timestamp with a new price, and updates the trend.
// Reports whether the sample was accepted.
func (ts *TickerState) Apply(s model.TickerSample) bool {
	key := normalize(s.Symbol)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	st := ts.stateLocked(key)
	if st.hasTicker && !supersedes(s, st.ticker) {
		ts.stats.TickersRejected++
		ts.logger.Debug("rejecting out-of-order ticker",
			"symbol", key,
			"timestamp", s.Timestamp,
			"current", st.ticker.Timestamp,
		)
		return false
	}

	st.ticker = s
	st.hasTicker = true
	st.trend.Update(s.Price)
	ts.stats.TickersApplied++
	return true
}

func supersedes(s, current model.TickerSample) bool {
	if s.Timestamp.Equal(current.Timestamp) {
		return !s.Price.Equal(current.Price)
	}
	return s.Timestamp.After(current.Timestamp)
}

// ApplyOrderbook installs snap as the latest book for its symbol. A
// snapshot received before the current one is dropped.
func (ts *TickerState) ApplyOrderbook(snap model.OrderbookSnapshot) bool {
	key := normalize(snap.Symbol)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	st := ts.stateLocked(key)
	if st.hasBook && snap.ReceivedAt.Before(st.book.ReceivedAt) {
		ts.stats.OrderbooksDropped++
		return false
	}
	st.book = snap
	st.hasBook = true
	ts.stats.OrderbooksApplied++
	return true
}

// Ticker returns the latest sample for symbol.
func (ts *TickerState) Ticker(symbol string) (model.TickerSample, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	st, ok := ts.symbols[normalize(symbol)]
	if !ok || !st.hasTicker {
		return model.TickerSample{}, false
	}
	return st.ticker, true
}

// Trend returns the trend for symbol; Neutral when unknown.
func (ts *TickerState) Trend(symbol string) Trend {
	ts.mu.RLock()
	st, ok := ts.symbols[normalize(symbol)]
	ts.mu.RUnlock()
	if !ok {
		return Neutral
	}
	return st.trend.Trend()
}

// Orderbook returns the latest orderbook for symbol.
func (ts *TickerState) Orderbook(symbol string) (model.OrderbookSnapshot, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	st, ok := ts.symbols[normalize(symbol)]
	if !ok || !st.hasBook {
		return model.OrderbookSnapshot{}, false
	}
	return st.book, true
}

// Symbols returns the known symbols, sorted.
func (ts *TickerState) Symbols() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]string, 0, len(ts.symbols))
	for sym := range ts.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Forget drops everything held for symbol.
func (ts *TickerState) Forget(symbol string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.symbols, normalize(symbol))
}

// Stats returns current statistics.
func (ts *TickerState) Stats() Stats {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.stats
}

func (ts *TickerState) stateLocked(key string) *symbolState {
	st, ok := ts.symbols[key]
	if !ok {
		st = &symbolState{}
		ts.symbols[key] = st
	}
	return st
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
