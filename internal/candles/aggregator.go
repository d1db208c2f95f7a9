// Package candles folds ticker samples into a daily OHLC series.
//
// The series is ordered ascending by bucket and holds at most one candle
// per bucket. Samples may arrive late, twice or out of order; the result
// depends only on the set of samples seen, never on their arrival order.
package candles

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rickgao/tradeflow-stream/internal/model"
)

// Config holds aggregator settings.
type Config struct {
	MaxCandles int // Oldest candles are evicted beyond this; 0 = unlimited
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{MaxCandles: 0}
}

// Aggregator owns the candle series for one symbol.
//
// Every change builds a new backing slice, so a slice returned by Candles
// is never modified afterwards and may be held by readers without copying.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	candles []model.Candle
	applied int64
	ignored int64
}

// NewAggregator creates an empty aggregator.
func NewAggregator(cfg Config, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{cfg: cfg, logger: logger}
}

// Apply folds one sample into its day bucket. Returns the resulting candle
// and whether the series changed. Re-applying a seen sample is a no-op.
func (a *Aggregator) Apply(s model.TickerSample) (model.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.apply(s)
}

// ApplyBatch applies samples in timestamp order, so a replayed batch gives
// the same series whatever order it was delivered in. Returns how many
// samples changed the series.
func (a *Aggregator) ApplyBatch(samples []model.TickerSample) int {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]model.TickerSample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	a.mu.Lock()
	defer a.mu.Unlock()

	changed := 0
	for _, s := range sorted {
		if _, ok := a.apply(s); ok {
			changed++
		}
	}
	return changed
}

// Merge upserts whole candles, e.g. history fetched on startup. Input is
// deduplicated by bucket (last one wins) and sorted before merging; a
// merged candle replaces any existing candle of the same bucket.
// Returns how many buckets changed.
func (a *Aggregator) Merge(history []model.Candle) int {
	if len(history) == 0 {
		return 0
	}

	byBucket := make(map[model.BucketKey]model.Candle, len(history))
	for _, c := range history {
		byBucket[c.Bucket] = c
	}
	incoming := make([]model.Candle, 0, len(byBucket))
	for _, c := range byBucket {
		incoming = append(incoming, c)
	}
	sort.Slice(incoming, func(i, j int) bool { return incoming[i].Bucket < incoming[j].Bucket })

	a.mu.Lock()
	defer a.mu.Unlock()

	next := make([]model.Candle, 0, len(a.candles)+len(incoming))
	changed := 0
	i, j := 0, 0
	for i < len(a.candles) || j < len(incoming) {
		switch {
		case j >= len(incoming) || (i < len(a.candles) && a.candles[i].Bucket < incoming[j].Bucket):
			next = append(next, a.candles[i])
			i++
		case i >= len(a.candles) || incoming[j].Bucket < a.candles[i].Bucket:
			next = append(next, incoming[j])
			changed++
			j++
		default:
			if !equalCandle(a.candles[i], incoming[j]) {
				changed++
			}
			next = append(next, incoming[j])
			i++
			j++
		}
	}

	if changed > 0 {
		a.candles = a.trim(next)
	}
	return changed
}

// Candles returns the current series. The slice must not be modified.
func (a *Aggregator) Candles() []model.Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.candles
}

// Last returns the newest candle.
func (a *Aggregator) Last() (model.Candle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.candles) == 0 {
		return model.Candle{}, false
	}
	return a.candles[len(a.candles)-1], true
}

// Len returns the number of candles.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.candles)
}

// Reset drops the series, e.g. when the symbol changes.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.candles = nil
	a.mu.Unlock()
}

// Stats returns applied and ignored sample counts.
func (a *Aggregator) Stats() (applied, ignored int64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.applied, a.ignored
}

// apply must be called with the lock held.
func (a *Aggregator) apply(s model.TickerSample) (model.Candle, bool) {
	if s.Timestamp.IsZero() {
		a.ignored++
		a.logger.Debug("ignoring sample without timestamp", "symbol", s.Symbol)
		return model.Candle{}, false
	}
	if !s.Price.IsPositive() {
		a.ignored++
		a.logger.Debug("ignoring sample without a price", "symbol", s.Symbol, "price", s.Price)
		return model.Candle{}, false
	}

	bucket := model.BucketOf(s.Timestamp)
	i := sort.Search(len(a.candles), func(i int) bool { return a.candles[i].Bucket >= bucket })

	if i < len(a.candles) && a.candles[i].Bucket == bucket {
		current := a.candles[i]
		updated := foldSample(current, s)
		if equalCandle(current, updated) {
			return current, false
		}
		next := make([]model.Candle, len(a.candles))
		copy(next, a.candles)
		next[i] = updated
		a.candles = next
		a.applied++
		return updated, true
	}

	fresh := model.Candle{
		Bucket:    bucket,
		Open:      s.Price,
		High:      s.Price,
		Low:       s.Price,
		Close:     s.Price,
		OpenTime:  s.Timestamp,
		CloseTime: s.Timestamp,
	}
	next := make([]model.Candle, 0, len(a.candles)+1)
	next = append(next, a.candles[:i]...)
	next = append(next, fresh)
	next = append(next, a.candles[i:]...)
	a.candles = a.trim(next)
	a.applied++
	return fresh, true
}

// foldSample applies one sample to a candle of the same bucket. Open moves
// only for a sample older than the current open; close moves for any sample
// not older than the current close.
func foldSample(c model.Candle, s model.TickerSample) model.Candle {
	earlier := !c.OpenTime.IsZero() && s.Timestamp.Before(c.OpenTime)
	later := c.CloseTime.IsZero() || !s.Timestamp.Before(c.CloseTime)

	if earlier {
		c.Open = s.Price
		c.OpenTime = s.Timestamp
	}
	if s.Price.GreaterThan(c.High) {
		c.High = s.Price
	}
	if s.Price.LessThan(c.Low) {
		c.Low = s.Price
	}
	if later {
		c.Close = s.Price
		c.CloseTime = s.Timestamp
	}
	return c
}

func (a *Aggregator) trim(series []model.Candle) []model.Candle {
	if a.cfg.MaxCandles > 0 && len(series) > a.cfg.MaxCandles {
		return series[len(series)-a.cfg.MaxCandles:]
	}
	return series
}

func equalCandle(x, y model.Candle) bool {
	return x.Bucket == y.Bucket &&
		x.Open.Equal(y.Open) &&
		x.High.Equal(y.High) &&
		x.Low.Equal(y.Low) &&
		x.Close.Equal(y.Close) &&
		x.OpenTime.Equal(y.OpenTime) &&
		x.CloseTime.Equal(y.CloseTime)
}

// NewCandle builds a candle from any supported time form: a calendar date
// string, an ISO-8601 string, a numeric epoch or a time.Time. All forms of
// one UTC day give the same bucket.
func NewCandle(t any, o, h, l, c decimal.Decimal) (model.Candle, error) {
	bucket, err := model.ParseBucketKey(t)
	if err != nil {
		return model.Candle{}, err
	}
	return model.Candle{Bucket: bucket, Open: o, High: h, Low: l, Close: c}, nil
}
