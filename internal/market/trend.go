package market

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Trend is the direction of the last price move.
type Trend int

const (
	Neutral Trend = iota
	Up
	Down
)

func (t Trend) String() string {
	switch t {
	case Up:
		return "up"
	case Down:
		return "down"
	}
	return "neutral"
}

// TrendTracker derives a Trend from a stream of prices. It compares the
// two most recent distinct prices, so repeating a price keeps the current
// trend instead of resetting it.
type TrendTracker struct {
	mu       sync.Mutex
	prev     decimal.Decimal
	last     decimal.Decimal
	distinct int // distinct prices seen, capped at 2
}

// Update records price and returns the resulting trend.
func (t *TrendTracker) Update(price decimal.Decimal) Trend {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.distinct == 0:
		t.last = price
		t.distinct = 1
	case !price.Equal(t.last):
		t.prev = t.last
		t.last = price
		t.distinct = 2
	}
	return t.trendLocked()
}

// Trend returns the current trend without recording a price.
func (t *TrendTracker) Trend() Trend {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trendLocked()
}

// Reset forgets all prices.
func (t *TrendTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prev = decimal.Zero
	t.last = decimal.Zero
	t.distinct = 0
}

func (t *TrendTracker) trendLocked() Trend {
	if t.distinct < 2 {
		return Neutral
	}
	switch t.last.Cmp(t.prev) {
	case 1:
		return Up
	case -1:
		return Down
	}
	return Neutral
}
