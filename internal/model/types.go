package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Connection
// -----------------------------------------------------------------------------

// ConnectionState is the lifecycle state of the gateway connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// -----------------------------------------------------------------------------
// Market data
// -----------------------------------------------------------------------------

// TickerSample is a point-in-time price snapshot for one symbol.
// The latest sample replaces the prior one; Timestamp is the only ordering key.
type TickerSample struct {
	Symbol           string
	CoinID           string
	Price            decimal.Decimal
	High24h          decimal.Decimal
	Low24h           decimal.Decimal
	Volume24h        decimal.Decimal
	Change24h        decimal.Decimal
	ChangePercent24h decimal.Decimal
	Timestamp        time.Time // UTC
	Stale            bool      // Gateway marks data older than its freshness threshold
}

// Candle is one OHLC bar for a single day bucket.
type Candle struct {
	Bucket BucketKey
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal

	// Timestamps of the samples that set Open and Close. Zero for candles
	// merged from a history batch that carried no sample times.
	OpenTime  time.Time
	CloseTime time.Time
}

// PriceLevel is one row of an orderbook side.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Total    decimal.Decimal // Cumulative quantity up to this level
}

// OrderbookSnapshot is the full book pushed on the orderbook topic.
type OrderbookSnapshot struct {
	Symbol     string
	Bids       []PriceLevel // Descending by price
	Asks       []PriceLevel // Ascending by price
	ReceivedAt time.Time
}

// BestBid returns the top bid, if any.
func (o OrderbookSnapshot) BestBid() (PriceLevel, bool) {
	if len(o.Bids) == 0 {
		return PriceLevel{}, false
	}
	return o.Bids[0], true
}

// BestAsk returns the top ask, if any.
func (o OrderbookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(o.Asks) == 0 {
		return PriceLevel{}, false
	}
	return o.Asks[0], true
}

// -----------------------------------------------------------------------------
// Orders
// -----------------------------------------------------------------------------

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

const (
	StatusPendingValidation OrderStatus = "PENDING_VALIDATION"
	StatusOpen              OrderStatus = "OPEN"
	StatusPartiallyFilled   OrderStatus = "PARTIALLY_FILLED"
	StatusFilled            OrderStatus = "FILLED"
	StatusCancelled         OrderStatus = "CANCELLED"
	StatusRejected          OrderStatus = "REJECTED"
	StatusExpired           OrderStatus = "EXPIRED"
)

// IsFill reports whether the status means quantity was executed, which
// changes wallet balances.
func (s OrderStatus) IsFill() bool {
	return s == StatusFilled || s == StatusPartiallyFilled
}

// IsTerminal reports whether no further transitions are expected.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Side is BUY or SELL.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is LIMIT or MARKET.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderRecord is the locally held view of one order. Identity is OrderID.
type OrderRecord struct {
	OrderID        string
	UserID         string
	Symbol         string
	Side           Side
	Type           OrderType
	Price          *decimal.Decimal // nil for MARKET orders
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	Status         OrderStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time // Timestamp of the last applied event
}

// OrderEvent is a pushed order-status change. Never stored, only applied.
type OrderEvent struct {
	OrderID        string
	UserID         string
	Symbol         string
	Status         OrderStatus
	FilledQuantity decimal.Decimal
	Timestamp      time.Time
}

// -----------------------------------------------------------------------------
// Wallet
// -----------------------------------------------------------------------------

// WalletBalance is the balance of one currency.
type WalletBalance struct {
	Currency  string
	Available decimal.Decimal
	Reserved  decimal.Decimal
	Total     decimal.Decimal
}
