package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/tradeflow-stream/internal/model"
	"github.com/rickgao/tradeflow-stream/internal/subscription"
)

// ErrMissingField is returned when a required wire field is absent.
var ErrMissingField = errors.New("missing required field")

// tickerWire is the JSON pushed on /topic/ticker/{symbol}.
// Prices arrive as decimal strings; decimal also accepts bare numbers.
// Price is nullable so an absent field is told apart from zero.
type tickerWire struct {
	Symbol           string              `json:"symbol"`
	CoinID           string              `json:"coinId"`
	Price            decimal.NullDecimal `json:"price"`
	Change24h        decimal.Decimal     `json:"change24h"`
	ChangePercent24h decimal.Decimal     `json:"changePercent24h"`
	High24h          decimal.Decimal     `json:"high24h"`
	Low24h           decimal.Decimal     `json:"low24h"`
	Volume24h        decimal.Decimal     `json:"volume24h"`
	Timestamp        json.RawMessage     `json:"timestamp"`
	Stale            bool                `json:"stale"`
}

type priceLevelWire struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Total    decimal.Decimal `json:"total"`
}

// orderbookWire is the JSON pushed on /topic/orderbook/{symbol}.
type orderbookWire struct {
	Bids []priceLevelWire `json:"bids"`
	Asks []priceLevelWire `json:"asks"`
}

// orderEventWire is the JSON pushed on /topic/orders/{userId}.
type orderEventWire struct {
	OrderID        string          `json:"orderId"`
	UserID         string          `json:"userId"`
	Symbol         string          `json:"symbol"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	Timestamp      json.RawMessage `json:"timestamp"`
}

// ParseTicker decodes a ticker body.
func ParseTicker(body []byte) (model.TickerSample, error) {
	var w tickerWire
	if err := json.Unmarshal(body, &w); err != nil {
		return model.TickerSample{}, fmt.Errorf("decode ticker: %w", err)
	}
	if w.Symbol == "" {
		return model.TickerSample{}, fmt.Errorf("ticker: %w: symbol", ErrMissingField)
	}
	if !w.Price.Valid {
		return model.TickerSample{}, fmt.Errorf("ticker %s: %w: price", w.Symbol, ErrMissingField)
	}
	ts, err := model.ParseTimestamp(w.Timestamp)
	if err != nil {
		return model.TickerSample{}, fmt.Errorf("ticker %s: %w", w.Symbol, err)
	}

	return model.TickerSample{
		Symbol:           strings.ToUpper(w.Symbol),
		CoinID:           w.CoinID,
		Price:            w.Price.Decimal,
		High24h:          w.High24h,
		Low24h:           w.Low24h,
		Volume24h:        w.Volume24h,
		Change24h:        w.Change24h,
		ChangePercent24h: w.ChangePercent24h,
		Timestamp:        ts,
		Stale:            w.Stale,
	}, nil
}

// ParseOrderbook decodes an orderbook body.
func ParseOrderbook(symbol string, body []byte, receivedAt time.Time) (model.OrderbookSnapshot, error) {
	var w orderbookWire
	if err := json.Unmarshal(body, &w); err != nil {
		return model.OrderbookSnapshot{}, fmt.Errorf("decode orderbook: %w", err)
	}
	return model.OrderbookSnapshot{
		Symbol:     strings.ToUpper(symbol),
		Bids:       convertLevels(w.Bids),
		Asks:       convertLevels(w.Asks),
		ReceivedAt: receivedAt,
	}, nil
}

// ParseOrderEvent decodes an order event body.
func ParseOrderEvent(body []byte) (model.OrderEvent, error) {
	var w orderEventWire
	if err := json.Unmarshal(body, &w); err != nil {
		return model.OrderEvent{}, fmt.Errorf("decode order event: %w", err)
	}
	if w.OrderID == "" {
		return model.OrderEvent{}, fmt.Errorf("order event: %w: orderId", ErrMissingField)
	}
	if w.Status == "" {
		return model.OrderEvent{}, fmt.Errorf("order event %s: %w: status", w.OrderID, ErrMissingField)
	}

	ev := model.OrderEvent{
		OrderID:        w.OrderID,
		UserID:         w.UserID,
		Symbol:         w.Symbol,
		Status:         model.OrderStatus(strings.ToUpper(w.Status)),
		FilledQuantity: w.FilledQuantity,
	}
	// Older gateways omit the timestamp; such events are applied unordered.
	if len(w.Timestamp) > 0 && string(w.Timestamp) != "null" {
		ts, err := model.ParseTimestamp(w.Timestamp)
		if err != nil {
			return model.OrderEvent{}, fmt.Errorf("order event %s: %w", w.OrderID, err)
		}
		ev.Timestamp = ts
	}
	return ev, nil
}

// TickerHandler adapts a typed ticker consumer to a topic handler.
func TickerHandler(fn func(model.TickerSample)) subscription.Handler {
	return func(body []byte) error {
		s, err := ParseTicker(body)
		if err != nil {
			return err
		}
		fn(s)
		return nil
	}
}

// OrderbookHandler adapts a typed orderbook consumer for one symbol.
func OrderbookHandler(symbol string, fn func(model.OrderbookSnapshot)) subscription.Handler {
	return func(body []byte) error {
		ob, err := ParseOrderbook(symbol, body, time.Now())
		if err != nil {
			return err
		}
		fn(ob)
		return nil
	}
}

// OrderEventHandler adapts a typed order event consumer.
func OrderEventHandler(fn func(model.OrderEvent)) subscription.Handler {
	return func(body []byte) error {
		ev, err := ParseOrderEvent(body)
		if err != nil {
			return err
		}
		fn(ev)
		return nil
	}
}

func convertLevels(in []priceLevelWire) []model.PriceLevel {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.PriceLevel, len(in))
	for i, l := range in {
		out[i] = model.PriceLevel{Price: l.Price, Quantity: l.Quantity, Total: l.Total}
	}
	return out
}
