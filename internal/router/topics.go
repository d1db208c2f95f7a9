package router

import "strings"

// Topic prefixes published by the gateway.
const (
	TickerPrefix    = "/topic/ticker/"
	OrderbookPrefix = "/topic/orderbook/"
	OrdersPrefix    = "/topic/orders/"
)

// TickerTopic returns the ticker topic for a symbol.
func TickerTopic(symbol string) string {
	return TickerPrefix + strings.ToLower(symbol)
}

// OrderbookTopic returns the orderbook topic for a symbol.
func OrderbookTopic(symbol string) string {
	return OrderbookPrefix + strings.ToLower(symbol)
}

// OrdersTopic returns the per-user order event topic.
func OrdersTopic(userID string) string {
	return OrdersPrefix + userID
}

// SymbolOf extracts the symbol segment of a ticker or orderbook topic.
func SymbolOf(topic string) (string, bool) {
	for _, p := range []string{TickerPrefix, OrderbookPrefix} {
		if s, ok := strings.CutPrefix(topic, p); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// ChannelOf returns the topic family ("ticker", "orderbook", "orders"), or
// "other" for anything else. Used as a low-cardinality label.
func ChannelOf(topic string) string {
	switch {
	case strings.HasPrefix(topic, TickerPrefix):
		return "ticker"
	case strings.HasPrefix(topic, OrderbookPrefix):
		return "orderbook"
	case strings.HasPrefix(topic, OrdersPrefix):
		return "orders"
	}
	return "other"
}
