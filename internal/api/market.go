package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rickgao/tradeflow-stream/internal/model"
	"github.com/rickgao/tradeflow-stream/internal/router"
)

// GetTicker fetches the current ticker for a symbol. The response has the
// same shape as the ticker topic payload.
func (c *Client) GetTicker(ctx context.Context, symbol string) (model.TickerSample, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return model.TickerSample{}, fmt.Errorf("get ticker: empty symbol")
	}

	var raw json.RawMessage
	if err := c.get(ctx, "/market/ticker/"+url.PathEscape(symbol), nil, &raw); err != nil {
		return model.TickerSample{}, fmt.Errorf("get ticker %s: %w", symbol, err)
	}

	sample, err := router.ParseTicker(raw)
	if err != nil {
		return model.TickerSample{}, fmt.Errorf("get ticker %s: %w", symbol, err)
	}
	return sample, nil
}

// GetTickers fetches every ticker the market data service tracks.
// Malformed entries are skipped.
func (c *Client) GetTickers(ctx context.Context) ([]model.TickerSample, error) {
	var raws []json.RawMessage
	if err := c.get(ctx, "/market/tickers", nil, &raws); err != nil {
		return nil, fmt.Errorf("get tickers: %w", err)
	}

	out := make([]model.TickerSample, 0, len(raws))
	for _, raw := range raws {
		sample, err := router.ParseTicker(raw)
		if err != nil {
			c.logger.Warn("skipping malformed ticker", "error", err)
			continue
		}
		out = append(out, sample)
	}
	return out, nil
}
