package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *StreamConfig) Validate() error {
	switch strings.ToLower(c.User.AuthMode) {
	case "header", "subprotocol", "query":
	default:
		return fmt.Errorf("user.auth_mode must be header, subprotocol or query, got %q", c.User.AuthMode)
	}

	if err := validateURL("api.rest_url", c.API.RestURL, "http", "https"); err != nil {
		return err
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}
	if c.API.RateLimit < 0 {
		return errors.New("api.rate_limit must be >= 0")
	}

	if err := validateURL("stream.ws_url", c.Stream.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if strings.TrimSpace(c.Stream.Symbol) == "" {
		return errors.New("stream.symbol is required")
	}
	if c.Stream.ReconnectBaseDelay <= 0 {
		return errors.New("stream.reconnect_base_delay must be > 0")
	}
	if c.Stream.MaxReconnectAttempts < 1 {
		return errors.New("stream.max_reconnect_attempts must be >= 1")
	}
	if c.Stream.HeartbeatOutgoing < 0 || c.Stream.HeartbeatIncoming < 0 {
		return errors.New("stream heart-beat intervals must be >= 0")
	}
	if c.Stream.BufferSize < 1 {
		return errors.New("stream.buffer_size must be >= 1")
	}

	if c.Candles.MaxCandles < 0 {
		return errors.New("candles.max_candles must be >= 0")
	}

	if c.Orders.ResyncInterval < 0 {
		return errors.New("orders.resync_interval must be >= 0")
	}
	if c.Orders.ResyncBurst < 1 {
		return errors.New("orders.resync_burst must be >= 1")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use %s, got %q", field, strings.Join(schemes, " or "), u.Scheme)
}
