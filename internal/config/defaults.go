package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL              = "http://localhost:8080/api"
	DefaultWSURL                = "ws://localhost:8080/ws/market"
	DefaultSymbol               = "BTCUSDT"
	DefaultAuthMode             = "header"
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultHeartbeat            = 10 * time.Second
	DefaultConnectTimeout       = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultReconnectBaseDelay   = 5 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultBufferSize           = 1000
	DefaultResyncInterval       = 5 * time.Minute
	DefaultResyncRate           = 1.0
	DefaultResyncBurst          = 1
	DefaultRequestTimeout       = 10 * time.Second
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultLogMaxSizeMB         = 100
	DefaultLogMaxBackups        = 5
	DefaultLogMaxAgeDays        = 28
)

// ApplyDefaults fills unset optional fields.
func (c *StreamConfig) ApplyDefaults() {
	if c.User.AuthMode == "" {
		c.User.AuthMode = DefaultAuthMode
	}

	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Stream defaults
	if c.Stream.WSURL == "" {
		c.Stream.WSURL = DefaultWSURL
	}
	if c.Stream.Symbol == "" {
		c.Stream.Symbol = DefaultSymbol
	}
	if c.Stream.HeartbeatOutgoing == 0 {
		c.Stream.HeartbeatOutgoing = DefaultHeartbeat
	}
	if c.Stream.HeartbeatIncoming == 0 {
		c.Stream.HeartbeatIncoming = DefaultHeartbeat
	}
	if c.Stream.ConnectTimeout == 0 {
		c.Stream.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Stream.WriteTimeout == 0 {
		c.Stream.WriteTimeout = DefaultWriteTimeout
	}
	if c.Stream.ReconnectBaseDelay == 0 {
		c.Stream.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Stream.MaxReconnectAttempts == 0 {
		c.Stream.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Stream.BufferSize == 0 {
		c.Stream.BufferSize = DefaultBufferSize
	}

	// Orders defaults
	if c.Orders.ResyncInterval == 0 {
		c.Orders.ResyncInterval = DefaultResyncInterval
	}
	if c.Orders.ResyncRate == 0 {
		c.Orders.ResyncRate = DefaultResyncRate
	}
	if c.Orders.ResyncBurst == 0 {
		c.Orders.ResyncBurst = DefaultResyncBurst
	}
	if c.Orders.RequestTimeout == 0 {
		c.Orders.RequestTimeout = DefaultRequestTimeout
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.File != "" {
		if c.Logging.MaxSizeMB == 0 {
			c.Logging.MaxSizeMB = DefaultLogMaxSizeMB
		}
		if c.Logging.MaxBackups == 0 {
			c.Logging.MaxBackups = DefaultLogMaxBackups
		}
		if c.Logging.MaxAgeDays == 0 {
			c.Logging.MaxAgeDays = DefaultLogMaxAgeDays
		}
	}
}
