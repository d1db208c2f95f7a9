package config

import "time"

// StreamConfig is the root configuration for a streaming client.
type StreamConfig struct {
	User    UserConfig    `yaml:"user"`
	API     APIConfig     `yaml:"api"`
	Stream  StreamSection `yaml:"stream"`
	Candles CandlesConfig `yaml:"candles"`
	Orders  OrdersConfig  `yaml:"orders"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// UserConfig identifies the trader. ID may be left empty when the token
// carries a userId claim.
type UserConfig struct {
	ID        string `yaml:"id"`
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"` // Read when Token is empty
	AuthMode  string `yaml:"auth_mode"`  // header | subprotocol | query
}

// APIConfig holds REST gateway settings.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RateLimit  float64       `yaml:"rate_limit"` // Requests per second; 0 = unlimited
	RateBurst  int           `yaml:"rate_burst"`
}

// StreamSection holds websocket/STOMP connection settings.
type StreamSection struct {
	WSURL                string        `yaml:"ws_url"`
	Host                 string        `yaml:"host"`
	Symbol               string        `yaml:"symbol"`
	HeartbeatOutgoing    time.Duration `yaml:"heartbeat_outgoing"`
	HeartbeatIncoming    time.Duration `yaml:"heartbeat_incoming"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	BufferSize           int           `yaml:"buffer_size"`
}

// CandlesConfig holds candle aggregator settings.
type CandlesConfig struct {
	MaxCandles int `yaml:"max_candles"` // 0 = unlimited
}

// OrdersConfig holds order resync settings.
type OrdersConfig struct {
	ResyncInterval time.Duration `yaml:"resync_interval"`
	ResyncRate     float64       `yaml:"resync_rate"`
	ResyncBurst    int           `yaml:"resync_burst"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LoggingConfig holds log output settings. An empty File logs to stdout.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug | info | warn | error
	Format     string `yaml:"format"` // text | json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}
