package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/tradeflow-stream/internal/auth"
	"github.com/rickgao/tradeflow-stream/internal/model"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrStaleConnection    = errors.New("connection stale (no heart-beat)")
	ErrTimeout            = errors.New("operation timeout")
	ErrAlreadyClosed      = errors.New("already closed")
	ErrUnexpectedFrame    = errors.New("unexpected frame during handshake")
	ErrReconnectExhausted = errors.New("unable to connect after maximum reconnect attempts, reconnect manually")
	ErrShutdown           = errors.New("manager shut down")
)

// BrokerError is an ERROR frame reported by the gateway.
type BrokerError struct {
	Message string
	Body    string
}

func (e *BrokerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("broker error: %s", e.Message)
	}
	return fmt.Sprintf("broker error: %s: %s", e.Message, e.Body)
}

// brokerError converts an ERROR frame.
func brokerError(f Frame) *BrokerError {
	return &BrokerError{Message: f.Header("message"), Body: string(f.Body)}
}

// TimestampedFrame wraps a decoded frame with its receive timestamp.
type TimestampedFrame struct {
	Frame      Frame
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a single gateway connection.
type ClientConfig struct {
	URL               string            // Gateway endpoint (e.g., ws://localhost:8080/ws/market)
	Host              string            // STOMP virtual host; defaults to the URL host
	Credentials       *auth.Credentials // Bearer credential for the upgrade (nil = anonymous)
	HeartbeatOutgoing time.Duration     // How often we can send heart-beats (0 = never)
	HeartbeatIncoming time.Duration     // How often we want server heart-beats (0 = never)
	ConnectTimeout    time.Duration     // Upgrade + CONNECTED deadline
	WriteTimeout      time.Duration     // Write deadline for sends
	BufferSize        int               // Frame channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HeartbeatOutgoing: 10 * time.Second,
		HeartbeatIncoming: 10 * time.Second,
		ConnectTimeout:    10 * time.Second,
		WriteTimeout:      5 * time.Second,
		BufferSize:        1000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Client               ClientConfig  // Settings for each dialed connection
	ReconnectBaseDelay   time.Duration // delay = base × attempt
	MaxReconnectAttempts int           // Consecutive failures before Failed
	EventQueueSize       int           // Initial capacity of the event queue
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:               DefaultClientConfig(),
		ReconnectBaseDelay:   5 * time.Second,
		MaxReconnectAttempts: 10,
		EventQueueSize:       1024,
	}
}

// StateChange is published on every connection state transition.
type StateChange struct {
	From    model.ConnectionState
	To      model.ConnectionState
	Attempt int    // Reconnect attempt number (0 when connected)
	Err     error  // Cause of the transition, if any
	Message string // Human-readable status for the presentation layer
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State               model.ConnectionState
	Attempt             int
	Connects            int64
	Reconnects          int64
	FramesReceived      int64
	BrokerErrors        int64
	ActiveSubscriptions int
	PendingSubscribes   int
}
