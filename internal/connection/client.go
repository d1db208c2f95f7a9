package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tradeflow-stream/internal/version"
)

// Client represents a single STOMP-over-websocket connection to the gateway.
type Client interface {
	// Connect upgrades the connection and completes the STOMP handshake.
	Connect(ctx context.Context) error

	// Close sends DISCONNECT and closes the connection. Safe to call twice.
	Close() error

	// Send writes one frame to the connection.
	Send(f Frame) error

	// Frames returns a channel of ALL decoded frames after the handshake.
	// Each frame includes a local timestamp for when it was received.
	Frames() <-chan TimestampedFrame

	// Errors returns a channel of connection errors.
	Errors() <-chan error

	// IsConnected returns current connection state.
	IsConnected() bool
}

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	// Output channels
	frames chan TimestampedFrame
	errors chan error
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	connected  bool
	closed     bool
	lastReadAt time.Time

	// Negotiated heart-beat intervals (0 = disabled)
	sendEvery time.Duration
	readEvery time.Duration
}

// NewClient creates a new gateway client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}

	return &client{
		cfg:    cfg,
		logger: logger,
		frames: make(chan TimestampedFrame, cfg.BufferSize),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Connect establishes the websocket connection and performs CONNECT/CONNECTED.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	// Credentials travel in the upgrade request, never in a frame body.
	dialURL, header, protocols, err := c.cfg.Credentials.Handshake(c.cfg.URL)
	if err != nil {
		return err
	}
	header.Set("Accept", "application/json")
	header.Set("User-Agent", version.UserAgent())

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.ConnectTimeout,
		Subprotocols:     protocols,
	}

	conn, _, err := dialer.DialContext(ctx, dialURL, header)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastReadAt = time.Now()
	c.mu.Unlock()

	// Websocket-level pings also count as liveness.
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	// Start goroutines
	go c.readLoop()
	if c.sendEvery > 0 || c.readEvery > 0 {
		go c.heartbeatLoop()
	}

	c.logger.Debug("gateway connected",
		"url", c.cfg.URL,
		"heartbeat_send", c.sendEvery,
		"heartbeat_read", c.readEvery,
	)

	return nil
}

// handshake sends CONNECT and waits for CONNECTED.
func (c *client) handshake(conn *websocket.Conn) error {
	host := c.cfg.Host
	if host == "" {
		if u, err := url.Parse(c.cfg.URL); err == nil {
			host = u.Hostname()
		}
	}

	connect := NewFrame(CmdConnect,
		"accept-version", "1.2",
		"host", host,
		"heart-beat", formatHeartbeat(c.cfg.HeartbeatOutgoing, c.cfg.HeartbeatIncoming),
	)

	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, connect.Marshal()); err != nil {
		return fmt.Errorf("send CONNECT: %w", err)
	}

	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrTimeout
			}
			return fmt.Errorf("await CONNECTED: %w", err)
		}

		f, err := ParseFrame(data)
		if errors.Is(err, ErrHeartbeat) {
			continue
		}
		if err != nil {
			return fmt.Errorf("await CONNECTED: %w", err)
		}

		switch f.Command {
		case CmdConnected:
			sx, sy := parseHeartbeat(f.Header("heart-beat"))
			c.sendEvery = negotiate(c.cfg.HeartbeatOutgoing, sy)
			c.readEvery = negotiate(c.cfg.HeartbeatIncoming, sx)
			return nil
		case CmdError:
			return brokerError(f)
		default:
			return fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Command)
		}
	}
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	wasConnected := c.connected
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	// Signal goroutines to stop
	close(c.done)

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	if wasConnected {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteMessage(websocket.TextMessage, NewFrame(CmdDisconnect).Marshal())
	}
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	return conn.Close()
}

// Send writes a frame to the connection.
func (c *client) Send(f Frame) error {
	return c.write(f.Marshal())
}

func (c *client) write(data []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Frames returns the frames channel.
func (c *client) Frames() <-chan TimestampedFrame {
	return c.frames
}

// Errors returns the errors channel.
func (c *client) Errors() <-chan error {
	return c.errors
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastReadAt = time.Now()
	c.mu.Unlock()
}

// reportError publishes the first fatal error; later ones are dropped.
func (c *client) reportError(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	select {
	case c.errors <- err:
	default:
	}
}

// readLoop reads frames from the websocket and sends them to the frames channel.
func (c *client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-c.done:
				return
			default:
				c.reportError(err)
				return
			}
		}

		c.touch()

		f, err := ParseFrame(data)
		if errors.Is(err, ErrHeartbeat) {
			continue
		}
		if err != nil {
			// One bad frame never takes the connection down.
			c.logger.Warn("dropping malformed frame", "error", err, "bytes", len(data))
			continue
		}

		select {
		case c.frames <- TimestampedFrame{Frame: f, ReceivedAt: receivedAt}:
		case <-c.done:
			return
		}
	}
}

// heartbeatLoop sends heart-beats and monitors for stale connections.
func (c *client) heartbeatLoop() {
	interval := c.sendEvery
	if interval == 0 || (c.readEvery > 0 && c.readEvery < interval) {
		interval = c.readEvery
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastSent time.Time
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if c.sendEvery > 0 && now.Sub(lastSent) >= c.sendEvery {
				if err := c.write([]byte{'\n'}); err != nil {
					c.logger.Debug("failed to send heart-beat", "error", err)
				}
				lastSent = now
			}

			if c.readEvery == 0 {
				continue
			}

			c.mu.RLock()
			lastRead := c.lastReadAt
			c.mu.RUnlock()

			// Allow one missed beat before declaring the connection stale.
			if time.Since(lastRead) > 2*c.readEvery {
				c.logger.Warn("no heart-beat received, connection stale",
					"last_read", lastRead,
					"expected_every", c.readEvery,
				)
				c.reportError(ErrStaleConnection)
				return
			}
		}
	}
}

func formatHeartbeat(send, recv time.Duration) string {
	return strconv.FormatInt(send.Milliseconds(), 10) + "," + strconv.FormatInt(recv.Milliseconds(), 10)
}

// parseHeartbeat reads a "sx,sy" heart-beat header in milliseconds.
func parseHeartbeat(h string) (time.Duration, time.Duration) {
	a, b, ok := strings.Cut(h, ",")
	if !ok {
		return 0, 0
	}
	x, err1 := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	y, err2 := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if err1 != nil || err2 != nil || x < 0 || y < 0 {
		return 0, 0
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond
}

// negotiate applies the STOMP rule: disabled if either side is 0, else the max.
func negotiate(ours, theirs time.Duration) time.Duration {
	if ours == 0 || theirs == 0 {
		return 0
	}
	if theirs > ours {
		return theirs
	}
	return ours
}
