package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tradeflow-stream/internal/model"
	"github.com/rickgao/tradeflow-stream/internal/router"
	"github.com/rickgao/tradeflow-stream/internal/subscription"
)

// ErrNotStarted is returned by Connect before Start.
var ErrNotStarted = errors.New("manager not started")

// Manager owns the gateway connection lifecycle.
type Manager interface {
	// Start launches the event loop. It does not connect.
	Start(ctx context.Context) error

	// Shutdown disconnects and stops the event loop.
	Shutdown(ctx context.Context) error

	// Connect starts a connection attempt. No-op while connecting,
	// connected or reconnecting. From Failed it starts over.
	Connect() error

	// Disconnect tears down the transport, cancels any pending reconnect
	// and clears active subscriptions. Safe to call repeatedly.
	Disconnect()

	// Subscribe registers a topic handler; queued until connected.
	Subscribe(topic string, h subscription.Handler) error

	// Unsubscribe removes a topic. Unknown topics are ignored.
	Unsubscribe(topic string)

	// OnStateChange registers a listener. Listeners run on the event loop
	// in transition order and must not block.
	OnStateChange(fn func(StateChange))

	State() model.ConnectionState
	LastError() error
	Stats() ManagerStats
}

// MessageSink receives every MESSAGE frame.
type MessageSink interface {
	Dispatch(msg router.Message) error
}

// timer is the pending reconnect handle.
type timer interface {
	Stop() bool
}

type eventKind int

const (
	evDialed eventKind = iota
	evFrame
	evTransportError
	evTimer
	evNotify
)

// event is one entry of the manager's single event stream.
type event struct {
	kind   eventKind
	gen    uint64
	client Client
	frame  TimestampedFrame
	err    error
	change StateChange
}

// liveConn is the connection currently owned by the manager.
type liveConn struct {
	client Client
	stop   chan struct{}
}

// manager implements the Manager interface.
type manager struct {
	cfg      ManagerConfig
	registry *subscription.Registry
	sink     MessageSink
	logger   *slog.Logger

	// Injectable for tests.
	newClient func(ClientConfig, *slog.Logger) Client
	afterFunc func(time.Duration, func()) timer

	events *router.EventQueue[event]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	state   model.ConnectionState
	attempt int
	gen     uint64 // bumped on every dial and teardown; stale events are dropped
	conn    *liveConn
	timer   timer
	lastErr error

	// Counters (guarded by mu)
	connects     int64
	reconnects   int64
	frames       int64
	brokerErrors int64

	listenersMu sync.RWMutex
	listeners   []func(StateChange)
}

// NewManager creates a Connection Manager. Frames for active topics are
// looked up in registry and delivered to sink.
func NewManager(cfg ManagerConfig, registry *subscription.Registry, sink MessageSink, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = subscription.NewRegistry(logger)
	}

	return &manager{
		cfg:       cfg,
		registry:  registry,
		sink:      sink,
		logger:    logger,
		newClient: NewClient,
		afterFunc: func(d time.Duration, f func()) timer { return time.AfterFunc(d, f) },
		events:    router.NewEventQueue[event](cfg.EventQueueSize),
		state:     model.Disconnected,
	}
}

// Start launches the event loop.
func (m *manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrShutdown
	}
	if m.started {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	m.wg.Add(1)
	go m.eventLoop()

	m.logger.Info("connection manager started",
		"url", m.cfg.Client.URL,
		"reconnect_base_delay", m.cfg.ReconnectBaseDelay,
		"max_reconnect_attempts", m.cfg.MaxReconnectAttempts,
	)
	return nil
}

// Shutdown disconnects and waits for the event loop.
func (m *manager) Shutdown(ctx context.Context) error {
	m.logger.Info("stopping connection manager")
	m.Disconnect()

	m.mu.Lock()
	m.stopped = true
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.events.Close()

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("connection manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
		return ctx.Err()
	}
}

// Connect starts a connection attempt if none is in progress.
func (m *manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrShutdown
	}
	if !m.started {
		return ErrNotStarted
	}

	switch m.state {
	case model.Connecting, model.Connected, model.Reconnecting:
		return nil
	case model.Failed:
		// Manual intervention: start a fresh backoff sequence.
		m.attempt = 0
	}

	m.transition(model.Connecting, nil, "connecting")
	m.dial()
	return nil
}

// Disconnect tears everything down synchronously.
func (m *manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTimer()
	m.gen++
	m.teardown()
	m.registry.Reset()
	m.attempt = 0

	if m.state != model.Disconnected {
		m.transition(model.Disconnected, nil, "disconnected")
	}
}

func (m *manager) Subscribe(topic string, h subscription.Handler) error {
	return m.registry.Subscribe(topic, h)
}

func (m *manager) Unsubscribe(topic string) {
	m.registry.Unsubscribe(topic)
}

func (m *manager) OnStateChange(fn func(StateChange)) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

func (m *manager) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	active, pending := m.registry.Len()

	m.mu.Lock()
	defer m.mu.Unlock()

	return ManagerStats{
		State:               m.state,
		Attempt:             m.attempt,
		Connects:            m.connects,
		Reconnects:          m.reconnects,
		FramesReceived:      m.frames,
		BrokerErrors:        m.brokerErrors,
		ActiveSubscriptions: active,
		PendingSubscribes:   pending,
	}
}

// eventLoop is the single consumer of the event stream.
func (m *manager) eventLoop() {
	defer m.wg.Done()

	for {
		ev, ok := m.events.Next()
		if !ok {
			return
		}

		switch ev.kind {
		case evDialed:
			m.handleDialed(ev)
		case evFrame:
			m.handleFrame(ev)
		case evTransportError:
			m.handleTransportError(ev)
		case evTimer:
			m.handleTimer(ev)
		case evNotify:
			m.notify(ev.change)
		}
	}
}

func (m *manager) handleDialed(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stale := ev.gen != m.gen || (m.state != model.Connecting && m.state != model.Reconnecting)
	if stale {
		if ev.err == nil {
			ev.client.Close()
		}
		return
	}

	if ev.err != nil {
		m.logger.Warn("connection attempt failed",
			"attempt", m.attempt+1,
			"error", ev.err,
		)
		m.lastErr = ev.err
		m.scheduleRetry(ev.err)
		return
	}

	reconnected := m.state == model.Reconnecting
	m.conn = &liveConn{client: ev.client, stop: make(chan struct{})}
	m.attempt = 0
	m.lastErr = nil
	m.connects++
	if reconnected {
		m.reconnects++
	}

	m.wg.Add(1)
	go m.pump(m.gen, m.conn)

	m.transition(model.Connected, nil, "connected")

	// Replay under the manager lock so a concurrent Disconnect cannot
	// detach the registry halfway through.
	n := m.registry.Replay(clientActivator{ev.client})
	m.logger.Info("gateway connected",
		"reconnected", reconnected,
		"subscriptions_replayed", n,
	)
}

func (m *manager) handleFrame(ev event) {
	m.mu.Lock()
	if ev.gen != m.gen || m.state != model.Connected {
		m.mu.Unlock()
		return
	}
	m.frames++
	f := ev.frame.Frame

	switch f.Command {
	case CmdMessage:
		m.mu.Unlock()
		if m.sink != nil {
			// Errors are logged and counted by the sink.
			_ = m.sink.Dispatch(router.Message{
				Topic:          f.Destination(),
				SubscriptionID: f.Header("subscription"),
				Body:           f.Body,
				ReceivedAt:     ev.frame.ReceivedAt,
			})
		}
		return

	case CmdError:
		berr := brokerError(f)
		m.brokerErrors++
		m.lastErr = berr
		m.logger.Warn("broker reported error",
			"message", berr.Message,
			"body", berr.Body,
		)
		// The gateway decides severity: a fatal error is followed by a
		// close, which arrives as a transport error.
		m.post(event{kind: evNotify, change: StateChange{
			From:    m.state,
			To:      m.state,
			Err:     berr,
			Message: berr.Error(),
		}})

	case CmdReceipt:
		m.logger.Debug("receipt", "receipt_id", f.Header("receipt-id"))

	default:
		m.logger.Debug("ignoring frame", "command", f.Command)
	}
	m.mu.Unlock()
}

func (m *manager) handleTransportError(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.gen != m.gen || m.state != model.Connected {
		return
	}

	if websocket.IsCloseError(ev.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.logger.Info("gateway closed connection", "error", ev.err)
	} else {
		m.logger.Warn("connection lost", "error", ev.err)
	}

	m.lastErr = ev.err
	m.teardown()
	requeued := m.registry.Requeue()
	m.logger.Debug("subscriptions requeued", "count", requeued)

	m.scheduleRetry(ev.err)
}

func (m *manager) handleTimer(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.gen != m.gen || m.state != model.Reconnecting {
		return
	}
	m.timer = nil

	m.logger.Info("attempting reconnection",
		"attempt", m.attempt,
		"max", m.cfg.MaxReconnectAttempts,
	)
	m.dial()
}

// scheduleRetry applies linear backoff or gives up. Caller holds mu.
func (m *manager) scheduleRetry(cause error) {
	m.stopTimer()

	if m.attempt >= m.cfg.MaxReconnectAttempts {
		m.lastErr = fmt.Errorf("%w: %v", ErrReconnectExhausted, cause)
		m.logger.Error("giving up on gateway",
			"attempts", m.attempt,
			"error", cause,
		)
		m.transition(model.Failed, m.lastErr, "unable to connect, reconnect manually")
		return
	}

	m.attempt++
	delay := m.cfg.ReconnectBaseDelay * time.Duration(m.attempt)
	gen := m.gen
	m.timer = m.afterFunc(delay, func() {
		m.post(event{kind: evTimer, gen: gen})
	})

	m.transition(model.Reconnecting, cause,
		fmt.Sprintf("connection lost, reconnecting in %s (attempt %d/%d)",
			delay, m.attempt, m.cfg.MaxReconnectAttempts))
}

// dial starts a connection attempt in its own goroutine. Caller holds mu.
func (m *manager) dial() {
	m.gen++
	gen := m.gen
	ctx := m.ctx
	clientCfg := m.cfg.Client
	logger := m.logger.With("gen", gen)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		c := m.newClient(clientCfg, logger)
		err := c.Connect(ctx)
		if err != nil {
			c.Close()
		}
		if !m.post(event{kind: evDialed, gen: gen, client: c, err: err}) && err == nil {
			c.Close()
		}
	}()
}

// pump forwards one connection's frames and errors into the event stream.
func (m *manager) pump(gen uint64, lc *liveConn) {
	defer m.wg.Done()

	for {
		select {
		case <-lc.stop:
			return
		case f := <-lc.client.Frames():
			m.post(event{kind: evFrame, gen: gen, frame: f})
		case err := <-lc.client.Errors():
			m.drain(gen, lc)
			m.post(event{kind: evTransportError, gen: gen, err: err})
			return
		}
	}
}

// drain forwards frames the client buffered before it failed, so they are
// handled ahead of the error that ends the connection.
func (m *manager) drain(gen uint64, lc *liveConn) {
	for {
		select {
		case f, ok := <-lc.client.Frames():
			if !ok {
				return
			}
			m.post(event{kind: evFrame, gen: gen, frame: f})
		default:
			return
		}
	}
}

// teardown closes the live connection. Caller holds mu.
func (m *manager) teardown() {
	if m.conn == nil {
		return
	}
	close(m.conn.stop)
	if err := m.conn.client.Close(); err != nil {
		m.logger.Debug("close error", "error", err)
	}
	m.conn = nil
	m.gen++
}

// stopTimer cancels the pending reconnect. Caller holds mu.
func (m *manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// transition records a state change and queues its notification. Caller
// holds mu.
func (m *manager) transition(to model.ConnectionState, err error, msg string) {
	change := StateChange{
		From:    m.state,
		To:      to,
		Attempt: m.attempt,
		Err:     err,
		Message: msg,
	}
	m.state = to
	m.logger.Debug("state change", "from", change.From, "to", to, "attempt", m.attempt)
	m.post(event{kind: evNotify, change: change})
}

func (m *manager) post(ev event) bool {
	return m.events.Post(ev)
}

func (m *manager) notify(change StateChange) {
	m.listenersMu.RLock()
	listeners := make([]func(StateChange), len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(change)
	}
}

// clientActivator sends SUBSCRIBE/UNSUBSCRIBE on one client.
type clientActivator struct {
	client Client
}

func (a clientActivator) Activate(sub subscription.Subscription) error {
	return a.client.Send(NewFrame(CmdSubscribe,
		"id", sub.ID,
		"destination", sub.Topic,
		"ack", "auto",
	))
}

func (a clientActivator) Deactivate(sub subscription.Subscription) error {
	return a.client.Send(NewFrame(CmdUnsubscribe, "id", sub.ID))
}
