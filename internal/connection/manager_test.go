package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/tradeflow-stream/internal/model"
	"github.com/rickgao/tradeflow-stream/internal/router"
	"github.com/rickgao/tradeflow-stream/internal/subscription"
)

var errRefused = errors.New("connection refused")

// failingClient never connects.
type failingClient struct{}

func (failingClient) Connect(context.Context) error   { return errRefused }
func (failingClient) Close() error                    { return nil }
func (failingClient) Send(Frame) error                { return ErrNotConnected }
func (failingClient) Frames() <-chan TimestampedFrame { return nil }
func (failingClient) Errors() <-chan error            { return nil }
func (failingClient) IsConnected() bool               { return false }

// failedClient connects, then reports frames it had buffered together with
// the error that ended it.
type failedClient struct {
	frames chan TimestampedFrame
	errs   chan error
}

func newFailedClient(topic string, bodies ...string) *failedClient {
	c := &failedClient{
		frames: make(chan TimestampedFrame, len(bodies)),
		errs:   make(chan error, 1),
	}
	for _, b := range bodies {
		f := NewFrame(CmdMessage, "destination", topic, "subscription", "1")
		f.Body = []byte(b)
		c.frames <- TimestampedFrame{Frame: f, ReceivedAt: time.Now()}
	}
	c.errs <- errRefused
	return c
}

func (c *failedClient) Connect(context.Context) error   { return nil }
func (c *failedClient) Close() error                    { return nil }
func (c *failedClient) Send(Frame) error                { return nil }
func (c *failedClient) Frames() <-chan TimestampedFrame { return c.frames }
func (c *failedClient) Errors() <-chan error            { return c.errs }
func (c *failedClient) IsConnected() bool               { return true }

// fakeTimers records reconnect timers and lets tests fire them.
type fakeTimers struct {
	mu             sync.Mutex
	timers         []*fakeTimer
	maxOutstanding int
}

type fakeTimer struct {
	owner   *fakeTimers
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (ft *fakeTimers) afterFunc(d time.Duration, fn func()) timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{owner: ft, delay: d, fn: fn}
	ft.timers = append(ft.timers, t)
	if n := ft.outstandingLocked(); n > ft.maxOutstanding {
		ft.maxOutstanding = n
	}
	return t
}

func (t *fakeTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (ft *fakeTimers) outstandingLocked() int {
	n := 0
	for _, t := range ft.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (ft *fakeTimers) outstanding() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.outstandingLocked()
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.timers)
}

// fire runs timer i regardless of its state, like a timer whose Stop lost
// the race with expiry.
func (ft *fakeTimers) fire(i int) {
	ft.mu.Lock()
	t := ft.timers[i]
	t.fired = true
	ft.mu.Unlock()
	t.fn()
}

func (ft *fakeTimers) delays() []time.Duration {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]time.Duration, len(ft.timers))
	for i, t := range ft.timers {
		out[i] = t.delay
	}
	return out
}

// newFakeManager returns a started manager whose dials always fail and
// whose timers are fake.
func newFakeManager(t *testing.T, maxAttempts int) (*manager, *fakeTimers, *atomic.Int32) {
	t.Helper()

	cfg := DefaultManagerConfig()
	cfg.MaxReconnectAttempts = maxAttempts

	m := NewManager(cfg, nil, nil, slog.Default()).(*manager)
	timers := &fakeTimers{}
	dials := &atomic.Int32{}
	m.afterFunc = timers.afterFunc
	m.newClient = func(ClientConfig, *slog.Logger) Client {
		dials.Add(1)
		return failingClient{}
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, timers, dials
}

func TestManager_ConnectBeforeStart(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil, nil, nil)
	if err := m.Connect(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("err = %v, want ErrNotStarted", err)
	}
}

func TestManager_LinearBackoff(t *testing.T) {
	m, timers, _ := newFakeManager(t, 10)

	m.Connect()
	for i := 0; i < 3; i++ {
		waitFor(t, "reconnect timer", func() bool { return timers.count() == i+1 })
		timers.fire(i)
	}
	waitFor(t, "fourth timer", func() bool { return timers.count() == 4 })

	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second}
	got := timers.delays()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if m.State() != model.Reconnecting {
		t.Errorf("State = %v, want reconnecting", m.State())
	}
}

func TestManager_ReconnectCap(t *testing.T) {
	const max = 3
	m, timers, dials := newFakeManager(t, max)

	var mu sync.Mutex
	var changes []StateChange
	m.OnStateChange(func(c StateChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	m.Connect()
	for i := 0; i < max; i++ {
		waitFor(t, "reconnect timer", func() bool { return timers.count() == i+1 })
		timers.fire(i)
	}
	waitFor(t, "failed state", func() bool { return m.State() == model.Failed })

	if !errors.Is(m.LastError(), ErrReconnectExhausted) {
		t.Errorf("LastError = %v, want ErrReconnectExhausted", m.LastError())
	}
	if n := dials.Load(); n != max+1 {
		t.Errorf("dials = %d, want %d", n, max+1)
	}

	// No further automatic attempts.
	time.Sleep(50 * time.Millisecond)
	if timers.count() != max {
		t.Errorf("timers = %d, want %d", timers.count(), max)
	}
	if dials.Load() != max+1 {
		t.Errorf("dials after Failed = %d, want %d", dials.Load(), max+1)
	}

	waitFor(t, "failed notification", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) > 0 && changes[len(changes)-1].To == model.Failed
	})
	mu.Lock()
	last := changes[len(changes)-1]
	mu.Unlock()
	if !errors.Is(last.Err, ErrReconnectExhausted) || last.Message == "" {
		t.Errorf("terminal change = %+v", last)
	}

	// Manual intervention starts over.
	m.Connect()
	waitFor(t, "new attempt", func() bool { return dials.Load() == max+2 })
	waitFor(t, "fresh backoff", func() bool { return timers.count() == max+1 })
	if d := timers.delays()[max]; d != 5*time.Second {
		t.Errorf("delay after manual reconnect = %v, want 5s", d)
	}
}

func TestManager_AtMostOneTimer(t *testing.T) {
	m, timers, dials := newFakeManager(t, 10)

	check := func(step string) {
		t.Helper()
		if n := timers.outstanding(); n > 1 {
			t.Fatalf("%s: %d outstanding timers", step, n)
		}
	}

	m.Connect()
	waitFor(t, "timer 0", func() bool { return timers.count() == 1 })
	check("after first failure")

	m.Disconnect()
	check("after disconnect")
	if timers.outstanding() != 0 {
		t.Errorf("Disconnect left %d timers", timers.outstanding())
	}

	m.Connect()
	m.Connect() // idempotent while connecting
	waitFor(t, "timer 1", func() bool { return timers.count() == 2 })
	check("after reconnect failure")

	// The cancelled timer fires anyway; it must be inert.
	before := dials.Load()
	timers.fire(0)
	time.Sleep(20 * time.Millisecond)
	if dials.Load() != before {
		t.Errorf("stale timer triggered a dial")
	}
	check("after stale fire")

	timers.fire(1)
	waitFor(t, "timer 2", func() bool { return timers.count() == 3 })
	check("after live fire")

	for i := 0; i < 5; i++ {
		m.Disconnect()
		m.Connect()
		check("connect/disconnect churn")
	}
	m.Disconnect()

	waitFor(t, "settled", func() bool { return m.Stats().State == model.Disconnected })
	if timers.outstanding() != 0 {
		t.Errorf("outstanding = %d after final Disconnect", timers.outstanding())
	}

	timers.mu.Lock()
	maxSeen := timers.maxOutstanding
	timers.mu.Unlock()
	if maxSeen > 1 {
		t.Errorf("max outstanding timers = %d, want <= 1", maxSeen)
	}
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	m, _, _ := newFakeManager(t, 10)

	m.Disconnect()
	m.Disconnect()
	if m.State() != model.Disconnected {
		t.Errorf("State = %v, want disconnected", m.State())
	}

	m.Connect()
	m.Disconnect()
	m.Disconnect()
	if m.State() != model.Disconnected {
		t.Errorf("State = %v, want disconnected", m.State())
	}
}

// newGatewayManager wires a real manager to a test gateway.
func newGatewayManager(t *testing.T, gw *testGateway) (Manager, *subscription.Registry) {
	t.Helper()

	cfg := DefaultManagerConfig()
	cfg.Client = testClientConfig(gw.url())
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.MaxReconnectAttempts = 5

	reg := subscription.NewRegistry(nil)
	m := NewManager(cfg, reg, router.NewDispatcher(reg, nil, nil), nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, reg
}

func TestManager_SubscribeBeforeConnect(t *testing.T) {
	gw := newTestGateway(t)
	m, reg := newGatewayManager(t, gw)

	const topic = "/topic/ticker/btcusdt"
	got := make(chan string, 10)
	if err := m.Subscribe(topic, func(b []byte) error {
		got <- string(b)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if m.State() != model.Disconnected {
		t.Fatalf("State = %v, want disconnected", m.State())
	}

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.State() == model.Connected })
	waitFor(t, "gateway subscription", func() bool { return gw.activeSubscriptions(topic) == 1 })

	for _, body := range []string{`{"price":"1"}`, `{"price":"2"}`, `{"price":"3"}`} {
		if n := gw.publish(topic, body); n != 1 {
			t.Fatalf("publish reached %d subscribers, want 1", n)
		}
	}

	for _, want := range []string{`{"price":"1"}`, `{"price":"2"}`, `{"price":"3"}`} {
		select {
		case b := <-got:
			if b != want {
				t.Errorf("got %s, want %s", b, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}

	if c := reg.Count(topic); c != 1 {
		t.Errorf("registry count = %d, want 1", c)
	}
	if c := gw.subscribeCount(topic); c != 1 {
		t.Errorf("SUBSCRIBE frames = %d, want 1", c)
	}
}

func TestManager_ConnectIdempotent(t *testing.T) {
	gw := newTestGateway(t)
	m, _ := newGatewayManager(t, gw)

	for i := 0; i < 5; i++ {
		m.Connect()
	}
	waitFor(t, "connected", func() bool { return m.State() == model.Connected })
	m.Connect()

	time.Sleep(50 * time.Millisecond)
	if n := gw.connectCount(); n != 1 {
		t.Errorf("gateway connects = %d, want 1", n)
	}
	if s := m.Stats(); s.Connects != 1 {
		t.Errorf("Stats.Connects = %d, want 1", s.Connects)
	}
}

func TestManager_ReconnectReplaysSubscriptions(t *testing.T) {
	gw := newTestGateway(t)
	m, reg := newGatewayManager(t, gw)

	const topic = "/topic/orders/7"
	got := make(chan string, 10)
	m.Subscribe(topic, func(b []byte) error { got <- string(b); return nil })

	m.Connect()
	waitFor(t, "first subscription", func() bool { return gw.activeSubscriptions(topic) == 1 })

	gw.dropAll()
	waitFor(t, "reconnect", func() bool { return gw.connectCount() == 2 })
	waitFor(t, "replayed subscription", func() bool { return gw.activeSubscriptions(topic) == 1 })
	waitFor(t, "connected", func() bool { return m.State() == model.Connected })

	gw.publish(topic, `{"orderId":"A"}`)
	select {
	case b := <-got:
		if b != `{"orderId":"A"}` {
			t.Errorf("got %s", b)
		}
	case <-time.After(time.Second):
		t.Fatal("no message after reconnect")
	}

	if c := reg.Count(topic); c != 1 {
		t.Errorf("registry count = %d, want 1", c)
	}
	if c := gw.subscribeCount(topic); c != 2 {
		t.Errorf("SUBSCRIBE frames = %d, want one per connection (2)", c)
	}
	s := m.Stats()
	if s.Reconnects != 1 || s.Attempt != 0 {
		t.Errorf("Stats = %+v, want 1 reconnect and attempt reset", s)
	}
}

func TestManager_DisconnectClearsActive(t *testing.T) {
	gw := newTestGateway(t)
	m, reg := newGatewayManager(t, gw)

	m.Subscribe("/topic/a", func([]byte) error { return nil })
	m.Connect()
	waitFor(t, "active", func() bool { return len(reg.Topics()) == 1 })

	m.Disconnect()
	if len(reg.Topics()) != 0 {
		t.Errorf("active topics = %v after Disconnect", reg.Topics())
	}

	// Intent queued while disconnected survives and is replayed.
	m.Subscribe("/topic/b", func([]byte) error { return nil })
	m.Connect()
	waitFor(t, "replayed", func() bool { return gw.activeSubscriptions("/topic/b") == 1 })
	if gw.activeSubscriptions("/topic/a") != 0 {
		t.Error("cleared subscription must not be replayed")
	}
}

func TestManager_DisconnectWhileReconnecting(t *testing.T) {
	gw := newTestGateway(t)

	cfg := DefaultManagerConfig()
	cfg.Client = testClientConfig(gw.url())
	cfg.ReconnectBaseDelay = time.Minute
	reg := subscription.NewRegistry(nil)
	m := NewManager(cfg, reg, router.NewDispatcher(reg, nil, nil), nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})

	const topic = "/topic/ticker/btcusdt"
	m.Subscribe(topic, func([]byte) error { return nil })
	m.Connect()
	waitFor(t, "subscription", func() bool { return gw.activeSubscriptions(topic) == 1 })

	gw.dropAll()
	waitFor(t, "reconnecting", func() bool { return m.State() == model.Reconnecting })

	m.Disconnect()
	if got := reg.Pending(); len(got) != 0 {
		t.Errorf("pending after Disconnect = %v, want none", got)
	}
	if c := reg.Count(topic); c != 0 {
		t.Errorf("registry count = %d, want 0", c)
	}

	m.Connect()
	waitFor(t, "connected", func() bool { return m.State() == model.Connected })
	time.Sleep(50 * time.Millisecond)
	if c := gw.subscribeCount(topic); c != 1 {
		t.Errorf("SUBSCRIBE frames = %d, want 1", c)
	}
}

func TestManager_BrokerErrorNonFatal(t *testing.T) {
	gw := newTestGateway(t)
	m, _ := newGatewayManager(t, gw)

	var mu sync.Mutex
	var berr *BrokerError
	m.OnStateChange(func(c StateChange) {
		mu.Lock()
		defer mu.Unlock()
		var e *BrokerError
		if errors.As(c.Err, &e) {
			berr = e
		}
	})

	m.Connect()
	waitFor(t, "connected", func() bool { return m.State() == model.Connected })

	gw.sendAll(NewFrame(CmdError, "message", "not authorized for /topic/orders/9"))
	waitFor(t, "broker error notification", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return berr != nil
	})

	if berr.Message != "not authorized for /topic/orders/9" {
		t.Errorf("Message = %q", berr.Message)
	}
	if m.State() != model.Connected {
		t.Errorf("State = %v, want connected", m.State())
	}
	if m.Stats().BrokerErrors != 1 {
		t.Errorf("BrokerErrors = %d, want 1", m.Stats().BrokerErrors)
	}
}

func TestManager_FailsWhenGatewayDown(t *testing.T) {
	gw := newTestGateway(t)
	gw.reject.Store(true)

	cfg := DefaultManagerConfig()
	cfg.Client = testClientConfig(gw.url())
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.MaxReconnectAttempts = 2

	m := NewManager(cfg, nil, nil, nil)
	m.Start(context.Background())
	defer m.Shutdown(context.Background())

	m.Connect()
	waitFor(t, "failed", func() bool { return m.State() == model.Failed })

	// Gateway recovers; only a manual Connect brings the client back.
	gw.reject.Store(false)
	time.Sleep(20 * time.Millisecond)
	if m.State() != model.Failed {
		t.Fatalf("State = %v, want failed", m.State())
	}
	m.Connect()
	waitFor(t, "connected", func() bool { return m.State() == model.Connected })
}

func TestManager_BufferedFramesBeforeTransportError(t *testing.T) {
	const topic = "/topic/trades/btcusdt"
	bodies := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}

	reg := subscription.NewRegistry(nil)
	m := NewManager(DefaultManagerConfig(), reg, router.NewDispatcher(reg, nil, nil), nil).(*manager)
	m.afterFunc = (&fakeTimers{}).afterFunc
	m.newClient = func(ClientConfig, *slog.Logger) Client {
		return newFailedClient(topic, bodies...)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})

	var mu sync.Mutex
	var got []string
	m.Subscribe(topic, func(b []byte) error {
		mu.Lock()
		got = append(got, string(b))
		mu.Unlock()
		return nil
	})
	m.Connect()
	waitFor(t, "reconnecting", func() bool { return m.State() == model.Reconnecting })

	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(bodies) {
		t.Fatalf("delivered %v, want %v", got, bodies)
	}
	for i := range bodies {
		if got[i] != bodies[i] {
			t.Errorf("message %d = %s, want %s", i, got[i], bodies[i])
		}
	}
}

func TestManager_ShutdownStopsLoop(t *testing.T) {
	gw := newTestGateway(t)

	cfg := DefaultManagerConfig()
	cfg.Client = testClientConfig(gw.url())
	m := NewManager(cfg, nil, nil, nil)
	m.Start(context.Background())
	m.Connect()
	waitFor(t, "connected", func() bool { return m.State() == model.Connected })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := m.Connect(); !errors.Is(err, ErrShutdown) {
		t.Errorf("Connect after Shutdown = %v, want ErrShutdown", err)
	}
}
