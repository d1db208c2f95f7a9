package connection

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testGateway is a minimal STOMP broker over websocket.
type testGateway struct {
	t      *testing.T
	server *httptest.Server

	reject     atomic.Bool // answer upgrades with 503
	silent     atomic.Bool // never answer CONNECT
	heartbeat  string      // CONNECTED heart-beat header
	connectErr string      // reply to CONNECT with ERROR

	mu         sync.Mutex
	conns      []*gatewayConn
	connects   int
	subscribes map[string]int // destination → SUBSCRIBE frames seen
	authHeader string
	protocols  []string
	query      string
	messageID  int
}

type gatewayConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]string // destination → subscription id
	frames  []Frame
}

func newTestGateway(t *testing.T) *testGateway {
	g := &testGateway{
		t:          t,
		heartbeat:  "0,0",
		subscribes: make(map[string]int),
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: []string{"Bearer"},
	}

	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		g.mu.Lock()
		g.authHeader = r.Header.Get("Authorization")
		g.protocols = websocket.Subprotocols(r)
		g.query = r.URL.RawQuery
		g.mu.Unlock()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer ws.Close()
		g.serve(&gatewayConn{ws: ws, subs: make(map[string]string)})
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *testGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *testGateway) serve(c *gatewayConn) {
	defer g.remove(c)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := ParseFrame(data)
		if err != nil {
			continue
		}

		g.mu.Lock()
		c.frames = append(c.frames, f)
		g.mu.Unlock()

		switch f.Command {
		case CmdConnect:
			if g.silent.Load() {
				continue
			}
			if g.connectErr != "" {
				c.write(NewFrame(CmdError, "message", g.connectErr))
				return
			}
			g.mu.Lock()
			g.connects++
			g.conns = append(g.conns, c)
			g.mu.Unlock()
			c.write(NewFrame(CmdConnected, "version", "1.2", "heart-beat", g.heartbeat))

		case CmdSubscribe:
			g.mu.Lock()
			c.subs[f.Destination()] = f.Header("id")
			g.subscribes[f.Destination()]++
			g.mu.Unlock()

		case CmdUnsubscribe:
			g.mu.Lock()
			for dest, id := range c.subs {
				if id == f.Header("id") {
					delete(c.subs, dest)
				}
			}
			g.mu.Unlock()

		case CmdDisconnect:
			return
		}
	}
}

func (g *testGateway) remove(c *gatewayConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, live := range g.conns {
		if live == c {
			g.conns = append(g.conns[:i], g.conns[i+1:]...)
			return
		}
	}
}

func (c *gatewayConn) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, f.Marshal())
}

// publish sends a MESSAGE to every connection subscribed to dest and
// returns how many received it.
func (g *testGateway) publish(dest, body string) int {
	g.mu.Lock()
	type target struct {
		c  *gatewayConn
		id string
	}
	var targets []target
	for _, c := range g.conns {
		if id, ok := c.subs[dest]; ok {
			targets = append(targets, target{c, id})
		}
	}
	g.messageID++
	msgID := strconv.Itoa(g.messageID)
	g.mu.Unlock()

	n := 0
	for _, tg := range targets {
		f := NewFrame(CmdMessage,
			"destination", dest,
			"subscription", tg.id,
			"message-id", msgID,
		)
		f.Body = []byte(body)
		if tg.c.write(f) == nil {
			n++
		}
	}
	return n
}

// sendAll writes a raw frame to every live connection.
func (g *testGateway) sendAll(f Frame) {
	g.mu.Lock()
	conns := append([]*gatewayConn(nil), g.conns...)
	g.mu.Unlock()
	for _, c := range conns {
		c.write(f)
	}
}

// dropAll kills every connection without a close handshake.
func (g *testGateway) dropAll() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, c := range conns {
		c.ws.UnderlyingConn().Close()
	}
}

func (g *testGateway) connectCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connects
}

func (g *testGateway) subscribeCount(dest string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.subscribes[dest]
}

// activeSubscriptions counts live subscriptions for dest across connections.
func (g *testGateway) activeSubscriptions(dest string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.conns {
		if _, ok := c.subs[dest]; ok {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func testClientConfig(url string) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = url
	cfg.HeartbeatOutgoing = 0
	cfg.HeartbeatIncoming = 0
	cfg.ConnectTimeout = time.Second
	cfg.BufferSize = 100
	return cfg
}
