package subscription

import (
	"errors"
	"reflect"
	"sync"
	"testing"
)

// fakeActivator records subscribe/unsubscribe calls.
type fakeActivator struct {
	mu          sync.Mutex
	activated   []string
	deactivated []string
	ids         map[string]string
	fail        map[string]error
}

func newFakeActivator() *fakeActivator {
	return &fakeActivator{ids: make(map[string]string), fail: make(map[string]error)}
}

func (f *fakeActivator) Activate(sub Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[sub.Topic]; err != nil {
		return err
	}
	f.activated = append(f.activated, sub.Topic)
	f.ids[sub.Topic] = sub.ID
	return nil
}

func (f *fakeActivator) Deactivate(sub Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, sub.Topic)
	return nil
}

func (f *fakeActivator) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.activated {
		if t == topic {
			n++
		}
	}
	return n
}

func noop([]byte) error { return nil }

func TestRegistry_SubscribeWhileDisconnectedQueues(t *testing.T) {
	r := NewRegistry(nil)

	if err := r.Subscribe("/topic/ticker/btcusdt", noop); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, ok := r.Handler("/topic/ticker/btcusdt"); ok {
		t.Error("queued topic should not have an active handler")
	}
	if got := r.Pending(); !reflect.DeepEqual(got, []string{"/topic/ticker/btcusdt"}) {
		t.Errorf("Pending = %v", got)
	}
}

func TestRegistry_EmptyTopic(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Subscribe("", noop); !errors.Is(err, ErrEmptyTopic) {
		t.Errorf("err = %v, want ErrEmptyTopic", err)
	}
}

func TestRegistry_QueueSameTopicTwiceActivatesOnce(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeActivator()

	var got string
	r.Subscribe("/topic/ticker/btcusdt", func([]byte) error { got = "first"; return nil })
	r.Subscribe("/topic/ticker/btcusdt", func([]byte) error { got = "second"; return nil })

	if n := r.Replay(a); n != 1 {
		t.Errorf("Replay activated %d, want 1", n)
	}
	if c := a.count("/topic/ticker/btcusdt"); c != 1 {
		t.Errorf("SUBSCRIBE sent %d times, want 1", c)
	}
	if c := r.Count("/topic/ticker/btcusdt"); c != 1 {
		t.Errorf("Count = %d, want 1", c)
	}

	h, ok := r.Handler("/topic/ticker/btcusdt")
	if !ok {
		t.Fatal("expected active handler")
	}
	h(nil)
	if got != "second" {
		t.Errorf("handler = %s, want second (replaced)", got)
	}
}

func TestRegistry_ReplayFIFOAndExactlyOnce(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeActivator()

	topics := []string{"/topic/a", "/topic/b", "/topic/c"}
	for _, tp := range topics {
		r.Subscribe(tp, noop)
	}

	r.Replay(a)
	if !reflect.DeepEqual(a.activated, topics) {
		t.Errorf("activation order = %v, want %v", a.activated, topics)
	}
	if p := r.Pending(); len(p) != 0 {
		t.Errorf("Pending after replay = %v, want empty", p)
	}

	// A second replay on the same connection sends nothing.
	if n := r.Replay(a); n != 0 {
		t.Errorf("second Replay activated %d, want 0", n)
	}
	if len(a.activated) != 3 {
		t.Errorf("activations = %d, want 3", len(a.activated))
	}
}

func TestRegistry_ReplayFailureDropped(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeActivator()
	a.fail["/topic/b"] = errors.New("write failed")

	r.Subscribe("/topic/a", noop)
	r.Subscribe("/topic/b", noop)
	r.Subscribe("/topic/c", noop)

	if n := r.Replay(a); n != 2 {
		t.Errorf("Replay activated %d, want 2", n)
	}
	if p := r.Pending(); len(p) != 0 {
		t.Errorf("Pending = %v, want empty even after failure", p)
	}
	if r.Count("/topic/b") != 0 {
		t.Error("failed topic should be dropped")
	}
}

func TestRegistry_SubscribeWhileConnected(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeActivator()
	r.Replay(a)

	if err := r.Subscribe("/topic/x", noop); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if a.count("/topic/x") != 1 {
		t.Errorf("expected immediate SUBSCRIBE")
	}

	// Re-subscribing an active topic sends nothing.
	r.Subscribe("/topic/x", noop)
	if a.count("/topic/x") != 1 {
		t.Errorf("SUBSCRIBE sent %d times, want 1", a.count("/topic/x"))
	}

	sub, ok := r.Lookup("/topic/x")
	if !ok || !sub.Active || sub.ID == "" {
		t.Errorf("Lookup = %+v, %v", sub, ok)
	}
	if sub.ID != a.ids["/topic/x"] {
		t.Errorf("ID = %s, want %s", sub.ID, a.ids["/topic/x"])
	}
}

func TestRegistry_SubscribeActivationFailureQueues(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeActivator()
	a.fail["/topic/x"] = errors.New("broken pipe")
	r.Replay(a)

	if err := r.Subscribe("/topic/x", noop); err == nil {
		t.Fatal("expected error")
	}
	if got := r.Pending(); !reflect.DeepEqual(got, []string{"/topic/x"}) {
		t.Errorf("Pending = %v, want [/topic/x]", got)
	}
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeActivator()

	r.Subscribe("/topic/queued", noop)
	r.Unsubscribe("/topic/queued")
	if r.Count("/topic/queued") != 0 {
		t.Error("queued topic not removed")
	}

	r.Replay(a)
	r.Subscribe("/topic/live", noop)
	r.Unsubscribe("/topic/live")
	if r.Count("/topic/live") != 0 {
		t.Error("active topic not removed")
	}
	if !reflect.DeepEqual(a.deactivated, []string{"/topic/live"}) {
		t.Errorf("deactivated = %v", a.deactivated)
	}

	// Unknown topic is a no-op.
	r.Unsubscribe("/topic/unknown")
}

func TestRegistry_RequeuePutsActiveFirst(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeActivator()
	r.Replay(a)

	r.Subscribe("/topic/a", noop)
	r.Subscribe("/topic/b", noop)

	if n := r.Requeue(); n != 2 {
		t.Errorf("Requeue = %d, want 2", n)
	}

	// New intent after the connection dropped goes behind.
	r.Subscribe("/topic/c", noop)

	want := []string{"/topic/a", "/topic/b", "/topic/c"}
	if got := r.Pending(); !reflect.DeepEqual(got, want) {
		t.Errorf("Pending = %v, want %v", got, want)
	}
	if len(r.Topics()) != 0 {
		t.Errorf("Topics = %v, want none active", r.Topics())
	}

	b := newFakeActivator()
	r.Replay(b)
	if !reflect.DeepEqual(b.activated, want) {
		t.Errorf("replayed = %v, want %v", b.activated, want)
	}
	for _, tp := range want {
		if r.Count(tp) != 1 {
			t.Errorf("Count(%s) = %d, want 1", tp, r.Count(tp))
		}
	}
}

func TestRegistry_ResetKeepsQueued(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeActivator()
	r.Replay(a)
	r.Subscribe("/topic/live", noop)

	r.Reset()
	r.Subscribe("/topic/later", noop)
	r.Reset()

	active, pending := r.Len()
	if active != 0 || pending != 1 {
		t.Errorf("Len = %d,%d want 0,1", active, pending)
	}
	if _, ok := r.Handler("/topic/live"); ok {
		t.Error("active handler should be cleared")
	}
}

func TestRegistry_ResetDropsRequeued(t *testing.T) {
	r := NewRegistry(nil)
	r.Replay(newFakeActivator())
	r.Subscribe("/topic/ticker/btcusdt", noop)

	r.Requeue()
	r.Subscribe("/topic/later", noop)
	r.Reset()

	want := []string{"/topic/later"}
	if got := r.Pending(); !reflect.DeepEqual(got, want) {
		t.Errorf("Pending = %v, want %v", got, want)
	}
	if n := r.Count("/topic/ticker/btcusdt"); n != 0 {
		t.Errorf("Count(btcusdt) = %d, want 0", n)
	}

	b := newFakeActivator()
	r.Replay(b)
	if !reflect.DeepEqual(b.activated, want) {
		t.Errorf("replayed = %v, want %v", b.activated, want)
	}
}

func TestRegistry_ResubscribeKeepsRequeuedTopic(t *testing.T) {
	r := NewRegistry(nil)
	r.Replay(newFakeActivator())
	r.Subscribe("/topic/a", noop)

	r.Requeue()
	// The caller re-issued it, so it is no longer only a leftover.
	r.Subscribe("/topic/a", noop)
	r.Reset()

	want := []string{"/topic/a"}
	if got := r.Pending(); !reflect.DeepEqual(got, want) {
		t.Errorf("Pending = %v, want %v", got, want)
	}
}

func TestRegistry_Topics(t *testing.T) {
	r := NewRegistry(nil)
	r.Replay(newFakeActivator())
	r.Subscribe("/topic/b", noop)
	r.Subscribe("/topic/a", noop)

	if got := r.Topics(); !reflect.DeepEqual(got, []string{"/topic/a", "/topic/b"}) {
		t.Errorf("Topics = %v", got)
	}
}

func TestRegistry_ConcurrentSubscribe(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeActivator()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Subscribe("/topic/same", noop)
		}()
	}
	wg.Wait()

	r.Replay(a)
	if a.count("/topic/same") != 1 {
		t.Errorf("SUBSCRIBE sent %d times, want 1", a.count("/topic/same"))
	}
}
