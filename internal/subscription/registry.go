// Package subscription tracks desired topic subscriptions and their
// activation state across connection cycles.
//
// A topic is either active (a SUBSCRIBE was sent on the current connection)
// or pending (queued until the next successful connection). Each topic has
// at most one handler and appears at most once across both sets.
package subscription

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrEmptyTopic is returned when subscribing without a topic.
var ErrEmptyTopic = errors.New("empty topic")

// Handler consumes the body of one message published to a topic.
// A returned error is reported by the dispatcher and never reaches the
// connection.
type Handler func(body []byte) error

// Subscription is a registry entry.
type Subscription struct {
	Topic   string
	ID      string // STOMP subscription id, fresh for every activation
	Handler Handler
	Active  bool
}

// Activator sends subscribe/unsubscribe requests on the live connection.
type Activator interface {
	Activate(sub Subscription) error
	Deactivate(sub Subscription) error
}

// Registry is safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	activator Activator // nil while not connected
	active    map[string]*Subscription
	order     []string // activation order of active topics
	pending   []string // FIFO
	queued    map[string]Handler
	requeued  map[string]bool // queued by Requeue, not by the caller
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		active:   make(map[string]*Subscription),
		queued:   make(map[string]Handler),
		requeued: make(map[string]bool),
	}
}

// Subscribe registers a handler for a topic. While connected the topic is
// activated immediately; otherwise it is queued for the next connection.
// Subscribing to an active or queued topic replaces its handler and sends
// nothing.
func (r *Registry) Subscribe(topic string, h Handler) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.active[topic]; ok {
		sub.Handler = h
		return nil
	}
	if _, ok := r.queued[topic]; ok {
		r.queued[topic] = h
		delete(r.requeued, topic)
		return nil
	}

	if r.activator == nil {
		r.enqueue(topic, h)
		r.logger.Debug("subscription queued", "topic", topic)
		return nil
	}

	if err := r.activate(topic, h); err != nil {
		// The connection is going away; the next one picks it up.
		r.enqueue(topic, h)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes a topic from both the active and queued sets.
// Unknown topics are ignored.
func (r *Registry) Unsubscribe(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queued[topic]; ok {
		delete(r.queued, topic)
		delete(r.requeued, topic)
		r.pending = removeTopic(r.pending, topic)
	}

	sub, ok := r.active[topic]
	if !ok {
		return
	}
	delete(r.active, topic)
	r.order = removeTopic(r.order, topic)

	if r.activator != nil {
		if err := r.activator.Deactivate(*sub); err != nil {
			r.logger.Warn("failed to unsubscribe", "topic", topic, "error", err)
		}
	}
}

// Replay attaches the activator of a fresh connection and drains the queue
// in FIFO order, activating each topic once. The queue is empty afterwards;
// failed activations are logged and dropped. Returns the number activated.
func (r *Registry) Replay(a Activator) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.activator = a
	queue := r.pending
	handlers := r.queued
	r.pending = nil
	r.queued = make(map[string]Handler)
	r.requeued = make(map[string]bool)

	activated := 0
	for _, topic := range queue {
		if err := r.activate(topic, handlers[topic]); err != nil {
			r.logger.Warn("replay subscribe failed, dropping",
				"topic", topic,
				"error", err,
			)
			continue
		}
		activated++
	}

	if len(queue) > 0 {
		r.logger.Info("subscriptions replayed",
			"queued", len(queue),
			"activated", activated,
		)
	}
	return activated
}

// Requeue detaches from a lost connection and moves active topics back to
// the front of the queue, in activation order, so they are replayed by the
// next connection.
func (r *Registry) Requeue() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.activator = nil
	if len(r.order) == 0 {
		return 0
	}

	front := make([]string, 0, len(r.order)+len(r.pending))
	for _, topic := range r.order {
		r.queued[topic] = r.active[topic].Handler
		r.requeued[topic] = true
		front = append(front, topic)
	}
	n := len(front)
	r.pending = append(front, r.pending...)
	r.active = make(map[string]*Subscription)
	r.order = nil
	return n
}

// Reset detaches from the connection and clears active subscriptions,
// including those Requeue moved back to the queue. Subscriptions the caller
// queued while disconnected are kept.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.activator = nil
	r.active = make(map[string]*Subscription)
	r.order = nil

	if len(r.requeued) == 0 {
		return
	}
	kept := r.pending[:0]
	for _, topic := range r.pending {
		if r.requeued[topic] {
			delete(r.queued, topic)
			continue
		}
		kept = append(kept, topic)
	}
	r.pending = kept
	r.requeued = make(map[string]bool)
}

// Handler returns the handler of an active topic.
func (r *Registry) Handler(topic string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.active[topic]
	if !ok {
		return nil, false
	}
	return sub.Handler, true
}

// Lookup returns a copy of the active entry for a topic.
func (r *Registry) Lookup(topic string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.active[topic]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// Count returns how many entries exist for a topic across both sets (0 or 1).
func (r *Registry) Count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	if _, ok := r.active[topic]; ok {
		n++
	}
	if _, ok := r.queued[topic]; ok {
		n++
	}
	return n
}

// Topics returns the active topics, sorted.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]string, 0, len(r.active))
	for t := range r.active {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Pending returns the queued topics in FIFO order.
func (r *Registry) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.pending))
	copy(out, r.pending)
	return out
}

// Len returns the number of active and queued subscriptions.
func (r *Registry) Len() (active, pending int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active), len(r.pending)
}

// activate must be called with the lock held and an activator attached.
func (r *Registry) activate(topic string, h Handler) error {
	sub := &Subscription{
		Topic:   topic,
		ID:      uuid.NewString(),
		Handler: h,
		Active:  true,
	}
	if err := r.activator.Activate(*sub); err != nil {
		return err
	}
	r.active[topic] = sub
	r.order = append(r.order, topic)

	r.logger.Debug("subscribed", "topic", topic, "id", sub.ID)
	return nil
}

// enqueue must be called with the lock held.
func (r *Registry) enqueue(topic string, h Handler) {
	r.queued[topic] = h
	r.pending = append(r.pending, topic)
}

func removeTopic(list []string, topic string) []string {
	for i, t := range list {
		if t == topic {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
