// Package router demultiplexes inbound gateway messages to the consumer
// registered for their topic.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/tradeflow-stream/internal/subscription"
)

// Dispatch errors
var (
	ErrInvalidJSON = errors.New("body is not valid JSON")
	ErrNoHandler   = errors.New("no active handler for topic")
)

// Message is one MESSAGE frame reduced to what consumers need.
type Message struct {
	Topic          string
	SubscriptionID string
	Body           []byte
	ReceivedAt     time.Time
}

// HandlerSource resolves the active handler of a topic.
type HandlerSource interface {
	Handler(topic string) (subscription.Handler, bool)
}

// Observer is notified of dispatch outcomes. Implemented by the metrics
// package; optional.
type Observer interface {
	MessageRouted(topic string, latency time.Duration)
	ParseError(topic string)
	Unrouted(topic string)
}

// DispatcherStats contains runtime statistics.
type DispatcherStats struct {
	Received    int64
	Routed      int64
	ParseErrors int64
	Unrouted    int64
}

// Dispatcher routes messages to topic handlers. A failing or panicking
// handler only affects its own message.
type Dispatcher struct {
	handlers HandlerSource
	observer Observer
	logger   *slog.Logger

	mu    sync.Mutex
	stats DispatcherStats
}

// NewDispatcher creates a dispatcher over a handler source.
func NewDispatcher(handlers HandlerSource, observer Observer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: handlers,
		observer: observer,
		logger:   logger,
	}
}

// Dispatch delivers one message. The returned error is informational:
// ErrNoHandler for topics without an active consumer, otherwise the
// handler's failure. It is already logged and counted.
func (d *Dispatcher) Dispatch(msg Message) (err error) {
	d.count(func(s *DispatcherStats) { s.Received++ })

	h, ok := d.handlers.Handler(msg.Topic)
	if !ok {
		d.count(func(s *DispatcherStats) { s.Unrouted++ })
		if d.observer != nil {
			d.observer.Unrouted(msg.Topic)
		}
		d.logger.Debug("no consumer for topic, dropping", "topic", msg.Topic)
		return ErrNoHandler
	}

	if !json.Valid(msg.Body) {
		return d.fail(msg, ErrInvalidJSON)
	}

	defer func() {
		if r := recover(); r != nil {
			err = d.fail(msg, fmt.Errorf("handler panic: %v", r))
		}
	}()

	if err := h(msg.Body); err != nil {
		return d.fail(msg, err)
	}

	d.count(func(s *DispatcherStats) { s.Routed++ })
	if d.observer != nil {
		var latency time.Duration
		if !msg.ReceivedAt.IsZero() {
			latency = time.Since(msg.ReceivedAt)
		}
		d.observer.MessageRouted(msg.Topic, latency)
	}
	return nil
}

// Stats returns current statistics.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Dispatcher) fail(msg Message, err error) error {
	d.count(func(s *DispatcherStats) { s.ParseErrors++ })
	if d.observer != nil {
		d.observer.ParseError(msg.Topic)
	}
	d.logger.Warn("failed to handle message",
		"topic", msg.Topic,
		"bytes", len(msg.Body),
		"error", err,
	)
	return err
}

func (d *Dispatcher) count(fn func(*DispatcherStats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}
