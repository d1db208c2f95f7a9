package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/tradeflow-stream/internal/connection"
	"github.com/rickgao/tradeflow-stream/internal/model"
	"github.com/rickgao/tradeflow-stream/internal/orders"
)

// value returns the value of the sample in family name whose labels include
// all of want. Counters, gauges and histogram sample counts are supported.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, want)
	return 0
}

func TestObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MessageRouted("/topic/ticker/btcusdt", time.Millisecond)
	m.MessageRouted("/topic/ticker/ethusdt", 2*time.Millisecond)
	m.MessageRouted("/topic/orders/42", time.Millisecond)
	m.ParseError("/topic/orderbook/btcusdt")
	m.Unrouted("/topic/ticker/old")

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"tradeflow_stream_messages_routed_total", map[string]string{"channel": "ticker"}, 2},
		{"tradeflow_stream_messages_routed_total", map[string]string{"channel": "orders"}, 1},
		{"tradeflow_stream_route_latency_seconds", map[string]string{"channel": "ticker"}, 2},
		{"tradeflow_stream_parse_errors_total", map[string]string{"channel": "orderbook"}, 1},
		{"tradeflow_stream_messages_unrouted_total", nil, 1},
	}
	for _, tt := range tests {
		if got := value(t, reg, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestObserveStateChange(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	if got := value(t, reg, "tradeflow_stream_connection_state", map[string]string{"state": "disconnected"}); got != 1 {
		t.Errorf("initial disconnected gauge = %v, want 1", got)
	}

	m.ObserveStateChange(connection.StateChange{From: model.Disconnected, To: model.Connecting})
	m.ObserveStateChange(connection.StateChange{From: model.Connecting, To: model.Reconnecting, Attempt: 3, Err: errors.New("refused")})
	// A non-fatal broker error is published without a transition.
	m.ObserveStateChange(connection.StateChange{From: model.Reconnecting, To: model.Reconnecting, Attempt: 3})

	if got := value(t, reg, "tradeflow_stream_connection_state", map[string]string{"state": "reconnecting"}); got != 1 {
		t.Errorf("reconnecting gauge = %v, want 1", got)
	}
	if got := value(t, reg, "tradeflow_stream_connection_state", map[string]string{"state": "connecting"}); got != 0 {
		t.Errorf("connecting gauge = %v, want 0", got)
	}
	if got := value(t, reg, "tradeflow_stream_connection_transitions_total", map[string]string{"to": "reconnecting"}); got != 1 {
		t.Errorf("transitions to reconnecting = %v, want 1", got)
	}
	if got := value(t, reg, "tradeflow_stream_reconnect_attempt", nil); got != 3 {
		t.Errorf("reconnect_attempt = %v, want 3", got)
	}
}

func TestObserveOrderOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveOrderOutcome(orders.Outcome{Applied: true, BalancesStale: true})
	m.ObserveOrderOutcome(orders.Outcome{Applied: true})
	m.ObserveOrderOutcome(orders.Outcome{Stale: true})
	m.ObserveOrderOutcome(orders.Outcome{ResyncRequired: true})
	m.ObserveOrderOutcome(orders.Outcome{})

	for label, want := range map[string]float64{
		"applied":       2,
		"stale":         1,
		"unknown_order": 1,
		"duplicate":     1,
	} {
		if got := value(t, reg, "tradeflow_stream_order_events_total", map[string]string{"outcome": label}); got != want {
			t.Errorf("order_events_total{outcome=%q} = %v, want %v", label, got, want)
		}
	}
}

func TestRegisterManager(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	mgr := connection.NewManager(connection.DefaultManagerConfig(), nil, nil, nil)
	if err := mgr.Subscribe("/topic/ticker/btcusdt", func([]byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := m.RegisterManager(mgr); err != nil {
		t.Fatalf("RegisterManager failed: %v", err)
	}

	if got := value(t, reg, "tradeflow_stream_subscriptions_pending", nil); got != 1 {
		t.Errorf("subscriptions_pending = %v, want 1", got)
	}
	if got := value(t, reg, "tradeflow_stream_connects_total", nil); got != 0 {
		t.Errorf("connects_total = %v, want 0", got)
	}

	// Registering twice is a duplicate collector.
	if err := m.RegisterManager(mgr); err == nil {
		t.Error("second RegisterManager should fail")
	}
}

type emptySource struct{}

func (emptySource) GetUserOrders(context.Context, string) ([]model.OrderRecord, error) {
	return nil, nil
}

func (emptySource) GetBalances(context.Context, string) ([]model.WalletBalance, error) {
	return nil, nil
}

func TestRegisterSyncer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	s := orders.NewSyncer(orders.SyncConfig{UserID: "42"}, emptySource{}, orders.NewReconciler(nil), nil)
	if err := s.Resync(context.Background()); err != nil {
		t.Fatalf("Resync failed: %v", err)
	}
	if err := m.RegisterSyncer(s); err != nil {
		t.Fatalf("RegisterSyncer failed: %v", err)
	}

	if got := value(t, reg, "tradeflow_stream_order_resyncs_total", nil); got != 1 {
		t.Errorf("order_resyncs_total = %v, want 1", got)
	}
}
