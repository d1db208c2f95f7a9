package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/tradeflow-stream/internal/connection"
	"github.com/rickgao/tradeflow-stream/internal/orders"
)

// RegisterManager exposes connection manager statistics. Values are read
// from Stats() at scrape time.
func (m *Metrics) RegisterManager(mgr connection.Manager) error {
	stat := func(f func(connection.ManagerStats) float64) func() float64 {
		return func() float64 { return f(mgr.Stats()) }
	}

	return registerAll(m.reg,
		prometheus.NewCounterFunc(opts("connects_total", "Successful gateway connections."),
			stat(func(s connection.ManagerStats) float64 { return float64(s.Connects) })),
		prometheus.NewCounterFunc(opts("reconnects_total", "Connections re-established after a drop."),
			stat(func(s connection.ManagerStats) float64 { return float64(s.Reconnects) })),
		prometheus.NewCounterFunc(opts("frames_received_total", "STOMP frames received."),
			stat(func(s connection.ManagerStats) float64 { return float64(s.FramesReceived) })),
		prometheus.NewCounterFunc(opts("broker_errors_total", "ERROR frames received from the gateway."),
			stat(func(s connection.ManagerStats) float64 { return float64(s.BrokerErrors) })),
		prometheus.NewGaugeFunc(gaugeOpts("subscriptions_active", "Topics subscribed on the current connection."),
			stat(func(s connection.ManagerStats) float64 { return float64(s.ActiveSubscriptions) })),
		prometheus.NewGaugeFunc(gaugeOpts("subscriptions_pending", "Topics queued until the next connection."),
			stat(func(s connection.ManagerStats) float64 { return float64(s.PendingSubscribes) })),
	)
}

// RegisterSyncer exposes order resync statistics.
func (m *Metrics) RegisterSyncer(s *orders.Syncer) error {
	stat := func(f func(orders.SyncStats) float64) func() float64 {
		return func() float64 { return f(s.Stats()) }
	}

	return registerAll(m.reg,
		prometheus.NewCounterFunc(opts("order_resyncs_total", "Completed order list resyncs."),
			stat(func(st orders.SyncStats) float64 { return float64(st.Resyncs) })),
		prometheus.NewCounterFunc(opts("balance_refreshes_total", "Completed wallet balance refreshes."),
			stat(func(st orders.SyncStats) float64 { return float64(st.BalanceRefreshes) })),
		prometheus.NewCounterFunc(opts("resyncs_coalesced_total", "Resync triggers folded into an in-flight request."),
			stat(func(st orders.SyncStats) float64 { return float64(st.Coalesced) })),
		prometheus.NewCounterFunc(opts("resync_failures_total", "Failed resync or balance requests."),
			stat(func(st orders.SyncStats) float64 { return float64(st.Failures) })),
	)
}

func opts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}
}

func gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}
}

func registerAll(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
