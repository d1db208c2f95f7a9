package orders

import (
	"log/slog"
	"sync"

	"github.com/rickgao/tradeflow-stream/internal/model"
)

// ReconcilerStats contains runtime statistics.
type ReconcilerStats struct {
	Applied  int64
	Stale    int64
	Unknown  int64
	Replaced int64
	Parked   int
}

// Reconciler owns the order list. Readers get immutable snapshots.
type Reconciler struct {
	logger *slog.Logger

	mu     sync.RWMutex
	orders []model.OrderRecord
	parked map[string]model.OrderEvent // newest event per unknown order
	stats  ReconcilerStats
}

// NewReconciler creates an empty reconciler.
func NewReconciler(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		logger: logger,
		parked: make(map[string]model.OrderEvent),
	}
}

// Apply merges one event. Events for unknown orders are parked until the
// next Replace and reported with ResyncRequired.
func (r *Reconciler) Apply(ev model.OrderEvent) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, out := Reconcile(r.orders, ev)
	switch {
	case out.ResyncRequired:
		r.stats.Unknown++
		if prev, ok := r.parked[ev.OrderID]; !ok || !ev.Timestamp.Before(prev.Timestamp) {
			r.parked[ev.OrderID] = ev
		}
		r.logger.Debug("event for unknown order, resync required",
			"order_id", ev.OrderID,
			"status", ev.Status,
		)
	case out.Stale:
		r.stats.Stale++
		r.logger.Debug("ignoring stale order event",
			"order_id", ev.OrderID,
			"status", ev.Status,
			"timestamp", ev.Timestamp,
		)
	case out.Applied:
		r.stats.Applied++
		r.orders = next
	}
	return out
}

// Replace installs an authoritative order list and re-applies parked
// events on top of it. A fetched record older than the local one (an event
// arrived while the fetch was in flight) does not overwrite it. Parked
// events whose order is still unknown are dropped. Returns the combined
// outcome of the re-applied events.
func (r *Reconciler) Replace(orders []model.OrderRecord) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]model.OrderRecord, len(orders))
	copy(next, orders)
	for i, fetched := range next {
		j := indexOf(r.orders, fetched.OrderID)
		if j < 0 || !fetchedIsStale(r.orders[j], fetched) {
			continue
		}
		r.logger.Debug("keeping newer local order over fetched record",
			"order_id", fetched.OrderID,
			"local_status", r.orders[j].Status,
			"fetched_status", fetched.Status,
		)
		next[i] = r.orders[j]
	}
	r.stats.Replaced++

	var combined Outcome
	for id, ev := range r.parked {
		var out Outcome
		next, out = Reconcile(next, ev)
		if out.ResyncRequired {
			r.logger.Warn("order still unknown after resync, dropping event",
				"order_id", id,
				"status", ev.Status,
			)
			continue
		}
		combined.Applied = combined.Applied || out.Applied
		combined.BalancesStale = combined.BalancesStale || out.BalancesStale
	}
	r.parked = make(map[string]model.OrderEvent)
	r.orders = next
	return combined
}

// Upsert inserts or replaces one order, newest first for inserts. Used for
// orders the session placed itself.
func (r *Reconciler) Upsert(rec model.OrderRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := indexOf(r.orders, rec.OrderID)
	next := make([]model.OrderRecord, 0, len(r.orders)+1)
	if i < 0 {
		next = append(next, rec)
		next = append(next, r.orders...)
	} else {
		next = append(next, r.orders...)
		next[i] = rec
	}

	// The order may have been the subject of a parked event.
	if ev, ok := r.parked[rec.OrderID]; ok {
		delete(r.parked, rec.OrderID)
		next, _ = Reconcile(next, ev)
	}
	r.orders = next
}

// Orders returns the current list. The slice must not be modified.
func (r *Reconciler) Orders() []model.OrderRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orders
}

// Order returns one order by id.
func (r *Reconciler) Order(id string) (model.OrderRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := indexOf(r.orders, id); i >= 0 {
		return r.orders[i], true
	}
	return model.OrderRecord{}, false
}

// Stats returns current statistics.
func (r *Reconciler) Stats() ReconcilerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.stats
	s.Parked = len(r.parked)
	return s
}
