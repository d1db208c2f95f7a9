// Package orders merges pushed order events into the locally held order
// list and falls back to a full resync when local state is insufficient.
package orders

import (
	"github.com/rickgao/tradeflow-stream/internal/model"
)

// Outcome describes what applying one event did.
type Outcome struct {
	Applied        bool // The order list changed
	Stale          bool // Event was older than the order's last update and was ignored
	ResyncRequired bool // Order unknown locally; re-fetch the authoritative list
	BalancesStale  bool // A fill happened; wallet balances must be refreshed
}

// Reconcile applies one event to a list of orders and returns the result
// as a new slice; the input is never modified. Applying the same event
// twice yields the same list.
func Reconcile(orders []model.OrderRecord, ev model.OrderEvent) ([]model.OrderRecord, Outcome) {
	i := indexOf(orders, ev.OrderID)
	if i < 0 {
		// An event alone lacks side, type, price and quantity, so a record
		// cannot be synthesized from it.
		return orders, Outcome{
			ResyncRequired: true,
			BalancesStale:  ev.Status.IsFill(),
		}
	}

	current := orders[i]
	if isStale(current, ev) {
		return orders, Outcome{Stale: true}
	}

	updated := current
	updated.Status = ev.Status
	updated.FilledQuantity = ev.FilledQuantity
	if !ev.Timestamp.IsZero() {
		updated.UpdatedAt = ev.Timestamp
	}

	if sameState(current, updated) {
		return orders, Outcome{}
	}

	next := make([]model.OrderRecord, len(orders))
	copy(next, orders)
	next[i] = updated

	// Only a transition counts as a fill; a duplicate fill event does not
	// refresh balances twice.
	fillChanged := current.Status != updated.Status || !current.FilledQuantity.Equal(updated.FilledQuantity)
	return next, Outcome{
		Applied:       true,
		BalancesStale: ev.Status.IsFill() && fillChanged,
	}
}

// isStale reports whether ev must not overwrite rec.
func isStale(rec model.OrderRecord, ev model.OrderEvent) bool {
	if !ev.Timestamp.IsZero() && !rec.UpdatedAt.IsZero() {
		return ev.Timestamp.Before(rec.UpdatedAt)
	}
	// Without timestamps, a terminal order never moves back to a live state.
	return rec.Status.IsTerminal() && !ev.Status.IsTerminal()
}

// fetchedIsStale reports whether a fetched record is older than the local
// one, by the same rule that rejects stale events.
func fetchedIsStale(local, fetched model.OrderRecord) bool {
	return isStale(local, model.OrderEvent{
		OrderID:   fetched.OrderID,
		Status:    fetched.Status,
		Timestamp: fetched.UpdatedAt,
	})
}

func sameState(a, b model.OrderRecord) bool {
	return a.Status == b.Status &&
		a.FilledQuantity.Equal(b.FilledQuantity) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

func indexOf(orders []model.OrderRecord, id string) int {
	for i := range orders {
		if orders[i].OrderID == id {
			return i
		}
	}
	return -1
}
