// Package session wires the streaming client together: one connection
// manager, the topic consumers for the selected symbol and the user's
// orders, the order syncer and the periodic resync poller.
//
// Derived state is read through Snapshot, which returns values that are
// never mutated afterwards.
package session
