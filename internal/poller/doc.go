// Package poller implements the periodic resync safety net.
//
// The Poller:
//   - Runs its tasks every interval (orders and balances re-fetch by default)
//   - Covers events missed while the stream was down
//   - Can be triggered on demand, e.g. right after a reconnect
//   - Runs tasks concurrently with a bound, each under its own timeout
package poller
