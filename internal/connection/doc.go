// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Speaks STOMP 1.2 over a single gorilla/websocket connection
//   - Carries the bearer credential in the upgrade request, never in a frame
//   - Reconnects with linear backoff (base × attempt) up to a fixed cap,
//     then parks in Failed until Connect is called again
//   - Replays queued subscriptions exactly once per successful connection
//   - Feeds every MESSAGE frame to the dispatcher from one event loop
//
// All transport events (dial results, frames, errors, timer fires) are
// posted to one FIFO queue and handled by one goroutine, so state changes
// are serialized and at most one reconnect timer is ever pending.
package connection
