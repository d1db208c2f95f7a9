// Package api is the REST client for the trading gateway: the order
// service, the wallet service and market data snapshots.
//
// Endpoints used:
//   - GET    /orders/user/{userId}
//   - POST   /orders
//   - DELETE /orders/{orderId}
//   - GET    /wallet/{userId}/balance
//   - GET    /market/ticker/{symbol}
//   - GET    /market/tickers
//
// Every request carries the bearer token and an X-User-Id header when a
// user is configured.
package api
