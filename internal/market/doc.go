// Package market holds the latest ticker and orderbook per symbol and the
// price trend derived from successive ticker samples.
package market
