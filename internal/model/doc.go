// Package model defines shared data types used across the streaming client.
//
// Conventions:
//   - Prices and quantities: decimal.Decimal parsed from the gateway's decimal strings
//   - Timestamps: time.Time in UTC, normalized from ISO-8601 strings or numeric epochs
//   - Candle buckets: BucketKey, one per UTC calendar day
//   - IDs: string order IDs as issued by the order service
package model
