// Package session implements the Session Registry.
//
// The registry is the single source of truth for the intended provider state:
//   - Quote and chart sessions, created pending and activated on acknowledgment
//   - Subscriptions per session, one callback per key, in subscription order
//   - Merged quote snapshots and bounded bar windows per subscription
//
// After a reconnect the registry is replayed in creation order.
package session
