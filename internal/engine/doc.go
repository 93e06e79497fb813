// Package engine wires the feed components together and exposes the API
// used by callers: session creation, symbol and series subscriptions, and
// the Connect / Shutdown lifecycle.
//
// Callbacks run on a single dispatch goroutine in arrival order. A callback
// that blocks holds up every other subscriber; long work belongs on the
// caller's own goroutines.
package engine
