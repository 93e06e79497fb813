// Package dispatch implements the Subscription Dispatcher.
//
// It resolves session acknowledgments in the registry and routes quote and
// series data to the callback registered for (session id, key). Data with no
// active target is dropped. Callback failures are isolated and reported on
// the Errors channel.
package dispatch
