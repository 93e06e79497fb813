// Package connection implements the feed Connection and the Reconnection
// Supervisor.
//
// The Client:
//   - Owns one WebSocket and runs read, write and heartbeat duties in an errgroup
//   - Unframes inbound messages and decodes them into protocol events
//   - Answers ~h~ keepalives itself and writes outbound frames in FIFO order
//   - Sheds data events when its buffer is full, never control events
//
// The Manager:
//   - Dials, replays the session state and only then forwards events
//   - Reconnects with exponential backoff and jitter after any failure
//   - Owns the process wide ConnectionState
package connection
