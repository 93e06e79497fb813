package connection

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no inbound traffic)")
	ErrTimeout         = errors.New("operation timeout")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrAlreadyStarted  = errors.New("already started")
)

// TransportError is a socket level failure. It always leads to a reconnect.
type TransportError struct {
	Op  string // "dial", "read", "write"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// State is the connection state seen by the rest of the engine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://data.tradingview.com/socket.io/websocket)
	Origin           string        // Origin header; the provider rejects handshakes without it
	UserAgent        string        // User-Agent header
	PingTimeout      time.Duration // Max time without inbound traffic before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	HandshakeTimeout time.Duration // Dial handshake timeout
	EventBufferSize  int           // Decoded event channel buffer size
	SendQueueSize    int           // Outbound frame queue size
	MaxFrameSize     int           // Largest accepted payload in bytes
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:              "wss://data.tradingview.com/socket.io/websocket",
		Origin:           "https://www.tradingview.com",
		PingTimeout:      30 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		EventBufferSize:  1000,
		SendQueueSize:    256,
		MaxFrameSize:     4 << 20,
	}
}

// ClientStats holds per-connection counters.
type ClientStats struct {
	FramesReceived int64
	FramesSent     int64
	PongsSent      int64
	EventsDropped  int64 // Data events shed because the event buffer was full
}

// BackoffConfig configures reconnect delays.
type BackoffConfig struct {
	InitialInterval     time.Duration // First retry delay
	MaxInterval         time.Duration // Cap on any single delay
	Multiplier          float64       // Growth factor per failed attempt
	RandomizationFactor float64       // Jitter, 0.5 means +/-50%
	StableAfter         time.Duration // Uptime after which the delay resets
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Client          ClientConfig
	Backoff         BackoffConfig
	EventBufferSize int // Buffer size for the output event channel
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client: DefaultClientConfig(),
		Backoff: BackoffConfig{
			InitialInterval:     1 * time.Second,
			MaxInterval:         60 * time.Second,
			Multiplier:          2,
			RandomizationFactor: 0.5,
			StableAfter:         30 * time.Second,
		},
		EventBufferSize: 1000,
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State         string `json:"state"`
	Connects      int64  `json:"connects"`
	Reconnects    int64  `json:"reconnects"`
	FailedDials   int64  `json:"failed_dials"`
	ForcedDrops   int64  `json:"forced_drops"` // Connections dropped through Reconnect
	FramesIn      int64  `json:"frames_in"`
	FramesOut     int64  `json:"frames_out"`
	PongsSent     int64  `json:"pongs_sent"`
	EventsDropped int64  `json:"events_dropped"`
}

// Replayer restores the intended provider state on a fresh connection.
//
// Replay must write every command through send, in order, and then call
// commit exactly once. commit makes the connection current; events from it
// are only forwarded after commit, so replay always precedes new data.
type Replayer interface {
	Replay(send func(frame []byte) error, commit func()) error
}

// ReplayFunc adapts a function to Replayer.
type ReplayFunc func(send func(frame []byte) error, commit func()) error

func (f ReplayFunc) Replay(send func(frame []byte) error, commit func()) error {
	return f(send, commit)
}
