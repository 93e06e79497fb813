package dispatch

import (
	"fmt"

	"github.com/rickgao/tvstream/internal/protocol"
	"github.com/rickgao/tvstream/internal/session"
)

// Config holds configuration for the Subscription Dispatcher.
type Config struct {
	ErrorBufferSize int // Default: 100
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		ErrorBufferSize: 100,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	EventsReceived  int64 `json:"events_received"`
	Delivered       int64 `json:"delivered"`
	Dropped         int64 `json:"dropped"` // No active session or key
	Acks            int64 `json:"acks"`
	UnmatchedAcks   int64 `json:"unmatched_acks"`
	CallbackErrors  int64 `json:"callback_errors"`
	ProviderErrors  int64 `json:"provider_errors"`
	UnknownMessages int64 `json:"unknown_messages"`
	Gaps            int64 `json:"gaps"`
	ErrorsDropped   int64 `json:"errors_dropped"` // Side channel full
}

// CallbackError reports a subscriber callback that returned an error or
// panicked.
type CallbackError struct {
	Handle session.Handle
	Key    string
	Err    error
	Panic  any // Recovered value, nil when the callback returned Err
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("callback %s/%s panicked: %v", e.Handle.ID, e.Key, e.Panic)
	}
	return fmt.Sprintf("callback %s/%s: %v", e.Handle.ID, e.Key, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// ProviderError carries a CriticalError event onto the error channel.
type ProviderError struct {
	Event protocol.CriticalError
}

func (e *ProviderError) Error() string {
	if e.Event.Method == "" {
		return "undecodable payload: " + e.Event.Message
	}
	return e.Event.Method + ": " + e.Event.Message
}

// GapError reports data events the connection shed under backpressure.
// Subscribers missed updates and should treat their snapshots as stale.
type GapError struct {
	Dropped int64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("event buffer overflow: %d data events dropped", e.Dropped)
}
