package session

import (
	"errors"
	"time"

	"github.com/rickgao/tvstream/internal/protocol"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrKindMismatch   = errors.New("subscription does not match session kind")
	ErrUnknownKey     = errors.New("unknown subscription key")
	ErrInvalidKind    = errors.New("invalid session kind")
)

// Status is the lifecycle phase of a session.
type Status int

const (
	StatusPending Status = iota // Waiting for the provider acknowledgment
	StatusActive                // Authoritative id known, events delivered
)

func (s Status) String() string {
	if s == StatusActive {
		return "active"
	}
	return "pending"
}

// Handle identifies a session for the lifetime of the registry. It stays
// valid across reconnects; only Teardown invalidates it.
type Handle struct {
	ID   string
	Kind protocol.SessionKind
}

func (h Handle) String() string {
	return h.ID
}

// Subscription is one routed key of a session.
type Subscription struct {
	Key string // Symbol for quote sessions, series id for chart sessions

	// Quote sessions
	Symbol string

	// Chart sessions
	Series   *protocol.SeriesSpec
	SymbolID string

	// Seq orders subscriptions and session creations across the whole
	// registry. Replacing a callback keeps it.
	Seq uint64
}

// Callback receives updates for one subscription. A returned error or a
// panic is reported on the dispatcher's error channel; it never stops
// delivery to other subscriptions.
type Callback func(Update) error

// Update is what a Callback receives.
type Update struct {
	Handle    Handle
	SessionID string // Provider id the event was addressed to
	Key       string
	Symbol    string

	Quote  *QuoteUpdate  // Set for quote sessions
	Series *SeriesUpdate // Set for chart sessions
}

// QuoteUpdate carries the changed fields and the merged field snapshot.
type QuoteUpdate struct {
	Status   string
	Delta    protocol.Fields
	Snapshot protocol.Fields
}

// SeriesUpdate carries the bars of one event and the bounded bar window.
type SeriesUpdate struct {
	Bars   []protocol.Bar
	Window []protocol.Bar
}

// Delivery pairs a callback with the update to pass it. It is produced under
// the registry lock and invoked outside of it.
type Delivery struct {
	Callback Callback
	Update   Update
}

// Snapshot is a copy of one session taken for replay.
type Snapshot struct {
	Handle        Handle
	Seq           uint64         // Creation position, shared counter with Subscription.Seq
	Subscriptions []Subscription // Original subscription order
}

// Info describes a session for status reporting.
type Info struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	SessionID string    `json:"session_id,omitempty"`
	Keys      []string  `json:"keys"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats holds registry counters.
type Stats struct {
	Sessions      int `json:"sessions"`
	Pending       int `json:"pending"`
	Active        int `json:"active"`
	Subscriptions int `json:"subscriptions"`
}
