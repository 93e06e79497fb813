package protocol

import "time"

// Event is a decoded inbound message. The concrete types are listed below;
// switch on them with a type switch.
type Event interface {
	event()
}

// SessionKind tells quote sessions from chart sessions.
type SessionKind int

const (
	KindUnknown SessionKind = iota
	KindQuote
	KindChart
)

func (k SessionKind) String() string {
	switch k {
	case KindQuote:
		return "quote"
	case KindChart:
		return "chart"
	default:
		return "unknown"
	}
}

// SessionAck confirms session creation and carries the provider's id.
type SessionAck struct {
	Kind      SessionKind
	SessionID string // Authoritative id
	PendingID string // Client id echoed back; empty when the provider omits it
}

// QuoteData is a per-symbol field update for a quote session.
type QuoteData struct {
	SessionID string
	Symbol    string
	Status    string // "ok" or "error"
	Fields    Fields
}

// SeriesData carries bars for one series of a chart session.
type SeriesData struct {
	SessionID string
	SeriesID  string
	Bars      []Bar
}

// Completed marks the end of the initial snapshot for a key.
type Completed struct {
	Kind      SessionKind
	SessionID string
	Key       string
}

// Ping is the provider keepalive. It must be echoed promptly.
type Ping struct {
	Nonce int
}

// ServerHello is the connection greeting sent before any session traffic.
type ServerHello struct {
	SessionID string
	Timestamp time.Time
}

// CriticalError is a provider error or a payload that could not be decoded.
// It is logged and skipped; the connection stays up.
type CriticalError struct {
	Method    string // Empty when the payload was not decodable
	SessionID string
	Message   string
}

// Unrecognized is a well-formed message with an unknown method.
type Unrecognized struct {
	Method string
	Raw    string
}

// Gap marks data events shed because the event buffer was full. It is emitted
// by the connection, never by the provider, ahead of the next data event that
// fits.
type Gap struct {
	Dropped int64
}

// Bar is one OHLCV entry of a series.
type Bar struct {
	Index  int
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

func (SessionAck) event()    {}
func (QuoteData) event()     {}
func (SeriesData) event()    {}
func (Completed) event()     {}
func (Ping) event()          {}
func (ServerHello) event()   {}
func (CriticalError) event() {}
func (Unrecognized) event()  {}
func (Gap) event()           {}

// IsData reports whether ev carries subscriber data. Data events may be shed
// under backpressure; control events may not.
func IsData(ev Event) bool {
	switch ev.(type) {
	case QuoteData, SeriesData, Completed:
		return true
	}
	return false
}
