package protocol

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const heartbeatPrefix = "~h~"

// Provider method names.
const (
	MethodQuoteData       = "qsd"
	MethodQuoteCompleted  = "quote_completed"
	MethodQuoteCreated    = "quote_session_created"
	MethodChartCreated    = "chart_session_created"
	MethodDataUpdate      = "du"
	MethodTimescaleUpdate = "timescale_update"
	MethodSeriesCompleted = "series_completed"
	MethodCriticalError   = "critical_error"
	MethodProtocolError   = "protocol_error"
	MethodSymbolError     = "symbol_error"
	MethodSeriesError     = "series_error"
)

// packet is the wire shape of every method message.
type packet struct {
	M string            `json:"m"`
	P []json.RawMessage `json:"p"`
}

// helloWire is the greeting the provider sends right after the handshake.
type helloWire struct {
	SessionID string  `json:"session_id"`
	Timestamp float64 `json:"timestamp"`
}

// quoteWire is the second argument of a qsd message.
type quoteWire struct {
	Name   string          `json:"n"`
	Status string          `json:"s"`
	Values json.RawMessage `json:"v"`
}

// seriesWire is one series entry of a du / timescale_update message.
type seriesWire struct {
	S []struct {
		I int           `json:"i"`
		V []json.Number `json:"v"`
	} `json:"s"`
}

type methodDecoder func(args []json.RawMessage) ([]Event, error)

var methods = map[string]methodDecoder{
	MethodQuoteData:       decodeQuoteData,
	MethodQuoteCompleted:  decodeCompleted(KindQuote),
	MethodQuoteCreated:    decodeAck(KindQuote),
	MethodChartCreated:    decodeAck(KindChart),
	MethodDataUpdate:      decodeSeriesData,
	MethodTimescaleUpdate: decodeSeriesData,
	MethodSeriesCompleted: decodeCompleted(KindChart),
	MethodCriticalError:   decodeError(MethodCriticalError, false),
	MethodProtocolError:   decodeError(MethodProtocolError, false),
	MethodSymbolError:     decodeError(MethodSymbolError, true),
	MethodSeriesError:     decodeError(MethodSeriesError, true),
}

// Decode classifies one payload. Most payloads produce exactly one event; a
// series update naming several series yields one SeriesData per series, in
// ascending series id order. Decode never fails: undecodable payloads become
// a CriticalError and unknown methods become Unrecognized.
func Decode(payload string) []Event {
	if strings.HasPrefix(payload, heartbeatPrefix) {
		n, err := strconv.Atoi(payload[len(heartbeatPrefix):])
		if err != nil {
			return criticalf("", "malformed heartbeat %q", payload)
		}
		return []Event{Ping{Nonce: n}}
	}

	data := []byte(payload)
	if !bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return criticalf("", "payload is not a JSON object: %.64q", payload)
	}

	var pkt packet
	if err := json.Unmarshal(data, &pkt); err != nil {
		return criticalf("", "decode payload: %v", err)
	}

	if pkt.M == "" {
		var hello helloWire
		if err := json.Unmarshal(data, &hello); err == nil && hello.SessionID != "" {
			return []Event{ServerHello{
				SessionID: hello.SessionID,
				Timestamp: unixTime(hello.Timestamp),
			}}
		}
		return []Event{Unrecognized{Raw: payload}}
	}

	decode, ok := methods[pkt.M]
	if !ok {
		return []Event{Unrecognized{Method: pkt.M, Raw: payload}}
	}

	events, err := decode(pkt.P)
	if err != nil {
		return criticalf(pkt.M, "%s: %v", pkt.M, err)
	}
	return events
}

func criticalf(method, format string, args ...any) []Event {
	return []Event{CriticalError{Method: method, Message: fmt.Sprintf(format, args...)}}
}

func decodeQuoteData(args []json.RawMessage) ([]Event, error) {
	sid, err := stringArg(args, 0)
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("missing quote body")
	}

	var q quoteWire
	if err := json.Unmarshal(args[1], &q); err != nil {
		return nil, fmt.Errorf("quote body: %w", err)
	}
	if q.Name == "" {
		return nil, fmt.Errorf("quote body has no symbol")
	}

	fields := Fields{}
	if len(q.Values) > 0 && !bytes.Equal(q.Values, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(q.Values))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return nil, fmt.Errorf("quote values for %s: %w", q.Name, err)
		}
	}

	status := q.Status
	if status == "" {
		status = "ok"
	}

	return []Event{QuoteData{
		SessionID: sid,
		Symbol:    q.Name,
		Status:    status,
		Fields:    fields,
	}}, nil
}

func decodeSeriesData(args []json.RawMessage) ([]Event, error) {
	sid, err := stringArg(args, 0)
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("missing series body")
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(args[1], &body); err != nil {
		return nil, fmt.Errorf("series body: %w", err)
	}

	ids := make([]string, 0, len(body))
	for id := range body {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var events []Event
	for _, id := range ids {
		var sw seriesWire
		if err := json.Unmarshal(body[id], &sw); err != nil {
			// Study and marker entries share the body; they are not bars.
			continue
		}
		if sw.S == nil {
			continue
		}

		bars := make([]Bar, 0, len(sw.S))
		for _, entry := range sw.S {
			bar, err := decodeBar(entry.I, entry.V)
			if err != nil {
				return nil, fmt.Errorf("series %s: %w", id, err)
			}
			bars = append(bars, bar)
		}
		events = append(events, SeriesData{SessionID: sid, SeriesID: id, Bars: bars})
	}
	return events, nil
}

// decodeBar maps [time, open, high, low, close, volume?] to a Bar.
func decodeBar(index int, v []json.Number) (Bar, error) {
	if len(v) < 5 {
		return Bar{}, fmt.Errorf("bar %d: want at least 5 values, got %d", index, len(v))
	}

	vals := make([]float64, len(v))
	for i, n := range v {
		if n == "" {
			continue // null
		}
		f, err := n.Float64()
		if err != nil {
			return Bar{}, fmt.Errorf("bar %d value %d: %w", index, i, err)
		}
		vals[i] = f
	}

	bar := Bar{
		Index: index,
		Time:  unixTime(vals[0]),
		Open:  vals[1],
		High:  vals[2],
		Low:   vals[3],
		Close: vals[4],
	}
	if len(vals) > 5 {
		bar.Volume = vals[5]
	}
	return bar, nil
}

func decodeAck(kind SessionKind) methodDecoder {
	return func(args []json.RawMessage) ([]Event, error) {
		sid, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		ack := SessionAck{Kind: kind, SessionID: sid}
		if len(args) > 1 {
			if pending, err := stringArg(args, 1); err == nil {
				ack.PendingID = pending
			}
		}
		return []Event{ack}, nil
	}
}

func decodeCompleted(kind SessionKind) methodDecoder {
	return func(args []json.RawMessage) ([]Event, error) {
		sid, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		key, err := stringArg(args, 1)
		if err != nil {
			return nil, err
		}
		return []Event{Completed{Kind: kind, SessionID: sid, Key: key}}, nil
	}
}

// decodeError builds a CriticalError. Session scoped errors carry the session
// id as their first argument.
func decodeError(method string, scoped bool) methodDecoder {
	return func(args []json.RawMessage) ([]Event, error) {
		ev := CriticalError{Method: method}

		parts := make([]string, 0, len(args))
		for i, raw := range args {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				s = string(raw)
			}
			if scoped && i == 0 {
				ev.SessionID = s
				continue
			}
			parts = append(parts, s)
		}

		ev.Message = strings.Join(parts, ": ")
		if ev.Message == "" {
			ev.Message = method
		}
		return []Event{ev}, nil
	}
}

func stringArg(args []json.RawMessage, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %d", i)
	}
	var s string
	if err := json.Unmarshal(args[i], &s); err != nil {
		return "", fmt.Errorf("argument %d is not a string", i)
	}
	return s, nil
}

// unixTime converts fractional unix seconds to UTC time.
func unixTime(sec float64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}
