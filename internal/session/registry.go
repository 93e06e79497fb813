package session

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/tvstream/internal/protocol"
)

// Config holds registry configuration.
type Config struct {
	// WindowBars bounds the bars kept per series.
	WindowBars int

	// ImplicitAck activates a pending session when data arrives addressed to
	// its pending id. The provider echoes client chosen ids and does not
	// always send a creation acknowledgment.
	ImplicitAck bool
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		WindowBars:  500,
		ImplicitAck: true,
	}
}

type entry struct {
	sub Subscription
	cb  Callback

	snapshot protocol.Fields // quote sessions
	window   []protocol.Bar  // chart sessions
}

type record struct {
	handle    Handle
	status    Status
	sessionID string // authoritative, empty while pending
	createdAt time.Time
	seq       uint64

	keys    []string // subscription order
	entries map[string]*entry

	nextSeries int
}

// Registry owns every session and subscription. It is safe for concurrent use.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	order    []*record          // creation order
	byHandle map[string]*record // local id -> record
	byWire   map[string]*record // authoritative id -> record
	seq      uint64             // last issued creation or subscription sequence
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WindowBars <= 0 {
		cfg.WindowBars = DefaultConfig().WindowBars
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger.With("component", "session"),
		byHandle: make(map[string]*record),
		byWire:   make(map[string]*record),
	}
}

// Create records a pending session and returns its handle immediately.
func (r *Registry) Create(kind protocol.SessionKind) (Handle, error) {
	var prefix string
	switch kind {
	case protocol.KindQuote:
		prefix = "qs_"
	case protocol.KindChart:
		prefix = "cs_"
	default:
		return Handle{}, fmt.Errorf("%w: %v", ErrInvalidKind, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := prefix + newSessionSuffix()
	for r.byHandle[id] != nil {
		id = prefix + newSessionSuffix()
	}

	rec := &record{
		handle:    Handle{ID: id, Kind: kind},
		status:    StatusPending,
		createdAt: time.Now(),
		entries:   make(map[string]*entry),
	}
	r.seq++
	rec.seq = r.seq
	r.order = append(r.order, rec)
	r.byHandle[id] = rec

	r.logger.Debug("session created", "session", id, "kind", kind)
	return rec.handle, nil
}

// newSessionSuffix returns 12 lowercase alphanumerics.
func newSessionSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Subscribe registers cb for sub on the session. Quote subscriptions set
// Symbol; chart subscriptions set Series. Subscribing a key that already
// exists replaces its callback and keeps its position; replaced reports it.
// The returned Subscription has Key (and for series SymbolID) filled in.
func (r *Registry) Subscribe(h Handle, sub Subscription, cb Callback) (Subscription, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byHandle[h.ID]
	if !ok {
		return Subscription{}, false, fmt.Errorf("%w: %s", ErrUnknownSession, h.ID)
	}

	switch rec.handle.Kind {
	case protocol.KindQuote:
		if sub.Series != nil || sub.Symbol == "" {
			return Subscription{}, false, fmt.Errorf("%w: quote session %s needs a symbol", ErrKindMismatch, h.ID)
		}
		sub.Key = sub.Symbol
	case protocol.KindChart:
		if sub.Series == nil {
			return Subscription{}, false, fmt.Errorf("%w: chart session %s needs a series", ErrKindMismatch, h.ID)
		}
		spec := *sub.Series
		sub.Series = &spec
		sub.Symbol = spec.Symbol
		if key, ok := rec.findSeries(spec); ok {
			sub.Key = key
			sub.SymbolID = rec.entries[key].sub.SymbolID
		} else {
			rec.nextSeries++
			sub.Key = fmt.Sprintf("sds_%d", rec.nextSeries)
			sub.SymbolID = fmt.Sprintf("sds_sym_%d", rec.nextSeries)
		}
	}

	if e, ok := rec.entries[sub.Key]; ok {
		e.cb = cb
		r.logger.Debug("subscription replaced", "session", h.ID, "key", sub.Key)
		return e.sub, true, nil
	}

	r.seq++
	sub.Seq = r.seq
	rec.entries[sub.Key] = &entry{sub: sub, cb: cb}
	rec.keys = append(rec.keys, sub.Key)
	r.logger.Debug("subscribed", "session", h.ID, "key", sub.Key, "symbol", sub.Symbol)
	return sub, false, nil
}

func (rec *record) findSeries(spec protocol.SeriesSpec) (string, bool) {
	for _, key := range rec.keys {
		if s := rec.entries[key].sub.Series; s != nil && *s == spec {
			return key, true
		}
	}
	return "", false
}

// Unsubscribe removes key from the session. A key that is not subscribed is
// a no-op and reports removed == false.
func (r *Registry) Unsubscribe(h Handle, key string) (Subscription, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byHandle[h.ID]
	if !ok {
		return Subscription{}, false, fmt.Errorf("%w: %s", ErrUnknownSession, h.ID)
	}

	e, ok := rec.entries[key]
	if !ok {
		return Subscription{}, false, nil
	}
	delete(rec.entries, key)
	for i, k := range rec.keys {
		if k == key {
			rec.keys = append(rec.keys[:i], rec.keys[i+1:]...)
			break
		}
	}

	r.logger.Debug("unsubscribed", "session", h.ID, "key", key)
	return e.sub, true, nil
}

// Teardown removes the session and all of its subscriptions. Events still in
// flight for it are dropped by Deliver. The returned Info describes the
// removed session.
func (r *Registry) Teardown(h Handle) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byHandle[h.ID]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrUnknownSession, h.ID)
	}
	info := rec.info()

	delete(r.byHandle, h.ID)
	if rec.sessionID != "" && r.byWire[rec.sessionID] == rec {
		delete(r.byWire, rec.sessionID)
	}
	for i, o := range r.order {
		if o == rec {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.logger.Debug("session torn down", "session", h.ID)
	return info, nil
}

// Resolve applies a creation acknowledgment. An ack naming a session that is
// already active (a duplicate, or one arriving after implicit activation) is
// idempotent. Otherwise the echoed pending id wins, and failing that the
// oldest pending session of the same kind is activated. It reports false when
// no session matches.
func (r *Registry) Resolve(ack protocol.SessionAck) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.byWire[ack.SessionID]; ok {
		return rec.handle, true
	}

	var target *record
	if ack.PendingID != "" {
		if rec, ok := r.byHandle[ack.PendingID]; ok {
			if rec.status == StatusActive {
				r.logger.Debug("ack for active session ignored", "session", rec.handle.ID, "session_id", ack.SessionID)
				return rec.handle, true
			}
			target = rec
		}
	}
	if target == nil {
		if rec, ok := r.byHandle[ack.SessionID]; ok {
			if rec.status == StatusActive {
				return rec.handle, true
			}
			target = rec
		}
	}
	if target == nil {
		for _, rec := range r.order {
			if rec.status == StatusPending && (ack.Kind == protocol.KindUnknown || rec.handle.Kind == ack.Kind) {
				target = rec
				break
			}
		}
	}
	if target == nil {
		r.logger.Debug("ack without pending session", "session_id", ack.SessionID, "kind", ack.Kind)
		return Handle{}, false
	}

	r.activate(target, ack.SessionID)
	return target.handle, true
}

func (r *Registry) activate(rec *record, sessionID string) {
	if prev, ok := r.byWire[sessionID]; ok && prev != rec {
		r.logger.Warn("authoritative id reused", "session_id", sessionID, "previous", prev.handle.ID)
		prev.status = StatusPending
		prev.sessionID = ""
	}
	rec.status = StatusActive
	rec.sessionID = sessionID
	r.byWire[sessionID] = rec
	r.logger.Debug("session active", "session", rec.handle.ID, "session_id", sessionID)
}

// active returns the active record for an authoritative id, activating a
// matching pending session when ImplicitAck is set. Caller holds r.mu.
func (r *Registry) active(sessionID string) (*record, bool) {
	if rec, ok := r.byWire[sessionID]; ok {
		return rec, true
	}
	if !r.cfg.ImplicitAck {
		return nil, false
	}
	rec, ok := r.byHandle[sessionID]
	if !ok || rec.status != StatusPending {
		return nil, false
	}
	r.activate(rec, sessionID)
	return rec, true
}

// Lookup returns a copy of the subscription routed by (sessionID, key) on an
// active session.
func (r *Registry) Lookup(sessionID, key string) (Handle, Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byWire[sessionID]
	if !ok {
		return Handle{}, Subscription{}, false
	}
	e, ok := rec.entries[key]
	if !ok {
		return Handle{}, Subscription{}, false
	}
	return rec.handle, e.sub, true
}

// DeliverQuote merges a quote update into the subscription snapshot and
// returns the delivery for its callback. ok is false when the session is
// gone, still pending, or the symbol is not subscribed.
func (r *Registry) DeliverQuote(ev protocol.QuoteData) (Delivery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.active(ev.SessionID)
	if !ok || rec.handle.Kind != protocol.KindQuote {
		return Delivery{}, false
	}
	e, ok := rec.entries[ev.Symbol]
	if !ok {
		return Delivery{}, false
	}

	e.snapshot = e.snapshot.Merge(ev.Fields)
	return Delivery{
		Callback: e.cb,
		Update: Update{
			Handle:    rec.handle,
			SessionID: ev.SessionID,
			Key:       e.sub.Key,
			Symbol:    e.sub.Symbol,
			Quote: &QuoteUpdate{
				Status:   ev.Status,
				Delta:    ev.Fields.Clone(),
				Snapshot: e.snapshot.Clone(),
			},
		},
	}, true
}

// DeliverSeries merges bars into the series window and returns the delivery
// for its callback.
func (r *Registry) DeliverSeries(ev protocol.SeriesData) (Delivery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.active(ev.SessionID)
	if !ok || rec.handle.Kind != protocol.KindChart {
		return Delivery{}, false
	}
	e, ok := rec.entries[ev.SeriesID]
	if !ok {
		return Delivery{}, false
	}

	e.window = mergeBars(e.window, ev.Bars, r.cfg.WindowBars)

	bars := make([]protocol.Bar, len(ev.Bars))
	copy(bars, ev.Bars)
	window := make([]protocol.Bar, len(e.window))
	copy(window, e.window)

	return Delivery{
		Callback: e.cb,
		Update: Update{
			Handle:    rec.handle,
			SessionID: ev.SessionID,
			Key:       e.sub.Key,
			Symbol:    e.sub.Symbol,
			Series:    &SeriesUpdate{Bars: bars, Window: window},
		},
	}, true
}

// mergeBars inserts bars by time. A bar with the same time as an existing
// one replaces it. The result keeps at most limit newest bars.
func mergeBars(window, bars []protocol.Bar, limit int) []protocol.Bar {
	for _, b := range bars {
		n := len(window)
		switch {
		case n == 0 || b.Time.After(window[n-1].Time):
			window = append(window, b)
		case b.Time.Equal(window[n-1].Time):
			window[n-1] = b
		default:
			i := sort.Search(n, func(i int) bool { return !window[i].Time.Before(b.Time) })
			if window[i].Time.Equal(b.Time) {
				window[i] = b
			} else {
				window = append(window, protocol.Bar{})
				copy(window[i+1:], window[i:])
				window[i] = b
			}
		}
	}
	if limit > 0 && len(window) > limit {
		window = append(window[:0:0], window[len(window)-limit:]...)
	}
	return window
}

// Quote returns the merged field snapshot for a quote subscription.
func (r *Registry) Quote(h Handle, symbol string) (protocol.Fields, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, err := r.entryLocked(h, symbol)
	if err != nil {
		return nil, err
	}
	return e.snapshot.Clone(), nil
}

// Bars returns a copy of the bar window for a series subscription.
func (r *Registry) Bars(h Handle, key string) ([]protocol.Bar, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, err := r.entryLocked(h, key)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Bar, len(e.window))
	copy(out, e.window)
	return out, nil
}

func (r *Registry) entryLocked(h Handle, key string) (*entry, error) {
	rec, ok := r.byHandle[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, h.ID)
	}
	e, ok := rec.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownKey, h.ID, key)
	}
	return e, nil
}

// ResetForReplay returns every session to pending, clears authoritative ids
// and drops quote snapshots and bar windows, so nothing from before the gap
// reaches callers after a reconnect. Sessions are returned in creation order
// with their subscriptions in original order; Seq gives the order across
// sessions. Events addressed to the old ids are dropped from here on.
func (r *Registry) ResetForReplay() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byWire = make(map[string]*record)

	out := make([]Snapshot, 0, len(r.order))
	for _, rec := range r.order {
		rec.status = StatusPending
		rec.sessionID = ""

		subs := make([]Subscription, 0, len(rec.keys))
		for _, key := range rec.keys {
			e := rec.entries[key]
			e.snapshot = nil
			e.window = nil
			subs = append(subs, e.sub)
		}
		out = append(out, Snapshot{Handle: rec.handle, Seq: rec.seq, Subscriptions: subs})
	}
	return out
}

// SessionID returns the authoritative id of an active session.
func (r *Registry) SessionID(h Handle) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byHandle[h.ID]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrUnknownSession, h.ID)
	}
	return rec.sessionID, rec.status == StatusActive, nil
}

// Sessions describes every session in creation order.
func (r *Registry) Sessions() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.order))
	for _, rec := range r.order {
		out = append(out, rec.info())
	}
	return out
}

func (rec *record) info() Info {
	keys := make([]string, len(rec.keys))
	copy(keys, rec.keys)
	return Info{
		ID:        rec.handle.ID,
		Kind:      rec.handle.Kind.String(),
		Status:    rec.status.String(),
		SessionID: rec.sessionID,
		Keys:      keys,
		CreatedAt: rec.createdAt,
	}
}

// Stats returns registry counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Sessions: len(r.order)}
	for _, rec := range r.order {
		if rec.status == StatusActive {
			s.Active++
		} else {
			s.Pending++
		}
		s.Subscriptions += len(rec.keys)
	}
	return s
}
