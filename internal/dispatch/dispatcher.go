package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/tvstream/internal/protocol"
	"github.com/rickgao/tvstream/internal/session"
)

// Registry is the part of the Session Registry the dispatcher needs.
type Registry interface {
	Resolve(ack protocol.SessionAck) (session.Handle, bool)
	DeliverQuote(ev protocol.QuoteData) (session.Delivery, bool)
	DeliverSeries(ev protocol.SeriesData) (session.Delivery, bool)
}

// Dispatcher routes decoded events to subscription callbacks.
//
// Callbacks run on the goroutine calling Dispatch. When started with Start,
// that is the single dispatch goroutine: callbacks are invoked one at a time
// in arrival order, and a callback that never returns stalls dispatch (the
// read duty keeps running and sheds data events).
type Dispatcher struct {
	cfg      Config
	registry Registry
	logger   *slog.Logger

	errors chan error

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(cfg Config, registry Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ErrorBufferSize <= 0 {
		cfg.ErrorBufferSize = DefaultConfig().ErrorBufferSize
	}
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With("component", "dispatch"),
		errors:   make(chan error, cfg.ErrorBufferSize),
	}
}

// Errors returns the side channel for callback and provider errors. Errors
// are dropped (and counted) when nobody drains it.
func (d *Dispatcher) Errors() <-chan error {
	return d.errors
}

// Start consumes input on a dedicated goroutine until ctx is cancelled,
// Stop is called, or input is closed.
func (d *Dispatcher) Start(ctx context.Context, input <-chan protocol.Event) {
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.run(ctx, input)

	d.logger.Info("dispatcher started")
}

// Stop waits for the dispatch goroutine to exit.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out")
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context, input <-chan protocol.Event) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-input:
			if !ok {
				d.logger.Info("event channel closed")
				return
			}
			d.Dispatch(ev)
		}
	}
}

// Dispatch handles one event synchronously.
func (d *Dispatcher) Dispatch(ev protocol.Event) {
	d.count(func(s *Stats) { s.EventsReceived++ })

	switch e := ev.(type) {
	case protocol.SessionAck:
		h, ok := d.registry.Resolve(e)
		if !ok {
			d.count(func(s *Stats) { s.UnmatchedAcks++ })
			d.logger.Warn("unmatched session ack", "session_id", e.SessionID, "kind", e.Kind)
			return
		}
		d.count(func(s *Stats) { s.Acks++ })
		d.logger.Debug("session acknowledged", "session", h.ID, "session_id", e.SessionID)

	case protocol.QuoteData:
		delivery, ok := d.registry.DeliverQuote(e)
		d.deliver(delivery, ok)

	case protocol.SeriesData:
		delivery, ok := d.registry.DeliverSeries(e)
		d.deliver(delivery, ok)

	case protocol.Completed:
		d.logger.Debug("snapshot completed", "kind", e.Kind, "session_id", e.SessionID, "key", e.Key)

	case protocol.CriticalError:
		d.count(func(s *Stats) { s.ProviderErrors++ })
		d.logger.Warn("provider error", "method", e.Method, "session_id", e.SessionID, "message", e.Message)
		d.report(&ProviderError{Event: e})

	case protocol.Gap:
		d.count(func(s *Stats) { s.Gaps++ })
		d.logger.Warn("data events dropped upstream", "dropped", e.Dropped)
		d.report(&GapError{Dropped: e.Dropped})

	case protocol.Unrecognized:
		d.count(func(s *Stats) { s.UnknownMessages++ })
		d.logger.Debug("unrecognized message", "method", e.Method)

	case protocol.ServerHello:
		d.logger.Debug("server hello", "session_id", e.SessionID)

	case protocol.Ping:
		// Answered by the connection.

	default:
		d.logger.Debug("unhandled event", "type", fmt.Sprintf("%T", ev))
	}
}

func (d *Dispatcher) deliver(delivery session.Delivery, ok bool) {
	if !ok {
		d.count(func(s *Stats) { s.Dropped++ })
		return
	}

	if err := invoke(delivery); err != nil {
		d.count(func(s *Stats) { s.CallbackErrors++ })
		d.logger.Warn("callback failed",
			"session", delivery.Update.Handle.ID,
			"key", delivery.Update.Key,
			"error", err,
		)
		d.report(err)
		return
	}
	d.count(func(s *Stats) { s.Delivered++ })
}

// invoke calls the callback inside a failure boundary.
func invoke(delivery session.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{
				Handle: delivery.Update.Handle,
				Key:    delivery.Update.Key,
				Panic:  r,
			}
		}
	}()

	if delivery.Callback == nil {
		return nil
	}
	if cbErr := delivery.Callback(delivery.Update); cbErr != nil {
		return &CallbackError{
			Handle: delivery.Update.Handle,
			Key:    delivery.Update.Key,
			Err:    cbErr,
		}
	}
	return nil
}

func (d *Dispatcher) report(err error) {
	select {
	case d.errors <- err:
	default:
		d.count(func(s *Stats) { s.ErrorsDropped++ })
	}
}

func (d *Dispatcher) count(fn func(*Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

// Stats returns current statistics.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
