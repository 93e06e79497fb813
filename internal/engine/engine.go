package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rickgao/tvstream/internal/connection"
	"github.com/rickgao/tvstream/internal/dispatch"
	"github.com/rickgao/tvstream/internal/protocol"
	"github.com/rickgao/tvstream/internal/session"
)

// Re-exported so callers only import engine.
type (
	Handle   = session.Handle
	Callback = session.Callback
	Update   = session.Update
)

// AnonymousToken authenticates without an account.
const AnonymousToken = "unauthorized_user_token"

var (
	ErrShutdown       = errors.New("engine shut down")
	ErrUnknownSession = session.ErrUnknownSession
	ErrKindMismatch   = session.ErrKindMismatch
)

// Config holds engine configuration.
type Config struct {
	Connection connection.ManagerConfig
	Session    session.Config
	Dispatch   dispatch.Config

	AuthToken   string            // Default: AnonymousToken
	QuoteFields protocol.FieldSet // Default: price
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Connection:  connection.DefaultManagerConfig(),
		Session:     session.DefaultConfig(),
		Dispatch:    dispatch.DefaultConfig(),
		AuthToken:   AnonymousToken,
		QuoteFields: protocol.FieldSetPrice,
	}
}

// Stats aggregates component statistics.
type Stats struct {
	Connection connection.ManagerStats `json:"connection"`
	Dispatch   dispatch.Stats          `json:"dispatch"`
	Sessions   session.Stats           `json:"sessions"`
}

// Engine is the public surface of the feed: sessions, subscriptions and the
// connection lifecycle.
//
// Every API call records the change in the registry first and then sends the
// matching command. While disconnected the send is skipped; the reconnect
// replay issues it from the registry instead.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	manager    *connection.Manager

	// cmdMu serializes API commands with replay so nothing is sent between
	// a replay snapshot and the new connection becoming current.
	cmdMu sync.Mutex

	mu       sync.Mutex
	shutdown bool
}

// New creates an engine. Nothing is dialed until Connect.
func New(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = AnonymousToken
	}
	if cfg.QuoteFields == "" {
		cfg.QuoteFields = protocol.FieldSetPrice
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger.With("component", "engine"),
	}
	e.registry = session.NewRegistry(cfg.Session, logger)
	e.dispatcher = dispatch.NewDispatcher(cfg.Dispatch, e.registry, logger)
	e.manager = connection.NewManager(cfg.Connection, e, logger)
	return e
}

// Connect dials the feed, replays any sessions created so far and starts
// dispatching. It fails if the first dial fails; later drops are recovered
// automatically until Shutdown.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return ErrShutdown
	}
	e.mu.Unlock()

	if err := e.manager.Start(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	e.dispatcher.Start(context.Background(), e.manager.Events())
	return nil
}

// Shutdown closes the connection and stops dispatching. The engine cannot be
// reconnected afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	e.mu.Unlock()

	e.logger.Info("shutting down")

	var errs []error
	if err := e.manager.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop connection: %w", err))
	}
	if err := e.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop dispatcher: %w", err))
	}
	return errors.Join(errs...)
}

// CreateQuoteSession creates a quote session. The handle is usable at once;
// data flows once the provider acknowledges it.
func (e *Engine) CreateQuoteSession() (Handle, error) {
	return e.createSession(protocol.KindQuote)
}

// CreateChartSession creates a chart session.
func (e *Engine) CreateChartSession() (Handle, error) {
	return e.createSession(protocol.KindChart)
}

func (e *Engine) createSession(kind protocol.SessionKind) (Handle, error) {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	h, err := e.registry.Create(kind)
	if err != nil {
		return Handle{}, err
	}
	e.send(e.createCommands(h)...)
	return h, nil
}

// SubscribeSymbol routes quote updates for symbol on a quote session to cb.
// Subscribing again replaces the callback without another provider command.
func (e *Engine) SubscribeSymbol(h Handle, symbol string, cb Callback) error {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	sub, replaced, err := e.registry.Subscribe(h, session.Subscription{Symbol: symbol}, cb)
	if err != nil {
		return err
	}
	if !replaced {
		e.send(e.subscribeCommands(e.wireID(h), sub)...)
	}
	return nil
}

// SubscribeSeries opens a bar series on a chart session and returns its key.
// The same spec on the same session returns the existing key.
func (e *Engine) SubscribeSeries(h Handle, spec protocol.SeriesSpec, cb Callback) (string, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return "", err
	}

	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	sub, replaced, err := e.registry.Subscribe(h, session.Subscription{Series: &spec}, cb)
	if err != nil {
		return "", err
	}
	if !replaced {
		e.send(e.subscribeCommands(e.wireID(h), sub)...)
	}
	return sub.Key, nil
}

// Unsubscribe removes a key. Unknown keys are a no-op.
func (e *Engine) Unsubscribe(h Handle, key string) error {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	sub, removed, err := e.registry.Unsubscribe(h, key)
	if err != nil || !removed {
		return err
	}

	wire := e.wireID(h)
	if h.Kind == protocol.KindQuote {
		e.send(protocol.QuoteRemoveSymbols(wire, sub.Symbol))
	} else {
		e.send(protocol.RemoveSeries(wire, sub.Key))
	}
	return nil
}

// Close tears the session down. Events still in flight for it are dropped.
func (e *Engine) Close(h Handle) error {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	wire := e.wireID(h)
	info, err := e.registry.Teardown(h)
	if err != nil {
		return err
	}
	if info.SessionID != "" {
		wire = info.SessionID
	}

	if h.Kind == protocol.KindQuote {
		e.send(protocol.QuoteDeleteSession(wire))
	} else {
		e.send(protocol.ChartDeleteSession(wire))
	}
	return nil
}

// Bars returns the bounded bar window of a series.
func (e *Engine) Bars(h Handle, key string) ([]protocol.Bar, error) {
	return e.registry.Bars(h, key)
}

// Quote returns the merged field snapshot of a symbol.
func (e *Engine) Quote(h Handle, symbol string) (protocol.Fields, error) {
	return e.registry.Quote(h, symbol)
}

// State returns the connection state.
func (e *Engine) State() connection.State {
	return e.manager.State()
}

// OnStateChange registers a connection state hook. The hook may run while a
// replay holds the command lock, so it must not call back into the engine.
func (e *Engine) OnStateChange(fn func(from, to connection.State)) {
	e.manager.OnStateChange(fn)
}

// Errors returns callback and provider errors.
func (e *Engine) Errors() <-chan error {
	return e.dispatcher.Errors()
}

// Sessions describes every session.
func (e *Engine) Sessions() []session.Info {
	return e.registry.Sessions()
}

// Stats returns component statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Connection: e.manager.Stats(),
		Dispatch:   e.dispatcher.Stats(),
		Sessions:   e.registry.Stats(),
	}
}

// Replay restores every session and subscription on a new connection in the
// order they were originally issued across all sessions, then commits the
// connection.
func (e *Engine) Replay(send func([]byte) error, commit func()) error {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	snaps := e.registry.ResetForReplay()

	type step struct {
		seq  uint64
		cmds []protocol.Command
	}
	var steps []step
	subs := 0
	for _, snap := range snaps {
		steps = append(steps, step{seq: snap.Seq, cmds: e.createCommands(snap.Handle)})
		for _, sub := range snap.Subscriptions {
			steps = append(steps, step{seq: sub.Seq, cmds: e.subscribeCommands(snap.Handle.ID, sub)})
			subs++
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].seq < steps[j].seq })

	cmds := []protocol.Command{protocol.SetAuthToken(e.cfg.AuthToken)}
	for _, st := range steps {
		cmds = append(cmds, st.cmds...)
	}

	for _, cmd := range cmds {
		frame, err := e.encode(cmd)
		if err != nil {
			return err
		}
		if err := send(frame); err != nil {
			return fmt.Errorf("send %s: %w", cmd.Method, err)
		}
	}
	commit()

	e.logger.Info("session state replayed",
		"sessions", len(snaps),
		"subscriptions", subs,
		"commands", len(cmds),
	)
	return nil
}

func (e *Engine) createCommands(h Handle) []protocol.Command {
	if h.Kind == protocol.KindQuote {
		return []protocol.Command{
			protocol.QuoteCreateSession(h.ID),
			protocol.QuoteSetFields(h.ID, e.cfg.QuoteFields.Fields()),
		}
	}
	return []protocol.Command{protocol.ChartCreateSession(h.ID)}
}

func (e *Engine) subscribeCommands(wire string, sub session.Subscription) []protocol.Command {
	if sub.Series == nil {
		return []protocol.Command{protocol.QuoteAddSymbols(wire, sub.Symbol)}
	}

	resolve, err := protocol.ResolveSymbol(wire, sub.SymbolID, *sub.Series)
	if err != nil {
		e.logger.Error("build resolve_symbol", "symbol", sub.Symbol, "error", err)
		return nil
	}
	return []protocol.Command{
		resolve,
		protocol.CreateSeries(wire, sub.Key, sub.SymbolID, *sub.Series),
	}
}

// wireID is the id commands for h are addressed to: the authoritative id
// once active, the pending id before.
func (e *Engine) wireID(h Handle) string {
	id, active, err := e.registry.SessionID(h)
	if err != nil || !active {
		return h.ID
	}
	return id
}

func (e *Engine) encode(cmd protocol.Command) ([]byte, error) {
	frame, err := cmd.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Method, err)
	}
	return frame, nil
}

// send writes commands on the live connection. Caller holds cmdMu.
//
// A failed write leaves the provider out of step with the registry, so the
// connection is dropped and the reconnect replay restores it.
func (e *Engine) send(cmds ...protocol.Command) {
	for _, cmd := range cmds {
		frame, err := e.encode(cmd)
		if err != nil {
			e.logger.Error("dropping command", "error", err)
			continue
		}
		if err := e.manager.Send(frame); err != nil {
			if errors.Is(err, connection.ErrNotConnected) {
				e.logger.Debug("not connected, command deferred to replay", "method", cmd.Method)
				return
			}
			e.logger.Warn("send failed, forcing reconnect", "method", cmd.Method, "error", err)
			e.manager.Reconnect(err)
			return
		}
	}
}
