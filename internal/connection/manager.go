package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rickgao/tvstream/internal/protocol"
)

// Manager owns the single feed connection: it dials, replays the intended
// session state through its Replayer, forwards events, and reconnects with
// exponential backoff when the connection drops.
type Manager struct {
	cfg      ManagerConfig
	replayer Replayer
	logger   *slog.Logger

	newClient func(ClientConfig, *slog.Logger) Client

	// Output channel
	events chan protocol.Event

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu            sync.RWMutex
	current       Client
	state         State
	started       bool
	onStateChange func(from, to State)

	statsMu sync.Mutex
	stats   ManagerStats
	retired ClientStats // counters of connections already gone
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, replayer Replayer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultManagerConfig()
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = def.EventBufferSize
	}
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff.InitialInterval = def.Backoff.InitialInterval
	}
	if cfg.Backoff.MaxInterval <= 0 {
		cfg.Backoff.MaxInterval = def.Backoff.MaxInterval
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if cfg.Backoff.RandomizationFactor < 0 || cfg.Backoff.RandomizationFactor > 1 {
		cfg.Backoff.RandomizationFactor = def.Backoff.RandomizationFactor
	}

	return &Manager{
		cfg:       cfg,
		replayer:  replayer,
		logger:    logger.With("component", "connection"),
		newClient: NewClient,
		events:    make(chan protocol.Event, cfg.EventBufferSize),
		state:     StateDisconnected,
	}
}

// OnStateChange registers a hook called on every state transition. It runs
// on the goroutine making the transition and must not block.
func (m *Manager) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	m.onStateChange = fn
	m.mu.Unlock()
}

// Start dials the first connection and replays. ctx bounds only that first
// dial; a failed first dial is returned to the caller. Once connected, drops
// are retried until Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	m.ctx, m.cancel = context.WithCancel(context.Background())

	dialCtx, stopDial := context.WithCancel(ctx)
	go func() {
		select {
		case <-m.ctx.Done():
			stopDial()
		case <-dialCtx.Done():
		}
	}()

	m.setState(StateConnecting)
	client, err := m.dial(dialCtx)
	stopDial()
	if err != nil {
		m.setState(StateDisconnected)
		m.cancel()
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return err
	}

	m.wg.Add(1)
	go m.run(client)

	m.logger.Info("connection manager started", "url", m.cfg.Client.URL)
	return nil
}

// Stop shuts the connection down and closes the event channel.
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")

	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		m.closeOnce.Do(func() { close(m.events) })
	case <-ctx.Done():
		m.logger.Warn("connection manager stop timed out")
		err = ctx.Err()
	}

	m.mu.Lock()
	client := m.current
	m.current = nil
	m.mu.Unlock()
	if client != nil {
		client.Close()
	}

	m.setState(StateDisconnected)
	m.logger.Info("connection manager stopped")
	return err
}

// Reconnect drops the current connection so the reconnect loop dials and
// replays again. It is a no-op while no connection is current.
func (m *Manager) Reconnect(reason error) {
	m.mu.RLock()
	client := m.current
	m.mu.RUnlock()

	if client == nil {
		return
	}
	m.logger.Warn("dropping connection on request", "reason", reason)
	m.countStat(func(s *ManagerStats) { s.ForcedDrops++ })
	client.Close()
}

// Send writes a frame on the current connection.
func (m *Manager) Send(frame []byte) error {
	m.mu.RLock()
	client := m.current
	m.mu.RUnlock()

	if client == nil {
		return ErrNotConnected
	}
	return client.Send(frame)
}

// Events returns decoded events from whichever connection is current.
func (m *Manager) Events() <-chan protocol.Event {
	return m.events
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	client := m.current
	state := m.state
	m.mu.RUnlock()

	m.statsMu.Lock()
	s := m.stats
	live := m.retired
	m.statsMu.Unlock()

	if client != nil {
		cs := client.Stats()
		live.FramesReceived += cs.FramesReceived
		live.FramesSent += cs.FramesSent
		live.PongsSent += cs.PongsSent
		live.EventsDropped += cs.EventsDropped
	}

	s.State = state.String()
	s.FramesIn = live.FramesReceived
	s.FramesOut = live.FramesSent
	s.PongsSent = live.PongsSent
	s.EventsDropped = live.EventsDropped
	return s
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	hook := m.onStateChange
	m.mu.Unlock()

	if from == to {
		return
	}
	m.logger.Info("connection state changed", "from", from, "to", to)
	if hook != nil {
		hook(from, to)
	}
}

// dial connects a new client and replays onto it. The client becomes current
// when the replayer commits.
func (m *Manager) dial(ctx context.Context) (Client, error) {
	client := m.newClient(m.cfg.Client, m.logger)
	if err := client.Connect(ctx); err != nil {
		m.countStat(func(s *ManagerStats) { s.FailedDials++ })
		return nil, err
	}

	committed := false
	commit := func() {
		if committed {
			return
		}
		committed = true

		m.mu.Lock()
		m.current = client
		m.mu.Unlock()
		m.setState(StateConnected)
	}

	if m.replayer == nil {
		commit()
	} else if err := m.replayer.Replay(client.Send, commit); err != nil {
		client.Close()
		m.uncommit(client)
		m.countStat(func(s *ManagerStats) { s.FailedDials++ })
		return nil, fmt.Errorf("replay: %w", err)
	}
	if !committed {
		commit()
	}

	m.countStat(func(s *ManagerStats) { s.Connects++ })
	return client, nil
}

func (m *Manager) uncommit(client Client) {
	m.mu.Lock()
	if m.current == client {
		m.current = nil
	}
	m.mu.Unlock()
}

// run forwards events and reconnects until the manager is stopped.
func (m *Manager) run(client Client) {
	defer m.wg.Done()
	defer m.setState(StateDisconnected)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.Backoff.InitialInterval
	b.MaxInterval = m.cfg.Backoff.MaxInterval
	b.Multiplier = m.cfg.Backoff.Multiplier
	b.RandomizationFactor = m.cfg.Backoff.RandomizationFactor
	b.Reset()

	for {
		connectedAt := time.Now()
		err := m.forward(client)
		m.retire(client)

		if m.ctx.Err() != nil {
			return
		}

		uptime := time.Since(connectedAt)
		m.setState(StateDisconnected)
		m.logger.Warn("connection lost", "error", err, "uptime", uptime)

		if uptime >= m.cfg.Backoff.StableAfter {
			b.Reset()
		}

		m.setState(StateReconnecting)
		for {
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				wait = m.cfg.Backoff.MaxInterval
			}

			select {
			case <-m.ctx.Done():
				return
			case <-time.After(wait):
			}

			m.logger.Info("attempting reconnection", "wait", wait)

			client, err = m.dial(m.ctx)
			if err == nil {
				break
			}
			if m.ctx.Err() != nil {
				return
			}
			m.setState(StateReconnecting)
			m.logger.Warn("reconnection failed", "error", err)
		}

		m.countStat(func(s *ManagerStats) { s.Reconnects++ })
		m.logger.Info("reconnected")
	}
}

// forward relays client events until the client ends or the manager stops.
// It returns the error that ended the client.
func (m *Manager) forward(client Client) error {
	for {
		select {
		case <-m.ctx.Done():
			client.Close()
			return m.ctx.Err()
		case ev, ok := <-client.Events():
			if !ok {
				select {
				case err := <-client.Errors():
					return err
				default:
					return ErrNotConnected
				}
			}
			select {
			case m.events <- ev:
			case <-m.ctx.Done():
				client.Close()
				return m.ctx.Err()
			}
		}
	}
}

// retire detaches a finished client and folds in its counters.
func (m *Manager) retire(client Client) {
	m.mu.Lock()
	if m.current == client {
		m.current = nil
	}
	m.mu.Unlock()

	cs := client.Stats()
	m.statsMu.Lock()
	m.retired.FramesReceived += cs.FramesReceived
	m.retired.FramesSent += cs.FramesSent
	m.retired.PongsSent += cs.PongsSent
	m.retired.EventsDropped += cs.EventsDropped
	m.statsMu.Unlock()
}

func (m *Manager) countStat(fn func(*ManagerStats)) {
	m.statsMu.Lock()
	fn(&m.stats)
	m.statsMu.Unlock()
}
