package connection

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/tvstream/internal/protocol"
)

// Client represents a single WebSocket connection to the feed.
type Client interface {
	// Connect establishes the WebSocket connection and starts the
	// read, write and heartbeat duties.
	Connect(ctx context.Context) error

	// Close gracefully closes the connection and waits for the duties to exit.
	Close() error

	// Send queues an encoded frame. Frames are written in the order queued.
	Send(frame []byte) error

	// Events returns decoded inbound events in arrival order. Pings are
	// answered by the client and not forwarded. The channel is closed
	// once the connection is gone.
	Events() <-chan protocol.Event

	// Errors returns the error that ended the connection. It carries at
	// most one value and is written before Events is closed.
	Errors() <-chan error

	// IsConnected returns current connection state.
	IsConnected() bool

	// Stats returns connection counters.
	Stats() ClientStats
}

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	// Output channels
	events chan protocol.Event
	errors chan error
	done   chan struct{} // closed when every duty has exited

	sendq  chan []byte
	cancel context.CancelFunc

	// State
	mu         sync.RWMutex
	connected  bool
	closed     bool
	lastReadAt time.Time

	framesIn  atomic.Int64
	framesOut atomic.Int64
	pongs     atomic.Int64
	dropped   atomic.Int64

	// unreported counts shed data events not yet announced with a Gap.
	// Owned by the read duty.
	unreported int64
}

// NewClient creates a new WebSocket client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultClientConfig()
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = def.EventBufferSize
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}

	return &client{
		cfg:    cfg,
		logger: logger,
		events: make(chan protocol.Event, cfg.EventBufferSize),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
		sendq:  make(chan []byte, cfg.SendQueueSize),
	}
}

// Connect establishes the WebSocket connection.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.mu.Unlock()

	// Build headers
	header := http.Header{}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}
	if c.cfg.UserAgent != "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.cancel = cancel
	c.connected = true
	c.lastReadAt = time.Now()
	c.mu.Unlock()

	// Websocket level pings are answered too; the feed's own keepalive is
	// the ~h~ frame handled by the read duty.
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })
	g.Go(func() error {
		// ReadMessage does not observe ctx; closing the socket unblocks it.
		<-gctx.Done()
		return conn.Close()
	})

	go c.wait(g)

	c.logger.Debug("websocket connected", "url", c.cfg.URL)
	return nil
}

// wait publishes the first duty error and releases the output channels.
func (c *client) wait(g *errgroup.Group) {
	err := g.Wait()

	c.mu.Lock()
	c.connected = false
	closed := c.closed
	c.mu.Unlock()

	if err != nil && !closed && !errors.Is(err, context.Canceled) {
		c.logger.Warn("websocket disconnected", "error", err)
		select {
		case c.errors <- err:
		default:
		}
	}

	close(c.events)
	close(c.done)
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	// Send close message
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	cancel()
	<-c.done
	return nil
}

// Send queues a frame for the write duty.
func (c *client) Send(frame []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	c.mu.RUnlock()

	select {
	case c.sendq <- frame:
		return nil
	default:
	}

	timer := time.NewTimer(c.cfg.WriteTimeout)
	defer timer.Stop()

	select {
	case c.sendq <- frame:
		return nil
	case <-c.done:
		return ErrNotConnected
	case <-timer.C:
		return ErrTimeout
	}
}

// Events returns the events channel.
func (c *client) Events() <-chan protocol.Event {
	return c.events
}

// Errors returns the errors channel.
func (c *client) Errors() <-chan error {
	return c.errors
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Stats returns connection counters.
func (c *client) Stats() ClientStats {
	return ClientStats{
		FramesReceived: c.framesIn.Load(),
		FramesSent:     c.framesOut.Load(),
		PongsSent:      c.pongs.Load(),
		EventsDropped:  c.dropped.Load(),
	}
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastReadAt = time.Now()
	c.mu.Unlock()
}

// readLoop reads websocket messages, unframes them and emits decoded events.
func (c *client) readLoop(ctx context.Context) error {
	decoder := protocol.NewFrameDecoder(c.cfg.MaxFrameSize)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransportError{Op: "read", Err: err}
		}
		c.touch()

		payloads, ferr := decoder.Feed(data)
		for _, payload := range payloads {
			c.framesIn.Add(1)
			for _, ev := range protocol.Decode(payload) {
				if err := c.handle(ctx, ev); err != nil {
					return err
				}
			}
		}
		if ferr != nil {
			c.logger.Error("framing error, dropping connection", "error", ferr)
			return ferr
		}
	}
}

// handle answers pings and forwards everything else.
func (c *client) handle(ctx context.Context, ev protocol.Event) error {
	if ping, ok := ev.(protocol.Ping); ok {
		select {
		case c.sendq <- protocol.FormatPing(ping.Nonce):
			c.pongs.Add(1)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if protocol.IsData(ev) {
		if c.unreported > 0 {
			select {
			case c.events <- protocol.Gap{Dropped: c.unreported}:
				c.unreported = 0
			default:
			}
		}
		select {
		case c.events <- ev:
		default:
			c.dropped.Add(1)
			c.unreported++
			c.logger.Warn("event buffer full, dropping data event")
		}
		return nil
	}

	// Control events wait for room, so an outstanding gap goes first.
	if c.unreported > 0 {
		select {
		case c.events <- protocol.Gap{Dropped: c.unreported}:
			c.unreported = 0
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop writes queued frames in order.
func (c *client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.sendq:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &TransportError{Op: "write", Err: err}
			}
			c.framesOut.Add(1)
		}
	}
}

// heartbeatLoop monitors for stale connections.
func (c *client) heartbeatLoop(ctx context.Context) error {
	interval := c.cfg.PingTimeout / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.mu.RLock()
			lastRead := c.lastReadAt
			c.mu.RUnlock()

			if time.Since(lastRead) > c.cfg.PingTimeout {
				c.logger.Warn("no inbound traffic, connection stale",
					"last_read", lastRead,
					"timeout", c.cfg.PingTimeout,
				)
				return ErrStaleConnection
			}
		}
	}
}
