package connection

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tvstream/internal/protocol"
)

func testManagerConfig(server *httptest.Server) ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.Client = testClientConfig(server)
	cfg.Backoff.InitialInterval = 10 * time.Millisecond
	cfg.Backoff.MaxInterval = 50 * time.Millisecond
	cfg.Backoff.RandomizationFactor = 0
	cfg.EventBufferSize = 100
	return cfg
}

// replayRecorder sends a fixed command list on every connection.
type replayRecorder struct {
	frames [][]byte
	calls  atomic.Int32
}

func (r *replayRecorder) Replay(send func([]byte) error, commit func()) error {
	r.calls.Add(1)
	for _, f := range r.frames {
		if err := send(f); err != nil {
			return err
		}
	}
	commit()
	return nil
}

func TestManager_StartFails(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.Client.URL = "ws://127.0.0.1:1"
	m := NewManager(cfg, nil, nil)

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
	if m.State() != StateDisconnected {
		t.Errorf("State = %v, want disconnected", m.State())
	}
	if err := m.Send([]byte("x")); err != ErrNotConnected {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestManager_ReconnectReplaysInOrder(t *testing.T) {
	replay := &replayRecorder{frames: [][]byte{
		frame(`{"m":"set_auth_token","p":["unauthorized_user_token"]}`),
		frame(`{"m":"quote_create_session","p":["qs_1"]}`),
		frame(`{"m":"quote_add_symbols","p":["qs_1","AAPL"]}`),
	}}

	var (
		mu    sync.Mutex
		conns [][]string
	)
	var connCount atomic.Int32

	server := mockWSServer(t, func(conn *websocket.Conn) {
		n := connCount.Add(1)

		var got []string
		for len(got) < len(replay.frames) {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			got = append(got, string(msg))
		}
		mu.Lock()
		conns = append(conns, got)
		mu.Unlock()

		if n == 1 {
			// Drop the first connection once replay is complete.
			return
		}

		payload := `{"m":"qsd","p":["qs_1",{"n":"AAPL","v":{"lp":1}}]}`
		conn.WriteMessage(websocket.TextMessage, frame(payload))
		drain(conn)
	})
	defer server.Close()

	m := NewManager(testManagerConfig(server), replay, nil)

	var states []State
	var statesMu sync.Mutex
	m.OnStateChange(func(from, to State) {
		statesMu.Lock()
		states = append(states, to)
		statesMu.Unlock()
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Stop(ctx)
	}()

	select {
	case ev := <-m.Events():
		if qd, ok := ev.(protocol.QuoteData); !ok || qd.Symbol != "AAPL" {
			t.Errorf("event = %#v, want AAPL QuoteData", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for post-reconnect event")
	}

	if got := replay.calls.Load(); got != 2 {
		t.Errorf("replay calls = %d, want 2", got)
	}

	mu.Lock()
	if len(conns) != 2 {
		t.Fatalf("connections = %d, want 2", len(conns))
	}
	for i, c := range conns {
		for j, f := range c {
			if f != string(replay.frames[j]) {
				t.Errorf("conn %d frame %d = %q, want %q", i, j, f, replay.frames[j])
			}
		}
	}
	mu.Unlock()

	statesMu.Lock()
	want := []State{StateConnecting, StateConnected, StateDisconnected, StateReconnecting, StateConnected}
	if len(states) < len(want) {
		t.Fatalf("states = %v, want prefix %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d = %v, want %v", i, states[i], want[i])
		}
	}
	statesMu.Unlock()

	stats := m.Stats()
	if stats.Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", stats.Reconnects)
	}
	if stats.Connects != 2 {
		t.Errorf("Connects = %d, want 2", stats.Connects)
	}
	if m.State() != StateConnected {
		t.Errorf("State = %v, want connected", m.State())
	}
}

func TestManager_ReplayPrecedesEvents(t *testing.T) {
	// The server pushes data immediately; it must not surface before commit.
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, frame(`{"m":"qsd","p":["qs_1",{"n":"AAPL"}]}`))
		drain(conn)
	})
	defer server.Close()

	var committed atomic.Bool
	replay := ReplayFunc(func(send func([]byte) error, commit func()) error {
		time.Sleep(50 * time.Millisecond)
		committed.Store(true)
		commit()
		return nil
	})

	m := NewManager(testManagerConfig(server), replay, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	select {
	case <-m.Events():
		if !committed.Load() {
			t.Error("event forwarded before replay committed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestManager_StopClosesEvents(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		drain(conn)
	})
	defer server.Close()

	m := NewManager(testManagerConfig(server), nil, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	if err := m.Send(frame("~h~1")); err != nil {
		t.Errorf("Send failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	if _, ok := <-m.Events(); ok {
		t.Error("expected Events to be closed after Stop")
	}
	if m.State() != StateDisconnected {
		t.Errorf("State = %v, want disconnected", m.State())
	}
	if err := m.Send(frame("~h~1")); err != ErrNotConnected {
		t.Errorf("Send after Stop = %v, want ErrNotConnected", err)
	}
}

func waitForState(t *testing.T, m *Manager, want State, replays *atomic.Int32, calls int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if replays.Load() >= calls && m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v after %d replays, want %v after %d", m.State(), replays.Load(), want, calls)
}

func TestManager_ReconnectsAfterStartContextCancel(t *testing.T) {
	var connCount atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if connCount.Add(1) == 1 {
			// Drop the first connection shortly after it is established.
			time.Sleep(50 * time.Millisecond)
			return
		}
		drain(conn)
	})
	defer server.Close()

	replay := &replayRecorder{}
	m := NewManager(testManagerConfig(server), replay, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancel()
	defer m.Stop(context.Background())

	waitForState(t, m, StateConnected, &replay.calls, 2)
	if got := m.Stats().Reconnects; got != 1 {
		t.Errorf("Reconnects = %d, want 1", got)
	}
}

func TestManager_ReconnectForcesNewConnection(t *testing.T) {
	var connCount atomic.Int32
	server := mockWSServer(t, func(conn *websocket.Conn) {
		connCount.Add(1)
		drain(conn)
	})
	defer server.Close()

	replay := &replayRecorder{}
	m := NewManager(testManagerConfig(server), replay, nil)

	// No connection yet: nothing to drop.
	m.Reconnect(errors.New("early"))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	m.Reconnect(errors.New("write failed"))

	waitForState(t, m, StateConnected, &replay.calls, 2)
	stats := m.Stats()
	if stats.ForcedDrops != 1 {
		t.Errorf("ForcedDrops = %d, want 1", stats.ForcedDrops)
	}
	if stats.Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", stats.Reconnects)
	}
	if got := connCount.Load(); got != 2 {
		t.Errorf("connections = %d, want 2", got)
	}
}
