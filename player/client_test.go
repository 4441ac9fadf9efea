package player

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/movecast/config"
	"github.com/wfunc/movecast/connection"
	"github.com/wfunc/movecast/models"
	"github.com/wfunc/movecast/monitor"
	"github.com/wfunc/movecast/network"
	"github.com/wfunc/movecast/presence"
	"github.com/wfunc/movecast/state"
	"github.com/wfunc/movecast/stream"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type MockTransport struct {
	mu       sync.Mutex
	handlers map[string]network.Handler
	emitted  []network.Envelope
	closed   bool
}

func (m *MockTransport) On(event string, h network.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[event]; ok {
		return network.ErrHandlerBound
	}
	m.handlers[event] = h
	return nil
}

func (m *MockTransport) Open() {}

func (m *MockTransport) Emit(event string, payload interface{}) error {
	env, err := network.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitted = append(m.emitted, *env)
	return nil
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockTransport) Fire(event string, payload interface{}) {
	m.mu.Lock()
	h := m.handlers[event]
	m.mu.Unlock()
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	h(data)
}

func (m *MockTransport) Moves() []models.MovePayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MovePayload
	for _, env := range m.emitted {
		if env.Event != network.EventPlayerMove {
			continue
		}
		var p models.MovePayload
		json.Unmarshal(env.Data, &p)
		out = append(out, p)
	}
	return out
}

type harness struct {
	mu         sync.Mutex
	transports []*MockTransport
	client     *Client
	events     *presence.ChannelSink
	monitor    *monitor.Monitor
}

func testConfig() config.ClientConfig {
	cfg := config.Default().Client
	cfg.AutoPublishPeriod = 20 * time.Millisecond
	cfg.TimerResolution = 5 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, cfg config.ClientConfig) *harness {
	t.Helper()
	h := &harness{
		events:  presence.NewChannelSink(64),
		monitor: monitor.NewMonitor("test", prometheus.NewRegistry()),
	}
	var factory connection.Factory = func() network.Transport {
		tr := &MockTransport{handlers: make(map[string]network.Handler)}
		h.mu.Lock()
		h.transports = append(h.transports, tr)
		h.mu.Unlock()
		return tr
	}
	client, err := NewClient(Options{Config: cfg, Transport: factory, Monitor: h.monitor})
	require.NoError(t, err)
	client.AddSink(h.events)
	h.client = client
	t.Cleanup(client.Close)
	return h
}

func (h *harness) last() *MockTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.transports) == 0 {
		return nil
	}
	return h.transports[len(h.transports)-1]
}

func (h *harness) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports)
}

func (h *harness) connect(t *testing.T, actor string) *MockTransport {
	t.Helper()
	n := h.count()
	h.client.Connect()
	require.Eventually(t, func() bool { return h.count() == n+1 }, waitFor, tick)
	tr := h.last()
	tr.Fire(network.EventConnect, nil)
	tr.Fire(network.EventConnected, models.ConnectedPayload{PlayerID: actor})
	require.Eventually(t, func() bool { return h.client.State() == state.Connected }, waitFor, tick)
	return tr
}

func (h *harness) nextEvent(t *testing.T) presence.Event {
	t.Helper()
	select {
	case e := <-h.events.C:
		return e
	case <-time.After(waitFor):
		t.Fatal("no presence event")
		return presence.Event{}
	}
}

func TestClient_ConnectAndReceiveMoves(t *testing.T) {
	h := newHarness(t, testConfig())
	tr := h.connect(t, "abc")
	assert.Equal(t, "abc", h.client.LocalActorID())

	tr.Fire(network.EventPlayerMove, models.MovePayload{PlayerID: "p1", X: 10, Y: 20})
	tr.Fire(network.EventPlayerMove, models.MovePayload{PlayerID: "p2", X: 30, Y: 40})

	require.Eventually(t, func() bool { return len(h.client.Moves()) == 2 }, waitFor, tick)
	moves := h.client.Moves()
	assert.Equal(t, "p2", moves[0].ActorID)
	assert.Equal(t, "p1", moves[1].ActorID)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.monitor.Metrics().MovesIngested))
}

func TestClient_MalformedMoveReported(t *testing.T) {
	h := newHarness(t, testConfig())
	tr := h.connect(t, "abc")

	tr.Fire(network.EventPlayerMove, map[string]interface{}{"playerId": "p1", "x": 5000, "y": 1})
	tr.Fire(network.EventPlayerMove, models.MovePayload{PlayerID: "p2", X: 1, Y: 1})

	e := h.nextEvent(t)
	assert.Equal(t, presence.ProtocolError, e.Kind)
	require.Eventually(t, func() bool { return len(h.client.Moves()) == 1 }, waitFor, tick)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.monitor.Metrics().MovesRejected))
}

func TestClient_PresenceEvents(t *testing.T) {
	h := newHarness(t, testConfig())
	tr := h.connect(t, "abc")

	tr.Fire(network.EventPlayerJoined, models.ActorPayload{PlayerID: "p9"})
	tr.Fire(network.EventPlayerLeft, models.ActorPayload{PlayerID: "p9"})
	tr.Fire(network.EventError, models.ErrorPayload{Message: "bad move"})

	joined := h.nextEvent(t)
	assert.Equal(t, presence.PeerJoined, joined.Kind)
	assert.Equal(t, "p9", joined.ActorID)
	assert.Equal(t, presence.PeerLeft, h.nextEvent(t).Kind)
	protoErr := h.nextEvent(t)
	assert.Equal(t, presence.ProtocolError, protoErr.Kind)
	assert.Equal(t, "bad move", protoErr.Message)
}

func TestClient_SendMove(t *testing.T) {
	h := newHarness(t, testConfig())
	assert.ErrorIs(t, h.client.SendMove(1, 2), connection.ErrNotConnected)

	tr := h.connect(t, "abc")
	require.NoError(t, h.client.SendMove(1, 2))
	require.NoError(t, h.client.SendRandomMove())

	sent := tr.Moves()
	require.Len(t, sent, 2)
	assert.Equal(t, models.MovePayload{PlayerID: "abc", X: 1, Y: 2}, sent[0])
	assert.Equal(t, "abc", sent[1].PlayerID)
	// sending does not touch the local history
	assert.Empty(t, h.client.Moves())
}

func TestClient_AutoMovementStopsOnDrop(t *testing.T) {
	h := newHarness(t, testConfig())
	tr := h.connect(t, "abc")

	h.client.StartAutoMovement()
	require.Eventually(t, func() bool { return len(tr.Moves()) >= 2 }, waitFor, tick)
	assert.True(t, h.client.AutoMovementActive())

	tr.Fire(network.EventDisconnect, network.DisconnectPayload{Reason: "server disconnect"})
	require.Eventually(t, func() bool { return h.client.State() == state.Disconnected }, waitFor, tick)
	assert.False(t, h.client.AutoMovementActive())

	sent := len(tr.Moves())
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, tr.Moves(), sent)
}

func TestClient_AutoMovementRequiresConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	h.client.StartAutoMovement()
	// SendMove is a synchronous round trip, so the start command has run
	h.client.SendMove(0, 0)
	assert.False(t, h.client.AutoMovementActive())
}

func TestClient_ReconnectUsesFreshTransport(t *testing.T) {
	h := newHarness(t, testConfig())
	var got []stream.Change
	var mu sync.Mutex
	h.client.OnMovesChanged(func(c stream.Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})

	first := h.connect(t, "abc")
	h.client.Disconnect()
	require.Eventually(t, func() bool { return h.client.State() == state.Disconnected }, waitFor, tick)
	second := h.connect(t, "def")
	require.NotSame(t, first, second)

	second.Fire(network.EventPlayerMove, models.MovePayload{PlayerID: "p1", X: 1, Y: 1})
	// the discarded transport no longer reaches the history
	first.Fire(network.EventPlayerMove, models.MovePayload{PlayerID: "p1", X: 2, Y: 2})

	require.Eventually(t, func() bool { return len(h.client.Moves()) == 1 }, waitFor, tick)
	h.client.SendMove(0, 0)
	assert.Len(t, h.client.Moves(), 1)
	assert.Equal(t, "def", h.client.LocalActorID())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 1)
}

func TestClient_ClearMoves(t *testing.T) {
	h := newHarness(t, testConfig())
	tr := h.connect(t, "abc")
	tr.Fire(network.EventPlayerMove, models.MovePayload{PlayerID: "p1", X: 1, Y: 1})
	require.Eventually(t, func() bool { return len(h.client.Moves()) == 1 }, waitFor, tick)

	h.client.ClearMoves()
	require.Eventually(t, func() bool { return len(h.client.Moves()) == 0 }, waitFor, tick)
	// clearing leaves the connection alone
	assert.Equal(t, state.Connected, h.client.State())
}

func TestClient_StateChangeSubscription(t *testing.T) {
	h := newHarness(t, testConfig())
	var mu sync.Mutex
	var seen []state.ConnectionState
	h.client.OnStateChange(func(tr state.Transition) {
		mu.Lock()
		seen = append(seen, tr.To)
		mu.Unlock()
	})

	h.connect(t, "abc")
	h.client.Disconnect()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, waitFor, tick)
	assert.Equal(t, []state.ConnectionState{state.Connecting, state.Connected, state.Disconnected}, seen)
}

func TestClient_PlayersList(t *testing.T) {
	h := newHarness(t, testConfig())
	lists := make(chan []models.PlayerInfo, 1)
	h.client.OnPlayersList(func(p []models.PlayerInfo) { lists <- p })

	tr := h.connect(t, "abc")
	require.NoError(t, h.client.RequestPlayers())

	tr.Fire(network.EventPlayersList, models.PlayersListPayload{Players: []models.PlayerInfo{{ID: "abc"}}})
	select {
	case players := <-lists:
		assert.Equal(t, "abc", players[0].ID)
	case <-time.After(waitFor):
		t.Fatal("players_list not delivered")
	}
	assert.Len(t, h.client.Players(), 1)
}

func TestClient_Close(t *testing.T) {
	h := newHarness(t, testConfig())
	tr := h.connect(t, "abc")
	h.client.StartAutoMovement()
	require.Eventually(t, h.client.AutoMovementActive, waitFor, tick)

	h.client.Close()
	h.client.Close()

	assert.Equal(t, state.Disconnected, h.client.State())
	assert.False(t, h.client.AutoMovementActive())
	assert.Equal(t, 0, h.client.timers.Len())
	tr.mu.Lock()
	assert.True(t, tr.closed)
	tr.mu.Unlock()
	assert.ErrorIs(t, h.client.SendMove(1, 1), ErrClientClosed)
}

func TestNewClient_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.EvictionPolicy = "lru"
	_, err := NewClient(Options{Config: cfg})
	assert.Error(t, err)
}
