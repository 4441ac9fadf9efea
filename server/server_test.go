package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/movecast/config"
	"github.com/wfunc/movecast/models"
	"github.com/wfunc/movecast/monitor"
	"github.com/wfunc/movecast/network"
	"github.com/wfunc/movecast/player"
	"github.com/wfunc/movecast/state"
)

const waitFor = 3 * time.Second

func newTestRelay(t *testing.T) (*RelayServer, *httptest.Server) {
	t.Helper()
	cfg := config.Default().Server
	cfg.HeartbeatInterval = time.Second

	relay, err := NewRelayServer(cfg, monitor.NewMonitor("relay_test", prometheus.NewRegistry()))
	require.NoError(t, err)

	httpServer := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		relay.Shutdown(context.Background())
		httpServer.Close()
	})
	return relay, httpServer
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dial(t *testing.T, server *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var ack models.ConnectedPayload
	expect(t, conn, network.EventConnected, &ack)
	require.NotEmpty(t, ack.PlayerID)
	assert.Equal(t, welcomeMessage, ack.Message)
	return conn, ack.PlayerID
}

// expect reads frames until event arrives, skipping unrelated events.
func expect(t *testing.T, conn *websocket.Conn, event string, v interface{}) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for {
		conn.SetReadDeadline(deadline)
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)

		env, err := network.DecodeEnvelope(frame)
		require.NoError(t, err)
		if env.Event != event {
			continue
		}
		if v != nil {
			require.NoError(t, env.Bind(v))
		}
		return
	}
}

func send(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	env, err := network.NewEnvelope(event, payload)
	require.NoError(t, err)
	frame, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func TestRelayServer_ConnectedAndJoined(t *testing.T) {
	relay, server := newTestRelay(t)

	first, firstID := dial(t, server)
	_, secondID := dial(t, server)
	assert.NotEqual(t, firstID, secondID)

	var joined models.ActorPayload
	expect(t, first, network.EventPlayerJoined, &joined)
	assert.Equal(t, secondID, joined.PlayerID)

	assert.Equal(t, 2, relay.sessionManager.Count())
	assert.Equal(t, 2.0, testutil.ToFloat64(relay.monitor.Metrics().OnlinePlayers))
}

func TestRelayServer_MoveBroadcastToAll(t *testing.T) {
	_, server := newTestRelay(t)
	first, firstID := dial(t, server)
	second, _ := dial(t, server)

	send(t, first, network.EventPlayerMove, models.MovePayload{PlayerID: firstID, X: 10, Y: 20})

	for _, conn := range []*websocket.Conn{first, second} {
		var move models.MovePayload
		expect(t, conn, network.EventPlayerMove, &move)
		assert.Equal(t, models.MovePayload{PlayerID: firstID, X: 10, Y: 20}, move)
	}
}

func TestRelayServer_InvalidMove(t *testing.T) {
	_, server := newTestRelay(t)
	conn, id := dial(t, server)

	tests := []struct {
		name    string
		payload interface{}
	}{
		{"missing player", map[string]int{"x": 1, "y": 1}},
		{"out of range", models.MovePayload{PlayerID: id, X: 1000, Y: 1}},
		{"fractional", map[string]interface{}{"playerId": id, "x": 1.5, "y": 1}},
		{"no payload", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, network.EventPlayerMove, tt.payload)
			var payload models.ErrorPayload
			expect(t, conn, network.EventError, &payload)
			assert.NotEmpty(t, payload.Message)
		})
	}

	// a malformed frame is answered, the connection survives
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	expect(t, conn, network.EventError, nil)

	send(t, conn, network.EventPlayerMove, models.MovePayload{PlayerID: id, X: 1, Y: 1})
	expect(t, conn, network.EventPlayerMove, nil)
}

func TestRelayServer_GetPlayers(t *testing.T) {
	_, server := newTestRelay(t)
	first, firstID := dial(t, server)
	_, secondID := dial(t, server)

	send(t, first, network.EventPlayerMove, models.MovePayload{PlayerID: firstID, X: 3, Y: 4})
	expect(t, first, network.EventPlayerMove, nil)

	send(t, first, network.EventGetPlayers, nil)
	var list models.PlayersListPayload
	expect(t, first, network.EventPlayersList, &list)

	require.Len(t, list.Players, 2)
	byID := map[string]models.PlayerInfo{}
	for _, p := range list.Players {
		byID[p.ID] = p
	}
	require.NotNil(t, byID[firstID].X)
	assert.Equal(t, 3, *byID[firstID].X)
	assert.Nil(t, byID[secondID].X)
}

func TestRelayServer_PlayerLeft(t *testing.T) {
	relay, server := newTestRelay(t)
	first, _ := dial(t, server)
	second, secondID := dial(t, server)

	second.Close()

	var left models.ActorPayload
	expect(t, first, network.EventPlayerLeft, &left)
	assert.Equal(t, secondID, left.PlayerID)
	require.Eventually(t, func() bool { return relay.sessionManager.Count() == 1 }, waitFor, 10*time.Millisecond)
}

func TestRelayServer_Healthz(t *testing.T) {
	_, server := newTestRelay(t)

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestRelayServer_ShutdownClosesSessions(t *testing.T) {
	relay, server := newTestRelay(t)
	conn, _ := dial(t, server)

	require.NoError(t, relay.Shutdown(context.Background()))
	conn.SetReadDeadline(time.Now().Add(waitFor))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestClientAgainstRelay(t *testing.T) {
	_, server := newTestRelay(t)

	cfg := config.Default().Client
	cfg.ServerURL = server.URL
	cfg.ConnectTimeout = waitFor
	cfg.AutoPublishPeriod = 50 * time.Millisecond
	cfg.TimerResolution = 10 * time.Millisecond

	client, err := player.NewClient(player.Options{
		Config:  cfg,
		Monitor: monitor.NewMonitor("client_test", prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	defer client.Close()

	client.Connect()
	require.Eventually(t, func() bool { return client.State() == state.Connected }, waitFor, 10*time.Millisecond)
	actor := client.LocalActorID()
	require.NotEmpty(t, actor)

	require.NoError(t, client.SendMove(10, 20))
	require.Eventually(t, func() bool { return len(client.Moves()) == 1 }, waitFor, 10*time.Millisecond)
	move := client.Moves()[0]
	assert.Equal(t, actor, move.ActorID)
	assert.Equal(t, 10, move.X)
	assert.Equal(t, 20, move.Y)

	client.StartAutoMovement()
	require.Eventually(t, func() bool { return len(client.Moves()) >= 3 }, waitFor, 10*time.Millisecond)

	client.Disconnect()
	require.Eventually(t, func() bool { return client.State() == state.Disconnected }, waitFor, 10*time.Millisecond)
	assert.False(t, client.AutoMovementActive())
	assert.Empty(t, client.LocalActorID())

	// reconnect gets a fresh identity over a fresh transport
	client.Connect()
	require.Eventually(t, func() bool { return client.State() == state.Connected }, waitFor, 10*time.Millisecond)
	assert.NotEqual(t, actor, client.LocalActorID())
}

func TestEnvelopeShapeOnTheWire(t *testing.T) {
	_, server := newTestRelay(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(waitFor))
	msgType, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(frame, &raw))
	assert.JSONEq(t, `"connected"`, string(raw["event"]))
	assert.Contains(t, string(raw["data"]), "playerId")
}
