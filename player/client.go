// Package player wires the connection manager, move history, publisher and
// notification relay around a single event loop.
package player

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/wfunc/movecast/config"
	"github.com/wfunc/movecast/connection"
	"github.com/wfunc/movecast/logger"
	"github.com/wfunc/movecast/models"
	"github.com/wfunc/movecast/monitor"
	"github.com/wfunc/movecast/network"
	"github.com/wfunc/movecast/presence"
	"github.com/wfunc/movecast/publisher"
	"github.com/wfunc/movecast/state"
	"github.com/wfunc/movecast/stream"
	"github.com/wfunc/movecast/timer"
)

// ErrClientClosed is returned by synchronous commands after Close.
var ErrClientClosed = errors.New("client closed")

const postQueueSize = 256

type Options struct {
	Config config.ClientConfig
	// Transport builds the transport for each connection attempt. Defaults to
	// a websocket transport for Config.ServerURL.
	Transport connection.Factory
	Monitor   *monitor.Monitor
	Intn      func(n int) int
	Now       func() time.Time
}

// Client 客户端门面：所有状态变更都在 loop goroutine 上串行执行
type Client struct {
	conn    *connection.Manager
	moves   *stream.Stream
	pub     *publisher.Publisher
	relay   *presence.Relay
	timers  *timer.TimerManager
	monitor *monitor.Monitor

	playersMu       sync.RWMutex
	players         []models.PlayerInfo
	playersHandlers []func([]models.PlayerInfo) // loop only

	posts     chan func()
	closeChan chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTransportFactory returns a factory building one WSTransport per attempt.
func NewTransportFactory(cfg config.ClientConfig) connection.Factory {
	return func() network.Transport {
		return network.NewWSTransport(network.TransportOptions{
			URL:               cfg.ServerURL,
			ConnectTimeout:    cfg.ConnectTimeout,
			Transports:        cfg.Transports,
			HeartbeatInterval: cfg.HeartbeatInterval,
		})
	}
}

func NewClient(opts Options) (*Client, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := stream.ParsePolicy(cfg.EvictionPolicy)
	if err != nil {
		return nil, err
	}
	factory := opts.Transport
	if factory == nil {
		factory = NewTransportFactory(cfg)
	}

	c := &Client{
		relay:     presence.NewRelay(presence.LogSink{}),
		monitor:   opts.Monitor,
		posts:     make(chan func(), postQueueSize),
		closeChan: make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.timers = timer.NewTimerManager(
		timer.WithDispatcher(func(fn func()) { c.post(fn) }),
		timer.WithResolution(cfg.TimerResolution),
	)
	c.moves = stream.New(stream.Options{Capacity: cfg.HistoryCapacity, Policy: policy, Now: opts.Now})
	c.conn = connection.NewManager(factory, func(fn func()) { c.post(fn) })
	c.pub = publisher.New(c.conn, c.timers, publisher.Options{
		Period:  cfg.AutoPublishPeriod,
		Intn:    opts.Intn,
		OnError: c.reportError,
		OnSent: func(_ models.MovePayload, source publisher.Source) {
			if c.monitor != nil {
				c.monitor.MoveSent(string(source))
			}
		},
	})

	c.conn.OnError(c.reportError)
	c.conn.OnStateChange(func(tr state.Transition) {
		if c.monitor != nil {
			c.monitor.StateChanged(tr.To.String())
		}
	})
	c.moves.Subscribe(func(change stream.Change) {
		if c.monitor == nil {
			return
		}
		switch change.Kind {
		case stream.Added:
			c.monitor.MoveIngested(len(change.Evicted) > 0, change.Len)
		case stream.Cleared:
			c.monitor.HistoryCleared()
		}
	})

	handlers := map[string]network.Handler{
		network.EventPlayerMove:   c.onPlayerMove,
		network.EventPlayerJoined: c.onPeer(c.relay.PeerJoined),
		network.EventPlayerLeft:   c.onPeer(c.relay.PeerLeft),
		network.EventError:        c.onServerError,
		network.EventPlayersList:  c.onPlayersList,
	}
	for event, h := range handlers {
		if err := c.conn.Handle(event, h); err != nil {
			return nil, err
		}
	}

	go c.loop()
	return c, nil
}

// loop 客户端主循环，按到达顺序执行回调
func (c *Client) loop() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.posts:
			c.run(fn)
		case <-c.closeChan:
			return
		}
	}
}

func (c *Client) run(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Log.Errorf("event loop callback panicked: %v", rec)
		}
	}()
	fn()
}

// post queues fn on the loop. It reports false once the client is closed.
func (c *Client) post(fn func()) bool {
	select {
	case <-c.closeChan:
		return false
	default:
	}
	select {
	case c.posts <- fn:
		return true
	case <-c.closeChan:
		return false
	}
}

// do runs fn on the loop and waits for it. Must not be called from the loop.
func (c *Client) do(fn func()) bool {
	finished := make(chan struct{})
	if !c.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-c.done:
		return false
	}
}

// --- commands ---

func (c *Client) Connect() {
	c.post(c.conn.Connect)
}

func (c *Client) Disconnect() {
	c.post(c.conn.Disconnect)
}

// SendMove sends one move and returns the outcome. Handlers registered on
// the client run on the loop and must not call it.
func (c *Client) SendMove(x, y int) error {
	var err error
	if !c.do(func() { err = c.pub.SendMove(x, y) }) {
		return ErrClientClosed
	}
	return err
}

func (c *Client) SendRandomMove() error {
	var err error
	if !c.do(func() { err = c.pub.SendRandomMove() }) {
		return ErrClientClosed
	}
	return err
}

// RequestPlayers asks the server for its player list; the answer arrives
// through OnPlayersList.
func (c *Client) RequestPlayers() error {
	var err error
	if !c.do(func() { err = c.conn.Emit(network.EventGetPlayers, nil) }) {
		return ErrClientClosed
	}
	return err
}

func (c *Client) StartAutoMovement() {
	c.post(func() { c.pub.StartAutoMovement() })
}

func (c *Client) StopAutoMovement() {
	c.post(c.pub.StopAutoMovement)
}

func (c *Client) ClearMoves() {
	c.post(c.moves.Clear)
}

// --- queries ---

func (c *Client) State() state.ConnectionState {
	return c.conn.State()
}

func (c *Client) LocalActorID() string {
	return c.conn.LocalActorID()
}

// Status returns the connection state and local actor id as one pair.
func (c *Client) Status() (state.ConnectionState, string) {
	return c.conn.Status()
}

// Moves returns a copy of the history, newest first.
func (c *Client) Moves() []models.PlayerMove {
	return c.moves.Snapshot()
}

func (c *Client) AutoMovementActive() bool {
	return c.pub.Active()
}

// Players returns the last players_list received.
func (c *Client) Players() []models.PlayerInfo {
	c.playersMu.RLock()
	defer c.playersMu.RUnlock()
	return append([]models.PlayerInfo(nil), c.players...)
}

// --- subscriptions ---

// OnStateChange registers h on the loop; it sees every transition posted
// after this call.
func (c *Client) OnStateChange(h func(state.Transition)) {
	c.post(func() { c.conn.OnStateChange(h) })
}

func (c *Client) OnMovesChanged(h func(stream.Change)) {
	c.moves.Subscribe(h)
}

func (c *Client) OnPlayersList(h func([]models.PlayerInfo)) {
	c.post(func() { c.playersHandlers = append(c.playersHandlers, h) })
}

func (c *Client) AddSink(s presence.Sink) {
	if s == nil {
		return
	}
	c.relay.AddSink(s)
}

// Close stops auto movement, disconnects and shuts the loop down. It is safe
// to call more than once, but not from a handler running on the loop.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.do(func() {
			c.pub.StopAutoMovement()
			c.conn.Disconnect()
		})
		c.timers.Stop()
		close(c.closeChan)
		<-c.done
	})
}

// --- inbound events, run on the loop ---

func (c *Client) onPlayerMove(data json.RawMessage) {
	if _, err := c.moves.IngestJSON(data); err != nil {
		if c.monitor != nil {
			c.monitor.MoveRejected()
		}
		c.reportError(err)
	}
}

func (c *Client) onPeer(notify func(string)) network.Handler {
	return func(data json.RawMessage) {
		var payload models.ActorPayload
		if err := json.Unmarshal(data, &payload); err != nil || payload.PlayerID == "" {
			c.reportError(&models.ValidationError{Field: "playerId", Reason: "missing from presence event"})
			return
		}
		notify(payload.PlayerID)
	}
}

func (c *Client) onServerError(data json.RawMessage) {
	var payload models.ErrorPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Message == "" {
		payload.Message = "server reported an error"
	}
	if c.monitor != nil {
		c.monitor.IncProtocolErrors()
	}
	c.relay.ProtocolError(payload.Message)
}

func (c *Client) onPlayersList(data json.RawMessage) {
	var payload models.PlayersListPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.reportError(&network.DecodeError{Err: err})
		return
	}
	c.playersMu.Lock()
	c.players = payload.Players
	c.playersMu.Unlock()

	for _, h := range c.playersHandlers {
		h(payload.Players)
	}
}

func (c *Client) reportError(err error) {
	if c.monitor != nil {
		c.monitor.IncProtocolErrors()
	}
	c.relay.Report(err)
}
