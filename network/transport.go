package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/wfunc/movecast/logger"
)

// Handler receives the raw payload of one inbound event.
type Handler func(data json.RawMessage)

// Transport is a bidirectional named-event channel. One instance carries at
// most one connection; callers build a fresh instance per connection attempt.
type Transport interface {
	// On binds h to event. Each event can be bound once per instance.
	On(event string, h Handler) error
	// Open starts connecting in the background. Completion is reported via
	// EventConnect or EventConnectError, a later drop via EventDisconnect.
	Open()
	Emit(event string, payload interface{}) error
	// Close tears the connection down. Once it returns the instance is
	// unusable.
	Close() error
}

// Transport names in fallback order.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

type TransportOptions struct {
	URL               string
	ConnectTimeout    time.Duration
	Transports        []string
	HeartbeatInterval time.Duration
	Dialer            *websocket.Dialer
}

// WSTransport implements Transport over gorilla/websocket with JSON envelopes.
type WSTransport struct {
	opts TransportOptions

	handlers map[string]Handler
	hmu      sync.RWMutex

	mu     sync.Mutex
	conn   *websocket.Conn
	opened bool
	closed bool

	sendMutex sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewWSTransport(opts TransportOptions) *WSTransport {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 20 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if len(opts.Transports) == 0 {
		opts.Transports = []string{TransportWebSocket}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSTransport{
		opts:     opts,
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (t *WSTransport) On(event string, h Handler) error {
	t.hmu.Lock()
	defer t.hmu.Unlock()

	if _, exists := t.handlers[event]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerBound, event)
	}
	t.handlers[event] = h
	return nil
}

func (t *WSTransport) Open() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.opened || t.closed {
		return
	}
	t.opened = true
	go t.run()
}

func (t *WSTransport) run() {
	conn, err := t.dial()
	if err != nil {
		t.fire(EventConnectError, map[string]string{"message": err.Error()})
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.mu.Unlock()

	t.fire(EventConnect, nil)

	done := make(chan struct{})
	go t.pingLoop(conn, done)
	reason := t.readPump(conn)
	close(done)

	t.fire(EventDisconnect, DisconnectPayload{Reason: reason})
}

// dial walks the configured transports in order; only websocket is dialable.
func (t *WSTransport) dial() (*websocket.Conn, error) {
	target, err := websocketURL(t.opts.URL)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	var lastErr error = ErrNoTransport
	for _, name := range t.opts.Transports {
		if name != TransportWebSocket {
			logger.Log.Warnf("transport %q is not supported by this client, skipping", name)
			continue
		}
		conn, err := t.dialWebSocket(target)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			break
		}
	}
	return nil, &TransportError{Op: "dial", Err: lastErr}
}

func (t *WSTransport) dialWebSocket(target string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.opts.ConnectTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		conn, _, err := t.opts.Dialer.DialContext(ctx, target, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(t.opts.ConnectTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Log.Debugf("dial %s failed, retrying in %s: %v", target, next, err)
		}),
	)
}

// readPump 读取服务端事件并分发，返回断开原因
func (t *WSTransport) readPump(conn *websocket.Conn) string {
	pongWait := t.opts.HeartbeatInterval * 2
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if t.isClosed() {
				return "client disconnect"
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "server disconnect"
			}
			return "transport error: " + err.Error()
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := DecodeEnvelope(frame)
		if err != nil {
			t.fire(EventError, map[string]string{"message": err.Error()})
			continue
		}
		t.dispatch(env.Event, env.Data)
	}
}

func (t *WSTransport) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sendMutex.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			t.sendMutex.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (t *WSTransport) Emit(event string, payload interface{}) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return &TransportError{Op: "emit", Event: event, Err: err}
	}
	frame, err := env.Encode()
	if err != nil {
		return &TransportError{Op: "emit", Event: event, Err: err}
	}

	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed {
		return &TransportError{Op: "emit", Event: event, Err: ErrClosed}
	}
	if conn == nil {
		return &TransportError{Op: "emit", Event: event, Err: ErrNotOpen}
	}

	t.sendMutex.Lock()
	defer t.sendMutex.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &TransportError{Op: "emit", Event: event, Err: err}
	}
	return nil
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	t.cancel()
	if conn == nil {
		return nil
	}

	t.sendMutex.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.sendMutex.Unlock()

	if err := conn.Close(); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

func (t *WSTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *WSTransport) fire(event string, payload interface{}) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			logger.Log.Errorf("marshal local %s event: %v", event, err)
			return
		}
		data = raw
	}
	t.dispatch(event, data)
}

func (t *WSTransport) dispatch(event string, data json.RawMessage) {
	t.hmu.RLock()
	h, ok := t.handlers[event]
	t.hmu.RUnlock()

	if !ok {
		logger.Log.Debugf("no handler for event %q", event)
		return
	}
	h(data)
}

// websocketURL maps http(s) server URLs onto ws(s).
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
