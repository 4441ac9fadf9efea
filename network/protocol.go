package network

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire events.
const (
	EventConnected    = "connected"
	EventPlayerMove   = "player_move"
	EventPlayerJoined = "player_joined"
	EventPlayerLeft   = "player_left"
	EventError        = "error"
	EventGetPlayers   = "get_players"
	EventPlayersList  = "players_list"
)

// Lifecycle events raised locally by a Transport; they never travel on the wire.
const (
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
)

var (
	ErrEmptyEvent = errors.New("envelope has no event name")
	ErrLocalEvent = errors.New("event name is reserved for local lifecycle events")
)

// IsLocalEvent reports whether event is raised only by a Transport itself.
func IsLocalEvent(event string) bool {
	switch event {
	case EventConnect, EventConnectError, EventDisconnect:
		return true
	}
	return false
}

// Envelope 每个 websocket 文本帧承载一个事件: {"event": ..., "data": ...}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DisconnectPayload accompanies EventDisconnect.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

func NewEnvelope(event string, payload interface{}) (*Envelope, error) {
	if event == "" {
		return nil, ErrEmptyEvent
	}
	env := &Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = data
	}
	return env, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Bind decodes the payload into v.
func (e *Envelope) Bind(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	return json.Unmarshal(e.Data, v)
}

// DecodeError marks a malformed frame. The socket that delivered it is
// still healthy.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode envelope: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

func DecodeEnvelope(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if env.Event == "" {
		return nil, &DecodeError{Err: ErrEmptyEvent}
	}
	if IsLocalEvent(env.Event) {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %s", ErrLocalEvent, env.Event)}
	}
	return &env, nil
}

// IsDecodeError reports whether err came from a malformed frame.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
