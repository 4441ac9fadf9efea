// Package connection owns the connection lifecycle and the server-assigned
// local actor identity.
//
// Manager methods other than State and LocalActorID must be called from the
// goroutine that runs the dispatcher passed to NewManager; inbound transport
// events are re-posted onto that dispatcher, so every state change happens on
// one logical thread.
package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wfunc/movecast/logger"
	"github.com/wfunc/movecast/models"
	"github.com/wfunc/movecast/network"
	"github.com/wfunc/movecast/state"
)

// ErrNotConnected is returned for outgoing operations attempted while the
// manager is not Connected. Nothing is queued.
var ErrNotConnected = errors.New("not connected")

// ErrReservedEvent is returned by Handle for events the manager consumes itself.
var ErrReservedEvent = errors.New("event is handled by the connection manager")

// Factory builds a fresh transport for one connection attempt.
type Factory func() network.Transport

type Manager struct {
	machine *state.Machine
	factory Factory
	post    func(func())

	transport  network.Transport
	generation uint64

	listeners     map[string]network.Handler
	events        []string // registration order
	stateHandlers []func(state.Transition)
	errorHandlers []func(error)
}

// NewManager returns a Disconnected manager. post must run callbacks one at a
// time in submission order.
func NewManager(factory Factory, post func(func())) *Manager {
	return &Manager{
		machine:   state.NewMachine(),
		factory:   factory,
		post:      post,
		listeners: make(map[string]network.Handler),
	}
}

func (m *Manager) State() state.ConnectionState {
	return m.machine.GetCurrentState()
}

// LocalActorID is empty unless Connected.
func (m *Manager) LocalActorID() string {
	return m.machine.ActorID()
}

// Status returns the state and the local actor id read together, so a
// caller never sees Connected without an id or an id while not Connected.
func (m *Manager) Status() (state.ConnectionState, string) {
	return m.machine.Snapshot()
}

// OnStateChange registers h for every subsequent transition. Handlers run
// synchronously on the dispatcher, in registration order.
func (m *Manager) OnStateChange(h func(state.Transition)) {
	m.stateHandlers = append(m.stateHandlers, h)
}

// OnError registers h for transport and protocol failures the manager
// observes but does not return to a caller.
func (m *Manager) OnError(h func(error)) {
	m.errorHandlers = append(m.errorHandlers, h)
}

// Handle registers a listener for an inbound server event. It is bound once
// on every transport instance created by later Connect calls.
func (m *Manager) Handle(event string, h network.Handler) error {
	switch event {
	case network.EventConnected, network.EventConnect, network.EventConnectError, network.EventDisconnect:
		return fmt.Errorf("%w: %s", ErrReservedEvent, event)
	}
	if _, exists := m.listeners[event]; exists {
		return fmt.Errorf("%w: %s", network.ErrHandlerBound, event)
	}
	m.listeners[event] = h
	m.events = append(m.events, event)
	return nil
}

// Connect starts a connection attempt unless one is in progress or
// established. It returns immediately; completion is a state change.
func (m *Manager) Connect() {
	if current := m.State(); current != state.Disconnected {
		logger.Log.Debugf("connect ignored while %s", current)
		return
	}

	m.transition(state.Connecting, "")

	t := m.factory()
	m.generation++
	m.transport = t

	if err := m.bind(t, m.generation); err != nil {
		m.report(err)
		m.teardown()
		m.transition(state.Disconnected, "")
		return
	}
	t.Open()
}

// Disconnect closes the active transport, if any, and transitions to
// Disconnected once Close has returned. A Connecting attempt is abandoned.
func (m *Manager) Disconnect() {
	if m.State() == state.Disconnected {
		return
	}

	if err := m.teardown(); err != nil {
		m.report(err)
	}
	m.transition(state.Disconnected, "")
}

// Emit sends one event over the active connection.
func (m *Manager) Emit(event string, payload interface{}) error {
	if m.State() != state.Connected || m.transport == nil {
		return ErrNotConnected
	}
	return m.transport.Emit(event, payload)
}

func (m *Manager) bind(t network.Transport, gen uint64) error {
	lifecycle := []struct {
		event string
		fn    network.Handler
	}{
		{network.EventConnect, m.onTransportConnect},
		{network.EventConnectError, m.onConnectError},
		{network.EventDisconnect, m.onTransportDisconnect},
		{network.EventConnected, m.onServerAck},
	}
	for _, l := range lifecycle {
		if err := t.On(l.event, m.wrap(gen, l.fn)); err != nil {
			return err
		}
	}
	for _, event := range m.events {
		if err := t.On(event, m.wrap(gen, m.listeners[event])); err != nil {
			return err
		}
	}
	return nil
}

// wrap moves a transport callback onto the dispatcher and drops it if the
// transport instance it came from has since been discarded.
func (m *Manager) wrap(gen uint64, fn network.Handler) network.Handler {
	return func(data json.RawMessage) {
		m.post(func() {
			if gen != m.generation {
				logger.Log.Debugf("dropping event from discarded transport %d", gen)
				return
			}
			fn(data)
		})
	}
}

func (m *Manager) onTransportConnect(json.RawMessage) {
	logger.Log.Debug("transport open, waiting for server acknowledgement")
}

func (m *Manager) onServerAck(data json.RawMessage) {
	if current := m.State(); current != state.Connecting {
		logger.Log.Warnf("ignoring connected acknowledgement while %s", current)
		return
	}

	var ack models.ConnectedPayload
	if err := json.Unmarshal(data, &ack); err != nil || strings.TrimSpace(ack.PlayerID) == "" {
		m.report(&models.ValidationError{Field: "playerId", Reason: "missing from connected acknowledgement"})
		m.teardown()
		m.transition(state.Disconnected, "")
		return
	}

	m.transition(state.Connected, ack.PlayerID)
}

func (m *Manager) onConnectError(data json.RawMessage) {
	if m.State() != state.Connecting {
		return
	}

	var payload models.ErrorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		logger.Log.Debugf("connect_error payload: %v", err)
	}
	if payload.Message == "" {
		payload.Message = "connect failed"
	}

	m.report(&network.TransportError{Op: "connect", Err: errors.New(payload.Message)})
	m.teardown()
	m.transition(state.Disconnected, "")
}

func (m *Manager) onTransportDisconnect(data json.RawMessage) {
	if m.State() == state.Disconnected {
		return
	}

	var payload network.DisconnectPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		logger.Log.Debugf("disconnect payload: %v", err)
	}
	logger.Log.Infof("transport dropped: %s", payload.Reason)
	if strings.HasPrefix(payload.Reason, "transport error") {
		m.report(&network.TransportError{Op: "read", Err: errors.New(payload.Reason)})
	}

	m.teardown()
	m.transition(state.Disconnected, "")
}

// teardown closes and forgets the current transport instance. Events it
// still delivers are dropped by wrap.
func (m *Manager) teardown() error {
	t := m.transport
	m.transport = nil
	m.generation++
	if t == nil {
		return nil
	}
	return t.Close()
}

func (m *Manager) transition(to state.ConnectionState, actorID string) {
	tr, err := m.machine.ChangeState(to, actorID)
	if err != nil {
		logger.Log.Errorf("connection state %s -> %s: %v", m.State(), to, err)
		return
	}
	logger.Log.Infow("connection state changed", "from", tr.From.String(), "to", tr.To.String(), "actor", tr.ActorID)

	for _, h := range m.stateHandlers {
		h(tr)
	}
}

func (m *Manager) report(err error) {
	logger.Log.Warnf("connection: %v", err)
	for _, h := range m.errorHandlers {
		h(err)
	}
}
