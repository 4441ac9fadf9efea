// Package presence forwards discrete lifecycle signals (peers joining or
// leaving, protocol errors) to whoever is listening. Delivery is best effort:
// nothing is buffered or replayed by the relay.
package presence

import (
	"sync"
	"time"

	"github.com/wfunc/movecast/logger"
	"go.uber.org/zap"
)

type Kind int

const (
	PeerJoined Kind = iota
	PeerLeft
	ProtocolError
)

func (k Kind) String() string {
	switch k {
	case PeerJoined:
		return "peer_joined"
	case PeerLeft:
		return "peer_left"
	case ProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// Event is one relayed signal. ActorID is set for peer events, Message for
// protocol errors.
type Event struct {
	Kind    Kind
	ActorID string
	Message string
	At      time.Time
}

type Sink interface {
	Notify(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Notify(e Event) { f(e) }

// Relay fans events out to its sinks.
type Relay struct {
	mu    sync.RWMutex
	sinks []Sink
	now   func() time.Time
}

func NewRelay(sinks ...Sink) *Relay {
	return &Relay{sinks: sinks, now: time.Now}
}

func (r *Relay) AddSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

func (r *Relay) PeerJoined(actorID string) {
	r.publish(Event{Kind: PeerJoined, ActorID: actorID})
}

func (r *Relay) PeerLeft(actorID string) {
	r.publish(Event{Kind: PeerLeft, ActorID: actorID})
}

func (r *Relay) ProtocolError(message string) {
	r.publish(Event{Kind: ProtocolError, Message: message})
}

// Report relays err as a ProtocolError. nil is ignored.
func (r *Relay) Report(err error) {
	if err == nil {
		return
	}
	r.ProtocolError(err.Error())
}

func (r *Relay) publish(e Event) {
	e.At = r.now()

	r.mu.RLock()
	sinks := r.sinks
	r.mu.RUnlock()

	for _, s := range sinks {
		deliver(s, e)
	}
}

// deliver recovers a panicking sink; the remaining sinks still get e.
func deliver(s Sink, e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Log.Errorf("presence sink panicked on %s: %v", e.Kind, rec)
		}
	}()
	s.Notify(e)
}

// LogSink writes every event to a zap logger.
type LogSink struct {
	Log *zap.SugaredLogger
}

func (s LogSink) Notify(e Event) {
	log := s.Log
	if log == nil {
		log = logger.Log
	}
	switch e.Kind {
	case ProtocolError:
		log.Warnw("protocol error", "message", e.Message)
	default:
		log.Infow(e.Kind.String(), "actor", e.ActorID)
	}
}

// ChannelSink offers events on C without blocking; an event is dropped when
// the consumer is not keeping up.
type ChannelSink struct {
	C chan Event
}

func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{C: make(chan Event, size)}
}

func (s *ChannelSink) Notify(e Event) {
	select {
	case s.C <- e:
	default:
	}
}
