// Package stream keeps the bounded, newest-first history of moves observed
// on the connection.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wfunc/movecast/models"
)

// DefaultCapacity 默认保留最近 20 条移动
const DefaultCapacity = 20

// ErrHistoryFull is returned by Ingest under DropIncoming once the history
// holds Capacity moves.
var ErrHistoryFull = errors.New("move history is full")

// Policy decides what happens when a new move arrives at a full history.
type Policy int

const (
	// EvictOldest drops the tail (oldest) move to make room.
	EvictOldest Policy = iota
	// DropIncoming keeps the history as is and rejects the new move.
	DropIncoming
)

func (p Policy) String() string {
	switch p {
	case EvictOldest:
		return "evict_oldest"
	case DropIncoming:
		return "drop_incoming"
	default:
		return "unknown"
	}
}

func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "evict_oldest":
		return EvictOldest, nil
	case "drop_incoming":
		return DropIncoming, nil
	default:
		return EvictOldest, fmt.Errorf("unknown eviction policy %q", name)
	}
}

// RawMove is an inbound move notification as it came off the wire.
type RawMove struct {
	ActorID string      `json:"playerId"`
	X       json.Number `json:"x"`
	Y       json.Number `json:"y"`
}

// ParseRawMove decodes a player_move payload. Any decode failure is a
// *models.ValidationError.
func ParseRawMove(data []byte) (RawMove, error) {
	var raw RawMove
	if err := json.Unmarshal(data, &raw); err != nil {
		return RawMove{}, &models.ValidationError{Reason: "malformed payload: " + err.Error()}
	}

	// json.Number also accepts a quoted number; coordinates must be bare.
	var tokens struct {
		X json.RawMessage `json:"x"`
		Y json.RawMessage `json:"y"`
	}
	if err := json.Unmarshal(data, &tokens); err != nil {
		return RawMove{}, &models.ValidationError{Reason: "malformed payload: " + err.Error()}
	}
	if isQuoted(tokens.X) {
		return RawMove{}, &models.ValidationError{Field: "x", Reason: "must be a number, got string " + string(tokens.X)}
	}
	if isQuoted(tokens.Y) {
		return RawMove{}, &models.ValidationError{Field: "y", Reason: "must be a number, got string " + string(tokens.Y)}
	}
	return raw, nil
}

func isQuoted(token json.RawMessage) bool {
	return len(token) > 0 && token[0] == '"'
}

type ChangeKind int

const (
	Added ChangeKind = iota
	Cleared
)

// Change is delivered to subscribers after every mutation.
type Change struct {
	Kind    ChangeKind
	Move    models.PlayerMove   // Added only
	Evicted []models.PlayerMove // Added only, oldest last
	Len     int
}

type Options struct {
	Capacity int
	Policy   Policy
	Now      func() time.Time
}

// Stream owns the move history. It is safe for concurrent use, but callers
// that care about notification order should drive it from a single goroutine.
type Stream struct {
	mu       sync.RWMutex
	buf      []models.PlayerMove // ring storage
	head     int                 // index of the newest move
	n        int
	seq      uint64
	policy   Policy
	now      func() time.Time
	handlers []func(Change)
}

func New(opts Options) *Stream {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Stream{
		buf:    make([]models.PlayerMove, opts.Capacity),
		policy: opts.Policy,
		now:    opts.Now,
	}
}

// Subscribe registers fn for every subsequent Change.
func (s *Stream) Subscribe(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// IngestJSON decodes a wire payload and ingests it.
func (s *Stream) IngestJSON(data []byte) (models.PlayerMove, error) {
	raw, err := ParseRawMove(data)
	if err != nil {
		return models.PlayerMove{}, err
	}
	return s.Ingest(raw)
}

// Ingest validates raw and prepends it as a new PlayerMove.
func (s *Stream) Ingest(raw RawMove) (models.PlayerMove, error) {
	actorID := strings.TrimSpace(raw.ActorID)
	if actorID == "" {
		return models.PlayerMove{}, &models.ValidationError{Field: "playerId", Reason: "is required"}
	}
	x, err := coordinate("x", raw.X)
	if err != nil {
		return models.PlayerMove{}, err
	}
	y, err := coordinate("y", raw.Y)
	if err != nil {
		return models.PlayerMove{}, err
	}

	s.mu.Lock()
	capacity := len(s.buf)
	if s.n == capacity && s.policy == DropIncoming {
		s.mu.Unlock()
		return models.PlayerMove{}, ErrHistoryFull
	}

	now := s.now()
	s.seq++
	move := models.PlayerMove{
		ID:         fmt.Sprintf("%s-%d-%d", actorID, now.UnixMilli(), s.seq),
		ActorID:    actorID,
		X:          x,
		Y:          y,
		ReceivedAt: now,
	}

	var evicted []models.PlayerMove
	s.head = (s.head - 1 + capacity) % capacity
	if s.n == capacity {
		// 新的 head 槽位正是最旧的一条
		evicted = append(evicted, s.buf[s.head])
	} else {
		s.n++
	}
	s.buf[s.head] = move

	change := Change{Kind: Added, Move: move, Evicted: evicted, Len: s.n}
	handlers := s.handlers
	s.mu.Unlock()

	notify(handlers, change)
	return move, nil
}

// Snapshot returns a copy of the history, newest first.
func (s *Stream) Snapshot() []models.PlayerMove {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PlayerMove, s.n)
	for i := 0; i < s.n; i++ {
		out[i] = s.buf[(s.head+i)%len(s.buf)]
	}
	return out
}

// Clear empties the history. Subscribers are notified even when it was
// already empty.
func (s *Stream) Clear() {
	s.mu.Lock()
	for i := range s.buf {
		s.buf[i] = models.PlayerMove{}
	}
	s.head, s.n = 0, 0
	handlers := s.handlers
	s.mu.Unlock()

	notify(handlers, Change{Kind: Cleared})
}

func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.n
}

func (s *Stream) Capacity() int {
	return len(s.buf)
}

func notify(handlers []func(Change), change Change) {
	for _, h := range handlers {
		h(change)
	}
}

func coordinate(field string, n json.Number) (int, error) {
	if n == "" {
		return 0, &models.ValidationError{Field: field, Reason: "is required"}
	}
	v, err := n.Int64()
	if err != nil {
		return 0, &models.ValidationError{Field: field, Reason: fmt.Sprintf("must be an integer, got %s", n)}
	}
	if v < 0 || v >= models.CoordinateLimit {
		return 0, &models.ValidationError{Field: field, Reason: fmt.Sprintf("out of range [0, %d): %d", models.CoordinateLimit, v)}
	}
	return int(v), nil
}
