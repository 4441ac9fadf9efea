package state

import (
	"errors"
	"sync"
)

// ConnectionState 连接生命周期状态
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// ErrTransitionNotAllowed is returned when a state transition is not allowed.
var ErrTransitionNotAllowed = errors.New("state transition not allowed")

// Transition describes one applied state change. Seq increases by one per
// applied transition, so subscribers can detect gaps or reordering.
type Transition struct {
	From    ConnectionState
	To      ConnectionState
	ActorID string
	Seq     uint64
}

// 状态机接口
type StateMachine interface {
	ChangeState(to ConnectionState, actorID string) (Transition, error)
	GetCurrentState() ConnectionState
	AddTransition(from, to ConnectionState, condition func() bool) error
}

// Machine 连接状态机：转换表 + 可选条件
type Machine struct {
	currentState ConnectionState
	actorID      string // 仅在 Connected 时非空
	seq          uint64
	transitions  map[ConnectionState]map[ConnectionState]func() bool // from -> to -> condition
	mutex        sync.RWMutex
}

// NewMachine 创建状态机，初始状态为 Disconnected，并装载默认转换表
func NewMachine() *Machine {
	m := &Machine{
		currentState: Disconnected,
		transitions:  make(map[ConnectionState]map[ConnectionState]func() bool),
	}
	m.AddTransition(Disconnected, Connecting, nil)
	m.AddTransition(Connecting, Connected, nil)
	m.AddTransition(Connecting, Disconnected, nil) // 拨号失败或取消
	m.AddTransition(Connected, Disconnected, nil)
	return m
}

// ChangeState applies from the current state to `to`. actorID is kept only
// when entering Connected and is cleared by every other transition, under the
// same lock as the state itself.
func (sm *Machine) ChangeState(to ConnectionState, actorID string) (Transition, error) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	from := sm.currentState
	conditions, exists := sm.transitions[from]
	if !exists {
		return Transition{}, ErrTransitionNotAllowed
	}
	condition, exists := conditions[to]
	if !exists {
		return Transition{}, ErrTransitionNotAllowed
	}
	if condition != nil && !condition() {
		return Transition{}, ErrTransitionNotAllowed
	}

	sm.currentState = to
	sm.actorID = ""
	if to == Connected {
		sm.actorID = actorID
	}
	sm.seq++
	return Transition{From: from, To: to, ActorID: sm.actorID, Seq: sm.seq}, nil
}

func (sm *Machine) GetCurrentState() ConnectionState {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.currentState
}

// ActorID is empty unless Connected.
func (sm *Machine) ActorID() string {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.actorID
}

// Snapshot returns the state and actor id as one consistent pair.
func (sm *Machine) Snapshot() (ConnectionState, string) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.currentState, sm.actorID
}

// AddTransition registers (or replaces) an allowed transition. A nil
// condition always allows it.
func (sm *Machine) AddTransition(from, to ConnectionState, condition func() bool) error {
	if from == to {
		return ErrTransitionNotAllowed
	}

	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if _, exists := sm.transitions[from]; !exists {
		sm.transitions[from] = make(map[ConnectionState]func() bool)
	}

	sm.transitions[from][to] = condition
	return nil
}
