// Package publisher sends the local actor's moves, either one at a time or
// periodically through a single auto-publish task.
package publisher

import (
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/wfunc/movecast/connection"
	"github.com/wfunc/movecast/logger"
	"github.com/wfunc/movecast/models"
	"github.com/wfunc/movecast/network"
	"github.com/wfunc/movecast/state"
)

// DefaultPeriod 自动发送间隔
const DefaultPeriod = 2 * time.Second

// Source labels where an outgoing move came from.
type Source string

const (
	SourceManual Source = "manual"
	SourceRandom Source = "random"
	SourceAuto   Source = "auto"
)

// Conn is the part of the connection manager the publisher needs.
type Conn interface {
	State() state.ConnectionState
	LocalActorID() string
	Emit(event string, payload interface{}) error
	OnStateChange(func(state.Transition))
}

// Scheduler is satisfied by *timer.TimerManager.
type Scheduler interface {
	AddTimer(delay, interval time.Duration, callback func()) int64
	RemoveTimer(id int64) bool
}

type Options struct {
	Period time.Duration
	// Intn returns a uniform int in [0, n). Defaults to math/rand/v2.
	Intn    func(n int) int
	OnError func(error)
	OnSent  func(models.MovePayload, Source)
}

// Publisher must be driven from the same goroutine as its Conn. Active is
// safe from any goroutine.
type Publisher struct {
	conn    Conn
	timers  Scheduler
	period  time.Duration
	intn    func(int) int
	onError func(error)
	onSent  func(models.MovePayload, Source)

	// active holds the generation of the running task, 0 when none. It is
	// set before the timer is scheduled so a tick always sees its own value.
	active  atomic.Uint64
	nextGen atomic.Uint64
	timerID int64 // loop only
}

func New(conn Conn, timers Scheduler, opts Options) *Publisher {
	p := &Publisher{
		conn:    conn,
		timers:  timers,
		period:  opts.Period,
		intn:    opts.Intn,
		onError: opts.OnError,
		onSent:  opts.OnSent,
	}
	if p.period <= 0 {
		p.period = DefaultPeriod
	}
	if p.intn == nil {
		p.intn = rand.IntN
	}

	conn.OnStateChange(func(tr state.Transition) {
		if tr.To != state.Connected {
			p.StopAutoMovement()
		}
	})
	return p
}

// SendMove emits one move for the local actor. Nothing is queued when the
// connection is not established.
func (p *Publisher) SendMove(x, y int) error {
	return p.send(x, y, SourceManual)
}

// SendRandomMove sends one move with uniform random coordinates.
func (p *Publisher) SendRandomMove() error {
	x, y := p.randomPoint()
	return p.send(x, y, SourceRandom)
}

// StartAutoMovement starts the periodic task if none is running and the
// connection is established. It reports whether a task is active afterwards.
func (p *Publisher) StartAutoMovement() bool {
	if p.active.Load() != 0 {
		return true
	}
	if p.conn.State() != state.Connected {
		logger.Log.Debug("auto movement not started: not connected")
		return false
	}

	gen := p.nextGen.Add(1)
	p.active.Store(gen)
	p.timerID = p.timers.AddTimer(p.period, p.period, func() { p.tick(gen) })
	logger.Log.Infof("auto movement started, period %s", p.period)
	return true
}

func (p *Publisher) StopAutoMovement() {
	if p.active.Swap(0) == 0 {
		return
	}
	p.timers.RemoveTimer(p.timerID)
	p.timerID = 0
	logger.Log.Info("auto movement stopped")
}

func (p *Publisher) Active() bool {
	return p.active.Load() != 0
}

func (p *Publisher) tick(gen uint64) {
	if gen != p.active.Load() {
		return
	}
	x, y := p.randomPoint()
	if err := p.send(x, y, SourceAuto); err != nil {
		logger.Log.Warnf("auto movement tick: %v", err)
		if p.onError != nil {
			p.onError(err)
		}
	}
}

func (p *Publisher) send(x, y int, source Source) error {
	if p.conn.State() != state.Connected {
		return connection.ErrNotConnected
	}

	move := models.MovePayload{PlayerID: p.conn.LocalActorID(), X: x, Y: y}
	if err := move.Validate(); err != nil {
		return err
	}
	if err := p.conn.Emit(network.EventPlayerMove, move); err != nil {
		return err
	}

	if p.onSent != nil {
		p.onSent(move, source)
	}
	return nil
}

func (p *Publisher) randomPoint() (int, int) {
	return p.intn(models.CoordinateLimit), p.intn(models.CoordinateLimit)
}
