// timer/timer.go
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// DefaultResolution 调度器检查到期任务的间隔
const DefaultResolution = 100 * time.Millisecond

type TimerTask struct {
	Id        int64
	Execute   time.Time
	Interval  time.Duration
	Callback  func()
	index     int
	cancelled bool
}

type TimerQueue []*TimerTask

func (q TimerQueue) Len() int { return len(q) }

func (q TimerQueue) Less(i, j int) bool {
	return q[i].Execute.Before(q[j].Execute)
}

func (q TimerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *TimerQueue) Push(x interface{}) {
	n := len(*q)
	task := x.(*TimerTask)
	task.index = n
	*q = append(*q, task)
}

func (q *TimerQueue) Pop() interface{} {
	old := *q
	n := len(old)
	task := old[n-1]
	task.index = -1
	*q = old[0 : n-1]
	return task
}

// Option 调度器配置项
type Option func(*TimerManager)

// WithDispatcher hands due callbacks to dispatch instead of running each on
// its own goroutine. Pass an event loop's Post to keep ticks on that loop.
func WithDispatcher(dispatch func(func())) Option {
	return func(m *TimerManager) {
		if dispatch != nil {
			m.dispatch = dispatch
		}
	}
}

// WithResolution sets how often the queue is checked for due tasks.
func WithResolution(d time.Duration) Option {
	return func(m *TimerManager) {
		if d > 0 {
			m.resolution = d
		}
	}
}

type TimerManager struct {
	queue      TimerQueue
	tasks      map[int64]*TimerTask
	mutex      sync.Mutex
	nextId     int64
	dispatch   func(func())
	resolution time.Duration
	closeChan  chan struct{}
	closeOnce  sync.Once
}

func NewTimerManager(opts ...Option) *TimerManager {
	manager := &TimerManager{
		queue:      make(TimerQueue, 0),
		tasks:      make(map[int64]*TimerTask),
		nextId:     1,
		dispatch:   func(fn func()) { go fn() },
		resolution: DefaultResolution,
		closeChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(manager)
	}
	heap.Init(&manager.queue)
	go manager.process()
	return manager
}

// AddTimer schedules callback after delay; a positive interval makes it
// recurring. Returns the timer id.
func (m *TimerManager) AddTimer(delay time.Duration, interval time.Duration, callback func()) int64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	task := &TimerTask{
		Id:       m.nextId,
		Execute:  time.Now().Add(delay),
		Interval: interval,
		Callback: callback,
	}
	m.nextId++

	heap.Push(&m.queue, task)
	m.tasks[task.Id] = task
	return task.Id
}

// RemoveTimer cancels a timer. A callback already handed to the dispatcher
// but not yet run is skipped. Reports whether the timer was still live.
func (m *TimerManager) RemoveTimer(timerId int64) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	task, ok := m.tasks[timerId]
	if !ok {
		return false
	}
	task.cancelled = true
	delete(m.tasks, timerId)
	if task.index >= 0 {
		heap.Remove(&m.queue, task.index)
	}
	return true
}

// Active reports whether the timer is scheduled and not cancelled.
func (m *TimerManager) Active(timerId int64) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.tasks[timerId]
	return ok
}

// Len returns the number of live timers.
func (m *TimerManager) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.tasks)
}

// Stop cancels every timer and ends the processing goroutine.
func (m *TimerManager) Stop() {
	m.closeOnce.Do(func() {
		m.mutex.Lock()
		for id, task := range m.tasks {
			task.cancelled = true
			delete(m.tasks, id)
		}
		m.queue = m.queue[:0]
		m.mutex.Unlock()
		close(m.closeChan)
	})
}

func (m *TimerManager) process() {
	ticker := time.NewTicker(m.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, task := range m.due(time.Now()) {
				m.dispatch(m.fire(task))
			}
		case <-m.closeChan:
			return
		}
	}
}

// due pops every expired task and reschedules recurring ones.
func (m *TimerManager) due(now time.Time) []*TimerTask {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var expired []*TimerTask
	for m.queue.Len() > 0 {
		task := m.queue[0]
		if task.Execute.After(now) {
			break
		}

		heap.Pop(&m.queue)
		expired = append(expired, task)

		if task.Interval > 0 {
			task.Execute = task.Execute.Add(task.Interval)
			if !task.Execute.After(now) {
				task.Execute = now.Add(task.Interval)
			}
			heap.Push(&m.queue, task)
		}
	}
	return expired
}

func (m *TimerManager) fire(task *TimerTask) func() {
	return func() {
		m.mutex.Lock()
		cancelled := task.cancelled
		if !cancelled && task.Interval <= 0 {
			delete(m.tasks, task.Id)
		}
		m.mutex.Unlock()

		if cancelled {
			return
		}
		task.Callback()
	}
}
