package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Runner = (*Manual)(nil)

// Manual is a deterministic Runner for tests and single-threaded embedders.
// Nothing runs until RunPending or RunOne is called, and delayed tasks only
// become runnable when Advance moves the virtual clock past their deadline.
type Manual struct {
	name string

	mu      sync.Mutex
	queue   []Task
	delayed []delayedTask
	now     time.Duration
	seq     uint64
}

type delayedTask struct {
	due  time.Duration
	seq  uint64
	task Task
}

// NewManual returns an empty manual runner.
func NewManual(name string) *Manual {
	return &Manual{name: name}
}

// Name implements Runner.
func (m *Manual) Name() string { return m.name }

// Post implements Runner.
func (m *Manual) Post(task Task) {
	if task == nil {
		return
	}
	m.mu.Lock()
	m.queue = append(m.queue, task)
	m.mu.Unlock()
}

// PostDelayed implements Runner against the virtual clock.
func (m *Manual) PostDelayed(task Task, delay time.Duration) {
	if task == nil {
		return
	}
	if delay <= 0 {
		m.Post(task)
		return
	}
	m.mu.Lock()
	m.seq++
	m.delayed = append(m.delayed, delayedTask{due: m.now + delay, seq: m.seq, task: task})
	m.mu.Unlock()
}

// Context returns a context that reports m as the current runner, as if the
// caller were a task executing on m.
func (m *Manual) Context(parent context.Context) context.Context {
	return WithCurrent(parent, m)
}

// RunOne runs the oldest queued task and reports whether there was one.
func (m *Manual) RunOne() bool {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return false
	}
	task := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	m.mu.Unlock()

	task(m.Context(context.Background()))
	return true
}

// RunPending runs queued tasks, including tasks they post, until the queue is
// empty. It returns the number of tasks executed.
func (m *Manual) RunPending() int {
	n := 0
	for m.RunOne() {
		n++
	}
	return n
}

// Advance moves the virtual clock forward and queues every delayed task whose
// deadline has passed, earliest deadline first.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now += d
	sort.SliceStable(m.delayed, func(i, j int) bool {
		if m.delayed[i].due != m.delayed[j].due {
			return m.delayed[i].due < m.delayed[j].due
		}
		return m.delayed[i].seq < m.delayed[j].seq
	})
	keep := m.delayed[:0]
	for _, dt := range m.delayed {
		if dt.due <= m.now {
			m.queue = append(m.queue, dt.task)
			continue
		}
		keep = append(keep, dt)
	}
	m.delayed = keep
}

// Len reports the number of runnable tasks.
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// DelayedLen reports the number of tasks still waiting on the virtual clock.
func (m *Manual) DelayedLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.delayed)
}
