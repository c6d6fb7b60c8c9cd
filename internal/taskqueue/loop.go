package taskqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cochaviz/composite/internal/logging"
)

var _ Runner = (*Loop)(nil)

// Loop is a Runner backed by a single goroutine. Tasks run strictly in the
// order they were posted; a task that panics terminates the process, which is
// how invariant violations inside tasks surface.
type Loop struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	queue   []Task
	timers  map[*time.Timer]struct{}
	started bool
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop creates a stopped loop. Tasks may be posted before Start; they run
// once the loop starts.
func NewLoop(name string, logger *slog.Logger) *Loop {
	return &Loop{
		name:   name,
		logger: logging.Ensure(logger).With("component", "taskqueue", "loop", name),
		timers: make(map[*time.Timer]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Name implements Runner.
func (l *Loop) Name() string { return l.name }

// Post implements Runner. Tasks posted after Stop are dropped.
func (l *Loop) Post(task Task) {
	if task == nil {
		return
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		l.logger.Debug("dropping task posted after stop")
		return
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// PostDelayed implements Runner. The task joins the FIFO queue when the delay
// expires; a non-positive delay behaves like Post.
func (l *Loop) PostDelayed(task Task, delay time.Duration) {
	if task == nil {
		return
	}
	if delay <= 0 {
		l.Post(task)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		l.mu.Lock()
		delete(l.timers, timer)
		l.mu.Unlock()
		l.Post(task)
	})
	l.timers[timer] = struct{}{}
}

// Start runs the loop on a new goroutine until ctx is cancelled or Stop is
// called. Calling Start twice is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go l.run(ctx)
}

// Stop prevents further posts and ends the loop after the tasks already queued
// have run. It returns a channel closed when the loop goroutine exits.
func (l *Loop) Stop() <-chan struct{} {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		for timer := range l.timers {
			timer.Stop()
		}
		l.timers = nil
	}
	started := l.started
	l.mu.Unlock()

	if !started {
		l.closeDone()
		return l.done
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return l.done
}

// Done is closed when the loop goroutine exits.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run(ctx context.Context) {
	defer l.closeDone()
	taskCtx := WithCurrent(ctx, l)
	l.logger.Debug("loop started")

	for {
		l.mu.Lock()
		pending := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, task := range pending {
			task(taskCtx)
		}
		if len(pending) > 0 {
			continue
		}
		if stopped {
			l.logger.Debug("loop stopped")
			return
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			for timer := range l.timers {
				timer.Stop()
			}
			l.timers = nil
			l.mu.Unlock()
			l.logger.Debug("loop cancelled", "error", ctx.Err())
			return
		}
	}
}

func (l *Loop) closeDone() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}
