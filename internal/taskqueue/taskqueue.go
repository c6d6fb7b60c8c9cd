// Package taskqueue models logical threads as FIFO task runners.
//
// Every task receives a context that carries the runner executing it, so code
// can ask "am I on the UI runner?" without goroutine identity. Operations that
// must run on a particular runner either execute inline or post themselves;
// nothing in this package blocks one runner on another.
package taskqueue

import (
	"context"
	"fmt"
	"time"
)

// Task is a unit of work executed by a Runner. ctx reports the runner through
// Current.
type Task func(ctx context.Context)

// Runner is a FIFO task queue bound to one logical thread.
type Runner interface {
	// Name identifies the logical thread in logs and assertion messages.
	Name() string
	// Post enqueues task behind everything already posted.
	Post(task Task)
	// PostDelayed enqueues task once delay has elapsed.
	PostDelayed(task Task, delay time.Duration)
}

type currentKey struct{}

// WithCurrent returns a context reporting r as the executing runner.
func WithCurrent(ctx context.Context, r Runner) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, currentKey{}, r)
}

// Current returns the runner executing the task that owns ctx, or nil when ctx
// was not produced by a runner.
func Current(ctx context.Context) Runner {
	if ctx == nil {
		return nil
	}
	r, _ := ctx.Value(currentKey{}).(Runner)
	return r
}

// IsCurrent reports whether ctx belongs to a task running on r.
func IsCurrent(ctx context.Context, r Runner) bool {
	if r == nil {
		return false
	}
	return Current(ctx) == r
}

// MustBeOn panics when ctx does not belong to r. It guards operations whose
// thread affinity is part of their contract.
func MustBeOn(ctx context.Context, r Runner, op string) {
	if IsCurrent(ctx, r) {
		return
	}
	current := "<none>"
	if c := Current(ctx); c != nil {
		current = c.Name()
	}
	want := "<nil>"
	if r != nil {
		want = r.Name()
	}
	panic(fmt.Sprintf("taskqueue: %s must run on %s, called from %s", op, want, current))
}
