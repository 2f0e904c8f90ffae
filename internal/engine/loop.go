// Package engine provides the single execution context on which all session
// state is mutated.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Call when the loop is no longer running.
var ErrStopped = errors.New("engine loop stopped")

// Timer is a handle on a scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Scheduler schedules callbacks on the engine context.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Loop runs posted functions one at a time, in posting order, on a single
// goroutine. Timers created by AfterFunc fire on that same goroutine so a
// Stop issued earlier in loop order always wins over the callback.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	stopped atomic.Bool
	done    chan struct{}
}

// NewLoop creates a loop. Nothing runs until Run is called.
func NewLoop(logger *slog.Logger) *Loop {
	return &Loop{
		logger: logger.With("component", "engine"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Run executes posted functions until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.stopped.Store(true)
		close(l.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}

		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.exec(fn)
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panic", "panic", r)
		}
	}()
	fn()
}

// Post queues fn for execution on the loop. It never blocks and returns
// false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	if l.stopped.Load() {
		return false
	}
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to complete. It must not be
// called from the loop itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

const (
	timerPending int32 = iota
	timerStopped
	timerFired
)

type loopTimer struct {
	state atomic.Int32
	t     *time.Timer
}

func (lt *loopTimer) Stop() bool {
	if lt.state.CompareAndSwap(timerPending, timerStopped) {
		lt.t.Stop()
		return true
	}
	return false
}

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.state.CompareAndSwap(timerPending, timerFired) {
				fn()
			}
		})
	})
	return lt
}
