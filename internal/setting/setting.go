// Package setting implements optimistic device parameters: a requested value
// is shown immediately and reverted if the device never acknowledges it.
package setting

import (
	"sync"
	"time"

	"skylink/internal/engine"
)

// DefaultTimeout is how long a requested value waits for the device echo
// before it is rolled back.
const DefaultTimeout = 5 * time.Second

// Env is shared by every setting of a device session.
type Env struct {
	Scheduler engine.Scheduler
	Timeout   time.Duration
	// OnRollback, if set, is called on the loop each time a request expires.
	OnRollback func(name string)
}

func (e Env) timeout() time.Duration {
	if e.Timeout <= 0 {
		return DefaultTimeout
	}
	return e.Timeout
}

// Setting is a device parameter with an optimistic pending value.
//
// Set, Confirm, Load and CancelRollback must run on the engine loop. Value,
// Updating and Confirmed may be called from anywhere.
type Setting[V comparable] struct {
	name     string
	env      Env
	send     func(V) bool
	onChange func()

	mu         sync.RWMutex
	confirmed  V
	pending    V
	hasPending bool
	timer      engine.Timer
	gen        uint64
}

// New creates a setting with initial as its confirmed value. send forwards
// a request to the device and reports whether it was accepted for delivery.
// onChange is called after every observable change.
func New[V comparable](env Env, name string, initial V, send func(V) bool, onChange func()) *Setting[V] {
	return &Setting[V]{
		name:      name,
		env:       env,
		send:      send,
		onChange:  onChange,
		confirmed: initial,
	}
}

// Name returns the setting name used in logs and metrics.
func (s *Setting[V]) Name() string {
	return s.name
}

// Value returns the pending value if a request is outstanding, otherwise
// the confirmed one.
func (s *Setting[V]) Value() V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.hasPending {
		return s.pending
	}
	return s.confirmed
}

// Confirmed returns the last value acknowledged by the device.
func (s *Setting[V]) Confirmed() V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmed
}

// Updating reports whether a request is waiting for acknowledgement.
func (s *Setting[V]) Updating() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasPending
}

// Set requests v and returns the value now exposed by the setting. When the
// device link refuses the command nothing changes.
func (s *Setting[V]) Set(v V) V {
	s.mu.Lock()
	if !s.hasPending && v == s.confirmed {
		s.mu.Unlock()
		return v
	}
	s.mu.Unlock()

	if s.send != nil && !s.send(v) {
		return s.Value()
	}

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.pending = v
	s.hasPending = true
	s.gen++
	gen := s.gen
	s.timer = s.env.Scheduler.AfterFunc(s.env.timeout(), func() { s.expire(gen) })
	s.mu.Unlock()

	s.changed()
	return v
}

// Confirm records a value echoed by the device. An echo that differs from
// the outstanding request is an acknowledgement of an older request: it
// becomes the confirmed value but the newer request stays pending.
func (s *Setting[V]) Confirm(v V) {
	s.confirm(v)
}

func (s *Setting[V]) confirm(v V) bool {
	s.mu.Lock()
	before, wasPending := s.valueLocked(), s.hasPending
	s.confirmed = v
	if s.hasPending && s.pending == v {
		s.clearLocked()
	}
	after, isPending := s.valueLocked(), s.hasPending
	s.mu.Unlock()

	if before != after || wasPending != isPending {
		s.changed()
		return true
	}
	return false
}

// Load seeds the confirmed value from persisted storage. It does not notify
// and is ignored while a request is pending.
func (s *Setting[V]) Load(v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasPending {
		s.confirmed = v
	}
}

// CancelRollback disarms the rollback timer and drops the pending request
// without reporting a change, so a session teardown cannot race with an
// expiring request.
func (s *Setting[V]) CancelRollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Setting[V]) expire(gen uint64) {
	s.mu.Lock()
	if !s.hasPending || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.hasPending = false
	var zero V
	s.pending = zero
	s.mu.Unlock()

	if s.env.OnRollback != nil {
		s.env.OnRollback(s.name)
	}
	s.changed()
}

func (s *Setting[V]) valueLocked() V {
	if s.hasPending {
		return s.pending
	}
	return s.confirmed
}

func (s *Setting[V]) clearLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	var zero V
	s.pending = zero
	s.hasPending = false
	s.gen++
}

func (s *Setting[V]) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
