package component

import "sync"

// State holds the observable fields of a component. Readers take a copy
// with Get from any goroutine; writers stage changes in a Tx and commit
// them, which is the only way observers are told about a change.
//
// Transactions are expected to run on the engine loop, one at a time.
type State[S any] struct {
	mu     sync.RWMutex
	v      S
	notify func()
}

// NewState creates a state holding initial. notify is called after every
// commit that changed something; it is usually the owner's
// Core.NotifyUpdated.
func NewState[S any](initial S, notify func()) *State[S] {
	return &State[S]{v: initial, notify: notify}
}

// Get returns a copy of the current value.
func (s *State[S]) Get() S {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v
}

// Begin starts a transaction on a copy of the current value.
func (s *State[S]) Begin() *Tx[S] {
	return &Tx[S]{state: s, next: s.Get()}
}

// Tx stages modifications to a State.
type Tx[S any] struct {
	state   *State[S]
	next    S
	changed bool
	done    bool
}

// Edit applies fn to the staged value. fn reports whether it changed
// anything.
func (tx *Tx[S]) Edit(fn func(*S) bool) *Tx[S] {
	if fn(&tx.next) {
		tx.changed = true
	}
	return tx
}

// Staged returns the staged value.
func (tx *Tx[S]) Staged() S {
	return tx.next
}

// Changed reports whether any edit changed the staged value.
func (tx *Tx[S]) Changed() bool {
	return tx.changed
}

// Commit stores the staged value and notifies once if anything changed.
// A transaction commits at most once; later calls return false.
func (tx *Tx[S]) Commit() bool {
	if tx.done {
		return false
	}
	tx.done = true
	if !tx.changed {
		return false
	}
	tx.state.mu.Lock()
	tx.state.v = tx.next
	tx.state.mu.Unlock()
	if tx.state.notify != nil {
		tx.state.notify()
	}
	return true
}

// Assign sets *dst to v and reports whether the value changed.
func Assign[T comparable](dst *T, v T) bool {
	if *dst == v {
		return false
	}
	*dst = v
	return true
}
