// Package pilotingitf holds the piloting interfaces a drone publishes: the
// shared activation lifecycle and the concrete flight behaviours built on it.
package pilotingitf

import (
	"sync"

	"skylink/internal/component"
)

// State is the activation state of a piloting interface.
type State string

const (
	Unavailable State = "unavailable"
	Idle        State = "idle"
	Active      State = "active"
)

// ActivableBackend forwards activation requests to the device. Both calls
// report whether the request could be sent.
type ActivableBackend interface {
	Activate() bool
	Deactivate() bool
}

// Activable is implemented by every piloting interface.
type Activable interface {
	component.Component
	State() State
	Activate() bool
	Deactivate() bool
}

// Itf carries what every piloting interface shares: publication, the
// activation state machine and a transactional block of behaviour fields.
//
// Once unpublished an interface ignores device updates until it is
// published again, so a late acknowledgement cannot bring it back to life.
// Behaviour fields only hold for one connection: unpublishing resets them
// to their initial values. Settings are not behaviour fields and keep
// their confirmed values.
type Itf[S any] struct {
	component.Core

	backend ActivableBackend
	fields  *component.State[S]
	initial S
	// beforeUnpublish runs ahead of the forced UNAVAILABLE transition.
	beforeUnpublish func()

	mu      sync.RWMutex
	state   State
	retired bool
}

func (i *Itf[S]) setup(store *component.Store, key component.Key, self component.Component, backend ActivableBackend, initial S) {
	i.Core = component.NewCore(store, key, self)
	i.backend = backend
	i.fields = component.NewState(initial, nil)
	i.initial = initial
	i.state = Unavailable
}

// State returns the activation state.
func (i *Itf[S]) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Activate requests activation. It is refused unless the interface is
// IDLE; on success the state stays IDLE until the device confirms.
func (i *Itf[S]) Activate() bool {
	if i.State() != Idle {
		return false
	}
	return i.backend.Activate()
}

// Deactivate requests deactivation. It is refused unless the interface is
// ACTIVE.
func (i *Itf[S]) Deactivate() bool {
	if i.State() != Active {
		return false
	}
	return i.backend.Deactivate()
}

func (i *Itf[S]) get() S {
	return i.fields.Get()
}

// Publish makes the interface visible and accepts device updates again.
func (i *Itf[S]) Publish() {
	i.mu.Lock()
	i.retired = false
	i.mu.Unlock()
	i.Core.Publish()
}

// Unpublish forces UNAVAILABLE, resets the behaviour fields, then hides the
// interface. It is safe to call on an unpublished interface.
func (i *Itf[S]) Unpublish() {
	if i.beforeUnpublish != nil {
		i.beforeUnpublish()
	}
	i.mu.Lock()
	i.state = Unavailable
	i.retired = true
	i.mu.Unlock()
	// fields has no notify hook, so the reset is silent; observers hear
	// about it through the unpublish below.
	i.fields.Begin().Edit(func(v *S) bool {
		*v = i.initial
		return true
	}).Commit()
	i.Core.Unpublish()
}

// Update stages a change of activation state and behaviour fields.
type Update[S any] struct {
	itf      *Itf[S]
	tx       *component.Tx[S]
	state    State
	hasState bool
}

func (i *Itf[S]) begin() *Update[S] {
	return &Update[S]{itf: i, tx: i.fields.Begin()}
}

// SetState stages an activation state reported by the device.
func (u *Update[S]) SetState(s State) {
	u.state = s
	u.hasState = true
}

func (u *Update[S]) edit(fn func(*S) bool) {
	u.tx.Edit(fn)
}

func (u *Update[S]) staged() S {
	return u.tx.Staged()
}

// commit applies the staged changes and notifies observers once. Updates
// reaching a retired interface are dropped.
func (u *Update[S]) commit() bool {
	i := u.itf
	i.mu.Lock()
	if i.retired {
		i.mu.Unlock()
		return false
	}
	stateChanged := u.hasState && i.state != u.state
	if stateChanged {
		i.state = u.state
	}
	i.mu.Unlock()

	fieldsChanged := u.tx.Commit()
	if stateChanged || fieldsChanged {
		i.NotifyUpdated()
		return true
	}
	return false
}
