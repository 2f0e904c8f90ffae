// Package component is the typed registry through which a device exposes
// its instruments, peripherals and piloting interfaces to client code.
package component

import "fmt"

// Kind is the family a component belongs to. Each device owns one store per
// kind.
type Kind int

const (
	Instrument Kind = iota
	Peripheral
	PilotingItf
)

func (k Kind) String() string {
	switch k {
	case Instrument:
		return "instrument"
	case Peripheral:
		return "peripheral"
	case PilotingItf:
		return "piloting_itf"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Key is the untyped identity of a component descriptor.
type Key struct {
	Kind Kind
	Name string
}

func (k Key) String() string {
	return k.Kind.String() + "/" + k.Name
}

// Component is implemented by every published capability unit.
type Component interface {
	Key() Key
	Published() bool
	Publish()
	Unpublish()
}

// Descriptor identifies a component type. It ties a key to the concrete Go
// type stored under it so lookups are typed.
type Descriptor[T Component] struct {
	key Key
}

// NewDescriptor declares a descriptor for components of type T.
func NewDescriptor[T Component](kind Kind, name string) Descriptor[T] {
	return Descriptor[T]{key: Key{Kind: kind, Name: name}}
}

// Key returns the descriptor identity.
func (d Descriptor[T]) Key() Key {
	return d.key
}

// Core is embedded in every concrete component. It carries the descriptor
// key and the store the component publishes into.
type Core struct {
	key   Key
	store *Store
	self  Component
}

// NewCore binds a component to a store. self must be the outer component
// value so the store hands out the concrete type and calls its Unpublish
// override during teardown.
func NewCore(store *Store, key Key, self Component) Core {
	return Core{key: key, store: store, self: self}
}

// Key returns the component descriptor key.
func (c *Core) Key() Key {
	return c.key
}

// Published reports whether this instance is currently visible in its store.
func (c *Core) Published() bool {
	return c.store.isPublished(c.self)
}

// Publish makes the component visible and notifies observers.
func (c *Core) Publish() {
	c.store.publish(c.self)
}

// Unpublish hides the component and notifies observers. Calling it on an
// unpublished component does nothing.
func (c *Core) Unpublish() {
	c.store.unpublish(c.self)
}

// NotifyUpdated tells observers the component state changed. It is a no-op
// while the component is unpublished.
func (c *Core) NotifyUpdated() {
	c.store.updated(c.self)
}
