package device

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// ChangeKind tells what happened to a device in a Store.
type ChangeKind string

const (
	Added   ChangeKind = "added"
	Changed ChangeKind = "changed"
	Removed ChangeKind = "removed"
)

// Change is delivered to store subscribers.
type Change struct {
	Kind   ChangeKind
	Device *Device
}

type subscriber struct {
	alive atomic.Bool
	fn    func(Change)
}

// Store is the collection of devices known to a session, keyed by uid.
// Subscribers are called synchronously at the point of mutation. A
// subscriber may unsubscribe itself or others during delivery; removed
// subscribers are skipped and the others still receive the change.
type Store struct {
	logger *slog.Logger

	mu          sync.RWMutex
	devices     map[string]*Device
	unwatch     map[string]func()
	subscribers map[uint64]*subscriber
	nextID      uint64
}

// NewStore creates an empty device store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		logger:      logger.With("component", "devices"),
		devices:     make(map[string]*Device),
		unwatch:     make(map[string]func()),
		subscribers: make(map[uint64]*subscriber),
	}
}

// Add inserts d. It returns false if a device with the same uid exists.
func (s *Store) Add(d *Device) bool {
	s.mu.Lock()
	if _, ok := s.devices[d.UID()]; ok {
		s.mu.Unlock()
		return false
	}
	s.devices[d.UID()] = d
	s.mu.Unlock()

	unwatch := d.OnChange(func(d *Device) { s.emit(Change{Kind: Changed, Device: d}) })
	s.mu.Lock()
	s.unwatch[d.UID()] = unwatch
	s.mu.Unlock()

	s.logger.Debug("device added", "uid", d.UID(), "model", d.Model())
	s.emit(Change{Kind: Added, Device: d})
	return true
}

// Remove unpublishes the device's components, tells subscribers, then
// destroys the device. It returns false if no device has that uid.
func (s *Store) Remove(uid string) bool {
	s.mu.Lock()
	d, ok := s.devices[uid]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.devices, uid)
	unwatch := s.unwatch[uid]
	delete(s.unwatch, uid)
	s.mu.Unlock()

	// Components go UNAVAILABLE before anyone hears about the removal.
	d.UnpublishAll()
	if unwatch != nil {
		unwatch()
	}
	s.logger.Debug("device removed", "uid", uid)
	s.emit(Change{Kind: Removed, Device: d})
	d.Destroy()
	return true
}

// Get returns the device with the given uid.
func (s *Store) Get(uid string) (*Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[uid]
	return d, ok
}

// List returns all devices ordered by uid.
func (s *Store) List() []*Device {
	s.mu.RLock()
	out := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UID() < out[j].UID() })
	return out
}

// Subscribe registers fn for every add, change and removal. It returns an
// unsubscribe function.
func (s *Store) Subscribe(fn func(Change)) func() {
	sub := &subscriber{fn: fn}
	sub.alive.Store(true)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = sub
	s.mu.Unlock()
	return func() {
		sub.alive.Store(false)
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Store) emit(c Change) {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]*subscriber, len(ids))
	for i, id := range ids {
		subs[i] = s.subscribers[id]
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		if sub.alive.Load() {
			sub.fn(c)
		}
	}
}
