package component

import (
	"sync"
	"sync/atomic"
)

type entry struct {
	comp      Component
	published bool
}

type delivery struct {
	comp    Component
	present bool
}

// observer receives the values of one key. Until its initial value has
// been delivered, notifications are queued so they cannot overtake it.
type observer struct {
	alive atomic.Bool
	fn    func(Component, bool)

	mu      sync.Mutex
	ready   bool
	pending []delivery
}

func (o *observer) deliver(c Component) {
	if !o.alive.Load() {
		return
	}
	o.mu.Lock()
	if !o.ready {
		o.pending = append(o.pending, delivery{c, c != nil})
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.fn(c, c != nil)
}

// start delivers the initial value, then whatever was queued meanwhile,
// and switches the observer to direct delivery.
func (o *observer) start(initial Component) {
	o.fn(initial, initial != nil)
	for {
		o.mu.Lock()
		if len(o.pending) == 0 {
			o.ready = true
			o.mu.Unlock()
			return
		}
		queued := o.pending
		o.pending = nil
		o.mu.Unlock()
		for _, d := range queued {
			if o.alive.Load() {
				o.fn(d.comp, d.present)
			}
		}
	}
}

// Subscription is returned by Observe and OnChange.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops deliveries. It is safe to call more than once and from
// inside a callback.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Store maps descriptor keys to at most one component instance each.
// Reads and subscriptions are safe from any goroutine.
type Store struct {
	mu        sync.RWMutex
	entries   map[Key]*entry
	observers map[Key]map[uint64]*observer
	watchers  map[uint64]*watcher
	nextID    uint64
}

type watcher struct {
	alive atomic.Bool
	fn    func(Key)
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries:   make(map[Key]*entry),
		observers: make(map[Key]map[uint64]*observer),
		watchers:  make(map[uint64]*watcher),
	}
}

func (s *Store) isPublished(c Component) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[c.Key()]
	return ok && e.comp == c && e.published
}

func (s *Store) publish(c Component) {
	key := c.Key()
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok && e.comp == c && e.published {
		s.mu.Unlock()
		return
	}
	s.entries[key] = &entry{comp: c, published: true}
	s.mu.Unlock()
	s.notify(key)
}

func (s *Store) unpublish(c Component) {
	key := c.Key()
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.comp != c || !e.published {
		s.mu.Unlock()
		return
	}
	e.published = false
	s.mu.Unlock()
	s.notify(key)
}

func (s *Store) updated(c Component) {
	if s.isPublished(c) {
		s.notify(c.Key())
	}
}

// Lookup returns the published component stored under key.
func (s *Store) Lookup(key Key) (Component, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || !e.published {
		return nil, false
	}
	return e.comp, true
}

// Published returns every published component.
func (s *Store) Published() []Component {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Component, 0, len(s.entries))
	for _, e := range s.entries {
		if e.published {
			out = append(out, e.comp)
		}
	}
	return out
}

// OnChange registers fn to be called with the key of every component that
// is published, unpublished or updated.
func (s *Store) OnChange(fn func(Key)) *Subscription {
	w := &watcher{fn: fn}
	w.alive.Store(true)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = w
	s.mu.Unlock()
	return &Subscription{cancel: func() {
		w.alive.Store(false)
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}}
}

func (s *Store) observe(key Key, fn func(Component, bool)) *Subscription {
	o := &observer{fn: fn}
	o.alive.Store(true)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.observers[key] == nil {
		s.observers[key] = make(map[uint64]*observer)
	}
	s.observers[key][id] = o
	var current Component
	if e, ok := s.entries[key]; ok && e.published {
		current = e.comp
	}
	s.mu.Unlock()

	o.start(current)

	return &Subscription{cancel: func() {
		o.alive.Store(false)
		s.mu.Lock()
		delete(s.observers[key], id)
		if len(s.observers[key]) == 0 {
			delete(s.observers, key)
		}
		s.mu.Unlock()
	}}
}

// notify delivers the current value of key to a snapshot of its observers.
// Observers removed during delivery are skipped.
func (s *Store) notify(key Key) {
	s.mu.RLock()
	var current Component
	if e, ok := s.entries[key]; ok && e.published {
		current = e.comp
	}
	obs := make([]*observer, 0, len(s.observers[key]))
	for _, o := range s.observers[key] {
		obs = append(obs, o)
	}
	ws := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		ws = append(ws, w)
	}
	s.mu.RUnlock()

	for _, o := range obs {
		o.deliver(current)
	}
	for _, w := range ws {
		if w.alive.Load() {
			w.fn(key)
		}
	}
}

// UnpublishAll unpublishes every published component through its own
// Unpublish method, so component-specific teardown runs.
func (s *Store) UnpublishAll() {
	for _, c := range s.Published() {
		c.Unpublish()
	}
}

// Clear unpublishes everything, then drops all components and detaches
// every observer.
func (s *Store) Clear() {
	s.UnpublishAll()
	s.mu.Lock()
	for _, byID := range s.observers {
		for _, o := range byID {
			o.alive.Store(false)
		}
	}
	for _, w := range s.watchers {
		w.alive.Store(false)
	}
	s.entries = make(map[Key]*entry)
	s.observers = make(map[Key]map[uint64]*observer)
	s.watchers = make(map[uint64]*watcher)
	s.mu.Unlock()
}

// Get returns the published component for d.
func Get[T Component](s *Store, d Descriptor[T]) (T, bool) {
	c, ok := s.Lookup(d.key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := c.(T)
	return t, ok
}

// Observe calls fn immediately with the current component for d (present
// is false when none is published) and again on every publish, unpublish
// and committed update.
func Observe[T Component](s *Store, d Descriptor[T], fn func(c T, present bool)) *Subscription {
	return s.observe(d.key, func(c Component, present bool) {
		var t T
		if present {
			var ok bool
			if t, ok = c.(T); !ok {
				present = false
			}
		}
		fn(t, present)
	})
}
