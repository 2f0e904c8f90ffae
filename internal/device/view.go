package device

import "sync"

// LiveList is a filtered, mapped view of a Store that follows its
// mutations. Items are ordered by device uid.
type LiveList[T any] struct {
	store    *Store
	filter   func(*Device) bool
	mapFn    func(*Device) T
	onChange func([]T)

	// buildMu serializes rebuilds so the last one always reads the newest
	// store contents.
	buildMu sync.Mutex
	mu      sync.RWMutex
	members map[string]bool
	items   []T
	unsub   func()
}

// NewLiveList builds the view and keeps it current until Close. onChange,
// which may be nil, receives the new items after every change that affects
// the view.
func NewLiveList[T any](s *Store, filter func(*Device) bool, mapFn func(*Device) T, onChange func([]T)) *LiveList[T] {
	if filter == nil {
		filter = func(*Device) bool { return true }
	}
	l := &LiveList[T]{
		store:    s,
		filter:   filter,
		mapFn:    mapFn,
		onChange: onChange,
	}
	// Subscribe first: a change landing before the initial build is
	// either seen by it or delivered afterwards.
	l.unsub = s.Subscribe(l.handle)
	l.rebuild()
	return l
}

// Items returns a copy of the current items.
func (l *LiveList[T]) Items() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of items.
func (l *LiveList[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Close detaches the view from its store.
func (l *LiveList[T]) Close() {
	if l.unsub != nil {
		l.unsub()
	}
}

func (l *LiveList[T]) handle(c Change) {
	l.mu.RLock()
	was := l.members[c.Device.UID()]
	l.mu.RUnlock()
	is := c.Kind != Removed && l.filter(c.Device)
	if !was && !is {
		return
	}
	items := l.rebuild()
	if l.onChange != nil {
		l.onChange(items)
	}
}

func (l *LiveList[T]) rebuild() []T {
	l.buildMu.Lock()
	defer l.buildMu.Unlock()

	members := make(map[string]bool)
	var items []T
	for _, d := range l.store.List() {
		if l.filter(d) {
			members[d.UID()] = true
			items = append(items, l.mapFn(d))
		}
	}
	l.mu.Lock()
	l.members = members
	l.items = items
	l.mu.Unlock()

	out := make([]T, len(items))
	copy(out, items)
	return out
}
