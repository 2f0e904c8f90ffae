package setting

import "cmp"

// Bounds is the inclusive range the device accepts for a value.
type Bounds[V cmp.Ordered] struct {
	Min V `json:"min"`
	Max V `json:"max"`
}

// Clamp returns v forced into the bounds.
func (b Bounds[V]) Clamp(v V) V {
	return min(max(v, b.Min), b.Max)
}

// Ranged is a numeric setting whose bounds are reported by the device.
type Ranged[V cmp.Ordered] struct {
	*Setting[V]
	bounds Bounds[V]
}

// NewRanged creates a bounded setting.
func NewRanged[V cmp.Ordered](env Env, name string, initial V, bounds Bounds[V], send func(V) bool, onChange func()) *Ranged[V] {
	return &Ranged[V]{
		Setting: New(env, name, bounds.Clamp(initial), send, onChange),
		bounds:  bounds,
	}
}

// Bounds returns the current bounds.
func (r *Ranged[V]) Bounds() Bounds[V] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bounds
}

// Set requests v clamped into the current bounds.
func (r *Ranged[V]) Set(v V) V {
	return r.Setting.Set(r.Bounds().Clamp(v))
}

// UpdateBounds replaces the bounds reported by the device.
func (r *Ranged[V]) UpdateBounds(bounds Bounds[V]) {
	r.mu.Lock()
	changed := r.bounds != bounds
	r.bounds = bounds
	r.mu.Unlock()
	if changed {
		r.changed()
	}
}

// Update applies a device report carrying both bounds and value.
func (r *Ranged[V]) Update(bounds Bounds[V], v V) {
	r.mu.Lock()
	changed := r.bounds != bounds
	r.bounds = bounds
	r.mu.Unlock()

	if !r.confirm(v) && changed {
		r.changed()
	}
}
