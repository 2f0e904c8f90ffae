package link

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Feature names a family of device state reports or commands.
type Feature string

// Decoder turns the raw payload of a feature into its typed form.
type Decoder func(raw json.RawMessage) (any, error)

// DecodeAs returns a decoder producing a T.
func DecodeAs[T any]() Decoder {
	return func(raw json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Registry holds the payload decoders of every known feature.
type Registry struct {
	mu       sync.RWMutex
	decoders map[Feature]Decoder
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		decoders: make(map[Feature]Decoder),
		logger:   logger,
	}
}

// Register adds or replaces the decoder of a feature.
func (r *Registry) Register(f Feature, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decoders[f]; ok {
		r.logger.Debug("feature decoder replaced", "feature", f)
	}
	r.decoders[f] = d
}

// Decode decodes the payload of feature f.
func (r *Registry) Decode(f Feature, raw json.RawMessage) (any, error) {
	r.mu.RLock()
	d, ok := r.decoders[f]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeature, f)
	}
	v, err := d(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f, err)
	}
	return v, nil
}

// Features returns the registered feature names, sorted.
func (r *Registry) Features() []Feature {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Feature, 0, len(r.decoders))
	for f := range r.decoders {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
