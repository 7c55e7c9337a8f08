// Package face holds the blend-channel abstraction shared by lip-sync and
// expression animation.
package face

import (
	"sort"
	"sync"
)

// Sink receives channel influences in 0..1.
type Sink interface {
	SetInfluence(channel string, value float64)
}

// EmphasisSink receives the scalar emphasis (glow) level.
type EmphasisSink interface {
	SetEmphasis(value float64)
}

// Rig is an in-memory set of blend channels.
type Rig struct {
	mu       sync.RWMutex
	values   map[string]float64
	fixed    bool
	emphasis float64
}

// NewRig creates a rig. With channel names, only those channels exist and
// writes to others are ignored; without, any channel is accepted.
func NewRig(channels ...string) *Rig {
	r := &Rig{values: make(map[string]float64, len(channels)), fixed: len(channels) > 0}
	for _, c := range channels {
		r.values[c] = 0
	}
	return r
}

func (r *Rig) SetInfluence(channel string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.values[channel]; r.fixed && !ok {
		return
	}
	r.values[channel] = clamp01(value)
}

func (r *Rig) SetEmphasis(value float64) {
	r.mu.Lock()
	r.emphasis = clamp01(value)
	r.mu.Unlock()
}

func (r *Rig) Value(channel string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.values[channel]
}

func (r *Rig) Emphasis() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.emphasis
}

// Snapshot copies the current channel values.
func (r *Rig) Snapshot() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Channels lists known channel names in sorted order.
func (r *Rig) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.values))
	for k := range r.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Active lists channels with non-zero influence.
func (r *Rig) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for k, v := range r.values {
		if v != 0 {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
