package discovery

import (
	"sort"
	"sync"
)

// Readiness tracks which watchers have applied their first snapshot.
// With nothing expected it is ready.
type Readiness struct {
	mu        sync.Mutex
	pending   map[string]struct{}
	listeners []func(ready bool)
}

// NewReadiness creates a tracker with nothing pending.
func NewReadiness() *Readiness {
	return &Readiness{pending: make(map[string]struct{})}
}

// Expect adds name to the set that must become ready.
func (r *Readiness) Expect(name string) {
	r.mu.Lock()
	wasReady := len(r.pending) == 0
	r.pending[name] = struct{}{}
	listeners := r.listeners
	r.mu.Unlock()

	if wasReady {
		notify(listeners, false)
	}
}

// MarkReady records that name applied a snapshot. Repeated calls are no-ops.
func (r *Readiness) MarkReady(name string) {
	r.mu.Lock()
	if _, ok := r.pending[name]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, name)
	nowReady := len(r.pending) == 0
	listeners := r.listeners
	r.mu.Unlock()

	if nowReady {
		notify(listeners, true)
	}
}

// Ready reports whether nothing is pending.
func (r *Readiness) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) == 0
}

// Pending returns the names not yet ready, sorted.
func (r *Readiness) Pending() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.pending))
	for name := range r.pending {
		out = append(out, name)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// OnChange registers fn to be called on every transition. fn is called
// once immediately with the current state.
func (r *Readiness) OnChange(fn func(ready bool)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	ready := len(r.pending) == 0
	r.mu.Unlock()
	fn(ready)
}

func notify(listeners []func(bool), ready bool) {
	for _, fn := range listeners {
		fn(ready)
	}
}
