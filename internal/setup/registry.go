package setup

import "sync"

// handle is the shared in-flight record for one setup key. Concurrent
// callers for the same key receive the same handle and therefore the
// same setup id and progress stream.
type handle struct {
	id string
}

// registry is a get-or-create map with single-winner insertion.
type registry struct {
	mu       sync.Mutex
	inflight map[string]*handle
}

func newRegistry() *registry {
	return &registry{inflight: make(map[string]*handle)}
}

// getOrCreate returns the in-flight handle for key, creating one with
// newID when absent. The second return reports whether this caller won
// the insertion and owns running the setup.
func (r *registry) getOrCreate(key string, newID func() string) (*handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.inflight[key]; ok {
		return h, false
	}
	h := &handle{id: newID()}
	r.inflight[key] = h
	return h, true
}

func (r *registry) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, key)
}
