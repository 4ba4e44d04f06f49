package xconn

import "sync"

// Registry implements §4.1: one connection per display string,
// shared by every surface opened against that display for the
// life of the process. Like a driver registration table, it
// guards a single map with one mutex and never evicts entries.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	dial    func(display string) (Conn, error)
}

type entry struct {
	once sync.Once
	conn Conn
	err  error
}

// NewRegistry creates a registry that dials new connections with
// dial. Production code passes Dial (xgbconn.go); tests pass a
// fake.
func NewRegistry(dial func(display string) (Conn, error)) *Registry {
	return &Registry{entries: make(map[string]*entry), dial: dial}
}

// GetOrCreate returns the shared connection for display,
// creating it on first use. Per §4.1, the registry mutex is held
// only long enough to find-or-insert the map entry; the actual
// dial runs outside the lock, so concurrent GetOrCreate calls for
// different displays never serialize on each other's dial
// latency. Concurrent callers for the same display share the
// entry's sync.Once: exactly one of them dials, and the others
// wait for that dial and receive its connection (or its error).
func (r *Registry) GetOrCreate(display string) (Conn, error) {
	r.mu.Lock()
	e, ok := r.entries[display]
	if !ok {
		e = &entry{}
		r.entries[display] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		e.conn, e.err = r.dial(display)
	})
	return e.conn, e.err
}

// Len reports the number of distinct displays with an entry,
// successful or not. Exposed for tests only.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
