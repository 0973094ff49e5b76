package relay

import "sync"

// Registry is the process-wide map from connection id to its Conn. It is the
// only structure shared across connection goroutines; everything else is
// connection-local. Owned by the server process, iterated only during
// shutdown broadcast.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Add registers a connection under its id.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

// Get returns the connection for id, or nil.
func (r *Registry) Get(id string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[id]
}

// Remove drops the connection for id. Safe to call for ids already removed.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll runs cleanup on every registered connection. Used on process
// shutdown. Cleanup removes each connection from the registry itself, so
// iteration happens over a snapshot taken under the lock.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	snapshot := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()

	for _, c := range snapshot {
		c.Close()
	}
}
