package realtime

import "sync"

// registry holds the live connections of every token. onRemove runs after a
// connection leaves through remove, outside the registry lock.
type registry struct {
	mu       sync.RWMutex
	conns    map[string]map[string]*Conn
	onRemove func(*Conn)
}

func newRegistry(onRemove func(*Conn)) *registry {
	return &registry{conns: make(map[string]map[string]*Conn), onRemove: onRemove}
}

func (r *registry) add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.conns[c.token]
	if !ok {
		byID = make(map[string]*Conn)
		r.conns[c.token] = byID
	}
	byID[c.id] = c
}

// remove drops c and reports whether it was registered.
func (r *registry) remove(c *Conn) bool {
	r.mu.Lock()
	byID := r.conns[c.token]
	_, ok := byID[c.id]
	if ok {
		delete(byID, c.id)
		if len(byID) == 0 {
			delete(r.conns, c.token)
		}
	}
	r.mu.Unlock()

	if ok && r.onRemove != nil {
		r.onRemove(c)
	}
	return ok
}

// removeAll drops every connection of token without calling onRemove.
func (r *registry) removeAll(token string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.conns[token]
	delete(r.conns, token)
	out := make([]*Conn, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	return out
}

func (r *registry) snapshot(token string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byID := r.conns[token]
	out := make([]*Conn, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	return out
}

func (r *registry) count(token string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[token])
}

func (r *registry) all() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, byID := range r.conns {
		for _, c := range byID {
			out = append(out, c)
		}
	}
	return out
}
