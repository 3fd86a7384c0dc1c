package netplay

import "sync"

// registry is the host's set of live inbound peers. Every add, remove and
// iteration goes through mu.
type registry struct {
	mu     sync.Mutex
	peers  map[string]*Conn
	sealed bool // set by clear; no further adds
}

func newRegistry() *registry {
	return &registry{peers: make(map[string]*Conn)}
}

// add registers c. It returns false once the registry has been cleared.
func (r *registry) add(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return false
	}
	r.peers[c.id] = c
	return true
}

// remove deletes c if present. emptied is true only for the call whose
// delete left the registry empty, so concurrent removers cannot both
// observe the same empty transition.
func (r *registry) remove(c *Conn) (removed, emptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[c.id]; !ok {
		return false, false
	}
	delete(r.peers, c.id)
	return true, len(r.peers) == 0
}

// snapshot returns the current peers for iteration outside the lock.
func (r *registry) snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Conn, 0, len(r.peers))
	for _, c := range r.peers {
		out = append(out, c)
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// clear seals the registry and returns the peers it held.
func (r *registry) clear() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Conn, 0, len(r.peers))
	for _, c := range r.peers {
		out = append(out, c)
	}
	r.peers = make(map[string]*Conn)
	r.sealed = true
	return out
}
