package voice

import "sync"

type linkEntry struct {
	link PeerLink
	gen  uint64
	// ready flips once the link has a remote description and can accept
	// ICE candidates directly
	ready bool
}

// registry owns the peer-id keyed link arena and the buffer of ICE
// candidates that arrived before their peer's offer. Critical sections
// are short and never span a suspension point; background goroutines
// only reach it through the manager's queues.
type registry struct {
	mu      sync.Mutex
	links   map[string]linkEntry
	pending map[string][]string
}

func newRegistry() *registry {
	return &registry{
		links:   make(map[string]linkEntry),
		pending: make(map[string][]string),
	}
}

// put installs a link for a peer and returns the replaced one, if any.
// The caller closes the old link: at most one live connection per peer.
func (r *registry) put(id string, link PeerLink, gen uint64) (old PeerLink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.links[id]; ok {
		old = prev.link
	}
	r.links[id] = linkEntry{link: link, gen: gen}
	return old
}

func (r *registry) get(id string) (PeerLink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.links[id]
	return e.link, ok
}

func (r *registry) setReady(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.links[id]; ok {
		e.ready = true
		r.links[id] = e
	}
}

func (r *registry) isReady(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[id].ready
}

// gen reports the generation of the peer's current link, used to discard
// stale cleanup requests for a connection that was already replaced.
func (r *registry) gen(id string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.links[id]
	return e.gen, ok
}

// remove deletes the peer's entry and its pending candidates.
func (r *registry) remove(id string) PeerLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.links[id]
	delete(r.links, id)
	delete(r.pending, id)
	if !ok {
		return nil
	}
	return e.link
}

// drain empties the registry and returns every live link, for leave.
func (r *registry) drain() map[string]PeerLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]PeerLink, len(r.links))
	for id, e := range r.links {
		out[id] = e.link
	}
	r.links = make(map[string]linkEntry)
	r.pending = make(map[string][]string)
	return out
}

// bufferCandidate queues a candidate that outran its peer's offer.
// Arrival order is preserved.
func (r *registry) bufferCandidate(id, data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[id] = append(r.pending[id], data)
}

// takeCandidates removes and returns the peer's buffered candidates in
// arrival order.
func (r *registry) takeCandidates(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending[id]
	delete(r.pending, id)
	return out
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

func (r *registry) pendingSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
