package peer

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultRegistryCap = 512
	DefaultRegistryTTL = 30 * time.Minute
)

// Registry tracks discovered peers in first-seen order. Entries expire after
// ttl unless observed again; pinned entries never expire.
type Registry struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	hot   map[string]*list.Element
	order *list.List
}

type registryEntry struct {
	peer      Peer
	pinned    bool
	expiresAt time.Time
}

func NewRegistry(capacity int, ttl time.Duration) *Registry {
	if capacity <= 0 {
		capacity = DefaultRegistryCap
	}
	if ttl <= 0 {
		ttl = DefaultRegistryTTL
	}
	return &Registry{
		cap:   capacity,
		ttl:   ttl,
		now:   time.Now,
		hot:   make(map[string]*list.Element),
		order: list.New(),
	}
}

// Observe inserts p or refreshes an existing entry's name, address and TTL.
// A refreshed entry keeps its position.
func (r *Registry) Observe(p Peer) {
	r.upsert(p, false)
}

// Pin adds a peer that never expires (statically configured peers).
func (r *Registry) Pin(p Peer) {
	r.upsert(p, true)
}

func (r *Registry) upsert(p Peer, pinned bool) {
	if p.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	if el, ok := r.hot[p.ID]; ok {
		ent := el.Value.(*registryEntry)
		if p.Name != "" {
			ent.peer.Name = p.Name
		}
		if p.Addr != "" {
			ent.peer.Addr = p.Addr
		}
		ent.pinned = ent.pinned || pinned
		ent.expiresAt = r.now().Add(r.ttl)
		return
	}
	if len(r.hot) >= r.cap {
		r.evictLocked(len(r.hot) - r.cap + 1)
	}
	ent := &registryEntry{peer: p, pinned: pinned, expiresAt: r.now().Add(r.ttl)}
	r.hot[p.ID] = r.order.PushBack(ent)
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.hot[id]; ok {
		r.order.Remove(el)
		delete(r.hot, id)
	}
}

func (r *Registry) List() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	out := make([]Peer, 0, len(r.hot))
	for el := r.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*registryEntry).peer)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return len(r.hot)
}

func (r *Registry) ByID(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	el, ok := r.hot[id]
	if !ok {
		return Peer{}, false
	}
	return el.Value.(*registryEntry).peer, true
}

// ByName returns every live peer advertising name, in first-seen order.
func (r *Registry) ByName(name string) []Peer {
	return r.filter(func(p Peer) bool { return p.Name == name })
}

// ByHost returns the first live peer whose address is on host.
func (r *Registry) ByHost(host string) (Peer, bool) {
	host = HostForAddr(host)
	if host == "" {
		return Peer{}, false
	}
	matches := r.filter(func(p Peer) bool { return p.Host() == host })
	if len(matches) == 0 {
		return Peer{}, false
	}
	return matches[0], true
}

func (r *Registry) filter(keep func(Peer) bool) []Peer {
	var out []Peer
	for _, p := range r.List() {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) pruneLocked() {
	now := r.now()
	for el := r.order.Front(); el != nil; {
		next := el.Next()
		ent := el.Value.(*registryEntry)
		if !ent.pinned && !ent.expiresAt.After(now) {
			delete(r.hot, ent.peer.ID)
			r.order.Remove(el)
		}
		el = next
	}
}

// evictLocked drops the oldest unpinned entries first.
func (r *Registry) evictLocked(n int) {
	for el := r.order.Front(); el != nil && n > 0; {
		next := el.Next()
		ent := el.Value.(*registryEntry)
		if !ent.pinned {
			delete(r.hot, ent.peer.ID)
			r.order.Remove(el)
			n--
		}
		el = next
	}
}
