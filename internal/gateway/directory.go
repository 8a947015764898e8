package gateway

import (
	"sort"
	"sync"
)

// LocalDirectory maps client ids to the connections this replica owns.
type LocalDirectory struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewLocalDirectory returns an empty directory.
func NewLocalDirectory() *LocalDirectory {
	return &LocalDirectory{conns: make(map[string]Conn)}
}

// Add binds a client id to a connection, replacing any prior binding for
// that id.
func (d *LocalDirectory) Add(id string, conn Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[id] = conn
}

// Get returns the connection bound to id.
func (d *LocalDirectory) Get(id string) (Conn, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conn, ok := d.conns[id]
	return conn, ok
}

// Remove unbinds id. It reports whether a binding existed.
func (d *LocalDirectory) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.conns[id]
	delete(d.conns, id)
	return ok
}

// Release unbinds id only while it still points at conn. A reconnect may
// have handed the id to a newer connection; its binding survives the old
// connection's teardown.
func (d *LocalDirectory) Release(id string, conn Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conns[id] != conn {
		return false
	}
	delete(d.conns, id)
	return true
}

// IDs returns the bound client ids, sorted.
func (d *LocalDirectory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.conns))
	for id := range d.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of bound connections.
func (d *LocalDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}

// Conns returns every bound connection. The slice is a copy; the
// connections are shared.
func (d *LocalDirectory) Conns() []Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conns := make([]Conn, 0, len(d.conns))
	for _, conn := range d.conns {
		conns = append(conns, conn)
	}
	return conns
}

// GlobalDirectory tracks which replica owns each connected client id,
// learned from the replicas' gossip. Each sender owns its id set: a
// sender's del or rem never evicts an id another sender has since claimed.
type GlobalDirectory struct {
	mu       sync.RWMutex
	owner    map[string]string
	bySender map[string]map[string]struct{}
}

// NewGlobalDirectory returns an empty directory.
func NewGlobalDirectory() *GlobalDirectory {
	return &GlobalDirectory{
		owner:    make(map[string]string),
		bySender: make(map[string]map[string]struct{}),
	}
}

// Mark records that routerID owns clientID.
func (g *GlobalDirectory) Mark(routerID, clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.markLocked(routerID, clientID)
}

func (g *GlobalDirectory) markLocked(routerID, clientID string) {
	g.owner[clientID] = routerID
	set, ok := g.bySender[routerID]
	if !ok {
		set = make(map[string]struct{})
		g.bySender[routerID] = set
	}
	set[clientID] = struct{}{}
}

// Unmark removes one id from routerID's set.
func (g *GlobalDirectory) Unmark(routerID, clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.bySender[routerID], clientID)
	if g.owner[clientID] == routerID {
		delete(g.owner, clientID)
	}
}

// DropSender removes routerID's whole set, for a replica leaving the mesh.
func (g *GlobalDirectory) DropSender(routerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for clientID := range g.bySender[routerID] {
		if g.owner[clientID] == routerID {
			delete(g.owner, clientID)
		}
	}
	delete(g.bySender, routerID)
}

// ReplaceSender adopts clientIDs as routerID's authoritative set, dropping
// anything previously attributed to it.
func (g *GlobalDirectory) ReplaceSender(routerID string, clientIDs []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for clientID := range g.bySender[routerID] {
		if g.owner[clientID] == routerID {
			delete(g.owner, clientID)
		}
	}
	delete(g.bySender, routerID)
	for _, clientID := range clientIDs {
		g.markLocked(routerID, clientID)
	}
}

// Locate returns the replica owning clientID.
func (g *GlobalDirectory) Locate(clientID string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	routerID, ok := g.owner[clientID]
	return routerID, ok
}

// Snapshot returns each replica's client ids, sorted, for the admin
// directory listing.
func (g *GlobalDirectory) Snapshot() map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string][]string, len(g.bySender))
	for routerID, set := range g.bySender {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[routerID] = ids
	}
	return out
}
