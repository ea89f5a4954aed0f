package registry

import (
	"errors"
	"sync"

	"meshrpc/cluster"
)

var errStaleFill = errors.New("fill older than applied watch events")

// cache maps id → entry and kind → (id → entry). Every entry in byID sits in
// exactly one bucket of byKind, the one of its own kind, and vice versa.
// Empty buckets are removed.
type cache struct {
	mu       sync.RWMutex
	byID     map[cluster.ServerID]*cluster.Server
	byKind   map[cluster.ServerKind]map[cluster.ServerID]*cluster.Server
	complete map[cluster.ServerKind]bool // kinds loaded by a full prefix read
	rev      int64                       // highest etcd revision applied from the watch
}

func newCache() *cache {
	return &cache{
		byID:     make(map[cluster.ServerID]*cluster.Server),
		byKind:   make(map[cluster.ServerKind]map[cluster.ServerID]*cluster.Server),
		complete: make(map[cluster.ServerKind]bool),
	}
}

func (c *cache) get(id cluster.ServerID) (*cluster.Server, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sv, ok := c.byID[id]
	return sv, ok
}

// list returns a copy of the bucket for kind. ok is false until the kind has
// been filled at least once.
func (c *cache) list(kind cluster.ServerKind) ([]*cluster.Server, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.complete[kind] {
		return nil, false
	}
	bucket := c.byKind[kind]
	servers := make([]*cluster.Server, 0, len(bucket))
	for _, sv := range bucket {
		servers = append(servers, sv)
	}
	return servers, true
}

func (c *cache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// put inserts or replaces sv. It reports whether the id was already cached.
func (c *cache) put(sv *cluster.Server, rev int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observe(rev)
	_, existed := c.byID[sv.ID]
	c.insert(sv)
	return existed
}

// remove deletes id and returns the entry it held.
func (c *cache) remove(id cluster.ServerID, rev int64) (*cluster.Server, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observe(rev)
	sv, ok := c.byID[id]
	if ok {
		c.delete(sv)
	}
	return sv, ok
}

// fill replaces the bucket of kind with servers, read at revision rev. The
// whole fill is rejected when the watch already applied a newer revision,
// since the read could then resurrect a deleted member.
func (c *cache) fill(kind cluster.ServerKind, servers []*cluster.Server, rev int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rev < c.rev {
		return errStaleFill
	}
	keep := make(map[cluster.ServerID]struct{}, len(servers))
	for _, sv := range servers {
		keep[sv.ID] = struct{}{}
	}
	for id, sv := range c.byKind[kind] {
		if _, ok := keep[id]; !ok {
			c.delete(sv)
		}
	}
	for _, sv := range servers {
		c.insert(sv)
	}
	c.complete[kind] = true
	return nil
}

// reset drops every entry, e.g. after the watch lost history to compaction.
func (c *cache) reset(rev int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[cluster.ServerID]*cluster.Server)
	c.byKind = make(map[cluster.ServerKind]map[cluster.ServerID]*cluster.Server)
	c.complete = make(map[cluster.ServerKind]bool)
	c.rev = rev
}

func (c *cache) observe(rev int64) {
	if rev > c.rev {
		c.rev = rev
	}
}

// insert and delete require c.mu held for writing.
func (c *cache) insert(sv *cluster.Server) {
	if old, ok := c.byID[sv.ID]; ok && old.Kind != sv.Kind {
		c.delete(old)
	}
	c.byID[sv.ID] = sv
	bucket, ok := c.byKind[sv.Kind]
	if !ok {
		bucket = make(map[cluster.ServerID]*cluster.Server)
		c.byKind[sv.Kind] = bucket
	}
	bucket[sv.ID] = sv
}

func (c *cache) delete(sv *cluster.Server) {
	delete(c.byID, sv.ID)
	if bucket, ok := c.byKind[sv.Kind]; ok {
		delete(bucket, sv.ID)
		if len(bucket) == 0 {
			delete(c.byKind, sv.Kind)
		}
	}
}
