package claim

// Freeze traverses every descendant claim of c (both live in-memory
// children and cached-but-detached ones) and sets Writable claims to
// CoW; ReadOnly claims are left untouched since the transition is
// idempotent (spec §4.4 Freeze). Freeze returns nothing and does not
// visit descendant leases rooted below c; Snapshot reaches those
// through the lease's wavefront (spec §4.5 Snapshot).
func (t *Table) Freeze(c *Claim) {
	if c.access == Writable {
		c.access = CoW
	}
	for _, child := range c.children {
		t.Freeze(child)
	}
	for path, cached := range c.lease.cachedDescendantsOf(c) {
		_ = path
		if cached.access == Writable {
			cached.access = CoW
		}
	}
}

// cachedDescendantsOf returns the subset of the lease's claim cache
// whose path lies under prefix (c's own path), so Freeze can reach
// claims that were detached to the cache rather than kept live.
func (l *Lease) cachedDescendantsOf(c *Claim) map[string]*Claim {
	prefix := c.Path()
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]*Claim)
	for path, cached := range l.claimCache {
		if path == prefix {
			continue
		}
		if prefix == "" || len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/' {
			out[path] = cached
		}
	}
	return out
}
