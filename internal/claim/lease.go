package claim

import (
	"sync"

	"github.com/nicolagi/envoy9p/internal/wire"
	"github.com/nicolagi/envoy9p/internal/worker"
)

// Kind distinguishes a lease whose root claim lives in this process
// from one that has been granted away to a peer envoy.
type Kind uint8

const (
	Local Kind = iota
	RemoteExit
)

// Lease is one entry of the lease table (spec §4.5): either the local
// root of a subtree of the namespace, or a pointer at the peer envoy
// that now owns it.
type Lease struct {
	table    *Table
	pathname string
	kind     Kind
	readonly bool

	// root is non-nil only for Local leases.
	root *Claim
	// oid/addr describe a RemoteExit's target; oid also mirrors the
	// Local root claim's OID for serialization convenience (spec §4.5
	// LeaseRecord).
	oid  wire.OID
	addr wire.Address

	lock *worker.LeaseLock

	mu sync.Mutex
	// wavefront holds the immediate remote-exit leases reachable below
	// this lease, keyed by their pathname (spec §4.5 Wavefront).
	wavefront map[string]*Lease
	// claimCache is this lease's local fast path for claim lookup by
	// path relative to the lease root (spec §4.4 Cache).
	claimCache map[string]*Claim
	// fids is the set of fid ids (local, connection-scoped numbering is
	// owned by internal/fid; this set only tracks membership for grant/
	// merge bookkeeping) currently rooted under this lease.
	fids map[uint32]struct{}
}

func newLease(table *Table, pathname string, kind Kind, readonly bool) *Lease {
	return &Lease{
		table:      table,
		pathname:   pathname,
		kind:       kind,
		readonly:   readonly,
		lock:       worker.NewLeaseLock(),
		wavefront:  make(map[string]*Lease),
		claimCache: make(map[string]*Claim),
		fids:       make(map[uint32]struct{}),
	}
}

func (l *Lease) Pathname() string  { return l.pathname }
func (l *Lease) Kind() Kind        { return l.kind }
func (l *Lease) ReadOnly() bool    { return l.readonly }
func (l *Lease) Root() *Claim      { return l.root }
func (l *Lease) OID() wire.OID     { return l.oid }
func (l *Lease) Address() wire.Address { return l.addr }

// AcquireShared/AcquireExclusive/Release delegate to the underlying
// LeaseLock (spec §4.1 Lease locking).
func (l *Lease) AcquireShared(w *worker.Worker)    { l.lock.AcquireShared(w) }
func (l *Lease) AcquireExclusive(w *worker.Worker) { l.lock.AcquireExclusive(w) }

func (l *Lease) AddFid(fid uint32) {
	l.mu.Lock()
	l.fids[fid] = struct{}{}
	l.mu.Unlock()
}

func (l *Lease) RemoveFid(fid uint32) {
	l.mu.Lock()
	delete(l.fids, fid)
	l.mu.Unlock()
}

func (l *Lease) FidCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fids)
}

// cacheClaim inserts c into this lease's local cache and the table's
// global LRU (spec §4.4 Cache: "entries are also linked into a global
// LRU; eviction from either side removes from the other").
func (l *Lease) cacheClaim(c *Claim) {
	path := c.Path()
	l.mu.Lock()
	l.claimCache[path] = c
	l.mu.Unlock()
	l.table.globalCachePut(l, path, c)
}

// lookupCache consults the lease-local cache only (fast path before
// falling to the directory engine, spec §4.4 find).
func (l *Lease) lookupCache(path string) (*Claim, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.claimCache[path]
	return c, ok
}

// evictCache removes path from the lease-local cache only; called by
// the table's global-LRU eviction callback.
func (l *Lease) evictCache(path string) {
	l.mu.Lock()
	delete(l.claimCache, path)
	l.mu.Unlock()
}

// purgeCacheForOID removes every lease-local cache entry pointing at
// oid, used when the object is deleted (spec §4.4 "Deletion of an
// object purges matching cache entries").
func (l *Lease) purgeCacheForOID(oid wire.OID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for path, c := range l.claimCache {
		if c.OID() == oid {
			delete(l.claimCache, path)
			l.table.globalCacheRemove(l, path)
		}
	}
}

// addWavefront/removeWavefront/isExitPointParent implement spec §4.5's
// Wavefront tracking and is_exit_point_parent.
func (l *Lease) addWavefront(exit *Lease) {
	l.mu.Lock()
	l.wavefront[exit.pathname] = exit
	l.mu.Unlock()
}

func (l *Lease) removeWavefront(pathname string) {
	l.mu.Lock()
	delete(l.wavefront, pathname)
	l.mu.Unlock()
}

func (l *Lease) Wavefront() []*Lease {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Lease, 0, len(l.wavefront))
	for _, e := range l.wavefront {
		out = append(out, e)
	}
	return out
}
