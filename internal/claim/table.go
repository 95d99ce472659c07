package claim

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/nicolagi/envoy9p/internal/dirblock"
	"github.com/nicolagi/envoy9p/internal/objclient"
	"github.com/nicolagi/envoy9p/internal/wire"
)

// DefaultGlobalCacheSize bounds the process-wide claim cache shared by
// every lease (spec §4.4 "global LRU").
const DefaultGlobalCacheSize = 4096

type cacheKey struct {
	lease *Lease
	path  string
}

// Table is the lease table (spec §4.5): the directory of every lease
// this process knows about, keyed by pathname, plus the claim tree's
// shared backing: the object client, the directory-block cache, and
// the global claim LRU every lease's local cache feeds into.
type Table struct {
	Client    objclient.Client
	DirCache  *dirblock.Cache
	BlockSize int

	// Fids resolves a locally-held fid number to its full state so
	// Grant can serialize more than Fid/Pathname into the wire record
	// (spec §4.5 step 3). May be left nil in tests that never exercise
	// Grant's fid transfer.
	Fids FidResolver

	mu     sync.RWMutex
	leases map[string]*Lease

	globalCache *lru.Cache
}

func NewTable(client objclient.Client, blockSize int, globalCacheSize int) *Table {
	if blockSize <= 0 {
		blockSize = dirblock.DefaultBlockSize
	}
	if globalCacheSize <= 0 {
		globalCacheSize = DefaultGlobalCacheSize
	}
	t := &Table{
		Client:    client,
		DirCache:  dirblock.NewCache(256),
		BlockSize: blockSize,
		leases:    make(map[string]*Lease),
	}
	c, err := lru.NewWithEvict(globalCacheSize, t.onGlobalEvict)
	if err != nil {
		panic(err)
	}
	t.globalCache = c
	return t
}

func (t *Table) onGlobalEvict(key, _ interface{}) {
	k := key.(cacheKey)
	k.lease.evictCache(k.path)
}

func (t *Table) globalCachePut(l *Lease, path string, c *Claim) {
	t.globalCache.Add(cacheKey{lease: l, path: path}, c)
}

func (t *Table) globalCacheRemove(l *Lease, path string) {
	t.globalCache.Remove(cacheKey{lease: l, path: path})
}

// NewLocalLease creates and registers a Local lease rooted at pathname
// with the given root claim access/oid/mode.
func (t *Table) NewLocalLease(pathname string, readonly bool, access Access, oid wire.OID, mode uint32) *Lease {
	l := newLease(t, pathname, Local, readonly)
	l.oid = oid
	l.root = NewRoot(l, access, oid, mode)
	t.mu.Lock()
	t.leases[pathname] = l
	t.mu.Unlock()
	return l
}

// NewRemoteExit creates and registers a RemoteExit lease (spec §4.5
// grant step 5, and accept's install of received exits).
func (t *Table) NewRemoteExit(pathname string, readonly bool, oid wire.OID, addr wire.Address) *Lease {
	l := newLease(t, pathname, RemoteExit, readonly)
	l.oid = oid
	l.addr = addr
	t.mu.Lock()
	t.leases[pathname] = l
	t.mu.Unlock()
	return l
}

func (t *Table) Remove(pathname string) {
	t.mu.Lock()
	delete(t.leases, pathname)
	t.mu.Unlock()
}

func (t *Table) Get(pathname string) (*Lease, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.leases[pathname]
	return l, ok
}

func (t *Table) All() []*Lease {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Lease, 0, len(t.leases))
	for _, l := range t.leases {
		out = append(out, l)
	}
	return out
}

// FindRoot walks path upward until a lease is found rooted at some
// prefix of it (spec §4.5 find_root). Returns ErrNotLocal if the
// nearest enclosing lease is a RemoteExit. On success, also returns
// path relative to the lease root (empty string if path names the
// lease root itself).
func (t *Table) FindRoot(path string) (lease *Lease, relative string, err error) {
	full := strings.Trim(path, "/")
	cursor := full
	t.mu.RLock()
	defer t.mu.RUnlock()
	for {
		if l, ok := t.leases[cursor]; ok {
			if l.kind == RemoteExit {
				return l, "", ErrNotLocal
			}
			rel := strings.TrimPrefix(full, cursor)
			rel = strings.TrimPrefix(rel, "/")
			return l, rel, nil
		}
		if cursor == "" {
			return nil, "", ErrNoSuchLease
		}
		idx := strings.LastIndexByte(cursor, '/')
		if idx < 0 {
			cursor = ""
		} else {
			cursor = cursor[:idx]
		}
	}
}

// GetRemote returns the RemoteExit lease rooted exactly at path, if
// any (spec §4.5 get_remote).
func (t *Table) GetRemote(path string) (*Lease, bool) {
	path = strings.Trim(path, "/")
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.leases[path]
	if !ok || l.kind != RemoteExit {
		return nil, false
	}
	return l, true
}

// RenameTree updates every lease pathname lying under oldPrefix to the
// corresponding path under newPrefix, fixing up wavefront bookkeeping
// to match (spec §4.5, driven by an incoming TERenameTree notification
// when a peer's directory rename crosses one of our wavefront exits).
func (t *Table) RenameTree(oldPrefix, newPrefix string) {
	t.mu.Lock()
	moved := make(map[string]*Lease)
	for path, l := range t.leases {
		if path == oldPrefix || underPath(path, oldPrefix) {
			delete(t.leases, path)
			l.pathname = newPrefix + strings.TrimPrefix(path, oldPrefix)
			moved[l.pathname] = l
		}
	}
	for path, l := range moved {
		t.leases[path] = l
	}
	t.mu.Unlock()

	for _, l := range t.All() {
		l.mu.Lock()
		for path, exit := range l.wavefront {
			if path == oldPrefix || underPath(path, oldPrefix) {
				delete(l.wavefront, path)
				l.wavefront[exit.pathname] = exit
			}
		}
		l.mu.Unlock()
	}
}

// IsExitPointParent answers whether any wavefront exit of lease is an
// immediate child of path (spec §4.5 is_exit_point_parent), used to
// prevent claim collapse through exit parents.
func (t *Table) IsExitPointParent(lease *Lease, path string) bool {
	for _, exit := range lease.Wavefront() {
		parent := exit.pathname
		if idx := strings.LastIndexByte(parent, '/'); idx >= 0 {
			parent = parent[:idx]
		} else {
			parent = ""
		}
		if parent == strings.Trim(path, "/") {
			return true
		}
	}
	return false
}

// HasDescendantLease answers whether lease's wavefront holds any exit
// at or under prefix, i.e. whether the subtree at prefix still has
// leases split off underneath it (spec §4.6 "Attach-specific" S4
// precondition: "no descendant leases").
func (t *Table) HasDescendantLease(lease *Lease, prefix string) bool {
	prefix = strings.Trim(prefix, "/")
	for _, exit := range lease.Wavefront() {
		if exit.pathname == prefix || underPath(exit.pathname, prefix) {
			return true
		}
	}
	return false
}
