// Package claim implements the claim tree (C4) and the lease table
// (C5) that owns it. The two are kept in one package because a claim
// is meaningless without the lease whose cache and wavefront it
// participates in (spec §4.4, §4.5); splitting them would just move an
// import cycle into two files pretending not to know about each
// other.
//
// The tree shape -- a Claim holding a pointer to its parent, a slice of
// children, a reference count, and path reconstruction by walking
// parents -- follows muscle's internal/tree.Node, generalized from
// Merkle-hashed, locally-resident nodes to OID-addressed claims backed
// by a remote object store and locked per-claim via
// internal/worker.ResourceLock rather than the single in-process tree
// mutex musclefs used.
package claim

import (
	"strings"
	"sync"

	"github.com/nicolagi/envoy9p/internal/dirblock"
	"github.com/nicolagi/envoy9p/internal/objclient"
	"github.com/nicolagi/envoy9p/internal/wire"
	"github.com/nicolagi/envoy9p/internal/worker"
)

// Claim is one node of a lease's claim tree: the in-memory, locked
// handle onto one object (file or directory) reachable within a lease.
type Claim struct {
	lock *worker.ResourceLock

	lease  *Lease
	parent *Claim

	name   string
	oid    wire.OID
	access Access
	isDir  bool
	mode   uint32

	// dir is populated lazily the first time a directory claim's
	// contents are consulted (find_claim / create_entry / ...).
	dir *dirblock.Directory

	children []*Claim

	// refcount tracks open fids plus in-flight walk steps holding a
	// reference to this claim (spec §4.4 request/release). deleted
	// marks the claim logically deleted: request on it fails.
	mu       sync.Mutex
	refcount int
	deleted  bool

	// wavefrontExitParent is true when some immediate child of this
	// claim is the root of a RemoteExit lease (spec §4.5
	// is_exit_point_parent); such a claim must never be collapsed out
	// of the tree even with a zero refcount.
	wavefrontExitParent bool

	// fids is the set of local fid ids currently open on this claim
	// (internal/fid owns insertion/removal bookkeeping).
	fids map[uint32]struct{}

	// exclusive is true once some fid has opened this claim with
	// exclusive-use semantics; cleared when that fid is removed.
	exclusive bool
}

func newClaim(lease *Lease, parent *Claim, name string, oid wire.OID, access Access, isDir bool, mode uint32) *Claim {
	return &Claim{
		lock:   worker.NewResourceLock(worker.KindClaim),
		lease:  lease,
		parent: parent,
		name:   name,
		oid:    oid,
		access: access,
		isDir:  isDir,
		mode:   mode,
	}
}

// NewRoot constructs the root claim of a lease (spec §4.4 new_root).
func NewRoot(lease *Lease, access Access, oid wire.OID, mode uint32) *Claim {
	return newClaim(lease, nil, "", oid, access, mode&wire.DMDIR != 0, mode)
}

// New constructs a claim as a child of parent (spec §4.4 new).
func New(parent *Claim, name string, access Access, oid wire.OID, mode uint32) *Claim {
	c := newClaim(parent.lease, parent, name, oid, access, mode&wire.DMDIR != 0, mode)
	parent.children = append(parent.children, c)
	return c
}

func (c *Claim) Lease() *Lease   { return c.lease }
func (c *Claim) Parent() *Claim  { return c.parent }
func (c *Claim) Name() string    { return c.name }
func (c *Claim) OID() wire.OID   { return c.oid }
func (c *Claim) Access() Access  { return c.access }
func (c *Claim) IsDir() bool     { return c.isDir }
func (c *Claim) Mode() uint32    { return c.mode }
func (c *Claim) IsRoot() bool    { return c.parent == nil }
func (c *Claim) Children() []*Claim {
	return append([]*Claim(nil), c.children...)
}

// Path returns the claim's path relative to its lease's root, e.g.
// "a/b/c", and "" for the lease root itself. Joined with the lease's
// own pathname this gives the full namespace path.
func (c *Claim) Path() string {
	if c.parent == nil {
		return ""
	}
	var parts []string
	for n := c; n.parent != nil; n = n.parent {
		parts = append(parts, n.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

// Reserve acquires this claim's per-object lock on behalf of w (spec
// §4.1 reserve(worker, Claim, obj)).
func (c *Claim) Reserve(w *worker.Worker) { c.lock.Reserve(w) }

// Release gives up this claim's lock (spec §4.1 release(worker, Claim, obj)).
func (c *Claim) Release(w *worker.Worker) { c.lock.Release(w) }

// Request increments the claim's reference count, rejecting if the
// claim has been logically deleted (spec §4.4 request).
func (c *Claim) Request() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return errDeleted
	}
	c.refcount++
	return nil
}

// Unrelease decrements the reference count and, if the claim has
// become collapsible, detaches it from its parent and moves it to the
// lease's claim cache (spec §4.4 release). Root claims, claims with
// children, claims that are a wavefront exit's immediate parent, and
// claims whose lock still has queued waiters are never collapsed.
func (c *Claim) Unrelease() {
	c.mu.Lock()
	c.refcount--
	collapsible := c.refcount <= 0 && !c.deleted
	c.mu.Unlock()
	if !collapsible {
		return
	}
	if c.parent == nil || len(c.children) > 0 || c.wavefrontExitParent || c.lock.HasWaiters() {
		return
	}
	c.detachAndCache()
}

func (c *Claim) detachAndCache() {
	p := c.parent
	var kept []*Claim
	for _, sib := range p.children {
		if sib != c {
			kept = append(kept, sib)
		}
	}
	p.children = kept
	c.lease.cacheClaim(c)
}

// directory returns (lazily loading) the dirblock.Directory view onto
// this claim's object. Only valid for directory claims.
func (c *Claim) directory(client objclient.Client, blockSize int, cache *dirblock.Cache) *dirblock.Directory {
	if c.dir == nil {
		c.dir = dirblock.New(client, c.oid, blockSize, cache, c.lease.pathname)
	} else {
		c.dir.SetOID(c.oid)
	}
	return c.dir
}

// followChild looks for an already-live in-memory child named name.
func (c *Claim) followChild(name string) *Claim {
	for _, ch := range c.children {
		if ch.name == name {
			return ch
		}
	}
	return nil
}

func (c *Claim) markDeleted() {
	c.mu.Lock()
	c.deleted = true
	c.mu.Unlock()
}

// IsDeleted reports whether the claim has been unlinked.
func (c *Claim) IsDeleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted
}

// MarkDeleted exposes markDeleted to other packages (internal/dispatch
// on remove, internal/walk on a remote removal notification).
func (c *Claim) MarkDeleted() { c.markDeleted() }

// LinkFid records fid as open against this claim (spec §4.6
// fid_link_claim).
func (c *Claim) LinkFid(fid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fids == nil {
		c.fids = make(map[uint32]struct{})
	}
	c.fids[fid] = struct{}{}
}

// UnlinkFid removes fid from this claim's open-fid set (spec §4.6
// fid_unlink_claim) and reports the remaining count.
func (c *Claim) UnlinkFid(fid uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.fids, fid)
	return len(c.fids)
}

func (c *Claim) FidCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fids)
}

// SetExclusive marks the claim as opened with exclusive-use semantics.
func (c *Claim) SetExclusive() {
	c.mu.Lock()
	c.exclusive = true
	c.mu.Unlock()
}

// ClearExclusive clears the exclusive-use mark, e.g. when the fid that
// set it is removed (spec §4.7 remove).
func (c *Claim) ClearExclusive() {
	c.mu.Lock()
	c.exclusive = false
	c.mu.Unlock()
}

func (c *Claim) Exclusive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exclusive
}

// SetMode updates the claim's cached mode bits after a Twstat mode
// change (spec §4.7); the DMDIR bit never changes since a claim's
// directory-ness is fixed at creation.
func (c *Claim) SetMode(mode uint32) {
	c.mu.Lock()
	dir := c.mode & wire.DMDIR
	c.mode = (mode &^ wire.DMDIR) | dir
	c.mu.Unlock()
}

// Rename updates the claim's cached name after a successful Twstat name
// change has already moved its directory entry (spec §4.7).
func (c *Claim) Rename(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}
