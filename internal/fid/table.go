package fid

import (
	"strings"
	"sync"

	"github.com/nicolagi/envoy9p/internal/claim"
	"github.com/nicolagi/envoy9p/internal/objclient"
	"github.com/nicolagi/envoy9p/internal/wire"
)

// Table is one connection's fid → Fid map (spec §4.7 "per-connection
// fid u32 → Fid").
type Table struct {
	addr wire.Address

	mu      sync.Mutex
	entries map[uint32]*Fid
}

func NewTable(addr wire.Address) *Table {
	return &Table{addr: addr, entries: make(map[uint32]*Fid)}
}

func fullPath(c *claim.Claim) string {
	lease := c.Lease().Pathname()
	sub := c.Path()
	lease = strings.Trim(lease, "/")
	sub = strings.Trim(sub, "/")
	switch {
	case lease == "":
		return sub
	case sub == "":
		return lease
	default:
		return lease + "/" + sub
	}
}

// InsertLocal registers a fresh local fid pointing at c, pinning it
// with a claim-tree request (spec §4.4 request) and linking it into
// both the claim's and the lease's fid sets (spec §4.7 insert_local).
func (t *Table) InsertLocal(num uint32, user string, c *claim.Claim) (*Fid, error) {
	if err := c.Request(); err != nil {
		return nil, err
	}
	f := &Fid{
		num:      num,
		pathname: fullPath(c),
		user:     user,
		addr:     t.addr,
		claim:    c,
	}
	c.LinkFid(num)
	c.Lease().AddFid(num)
	t.mu.Lock()
	t.entries[num] = f
	t.mu.Unlock()
	return f, nil
}

// InsertRemote registers a fresh fid that is actually owned by a peer
// envoy (spec §4.7 insert_remote).
func (t *Table) InsertRemote(num uint32, pathname, user string, raddr wire.Address, rfid uint32) *Fid {
	f := &Fid{
		num:      num,
		pathname: pathname,
		user:     user,
		addr:     t.addr,
		isRemote: true,
		raddr:    raddr,
		rfid:     rfid,
	}
	t.mu.Lock()
	t.entries[num] = f
	t.mu.Unlock()
	return f
}

// UpdateRemote repoints an existing fid at a (possibly new) remote
// envoy, dropping any local claim it held (spec §4.7 update_remote).
func (t *Table) UpdateRemote(f *Fid, pathname string, raddr wire.Address, rfid uint32) {
	f.mu.Lock()
	prior := f.claim
	f.pathname = pathname
	f.isRemote = true
	f.raddr = raddr
	f.rfid = rfid
	f.claim = nil
	f.mu.Unlock()

	if prior != nil {
		prior.UnlinkFid(f.num)
		prior.Lease().RemoveFid(f.num)
		prior.Unrelease()
	}
}

// UpdateLocal repoints an existing fid at a local claim, dropping any
// prior claim or remote pointer it held (spec §4.7 update_local). c is
// pinned with a fresh request before the prior claim, if any, is
// released, so a claim handed straight from one fid update to another
// never sees its refcount touch zero in between.
func (t *Table) UpdateLocal(f *Fid, c *claim.Claim) error {
	if err := c.Request(); err != nil {
		return err
	}

	f.mu.Lock()
	prior := f.claim
	f.pathname = fullPath(c)
	f.isRemote = false
	f.ReaddirCookie = 0
	f.raddr = wire.Address{}
	f.rfid = 0
	f.claim = c
	f.mu.Unlock()

	if prior != nil && prior != c {
		prior.UnlinkFid(f.num)
		prior.Lease().RemoveFid(f.num)
		prior.Unrelease()
	}
	c.LinkFid(f.num)
	c.Lease().AddFid(f.num)
	return nil
}

// Lookup returns the fid registered under num (spec §4.7 lookup).
func (t *Table) Lookup(num uint32) (*Fid, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[num]
	return f, ok
}

// Remove unregisters num (spec §4.7 remove): for a remote fid it frees
// its remote-slab slot; for a local fid it unlinks from the claim and
// lease fid sets, clears the claim's exclusive mark if this fid had it
// open, and deletes the backing storage object if the claim is deleted,
// has no remaining fids, and is writable.
func (t *Table) Remove(client objclient.Client, slab *RemoteSlab, num uint32) error {
	t.mu.Lock()
	f, ok := t.entries[num]
	if ok {
		delete(t.entries, num)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	if f.IsRemote() {
		slab.Release(f.RemoteFid())
		return nil
	}

	c := f.claim
	if c == nil {
		return nil
	}
	remaining := c.UnlinkFid(num)
	c.Lease().RemoveFid(num)

	if c.Exclusive() && f.Status() != StatusUnopened {
		c.ClearExclusive()
	}

	deleteObject := c.IsDeleted() && remaining == 0 && c.Access() == claim.Writable
	c.Unrelease()

	if deleteObject {
		return client.Delete(c.OID())
	}
	return nil
}

// Resolve implements claim.FidResolver: it reports num's current
// pathname, user, open status, open mode and readdir cookie, so a
// grant can carry a fid's full state to its new owner (spec §4.5
// step 3) instead of just its number.
func (t *Table) Resolve(num uint32) (pathname, user string, status wire.FidStatus, omode uint32, cookie uint64, ok bool) {
	t.mu.Lock()
	f, ok := t.entries[num]
	t.mu.Unlock()
	if !ok {
		return "", "", wire.FidUnopened, 0, 0, false
	}
	return f.Pathname(), f.User(), wire.FidStatus(f.Status()), uint32(f.OpenMode()), f.ReaddirCookie, true
}

// All returns every fid currently registered, for connection teardown.
func (t *Table) All() []*Fid {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Fid, 0, len(t.entries))
	for _, f := range t.entries {
		out = append(out, f)
	}
	return out
}
