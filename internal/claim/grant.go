package claim

import (
	"github.com/nicolagi/envoy9p/internal/wire"
	"github.com/nicolagi/envoy9p/internal/worker"
)

// GrantTransport sends a chunked grant transfer to a peer envoy and
// collects its acknowledgement (spec §4.5 step 4). The dispatcher
// (internal/dispatch) supplies the real implementation over the
// envoy-to-envoy connection; tests can fake it.
type GrantTransport interface {
	SendGrant(addr wire.Address, msg wire.TGrant) (wire.RGrant, error)
}

// FidResolver looks up the full state of a locally-held fid by number,
// so Grant can serialize more than just the fid number and pathname
// into the wire record (spec §4.5 step 3). internal/fid.Table
// implements this; claim cannot import internal/fid directly since
// internal/fid already imports internal/claim.
type FidResolver interface {
	Resolve(num uint32) (pathname, user string, status wire.FidStatus, omode uint32, cookie uint64, ok bool)
}

// MaxRecordsPerMessage bounds how many exit/fid records one TGrant
// message carries, keeping each message within GLOBAL_MAX_SIZE (spec
// §4.5 step 4 "chunk... into size-bounded messages").
const MaxRecordsPerMessage = 64

// Grant hands off the subtree rooted at claim c (which must be the
// target of an already exclusive-locked lease l) to peer, per spec
// §4.5 Grant:
//  1. l is assumed already exclusive-locked by the caller; the walk
//     cache flush is the caller's responsibility (internal/walk owns
//     that cache).
//  2. Thaw c if CoW.
//  3. Snapshot wavefront entries under c and fids under c into transfer
//     lists.
//  4. Emit one or more chunked TGrant messages.
//  5. Replace the local subtree with a RemoteExit lease.
func (t *Table) Grant(w *worker.Worker, l *Lease, c *Claim, peer wire.Address, transport GrantTransport) error {
	if err := t.Thaw(w, c); err != nil {
		return err
	}

	pathname := joinPath(l.pathname, c.Path())

	var exits []wire.LeaseRecord
	for _, exit := range l.Wavefront() {
		if !underPath(exit.pathname, pathname) {
			continue
		}
		exits = append(exits, wire.LeaseRecord{
			Pathname: exit.pathname,
			Readonly: exit.readonly,
			OID:      exit.oid,
			Addr:     exit.addr,
		})
	}

	var fids []wire.FidRecord
	l.mu.Lock()
	for fidnum := range l.fids {
		record := wire.FidRecord{Fid: fidnum, Pathname: pathname}
		if t.Fids != nil {
			p, user, status, omode, cookie, ok := t.Fids.Resolve(fidnum)
			if ok && !underPath(p, pathname) {
				continue
			}
			if ok {
				record = wire.FidRecord{
					Fid:           fidnum,
					Pathname:      p,
					User:          user,
					Status:        status,
					Omode:         omode,
					ReaddirCookie: cookie,
				}
			}
		}
		fids = append(fids, record)
	}
	l.mu.Unlock()

	root := wire.LeaseRecord{
		Pathname: pathname,
		Readonly: l.readonly,
		OID:      c.oid,
		Addr:     wire.Address{},
	}

	if err := sendGrantChunks(transport, peer, root, exits, fids); err != nil {
		return err
	}

	t.replaceWithRemoteExit(l, c, pathname, peer)
	return nil
}

func underPath(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}

func sendGrantChunks(transport GrantTransport, peer wire.Address, root wire.LeaseRecord, exits []wire.LeaseRecord, fids []wire.FidRecord) error {
	if len(exits) <= MaxRecordsPerMessage && len(fids) <= MaxRecordsPerMessage {
		msg := wire.TGrant{Type: wire.GrantSingle, Root: root, Exits: exits, Fids: fids}
		reply, err := transport.SendGrant(peer, msg)
		if err != nil {
			return err
		}
		return grantError(reply)
	}

	first := true
	for len(exits) > 0 || len(fids) > 0 {
		var chunkExits []wire.LeaseRecord
		var chunkFids []wire.FidRecord
		if len(exits) > 0 {
			n := min(MaxRecordsPerMessage, len(exits))
			chunkExits, exits = exits[:n], exits[n:]
		}
		if len(fids) > 0 {
			n := min(MaxRecordsPerMessage, len(fids))
			chunkFids, fids = fids[:n], fids[n:]
		}
		typ := wire.GrantContinue
		if first {
			typ = wire.GrantStart
		}
		if len(exits) == 0 && len(fids) == 0 {
			typ = wire.GrantEnd
		}
		msg := wire.TGrant{Type: typ, Root: root, Exits: chunkExits, Fids: chunkFids}
		reply, err := transport.SendGrant(peer, msg)
		if err != nil {
			return err
		}
		if err := grantError(reply); err != nil {
			return err
		}
		first = false
	}
	return nil
}

func grantError(r wire.RGrant) error {
	if r.Errnum != 0 {
		return errGrantRejected
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// replaceWithRemoteExit detaches c from its parent, registers a
// RemoteExit lease at pathname, and clears the descendant cache (spec
// §4.5 step 5).
func (t *Table) replaceWithRemoteExit(l *Lease, c *Claim, pathname string, peer wire.Address) {
	if c.parent != nil {
		var kept []*Claim
		for _, sib := range c.parent.children {
			if sib != c {
				kept = append(kept, sib)
			}
		}
		c.parent.children = kept
	}
	l.mu.Lock()
	for path := range l.claimCache {
		if underPath(path, c.Path()) {
			delete(l.claimCache, path)
		}
	}
	l.mu.Unlock()

	exit := t.NewRemoteExit(pathname, l.readonly, c.oid, peer)
	parentLease, _, err := t.FindRoot(parentOf(pathname))
	if err == nil {
		parentLease.addWavefront(exit)
	}
}

func parentOf(path string) string {
	idx := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// Accept installs a lease granted by a peer: it creates the local
// lease rooted at root.Pathname and installs every received wavefront
// exit as a RemoteExit of that lease, per spec §4.5 Accept. An exit
// whose address is this process's own is installed the same way; none
// is merged back here.
// The caller (internal/dispatch) is responsible for installing the
// accompanying fid records into its own fid table.
func (t *Table) Accept(root wire.LeaseRecord, exits []wire.LeaseRecord, mode uint32) (*Lease, error) {
	access := ReadOnly
	if !root.Readonly {
		access = Writable
	}
	l := t.NewLocalLease(root.Pathname, root.Readonly, access, root.OID, mode)
	for _, e := range exits {
		exitLease := t.NewRemoteExit(e.Pathname, e.Readonly, e.OID, e.Addr)
		l.addWavefront(exitLease)
	}
	return l, nil
}

// Merge absorbs a previously granted child lease back into its parent
// (spec §4.5 Merge): splices the child's claim root under the parent
// at the appropriate position, retargets descendant claims' lease
// pointer, moves fids and claim-cache entries, and unions wavefronts.
// Caller must hold both leases exclusively.
func (t *Table) Merge(parent *Lease, child *Lease) error {
	rel := trimLeasePrefix(child.pathname, parent.pathname)
	t.reattachChild(parent, child, rel)

	child.mu.Lock()
	for path, c := range child.claimCache {
		retargetLease(c, parent)
		parent.mu.Lock()
		parent.claimCache[joinPath(rel, path)] = c
		parent.mu.Unlock()
	}
	for fid := range child.fids {
		parent.fids[fid] = struct{}{}
	}
	for _, exit := range child.wavefront {
		parent.wavefront[exit.pathname] = exit
	}
	child.mu.Unlock()

	t.Remove(child.pathname)
	parent.removeWavefront(child.pathname)
	return nil
}

func retargetLease(c *Claim, lease *Lease) {
	c.lease = lease
	for _, ch := range c.children {
		retargetLease(ch, lease)
	}
}

func (t *Table) reattachChild(parent *Lease, child *Lease, rel string) {
	name := rel
	if idx := lastSlash(rel); idx >= 0 {
		name = rel[idx+1:]
	}
	root := child.root
	retargetLease(root, parent)
	if rel == "" {
		return
	}
	parentDir := parentOf(rel)
	if parentDir == "" {
		root.name = name
		root.parent = parent.root
		parent.root.children = append(parent.root.children, root)
		return
	}
	if pc, ok := parent.lookupCache(parentDir); ok {
		root.name = name
		root.parent = pc
		pc.children = append(pc.children, root)
	}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func trimLeasePrefix(full, prefix string) string {
	rel := full
	if len(prefix) > 0 && len(full) >= len(prefix) {
		rel = full[len(prefix):]
	}
	for len(rel) > 0 && rel[0] == '/' {
		rel = rel[1:]
	}
	return rel
}
