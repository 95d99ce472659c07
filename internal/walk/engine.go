package walk

import (
	"github.com/nicolagi/envoy9p/internal/claim"
	"github.com/nicolagi/envoy9p/internal/linuxerr"
	"github.com/nicolagi/envoy9p/internal/objclient"
	"github.com/nicolagi/envoy9p/internal/policy"
	"github.com/nicolagi/envoy9p/internal/wire"
	"github.com/nicolagi/envoy9p/internal/worker"
)

// Transport sends the envoy-to-envoy messages a cross-lease walk needs
// (spec §4.6 "Remote chunk", §6 TEWalkRemote/TECloseFid).
type Transport interface {
	RemoteWalk(addr wire.Address, req wire.TWalkRemote) (wire.RWalkRemote, error)
	CloseFid(addr wire.Address, fid uint32) error
}

// Engine resolves a sequence of path components, stepping across lease
// and envoy boundaries transparently (spec §4.6 Walk engine).
type Engine struct {
	Claims    *claim.Table
	Client    objclient.Client
	Cache     *Cache
	Transport Transport

	// Policy decides, after a successful local step, whether the
	// claim just reached should migrate to a different envoy (spec
	// §4.6 "Migration hint", §9 open question 3). A nil Policy is
	// equivalent to policy.NoMigration: the hook is simply skipped.
	Policy policy.Policy
	// GrantTransport carries out a migration Policy recommends, and an
	// attach-triggered split (AdminPrefix below). Unused if both are
	// unset.
	GrantTransport claim.GrantTransport

	// AdminPrefix is the top-level admin index directory (spec §4.6
	// "Attach-specific", e.g. "snapshots") under which a peer envoy
	// attaching to a path with no fids and no descendant leases causes
	// that path to be split off into its own lease and granted to the
	// attaching envoy, rather than merely walked. Empty disables the
	// trigger.
	AdminPrefix string
	// Self is this envoy's own address, sent as TWalkRemote's
	// RequesterAddr whenever a walk continues at a peer, so an
	// attach-triggered split there grants the subtree to this envoy.
	Self wire.Address
}

func NewEngine(claims *claim.Table, client objclient.Client, transport Transport) *Engine {
	return &Engine{Claims: claims, Client: client, Cache: NewCache(), Transport: transport}
}

// consultPolicy implements spec §4.6's migration hint: if Policy
// recommends moving the claim just stepped onto, it performs the grant
// and returns a retry signal so the whole walk restarts against the new
// owner, per "if so, retry after performing the transfer". cur and
// child are both released before returning, matching every other early
// return out of the walkLocal loop.
func (e *Engine) consultPolicy(w *worker.Worker, cur, child *claim.Claim, user string, qids []wire.Qid) (Result, bool) {
	if e.Policy == nil {
		return Result{}, false
	}
	m := e.Policy.Consult(w, child.Lease(), child, user)
	if m == nil {
		return Result{}, false
	}
	err := e.Claims.Grant(w, m.Lease, m.Claim, m.Dest, e.GrantTransport)
	if cur != child {
		cur.Release(w)
	}
	child.Release(w)
	if err != nil {
		return Result{Qids: qids, Err: err}, true
	}
	return Result{Qids: qids, Err: worker.Retry("migration")}, true
}

// consultAttachSplit implements spec §4.6's "Attach-specific" trigger
// (scenario: a peer envoy attaches to an admin path we hold locally
// that has no open fids and no descendant leases): split child off
// into its own lease and grant it straight to the requesting envoy,
// then signal a retry so the walk re-resolves against the new owner.
// This is a distinct mechanism from consultPolicy's traffic-driven
// migration hint -- it fires only for AdminPrefix paths, only when the
// walk is being carried out on behalf of another envoy, and is not
// gated by any Policy.
func (e *Engine) consultAttachSplit(w *worker.Worker, cur, child *claim.Claim, full string, requesterAddr wire.Address, qids []wire.Qid) (Result, bool) {
	if e.AdminPrefix == "" || requesterAddr == (wire.Address{}) {
		return Result{}, false
	}
	if !underAdminPrefix(full, e.AdminPrefix) {
		return Result{}, false
	}
	lease := child.Lease()
	if lease.Kind() != claim.Local {
		return Result{}, false
	}
	if child.FidCount() != 0 || e.Claims.HasDescendantLease(lease, full) {
		return Result{}, false
	}

	lease.AcquireExclusive(w)
	err := e.Claims.Grant(w, lease, child, requesterAddr, e.GrantTransport)
	if cur != child {
		cur.Release(w)
	}
	child.Release(w)
	if err != nil {
		return Result{Qids: qids, Err: err}, true
	}
	return Result{Qids: qids, Err: worker.Retry("attach split")}, true
}

// underAdminPrefix reports whether path names an entry strictly inside
// prefix (e.g. "snapshots/17" under "snapshots"). prefix itself never
// matches: the admin index directory is the thing holding the entries
// a split carves off, not itself a candidate for being carved off.
func underAdminPrefix(path, prefix string) bool {
	path = trimSlashes(path)
	prefix = trimSlashes(prefix)
	if prefix == "" {
		return false
	}
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}

func trimSlashes(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// Request describes one walk: start either at a locally-reserved claim
// or at a remote fid already known to live at addr/rfid, and resolve
// names in turn under pathname (the start point's full namespace path).
type Request struct {
	StartClaim *claim.Claim
	StartAddr  wire.Address
	StartRFid  uint32
	Pathname   string
	User       string
	Names      []string

	// NewFid is the remote-fid identifier the caller has already
	// reserved (fid.RemoteSlab.Reserve) for the result of this walk,
	// should it terminate remotely (spec §4.6, §4.7 reserve_remote).
	// It is sent on the wire as TWalkRemote.NewFid and is what the
	// owning envoy binds the walked path to; it is meaningless when
	// the walk terminates locally.
	NewFid uint32

	// RequesterAddr, when set, names the envoy this walk is being
	// carried out on behalf of (it arrived as a forwarded TWalkRemote
	// from that envoy). Used only by consultAttachSplit; zero for a
	// walk driven directly by a local client.
	RequesterAddr wire.Address
}

// Result carries the qids resolved so far and the terminal location.
// A partial result (len(Qids) < len(Names)) is not itself an error: the
// dispatcher (C8) decides whether a short local Twalk-style result is
// acceptable or must be reported as the wrapped Err.
type Result struct {
	Qids []wire.Qid

	// Terminal is reached when Remote is false: Claim is reserved by the
	// caller's worker and must eventually be Released.
	Remote     bool
	Claim      *claim.Claim
	RemoteAddr wire.Address
	RemoteRFid uint32

	Err error
}

// Walk implements spec §4.6's algorithm outline: local steps via the
// claim tree until a lease boundary is crossed, then remote chunks via
// Transport, retrying on a detected EBADF race by flushing the walk
// cache, until every name is consumed or a step fails.
func (e *Engine) Walk(w *worker.Worker, req Request) Result {
	if req.StartClaim != nil {
		return e.walkLocal(w, req.StartClaim, req.Pathname, req.User, req.Names, req.NewFid, req.RequesterAddr)
	}
	return e.walkRemote(w, req.StartAddr, req.StartRFid, req.Pathname, req.User, req.Names, nil, req.NewFid)
}

func (e *Engine) walkLocal(w *worker.Worker, start *claim.Claim, pathname, user string, names []string, newFid uint32, requesterAddr wire.Address) Result {
	cur := start
	path := pathname
	var qids []wire.Qid

	for i, name := range names {
		if !cur.IsDir() {
			return Result{Qids: qids, Err: linuxerr.ENOTDIR}
		}

		// Cache chunk (spec §4.6 step 1): a cached non-local entry for
		// the path we're about to resolve means an earlier walk already
		// learned this name crosses into a peer envoy's territory, so
		// skip straight to the remote chunk instead of repeating the
		// lease-boundary check. Cached local entries are not consulted
		// here: internal/claim's own lease/global cache already gives
		// local lookups their fast path, so duplicating qids in this
		// cache would just be another copy to keep coherent.
		full := joinPath(path, name)
		if entry, ok := e.Cache.get(full); ok && !entry.local {
			cur.Release(w)
			return e.walkRemote(w, entry.addr, 0, full, user, names[i+1:], qids, newFid)
		}

		child, nextAddr, remote, err := e.step(w, cur, name)
		if err != nil {
			cur.Release(w)
			return Result{Qids: qids, Err: err}
		}

		if remote {
			cur.Release(w)
			e.Cache.putRemote(full, wire.Qid{}, nextAddr)
			return e.walkRemote(w, nextAddr, 0, full, user, names[i+1:], qids, newFid)
		}

		qid := wire.QidForMode(child.Mode(), child.OID(), 0)
		qids = append(qids, qid)
		e.Cache.putLocal(full, qid)

		if result, split := e.consultAttachSplit(w, cur, child, full, requesterAddr, qids); split {
			return result
		}

		if result, migrated := e.consultPolicy(w, cur, child, user, qids); migrated {
			return result
		}

		if child != cur {
			cur.Release(w)
		}
		cur = child
		path = full
	}

	return Result{Qids: qids, Claim: cur}
}

// step resolves one name under parent (already reserved), reserving
// and returning the child claim on a local hit, or the address to
// continue remotely at.
func (e *Engine) step(w *worker.Worker, parent *claim.Claim, name string) (child *claim.Claim, addr wire.Address, remote bool, err error) {
	if name == "." {
		parent.Reserve(w)
		return parent, wire.Address{}, false, nil
	}
	if name == ".." {
		gp, remoteAddr, err := e.Claims.GetParent(w, parent)
		if err != nil {
			return nil, wire.Address{}, false, err
		}
		if gp == nil && remoteAddr != nil {
			return nil, *remoteAddr, true, nil
		}
		if gp == nil {
			parent.Reserve(w)
			return parent, wire.Address{}, false, nil
		}
		gp.Reserve(w)
		return gp, wire.Address{}, false, nil
	}

	c, err := e.Claims.GetChild(w, parent, name)
	if err == claim.ErrNotLocal {
		exitPath := joinPath(parent.Lease().Pathname(), joinPath(parent.Path(), name))
		exit, ok := e.Claims.GetRemote(exitPath)
		if !ok {
			return nil, wire.Address{}, false, linuxerr.Errorf("walk: exit lease vanished for %s", exitPath)
		}
		return nil, exit.Address(), true, nil
	}
	if err != nil {
		return nil, wire.Address{}, false, err
	}
	return c, wire.Address{}, false, nil
}

// walkRemote sends (possibly repeated, on an EBADF race) TWalkRemote
// to addr for the remaining names, flushing the walk cache and
// retrying once on a detected staleness race (spec §4.6 "Remote
// chunk").
func (e *Engine) walkRemote(w *worker.Worker, addr wire.Address, rfid uint32, pathname, user string, names []string, priorQids []wire.Qid, newFid uint32) Result {
	req := wire.TWalkRemote{Fid: rfid, NewFid: newFid, Wname: names, User: user, Pathname: pathname, RequesterAddr: e.Self}
	reply, err := e.Transport.RemoteWalk(addr, req)
	if err != nil {
		return Result{Qids: priorQids, Err: err}
	}
	if reply.Errnum == linuxerr.EBADF.Ecode() {
		e.Cache.Flush()
		reply, err = e.Transport.RemoteWalk(addr, req)
		if err != nil {
			return Result{Qids: priorQids, Err: err}
		}
	}
	if reply.Errnum != 0 {
		return Result{Qids: priorQids, Err: linuxerr.Errorf("remote walk failed: errno %d", reply.Errnum)}
	}

	qids := append(append([]wire.Qid(nil), priorQids...), reply.Nwqid...)
	if len(reply.Nwqid) < len(names) {
		return Result{Qids: qids, Remote: true, RemoteAddr: addr}
	}
	return Result{Qids: qids, Remote: true, RemoteAddr: addr, RemoteRFid: newFid}
}
