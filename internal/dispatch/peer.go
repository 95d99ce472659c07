package dispatch

import (
	"errors"
	"io"
	"net"

	"github.com/nicolagi/envoy9p/internal/claim"
	"github.com/nicolagi/envoy9p/internal/fid"
	"github.com/nicolagi/envoy9p/internal/linuxerr"
	"github.com/nicolagi/envoy9p/internal/walk"
	"github.com/nicolagi/envoy9p/internal/wire"
	"github.com/nicolagi/envoy9p/internal/worker"
)

// ServePeers accepts envoy-to-envoy connections on ln and runs each
// under its own goroutine until ln is closed. This is the inbound
// counterpart to PeerTransport (transport.go): where PeerTransport
// dials out and serializes one request at a time per peer, a peer
// dialing in gets one goroutine per connection here, so a slow
// connection never holds up another peer's requests. Within a single
// connection the protocol really is strictly request/reply -- the
// sender blocks on roundTrip before issuing the next message -- so the
// read loop below handles each message to completion before reading
// the next rather than reaching for worker.Runtime.Spawn.
func (ops *Ops) ServePeers(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			ops.Log.WithError(err).Warn("peer listener accept")
			return
		}
		go ops.handlePeerConn(conn)
	}
}

func (ops *Ops) handlePeerConn(conn net.Conn) {
	defer conn.Close()
	fids := fid.NewTable(ops.Self)
	pending := make(map[string]*pendingGrant)

	defer ops.teardownPeerFids(fids)

	for {
		id, tag, body, err := readPeerFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				ops.Log.WithError(err).Debug("peer connection read")
			}
			return
		}

		reply, err := ops.dispatchPeerMessage(fids, pending, id, body)
		if err != nil {
			ops.Log.WithError(err).Debug("peer connection closing on protocol error")
			return
		}
		if _, err := conn.Write(reply(tag)); err != nil {
			ops.Log.WithError(err).Debug("peer connection write")
			return
		}
	}
}

// framer is any wire reply type's Pack method, bound to its payload so
// the read loop doesn't need a type switch to apply the right tag.
type framer func(tag uint16) []byte

// dispatchPeerMessage decodes one envoy-to-envoy request and returns
// the framer for its reply. The only errors it returns are protocol
// framing errors (bad message id, truncated body); application-level
// failures (no such lease, stale fid, ...) are reported through the
// reply's own Errnum field instead, so the connection stays open.
func (ops *Ops) dispatchPeerMessage(fids *fid.Table, pending map[string]*pendingGrant, id uint8, body []byte) (framer, error) {
	switch id {
	case wire.TEWalkRemote:
		req, err := wire.UnpackTWalkRemote(body)
		if err != nil {
			return nil, err
		}
		reply := ops.handleWalkRemote(fids, req)
		return reply.Pack, nil

	case wire.TECloseFid:
		req, err := wire.UnpackTCloseFid(body)
		if err != nil {
			return nil, err
		}
		reply := ops.handleCloseFid(fids, req)
		return reply.Pack, nil

	case wire.TEStatRemote:
		req, err := wire.UnpackTStatRemote(body)
		if err != nil {
			return nil, err
		}
		reply := ops.handleStatRemote(fids, req)
		return reply.Pack, nil

	case wire.TEGrant:
		req, err := wire.UnpackTGrant(body)
		if err != nil {
			return nil, err
		}
		reply := ops.handleGrant(fids, pending, req)
		return reply.Pack, nil

	case wire.TERevoke:
		req, err := wire.UnpackTRevoke(body)
		if err != nil {
			return nil, err
		}
		reply := ops.handleRevoke(req)
		return reply.Pack, nil

	case wire.TEMigrate:
		req, err := wire.UnpackTMigrate(body)
		if err != nil {
			return nil, err
		}
		reply := ops.handleMigrate(req)
		return reply.Pack, nil

	case wire.TERenameTree:
		req, err := wire.UnpackTRenameTree(body)
		if err != nil {
			return nil, err
		}
		reply := ops.handleRenameTree(req)
		return reply.Pack, nil

	case wire.TESnapshot:
		req, err := wire.UnpackTSnapshot(body)
		if err != nil {
			return nil, err
		}
		reply := ops.handleSnapshotRemote(req)
		return reply.Pack, nil

	default:
		return nil, linuxerr.Errorf("dispatch: unknown peer message id %d", id)
	}
}

// handleWalkRemote resolves the remaining path components of a walk
// that a peer has forwarded to us (spec §4.6 "Remote chunk"). req.Fid,
// if nonzero, continues a chunk this connection already holds open
// (from an earlier TEWalkRemote or a TEGrant); otherwise req.Pathname
// is resolved fresh against our own claim tree.
func (ops *Ops) handleWalkRemote(fids *fid.Table, req wire.TWalkRemote) wire.RWalkRemote {
	var result walk.Result
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		wreq := walk.Request{
			Pathname:      req.Pathname,
			User:          req.User,
			Names:         req.Wname,
			NewFid:        req.NewFid,
			RequesterAddr: req.RequesterAddr,
		}

		if req.Fid != 0 {
			f, ok := fids.Lookup(req.Fid)
			if !ok {
				// The source fid was already closed or never existed on
				// this connection: the requester raced a migration or
				// walk-cache staleness (spec §4.6 "did we get a race
				// condition?").
				return linuxerr.EBADF
			}
			if f.IsRemote() {
				wreq.StartAddr = f.RemoteAddr()
				wreq.StartRFid = f.RemoteFid()
			} else {
				c := f.Claim()
				c.Reserve(w)
				if c.IsDeleted() {
					c.Release(w)
					return linuxerr.ENOENT
				}
				wreq.StartClaim = c
			}
		} else {
			c, err := ops.Claims.Find(w, req.Pathname)
			if err != nil {
				return err
			}
			wreq.StartClaim = c
		}

		result = ops.Walker.Walk(w, wreq)
		if result.Err != nil && len(result.Qids) == 0 {
			return result.Err
		}

		// A short match is not an error (spec §4.6): report the qids
		// resolved so far and leave new_rfid unbound.
		if len(result.Qids) != len(req.Wname) {
			if result.Claim != nil {
				result.Claim.Release(w)
			}
			return nil
		}

		if result.Remote {
			fids.InsertRemote(req.NewFid, req.Pathname, req.User, result.RemoteAddr, result.RemoteRFid)
		} else {
			defer result.Claim.Release(w)
			if _, err := fids.InsertLocal(req.NewFid, req.User, result.Claim); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return wire.RWalkRemote{Errnum: errnoOf(err)}
	}
	return wire.RWalkRemote{Nwqid: result.Qids, Address: ops.Self}
}

// handleCloseFid forgets a fid this connection's table holds, per a
// peer's TECloseFid once it no longer needs the pointer (spec §4.6,
// §4.7 remove).
func (ops *Ops) handleCloseFid(fids *fid.Table, req wire.TCloseFid) wire.RCloseFid {
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		return fids.Remove(ops.Objects, ops.Remote, req.Fid)
	}); err != nil {
		ops.Log.WithError(err).Debug("peer close fid")
	}
	return wire.RCloseFid{}
}

// handleStatRemote answers a peer's request for the current stat of a
// fid it has walked or been granted into our territory (spec §4.8). If
// the fid is itself only a further pointer -- a peer granted or walked
// through us into yet another envoy's territory -- the request is
// forwarded there transparently.
func (ops *Ops) handleStatRemote(fids *fid.Table, req wire.TStatRemote) wire.RStatRemote {
	f, ok := fids.Lookup(req.Fid)
	if !ok {
		return wire.RStatRemote{Errnum: linuxerr.EBADF.Ecode()}
	}
	if f.IsRemote() {
		reply, err := ops.Peers.StatRemote(f.RemoteAddr(), f.RemoteFid())
		if err != nil {
			return wire.RStatRemote{Errnum: errnoOf(err)}
		}
		return reply
	}

	var stat []byte
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		c := f.Claim()
		c.Reserve(w)
		defer c.Release(w)
		if c.IsDeleted() {
			return linuxerr.ENOENT
		}
		st, err := ops.Objects.Stat(c.OID(), c.Name())
		if err != nil {
			return err
		}
		stat = wire.PackStatRecord(st)
		return nil
	}); err != nil {
		return wire.RStatRemote{Errnum: errnoOf(err)}
	}
	return wire.RStatRemote{Stat: stat}
}

// pendingGrant accumulates the exit/fid records of a chunked TGrant
// transfer until its GrantEnd chunk arrives (spec §4.5 step 4); a
// GrantSingle message never touches this map.
type pendingGrant struct {
	root  wire.LeaseRecord
	exits []wire.LeaseRecord
	fids  []wire.FidRecord
}

// handleGrant installs a lease a peer is handing us, possibly across
// several chunked messages keyed by the granted root's pathname, since
// every chunk of one transfer repeats the same Root record (spec §4.5
// Accept). Accept itself does not install the transfer's fid records
// (they are the caller's bookkeeping to finish, per its own doc
// comment), so this handler installs each one into the connection's
// fid table directly, locating the specific claim each record's
// Pathname names within the just-accepted subtree and restoring its
// open status, mode and readdir cookie.
//
// If a RemoteExit already sits at root.Pathname, the grant is a
// handback completing a revoke (spec §4.8): the lease is accepted as
// usual and then Merge spliced back into the lease that originally
// held it, rather than left standing on its own.
func (ops *Ops) handleGrant(fids *fid.Table, pending map[string]*pendingGrant, req wire.TGrant) wire.RGrant {
	var root wire.LeaseRecord
	var exits []wire.LeaseRecord
	var fidRecords []wire.FidRecord

	switch req.Type {
	case wire.GrantSingle:
		root, exits, fidRecords = req.Root, req.Exits, req.Fids
	case wire.GrantStart:
		pending[req.Root.Pathname] = &pendingGrant{root: req.Root, exits: req.Exits, fids: req.Fids}
		return wire.RGrant{}
	case wire.GrantContinue:
		p, ok := pending[req.Root.Pathname]
		if !ok {
			return wire.RGrant{Errnum: linuxerr.EINVAL.Ecode()}
		}
		p.exits = append(p.exits, req.Exits...)
		p.fids = append(p.fids, req.Fids...)
		return wire.RGrant{}
	case wire.GrantEnd:
		p, ok := pending[req.Root.Pathname]
		if !ok {
			return wire.RGrant{Errnum: linuxerr.EINVAL.Ecode()}
		}
		delete(pending, req.Root.Pathname)
		root = p.root
		exits = append(p.exits, req.Exits...)
		fidRecords = append(p.fids, req.Fids...)
	default:
		return wire.RGrant{Errnum: linuxerr.EINVAL.Ecode()}
	}

	_, wasExit := ops.Claims.GetRemote(root.Pathname)

	var errnum uint32
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		st, err := ops.Objects.Stat(root.OID, "")
		if err != nil {
			return err
		}
		lease, err := ops.Claims.Accept(root, exits, st.Mode)
		if err != nil {
			return err
		}
		for _, fr := range fidRecords {
			c, err := ops.Claims.Find(w, fr.Pathname)
			if err != nil {
				return err
			}
			f, err := fids.InsertLocal(fr.Fid, fr.User, c)
			c.Release(w)
			if err != nil {
				return err
			}
			f.SetStatus(fid.Status(fr.Status))
			f.SetOpenMode(uint8(fr.Omode))
			f.ReaddirCookie = fr.ReaddirCookie
		}

		if wasExit {
			parent, _, err := ops.Claims.FindRoot(parentOfPath(root.Pathname))
			if err != nil {
				return nil
			}
			parent.AcquireExclusive(w)
			lease.AcquireExclusive(w)
			return ops.Claims.Merge(parent, lease)
		}
		return nil
	}); err != nil {
		errnum = errnoOf(err)
	}
	return wire.RGrant{Errnum: errnum}
}

// parentOfPath mirrors claim.parentOf (unexported) for use across the
// package boundary: the pathname one level up from path, or "" at the
// root.
func parentOfPath(path string) string {
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

// handleRevoke answers a request to give a locally held lease back to
// req.Requester, completing the symmetric counterpart of a grant (spec
// §4.8, §8 "grant followed by symmetric revoke"). The handoff is the
// same Grant a migration uses, just aimed back at whoever the lease
// came from instead of a new destination.
func (ops *Ops) handleRevoke(req wire.TRevoke) wire.RRevoke {
	var errnum uint32
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		lease, ok := ops.Claims.Get(req.Pathname)
		if !ok {
			return linuxerr.ENOENT
		}
		lease.AcquireExclusive(w)
		root := lease.Root()
		root.Reserve(w)
		defer root.Release(w)
		return ops.Claims.Grant(w, lease, root, req.Requester, ops.Peers)
	}); err != nil {
		errnum = errnoOf(err)
	}
	return wire.RRevoke{Errnum: errnum}
}

// handleMigrate hands ownership of a locally held lease to dest, driven
// by the traffic policy (spec §4.6 "Migration hint", §9 open question
// 3). Unlike TRevoke, TMigrate already names the destination, so the
// handoff is a plain Grant of the lease's own root to dest.
func (ops *Ops) handleMigrate(req wire.TMigrate) wire.RMigrate {
	var errnum uint32
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		lease, ok := ops.Claims.Get(req.Pathname)
		if !ok {
			return linuxerr.ENOENT
		}
		lease.AcquireExclusive(w)
		root := lease.Root()
		root.Reserve(w)
		defer root.Release(w)
		return ops.Claims.Grant(w, lease, root, req.Dest, ops.Peers)
	}); err != nil {
		errnum = errnoOf(err)
	}
	return wire.RMigrate{Errnum: errnum}
}

// handleSnapshotRemote answers a peer's TESnapshot: we hold the lease
// named by req.Pathname as a wavefront exit of the peer's own lease, so
// freezing it and reporting the resulting OID is this envoy's half of a
// recursive snapshot crossing a lease boundary (spec §4.5 Snapshot).
func (ops *Ops) handleSnapshotRemote(req wire.TSnapshot) wire.RSnapshot {
	var oid wire.OID
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		lease, ok := ops.Claims.Get(req.Pathname)
		if !ok {
			return linuxerr.ENOENT
		}
		lease.AcquireExclusive(w)
		root := lease.Root()
		root.Reserve(w)
		defer root.Release(w)
		var err error
		oid, err = ops.Claims.Snapshot(root, ops.Peers)
		return err
	}); err != nil {
		return wire.RSnapshot{Errnum: errnoOf(err)}
	}
	return wire.RSnapshot{OID: oid}
}

// handleRenameTree updates the lease table for a subtree a peer has
// renamed underneath one of our wavefront exits (spec §4.5 Wavefront
// bookkeeping).
func (ops *Ops) handleRenameTree(req wire.TRenameTree) wire.RRenameTree {
	ops.Claims.RenameTree(req.OldPathname, req.NewPathname)
	return wire.RRenameTree{}
}

// teardownPeerFids releases every fid this connection ever installed,
// for a dropped or closed peer connection -- the same unconditional
// cleanup FidDestroy gives a client fid whose connection disappears.
func (ops *Ops) teardownPeerFids(fids *fid.Table) {
	all := fids.All()
	if len(all) == 0 {
		return
	}
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		for _, f := range all {
			if err := fids.Remove(ops.Objects, ops.Remote, f.Num()); err != nil {
				ops.Log.WithError(err).Debug("peer connection teardown")
			}
		}
		return nil
	}); err != nil {
		ops.Log.WithError(err).Warn("peer connection teardown")
	}
}

// errnoOf maps an internal error to the numeric errno the envoy-to-
// envoy protocol's Errnum fields carry (spec §6), mirroring
// Ops.respondError's sentinel unwrapping for the client-facing
// protocol but returning a bare uint32 since these replies have no
// string-error fallback on the wire.
func errnoOf(err error) uint32 {
	var e linuxerr.E
	if errors.As(err, &e) {
		return e.Ecode()
	}
	switch {
	case errors.Is(err, claim.ErrNoSuchLease):
		return linuxerr.ENOENT.Ecode()
	default:
		return linuxerr.EIO.Ecode()
	}
}

// readPeerFrame reads one framed message and returns its id, tag and
// body, mirroring transport.go's readFrame but also returning the tag
// so the reply can echo it.
func readPeerFrame(conn net.Conn) (id uint8, tag uint16, body []byte, err error) {
	hdr := make([]byte, wire.HeaderSize)
	if _, err = io.ReadFull(conn, hdr); err != nil {
		return 0, 0, nil, err
	}
	h, _, err := wire.UnpackHeader(hdr)
	if err != nil {
		return 0, 0, nil, err
	}
	if h.Size < wire.HeaderSize {
		return 0, 0, nil, linuxerr.Errorf("dispatch: malformed frame size %d", h.Size)
	}
	body = make([]byte, h.Size-wire.HeaderSize)
	if _, err = io.ReadFull(conn, body); err != nil {
		return 0, 0, nil, err
	}
	return h.ID, h.Tag, body, nil
}
