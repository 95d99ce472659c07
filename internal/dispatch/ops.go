// Package dispatch implements the request dispatcher (C8): the go9p
// srv.ReqOps/srv.FidOps implementation that turns client-facing 9P
// requests into claim-tree, walk-engine and object-client operations,
// plus the outbound (transport.go) and inbound (peer.go) halves of the
// envoy-to-envoy protocol those operations lean on when a path crosses
// a lease boundary.
//
// Grounded on cmd/musclefs/musclefs.go's ops struct: one handler method
// per 9P request, each wrapped in a single worker transaction (spec
// §4.1) rather than musclefs's one coarse mutex, since this repository's
// concurrency model is the cooperative worker runtime (internal/worker)
// rather than a single in-process tree lock.
//
// Unlike musclefs, which stashes a *fsNode straight into r.Fid.Aux and
// never needs go9p's own numeric fid id, this dispatcher mints its own
// fid numbers (mintFid) instead of reading one off r.Fid/r.Newfid: the
// go9p client library this repository builds against is not vendored
// anywhere in reach, so no field name for a wire-visible fid number on
// srv.Fid could be confirmed. Every handler below works entirely off
// r.Fid.Aux/r.Newfid.Aux, exactly as musclefs does, and internal/fid's
// own numbering is used only for its own bookkeeping (claim/lease fid
// sets) and by the peer listener (peer.go), which genuinely receives
// numeric fid ids over the wire from TECloseFid/TEStatRemote/TEGrant.
package dispatch

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lionkov/go9p/p"
	"github.com/lionkov/go9p/p/srv"
	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/envoy9p/internal/claim"
	"github.com/nicolagi/envoy9p/internal/fid"
	"github.com/nicolagi/envoy9p/internal/linuxerr"
	"github.com/nicolagi/envoy9p/internal/objclient"
	"github.com/nicolagi/envoy9p/internal/p9util"
	"github.com/nicolagi/envoy9p/internal/walk"
	"github.com/nicolagi/envoy9p/internal/wire"
	"github.com/nicolagi/envoy9p/internal/worker"
)

var (
	_ srv.ReqOps = (*Ops)(nil)
	_ srv.FidOps = (*Ops)(nil)
)

// Ops is one envoy's client-facing request dispatcher: everything a
// 9P connection needs to resolve a request down to a claim, an object,
// or a peer to forward to.
type Ops struct {
	Runtime *worker.Runtime
	Claims  *claim.Table
	Objects objclient.Client
	Fids    *fid.Table
	Remote  *fid.RemoteSlab
	Walker  *walk.Engine
	Peers   *PeerTransport
	Self    wire.Address
	Log     *log.Logger

	nextFid uint32
}

// mintFid allocates a process-local fid number for this Ops's own
// bookkeeping (internal/fid.Table entries, claim/lease fid sets). It has
// no relationship to the numeric fid a 9P client uses on the wire: that
// number lives entirely in r.Fid/r.Newfid, which this dispatcher never
// reads, only writes an *fid.Fid into via Aux.
func (ops *Ops) mintFid() uint32 {
	return atomic.AddUint32(&ops.nextFid, 1)
}

func (ops *Ops) respondError(r *srv.Req, err error) {
	ops.Log.WithError(err).Debug("Rerror")
	var e linuxerr.E
	if errors.As(err, &e) {
		r.RespondError(e)
	} else {
		r.RespondError(err)
	}
}

// ReqProcess implements srv.ReqProcessOps; it delegates to the default
// processing right away.
func (ops *Ops) ReqProcess(r *srv.Req) {
	r.Process()
}

// ReqRespond implements srv.ReqProcessOps; it delegates to the default
// processing right away.
func (ops *Ops) ReqRespond(r *srv.Req) {
	r.PostProcess()
}

// FidDestroy is the sole teardown point for a fid (spec §4.7
// fid_remove): Clunk only acknowledges the request, since a clunked fid
// and a fid dropped by a broken connection must be torn down the same
// way, and go9p calls FidDestroy for both.
func (ops *Ops) FidDestroy(sf *srv.Fid) {
	f, ok := sf.Aux.(*fid.Fid)
	if !ok {
		return
	}
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		if f.IsRemote() {
			if err := ops.Peers.CloseFid(f.RemoteAddr(), f.RemoteFid()); err != nil {
				ops.Log.WithError(err).Debug("close remote fid on teardown")
			}
		}
		return ops.Fids.Remove(ops.Objects, ops.Remote, f.Num())
	}); err != nil {
		ops.Log.WithError(err).Warn("fid teardown")
	}
}

// Attach resolves aname down to its claim and installs a fresh local fid
// at it (spec §4.4 find, §4.7 insert_local).
func (ops *Ops) Attach(r *srv.Req) {
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		c, err := ops.Claims.Find(w, r.Tc.Aname)
		if err != nil {
			return err
		}
		defer c.Release(w)
		f, err := ops.Fids.InsertLocal(ops.mintFid(), r.Tc.Uname, c)
		if err != nil {
			return err
		}
		r.Fid.Aux = f
		qid := p9util.ClaimQID(c)
		r.RespondRattach(&qid)
		return nil
	}); err != nil {
		ops.respondError(r, err)
	}
}

// Walk dispatches to cloneFid or walkFid exactly as musclefs's Walk
// splits on len(r.Tc.Wname), since a Twalk with no names is a request to
// duplicate a fid rather than resolve a path.
func (ops *Ops) Walk(r *srv.Req) {
	if len(r.Tc.Wname) == 0 {
		ops.cloneFid(r)
	} else {
		ops.walkFid(r)
	}
}

func (ops *Ops) cloneFid(r *srv.Req) {
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		f, ok := r.Fid.Aux.(*fid.Fid)
		if !ok {
			return linuxerr.EBADF
		}
		if f.IsRemote() {
			nf := ops.Fids.InsertRemote(ops.mintFid(), f.Pathname(), f.User(), f.RemoteAddr(), f.RemoteFid())
			r.Newfid.Aux = nf
			r.RespondRwalk(nil)
			return nil
		}
		c := f.Claim()
		c.Reserve(w)
		defer c.Release(w)
		if c.IsDeleted() {
			return linuxerr.ENOENT
		}
		nf, err := ops.Fids.InsertLocal(ops.mintFid(), f.User(), c)
		if err != nil {
			return err
		}
		r.Newfid.Aux = nf
		r.RespondRwalk(nil)
		return nil
	}); err != nil {
		ops.respondError(r, err)
	}
}

func (ops *Ops) walkFid(r *srv.Req) {
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		f, ok := r.Fid.Aux.(*fid.Fid)
		if !ok {
			return linuxerr.EBADF
		}

		// newFid is minted up front, not after the walk resolves, since
		// a walk that terminates remotely must carry it on the wire as
		// TWalkRemote.NewFid (spec §4.6, §4.7 reserve_remote): the
		// owning envoy binds the walked path to this exact number, so
		// it has to be known before the request is sent.
		newFid := ops.mintFid()
		req := walk.Request{
			Pathname: f.Pathname(),
			User:     f.User(),
			Names:    r.Tc.Wname,
			NewFid:   newFid,
		}
		if f.IsRemote() {
			req.StartAddr = f.RemoteAddr()
			req.StartRFid = f.RemoteFid()
		} else {
			c := f.Claim()
			c.Reserve(w)
			if c.IsDeleted() {
				c.Release(w)
				return linuxerr.ENOENT
			}
			req.StartClaim = c
		}

		result := ops.Walker.Walk(w, req)

		if result.Err != nil && len(result.Qids) == 0 {
			return result.Err
		}

		// A short match is not itself an error (spec §4.6): fid and
		// newfid are left untouched and only the qids resolved so far
		// are reported.
		if len(result.Qids) != len(r.Tc.Wname) {
			if result.Claim != nil {
				result.Claim.Release(w)
			}
			r.RespondRwalk(p9util.QIDs(result.Qids))
			return nil
		}

		var nf *fid.Fid
		if result.Remote {
			nf = ops.Fids.InsertRemote(newFid, joinWalked(f.Pathname(), r.Tc.Wname), f.User(), result.RemoteAddr, result.RemoteRFid)
		} else {
			var err error
			nf, err = ops.Fids.InsertLocal(newFid, f.User(), result.Claim)
			result.Claim.Release(w)
			if err != nil {
				return err
			}
		}
		r.Newfid.Aux = nf
		r.RespondRwalk(p9util.QIDs(result.Qids))
		return nil
	}); err != nil {
		ops.respondError(r, err)
	}
}

func joinWalked(pathname string, names []string) string {
	out := pathname
	for _, n := range names {
		if out == "" {
			out = n
		} else {
			out = out + "/" + n
		}
	}
	return out
}

// Open validates and applies open mode (spec §4.7): rejects ORCLOSE (not
// supported, mirroring musclefs), claims a DMEXCL claim for exclusive
// use, and truncates on OTRUNC unless the file is append-only.
func (ops *Ops) Open(r *srv.Req) {
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		if r.Tc.Mode&p.ORCLOSE != 0 {
			return linuxerr.EACCES
		}
		f, ok := r.Fid.Aux.(*fid.Fid)
		if !ok {
			return linuxerr.EBADF
		}
		if f.IsRemote() {
			return linuxerr.Errorf("open: fid belongs to a peer envoy: %w", linuxerr.EIO)
		}
		c := f.Claim()
		c.Reserve(w)
		defer c.Release(w)
		if c.IsDeleted() {
			return linuxerr.ENOENT
		}
		if c.Mode()&wire.DMEXCL != 0 {
			if c.Exclusive() {
				return linuxerr.EBUSY
			}
			c.SetExclusive()
		}
		if c.IsDir() {
			f.SetStatus(fid.StatusOpenDir)
		} else {
			f.SetStatus(fid.StatusOpenFile)
			if r.Tc.Mode&p.OTRUNC != 0 && c.Mode()&wire.DMAPPEND == 0 {
				if err := ops.Objects.Truncate(c.OID(), uint32(time.Now().Unix()), 0); err != nil {
					return err
				}
			}
		}
		f.SetOpenMode(r.Tc.Mode)
		qid := p9util.ClaimQID(c)
		r.RespondRopen(&qid, 0)
		return nil
	}); err != nil {
		ops.respondError(r, err)
	}
}

// Create adds a new entry under the fid's directory claim and repoints
// the fid at it (spec §4.3 create_entry, §4.4 new). Tcreate carries no
// uid/gid, so both are taken from the fid's attached 9P user, same as
// the object's owner at creation time.
func (ops *Ops) Create(r *srv.Req) {
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		f, ok := r.Fid.Aux.(*fid.Fid)
		if !ok {
			return linuxerr.EBADF
		}
		if f.IsRemote() {
			return linuxerr.Errorf("create: fid belongs to a peer envoy: %w", linuxerr.EIO)
		}
		parent := f.Claim()
		parent.Reserve(w)
		defer parent.Release(w)
		if !parent.IsDir() {
			return linuxerr.ENOTDIR
		}
		if parent.IsDeleted() {
			return linuxerr.ENOENT
		}
		if parent.Access() == claim.ReadOnly {
			return linuxerr.EACCES
		}
		// Thaw requires the lease held exclusively (spec §4.1, §4.4).
		parent.Lease().AcquireExclusive(w)
		if err := ops.Claims.Thaw(w, parent); err != nil {
			return err
		}

		oid, err := ops.Objects.ReserveOID()
		if err != nil {
			return err
		}
		now := uint32(time.Now().Unix())
		if err := ops.Objects.Create(oid, r.Tc.Perm, now, f.User(), f.User(), ""); err != nil {
			return err
		}
		if err := ops.Claims.CreateEntry(parent, r.Tc.Name, oid, false); err != nil {
			return err
		}
		child := claim.New(parent, r.Tc.Name, claim.ChildAccess(parent.Access(), false), oid, r.Tc.Perm)

		if err := ops.Fids.UpdateLocal(f, child); err != nil {
			return err
		}
		if r.Tc.Perm&wire.DMEXCL != 0 {
			child.SetExclusive()
		}
		if child.IsDir() {
			f.SetStatus(fid.StatusOpenDir)
		} else {
			f.SetStatus(fid.StatusOpenFile)
		}
		f.SetOpenMode(p.ORDWR)

		qid := p9util.ClaimQID(child)
		r.RespondRcreate(&qid, 0)
		return nil
	}); err != nil {
		ops.respondError(r, err)
	}
}

// Read serves a plain file read from the object client, or, for a
// directory, rebuilds a fresh p9util.DirBuffer from the current entry
// list on every call. This is simpler than musclefs's per-fid cached
// dirb, prepared once on Open, at the cost of re-stating every child on
// every Tread against a directory fid; correctness under 9P's
// readdir-offset-continuity rule does not depend on which approach is
// used, since both reconstruct the identical byte stream for a given
// directory state.
func (ops *Ops) Read(r *srv.Req) {
	if err := p.InitRread(r.Rc, r.Tc.Count); err != nil {
		ops.respondError(r, err)
		return
	}
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		f, ok := r.Fid.Aux.(*fid.Fid)
		if !ok {
			return linuxerr.EBADF
		}
		if f.IsRemote() {
			return linuxerr.Errorf("read: fid belongs to a peer envoy: %w", linuxerr.EIO)
		}
		c := f.Claim()
		c.Reserve(w)
		defer c.Release(w)
		if c.IsDeleted() {
			return linuxerr.ENOENT
		}

		if c.IsDir() {
			entries, err := ops.Claims.ListEntries(c)
			if err != nil {
				return err
			}
			var dirb p9util.DirBuffer
			for _, e := range entries {
				child, err := ops.Claims.GetChild(w, c, e.Name)
				if err != nil {
					return err
				}
				st, err := ops.Objects.Stat(child.OID(), e.Name)
				child.Release(w)
				if err != nil {
					return err
				}
				dir := p9util.ClaimDir(child, st)
				dirb.Write(&dir)
			}
			n, err := dirb.Read(r.Rc.Data[:r.Tc.Count], int(r.Tc.Offset))
			if err != nil {
				return err
			}
			p.SetRreadCount(r.Rc, uint32(n))
			r.Respond()
			return nil
		}

		data, err := ops.Objects.Read(c.OID(), uint32(time.Now().Unix()), int64(r.Tc.Offset), int(r.Tc.Count))
		if err != nil {
			return err
		}
		copy(r.Rc.Data, data)
		p.SetRreadCount(r.Rc, uint32(len(data)))
		r.Respond()
		return nil
	}); err != nil {
		ops.respondError(r, err)
	}
}

// Write thaws the claim if needed, honors DMAPPEND by writing at the
// object's current length regardless of the client-supplied offset, and
// writes through the object client. A write to the admin control file
// (spec §4.5 "suitable for recording in an admin index") is special-
// cased: the data is treated as one command line rather than file
// content, and the bytes actually stored are that command's output,
// readable back via an ordinary Tread (mirrors musclefs's controlFile
// handling, one Twrite per command).
func (ops *Ops) Write(r *srv.Req) {
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		f, ok := r.Fid.Aux.(*fid.Fid)
		if !ok {
			return linuxerr.EBADF
		}
		if f.IsRemote() {
			return linuxerr.Errorf("write: fid belongs to a peer envoy: %w", linuxerr.EIO)
		}
		c := f.Claim()
		c.Reserve(w)
		defer c.Release(w)
		if c.IsDeleted() {
			return linuxerr.ENOENT
		}
		if c.IsDir() {
			return linuxerr.EISDIR
		}

		if strings.Trim(f.Pathname(), "/") == adminCtlPath {
			output := ops.runAdminCommand(w, string(r.Tc.Data))
			now := uint32(time.Now().Unix())
			if err := ops.Objects.Truncate(c.OID(), now, 0); err != nil {
				return err
			}
			if _, err := ops.Objects.Write(c.OID(), now, 0, output); err != nil {
				return err
			}
			r.RespondRwrite(uint32(len(r.Tc.Data)))
			return nil
		}

		c.Lease().AcquireExclusive(w)
		if err := ops.Claims.Thaw(w, c); err != nil {
			return err
		}

		off := int64(r.Tc.Offset)
		if c.Mode()&wire.DMAPPEND != 0 {
			st, err := ops.Objects.Stat(c.OID(), c.Name())
			if err != nil {
				return err
			}
			off = int64(st.Length)
		}
		n, err := ops.Objects.Write(c.OID(), uint32(time.Now().Unix()), off, r.Tc.Data)
		if err != nil {
			return err
		}
		r.RespondRwrite(uint32(n))
		return nil
	}); err != nil {
		ops.respondError(r, err)
	}
}

// Clunk only acknowledges the request: the real teardown (fid removal,
// claim release, remote close, exclusive-lock clearing) happens once,
// in FidDestroy, which go9p calls for every fid whether clunked or
// dropped by a closed connection (mirrors musclefs exactly).
func (ops *Ops) Clunk(r *srv.Req) {
	r.RespondRclunk()
}

// Remove unlinks the fid's claim from its parent directory (spec §4.3
// remove_entry) and marks it deleted; the backing object is only
// actually deleted once every fid referencing it has gone through
// FidDestroy with a zero refcount (spec §4.4, §4.7). Locks parent before
// child, the same order Find and GetChild use, so Remove can never
// deadlock against a concurrent walk through the same parent.
func (ops *Ops) Remove(r *srv.Req) {
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		f, ok := r.Fid.Aux.(*fid.Fid)
		if !ok {
			return linuxerr.EBADF
		}
		if f.IsRemote() {
			return linuxerr.Errorf("remove: fid belongs to a peer envoy: %w", linuxerr.EIO)
		}
		c := f.Claim()
		if c.IsRoot() {
			return linuxerr.EACCES
		}
		parent := c.Parent()
		parent.Reserve(w)
		defer parent.Release(w)
		c.Reserve(w)
		defer c.Release(w)

		if c.IsDeleted() {
			return linuxerr.ENOENT
		}
		if c.IsDir() {
			empty, err := ops.Claims.IsEmptyDir(c)
			if err != nil {
				return err
			}
			if !empty {
				return linuxerr.ENOTEMPTY
			}
		}
		parent.Lease().AcquireExclusive(w)
		if err := ops.Claims.Thaw(w, parent); err != nil {
			return err
		}
		if err := ops.Claims.RemoveEntry(parent, c.Name()); err != nil {
			return err
		}
		c.MarkDeleted()
		r.RespondRremove()
		return nil
	}); err != nil {
		ops.respondError(r, err)
	}
}

// Stat proxies to the owning peer for a remote fid (spec §4.8
// TEStatRemote), or reads the object client directly for a local one.
func (ops *Ops) Stat(r *srv.Req) {
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		f, ok := r.Fid.Aux.(*fid.Fid)
		if !ok {
			return linuxerr.EBADF
		}
		if f.IsRemote() {
			reply, err := ops.Peers.StatRemote(f.RemoteAddr(), f.RemoteFid())
			if err != nil {
				return err
			}
			if reply.Errnum != 0 {
				return linuxerr.Errorf("remote stat: errno %d", reply.Errnum)
			}
			st := wire.UnpackStatRecord(reply.Stat)
			// The peer's StatRecord carries no OID, so the qid's Path
			// field cannot be reconstructed here; only its type bits
			// (derived from Mode) are meaningful for a remote-fid stat.
			dir := p9util.Dir(wire.QidForMode(st.Mode, 0, 0), st)
			r.RespondRstat(&dir)
			return nil
		}

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
		dir := p9util.ClaimDir(c, st)
		r.RespondRstat(&dir)
		return nil
	}); err != nil {
		ops.respondError(r, err)
	}
}

// Wstat applies length/name/mtime/mode changes, in that order, mirroring
// musclefs's handling of Linux 9p clients that set muid/atime on every
// rename and discarding those two fields rather than rejecting the
// request outright. Gid changes are not supported.
func (ops *Ops) Wstat(r *srv.Req) {
	if err := ops.Runtime.Run(func(w *worker.Worker) error {
		f, ok := r.Fid.Aux.(*fid.Fid)
		if !ok {
			return linuxerr.EBADF
		}
		if f.IsRemote() {
			return linuxerr.Errorf("wstat: fid belongs to a peer envoy: %w", linuxerr.EIO)
		}
		c := f.Claim()
		dir := r.Tc.Dir

		// A rename needs the parent claim's lock too, acquired before the
		// claim's own, the same order Find and Remove use, so Wstat can
		// never deadlock against a concurrent walk or remove through the
		// same parent.
		var parent *claim.Claim
		if dir.ChangeName() {
			parent = c.Parent()
			if parent == nil {
				return linuxerr.EACCES
			}
			parent.Reserve(w)
			defer parent.Release(w)
		}
		c.Reserve(w)
		defer c.Release(w)
		if c.IsDeleted() {
			return linuxerr.ENOENT
		}

		if dir.ChangeLength() {
			if c.IsDir() {
				return linuxerr.EACCES
			}
			if c.Mode()&wire.DMAPPEND != 0 {
				return linuxerr.EPERM
			}
			if err := ops.Objects.Truncate(c.OID(), uint32(time.Now().Unix()), dir.Length); err != nil {
				return err
			}
		}

		// Linux's 9p client issues a Twstat with a non-empty muid on
		// rename, and sets atime on commands like touch; neither field
		// is meaningful here, so both are discarded before the illegal-
		// fields check rather than failing those otherwise-valid requests.
		dir.Atime = ^uint32(0)
		dir.Muid = ""
		if dir.ChangeIllegalFields() {
			return linuxerr.EPERM
		}

		c.Lease().AcquireExclusive(w)
		if err := ops.Claims.Thaw(w, c); err != nil {
			return err
		}

		if dir.ChangeName() {
			if err := ops.Claims.RenameEntry(parent, c.Name(), dir.Name); err != nil {
				return err
			}
			c.Rename(dir.Name)
		}

		var delta wire.StatRecord
		changed := false
		if dir.ChangeMtime() {
			delta.Mtime = dir.Mtime
			changed = true
		}
		if dir.ChangeMode() {
			delta.Mode = dir.Mode
			changed = true
		}
		if changed {
			if err := ops.Objects.Wstat(c.OID(), delta); err != nil {
				return err
			}
		}
		if dir.ChangeMode() {
			c.SetMode(dir.Mode)
		}

		if dir.ChangeGID() {
			return linuxerr.EACCES
		}

		r.RespondRwstat()
		return nil
	}); err != nil {
		ops.respondError(r, err)
	}
}
