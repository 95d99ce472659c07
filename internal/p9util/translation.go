// Package p9util translates between this repository's own wire types
// (wire.Qid, wire.StatRecord, claim.Claim) and the 9P2000.u client-facing
// types from github.com/lionkov/go9p/p, at the dispatcher boundary (C8).
package p9util

import (
	"github.com/lionkov/go9p/p"

	"github.com/nicolagi/envoy9p/internal/claim"
	"github.com/nicolagi/envoy9p/internal/wire"
)

// QID translates a wire.Qid into go9p's p.Qid.
func QID(q wire.Qid) p.Qid {
	var out p.Qid
	QIDVar(q, &out)
	return out
}

func QIDVar(q wire.Qid, out *p.Qid) {
	out.Type = q.Type
	out.Version = q.Version
	out.Path = q.Path
}

// ClaimQID computes the qid a live claim currently answers to. Version
// is always 0: this repository does not track a per-object version
// counter (spec §3 Qid), mirroring the 9P2000.u field being optional
// for servers that don't need client cache invalidation by version.
func ClaimQID(c *claim.Claim) p.Qid {
	return QID(wire.QidForMode(c.Mode(), c.OID(), 0))
}

// Dir translates a wire.StatRecord plus the qid it describes into
// go9p's p.Dir, the wire shape for Rstat/directory-read entries.
func Dir(qid wire.Qid, st wire.StatRecord) p.Dir {
	var dir p.Dir
	DirVar(qid, st, &dir)
	return dir
}

func DirVar(qid wire.Qid, st wire.StatRecord, dir *p.Dir) {
	QIDVar(qid, &dir.Qid)
	dir.Mode = st.Mode
	dir.Atime = st.Atime
	dir.Mtime = st.Mtime
	dir.Length = st.Length
	dir.Name = st.Name
	dir.Uid = st.Uid
	dir.Gid = st.Gid
	dir.Muid = st.Muid
	dir.Uidnum = st.Numuid
	dir.Gidnum = st.Numgid
	dir.Muidnum = st.Nummuid
	dir.Ext = st.Extension
}

// QIDs translates a slice of wire.Qid into go9p's p.Qid, for Rwalk.
func QIDs(qs []wire.Qid) []p.Qid {
	out := make([]p.Qid, len(qs))
	for i, q := range qs {
		out[i] = QID(q)
	}
	return out
}

// ClaimDir is Dir for a live claim c whose current stat is st (the
// dispatcher fetches st via the object client since mode/owner/size
// live in the stored object, not on the in-memory Claim).
func ClaimDir(c *claim.Claim, st wire.StatRecord) p.Dir {
	return Dir(wire.QidForMode(c.Mode(), c.OID(), 0), st)
}

// StatRecordFromDir translates a client-supplied p.Dir (as received in
// Twstat) into a wire.StatRecord. Every field is copied unchanged,
// including 9P's ~0 "don't touch" values. The objclient Wstat
// implementations treat 0 and the empty string, not ~0, as "leave as
// is", so ~0 values are not translated into that convention here.
func StatRecordFromDir(dir *p.Dir) wire.StatRecord {
	return wire.StatRecord{
		Mode:      dir.Mode,
		Atime:     dir.Atime,
		Mtime:     dir.Mtime,
		Length:    dir.Length,
		Name:      dir.Name,
		Uid:       dir.Uid,
		Gid:       dir.Gid,
		Muid:      dir.Muid,
		Numuid:    dir.Uidnum,
		Numgid:    dir.Gidnum,
		Nummuid:   dir.Muidnum,
		Extension: dir.Ext,
	}
}
