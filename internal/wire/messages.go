package wire

import "fmt"

// Reserved tags (spec §6).
const (
	NOTAG    uint16 = 0xFFFF
	ALLOCTAG uint16 = 0xFFFE
)

// Envoy-to-envoy message type ids. Client-facing messages (Tversion,
// Tattach, Twalk, ...) are go9p/p's Tversion..Rwstat and are not
// redefined here. These ids start at 100, the same numbers go9p uses
// for Tversion onward, so the two type spaces overlap; the envoy-to-
// envoy messages travel only on peer connections (dispatch.ServePeers,
// dispatch.PeerTransport), never on a client connection.
const (
	TEWalkRemote uint8 = 100 + iota
	REWalkRemote
	TECloseFid
	RECloseFid
	TEStatRemote
	REStatRemote
	TEGrant
	REGrant
	TERevoke
	RERevoke
	TEMigrate
	REMigrate
	TERenameTree
	RERenameTree
	TESnapshot
	RESnapshot
)

// GrantType distinguishes chunks of a multi-message grant transfer
// (spec §4.5 step 4).
type GrantType uint8

const (
	GrantSingle GrantType = iota
	GrantStart
	GrantContinue
	GrantEnd
)

// Fixed per-message overhead in bytes, not counting size[4] id[1] tag[2]
// framing (spec §6): TEGRANT=12, TEREVOKE=12, TEMIGRATE=9, TERENAMETREE=13.
const (
	OverheadGrant       = 12
	OverheadRevoke      = 12
	OverheadMigrate     = 9
	OverheadRenameTree  = 13
)

// Header is the common frame prefix for every message on the wire
// (spec §6): size[4] id[1] tag[2].
type Header struct {
	Size uint32
	ID   uint8
	Tag  uint16
}

const HeaderSize = 4 + 1 + 2

func PackHeader(h Header, dst []byte) []byte {
	dst = pint32(h.Size, dst)
	dst = pint8(h.ID, dst)
	dst = pint16(h.Tag, dst)
	return dst
}

func UnpackHeader(src []byte) (Header, []byte, error) {
	if len(src) < HeaderSize {
		return Header{}, src, fmt.Errorf("wire: short header")
	}
	var h Header
	h.Size, src = gint32(src)
	h.ID, src = gint8(src)
	h.Tag, src = gint16(src)
	return h, src, nil
}

// TWalkRemote asks the owning envoy to resolve the remaining path
// components of a walk that crossed a lease boundary (spec §4.6, §6).
// RequesterAddr identifies the envoy the walk originated from, so that
// an attach-triggered split (spec §4.6 "Attach-specific") knows who to
// grant the crossed-into subtree to.
type TWalkRemote struct {
	Fid           uint32
	NewFid        uint32
	Wname         []string
	User          string
	Pathname      string
	RequesterAddr Address
}

func (m TWalkRemote) bodyLen() int {
	n := 4 + 4 + 2
	for _, w := range m.Wname {
		n += 2 + len(w)
	}
	n += 2 + len(m.User)
	n += 2 + len(m.Pathname)
	n += AddressSize
	return n
}

func (m TWalkRemote) Pack(tag uint16) []byte {
	body := make([]byte, m.bodyLen())
	ptr := body
	ptr = pint32(m.Fid, ptr)
	ptr = pint32(m.NewFid, ptr)
	ptr = pint16(uint16(len(m.Wname)), ptr)
	for _, w := range m.Wname {
		ptr = pstr(w, ptr)
	}
	ptr = pstr(m.User, ptr)
	ptr = pstr(m.Pathname, ptr)
	ptr = PackAddress(m.RequesterAddr, ptr)
	return frame(TEWalkRemote, tag, body)
}

func UnpackTWalkRemote(body []byte) (TWalkRemote, error) {
	var m TWalkRemote
	m.Fid, body = gint32(body)
	m.NewFid, body = gint32(body)
	var n uint16
	n, body = gint16(body)
	m.Wname = make([]string, n)
	for i := range m.Wname {
		m.Wname[i], body = gstr(body)
	}
	m.User, body = gstr(body)
	m.Pathname, body = gstr(body)
	m.RequesterAddr, body = UnpackAddress(body)
	return m, nil
}

// RWalkRemote is the reply to TWalkRemote: the qids resolved so far
// (spec §4.6). Address is always the replying envoy's own address; a
// walk that continued past it into a further envoy is not reported as
// that envoy's address, since the replying envoy keeps a pointer fid to
// the next hop instead.
type RWalkRemote struct {
	Errnum  uint32
	Nwqid   []Qid
	Wqid    []Qid
	Address Address
}

func (m RWalkRemote) bodyLen() int {
	return 4 + 2 + len(m.Nwqid)*QidSize + 2 + len(m.Wqid)*QidSize + AddressSize
}

func (m RWalkRemote) Pack(tag uint16) []byte {
	body := make([]byte, m.bodyLen())
	ptr := body
	ptr = pint32(m.Errnum, ptr)
	ptr = pint16(uint16(len(m.Nwqid)), ptr)
	for _, q := range m.Nwqid {
		ptr = PackQid(q, ptr)
	}
	ptr = pint16(uint16(len(m.Wqid)), ptr)
	for _, q := range m.Wqid {
		ptr = PackQid(q, ptr)
	}
	ptr = PackAddress(m.Address, ptr)
	return frame(REWalkRemote, tag, body)
}

func UnpackRWalkRemote(body []byte) (RWalkRemote, error) {
	var m RWalkRemote
	m.Errnum, body = gint32(body)
	var n uint16
	n, body = gint16(body)
	m.Nwqid = make([]Qid, n)
	for i := range m.Nwqid {
		m.Nwqid[i], body = UnpackQid(body)
	}
	n, body = gint16(body)
	m.Wqid = make([]Qid, n)
	for i := range m.Wqid {
		m.Wqid[i], body = UnpackQid(body)
	}
	m.Address, body = UnpackAddress(body)
	return m, nil
}

// TCloseFid tells the former host of a migrated/walked-away fid that it
// can be forgotten (spec §4.6, §6).
type TCloseFid struct{ Fid uint32 }

func (m TCloseFid) Pack(tag uint16) []byte {
	body := make([]byte, 4)
	pint32(m.Fid, body)
	return frame(TECloseFid, tag, body)
}

func UnpackTCloseFid(body []byte) (TCloseFid, error) {
	fid, _ := gint32(body)
	return TCloseFid{Fid: fid}, nil
}

// RCloseFid acknowledges TCloseFid; it carries no payload.
type RCloseFid struct{}

func (m RCloseFid) Pack(tag uint16) []byte { return frame(RECloseFid, tag, nil) }

// TStatRemote asks a peer for the stat of a fid it owns (spec §4.8).
type TStatRemote struct{ Fid uint32 }

func (m TStatRemote) Pack(tag uint16) []byte {
	body := make([]byte, 4)
	pint32(m.Fid, body)
	return frame(TEStatRemote, tag, body)
}

func UnpackTStatRemote(body []byte) (TStatRemote, error) {
	fid, _ := gint32(body)
	return TStatRemote{Fid: fid}, nil
}

// RStatRemote carries a packed StatRecord back (spec §4.8); the payload
// is produced by PackStatRecord and read back with UnpackStatRecord
// (statrecord.go).
type RStatRemote struct {
	Errnum uint32
	Stat   []byte
}

func (m RStatRemote) Pack(tag uint16) []byte {
	body := make([]byte, 4+2+len(m.Stat))
	ptr := pint32(m.Errnum, body)
	pstr(string(m.Stat), ptr)
	return frame(REStatRemote, tag, body)
}

func UnpackRStatRemote(body []byte) (RStatRemote, error) {
	var m RStatRemote
	m.Errnum, body = gint32(body)
	s, _ := gstr(body)
	m.Stat = []byte(s)
	return m, nil
}

// TGrant transfers ownership of a subtree to a peer envoy, possibly
// across several chunked messages (spec §4.5 step 4, §6).
type TGrant struct {
	Type       GrantType
	Root       LeaseRecord
	SourceAddr Address
	Exits      []LeaseRecord
	Fids       []FidRecord
}

func (m TGrant) Pack(tag uint16) []byte {
	n := 1 + m.Root.Len() + AddressSize + 2 + 2
	for _, e := range m.Exits {
		n += e.Len()
	}
	for _, f := range m.Fids {
		n += f.Len()
	}
	body := make([]byte, n)
	ptr := pint8(uint8(m.Type), body)
	ptr = m.Root.Pack(ptr)
	ptr = PackAddress(m.SourceAddr, ptr)
	ptr = pint16(uint16(len(m.Exits)), ptr)
	for _, e := range m.Exits {
		ptr = e.Pack(ptr)
	}
	ptr = pint16(uint16(len(m.Fids)), ptr)
	for _, f := range m.Fids {
		ptr = f.Pack(ptr)
	}
	return frame(TEGrant, tag, body)
}

func UnpackTGrant(body []byte) (TGrant, error) {
	var m TGrant
	var t uint8
	t, body = gint8(body)
	m.Type = GrantType(t)
	var err error
	m.Root, body, err = UnpackLeaseRecord(body)
	if err != nil {
		return m, err
	}
	m.SourceAddr, body = UnpackAddress(body)
	var n uint16
	n, body = gint16(body)
	m.Exits = make([]LeaseRecord, n)
	for i := range m.Exits {
		m.Exits[i], body, err = UnpackLeaseRecord(body)
		if err != nil {
			return m, err
		}
	}
	n, body = gint16(body)
	m.Fids = make([]FidRecord, n)
	for i := range m.Fids {
		m.Fids[i], body, err = UnpackFidRecord(body)
		if err != nil {
			return m, err
		}
	}
	return m, nil
}

// RGrant acknowledges a grant chunk.
type RGrant struct{ Errnum uint32 }

func (m RGrant) Pack(tag uint16) []byte {
	body := make([]byte, 4)
	pint32(m.Errnum, body)
	return frame(REGrant, tag, body)
}

func UnpackRGrant(body []byte) (RGrant, error) {
	e, _ := gint32(body)
	return RGrant{Errnum: e}, nil
}

// TRevoke asks the current owner of pathname to give it back to
// Requester, the envoy the lease was originally granted away from
// (spec §4.8; the symmetric counterpart of TMigrate's Dest).
type TRevoke struct {
	Pathname  string
	Requester Address
}

func (m TRevoke) Pack(tag uint16) []byte {
	body := make([]byte, 2+len(m.Pathname)+AddressSize)
	ptr := pstr(m.Pathname, body)
	PackAddress(m.Requester, ptr)
	return frame(TERevoke, tag, body)
}

func UnpackTRevoke(body []byte) (TRevoke, error) {
	var m TRevoke
	m.Pathname, body = gstr(body)
	m.Requester, body = UnpackAddress(body)
	return m, nil
}

type RRevoke struct{ Errnum uint32 }

func (m RRevoke) Pack(tag uint16) []byte {
	body := make([]byte, 4)
	pint32(m.Errnum, body)
	return frame(RERevoke, tag, body)
}

func UnpackRRevoke(body []byte) (RRevoke, error) {
	e, _ := gint32(body)
	return RRevoke{Errnum: e}, nil
}

// TMigrate asks the owner to hand pathname's ownership to dest, driven
// by the traffic policy (spec §4.6 "Migration hint").
type TMigrate struct {
	Pathname string
	Dest     Address
}

func (m TMigrate) Pack(tag uint16) []byte {
	body := make([]byte, 2+len(m.Pathname)+AddressSize)
	ptr := pstr(m.Pathname, body)
	PackAddress(m.Dest, ptr)
	return frame(TEMigrate, tag, body)
}

func UnpackTMigrate(body []byte) (TMigrate, error) {
	var m TMigrate
	m.Pathname, body = gstr(body)
	m.Dest, body = UnpackAddress(body)
	return m, nil
}

type RMigrate struct{ Errnum uint32 }

func (m RMigrate) Pack(tag uint16) []byte {
	body := make([]byte, 4)
	pint32(m.Errnum, body)
	return frame(REMigrate, tag, body)
}

func UnpackRMigrate(body []byte) (RMigrate, error) {
	e, _ := gint32(body)
	return RMigrate{Errnum: e}, nil
}

// TRenameTree notifies peers holding wavefront exits under a renamed
// subtree of their new pathname prefix.
type TRenameTree struct {
	OldPathname string
	NewPathname string
}

func (m TRenameTree) Pack(tag uint16) []byte {
	body := make([]byte, 2+len(m.OldPathname)+2+len(m.NewPathname))
	ptr := pstr(m.OldPathname, body)
	pstr(m.NewPathname, ptr)
	return frame(TERenameTree, tag, body)
}

func UnpackTRenameTree(body []byte) (TRenameTree, error) {
	var m TRenameTree
	m.OldPathname, body = gstr(body)
	m.NewPathname, body = gstr(body)
	return m, nil
}

type RRenameTree struct{ Errnum uint32 }

func (m RRenameTree) Pack(tag uint16) []byte {
	body := make([]byte, 4)
	pint32(m.Errnum, body)
	return frame(RERenameTree, tag, body)
}

func UnpackRRenameTree(body []byte) (RRenameTree, error) {
	e, _ := gint32(body)
	return RRenameTree{Errnum: e}, nil
}

// TSnapshot asks a peer holding a wavefront exit under a subtree being
// snapshotted to freeze and report the OID the exit now resolves to
// (spec §4.5 Snapshot).
type TSnapshot struct {
	Pathname string
}

func (m TSnapshot) Pack(tag uint16) []byte {
	body := make([]byte, 2+len(m.Pathname))
	pstr(m.Pathname, body)
	return frame(TESnapshot, tag, body)
}

func UnpackTSnapshot(body []byte) (TSnapshot, error) {
	s, _ := gstr(body)
	return TSnapshot{Pathname: s}, nil
}

type RSnapshot struct {
	Errnum uint32
	OID    OID
}

func (m RSnapshot) Pack(tag uint16) []byte {
	body := make([]byte, 4+8)
	ptr := pint32(m.Errnum, body)
	pint64(uint64(m.OID), ptr)
	return frame(RESnapshot, tag, body)
}

func UnpackRSnapshot(body []byte) (RSnapshot, error) {
	var m RSnapshot
	m.Errnum, body = gint32(body)
	var oid uint64
	oid, body = gint64(body)
	m.OID = OID(oid)
	return m, nil
}

func frame(id uint8, tag uint16, body []byte) []byte {
	total := HeaderSize + len(body)
	buf := make([]byte, total)
	ptr := PackHeader(Header{Size: uint32(total), ID: id, Tag: tag}, buf)
	copy(ptr, body)
	return buf
}
