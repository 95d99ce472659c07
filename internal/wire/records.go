package wire

import "fmt"

// LeaseRecord is the serialized form of a lease, used to transfer
// ownership during grant/merge (spec §5, §6).
//
// Wire layout: len[2] pathname[s] readonly[1] oid[8] address[4] port[2].
// len is the byte length of everything that follows it in this record
// (not counting itself), so that a message packing several records can
// be walked without re-parsing pathname lengths.
type LeaseRecord struct {
	Pathname string
	Readonly bool
	OID      OID
	Addr     Address
}

func (r LeaseRecord) bodyLen() int {
	return 2 + len(r.Pathname) + 1 + 8 + AddressSize
}

func (r LeaseRecord) Len() int { return 2 + r.bodyLen() }

func (r LeaseRecord) Pack(dst []byte) []byte {
	dst = pint16(uint16(r.bodyLen()), dst)
	dst = pstr(r.Pathname, dst)
	var ro uint8
	if r.Readonly {
		ro = 1
	}
	dst = pint8(ro, dst)
	dst = pint64(uint64(r.OID), dst)
	dst = PackAddress(r.Addr, dst)
	return dst
}

func UnpackLeaseRecord(src []byte) (LeaseRecord, []byte, error) {
	if len(src) < 2 {
		return LeaseRecord{}, src, fmt.Errorf("lease record: short buffer")
	}
	n, rest := gint16(src)
	if len(rest) < int(n) {
		return LeaseRecord{}, src, fmt.Errorf("lease record: truncated body")
	}
	body := rest[:n]
	after := rest[n:]
	var r LeaseRecord
	r.Pathname, body = gstr(body)
	var ro uint8
	ro, body = gint8(body)
	r.Readonly = ro != 0
	var oid uint64
	oid, body = gint64(body)
	r.OID = OID(oid)
	r.Addr, body = UnpackAddress(body)
	return r, after, nil
}

// FidStatus mirrors the Fid status enumeration (spec §3).
type FidStatus uint8

const (
	FidUnopened FidStatus = iota
	FidOpenFile
	FidOpenDir
)

// FidRecord is the serialized form of a fid transferred during grant
// (spec §5, §6).
//
// Wire layout: len[2] fid[4] pathname[s] user[s] status[1] omode[4]
// readdir_cookie[8] address[4] port[2].
type FidRecord struct {
	Fid           uint32
	Pathname      string
	User          string
	Status        FidStatus
	Omode         uint32
	ReaddirCookie uint64
	Addr          Address
}

func (r FidRecord) bodyLen() int {
	return 4 + 2 + len(r.Pathname) + 2 + len(r.User) + 1 + 4 + 8 + AddressSize
}

func (r FidRecord) Len() int { return 2 + r.bodyLen() }

func (r FidRecord) Pack(dst []byte) []byte {
	dst = pint16(uint16(r.bodyLen()), dst)
	dst = pint32(r.Fid, dst)
	dst = pstr(r.Pathname, dst)
	dst = pstr(r.User, dst)
	dst = pint8(uint8(r.Status), dst)
	dst = pint32(r.Omode, dst)
	dst = pint64(r.ReaddirCookie, dst)
	dst = PackAddress(r.Addr, dst)
	return dst
}

func UnpackFidRecord(src []byte) (FidRecord, []byte, error) {
	if len(src) < 2 {
		return FidRecord{}, src, fmt.Errorf("fid record: short buffer")
	}
	n, rest := gint16(src)
	if len(rest) < int(n) {
		return FidRecord{}, src, fmt.Errorf("fid record: truncated body")
	}
	body := rest[:n]
	after := rest[n:]
	var r FidRecord
	r.Fid, body = gint32(body)
	r.Pathname, body = gstr(body)
	r.User, body = gstr(body)
	var status uint8
	status, body = gint8(body)
	r.Status = FidStatus(status)
	r.Omode, body = gint32(body)
	r.ReaddirCookie, body = gint64(body)
	r.Addr, body = UnpackAddress(body)
	return r, after, nil
}

// packBudget reports how many of the leading records, whose packed
// lengths are lens, fit together in budget bytes: the index of the first
// record that does not fit (== len(lens) if all fit). It packs nothing
// itself, and Grant chunks by MaxRecordsPerMessage rather than calling it.
func packBudget(lens []int, budget int) int {
	used := 0
	for i, l := range lens {
		if used+l > budget {
			return i
		}
		used += l
	}
	return len(lens)
}

func LeaseRecordLens(rs []LeaseRecord) []int {
	lens := make([]int, len(rs))
	for i, r := range rs {
		lens[i] = r.Len()
	}
	return lens
}

func FidRecordLens(rs []FidRecord) []int {
	lens := make([]int, len(rs))
	for i, r := range rs {
		lens[i] = r.Len()
	}
	return lens
}
