// Package wire holds the data shapes and byte-level codec for the parts
// of the protocol this repository owns outright: the OID/Qid/StatRecord
// domain types (spec §3), the envoy-to-envoy extension messages and the
// LeaseRecord/FidRecord payloads they carry (spec §6). The base
// 9P2000.u client-facing framing is provided by github.com/lionkov/go9p/p
// and is translated to/from these types at the dispatcher boundary (see
// internal/p9util).
package wire

import (
	"fmt"
	"net"
	"strconv"
)

// OID is the 64-bit opaque storage-object id. NOOID is the all-ones
// sentinel meaning "no object".
type OID uint64

const NOOID OID = ^OID(0)

func (o OID) Valid() bool { return o != NOOID }

func (o OID) String() string { return fmt.Sprintf("%016x", uint64(o)) }

// Qid type bits, mirroring the high bits of Mode (spec §6).
const (
	QTDIR    uint8 = 0x80
	QTAPPEND uint8 = 0x40
	QTEXCL   uint8 = 0x20
	QTMOUNT  uint8 = 0x10
	QTAUTH   uint8 = 0x08
	QTTMP    uint8 = 0x04
	QTSLINK  uint8 = 0x02
	QTLINK   uint8 = 0x01
	QTFILE   uint8 = 0x00
)

// Dir mode bits (spec §6).
const (
	DMDIR       uint32 = 0x80000000
	DMAPPEND    uint32 = 0x40000000
	DMEXCL      uint32 = 0x20000000
	DMMOUNT     uint32 = 0x10000000
	DMAUTH      uint32 = 0x08000000
	DMTMP       uint32 = 0x04000000
	DMSYMLINK   uint32 = 0x02000000
	DMLINK      uint32 = 0x01000000
	DMDEVICE    uint32 = 0x00800000
	DMNAMEDPIPE uint32 = 0x00200000
	DMSOCKET    uint32 = 0x00100000
	DMSETUID    uint32 = 0x00080000
	DMSETGID    uint32 = 0x00040000
)

// Open mode (spec §6).
const (
	OREAD   uint8 = 0
	OWRITE  uint8 = 1
	ORDWR   uint8 = 2
	OEXEC   uint8 = 3
	OTRUNC  uint8 = 0x10
	ORCLOSE uint8 = 0x40
	OMASK   uint8 = 0x3
)

// Protocol-level size and count limits (spec §6).
const (
	RREAD_HEADER    = 11
	STORAGE_SLUSH   = 8
	WRITE_HEADER    = 23
	MAXWELEM        = 16
	MAXFELEM        = 64
	MAX_EXTENSION   = 1000
	GLOBAL_MIN_SIZE = 256
	GLOBAL_MAX_SIZE = 1024 * 1024

	DefaultEnvoyPort   = 9922
	DefaultStoragePort = 9923
)

// Qid is the 13-byte immutable object identifier visible on the wire.
type Qid struct {
	Type    uint8
	Version uint32
	Path    uint64 // equals the OID.
}

func QidForMode(mode uint32, oid OID, version uint32) Qid {
	var t uint8
	if mode&DMDIR != 0 {
		t |= QTDIR
	}
	if mode&DMAPPEND != 0 {
		t |= QTAPPEND
	}
	if mode&DMEXCL != 0 {
		t |= QTEXCL
	}
	if mode&DMSYMLINK != 0 {
		t |= QTSLINK
	}
	if mode&DMLINK != 0 {
		t |= QTLINK
	}
	return Qid{Type: t, Version: version, Path: uint64(oid)}
}

// Address is a storage-server or envoy network endpoint. Total ordering
// is required by spec §4.5 (lock_lease_join acquires leases in ascending
// pathname order; addresses are ordered the same way for canonical
// peer-table iteration and for tests).
type Address struct {
	IP   uint32
	Port uint16
}

func (a Address) Less(b Address) bool {
	if a.IP != b.IP {
		return a.IP < b.IP
	}
	return a.Port < b.Port
}

func (a Address) IsZero() bool { return a.IP == 0 && a.Port == 0 }

func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d",
		byte(a.IP>>24), byte(a.IP>>16), byte(a.IP>>8), byte(a.IP), a.Port)
}

// ParseAddress parses a "host:port" string, resolving host to an IPv4
// address, the inverse of Address.String. Used to load the static peer
// address map (spec §9 open question / non-goal "cluster membership
// discovery"), since addresses there are configured by name, not learned.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("wire: %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("wire: %q: bad port: %w", s, err)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return Address{}, fmt.Errorf("wire: %q: %w", s, err)
	}
	var ip4 net.IP
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			ip4 = v4
			break
		}
	}
	if ip4 == nil {
		return Address{}, fmt.Errorf("wire: %q: no IPv4 address", s)
	}
	return Address{
		IP:   uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3]),
		Port: uint16(port),
	}, nil
}

// StatRecord is the full 9P stat entry this repository reasons about
// internally; it is translated to/from p.Dir at the dispatcher boundary.
type StatRecord struct {
	Mode      uint32
	Atime     uint32
	Mtime     uint32
	Length    uint64
	Name      string
	Uid       string
	Gid       string
	Muid      string
	Numuid    uint32
	Numgid    uint32
	Nummuid   uint32
	Extension string // symlink target or device spec.
}
