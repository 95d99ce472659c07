// Package objclient is the object client (C2): a thin RPC veneer over
// storage servers, grounded on muscle's internal/storage/rpc.go
// net/rpc StoreService/RemoteStore pair but generalized from a flat
// key-value Store to the OID-addressed object operations spec §4.2
// requires (create/clone/read/write/stat/wstat/delete), plus OID
// allocation and cache priming. No caching or replication is required
// here -- storage-side caching is the storage server's concern (spec
// §4.2) -- so Client implementations are simple routers to one storage
// server per OID.
package objclient

import (
	"github.com/nicolagi/envoy9p/internal/wire"
)

// Client is the interface every envoy handler and claim-tree operation
// programs against; RemoteClient implements it over net/rpc, InMemory
// implements it for tests.
type Client interface {
	ReserveOID() (wire.OID, error)
	Create(oid wire.OID, mode uint32, ctime uint32, uid, gid string, ext string) error
	Clone(old, new wire.OID) error
	Read(oid wire.OID, atime uint32, off int64, n int) ([]byte, error)
	Write(oid wire.OID, mtime uint32, off int64, data []byte) (int, error)
	Stat(oid wire.OID, name string) (wire.StatRecord, error)
	Wstat(oid wire.OID, delta wire.StatRecord) error
	Truncate(oid wire.OID, mtime uint32, size uint64) error
	Delete(oid wire.OID) error
	PrimeCache(oid wire.OID) error
}

// ErrNotFound mirrors storage.ErrNotFound: the object does not exist on
// the storage server routed to for this OID.
var ErrNotFound = errorf("object not found")

func errorf(msg string) error { return &clientError{msg: msg} }

type clientError struct{ msg string }

func (e *clientError) Error() string { return e.msg }

// Router picks which storage server address handles a given OID. The
// spec treats storage-server sharding as out of scope. No Client in
// this package consults a Router: a RemoteClient talks to the one
// server it was dialed to.
type Router interface {
	AddressFor(oid wire.OID) wire.Address
}

// SingleAddress is a Router that always routes to the same storage
// server -- the common case of one storage process per envoy cluster.
type SingleAddress wire.Address

func (s SingleAddress) AddressFor(wire.OID) wire.Address { return wire.Address(s) }
