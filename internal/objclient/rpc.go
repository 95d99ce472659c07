package objclient

import (
	"net/rpc"
	"strings"

	"github.com/nicolagi/envoy9p/internal/wire"
)

// The request/reply pairs below mirror the shape of muscle's
// storage.GetArgs/GetReply/PutArgs/... (internal/storage/rpc.go),
// generalized from single-key Get/Put/Delete to the OID object
// operations spec §4.2 names.

type ReserveOIDArgs struct{}
type ReserveOIDReply struct{ OID wire.OID }

type CreateArgs struct {
	OID   wire.OID
	Mode  uint32
	Ctime uint32
	Uid   string
	Gid   string
	Ext   string
}
type CreateReply struct{}

type CloneArgs struct{ Old, New wire.OID }
type CloneReply struct{}

type ReadArgs struct {
	OID   wire.OID
	Atime uint32
	Off   int64
	N     int
}
type ReadReply struct{ Data []byte }

type WriteArgs struct {
	OID   wire.OID
	Mtime uint32
	Off   int64
	Data  []byte
}
type WriteReply struct{ N int }

type StatArgs struct {
	OID  wire.OID
	Name string
}
type StatReply struct{ Stat wire.StatRecord }

type WstatArgs struct {
	OID   wire.OID
	Delta wire.StatRecord
}
type WstatReply struct{}

type TruncateArgs struct {
	OID   wire.OID
	Mtime uint32
	Size  uint64
}
type TruncateReply struct{}

type DeleteArgs struct{ OID wire.OID }
type DeleteReply struct{}

type PrimeCacheArgs struct{ OID wire.OID }
type PrimeCacheReply struct{}

// ObjectService wraps a server-side object store for net/rpc, the
// service-side half of RemoteClient, grounded on
// storage.StoreService/RemoteStore.
type ObjectService struct {
	delegate ObjectStore
}

// ObjectStore is the storage server's local object store contract; the
// disk-backed implementation lives in internal/storageserver.
type ObjectStore interface {
	ReserveOID() (wire.OID, error)
	Create(oid wire.OID, mode uint32, ctime uint32, uid, gid, ext string) error
	Clone(old, new wire.OID) error
	Read(oid wire.OID, atime uint32, off int64, n int) ([]byte, error)
	Write(oid wire.OID, mtime uint32, off int64, data []byte) (int, error)
	Stat(oid wire.OID, name string) (wire.StatRecord, error)
	Wstat(oid wire.OID, delta wire.StatRecord) error
	Truncate(oid wire.OID, mtime uint32, size uint64) error
	Delete(oid wire.OID) error
}

func NewObjectService(delegate ObjectStore) *ObjectService {
	return &ObjectService{delegate: delegate}
}

func (s *ObjectService) ReserveOID(_ ReserveOIDArgs, reply *ReserveOIDReply) error {
	oid, err := s.delegate.ReserveOID()
	if err != nil {
		return err
	}
	reply.OID = oid
	return nil
}

func (s *ObjectService) Create(args CreateArgs, _ *CreateReply) error {
	return s.delegate.Create(args.OID, args.Mode, args.Ctime, args.Uid, args.Gid, args.Ext)
}

func (s *ObjectService) Clone(args CloneArgs, _ *CloneReply) error {
	return s.delegate.Clone(args.Old, args.New)
}

func (s *ObjectService) Read(args ReadArgs, reply *ReadReply) error {
	b, err := s.delegate.Read(args.OID, args.Atime, args.Off, args.N)
	if err != nil {
		return err
	}
	reply.Data = b
	return nil
}

func (s *ObjectService) Write(args WriteArgs, reply *WriteReply) error {
	n, err := s.delegate.Write(args.OID, args.Mtime, args.Off, args.Data)
	if err != nil {
		return err
	}
	reply.N = n
	return nil
}

func (s *ObjectService) Stat(args StatArgs, reply *StatReply) error {
	st, err := s.delegate.Stat(args.OID, args.Name)
	if err != nil {
		return err
	}
	reply.Stat = st
	return nil
}

func (s *ObjectService) Wstat(args WstatArgs, _ *WstatReply) error {
	return s.delegate.Wstat(args.OID, args.Delta)
}

func (s *ObjectService) Truncate(args TruncateArgs, _ *TruncateReply) error {
	return s.delegate.Truncate(args.OID, args.Mtime, args.Size)
}

func (s *ObjectService) Delete(args DeleteArgs, _ *DeleteReply) error {
	return s.delegate.Delete(args.OID)
}

func (s *ObjectService) PrimeCache(_ PrimeCacheArgs, _ *PrimeCacheReply) error {
	return nil
}

// RemoteClient implements Client by calling a storage server's
// ObjectService over net/rpc, one connection per storage address,
// exactly as storage.RemoteStore dials one net/rpc connection per
// remote store.
type RemoteClient struct {
	client *rpc.Client
}

func Dial(network, address string) (*RemoteClient, error) {
	client, err := rpc.DialHTTP(network, address)
	if err != nil {
		return nil, err
	}
	return &RemoteClient{client: client}, nil
}

var _ Client = (*RemoteClient)(nil)

func translate(err error) error {
	if err == nil {
		return nil
	}
	if strings.HasSuffix(err.Error(), "not found") {
		return ErrNotFound
	}
	return err
}

func (c *RemoteClient) ReserveOID() (wire.OID, error) {
	var reply ReserveOIDReply
	err := c.client.Call("ObjectService.ReserveOID", ReserveOIDArgs{}, &reply)
	return reply.OID, translate(err)
}

func (c *RemoteClient) Create(oid wire.OID, mode uint32, ctime uint32, uid, gid, ext string) error {
	return translate(c.client.Call("ObjectService.Create", CreateArgs{OID: oid, Mode: mode, Ctime: ctime, Uid: uid, Gid: gid, Ext: ext}, &CreateReply{}))
}

func (c *RemoteClient) Clone(old, new wire.OID) error {
	return translate(c.client.Call("ObjectService.Clone", CloneArgs{Old: old, New: new}, &CloneReply{}))
}

func (c *RemoteClient) Read(oid wire.OID, atime uint32, off int64, n int) ([]byte, error) {
	var reply ReadReply
	err := c.client.Call("ObjectService.Read", ReadArgs{OID: oid, Atime: atime, Off: off, N: n}, &reply)
	return reply.Data, translate(err)
}

func (c *RemoteClient) Write(oid wire.OID, mtime uint32, off int64, data []byte) (int, error) {
	var reply WriteReply
	err := c.client.Call("ObjectService.Write", WriteArgs{OID: oid, Mtime: mtime, Off: off, Data: data}, &reply)
	return reply.N, translate(err)
}

func (c *RemoteClient) Stat(oid wire.OID, name string) (wire.StatRecord, error) {
	var reply StatReply
	err := c.client.Call("ObjectService.Stat", StatArgs{OID: oid, Name: name}, &reply)
	return reply.Stat, translate(err)
}

func (c *RemoteClient) Wstat(oid wire.OID, delta wire.StatRecord) error {
	return translate(c.client.Call("ObjectService.Wstat", WstatArgs{OID: oid, Delta: delta}, &WstatReply{}))
}

func (c *RemoteClient) Truncate(oid wire.OID, mtime uint32, size uint64) error {
	return translate(c.client.Call("ObjectService.Truncate", TruncateArgs{OID: oid, Mtime: mtime, Size: size}, &TruncateReply{}))
}

func (c *RemoteClient) Delete(oid wire.OID) error {
	return translate(c.client.Call("ObjectService.Delete", DeleteArgs{OID: oid}, &DeleteReply{}))
}

func (c *RemoteClient) PrimeCache(oid wire.OID) error {
	return translate(c.client.Call("ObjectService.PrimeCache", PrimeCacheArgs{OID: oid}, &PrimeCacheReply{}))
}
