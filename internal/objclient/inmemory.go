package objclient

import (
	"sync"

	"github.com/nicolagi/envoy9p/internal/wire"
)

type object struct {
	data  []byte
	stat  wire.StatRecord
	exist bool
}

// InMemory implements Client for unit tests, grounded on
// storage.InMemory's sync.Mutex-guarded map, generalized from a flat
// key-value map to OID-keyed objects with content and stat metadata.
type InMemory struct {
	mu      sync.Mutex
	objects map[wire.OID]*object
	nextOID uint64
}

var _ Client = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{objects: make(map[wire.OID]*object)}
}

func (s *InMemory) ReserveOID() (wire.OID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOID++
	if wire.OID(s.nextOID) == wire.NOOID {
		return wire.NOOID, errorf("oid allocator overflow")
	}
	return wire.OID(s.nextOID), nil
}

func (s *InMemory) Create(oid wire.OID, mode uint32, ctime uint32, uid, gid, ext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[oid] = &object{
		exist: true,
		stat: wire.StatRecord{
			Mode: mode, Atime: ctime, Mtime: ctime,
			Uid: uid, Gid: gid, Muid: uid, Extension: ext,
		},
	}
	return nil
}

func (s *InMemory) Clone(old, new wire.OID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.objects[old]
	if !ok {
		return ErrNotFound
	}
	clone := *src
	clone.data = append([]byte(nil), src.data...)
	s.objects[new] = &clone
	return nil
}

func (s *InMemory) Read(oid wire.OID, _ uint32, off int64, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[oid]
	if !ok {
		return nil, ErrNotFound
	}
	if off >= int64(len(obj.data)) {
		return nil, nil
	}
	end := off + int64(n)
	if end > int64(len(obj.data)) {
		end = int64(len(obj.data))
	}
	out := make([]byte, end-off)
	copy(out, obj.data[off:end])
	return out, nil
}

func (s *InMemory) Write(oid wire.OID, mtime uint32, off int64, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[oid]
	if !ok {
		return 0, ErrNotFound
	}
	end := off + int64(len(data))
	if end > int64(len(obj.data)) {
		grown := make([]byte, end)
		copy(grown, obj.data)
		obj.data = grown
	}
	copy(obj.data[off:end], data)
	obj.stat.Length = uint64(len(obj.data))
	obj.stat.Mtime = mtime
	return len(data), nil
}

func (s *InMemory) Stat(oid wire.OID, name string) (wire.StatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[oid]
	if !ok {
		return wire.StatRecord{}, ErrNotFound
	}
	st := obj.stat
	st.Name = name
	st.Length = uint64(len(obj.data))
	return st, nil
}

func (s *InMemory) Wstat(oid wire.OID, delta wire.StatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[oid]
	if !ok {
		return ErrNotFound
	}
	if delta.Mode != 0 {
		obj.stat.Mode = delta.Mode
	}
	if delta.Mtime != 0 {
		obj.stat.Mtime = delta.Mtime
	}
	if delta.Uid != "" {
		obj.stat.Uid = delta.Uid
	}
	if delta.Gid != "" {
		obj.stat.Gid = delta.Gid
	}
	return nil
}

// Truncate resizes an object to size, zero-extending or discarding the
// tail as needed (spec §4.3 Twstat with a changed length, and Topen's
// OTRUNC), which the Mode/Uid/Gid delta fields of Wstat cannot express
// since a delta of 0 there already means "leave unchanged".
func (s *InMemory) Truncate(oid wire.OID, mtime uint32, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[oid]
	if !ok {
		return ErrNotFound
	}
	switch {
	case size < uint64(len(obj.data)):
		obj.data = obj.data[:size]
	case size > uint64(len(obj.data)):
		grown := make([]byte, size)
		copy(grown, obj.data)
		obj.data = grown
	}
	obj.stat.Length = size
	obj.stat.Mtime = mtime
	return nil
}

func (s *InMemory) Delete(oid wire.OID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[oid]; !ok {
		return ErrNotFound
	}
	delete(s.objects, oid)
	return nil
}

func (s *InMemory) PrimeCache(wire.OID) error { return nil }
