package dirblock

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/nicolagi/envoy9p/internal/linuxerr"
	"github.com/nicolagi/envoy9p/internal/objclient"
	"github.com/nicolagi/envoy9p/internal/wire"
)

// blockKey identifies one cached block: the owning lease (by pathname,
// so two leases never collide even if a claim is briefly shared across
// a grant boundary), the object holding the directory, and the block
// index within it (spec §4.3: "directory-block cache keyed by
// (lease, oid, block#)").
type blockKey struct {
	lease string
	oid   wire.OID
	block int
}

// Cache is the shared directory-block cache every Directory in a
// process draws from. It is backed by hashicorp/golang-lru, the same
// bounded-LRU library the pack's rclone reaches for, rather than a
// hand-rolled map+list (generic LRU containers are an out-of-scope
// collaborator per spec §1).
type Cache struct {
	lru *lru.Cache
}

func NewCache(size int) *Cache {
	c, err := lru.New(size)
	if err != nil {
		// Only size <= 0 causes an error, and callers pass a constant.
		panic(err)
	}
	return &Cache{lru: c}
}

func (c *Cache) get(k blockKey) ([]byte, bool) {
	v, ok := c.lru.Get(k)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (c *Cache) put(k blockKey, data []byte) { c.lru.Add(k, data) }

func (c *Cache) invalidateObject(lease string, oid wire.OID) {
	for _, k := range c.lru.Keys() {
		bk := k.(blockKey)
		if bk.lease == lease && bk.oid == oid {
			c.lru.Remove(k)
		}
	}
}

// Directory is a locked directory claim's view onto its packed block
// content (spec §4.3). Callers (internal/claim) are responsible for
// holding the claim's lock before calling any method here -- this type
// does no locking of its own, matching spec §4.3's "public operations
// on a locked directory claim".
type Directory struct {
	client    objclient.Client
	oid       wire.OID
	blockSize int
	cache     *Cache
	leaseKey  string
}

func New(client objclient.Client, oid wire.OID, blockSize int, cache *Cache, leaseKey string) *Directory {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Directory{client: client, oid: oid, blockSize: blockSize, cache: cache, leaseKey: leaseKey}
}

func (d *Directory) OID() wire.OID { return d.oid }

// SetOID repoints this Directory at a different object, used after
// thaw/change_oid replaces the backing object of a directory claim.
func (d *Directory) SetOID(oid wire.OID) {
	d.oid = oid
}

func (d *Directory) blockCount() (int, error) {
	st, err := d.client.Stat(d.oid, "")
	if err != nil {
		return 0, err
	}
	if st.Length == 0 {
		return 0, nil
	}
	return int((st.Length + uint64(d.blockSize) - 1) / uint64(d.blockSize)), nil
}

func (d *Directory) readBlock(idx int) ([]Entry, error) {
	key := blockKey{lease: d.leaseKey, oid: d.oid, block: idx}
	if cached, ok := d.cache.get(key); ok {
		return DecodeBlock(cached, d.blockSize)
	}
	raw, err := d.client.Read(d.oid, 0, int64(idx)*int64(d.blockSize), d.blockSize)
	if err != nil {
		return nil, err
	}
	if len(raw) < d.blockSize {
		padded := make([]byte, d.blockSize)
		copy(padded, raw)
		raw = padded
	}
	d.cache.put(key, raw)
	return DecodeBlock(raw, d.blockSize)
}

func (d *Directory) writeBlock(idx int, entries []Entry) error {
	buf, err := EncodeBlock(entries, d.blockSize)
	if err != nil {
		return err
	}
	if _, err := d.client.Write(d.oid, 0, int64(idx)*int64(d.blockSize), buf); err != nil {
		return err
	}
	d.cache.put(blockKey{lease: d.leaseKey, oid: d.oid, block: idx}, buf)
	return nil
}

// iterate is the single internal iterator callback spec §4.3 requires:
// every read and mutation walks blocks through this one loop. cb
// inspects/mutates the entries of one block and returns whether it
// mutated them (triggering a write-back) and whether iteration should
// stop.
func (d *Directory) iterate(cb func(blockIdx int, entries []Entry) (mutated []Entry, write bool, stop bool)) error {
	n, err := d.blockCount()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		entries, err := d.readBlock(i)
		if err != nil {
			return err
		}
		mutated, write, stop := cb(i, entries)
		if write {
			if err := d.writeBlock(i, mutated); err != nil {
				return err
			}
		}
		if stop {
			return nil
		}
	}
	return nil
}

// FindEntry looks up name across all blocks.
func (d *Directory) FindEntry(name string) (Entry, bool, error) {
	var found Entry
	var ok bool
	err := d.iterate(func(_ int, entries []Entry) ([]Entry, bool, bool) {
		for _, e := range entries {
			if e.Name == name {
				found, ok = e, true
				return entries, false, true
			}
		}
		return entries, false, false
	})
	return found, ok, err
}

// ListEntries returns every entry across all blocks, in block/intra-block
// order, the order 9P directory reads must preserve across successive
// calls at increasing offsets.
func (d *Directory) ListEntries() ([]Entry, error) {
	var all []Entry
	err := d.iterate(func(_ int, entries []Entry) ([]Entry, bool, bool) {
		all = append(all, entries...)
		return entries, false, false
	})
	return all, err
}

func (d *Directory) IsEmpty() (bool, error) {
	entries, err := d.ListEntries()
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// CreateEntry refuses duplicates, packs into the first block with room,
// extending the directory with a new block if none has room (spec
// §4.3).
func (d *Directory) CreateEntry(name string, oid wire.OID, cow bool) error {
	if _, exists, err := d.FindEntry(name); err != nil {
		return err
	} else if exists {
		return linuxerr.EEXIST
	}
	entry := Entry{OID: oid, CoW: cow, Name: name}
	n, err := d.blockCount()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		entries, err := d.readBlock(i)
		if err != nil {
			return err
		}
		candidate := append(append([]Entry{}, entries...), entry)
		if _, err := EncodeBlock(candidate, d.blockSize); err == nil {
			return d.writeBlock(i, candidate)
		}
	}
	// No block had room: extend with a fresh one.
	return d.writeBlock(n, []Entry{entry})
}

// RemoveEntry deletes the entry named name, if present.
func (d *Directory) RemoveEntry(name string) error {
	removed := false
	err := d.iterate(func(_ int, entries []Entry) ([]Entry, bool, bool) {
		for i, e := range entries {
			if e.Name == name {
				out := append(append([]Entry{}, entries[:i]...), entries[i+1:]...)
				removed = true
				return out, true, true
			}
		}
		return entries, false, false
	})
	if err != nil {
		return err
	}
	if !removed {
		return linuxerr.ENOENT
	}
	return nil
}

// ChangeOID repoints name's entry at newOID and cow flag, returning the
// previous OID (spec §4.3 change_oid; used by thaw and by snapshot's
// exit-parent update).
func (d *Directory) ChangeOID(name string, newOID wire.OID, cow bool) (wire.OID, error) {
	var old wire.OID
	found := false
	err := d.iterate(func(_ int, entries []Entry) ([]Entry, bool, bool) {
		for i, e := range entries {
			if e.Name == name {
				old = e.OID
				found = true
				entries[i] = Entry{OID: newOID, CoW: cow, Name: name}
				return entries, true, true
			}
		}
		return entries, false, false
	})
	if err != nil {
		return wire.NOOID, err
	}
	if !found {
		return wire.NOOID, linuxerr.ENOENT
	}
	return old, nil
}

// Rename is atomic from the caller's point of view (single-threaded
// critical section while the directory's claim lock is held, per spec
// §4.3): it must find old, delete any existing new, and add an entry
// for new with old's oid/cow.
func (d *Directory) Rename(oldName, newName string) error {
	oldEntry, ok, err := d.FindEntry(oldName)
	if err != nil {
		return err
	}
	if !ok {
		return linuxerr.ENOENT
	}
	if _, exists, err := d.FindEntry(newName); err != nil {
		return err
	} else if exists {
		if err := d.RemoveEntry(newName); err != nil {
			return err
		}
	}
	if err := d.RemoveEntry(oldName); err != nil {
		return err
	}
	if err := d.CreateEntry(newName, oldEntry.OID, oldEntry.CoW); err != nil {
		return fmt.Errorf("dirblock: rename %q to %q: %w", oldName, newName, err)
	}
	return nil
}

// Invalidate purges this directory's blocks from the shared cache,
// e.g. after an external change_oid replaced its backing object.
func (d *Directory) Invalidate() {
	d.cache.invalidateObject(d.leaseKey, d.oid)
}
