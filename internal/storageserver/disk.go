// Package storageserver implements the storage server's local object
// store (C12): a disk-backed objclient.ObjectStore, grounded on
// original_source/disk.c's object-directory layout (spec.md §6
// "Persisted state layout"). This is the one place the core depends on
// a concrete on-disk format; everywhere else reaches the store only
// through objclient.Client/ObjectStore.
package storageserver

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nicolagi/envoy9p/internal/objclient"
	"github.com/nicolagi/envoy9p/internal/wire"
)

func modTime(epochSeconds uint32) time.Time { return time.Unix(int64(epochSeconds), 0) }

// Layout constants, named exactly as original_source/config.c's globals
// (spec §6: "BITS_PER_DIR_OBJECTS=6 by default... BITS_PER_DIR_DIRS=8").
const (
	BitsPerDirObjects = 6
	BitsPerDirDirs    = 8
	MaxUIDLength      = 8
	MaxGIDLength      = 8

	objectIDHexWidth = (BitsPerDirObjects + 3) / 4
)

// Disk is a directory-tree object store: each OID names a leaf file
// nested under BitsPerDirDirs-wide hex directory levels, down to the
// BitsPerDirObjects bits that select the file within its leaf
// directory (spec §6). The leaf filename itself encodes id/mode/uid/gid
// (original_source/disk.c's make_filename); mtime and length are read
// from the underlying file's own metadata rather than duplicated into
// the name, since Go's os.FileInfo already gives those without a
// parallel bookkeeping scheme to keep in sync. Atime is not tracked
// separately from mtime: exposing true last-access time portably across
// filesystems isn't something the standard library gives for free, and
// nothing in this repository's core reads atime back, so Stat reports
// mtime for both.
type Disk struct {
	root string

	mu      sync.Mutex
	nextOID uint64
}

// NewDisk opens (creating if necessary) a disk-backed store rooted at
// dir, recovering its OID allocator from the NEXTOID marker file left
// by the previous run.
func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	d := &Disk{root: dir}
	if b, err := ioutil.ReadFile(d.counterPath()); err == nil {
		n, err := strconv.ParseUint(strings.TrimSpace(string(b)), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("storageserver: corrupt %s: %w", d.counterPath(), err)
		}
		d.nextOID = n
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return d, nil
}

func (d *Disk) counterPath() string { return filepath.Join(d.root, "NEXTOID") }

var _ objclient.ObjectStore = (*Disk)(nil)

// ReserveOID advances the allocator by one BitsPerDirObjects-sized
// block, matching original_source/disk.c's allocation granularity (a
// fresh leaf directory per block rather than one fsync per object).
func (d *Disk) ReserveOID() (wire.OID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextOID += 1 << BitsPerDirObjects
	oid := wire.OID(d.nextOID)
	if oid == wire.NOOID || d.nextOID < (1<<BitsPerDirObjects) {
		return wire.NOOID, fmt.Errorf("storageserver: oid allocator overflow")
	}
	if err := ioutil.WriteFile(d.counterPath(), []byte(fmt.Sprintf("%x", d.nextOID)), 0600); err != nil {
		return wire.NOOID, err
	}
	return oid, nil
}

// dirFor returns the nested directory path holding oid's leaf file,
// creating it if mkdir is true.
func (d *Disk) dirFor(oid wire.OID, mkdir bool) (string, error) {
	bits := uint64(oid) >> BitsPerDirObjects
	const totalBits = 64 - BitsPerDirObjects
	parts := []string{d.root}
	shift := totalBits
	first := totalBits % BitsPerDirDirs
	if first == 0 {
		first = BitsPerDirDirs
	}
	for shift > 0 {
		chunk := first
		if shift != totalBits {
			chunk = BitsPerDirDirs
		}
		shift -= chunk
		group := (bits >> uint(shift)) & ((1 << uint(chunk)) - 1)
		parts = append(parts, fmt.Sprintf("%0*x", (chunk+3)/4, group))
	}
	dir := filepath.Join(parts...)
	if mkdir {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func idHex(oid wire.OID) string {
	return fmt.Sprintf("%0*x", objectIDHexWidth, uint64(oid)&((1<<BitsPerDirObjects)-1))
}

func makeFilename(oid wire.OID, mode uint32, uid, gid string) string {
	return fmt.Sprintf("%s %08x %-*.*s %-*.*s", idHex(oid), mode,
		MaxUIDLength, MaxUIDLength, uid, MaxGIDLength, MaxGIDLength, gid)
}

func parseFilename(name string) (mode uint32, uid, gid string, ok bool) {
	fields := strings.Fields(name)
	if len(fields) != 4 {
		return 0, "", "", false
	}
	m, err := strconv.ParseUint(fields[1], 16, 32)
	if err != nil {
		return 0, "", "", false
	}
	return uint32(m), fields[2], fields[3], true
}

// findFile locates oid's current leaf file within dir by its stable id
// prefix, since the mode/uid/gid suffix can change underneath a Wstat.
func (d *Disk) findFile(oid wire.OID) (path string, mode uint32, uid, gid string, err error) {
	dir, err := d.dirFor(oid, false)
	if err != nil {
		return "", 0, "", "", err
	}
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, "", "", objclient.ErrNotFound
		}
		return "", 0, "", "", err
	}
	prefix := idHex(oid) + " "
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		m, u, g, ok := parseFilename(e.Name())
		if !ok {
			continue
		}
		return filepath.Join(dir, e.Name()), m, u, g, nil
	}
	return "", 0, "", "", objclient.ErrNotFound
}

func (d *Disk) Create(oid wire.OID, mode uint32, ctime uint32, uid, gid, ext string) error {
	_ = ctime
	_ = ext
	dir, err := d.dirFor(oid, true)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, makeFilename(oid, mode, uid, gid))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	return f.Close()
}

func (d *Disk) Clone(old, new wire.OID) error {
	path, mode, uid, gid, err := d.findFile(old)
	if err != nil {
		return err
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	dir, err := d.dirFor(new, true)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filepath.Join(dir, makeFilename(new, mode, uid, gid)), data, 0600)
}

func (d *Disk) Read(oid wire.OID, _ uint32, off int64, n int) ([]byte, error) {
	path, _, _, _, err := d.findFile(oid)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}

func (d *Disk) Write(oid wire.OID, mtime uint32, off int64, data []byte) (int, error) {
	path, _, _, _, err := d.findFile(oid)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := f.WriteAt(data, off)
	if err != nil {
		return n, err
	}
	t := modTime(mtime)
	_ = os.Chtimes(path, t, t)
	return n, nil
}

func (d *Disk) Stat(oid wire.OID, name string) (wire.StatRecord, error) {
	path, mode, uid, gid, err := d.findFile(oid)
	if err != nil {
		return wire.StatRecord{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return wire.StatRecord{}, err
	}
	return wire.StatRecord{
		Mode:   mode,
		Atime:  uint32(fi.ModTime().Unix()),
		Mtime:  uint32(fi.ModTime().Unix()),
		Length: uint64(fi.Size()),
		Name:   name,
		Uid:    uid,
		Gid:    gid,
		Muid:   uid,
	}, nil
}

func (d *Disk) Wstat(oid wire.OID, delta wire.StatRecord) error {
	path, mode, uid, gid, err := d.findFile(oid)
	if err != nil {
		return err
	}
	if delta.Mode != 0 {
		mode = delta.Mode
	}
	if delta.Uid != "" {
		uid = delta.Uid
	}
	if delta.Gid != "" {
		gid = delta.Gid
	}
	newPath := filepath.Join(filepath.Dir(path), makeFilename(oid, mode, uid, gid))
	if newPath == path {
		return nil
	}
	if err := os.Rename(path, newPath); err != nil {
		return err
	}
	if delta.Mtime != 0 {
		t := modTime(delta.Mtime)
		_ = os.Chtimes(newPath, t, t)
	}
	return nil
}

func (d *Disk) Truncate(oid wire.OID, mtime uint32, size uint64) error {
	path, _, _, _, err := d.findFile(oid)
	if err != nil {
		return err
	}
	if err := os.Truncate(path, int64(size)); err != nil {
		return err
	}
	t := modTime(mtime)
	return os.Chtimes(path, t, t)
}

func (d *Disk) Delete(oid wire.OID) error {
	path, _, _, _, err := d.findFile(oid)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

func (d *Disk) PrimeCache(wire.OID) error { return nil }
