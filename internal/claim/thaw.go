package claim

import (
	"github.com/nicolagi/envoy9p/internal/dirblock"
	"github.com/nicolagi/envoy9p/internal/wire"
	"github.com/nicolagi/envoy9p/internal/worker"
)

// Thaw makes a CoW claim writable by cloning its object and every
// ancestor CoW claim between it and the lease root, then repointing
// each directory entry along the path at the new objects (spec §4.4
// Thaw). w must already hold the lease exclusively, since thaw
// mutates the claim cache and directory contents. A no-op if the
// claim is already Writable or ReadOnly.
func (t *Table) Thaw(w *worker.Worker, c *Claim) error {
	if c.access != CoW {
		return nil
	}

	var chain []*Claim
	for n := c; n != nil && n.access == CoW; n = n.parent {
		chain = append(chain, n)
	}
	// chain is leaf-to-root; thaw root-to-leaf so each directory write
	// lands on an already-writable parent object.
	for i := len(chain) - 1; i >= 0; i-- {
		if err := t.thawOne(chain[i]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) thawOne(c *Claim) error {
	newOID, err := t.Client.ReserveOID()
	if err != nil {
		return err
	}
	if err := t.Client.Clone(c.oid, newOID); err != nil {
		return err
	}
	if c.isDir {
		// Propagate the CoW flag onto every entry of the cloned directory
		// block so existing children remain individually shareable with
		// the snapshot (spec §4.3 clone_block, §4.4 "with directory-block
		// CoW propagation if it is a directory").
		if err := t.cloneDirBlocks(c.oid, newOID); err != nil {
			return err
		}
	}
	if c.parent != nil {
		parentDir := c.parent.directory(t.Client, t.BlockSize, t.DirCache)
		if _, err := parentDir.ChangeOID(c.name, newOID, false); err != nil {
			return err
		}
	} else {
		c.lease.oid = newOID
	}
	c.oid = newOID
	c.access = Writable
	if c.dir != nil {
		c.dir.SetOID(newOID)
	}
	// Any cache entry for this claim's own path needs no update beyond
	// the access field (spec §4.4 "thaw updates affected cache entries'
	// access field"); since the Claim value is shared by reference with
	// the cache, mutating c in place already reflects there.
	return nil
}

func (t *Table) cloneDirBlocks(old, new wire.OID) error {
	st, err := t.Client.Stat(old, "")
	if err != nil {
		return err
	}
	if st.Length == 0 {
		return nil
	}
	n := int((st.Length + uint64(t.BlockSize) - 1) / uint64(t.BlockSize))
	for i := 0; i < n; i++ {
		raw, err := t.Client.Read(new, 0, int64(i)*int64(t.BlockSize), t.BlockSize)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			continue
		}
		cloned := dirblock.CloneBlock(padTo(raw, t.BlockSize))
		if _, err := t.Client.Write(new, 0, int64(i)*int64(t.BlockSize), cloned); err != nil {
			return err
		}
	}
	return nil
}

func padTo(buf []byte, size int) []byte {
	if len(buf) >= size {
		return buf
	}
	out := make([]byte, size)
	copy(out, buf)
	return out
}
