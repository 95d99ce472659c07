package claim

import (
	"github.com/nicolagi/envoy9p/internal/dirblock"
	"github.com/nicolagi/envoy9p/internal/wire"
)

// CreateEntry adds a directory entry named name, pointing at oid, under
// the directory claim parent (spec §4.3 create_entry, fronted here so
// the dispatcher's Tcreate handler never has to reach into a claim's
// unexported directory view directly).
func (t *Table) CreateEntry(parent *Claim, name string, oid wire.OID, cow bool) error {
	return parent.directory(t.Client, t.BlockSize, t.DirCache).CreateEntry(name, oid, cow)
}

// RemoveEntry removes name from the directory claim parent (spec §4.3
// remove_entry), used by the dispatcher's Tremove handler.
func (t *Table) RemoveEntry(parent *Claim, name string) error {
	return parent.directory(t.Client, t.BlockSize, t.DirCache).RemoveEntry(name)
}

// RenameEntry moves name to newName within the directory claim parent
// (spec §4.3 rename_entry), used by the dispatcher's Twstat handler.
func (t *Table) RenameEntry(parent *Claim, name, newName string) error {
	return parent.directory(t.Client, t.BlockSize, t.DirCache).Rename(name, newName)
}

// IsEmptyDir reports whether the directory claim c has no entries
// (spec §4.3 is_empty, used by Tremove on a directory).
func (t *Table) IsEmptyDir(c *Claim) (bool, error) {
	return c.directory(t.Client, t.BlockSize, t.DirCache).IsEmpty()
}

// ListEntries returns every entry of the directory claim c, in storage
// order, for the dispatcher's Tread-on-a-directory (readdir) handler.
func (t *Table) ListEntries(c *Claim) ([]dirblock.Entry, error) {
	return c.directory(t.Client, t.BlockSize, t.DirCache).ListEntries()
}
