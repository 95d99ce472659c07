package claim

import (
	"strings"

	"github.com/nicolagi/envoy9p/internal/linuxerr"
	"github.com/nicolagi/envoy9p/internal/wire"
	"github.com/nicolagi/envoy9p/internal/worker"
)

// Find resolves path (relative to the global namespace root) down to
// its claim, walking the lease root found by Table.FindRoot and then
// each path component in turn, consulting live children first, then
// the lease's claim cache, then the directory engine (spec §4.4
// find). Each step reserves the parent's lock before looking at its
// children, and releases it once the child itself is reserved, so the
// lock held at any instant is always exactly one claim deep.
func (t *Table) Find(w *worker.Worker, path string) (*Claim, error) {
	lease, rel, err := t.FindRoot(path)
	if err != nil {
		return nil, err
	}
	cur := lease.root
	cur.Reserve(w)
	if rel == "" {
		return cur, nil
	}
	for _, name := range strings.Split(rel, "/") {
		child, err := t.getChildLocked(w, cur, name)
		if err != nil {
			cur.Release(w)
			return nil, err
		}
		child.Reserve(w)
		cur.Release(w)
		cur = child
	}
	return cur, nil
}

// GetChild resolves one path component under a locked parent claim,
// acquiring the child's lock itself (spec §4.4 get_child). Callers
// that already hold parent's lock and want the raw lookup without the
// lock hand-off performed by Find should call this directly.
func (t *Table) GetChild(w *worker.Worker, parent *Claim, name string) (*Claim, error) {
	child, err := t.getChildLocked(w, parent, name)
	if err != nil {
		return nil, err
	}
	child.Reserve(w)
	return child, nil
}

// getChildLocked implements the lookup chain without touching locks
// beyond what the caller already holds on parent: children → claim
// cache → directory engine. Returns ErrNotLocal if name is the mount
// point of a RemoteExit lease.
func (t *Table) getChildLocked(w *worker.Worker, parent *Claim, name string) (*Claim, error) {
	if name == "." {
		return parent, nil
	}
	if name == ".." {
		gp, _, err := t.GetParent(w, parent)
		if err != nil {
			return nil, err
		}
		if gp == nil {
			return parent, nil
		}
		return gp, nil
	}
	if !parent.IsDir() {
		return nil, linuxerr.ENOTDIR
	}

	childPath := joinPath(parent.lease.pathname, joinPath(parent.Path(), name))
	if exit, ok := t.GetRemote(childPath); ok {
		_ = exit
		return nil, ErrNotLocal
	}

	if c := parent.followChild(name); c != nil {
		return c, nil
	}

	cachePath := joinPath(parent.Path(), name)
	if c, ok := parent.lease.lookupCache(cachePath); ok {
		parent.children = append(parent.children, c)
		return c, nil
	}

	dir := parent.directory(t.Client, t.BlockSize, t.DirCache)
	entry, ok, err := dir.FindEntry(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, linuxerr.ENOENT
	}
	st, err := t.Client.Stat(entry.OID, name)
	if err != nil {
		return nil, err
	}
	access := ChildAccess(parent.access, entry.CoW)
	child := New(parent, name, access, entry.OID, st.Mode)
	return child, nil
}

// GetParent resolves a claim's parent claim, rebuilding the path from
// the lease root when called on a lease root claim itself (spec §4.4
// get_parent). If the enclosing path belongs to a different,
// non-local lease, it returns a nil claim plus the address to
// continue at remotely (nil address if there is no parent at all,
// i.e. c is the global root).
func (t *Table) GetParent(w *worker.Worker, c *Claim) (*Claim, *wire.Address, error) {
	if c.parent != nil {
		return c.parent, nil, nil
	}
	// c is a lease root.
	full := c.lease.pathname
	if full == "" {
		return nil, nil, nil
	}
	idx := strings.LastIndexByte(full, '/')
	var parentPath string
	if idx >= 0 {
		parentPath = full[:idx]
	}
	parentLease, rel, err := t.FindRoot(parentPath)
	if err == ErrNotLocal {
		addr := parentLease.Address()
		return nil, &addr, nil
	}
	if err != nil {
		return nil, nil, err
	}
	claim, err := t.Find(w, joinPath(parentLease.pathname, rel))
	if err != nil {
		return nil, nil, err
	}
	return claim, nil, nil
}

func joinPath(a, b string) string {
	a = strings.Trim(a, "/")
	b = strings.Trim(b, "/")
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "/" + b
	}
}
