package claim

import "github.com/nicolagi/envoy9p/internal/wire"

// SnapshotTransport issues remote_snapshot to the envoys holding
// wavefront exits below a lease being snapshotted (spec §4.5
// Snapshot), returning each exit's new frozen root OID.
type SnapshotTransport interface {
	RemoteSnapshot(exits []wire.LeaseRecord) (map[string]wire.OID, error)
}

// Snapshot freezes the lease rooted at c (which must be a local
// lease's root claim), recursively snapshots every descendant
// wavefront lease via transport, updates each exit's parent directory
// entry with the returned OID, and returns the new OID of the
// now-frozen root (spec §4.5 Snapshot).
func (t *Table) Snapshot(c *Claim, transport SnapshotTransport) (wire.OID, error) {
	l := c.lease
	t.Freeze(c)

	exits := l.Wavefront()
	if len(exits) > 0 {
		records := make([]wire.LeaseRecord, len(exits))
		for i, e := range exits {
			records[i] = wire.LeaseRecord{Pathname: e.pathname, Readonly: e.readonly, OID: e.oid, Addr: e.addr}
		}
		newOIDs, err := transport.RemoteSnapshot(records)
		if err != nil {
			return wire.NOOID, err
		}
		for _, e := range exits {
			newOID, ok := newOIDs[e.pathname]
			if !ok {
				continue
			}
			if err := t.updateExitParent(l, e, newOID); err != nil {
				return wire.NOOID, err
			}
			e.oid = newOID
		}
	}

	return c.oid, nil
}

// updateExitParent thaws the path from the lease root to exit's
// parent directory and repoints its entry at newOID (spec §4.5
// Snapshot "thaw the path from the lease root to the exit's parent,
// and update the exit's parent directory entry via change_oid").
func (t *Table) updateExitParent(l *Lease, exit *Lease, newOID wire.OID) error {
	rel := trimLeasePrefix(parentOf(exit.pathname), l.pathname)
	parentClaim := l.root
	if rel != "" {
		cached, ok := l.lookupCache(rel)
		if !ok {
			return nil
		}
		parentClaim = cached
	}
	if err := t.Thaw(nil, parentClaim); err != nil {
		return err
	}
	name := exit.pathname
	if idx := lastSlash(exit.pathname); idx >= 0 {
		name = exit.pathname[idx+1:]
	}
	dir := parentClaim.directory(t.Client, t.BlockSize, t.DirCache)
	_, err := dir.ChangeOID(name, newOID, false)
	return err
}
