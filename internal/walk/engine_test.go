package walk

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicolagi/envoy9p/internal/claim"
	"github.com/nicolagi/envoy9p/internal/objclient"
	"github.com/nicolagi/envoy9p/internal/wire"
	"github.com/nicolagi/envoy9p/internal/worker"
)

type fakeGrantTransport struct {
	calls []wire.TGrant
}

func (f *fakeGrantTransport) SendGrant(_ wire.Address, msg wire.TGrant) (wire.RGrant, error) {
	f.calls = append(f.calls, msg)
	return wire.RGrant{}, nil
}

type fakeTransport struct {
	reply wire.RWalkRemote
	err   error
	calls int
}

func (f *fakeTransport) RemoteWalk(_ wire.Address, _ wire.TWalkRemote) (wire.RWalkRemote, error) {
	f.calls++
	return f.reply, f.err
}

func (f *fakeTransport) CloseFid(_ wire.Address, _ uint32) error { return nil }

func mkobj(t *testing.T, client objclient.Client, mode uint32) wire.OID {
	t.Helper()
	oid, err := client.ReserveOID()
	require.NoError(t, err)
	require.NoError(t, client.Create(oid, mode, 1, "glenda", "glenda", ""))
	return oid
}

func TestWalkLocalSingleStep(t *testing.T) {
	client := objclient.NewInMemory()
	table := claim.NewTable(client, 256, 64)
	rootOID := mkobj(t, client, wire.DMDIR|0755)
	lease := table.NewLocalLease("", false, claim.Writable, rootOID, wire.DMDIR|0755)

	subOID := mkobj(t, client, wire.DMDIR|0755)
	require.NoError(t, table.CreateEntry(lease.Root(), "sub", subOID, false))

	w := worker.New()
	root := lease.Root()
	root.Reserve(w)

	engine := NewEngine(table, client, &fakeTransport{})
	result := engine.Walk(w, Request{
		StartClaim: root,
		Pathname:   "",
		User:       "glenda",
		Names:      []string{"sub"},
	})
	require.NoError(t, result.Err)
	require.Len(t, result.Qids, 1)
	require.False(t, result.Remote)
	require.Equal(t, subOID, result.Claim.OID())
	result.Claim.Release(w)
}

func TestWalkDotDotAtLeaseRootStaysPut(t *testing.T) {
	client := objclient.NewInMemory()
	table := claim.NewTable(client, 256, 64)
	rootOID := mkobj(t, client, wire.DMDIR|0755)
	lease := table.NewLocalLease("", false, claim.Writable, rootOID, wire.DMDIR|0755)

	w := worker.New()
	root := lease.Root()
	root.Reserve(w)

	engine := NewEngine(table, client, &fakeTransport{})
	result := engine.Walk(w, Request{
		StartClaim: root,
		Pathname:   "",
		User:       "glenda",
		Names:      []string{".."},
	})
	require.NoError(t, result.Err)
	require.Equal(t, rootOID, result.Claim.OID())
	result.Claim.Release(w)
}

func TestWalkCrossesIntoRemoteExit(t *testing.T) {
	client := objclient.NewInMemory()
	table := claim.NewTable(client, 256, 64)
	rootOID := mkobj(t, client, wire.DMDIR|0755)
	lease := table.NewLocalLease("", false, claim.Writable, rootOID, wire.DMDIR|0755)

	exitOID := mkobj(t, client, wire.DMDIR|0755)
	require.NoError(t, table.CreateEntry(lease.Root(), "remote", exitOID, false))
	peer := wire.Address{IP: 10, Port: 9922}
	table.NewRemoteExit("remote", false, exitOID, peer)

	w := worker.New()
	root := lease.Root()
	root.Reserve(w)

	transport := &fakeTransport{reply: wire.RWalkRemote{Nwqid: []wire.Qid{{Path: uint64(exitOID)}}}}
	engine := NewEngine(table, client, transport)
	result := engine.Walk(w, Request{
		StartClaim: root,
		Pathname:   "",
		User:       "glenda",
		Names:      []string{"remote"},
	})
	require.NoError(t, result.Err)
	require.True(t, result.Remote)
	require.Equal(t, peer, result.RemoteAddr)
	require.Equal(t, 1, transport.calls)
}

// TestAttachSplitGrantsIdleAdminPathToRequester exercises scenario S4:
// a peer forwards a walk into an admin path we hold locally with no
// open fids and no descendant leases, and the engine should split it
// off into its own lease and grant it straight to the requester,
// signaling a retry rather than resolving the walk itself.
func TestAttachSplitGrantsIdleAdminPathToRequester(t *testing.T) {
	client := objclient.NewInMemory()
	table := claim.NewTable(client, 256, 64)
	rootOID := mkobj(t, client, wire.DMDIR|0755)
	lease := table.NewLocalLease("", false, claim.Writable, rootOID, wire.DMDIR|0755)

	snapshotsOID := mkobj(t, client, wire.DMDIR|0755)
	require.NoError(t, table.CreateEntry(lease.Root(), "snapshots", snapshotsOID, false))
	entryOID := mkobj(t, client, wire.DMDIR|0755)
	snapshotsClaim := claim.New(lease.Root(), "snapshots", claim.Writable, snapshotsOID, wire.DMDIR|0755)
	require.NoError(t, table.CreateEntry(snapshotsClaim, "17", entryOID, false))

	w := worker.New()
	root := lease.Root()
	root.Reserve(w)

	grants := &fakeGrantTransport{}
	requester := wire.Address{IP: 0x7f000002, Port: 9933}
	engine := NewEngine(table, client, &fakeTransport{})
	engine.GrantTransport = grants
	engine.AdminPrefix = "snapshots"
	engine.Self = wire.Address{IP: 0x7f000001, Port: 9922}

	result := engine.Walk(w, Request{
		StartClaim:    root,
		Pathname:      "",
		User:          "glenda",
		Names:         []string{"snapshots", "17"},
		RequesterAddr: requester,
	})
	require.True(t, worker.IsRetry(result.Err))
	require.Len(t, grants.calls, 1)
	require.Equal(t, "snapshots/17", grants.calls[0].Root.Pathname)

	exit, ok := table.GetRemote("snapshots/17")
	require.True(t, ok)
	require.Equal(t, requester, exit.Address())
}

// TestAttachSplitSkipsPathWithOpenFids confirms the split never fires
// against a claim that already has an active fid: the attach-specific
// trigger only applies to idle admin paths (spec §4.6).
func TestAttachSplitSkipsPathWithOpenFids(t *testing.T) {
	client := objclient.NewInMemory()
	table := claim.NewTable(client, 256, 64)
	rootOID := mkobj(t, client, wire.DMDIR|0755)
	lease := table.NewLocalLease("", false, claim.Writable, rootOID, wire.DMDIR|0755)

	snapshotsOID := mkobj(t, client, wire.DMDIR|0755)
	require.NoError(t, table.CreateEntry(lease.Root(), "snapshots", snapshotsOID, false))
	entryOID := mkobj(t, client, wire.DMDIR|0755)
	snapshotsClaim := claim.New(lease.Root(), "snapshots", claim.Writable, snapshotsOID, wire.DMDIR|0755)
	require.NoError(t, table.CreateEntry(snapshotsClaim, "17", entryOID, false))

	w := worker.New()
	root := lease.Root()
	root.Reserve(w)

	c, err := table.Find(w, "snapshots/17")
	require.NoError(t, err)
	c.LinkFid(99)
	c.Release(w)

	grants := &fakeGrantTransport{}
	engine := NewEngine(table, client, &fakeTransport{})
	engine.GrantTransport = grants
	engine.AdminPrefix = "snapshots"
	engine.Self = wire.Address{IP: 0x7f000001, Port: 9922}

	result := engine.Walk(w, Request{
		StartClaim:    root,
		Pathname:      "",
		User:          "glenda",
		Names:         []string{"snapshots", "17"},
		RequesterAddr: wire.Address{IP: 0x7f000002, Port: 9933},
	})
	require.NoError(t, result.Err)
	require.Empty(t, grants.calls)
	result.Claim.Release(w)
}
