package claim

import (
	"testing"

	"github.com/stretchr/testify/require"

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

func TestGrantReplacesSubtreeWithRemoteExit(t *testing.T) {
	table, client := newTestTable(t)
	rootOID := mkdir(t, client)
	lease := table.NewLocalLease("", false, Writable, rootOID, wire.DMDIR|0755)

	subOID := mkdir(t, client)
	dir := lease.root.directory(table.Client, table.BlockSize, table.DirCache)
	require.NoError(t, dir.CreateEntry("sub", subOID, false))

	w := worker.New()
	c, err := table.Find(w, "sub")
	require.NoError(t, err)

	transport := &fakeGrantTransport{}
	peer := wire.Address{IP: 0x7f000001, Port: 9922}
	require.NoError(t, table.Grant(w, lease, c, peer, transport))

	require.Len(t, transport.calls, 1)
	require.Equal(t, wire.GrantSingle, transport.calls[0].Type)
	require.Equal(t, "sub", transport.calls[0].Root.Pathname)

	exit, ok := table.GetRemote("sub")
	require.True(t, ok)
	require.Equal(t, peer, exit.Address())

	for _, sib := range lease.root.children {
		require.NotEqual(t, "sub", sib.name)
	}
}

func TestAcceptInstallsLeaseAndExits(t *testing.T) {
	table, _ := newTestTable(t)
	root := wire.LeaseRecord{Pathname: "images/a", Readonly: false, OID: 42}
	exits := []wire.LeaseRecord{
		{Pathname: "images/a/b", Readonly: true, OID: 7, Addr: wire.Address{IP: 1, Port: 2}},
	}
	lease, err := table.Accept(root, exits, wire.DMDIR|0755)
	require.NoError(t, err)
	require.Equal(t, "images/a", lease.Pathname())
	require.Len(t, lease.Wavefront(), 1)

	_, ok := table.GetRemote("images/a/b")
	require.True(t, ok)
}

func TestMergeAbsorbsChildLeaseIntoParent(t *testing.T) {
	table, client := newTestTable(t)
	rootOID := mkdir(t, client)
	parent := table.NewLocalLease("", false, Writable, rootOID, wire.DMDIR|0755)

	subOID := mkdir(t, client)
	dir := parent.root.directory(table.Client, table.BlockSize, table.DirCache)
	require.NoError(t, dir.CreateEntry("sub", subOID, false))

	w := worker.New()
	c, err := table.Find(w, "sub")
	require.NoError(t, err)

	transport := &fakeGrantTransport{}
	peer := wire.Address{IP: 0x7f000001, Port: 9922}
	require.NoError(t, table.Grant(w, parent, c, peer, transport))

	_, ok := table.GetRemote("sub")
	require.True(t, ok)

	childFileOID, err := client.ReserveOID()
	require.NoError(t, err)
	require.NoError(t, client.Create(childFileOID, wire.DMDIR|0755, 1, "glenda", "glenda", ""))
	reaccepted, err := table.Accept(wire.LeaseRecord{Pathname: "sub", OID: childFileOID}, nil, wire.DMDIR|0755)
	require.NoError(t, err)

	require.NoError(t, table.Merge(parent, reaccepted))

	_, ok = table.GetRemote("sub")
	require.False(t, ok)
	_, ok = table.Get("sub")
	require.False(t, ok)

	merged, err := table.Find(w, "sub")
	require.NoError(t, err)
	require.Equal(t, childFileOID, merged.OID())
	require.Equal(t, parent, merged.Lease())
	merged.Release(w)
}
