package fid

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicolagi/envoy9p/internal/claim"
	"github.com/nicolagi/envoy9p/internal/objclient"
	"github.com/nicolagi/envoy9p/internal/wire"
	"github.com/nicolagi/envoy9p/internal/worker"
)

func newTestClaim(t *testing.T, client objclient.Client, table *claim.Table, mode uint32) *claim.Claim {
	t.Helper()
	oid, err := client.ReserveOID()
	require.NoError(t, err)
	require.NoError(t, client.Create(oid, mode, 1, "glenda", "glenda", ""))
	lease := table.NewLocalLease("", false, claim.Writable, oid, mode)
	return lease.Root()
}

func TestInsertLocalAndLookup(t *testing.T) {
	client := objclient.NewInMemory()
	ctable := claim.NewTable(client, 256, 64)
	c := newTestClaim(t, client, ctable, wire.DMDIR|0755)

	ft := NewTable(wire.Address{IP: 1, Port: 1})
	f, err := ft.InsertLocal(5, "glenda", c)
	require.NoError(t, err)
	require.Equal(t, 1, c.FidCount())

	got, ok := ft.Lookup(5)
	require.True(t, ok)
	require.Same(t, f, got)
}

func TestRemoveLocalDeletesWritableOrphan(t *testing.T) {
	client := objclient.NewInMemory()
	ctable := claim.NewTable(client, 256, 64)
	c := newTestClaim(t, client, ctable, 0644)

	ft := NewTable(wire.Address{})
	_, err := ft.InsertLocal(1, "glenda", c)
	require.NoError(t, err)

	c.MarkDeleted()
	require.NoError(t, ft.Remove(client, NewRemoteSlab(), 1))

	_, err = client.Stat(c.OID(), c.Name())
	require.Error(t, err)
}

func TestRemoveLocalKeepsObjectWhileFidsRemain(t *testing.T) {
	client := objclient.NewInMemory()
	ctable := claim.NewTable(client, 256, 64)
	c := newTestClaim(t, client, ctable, 0644)

	ft := NewTable(wire.Address{})
	_, err := ft.InsertLocal(1, "glenda", c)
	require.NoError(t, err)
	_, err = ft.InsertLocal(2, "glenda", c)
	require.NoError(t, err)

	c.MarkDeleted()
	require.NoError(t, ft.Remove(client, NewRemoteSlab(), 1))

	_, err = client.Stat(c.OID(), c.Name())
	require.NoError(t, err)
}

func TestRemoteSlabReserveSetGetRelease(t *testing.T) {
	slab := NewRemoteSlab()
	w := worker.New()
	rfid := slab.Reserve(w)

	_, ok := slab.Get(rfid)
	require.False(t, ok)

	f := &Fid{num: 99}
	slab.Set(rfid, f)
	got, ok := slab.Get(rfid)
	require.True(t, ok)
	require.Same(t, f, got)

	slab.Release(rfid)
	_, ok = slab.Get(rfid)
	require.False(t, ok)
}

func TestUpdateRemoteDropsClaimLinkage(t *testing.T) {
	client := objclient.NewInMemory()
	ctable := claim.NewTable(client, 256, 64)
	c := newTestClaim(t, client, ctable, wire.DMDIR|0755)

	ft := NewTable(wire.Address{})
	f, err := ft.InsertLocal(1, "glenda", c)
	require.NoError(t, err)
	require.Equal(t, 1, c.FidCount())

	ft.UpdateRemote(f, "sub", wire.Address{IP: 2, Port: 2}, 7)
	require.Equal(t, 0, c.FidCount())
	require.True(t, f.IsRemote())
	require.Equal(t, uint32(7), f.RemoteFid())
}
