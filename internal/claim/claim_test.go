package claim

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicolagi/envoy9p/internal/objclient"
	"github.com/nicolagi/envoy9p/internal/wire"
	"github.com/nicolagi/envoy9p/internal/worker"
)

func newTestTable(t *testing.T) (*Table, objclient.Client) {
	t.Helper()
	client := objclient.NewInMemory()
	table := NewTable(client, 256, 64)
	return table, client
}

func mkdir(t *testing.T, client objclient.Client) wire.OID {
	t.Helper()
	oid, err := client.ReserveOID()
	require.NoError(t, err)
	require.NoError(t, client.Create(oid, wire.DMDIR|0755, 1, "glenda", "glenda", ""))
	return oid
}

func TestTableFindRootAndChild(t *testing.T) {
	table, client := newTestTable(t)
	rootOID := mkdir(t, client)
	lease := table.NewLocalLease("", false, Writable, rootOID, wire.DMDIR|0755)

	childOID := mkdir(t, client)
	dir := lease.root.directory(table.Client, table.BlockSize, table.DirCache)
	require.NoError(t, dir.CreateEntry("sub", childOID, false))

	w := worker.New()
	c, err := table.Find(w, "sub")
	require.NoError(t, err)
	require.Equal(t, childOID, c.OID())
	require.True(t, c.IsDir())
	c.Release(w)
}

func TestTableFindNoSuchLease(t *testing.T) {
	table, _ := newTestTable(t)
	w := worker.New()
	_, err := table.Find(w, "nope/nope")
	require.Error(t, err)
}

func TestThawClonesAndUpdatesParentEntry(t *testing.T) {
	table, client := newTestTable(t)
	rootOID := mkdir(t, client)
	lease := table.NewLocalLease("", false, Writable, rootOID, wire.DMDIR|0755)

	fileOID, err := client.ReserveOID()
	require.NoError(t, err)
	require.NoError(t, client.Create(fileOID, 0644, 1, "glenda", "glenda", ""))

	dir := lease.root.directory(table.Client, table.BlockSize, table.DirCache)
	require.NoError(t, dir.CreateEntry("file", fileOID, true))

	w := worker.New()
	c, err := table.Find(w, "file")
	require.NoError(t, err)
	require.Equal(t, CoW, c.Access())

	require.NoError(t, table.Thaw(w, c))
	require.Equal(t, Writable, c.Access())
	require.NotEqual(t, fileOID, c.OID())

	entry, ok, err := dir.FindEntry("file")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, c.OID(), entry.OID)
	c.Release(w)
}

func TestFreezeSetsWritableDescendantsToCoW(t *testing.T) {
	table, client := newTestTable(t)
	rootOID := mkdir(t, client)
	lease := table.NewLocalLease("", false, Writable, rootOID, wire.DMDIR|0755)

	childOID, err := client.ReserveOID()
	require.NoError(t, err)
	require.NoError(t, client.Create(childOID, 0644, 1, "glenda", "glenda", ""))
	dir := lease.root.directory(table.Client, table.BlockSize, table.DirCache)
	require.NoError(t, dir.CreateEntry("file", childOID, false))

	w := worker.New()
	c, err := table.Find(w, "file")
	require.NoError(t, err)
	require.Equal(t, Writable, c.Access())

	table.Freeze(lease.root)
	require.Equal(t, CoW, lease.root.Access())
	require.Equal(t, CoW, c.Access())
	c.Release(w)
}

func TestChildAccessInheritance(t *testing.T) {
	require.Equal(t, CoW, ChildAccess(Writable, true))
	require.Equal(t, Writable, ChildAccess(Writable, false))
	require.Equal(t, ReadOnly, ChildAccess(ReadOnly, true))
	require.Equal(t, CoW, ChildAccess(CoW, true))
}

func TestClaimRequestRejectsAfterDelete(t *testing.T) {
	table, client := newTestTable(t)
	rootOID := mkdir(t, client)
	lease := table.NewLocalLease("", false, Writable, rootOID, wire.DMDIR|0755)
	require.NoError(t, lease.root.Request())
	lease.root.markDeleted()
	require.Error(t, lease.root.Request())
}
