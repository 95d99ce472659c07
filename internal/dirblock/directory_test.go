package dirblock

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicolagi/envoy9p/internal/linuxerr"
	"github.com/nicolagi/envoy9p/internal/objclient"
	"github.com/nicolagi/envoy9p/internal/wire"
)

func newTestDirectory(t *testing.T, blockSize int) (*Directory, objclient.Client) {
	t.Helper()
	client := objclient.NewInMemory()
	oid, err := client.ReserveOID()
	require.NoError(t, err)
	require.NoError(t, client.Create(oid, 0, 1, "glenda", "glenda", ""))
	cache := NewCache(64)
	return New(client, oid, blockSize, cache, "lease:/"), client
}

func TestDirectoryCreateFindList(t *testing.T) {
	d, _ := newTestDirectory(t, 256)

	require.NoError(t, d.CreateEntry("alpha", 10, false))
	require.NoError(t, d.CreateEntry("beta", 20, true))

	entry, ok, err := d.FindEntry("alpha")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), uint64(entry.OID))
	require.False(t, entry.CoW)

	entry, ok, err = d.FindEntry("beta")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, entry.CoW)

	_, ok, err = d.FindEntry("missing")
	require.NoError(t, err)
	require.False(t, ok)

	all, err := d.ListEntries()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestDirectoryCreateDuplicateRejected(t *testing.T) {
	d, _ := newTestDirectory(t, 256)
	require.NoError(t, d.CreateEntry("alpha", 10, false))
	err := d.CreateEntry("alpha", 99, false)
	require.ErrorIs(t, err, linuxerr.EEXIST)
}

func TestDirectoryRemoveEntry(t *testing.T) {
	d, _ := newTestDirectory(t, 256)
	require.NoError(t, d.CreateEntry("alpha", 10, false))
	require.NoError(t, d.RemoveEntry("alpha"))

	_, ok, err := d.FindEntry("alpha")
	require.NoError(t, err)
	require.False(t, ok)

	err = d.RemoveEntry("alpha")
	require.ErrorIs(t, err, linuxerr.ENOENT)
}

func TestDirectoryRename(t *testing.T) {
	d, _ := newTestDirectory(t, 256)
	require.NoError(t, d.CreateEntry("alpha", 10, true))

	require.NoError(t, d.Rename("alpha", "omega"))

	_, ok, err := d.FindEntry("alpha")
	require.NoError(t, err)
	require.False(t, ok)

	entry, ok, err := d.FindEntry("omega")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), uint64(entry.OID))
	require.True(t, entry.CoW)
}

func TestDirectoryRenameOntoExisting(t *testing.T) {
	d, _ := newTestDirectory(t, 256)
	require.NoError(t, d.CreateEntry("alpha", 10, false))
	require.NoError(t, d.CreateEntry("beta", 20, false))

	require.NoError(t, d.Rename("alpha", "beta"))

	entry, ok, err := d.FindEntry("beta")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), uint64(entry.OID))

	_, ok, err = d.FindEntry("alpha")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDirectoryChangeOID(t *testing.T) {
	d, _ := newTestDirectory(t, 256)
	require.NoError(t, d.CreateEntry("alpha", 10, true))

	old, err := d.ChangeOID("alpha", 99, false)
	require.NoError(t, err)
	require.Equal(t, uint64(10), uint64(old))

	entry, ok, err := d.FindEntry("alpha")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(99), uint64(entry.OID))
	require.False(t, entry.CoW)
}

func TestDirectoryIsEmpty(t *testing.T) {
	d, _ := newTestDirectory(t, 256)
	empty, err := d.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)

	require.NoError(t, d.CreateEntry("alpha", 10, false))
	empty, err = d.IsEmpty()
	require.NoError(t, err)
	require.False(t, empty)
}

// TestDirectorySpansMultipleBlocks verifies a directory grows a second
// block once the first is full, and that entries in both blocks are
// found and listed correctly -- the multi-block case spec §4.3 calls
// out explicitly.
func TestDirectorySpansMultipleBlocks(t *testing.T) {
	const blockSize = 64
	d, _ := newTestDirectory(t, blockSize)

	var names []string
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("entry-%02d", i)
		names = append(names, name)
		require.NoError(t, d.CreateEntry(name, wire.OID(100+i), false))
	}

	all, err := d.ListEntries()
	require.NoError(t, err)
	require.Len(t, all, 20)

	for _, name := range names {
		_, ok, err := d.FindEntry(name)
		require.NoError(t, err)
		require.True(t, ok, "expected to find %q", name)
	}
}
