package storageserver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicolagi/envoy9p/internal/objclient"
	"github.com/nicolagi/envoy9p/internal/wire"
)

func newTestDisk(t *testing.T) *Disk {
	t.Helper()
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)
	return d
}

func TestDiskCreateStatReadWrite(t *testing.T) {
	d := newTestDisk(t)

	oid, err := d.ReserveOID()
	require.NoError(t, err)
	require.NoError(t, d.Create(oid, 0644, 1000, "glenda", "glenda", ""))

	st, err := d.Stat(oid, "f")
	require.NoError(t, err)
	require.EqualValues(t, 0644, st.Mode)
	require.Equal(t, "glenda", st.Uid)
	require.EqualValues(t, 0, st.Length)

	n, err := d.Write(oid, 2000, 0, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	got, err := d.Read(oid, 0, 0, 5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	st, err = d.Stat(oid, "f")
	require.NoError(t, err)
	require.EqualValues(t, 5, st.Length)
	require.EqualValues(t, 2000, st.Mtime)
}

func TestDiskReadPastEOFTruncatesShort(t *testing.T) {
	d := newTestDisk(t)
	oid, err := d.ReserveOID()
	require.NoError(t, err)
	require.NoError(t, d.Create(oid, 0644, 1000, "glenda", "glenda", ""))
	_, err = d.Write(oid, 1000, 0, []byte("abc"))
	require.NoError(t, err)

	got, err := d.Read(oid, 0, 0, 100)
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))
}

func TestDiskWstatRenamesUnderlyingFile(t *testing.T) {
	d := newTestDisk(t)
	oid, err := d.ReserveOID()
	require.NoError(t, err)
	require.NoError(t, d.Create(oid, 0644, 1000, "glenda", "glenda", ""))

	require.NoError(t, d.Wstat(oid, wire.StatRecord{Mode: 0600, Uid: "anna"}))

	st, err := d.Stat(oid, "f")
	require.NoError(t, err)
	require.EqualValues(t, 0600, st.Mode)
	require.Equal(t, "anna", st.Uid)
}

func TestDiskCloneCopiesContent(t *testing.T) {
	d := newTestDisk(t)
	oldOID, err := d.ReserveOID()
	require.NoError(t, err)
	require.NoError(t, d.Create(oldOID, 0644, 1000, "glenda", "glenda", ""))
	_, err = d.Write(oldOID, 1000, 0, []byte("data"))
	require.NoError(t, err)

	newOID, err := d.ReserveOID()
	require.NoError(t, err)
	require.NoError(t, d.Clone(oldOID, newOID))

	got, err := d.Read(newOID, 0, 0, 4)
	require.NoError(t, err)
	require.Equal(t, "data", string(got))
}

func TestDiskTruncateAndDelete(t *testing.T) {
	d := newTestDisk(t)
	oid, err := d.ReserveOID()
	require.NoError(t, err)
	require.NoError(t, d.Create(oid, 0644, 1000, "glenda", "glenda", ""))
	_, err = d.Write(oid, 1000, 0, []byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, d.Truncate(oid, 1001, 4))
	st, err := d.Stat(oid, "f")
	require.NoError(t, err)
	require.EqualValues(t, 4, st.Length)

	require.NoError(t, d.Delete(oid))
	_, err = d.Stat(oid, "f")
	require.ErrorIs(t, err, objclient.ErrNotFound)
}

func TestDiskNestedDirLayout(t *testing.T) {
	d := newTestDisk(t)
	a, err := d.ReserveOID()
	require.NoError(t, err)
	b, err := d.ReserveOID()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Equal(t, wire.OID(1<<BitsPerDirObjects), a)
	require.Equal(t, wire.OID(2<<BitsPerDirObjects), b)
}
