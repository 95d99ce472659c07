package dispatch

import (
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/nicolagi/envoy9p/internal/claim"
	"github.com/nicolagi/envoy9p/internal/fid"
	"github.com/nicolagi/envoy9p/internal/objclient"
	"github.com/nicolagi/envoy9p/internal/wire"
	"github.com/nicolagi/envoy9p/internal/worker"
)

// newTestOps builds one envoy's dispatcher against a shared storage
// client, mirroring how two real envoy processes both talk to the same
// storage server (internal/objclient.RemoteClient in production) while
// each keeps its own claim table, fid table and peer transport.
func newTestOps(t *testing.T, client objclient.Client, self wire.Address) *Ops {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	fids := fid.NewTable(self)
	claims := claim.NewTable(client, 256, 64)
	claims.Fids = fids
	return &Ops{
		Runtime: worker.NewRuntime(logger),
		Claims:  claims,
		Objects: client,
		Fids:    fids,
		Remote:  fid.NewRemoteSlab(),
		Peers:   NewPeerTransport(),
		Self:    self,
		Log:     logger,
	}
}

// startPeerListener starts ops.ServePeers on a loopback port and
// returns the wire.Address other envoys should dial to reach it.
func startPeerListener(t *testing.T, ops *Ops) wire.Address {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go ops.ServePeers(ln)
	addr, err := wire.ParseAddress(ln.Addr().String())
	require.NoError(t, err)
	return addr
}

func mkAdminOID(t *testing.T, client objclient.Client, mode uint32) wire.OID {
	t.Helper()
	oid, err := client.ReserveOID()
	require.NoError(t, err)
	require.NoError(t, client.Create(oid, mode, 1, "glenda", "glenda", ""))
	return oid
}

// TestHandleRevokeHandsLeaseBack exercises spec §8's "grant followed by
// symmetric revoke" property end to end over real loopback connections:
// envoy A grants "docs" to envoy B, B revokes it back, and A should end
// up with "docs" as an ordinary local claim again, not a dangling
// RemoteExit.
func TestHandleRevokeHandsLeaseBack(t *testing.T) {
	client := objclient.NewInMemory()
	aAddr := wire.Address{IP: 0x7f000001, Port: 1}
	a := newTestOps(t, client, aAddr)
	bAddr := wire.Address{IP: 0x7f000001, Port: 2}
	b := newTestOps(t, client, bAddr)

	realAAddr := startPeerListener(t, a)
	realBAddr := startPeerListener(t, b)
	a.Self, a.Fids = realAAddr, a.Fids
	b.Self = realBAddr

	rootOID := mkAdminOID(t, client, wire.DMDIR|0755)
	aLease := a.Claims.NewLocalLease("", false, claim.Writable, rootOID, wire.DMDIR|0755)
	docsOID := mkAdminOID(t, client, wire.DMDIR|0755)
	require.NoError(t, a.Claims.CreateEntry(aLease.Root(), "docs", docsOID, false))

	w := worker.New()
	docs, err := a.Claims.Find(w, "docs")
	require.NoError(t, err)
	aLease.AcquireExclusive(w)
	require.NoError(t, a.Claims.Grant(w, aLease, docs, realBAddr, a.Peers))

	_, ok := a.Claims.GetRemote("docs")
	require.True(t, ok, "A should have replaced docs with a RemoteExit after granting it away")

	bLease, ok := b.Claims.Get("docs")
	require.True(t, ok, "B should have accepted the granted lease over the wire")
	require.Equal(t, docsOID, bLease.Root().OID())

	reply := b.handleRevoke(wire.TRevoke{Pathname: "docs", Requester: realAAddr})
	require.Zero(t, reply.Errnum)

	_, ok = a.Claims.GetRemote("docs")
	require.False(t, ok, "A's RemoteExit for docs should be gone once the lease is merged back")
	_, ok = a.Claims.Get("docs")
	require.False(t, ok, "docs should be merged back into A's root lease, not standing on its own")

	w2 := worker.New()
	merged, err := a.Claims.Find(w2, "docs")
	require.NoError(t, err)
	require.Equal(t, docsOID, merged.OID())
	require.Equal(t, aLease, merged.Lease())
	merged.Release(w2)
}

// TestHandleSnapshotRemoteFreezesAndReports exercises the inbound half
// of a cross-envoy recursive snapshot: a peer sends TESnapshot for a
// lease we hold locally, and we should freeze it and report its OID,
// exactly as Table.Snapshot does for a purely local lease.
func TestHandleSnapshotRemoteFreezesAndReports(t *testing.T) {
	client := objclient.NewInMemory()
	self := wire.Address{IP: 0x7f000001, Port: 3}
	ops := newTestOps(t, client, self)

	rootOID := mkAdminOID(t, client, wire.DMDIR|0755)
	ops.Claims.NewLocalLease("archive", false, claim.Writable, rootOID, wire.DMDIR|0755)

	reply := ops.handleSnapshotRemote(wire.TSnapshot{Pathname: "archive"})
	require.Zero(t, reply.Errnum)
	require.Equal(t, rootOID, reply.OID)
}

// TestHandleSnapshotRemoteReportsMissingLease confirms a request for a
// pathname this envoy does not hold is rejected rather than silently
// acknowledged.
func TestHandleSnapshotRemoteReportsMissingLease(t *testing.T) {
	client := objclient.NewInMemory()
	self := wire.Address{IP: 0x7f000001, Port: 4}
	ops := newTestOps(t, client, self)

	reply := ops.handleSnapshotRemote(wire.TSnapshot{Pathname: "nope"})
	require.NotZero(t, reply.Errnum)
}
