// Command envoy runs one node of the distributed 9P namespace: it
// serves 9P2000.u to ordinary clients on ListenAddr, the envoy-to-envoy
// extension protocol to other envoys on PeerListenAddr, and talks to a
// storage server over net/rpc for every object read or write. Modeled
// on cmd/musclefs/musclefs.go's main: load config, build the
// dependency graph, start the gops agent, start listening, wait for a
// signal.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gops/agent"
	"github.com/lionkov/go9p/p/srv"
	logrus "github.com/sirupsen/logrus"

	"github.com/nicolagi/envoy9p/internal/claim"
	"github.com/nicolagi/envoy9p/internal/config"
	"github.com/nicolagi/envoy9p/internal/dispatch"
	"github.com/nicolagi/envoy9p/internal/fid"
	"github.com/nicolagi/envoy9p/internal/linuxerr"
	"github.com/nicolagi/envoy9p/internal/netutil"
	"github.com/nicolagi/envoy9p/internal/objclient"
	"github.com/nicolagi/envoy9p/internal/policy"
	"github.com/nicolagi/envoy9p/internal/walk"
	"github.com/nicolagi/envoy9p/internal/wire"
	"github.com/nicolagi/envoy9p/internal/worker"
)

func main() {
	// Do NOT turn on agent.ShutdownCleanup: gops would then call
	// os.Exit from its own signal handler. The signal wait at the end of
	// main logs the shutdown and returns; it does not wait for
	// in-flight workers.
	if err := agent.Listen(agent.Options{}); err != nil {
		log.Printf("Could not start gops agent: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	base := flag.String("base", config.DefaultBaseDirectoryPath, "Base directory for configuration and logs")
	initFlag := flag.Bool("init", false, "Write a starter config to -base and exit")
	listenAddr := flag.String("listen", "", "Override the configured client-facing listen address")
	flag.Parse()

	if *initFlag {
		if err := config.Initialize(*base); err != nil {
			log.Fatalf("Could not initialize config at %q: %v", *base, err)
		}
		return
	}

	cfg, err := config.Load(*base)
	if err != nil {
		log.Fatalf("Could not load config from %q: %v", *base, err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	// The peers map (spec §9: cluster membership discovery is a
	// non-goal) names every envoy, including this one, by the same
	// address it listens on for peer connections, so self is just that
	// address parsed back out.
	self, err := wire.ParseAddress(cfg.PeerListenAddr)
	if err != nil {
		log.Fatalf("Could not parse peer-listen-addr %q: %v", cfg.PeerListenAddr, err)
	}

	objects, err := objclient.Dial(cfg.StorageNet, cfg.StorageAddr)
	if err != nil {
		log.Fatalf("Could not dial storage server at %s!%s: %v", cfg.StorageNet, cfg.StorageAddr, err)
	}

	rootOID, err := cfg.RootObjectID()
	if err != nil {
		log.Fatalf("Could not determine root object id: %v", err)
	}
	if !rootOID.Valid() {
		rootOID, err = objects.ReserveOID()
		if err != nil {
			log.Fatalf("Could not reserve root object id: %v", err)
		}
		if err := objects.Create(rootOID, wire.DMDIR|0755, 0, "root", "root", ""); err != nil {
			log.Fatalf("Could not create root directory object: %v", err)
		}
		logger.WithField("oid", rootOID).Warn("generated a fresh root object; persist root-oid in the config file to reuse it across restarts")
	}

	fidTable := fid.NewTable(self)

	claims := claim.NewTable(objects, 0, 0)
	claims.Fids = fidTable
	rootLease := claims.NewLocalLease("", false, claim.Writable, rootOID, wire.DMDIR|0755)

	// The admin index directory (spec §4.5 Snapshot "suitable for
	// recording in an admin index", §4.6 "Attach-specific") is created
	// once, alongside the root, rather than lazily: it has to exist
	// before any attach or control-file write can target it. A restart
	// against a persisted root-oid will find the entry already there.
	snapshotsOID, err := objects.ReserveOID()
	if err != nil {
		log.Fatalf("Could not reserve snapshots directory object id: %v", err)
	}
	if err := objects.Create(snapshotsOID, wire.DMDIR|0755, 0, "root", "root", ""); err != nil {
		log.Fatalf("Could not create snapshots directory object: %v", err)
	}
	if err := claims.CreateEntry(rootLease.Root(), "snapshots", snapshotsOID, false); err != nil && !linuxerr.Is(err, linuxerr.EEXIST) {
		log.Fatalf("Could not link snapshots directory: %v", err)
	}

	// The control file a client writes admin commands to (snapshot,
	// revoke) and reads their output back from. Created as an ordinary
	// object-backed file: only dispatch.Ops.Write special-cases its path.
	ctlOID, err := objects.ReserveOID()
	if err != nil {
		log.Fatalf("Could not reserve snapshots control file object id: %v", err)
	}
	if err := objects.Create(ctlOID, 0644, 0, "root", "root", ""); err != nil {
		log.Fatalf("Could not create snapshots control file object: %v", err)
	}
	snapshotsClaim := claim.New(rootLease.Root(), "snapshots", claim.Writable, snapshotsOID, wire.DMDIR|0755)
	if err := claims.CreateEntry(snapshotsClaim, "ctl", ctlOID, false); err != nil && !linuxerr.Is(err, linuxerr.EEXIST) {
		log.Fatalf("Could not link snapshots control file: %v", err)
	}

	peers := dispatch.NewPeerTransport()
	engine := walk.NewEngine(claims, objects, peers)
	engine.Policy = policy.NoMigration{}
	engine.GrantTransport = peers
	engine.AdminPrefix = "snapshots"
	engine.Self = self

	ops := &dispatch.Ops{
		Runtime: worker.NewRuntime(logger),
		Claims:  claims,
		Objects: objects,
		Fids:    fidTable,
		Remote:  fid.NewRemoteSlab(),
		Walker:  engine,
		Peers:   peers,
		Self:    self,
		Log:     logger,
	}

	fs := &srv.Srv{}
	fs.Dotu = false
	fs.Id = "envoy"
	if !fs.Start(ops) {
		log.Fatal("go9p/p/srv.Srv.Start returned false")
	}

	go func() {
		listener, err := netutil.Listen(cfg.ListenNet, cfg.ListenAddr)
		if err != nil {
			log.Fatalf("Could not start client listener: %v", err)
		}
		if err := fs.StartListener(listener); err != nil {
			log.Fatalf("Could not start 9P listener: %v", err)
		}
	}()

	go func() {
		peerListener, err := netutil.Listen(cfg.PeerListenNet, cfg.PeerListenAddr)
		if err != nil {
			log.Fatalf("Could not start peer listener: %v", err)
		}
		ops.ServePeers(peerListener)
	}()

	logger.WithFields(logrus.Fields{
		"client": cfg.ListenAddr,
		"peer":   cfg.PeerListenAddr,
	}).Info("envoy started")

	<-sigc
	logger.Info("shutting down")
}
