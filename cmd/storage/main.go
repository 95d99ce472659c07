// Command storage runs the storage server (C12): an objclient.ObjectStore
// (disk- or S3-backed, internal/storageserver) exposed to envoys over
// net/rpc, grounded on internal/objclient's ObjectService/RemoteClient
// pair the way muscle's storage.StoreService/RemoteStore talk to each
// other.
package main

import (
	"flag"
	"log"
	"net"
	"net/http"
	"net/rpc"

	"github.com/nicolagi/envoy9p/internal/config"
	"github.com/nicolagi/envoy9p/internal/objclient"
	"github.com/nicolagi/envoy9p/internal/storageserver"
)

func main() {
	base := flag.String("base", config.DefaultBaseDirectoryPath, "Base directory for configuration")
	net_ := flag.String("net", "", "Override the configured network to listen on")
	addr := flag.String("addr", "", "Override the configured address to listen on")
	flag.Parse()

	cfg, err := config.Load(*base)
	if err != nil {
		log.Fatalf("Could not load config from %q: %v", *base, err)
	}
	if *net_ != "" {
		cfg.StorageNet = *net_
	}
	if *addr != "" {
		cfg.StorageAddr = *addr
	}

	store, err := newStore(cfg)
	if err != nil {
		log.Fatalf("Could not open %s object store: %v", cfg.Backend, err)
	}

	service := objclient.NewObjectService(store)
	if err := rpc.Register(service); err != nil {
		log.Fatalf("Could not register object service: %v", err)
	}
	rpc.HandleHTTP()

	listener, err := net.Listen(cfg.StorageNet, cfg.StorageAddr)
	if err != nil {
		log.Fatalf("Could not listen on %s!%s: %v", cfg.StorageNet, cfg.StorageAddr, err)
	}
	log.Printf("storage server (%s backend) listening on %s!%s", cfg.Backend, cfg.StorageNet, cfg.StorageAddr)
	if err := http.Serve(listener, nil); err != nil {
		log.Fatalf("Storage server stopped: %v", err)
	}
}

func newStore(cfg *config.C) (objclient.ObjectStore, error) {
	switch cfg.Backend {
	case "s3":
		return storageserver.NewS3(cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
	default:
		dir := cfg.DiskDir
		if dir == "" {
			dir = cfg.CacheDirectoryPath()
		}
		return storageserver.NewDisk(dir)
	}
}
