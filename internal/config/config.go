package config

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	mathrand "math/rand"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/nicolagi/envoy9p/internal/wire"
)

var (
	// DefaultBaseDirectoryPath is where envoy and the storage server
	// store configuration and data. It defaults to $ENVOY_BASE if set,
	// otherwise to $HOME/lib/envoy. Commands override this via the
	// -base flag.
	DefaultBaseDirectoryPath string
)

func init() {
	if base := os.Getenv("ENVOY_BASE"); base != "" {
		DefaultBaseDirectoryPath = base
	} else {
		// The portable way of doing this is by using the os/user package,
		// but this is only intended to run on Linux or NetBSD.
		DefaultBaseDirectoryPath = os.ExpandEnv("$HOME/lib/envoy")
	}
}

// C is an envoy's or storage server's configuration, loaded from the
// base directory's "config" file (spec §4.9).
type C struct {
	// Listen on localhost or a local-only network, e.g., one for
	// containers hosted on your computer. There is no authentication
	// nor TLS, so the file server must not be exposed on a public
	// address.
	ListenNet  string
	ListenAddr string

	// PeerListenNet/PeerListenAddr is where this envoy accepts
	// connections from other envoys for the envoy-to-envoy protocol
	// (spec §6 extension messages), distinct from ListenAddr, which
	// serves 9P2000.u to ordinary clients.
	PeerListenNet  string
	PeerListenAddr string

	// StorageNet/StorageAddr is the object client's RPC target (C2,
	// C12): the net/rpc address of a storage server process.
	StorageNet  string
	StorageAddr string

	// PeersFile, if non-empty, names a file with one "name addr" pair
	// per line, loaded in addition to any inline peer lines in this
	// same config file. Cluster membership discovery is explicitly a
	// non-goal (spec §9), so this static table is the only source of
	// peer addresses.
	PeersFile string
	Peers     map[string]wire.Address

	// MaxMessageSize bounds the size of a single 9P or envoy-protocol
	// message, clamped to [wire.GLOBAL_MIN_SIZE, wire.GLOBAL_MAX_SIZE]
	// at load time (spec §6).
	MaxMessageSize uint32

	// LogLevel is a logrus level name: "debug", "info", "warn", "error".
	LogLevel string

	// ClientMount is where a 9P client (e.g., a file system built on
	// top of an envoy namespace) is expected to mount this envoy's
	// client-facing listener. Used only to print mount/umount commands;
	// envoy itself never touches it.
	ClientMount string

	// 64 hex digits - do not lose this or you lose access to all
	// data at rest in the storage server this envoy talks to.
	EncryptionKey string

	// Backend selects the storage server's object store implementation:
	// "disk" (default) or "s3". Only read by cmd/storage, not by envoy
	// itself, which only ever sees objclient.Client.
	Backend string

	// These only make sense if Backend is "s3".
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	// DiskDir is the storage server's disk backend root. If the path is
	// relative, it is resolved relative to the base directory.
	DiskDir string

	// RootOID is the OID of the namespace root directory object this
	// envoy owns a local lease for (spec §4.5: every Table needs a
	// lease rooted at ""), read from the root-oid key. -init does not
	// write it: when it is unset the envoy creates a fresh root object
	// at startup and logs its OID, and only a root-oid added to the
	// config file by hand makes restarts reattach to the same root.
	RootOID string

	// Directory holding the envoy config file and other files. Other
	// directories and files are derived from this.
	base string

	// Computed from the corresponding string at load time.
	encryptionKey []byte
}

// Load loads the configuration from the file called "config" in the
// provided base directory.
func Load(base string) (*C, error) {
	filename := filepath.Join(base, "config")
	if fi, err := os.Stat(filename); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	} else if fi.Mode()&0077 != 0 {
		return nil, fmt.Errorf("config.Load %q: mode is %#o, want at most %#o",
			filename, fi.Mode()&0777, fi.Mode()&0700)
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Ignore error closing file opened only for reading.
		_ = f.Close()
	}()
	c, err := load(f)
	if err != nil {
		return nil, err
	}
	c.base = base

	if c.PeersFile != "" {
		path := c.PeersFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		pf, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: peers-file %q: %w", path, err)
		}
		err = loadPeers(pf, c.Peers)
		_ = pf.Close()
		if err != nil {
			return nil, err
		}
	}

	if c.EncryptionKey != "" {
		c.encryptionKey, err = hex.DecodeString(c.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", c.EncryptionKey, err)
		}
	}

	if c.ListenNet == "" && c.ListenAddr == "" {
		c.ListenNet = "unix"
	}
	if c.ListenNet == "unix" && c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf("%s/envoy", clientNamespace())
	}
	if c.Backend == "" {
		c.Backend = "disk"
	}
	if c.DiskDir != "" && !filepath.IsAbs(c.DiskDir) {
		c.DiskDir = filepath.Clean(filepath.Join(c.base, c.DiskDir))
	}

	switch {
	case c.MaxMessageSize < wire.GLOBAL_MIN_SIZE:
		c.MaxMessageSize = wire.GLOBAL_MIN_SIZE
	case c.MaxMessageSize > wire.GLOBAL_MAX_SIZE:
		c.MaxMessageSize = wire.GLOBAL_MAX_SIZE
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	return c, nil
}

func load(f io.Reader) (*C, error) {
	c := C{Peers: make(map[string]wire.Address)}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		i := strings.IndexAny(line, " \t")
		if i == -1 {
			return nil, fmt.Errorf("load: no separator in %q", line)
		}
		key, rest := line[:i], strings.TrimSpace(line[i:])
		if key == "peer" {
			name, addr, err := parsePeerLine(rest)
			if err != nil {
				return nil, fmt.Errorf("load: %w", err)
			}
			c.Peers[name] = addr
			continue
		}
		switch key {
		case "listen-net":
			c.ListenNet = rest
		case "listen-addr":
			c.ListenAddr = rest
		case "peer-listen-net":
			c.PeerListenNet = rest
		case "peer-listen-addr":
			c.PeerListenAddr = rest
		case "storage-net":
			c.StorageNet = rest
		case "storage-addr":
			c.StorageAddr = rest
		case "peers-file":
			c.PeersFile = rest
		case "max-message-size":
			n, err := strconv.ParseUint(rest, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("load: max-message-size: %w", err)
			}
			c.MaxMessageSize = uint32(n)
		case "log-level":
			c.LogLevel = rest
		case "client-mount":
			c.ClientMount = rest
		case "backend":
			c.Backend = rest
		case "s3-region":
			c.S3Region = rest
		case "s3-bucket":
			c.S3Bucket = rest
		case "s3-access-key":
			c.S3AccessKey = rest
		case "s3-secret-key":
			c.S3SecretKey = rest
		case "disk-dir":
			c.DiskDir = rest
		case "encryption-key":
			c.EncryptionKey = rest
		case "root-oid":
			c.RootOID = rest
		default:
			return nil, fmt.Errorf("load: unknown key %q", key)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return &c, nil
}

func parsePeerLine(rest string) (name string, addr wire.Address, err error) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return "", wire.Address{}, fmt.Errorf("peer line %q: want \"name addr\"", rest)
	}
	addr, err = wire.ParseAddress(fields[1])
	if err != nil {
		return "", wire.Address{}, fmt.Errorf("peer line %q: %w", rest, err)
	}
	return fields[0], addr, nil
}

func loadPeers(f io.Reader, into map[string]wire.Address) error {
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		name, addr, err := parsePeerLine(line)
		if err != nil {
			return fmt.Errorf("loadPeers: %w", err)
		}
		into[name] = addr
	}
	return s.Err()
}

func (c *C) CacheDirectoryPath() string {
	return path.Join(c.base, "cache")
}

func (c *C) EncryptionKeyBytes() []byte {
	return c.encryptionKey
}

// RootObjectID parses RootOID, returning wire.NOOID if it is unset.
func (c *C) RootObjectID() (wire.OID, error) {
	if c.RootOID == "" {
		return wire.NOOID, nil
	}
	n, err := strconv.ParseUint(c.RootOID, 16, 64)
	if err != nil {
		return wire.NOOID, fmt.Errorf("config: root-oid %q: %w", c.RootOID, err)
	}
	return wire.OID(n), nil
}

// See https://www.kernel.org/doc/Documentation/filesystems/9p.txt.
func linuxMountCommand(net string, addr string, mountpoint string) (string, error) {
	const method = "linuxMountCommand"
	uid, gid := os.Getuid(), os.Getgid()
	switch net {
	case "unix":
		return fmt.Sprintf("sudo mount -t 9p %v %v -o trans=unix,dfltuid=%d,dfltgid=%d,cache=none,noextend,msize=131072", addr, mountpoint, uid, gid), nil
	case "tcp":
		if parts := strings.Split(addr, ":"); len(parts) != 2 {
			return "", errorf(method, "mailformed host-port pair: %q", addr)
		} else {
			return fmt.Sprintf("sudo mount -t 9p %v %v -o trans=tcp,port=%v,dfltuid=%d,dfltgid=%d,cache=none,noextend,msize=131072", parts[0], mountpoint, parts[1], uid, gid), nil
		}
	default:
		return "", errorf(method, "unhandled network type: %v", net)
	}
}

// See mount_9p(8).
func netbsdMountCommand(net string, addr string, mountpoint string) (string, error) {
	const method = "netbsdMountCommand"
	if net != "tcp" {
		return "", errorf(method, "unsupported network: %q", net)
	}
	if parts := strings.Split(addr, ":"); len(parts) != 2 {
		return "", errorf(method, "mailformed host-port pair: %q", addr)
	} else {
		return fmt.Sprintf("sudo mount_9p -p %v %v %v", parts[1], parts[0], mountpoint), nil
	}
}

func (c *C) MountCommands() ([]string, error) {
	switch runtime.GOOS {
	case "linux":
		cmd1, err := linuxMountCommand(c.ListenNet, c.ListenAddr, c.ClientMount)
		if err != nil {
			return nil, err
		}
		return []string{cmd1}, nil
	case "netbsd":
		cmd1, err := netbsdMountCommand(c.ListenNet, c.ListenAddr, c.ClientMount)
		if err != nil {
			return nil, err
		}
		return []string{cmd1}, nil
	default:
		return nil, fmt.Errorf("don't know how to mount on %v", runtime.GOOS)
	}
}

func (c *C) UmountCommands() ([]string, error) {
	switch runtime.GOOS {
	case "linux", "netbsd":
		return []string{
			fmt.Sprintf("sudo umount %s", c.ClientMount),
		}, nil
	default:
		return nil, fmt.Errorf("don't know how to umount on %v", runtime.GOOS)
	}
}

// Initialize generates an initial configuration at the given directory.
func Initialize(baseDir string) error {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return fmt.Errorf("%q: could not mkdir: %w", baseDir, err)
	}
	cfgPath := filepath.Join(baseDir, "config")
	_, err := os.Stat(cfgPath)
	if err == nil {
		return fmt.Errorf("%q: already exists", cfgPath)
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("%q: could not determine if it exists: %w", cfgPath, err)
	}

	var buf bytes.Buffer
	mathrand.Seed(time.Now().UnixNano())
	port := 49152 + mathrand.Intn(65535-49152)
	peerPort := 49152 + mathrand.Intn(65535-49152)
	buf.WriteString("listen-net tcp\n")
	fmt.Fprintf(&buf, "listen-addr 127.0.0.1:%d\n", port)
	buf.WriteString("peer-listen-net tcp\n")
	fmt.Fprintf(&buf, "peer-listen-addr 127.0.0.1:%d\n", peerPort)
	buf.WriteString("storage-net tcp\n")
	buf.WriteString("storage-addr 127.0.0.1:9923\n")
	fmt.Fprintf(&buf, "max-message-size %d\n", wire.GLOBAL_MAX_SIZE)
	buf.WriteString("log-level info\n")
	buf.WriteString("client-mount /mnt/envoy\n")
	b := make([]byte, 32)
	n, err := rand.Read(b)
	if err != nil {
		return fmt.Errorf("could not read 32 random bytes: %w", err)
	}
	if n != 32 {
		return fmt.Errorf("could not read 32 random bytes, got only %d", n)
	}
	fmt.Fprintf(&buf, "encryption-key %02x\n", b)
	err = ioutil.WriteFile(cfgPath, buf.Bytes(), 0600)
	if err != nil {
		return fmt.Errorf("config.Initialize %q: %w", cfgPath, err)
	}
	return nil
}

var dotZero = regexp.MustCompile(`\A(.*:\d+)\.0\z`)

// clientNamespace returns the path to the name space directory.
func clientNamespace() string {
	ns := os.Getenv("NAMESPACE")
	if ns != "" {
		return ns
	}

	disp := os.Getenv("DISPLAY")
	if disp == "" {
		// No $DISPLAY? Use :0.0 for non-X11 GUI (OS X).
		disp = ":0.0"
	}

	// Canonicalize: xxx:0.0 => xxx:0.
	if m := dotZero.FindStringSubmatch(disp); m != nil {
		disp = m[1]
	}

	// Turn /tmp/launch/:0 into _tmp_launch_:0 (OS X 10.5).
	disp = strings.Replace(disp, "/", "_", -1)

	return fmt.Sprintf("/tmp/ns.%s.%s", os.Getenv("USER"), disp)
}
