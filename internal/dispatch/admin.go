package dispatch

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/nicolagi/envoy9p/internal/claim"
	"github.com/nicolagi/envoy9p/internal/linuxerr"
	"github.com/nicolagi/envoy9p/internal/worker"
)

// adminCtlPath is the control file a client writes one command to at a
// time and reads the result back from (spec §4.5 Snapshot "suitable
// for recording in an admin index"). Grounded on
// cmd/musclefs/control.go's ctl file and musclefs.go's runCommand:
// Write parses and executes the command, buffering its output; Read
// serves whatever the last command produced, exactly like any other
// file in the tree, since the control file is a perfectly ordinary
// object-backed file and only Write is special-cased.
const adminCtlPath = "snapshots/ctl"

// runAdminCommand executes one admin command line and returns the text
// to store as the control file's new contents (spec §4.5, §4.6
// "Attach-specific"). Unrecognized commands and usage errors are
// reported in the output rather than failing the Twrite outright,
// mirroring musclefs's runCommand.
func (ops *Ops) runAdminCommand(w *worker.Worker, line string) []byte {
	var out bytes.Buffer
	args := strings.Fields(line)
	if len(args) == 0 {
		return out.Bytes()
	}
	switch args[0] {
	case "snapshot":
		if len(args) != 2 {
			fmt.Fprintln(&out, "Usage: snapshot PATH")
			break
		}
		if err := ops.recordSnapshot(w, args[1]); err != nil {
			fmt.Fprintf(&out, "snapshot: %v\n", err)
			break
		}
		fmt.Fprintf(&out, "snapshot: recorded %s\n", args[1])
	case "revoke":
		if len(args) != 2 {
			fmt.Fprintln(&out, "Usage: revoke PATH")
			break
		}
		if err := ops.revokePath(args[1]); err != nil {
			fmt.Fprintf(&out, "revoke: %v\n", err)
			break
		}
		fmt.Fprintf(&out, "revoke: reclaimed %s\n", args[1])
	default:
		fmt.Fprintf(&out, "command not recognized: %q\n", args[0])
	}
	return out.Bytes()
}

// recordSnapshot freezes the local lease rooted at path and links the
// resulting OID into the admin index directory (spec §4.5 Snapshot
// "suitable for recording in an admin index"), under a name derived
// from the path and the current time so repeated snapshots of the same
// path accumulate rather than overwrite one another.
func (ops *Ops) recordSnapshot(w *worker.Worker, path string) error {
	path = strings.Trim(path, "/")
	lease, ok := ops.Claims.Get(path)
	if !ok || lease.Kind() != claim.Local {
		return linuxerr.Errorf("%s is not the root of a local lease: %w", path, linuxerr.EINVAL)
	}
	lease.AcquireExclusive(w)
	root := lease.Root()
	root.Reserve(w)
	oid, err := ops.Claims.Snapshot(root, ops.Peers)
	root.Release(w)
	if err != nil {
		return err
	}

	index, err := ops.Claims.Find(w, "snapshots")
	if err != nil {
		return err
	}
	defer index.Release(w)
	index.Lease().AcquireExclusive(w)
	if err := ops.Claims.Thaw(w, index); err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%d", lastElement(path), time.Now().Unix())
	return ops.Claims.CreateEntry(index, name, oid, false)
}

func lastElement(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	if path == "" {
		return "root"
	}
	return path
}

// revokePath asks whichever peer currently holds path as a granted-away
// lease to hand it back (spec §4.8, §8 "grant followed by symmetric
// revoke").
func (ops *Ops) revokePath(path string) error {
	path = strings.Trim(path, "/")
	exit, ok := ops.Claims.GetRemote(path)
	if !ok {
		return linuxerr.Errorf("%s is not a granted-away lease: %w", path, linuxerr.EINVAL)
	}
	reply, err := ops.Peers.Revoke(exit.Address(), path, ops.Self)
	if err != nil {
		return err
	}
	if reply.Errnum != 0 {
		return linuxerr.Errorf("revoke: peer reported errno %d", reply.Errnum)
	}
	return nil
}
