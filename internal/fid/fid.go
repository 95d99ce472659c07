// Package fid implements the fid registry (C7): per-connection mapping
// from client-visible fid numbers to the claim or remote reference they
// name, plus the process-wide remote-fid slab used while a request is
// in flight to a peer envoy (spec §4.6, grounded on original_source's
// fid.c/fid.h).
package fid

import (
	"sync"

	"github.com/nicolagi/envoy9p/internal/claim"
	"github.com/nicolagi/envoy9p/internal/wire"
)

// Status mirrors the client-visible open state of a fid (spec §4.6
// fid_status).
type Status uint8

const (
	StatusUnopened Status = iota
	StatusOpenFile
	StatusOpenDir
)

// Fid is one entry of a connection's fid table: either a local handle
// onto a claim, or a pointer at a remote envoy continuing to hold the
// real claim on this process's behalf (spec §4.6 struct fid).
type Fid struct {
	mu sync.Mutex

	num      uint32
	pathname string
	user     string
	status   Status
	openMode uint8

	// ReaddirCookie is the byte offset reached so far in a Treaddir
	// sequence against this fid (spec §4.6 readdir_cookie).
	ReaddirCookie uint64

	addr wire.Address

	isRemote bool

	// claim is set for local fids.
	claim *claim.Claim

	// raddr/rfid are set for remote fids: the address of, and fid
	// number known to, the envoy that actually owns the claim.
	raddr wire.Address
	rfid  uint32
}

func (f *Fid) Num() uint32              { return f.num }
func (f *Fid) Pathname() string         { return f.pathname }
func (f *Fid) User() string             { return f.user }
func (f *Fid) IsRemote() bool           { return f.isRemote }
func (f *Fid) Claim() *claim.Claim      { return f.claim }
func (f *Fid) RemoteAddr() wire.Address { return f.raddr }
func (f *Fid) RemoteFid() uint32        { return f.rfid }
func (f *Fid) Addr() wire.Address       { return f.addr }

func (f *Fid) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Fid) SetStatus(s Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func (f *Fid) OpenMode() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openMode
}

func (f *Fid) SetOpenMode(m uint8) {
	f.mu.Lock()
	f.openMode = m
	f.mu.Unlock()
}
