package fid

import (
	"sync"

	"github.com/nicolagi/envoy9p/internal/worker"
)

// RemoteSlab is the process-wide remote_fid → *Fid table (spec §4.7):
// while a worker is walking or operating across a grant boundary, it
// reserves a slot here, hands the slot number to the peer envoy as the
// rfid of the Tremote* request, and installs the resulting Fid once the
// peer's reply names it. Reservation is registered on the worker's
// cleanup stack so a retry releases any slot it grabbed along the way.
type RemoteSlab struct {
	mu      sync.Mutex
	entries map[uint32]*Fid
	next    uint32
	free    []uint32
}

func NewRemoteSlab() *RemoteSlab {
	return &RemoteSlab{entries: make(map[uint32]*Fid)}
}

// Reserve allocates a slot, registers its release on w's cleanup stack,
// and returns the slot number (spec §4.7 reserve_remote).
func (s *RemoteSlab) Reserve(w *worker.Worker) uint32 {
	s.mu.Lock()
	var id uint32
	if n := len(s.free); n > 0 {
		id = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		id = s.next
		s.next++
	}
	s.entries[id] = nil
	s.mu.Unlock()
	w.OnCleanup(func() { s.Release(id) })
	return id
}

// Set installs f at the previously reserved slot rfid (spec §4.7
// fid_set_remote).
func (s *RemoteSlab) Set(rfid uint32, f *Fid) {
	s.mu.Lock()
	s.entries[rfid] = f
	s.mu.Unlock()
}

// Get returns the Fid installed at rfid, if any (spec §4.7
// fid_get_remote).
func (s *RemoteSlab) Get(rfid uint32) (*Fid, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.entries[rfid]
	return f, ok && f != nil
}

// Release frees rfid for reuse (spec §4.7 release_remote). Safe to
// call twice; the cleanup-stack path and an explicit release both end
// up here, and a slot that no longer exists is simply ignored.
func (s *RemoteSlab) Release(rfid uint32) {
	s.mu.Lock()
	if _, ok := s.entries[rfid]; ok {
		delete(s.entries, rfid)
		s.free = append(s.free, rfid)
	}
	s.mu.Unlock()
}
