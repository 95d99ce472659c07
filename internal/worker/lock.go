package worker

import "sync"

// Kind names the resource lock classes of spec §4.1: Directory
// (objectdir), OpenFile, Fid, Claim, Lease (shared/exclusive, see
// LeaseLock), Walk-cache entry, RemoteFid. Used only for logging --
// the lock mechanics are identical across kinds except for Lease.
type Kind uint8

const (
	KindDirectory Kind = iota
	KindOpenFile
	KindFid
	KindClaim
	KindWalkCacheEntry
	KindRemoteFid
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindOpenFile:
		return "open-file"
	case KindFid:
		return "fid"
	case KindClaim:
		return "claim"
	case KindWalkCacheEntry:
		return "walk-cache-entry"
	case KindRemoteFid:
		return "remote-fid"
	default:
		return "unknown"
	}
}

type waiter struct {
	w  *Worker
	ch chan struct{}
}

// ResourceLock is a single-owner, FIFO-queued lock for one object of one
// of the simple (non-Lease) resource kinds. reserve/release in spec
// §4.1 map directly to Reserve/Release here.
type ResourceLock struct {
	kind Kind

	mu      sync.Mutex
	owner   *Worker
	waiters []waiter
}

func NewResourceLock(kind Kind) *ResourceLock {
	return &ResourceLock{kind: kind}
}

func (l *ResourceLock) Kind() Kind { return l.kind }

// Reserve blocks until w owns the lock, then registers the matching
// release on w's cleanup stack so retry or normal completion both give
// it back. There is no timeout (spec §5): the only way to stop waiting
// is for whoever holds it to release it.
func (l *ResourceLock) Reserve(w *Worker) {
	l.mu.Lock()
	if l.owner == w {
		// Already held by this worker, e.g. "." during a walk, or a
		// lease-root claim reached both directly and via get_parent.
		// A worker's reservations are not stacked, so this is a no-op
		// rather than a second cleanup entry.
		l.mu.Unlock()
		return
	}
	if l.owner == nil {
		l.owner = w
		l.mu.Unlock()
		w.onAcquire(func() { l.Release(w) })
		return
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, waiter{w: w, ch: ch})
	l.mu.Unlock()
	<-ch
	w.onAcquire(func() { l.Release(w) })
}

// Release gives up ownership, handing it directly to the next FIFO
// waiter if any (spec §5: "if workers A then B wait for the same
// resource, A is woken first").
func (l *ResourceLock) Release(w *Worker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != w {
		return
	}
	if len(l.waiters) == 0 {
		l.owner = nil
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.owner = next.w
	close(next.ch)
}

// HasWaiters reports whether any worker is queued behind the current
// owner. The claim tree's release path (spec §4.4) checks this before
// evicting a claim to its lease's cache.
func (l *ResourceLock) HasWaiters() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters) > 0
}

// TryReserve acquires the lock only if free, without blocking. Used by
// claim-tree lookups that want to probe a child's lock without
// committing to wait behind it (e.g. cache-eviction races).
func (l *ResourceLock) TryReserve(w *Worker) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != nil {
		return false
	}
	l.owner = w
	w.onAcquire(func() { l.Release(w) })
	return true
}
