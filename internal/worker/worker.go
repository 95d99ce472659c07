// Package worker implements the cooperative task runtime (spec §4.1,
// §5): workers that run request handlers, typed resource locks with
// FIFO waiters, and the retry signal that unwinds a worker back to its
// dispatch point after releasing everything it had reserved.
//
// The original design is a single OS thread holding one coarse
// "biglock", released only around blocking I/O, with retry implemented
// as a non-local jump. This package keeps the same suspension-point
// structure but expresses it with goroutines and channels, the
// idiomatic-Go rendition noted in spec §9: a worker is
// a goroutine, Reserve/Release are the suspension points, and retry is a
// typed error walked back up the call stack rather than a longjmp.
package worker

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var nextID uint64

// Worker is one logical task: the unit that holds resource reservations
// and that retry rewinds. A Worker is not safe for concurrent use by
// more than one goroutine at a time -- it represents single-threaded
// progress through one transaction, exactly as in the original design.
type Worker struct {
	ID int64

	// cleanup is the reservation stack: every successful Reserve pushes
	// its matching Release here, in acquisition order. ReleaseAll drains
	// it, last reservation first, on both retry and normal completion.
	cleanup []func()
}

// New creates a worker with a fresh id, for logging/debugging.
func New() *Worker {
	return &Worker{ID: int64(atomic.AddUint64(&nextID, 1))}
}

func (w *Worker) onAcquire(release func()) {
	w.cleanup = append(w.cleanup, release)
}

// OnCleanup registers release to run during ReleaseAll, in the same
// most-recently-added-first order as lock reservations. Used for
// non-lock resources that a worker must unwind on retry, e.g. a
// reserved remote-fid slot (spec §4.7 reserve_remote).
func (w *Worker) OnCleanup(release func()) {
	w.onAcquire(release)
}

// ReleaseAll runs every pending release, most-recently-acquired first,
// and clears the stack. Called once per transaction, on both normal
// completion and retry -- the same list drives both, per spec §4.1.
func (w *Worker) ReleaseAll() {
	for i := len(w.cleanup) - 1; i >= 0; i-- {
		w.cleanup[i]()
	}
	w.cleanup = nil
}

// retrySignal is the error retry(worker) returns in the original design.
// It carries no resources: Runtime.Run calls the worker's ReleaseAll as
// soon as the transaction returns, before it checks for a retry signal.
type retrySignal struct{ reason string }

func (r retrySignal) Error() string { return fmt.Sprintf("retry: %s", r.reason) }

// Retry builds the sentinel error a handler returns to request that its
// transaction be unwound and re-dispatched from scratch (spec §4.1,
// §5 "Cancellation and timeouts"). reason is for logging only.
func Retry(reason string) error { return retrySignal{reason: reason} }

// IsRetry reports whether err is (or wraps) a retry signal.
func IsRetry(err error) bool {
	var r retrySignal
	return errors.As(err, &r)
}
