package worker

import log "github.com/sirupsen/logrus"

// Runtime is the worker pool/scheduler: it owns the biglock and drives
// the retry loop (spec §4.1, §5).
type Runtime struct {
	Big *Biglock
	Log *log.Logger
}

func NewRuntime(logger *log.Logger) *Runtime {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Runtime{Big: NewBiglock(), Log: logger}
}

// Run executes fn as one transaction under a fresh Worker, holding the
// biglock for the duration except where fn itself yields around
// blocking I/O. If fn returns a retry signal, every resource the worker
// acquired is released and fn is re-dispatched from scratch -- the
// worker pool equivalent of the original non-local jump back to the
// transaction's dispatch point (spec §4.1).
func (rt *Runtime) Run(fn func(w *Worker) error) error {
	rt.Big.Acquire()
	defer rt.Big.Release()
	for {
		w := New()
		err := fn(w)
		w.ReleaseAll()
		if IsRetry(err) {
			rt.Log.WithField("worker", w.ID).Debug("retrying transaction")
			continue
		}
		return err
	}
}

// Spawn runs fn on its own goroutine under the same biglock discipline,
// returning a channel that receives fn's final (non-retry) error.
// Nothing in this repository calls it; the dispatcher uses Run.
func (rt *Runtime) Spawn(fn func(w *Worker) error) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- rt.Run(fn)
	}()
	return done
}

// LockJoin acquires every lock in locks, exclusively, in the order
// given. Callers must pass locks pre-sorted in canonical order
// (ascending lease pathname, per spec §4.1 lock_lease_join) so that two
// workers locking an overlapping set of leases always contend for them
// in the same order and cannot deadlock.
func LockJoin(w *Worker, locks []*LeaseLock) {
	for _, l := range locks {
		l.AcquireExclusive(w)
	}
}
