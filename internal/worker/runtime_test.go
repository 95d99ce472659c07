package worker

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
)

func TestResourceLockFIFO(t *testing.T) {
	defer leaktest.Check(t)()

	lock := NewResourceLock(KindClaim)
	first := New()
	lock.Reserve(first)

	order := make(chan int, 2)
	second := New()
	third := New()
	secondQueued := make(chan struct{})

	go func() {
		lock.Reserve(second)
		order <- 2
		lock.Release(second)
	}()
	// Best-effort wait so "second" queues ahead of "third"; the FIFO
	// property under test is enforced by ResourceLock itself once both
	// are queued, this only pins the interleaving for a deterministic
	// assertion.
	time.Sleep(10 * time.Millisecond)
	close(secondQueued)
	go func() {
		<-secondQueued
		lock.Reserve(third)
		order <- 3
		lock.Release(third)
	}()

	lock.Release(first)

	if got := <-order; got != 2 {
		t.Fatalf("first waiter woken out of order: got %d", got)
	}
	if got := <-order; got != 3 {
		t.Fatalf("second waiter woken out of order: got %d", got)
	}
}

func TestRuntimeRetry(t *testing.T) {
	defer leaktest.Check(t)()

	rt := NewRuntime(nil)
	attempts := 0
	err := rt.Run(func(w *Worker) error {
		attempts++
		if attempts < 3 {
			return Retry("simulated race")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestLeaseLockExclusiveBlocksSharedQueue(t *testing.T) {
	defer leaktest.Check(t)()

	ll := NewLeaseLock()
	holder := New()
	ll.AcquireShared(holder)

	done := make(chan struct{})
	exclusiveWorker := New()
	go func() {
		ll.AcquireExclusive(exclusiveWorker)
		close(done)
	}()

	// Give the exclusive request time to register as pending so a
	// subsequent shared request queues behind it rather than jumping
	// ahead (spec §5 FIFO-with-priority).
	time.Sleep(10 * time.Millisecond)

	lateShared := New()
	lateDone := make(chan struct{})
	go func() {
		ll.AcquireShared(lateShared)
		close(lateDone)
	}()

	select {
	case <-lateDone:
		t.Fatalf("late shared request granted before pending exclusive")
	default:
	}

	holder.ReleaseAll()
	<-done
	exclusiveWorker.ReleaseAll()
	<-lateDone
	lateShared.ReleaseAll()
}
