package worker

// Biglock is the process-wide coarse lock described in spec §5: at most
// one worker's logical execution runs at a time; it is released only
// around calls the spec marks as blocking I/O (object RPC, peer RPC,
// socket read). A buffered channel of size 1 is the standard Go token
// mutex; Yield makes the "release around blocking I/O, reacquire after"
// discipline a single call so handlers cannot forget the reacquire.
type Biglock struct {
	token chan struct{}
}

func NewBiglock() *Biglock {
	b := &Biglock{token: make(chan struct{}, 1)}
	b.token <- struct{}{}
	return b
}

// Acquire blocks until the calling goroutine holds the biglock.
func (b *Biglock) Acquire() {
	<-b.token
}

// Release gives up the biglock. Must be called by whichever goroutine
// last called Acquire.
func (b *Biglock) Release() {
	b.token <- struct{}{}
}

// Yield releases the biglock for the duration of fn and reacquires it
// before returning, the pattern every blocking I/O call in the envoy
// (object read/write, peer RPC, socket send/recv) must use so other
// workers can make progress while this one is blocked in the kernel or
// on the network.
func (b *Biglock) Yield(fn func() error) error {
	b.Release()
	defer b.Acquire()
	return fn()
}
