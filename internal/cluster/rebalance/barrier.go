package rebalance

import (
	"sync"

	gerrors "github.com/akuznetsov-gridgain/ignite/pkg/errors"
)

// roundBarrier lines the demand workers up between rebalance rounds. Each
// worker calls await before polling its assignment queue; the barrier
// releases the whole pool once every worker has arrived, then resets for
// the next round.
type roundBarrier struct {
	mu      sync.Mutex
	size    int
	waiting int
	release chan struct{}
}

func newRoundBarrier(size int) *roundBarrier {
	return &roundBarrier{size: size, release: make(chan struct{})}
}

// await blocks until all workers arrive or stop is closed.
func (b *roundBarrier) await(stop <-chan struct{}) error {
	b.mu.Lock()
	b.waiting++
	if b.waiting == b.size {
		b.waiting = 0
		close(b.release)
		b.release = make(chan struct{})
		b.mu.Unlock()
		return nil
	}
	ch := b.release
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-stop:
		return gerrors.ErrCancelled
	}
}
