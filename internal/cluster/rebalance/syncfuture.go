package rebalance

import (
	"context"
	"sync"
)

// SyncFuture completes once every demand worker has finished its part of a
// rebalance round. It completes at most once; duplicate worker completions
// are ignored.
type SyncFuture struct {
	mu        sync.Mutex
	remaining map[int]struct{}
	err       error
	done      chan struct{}
}

func newSyncFuture(workers int) *SyncFuture {
	f := &SyncFuture{
		remaining: make(map[int]struct{}, workers),
		done:      make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		f.remaining[i] = struct{}{}
	}
	if workers == 0 {
		close(f.done)
	}
	return f
}

// onWorkerDone marks one worker as finished.
func (f *SyncFuture) onWorkerDone(workerID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.remaining[workerID]; !ok {
		return
	}
	delete(f.remaining, workerID)
	if len(f.remaining) == 0 {
		close(f.done)
	}
}

// fail completes the future with an error, releasing all waiters.
func (f *SyncFuture) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.remaining) == 0 {
		return
	}
	f.err = err
	f.remaining = map[int]struct{}{}
	close(f.done)
}

// Done returns a channel closed when the round is finished.
func (f *SyncFuture) Done() <-chan struct{} { return f.done }

// Completed reports whether the future has resolved.
func (f *SyncFuture) Completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the completion error, or nil. Valid after Done is closed.
func (f *SyncFuture) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until the round completes or the context is cancelled.
func (f *SyncFuture) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
