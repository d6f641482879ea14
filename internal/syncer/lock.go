package syncer

import "sync/atomic"

// RunLock keeps sync runs within one process from overlapping. It never
// blocks: a caller that loses the race reports the run as already running.
type RunLock struct {
	state atomic.Int32 // 0 = idle, 1 = running
}

// TryAcquire marks a run as started. Returns false if one is in progress.
func (l *RunLock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release marks the run as finished.
// Must only be called by the goroutine that successfully acquired the lock.
func (l *RunLock) Release() {
	l.state.Store(0)
}

// Running reports whether a run currently holds the lock
func (l *RunLock) Running() bool {
	return l.state.Load() == 1
}
