// Package sync provides synchronization primitive implementations that are
// safe to use before the Go runtime scheduler is available.
package sync

import "sync/atomic"

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. It must not be copied after first use.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the current CPU. Acquiring
// a lock already held by the current CPU deadlocks.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, 1)
}

// TryToAcquire attempts to acquire the lock without blocking. It returns true
// if the lock was acquired or false if it was already held.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock. Calling Release on an already-free lock
// has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// archAcquireSpinlock busy-waits until it can swap state from 0 to 1. The
// attemptsBeforeYielding parameter lets the arch-specific implementation
// insert a PAUSE instruction (or equivalent) between probes to reduce bus
// contention on physical SMP systems.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32)
