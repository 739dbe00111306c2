// Package ksync provides the kernel's concurrency primitives: spinlocks,
// a reader/writer spinlock, and a single-waiter wait queue.
package ksync

import (
	"runtime"
	"sync/atomic"
)

// Spinlock is a busy-wait mutual-exclusion lock. Taking one disables
// preemption for its duration; a hosted Go program has no preemption
// switch to flip, so preemptDisabled is kept purely as an observable
// counter rather than an enforced guarantee.
type Spinlock struct {
	state           int32
	preemptDisabled int32
}

// Lock blocks until the lock is acquired.
func (l *Spinlock) Lock() {
	for !atomic.CompareAndSwapInt32(&l.state, 0, 1) {
		runtime.Gosched()
	}
	atomic.AddInt32(&l.preemptDisabled, 1)
}

// TryLock attempts to acquire the lock without blocking.
func (l *Spinlock) TryLock() bool {
	if atomic.CompareAndSwapInt32(&l.state, 0, 1) {
		atomic.AddInt32(&l.preemptDisabled, 1)
		return true
	}
	return false
}

// Unlock releases a held lock. Unlocking a free lock is a no-op.
func (l *Spinlock) Unlock() {
	if atomic.CompareAndSwapInt32(&l.state, 1, 0) {
		atomic.AddInt32(&l.preemptDisabled, -1)
	}
}

// Held reports whether the lock is currently taken.
func (l *Spinlock) Held() bool { return atomic.LoadInt32(&l.state) != 0 }

// RWSpinlock is a reader/writer busy-wait lock: any number of readers may
// hold it concurrently, but a writer excludes everyone.
type RWSpinlock struct {
	state int32 // 0 = free, -1 = writer held, n>0 = n readers held
}

// RLock blocks until a reader slot is acquired.
func (l *RWSpinlock) RLock() {
	for {
		s := atomic.LoadInt32(&l.state)
		if s >= 0 && atomic.CompareAndSwapInt32(&l.state, s, s+1) {
			return
		}
		runtime.Gosched()
	}
}

// RUnlock releases one reader slot.
func (l *RWSpinlock) RUnlock() { atomic.AddInt32(&l.state, -1) }

// Lock blocks until exclusive (writer) access is acquired.
func (l *RWSpinlock) Lock() {
	for !atomic.CompareAndSwapInt32(&l.state, 0, -1) {
		runtime.Gosched()
	}
}

// Unlock releases exclusive access.
func (l *RWSpinlock) Unlock() { atomic.StoreInt32(&l.state, 0) }
