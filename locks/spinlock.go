// Package locks provides the two lock classes used by the buffer cache: a
// spin lock for short bookkeeping critical sections, and a sleep lock that
// suspends waiters and can be held across device I/O.
package locks

import (
	"runtime"
	"sync/atomic"
)

// spins before yielding the processor
const spinTries = 64

// A SpinLock is a mutual exclusion lock that busy-waits. It must only protect
// short critical sections that never block.
type SpinLock struct {
	name   string
	locked atomic.Bool
}

func NewSpinLock(name string) *SpinLock {
	return &SpinLock{name: name}
}

func (l *SpinLock) Lock() {
	for {
		for i := 0; i < spinTries; i++ {
			if !l.locked.Load() && l.locked.CompareAndSwap(false, true) {
				return
			}
		}
		runtime.Gosched()
	}
}

func (l *SpinLock) TryLock() bool {
	return l.locked.CompareAndSwap(false, true)
}

// Unlock panics if the lock is not held.
func (l *SpinLock) Unlock() {
	if !l.locked.CompareAndSwap(true, false) {
		panic("release " + l.name + ": not locked")
	}
}

func (l *SpinLock) Locked() bool {
	return l.locked.Load()
}

func (l *SpinLock) Name() string {
	return l.name
}
