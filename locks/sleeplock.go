package locks

import (
	"sync"
	"time"
)

// A Ticket identifies one acquisition of a SleepLock. Go has no notion of the
// current thread, so the ticket returned by Lock stands in for "the holder"
// and must be presented again to Unlock.
type Ticket uint64

// NoTicket is never issued by a SleepLock.
const NoTicket Ticket = 0

// A SleepLock is a mutual exclusion lock whose waiters are suspended on a
// condition variable rather than spinning, so it may be held for long
// stretches (e.g. while a block is read from disk).
type SleepLock struct {
	name   string
	mu     sync.Mutex
	cond   *sync.Cond
	locked bool
	holder Ticket
	issued Ticket
}

func NewSleepLock(name string) *SleepLock {
	l := &SleepLock{name: name}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Lock blocks until the lock is free and returns the ticket of this
// acquisition.
func (l *SleepLock) Lock() Ticket {
	l.mu.Lock()
	for l.locked {
		l.cond.Wait()
	}
	t := l.acquire()
	l.mu.Unlock()
	return t
}

// TryLock acquires the lock only if it is free.
func (l *SleepLock) TryLock() (Ticket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked {
		return NoTicket, false
	}
	return l.acquire(), true
}

// LockTimeout is Lock bounded by d. It reports false if the lock could not be
// acquired in time.
func (l *SleepLock) LockTimeout(d time.Duration) (Ticket, bool) {
	expired := false
	timer := time.AfterFunc(d, func() {
		l.mu.Lock()
		expired = true
		l.mu.Unlock()
		l.cond.Broadcast()
	})
	defer timer.Stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	for l.locked && !expired {
		l.cond.Wait()
	}
	if l.locked {
		return NoTicket, false
	}
	return l.acquire(), true
}

// must hold l.mu
func (l *SleepLock) acquire() Ticket {
	l.issued++
	l.locked = true
	l.holder = l.issued
	return l.holder
}

// Unlock releases the lock and wakes the waiters. It panics if t is not the
// ticket of the current holder.
func (l *SleepLock) Unlock(t Ticket) {
	l.mu.Lock()
	if !l.locked || l.holder != t {
		l.mu.Unlock()
		panic("releasesleep " + l.name + ": not holder")
	}
	l.locked = false
	l.holder = NoTicket
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Holding reports whether t is the ticket of the current holder.
func (l *SleepLock) Holding(t Ticket) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked && t != NoTicket && l.holder == t
}

// Locked reports whether anyone holds the lock.
func (l *SleepLock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

func (l *SleepLock) Name() string {
	return l.name
}
