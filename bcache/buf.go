package bcache

import (
	"sync/atomic"

	"github.com/jnwhiteh/blockcache/common"
	"github.com/jnwhiteh/blockcache/locks"
)

// A buffer slot. The key (dev, blockno), refcnt and the list links are
// guarded by the lock of the shard the slot currently belongs to; data is
// guarded by the slot's sleep lock.
type buf struct {
	slot    int
	dev     int
	blockno uint32
	refcnt  int
	valid   atomic.Bool  // data holds the on-disk contents of the block
	shard   atomic.Int32 // index of the owning shard

	lock *locks.SleepLock
	data []byte

	next *buf // towards the least recently released end
	prev *buf // towards the most recently released end
}

func newBuf(slot, blocksize int) *buf {
	return &buf{
		slot: slot,
		dev:  common.NoDev,
		lock: locks.NewSleepLock("buffer"),
		data: make([]byte, blocksize),
	}
}

// A Buf is a client's exclusive hold on one cached block, as returned by
// Cache.Read and Cache.Get. It accounts for one reference to the slot and
// must be given back with Cache.Release exactly once. A Buf is not safe for
// use by more than one goroutine.
type Buf struct {
	c      *Cache
	b      *buf
	ticket locks.Ticket
}

func (bp *Buf) live(op string) *buf {
	if bp == nil || bp.b == nil {
		panic(common.ContractViolation("%s: buffer already released", op))
	}
	return bp.b
}

// Data returns the block contents. The slice aliases the cache slot and must
// not be used after Release.
func (bp *Buf) Data() []byte {
	return bp.live("data").data
}

// Dev returns the device number the block belongs to.
func (bp *Buf) Dev() int {
	return bp.live("dev").dev
}

// BlockNo returns the block number within the device.
func (bp *Buf) BlockNo() uint32 {
	return bp.live("blockno").blockno
}

// Valid reports whether the contents were loaded from the device.
func (bp *Buf) Valid() bool {
	return bp.live("valid").valid.Load()
}

// Slot returns the index of the underlying buffer slot.
func (bp *Buf) Slot() int {
	return bp.live("slot").slot
}

// A Pin is an extra reference to a buffer slot that keeps it from being
// evicted without holding the buffer itself. It must be dropped with Unpin
// exactly once.
type Pin struct {
	c    *Cache
	b    *buf
	done atomic.Bool
}

// Unpin drops the reference taken by Cache.Pin. Dropping the last reference
// this way does not change the slot's position in its shard.
func (p *Pin) Unpin() {
	if !p.done.CompareAndSwap(false, true) {
		panic(common.ContractViolation("bunpin: slot %d already unpinned", p.b.slot))
	}
	s := p.c.lockOwner(p.b)
	p.b.refcnt--
	s.lock.Unlock()
}
