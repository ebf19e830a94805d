package bcache

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/jnwhiteh/blockcache/locks"
)

// A shard owns a circular list of buffer slots ordered by release recency:
// head.next is the most recently released, head.prev the least.
type shard struct {
	idx  int
	lock *locks.SpinLock
	head buf
	n    int
}

func newShard(idx int) *shard {
	s := &shard{
		idx:  idx,
		lock: locks.NewSpinLock(fmt.Sprintf("bcache.shard%d", idx)),
	}
	s.head.next = &s.head
	s.head.prev = &s.head
	return s
}

// lookup finds the slot caching (dev, blockno).
func (s *shard) lookup(dev int, blockno uint32) *buf {
	for b := s.head.next; b != &s.head; b = b.next {
		if b.dev == dev && b.blockno == blockno {
			return b
		}
	}
	return nil
}

// victim returns the least recently released unreferenced slot.
func (s *shard) victim() *buf {
	for b := s.head.prev; b != &s.head; b = b.prev {
		if b.refcnt == 0 {
			return b
		}
	}
	return nil
}

func (s *shard) unlink(b *buf) {
	b.next.prev = b.prev
	b.prev.next = b.next
	b.next = nil
	b.prev = nil
	s.n--
}

// pushFront links b at the most recently released end and makes s its owner.
func (s *shard) pushFront(b *buf) {
	b.next = s.head.next
	b.prev = &s.head
	s.head.next.prev = b
	s.head.next = b
	b.shard.Store(int32(s.idx))
	s.n++
}

// pushBack links b at the least recently released end.
func (s *shard) pushBack(b *buf) {
	b.prev = s.head.prev
	b.next = &s.head
	s.head.prev.next = b
	s.head.prev = b
	b.shard.Store(int32(s.idx))
	s.n++
}

// shardFor maps a block number onto its home shard.
func (c *Cache) shardFor(blockno uint32) int {
	var key [4]byte
	binary.LittleEndian.PutUint32(key[:], blockno)
	return int(xxhash.Sum64(key[:]) % uint64(len(c.shards)))
}

// lockForeign acquires shard i while shard t is held. Shard locks are always
// taken in ascending index order, so when i < t the lock on t is dropped and
// both are reacquired in order. It reports whether t was dropped, in which
// case anything learned about t before the call is stale.
func (c *Cache) lockForeign(t, i int) (dropped bool) {
	if i > t {
		c.shards[i].lock.Lock()
		return false
	}
	c.shards[t].lock.Unlock()
	c.shards[i].lock.Lock()
	c.shards[t].lock.Lock()
	return true
}

// lockOwner locks the shard that currently owns b and returns it. Callers
// must hold a reference to b, which keeps it from migrating; the owner is
// still re-checked after locking rather than trusted.
func (c *Cache) lockOwner(b *buf) *shard {
	for {
		s := c.shards[b.shard.Load()]
		s.lock.Lock()
		if int(b.shard.Load()) == s.idx {
			return s
		}
		s.lock.Unlock()
	}
}
