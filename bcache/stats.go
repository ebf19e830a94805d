package bcache

import "sync/atomic"

type counters struct {
	hits         atomic.Uint64
	evictions    atomic.Uint64
	migrations   atomic.Uint64
	deviceReads  atomic.Uint64
	deviceWrites atomic.Uint64
	deviceErrors atomic.Uint64
}

// Stats is a snapshot of the cache counters. Misses is the sum of Evictions
// (a slot recycled within the block's home shard) and Migrations (a slot
// taken from another shard).
type Stats struct {
	Hits         uint64
	Misses       uint64
	Evictions    uint64
	Migrations   uint64
	DeviceReads  uint64
	DeviceWrites uint64
	DeviceErrors uint64
}

func (c *Cache) Stats() Stats {
	st := Stats{
		Hits:         c.stats.hits.Load(),
		Evictions:    c.stats.evictions.Load(),
		Migrations:   c.stats.migrations.Load(),
		DeviceReads:  c.stats.deviceReads.Load(),
		DeviceWrites: c.stats.deviceWrites.Load(),
		DeviceErrors: c.stats.deviceErrors.Load(),
	}
	st.Misses = st.Evictions + st.Migrations
	return st
}

// SlotInfo describes one buffer slot at the time of a Layout call.
type SlotInfo struct {
	Slot     int
	Dev      int
	BlockNo  uint32
	RefCount int
	Valid    bool
}

// ShardInfo lists the slots of one shard, most recently released first.
type ShardInfo struct {
	Index int
	Slots []SlotInfo
}

// Layout snapshots every shard. Shards are locked one at a time, so the
// result is only consistent per shard.
func (c *Cache) Layout() []ShardInfo {
	out := make([]ShardInfo, len(c.shards))
	for i, s := range c.shards {
		s.lock.Lock()
		info := ShardInfo{Index: i, Slots: make([]SlotInfo, 0, s.n)}
		for b := s.head.next; b != &s.head; b = b.next {
			info.Slots = append(info.Slots, SlotInfo{
				Slot:     b.slot,
				Dev:      b.dev,
				BlockNo:  b.blockno,
				RefCount: b.refcnt,
				Valid:    b.valid.Load(),
			})
		}
		s.lock.Unlock()
		out[i] = info
	}
	return out
}

// Referenced returns the number of slots currently held or pinned.
func (c *Cache) Referenced() int {
	n := 0
	for _, s := range c.shards {
		s.lock.Lock()
		for b := s.head.next; b != &s.head; b = b.next {
			if b.refcnt > 0 {
				n++
			}
		}
		s.lock.Unlock()
	}
	return n
}
