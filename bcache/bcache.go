// Package bcache implements a sharded buffer cache of disk blocks.
//
// The cache holds a fixed number of block-sized buffer slots. A slot caches
// at most one (device, block) pair, and at most one client at a time holds a
// slot. Slots are spread over a fixed number of shards, each guarded by its
// own spin lock and kept in least-recently-released order. A block lives in
// the shard its number hashes to; when that shard has no free slot, a free
// slot is taken from another shard and migrated over.
//
// Interface:
//   - To get a buffer for a particular disk block, call Read.
//   - After changing buffer data, call Write to write it to the device.
//   - When done with the buffer, call Release.
//   - Do not use the buffer after calling Release.
//   - Only one client at a time can use a buffer, so do not keep them longer
//     than necessary.
package bcache

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/jnwhiteh/blockcache/common"
	"github.com/jnwhiteh/blockcache/log"
)

type Cache struct {
	blocksize int
	bufs      []*buf   // static list of buffer slots
	shards    []*shard // independently locked partitions of bufs

	devmu   sync.RWMutex
	devices map[int]*mount
	closed  atomic.Bool

	stats  counters
	logger *slog.Logger
}

// A mount is one MountDevice call. Buffers are only marked valid while the
// mount they were read through is still current.
type mount struct {
	dev common.BlockDevice
}

type options struct {
	nbuf      int
	nbuckets  int
	blocksize int
	logger    *slog.Logger
}

// An Option configures a Cache.
type Option func(*options)

// WithBuffers sets the number of buffer slots.
func WithBuffers(n int) Option {
	return func(o *options) { o.nbuf = n }
}

// WithBuckets sets the number of shards.
func WithBuckets(n int) Option {
	return func(o *options) { o.nbuckets = n }
}

// WithBlockSize sets the size in bytes of every block.
func WithBlockSize(n int) Option {
	return func(o *options) { o.blocksize = n }
}

// WithLogger sets the logger, by default the root logger tagged with the
// bcache module.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a cache, by default with common.NBuf slots of common.BlockSize
// bytes spread over common.NBuckets shards.
func New(opts ...Option) (*Cache, error) {
	o := options{
		nbuf:      common.NBuf,
		nbuckets:  common.NBuckets,
		blocksize: common.BlockSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.nbuf <= 0 || o.nbuckets <= 0 || o.blocksize <= 0 {
		return nil, errors.Wrapf(common.ErrInvalid,
			"cache geometry buffers=%d buckets=%d blocksize=%d", o.nbuf, o.nbuckets, o.blocksize)
	}
	if o.logger == nil {
		o.logger = log.New(log.CacheModule)
	}

	c := &Cache{
		blocksize: o.blocksize,
		bufs:      make([]*buf, o.nbuf),
		shards:    make([]*shard, o.nbuckets),
		devices:   make(map[int]*mount),
		logger:    o.logger,
	}
	for i := range c.shards {
		c.shards[i] = newShard(i)
	}

	// No slot has a key yet, so deal them out round-robin rather than by
	// hashing a block number they do not have.
	for i := range c.bufs {
		c.bufs[i] = newBuf(i, o.blocksize)
		c.shards[i%o.nbuckets].pushBack(c.bufs[i])
	}

	c.logger.Debug("buffer cache initialised", "buffers", o.nbuf, "buckets", o.nbuckets, "blocksize", o.blocksize)
	return c, nil
}

// BlockSize returns the size of the blocks held by the cache.
func (c *Cache) BlockSize() int {
	return c.blocksize
}

// MountDevice makes dev available under the device number devnum.
func (c *Cache) MountDevice(devnum int, dev common.BlockDevice) error {
	if devnum < 0 || dev == nil {
		return errors.Wrapf(common.ErrInvalid, "mount device %d", devnum)
	}
	c.devmu.Lock()
	defer c.devmu.Unlock()
	if _, ok := c.devices[devnum]; ok {
		return errors.Wrapf(common.ErrBusy, "mount device %d", devnum)
	}
	c.devices[devnum] = &mount{dev: dev}
	c.logger.Info("mounted device", "dev", devnum)
	return nil
}

// UnmountDevice removes device devnum and forgets every block cached for it.
// It fails with ErrBusy, leaving the device mounted, if a client still holds
// or pins one of its blocks. The device itself is not closed.
//
// The device table stays locked while the cached blocks are dropped. Only
// shard locks are taken under it, and nothing takes the table lock while
// holding a shard lock.
func (c *Cache) UnmountDevice(devnum int) error {
	c.devmu.Lock()
	defer c.devmu.Unlock()
	if _, ok := c.devices[devnum]; !ok {
		return errors.Wrapf(common.ErrNoDevice, "unmount device %d", devnum)
	}
	if err := c.Invalidate(devnum); err != nil {
		return errors.Wrapf(err, "unmount device %d", devnum)
	}
	delete(c.devices, devnum)
	c.logger.Info("unmounted device", "dev", devnum)
	return nil
}

// Invalidate forgets every unreferenced block cached for device devnum; the
// freed slots become the first eviction candidates of their shards. It
// returns ErrBusy if some block of the device is still referenced.
func (c *Cache) Invalidate(devnum int) error {
	busy := 0
	var stale []*buf
	for _, s := range c.shards {
		stale = stale[:0]
		s.lock.Lock()
		for b := s.head.next; b != &s.head; b = b.next {
			if b.dev != devnum {
				continue
			}
			if b.refcnt > 0 {
				busy++
				continue
			}
			stale = append(stale, b)
		}
		for _, b := range stale {
			b.dev = common.NoDev
			b.blockno = 0
			b.valid.Store(false)
			s.unlink(b)
			s.pushBack(b)
		}
		s.lock.Unlock()
	}
	if busy > 0 {
		return errors.Wrapf(common.ErrBusy, "%d buffers of device %d in use", busy, devnum)
	}
	return nil
}

// Close shuts the cache down. Every device must have been unmounted first.
func (c *Cache) Close() error {
	c.devmu.RLock()
	n := len(c.devices)
	c.devmu.RUnlock()
	if n > 0 {
		return errors.Wrapf(common.ErrBusy, "%d devices still mounted", n)
	}
	c.closed.Store(true)
	return nil
}

func (c *Cache) device(devnum int) (*mount, error) {
	c.devmu.RLock()
	defer c.devmu.RUnlock()
	m, ok := c.devices[devnum]
	if !ok {
		return nil, common.ErrNoDevice
	}
	return m, nil
}

// validate marks b valid if m is still mounted. The table lock orders this
// against UnmountDevice: either the unmount sees b referenced, or it comes
// after and drops the block.
func (c *Cache) validate(devnum int, m *mount, b *buf) error {
	c.devmu.RLock()
	defer c.devmu.RUnlock()
	if c.devices[devnum] != m {
		return errors.Wrap(common.ErrNoDevice, "device unmounted during read")
	}
	b.valid.Store(true)
	return nil
}

// Get returns the buffer for block blockno of device dev, locked for the
// caller. If the block is not cached, the least recently released free slot
// is recycled for it and its contents are not valid. Get never touches the
// device. If every slot is referenced Get panics with an error matching
// common.ErrNoBuffers.
func (c *Cache) Get(dev int, blockno uint32) *Buf {
	if dev < 0 {
		panic(common.ContractViolation("bget: invalid device %d", dev))
	}
	if c.closed.Load() {
		panic(common.ContractViolation("bget: cache is closed"))
	}

	t := c.shardFor(blockno)
	ts := c.shards[t]
	ts.lock.Lock()

	// Is the block already cached?
	if b := ts.lookup(dev, blockno); b != nil {
		b.refcnt++
		ts.lock.Unlock()
		c.stats.hits.Add(1)
		return c.hold(b)
	}

	// Not cached. Recycle the least recently released free slot of the
	// home shard.
	if b := ts.victim(); b != nil {
		c.assign(b, dev, blockno)
		ts.lock.Unlock()
		c.stats.evictions.Add(1)
		log.Trace(c.logger, "evict", "shard", t, "slot", b.slot, "dev", dev, "block", blockno)
		return c.hold(b)
	}

	// Steal a free slot from another shard, one foreign shard at a time.
	for i, fs := range c.shards {
		if i == t {
			continue
		}
		if c.lockForeign(t, i) {
			// The home shard was unlocked for a moment: somebody may have
			// brought the block in, or released a slot into it.
			if b := ts.lookup(dev, blockno); b != nil {
				b.refcnt++
				fs.lock.Unlock()
				ts.lock.Unlock()
				c.stats.hits.Add(1)
				return c.hold(b)
			}
			if b := ts.victim(); b != nil {
				c.assign(b, dev, blockno)
				fs.lock.Unlock()
				ts.lock.Unlock()
				c.stats.evictions.Add(1)
				return c.hold(b)
			}
		}
		if b := fs.victim(); b != nil {
			fs.unlink(b)
			ts.pushFront(b)
			c.assign(b, dev, blockno)
			fs.lock.Unlock()
			ts.lock.Unlock()
			c.stats.migrations.Add(1)
			log.Trace(c.logger, "migrate", "from", i, "to", t, "slot", b.slot, "dev", dev, "block", blockno)
			return c.hold(b)
		}
		fs.lock.Unlock()
	}
	ts.lock.Unlock()

	log.Crit(c.logger, "no free buffers", "dev", dev, "block", blockno, "buffers", len(c.bufs))
	panic(errors.Wrapf(common.ErrNoBuffers, "bget dev %d block %d", dev, blockno))
}

// must hold the lock of the shard owning b
func (c *Cache) assign(b *buf, dev int, blockno uint32) {
	b.dev = dev
	b.blockno = blockno
	b.valid.Store(false)
	b.refcnt = 1
}

// hold sleeps until b is free. No shard lock may be held.
func (c *Cache) hold(b *buf) *Buf {
	t := b.lock.Lock()
	return &Buf{c: c, b: b, ticket: t}
}

// held checks that bp is a live buffer of this cache whose sleep lock it
// still holds.
func (c *Cache) held(bp *Buf, op string) *buf {
	b := bp.live(op)
	if bp.c != c {
		panic(common.ContractViolation("%s: buffer belongs to another cache", op))
	}
	if !b.lock.Holding(bp.ticket) {
		log.Crit(c.logger, "buffer not held", "op", op, "slot", b.slot)
		panic(common.ContractViolation("%s: buffer not held", op))
	}
	return b
}

// Read returns a locked buffer with the contents of the indicated block,
// reading it from the device if it is not cached. On a device error the
// buffer is released and the error, marked with common.ErrDevice, returned.
func (c *Cache) Read(dev int, blockno uint32) (*Buf, error) {
	// An unmounted device must not cost another device a cached block.
	m, err := c.device(dev)
	if err != nil {
		c.stats.deviceErrors.Add(1)
		return nil, common.DeviceError(err, "read", dev, blockno)
	}

	bp := c.Get(dev, blockno)
	b := bp.b
	if b.valid.Load() {
		return bp, nil
	}

	err = m.dev.Read(b.data, common.BlockPos(blockno, c.blocksize))
	if err == nil {
		c.stats.deviceReads.Add(1)
		err = c.validate(dev, m, b)
	}
	if err != nil {
		c.stats.deviceErrors.Add(1)
		c.logger.Warn("block read failed", "dev", dev, "block", blockno, "err", err)
		c.Release(bp)
		return nil, common.DeviceError(err, "read", dev, blockno)
	}
	return bp, nil
}

// Write writes the contents of bp to the device. The caller must hold bp.
func (c *Cache) Write(bp *Buf) error {
	b := c.held(bp, "bwrite")
	m, err := c.device(b.dev)
	if err == nil {
		err = m.dev.Write(b.data, common.BlockPos(b.blockno, c.blocksize))
	}
	if err != nil {
		c.stats.deviceErrors.Add(1)
		c.logger.Warn("block write failed", "dev", b.dev, "block", b.blockno, "err", err)
		return common.DeviceError(err, "write", b.dev, b.blockno)
	}
	c.stats.deviceWrites.Add(1)
	return nil
}

// Release gives back a buffer obtained from Read or Get. When no references
// remain the slot becomes the most recently released of its shard; its
// contents stay cached.
func (c *Cache) Release(bp *Buf) {
	b := c.held(bp, "brelse")
	bp.b = nil
	b.lock.Unlock(bp.ticket)

	s := c.lockOwner(b)
	b.refcnt--
	if b.refcnt < 0 {
		s.lock.Unlock()
		panic(common.ContractViolation("brelse: slot %d reference count below zero", b.slot))
	}
	if b.refcnt == 0 {
		// no one is waiting for it.
		s.unlink(b)
		s.pushFront(b)
	}
	s.lock.Unlock()
}

// Pin takes an extra reference on the slot held by bp, keeping the block
// cached after bp is released until the returned Pin is dropped.
func (c *Cache) Pin(bp *Buf) *Pin {
	b := bp.live("bpin")
	if bp.c != c {
		panic(common.ContractViolation("bpin: buffer belongs to another cache"))
	}
	s := c.lockOwner(b)
	b.refcnt++
	s.lock.Unlock()
	return &Pin{c: c, b: b}
}

// Unpin is shorthand for p.Unpin.
func (c *Cache) Unpin(p *Pin) {
	p.Unpin()
}
