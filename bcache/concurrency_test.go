package bcache

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jnwhiteh/blockcache/common"
	"github.com/jnwhiteh/blockcache/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// checkLayout verifies, shard by shard, that no block is cached twice and
// that every cached block sits in its home shard.
func checkLayout(t *testing.T, c *Cache) {
	t.Helper()
	for _, s := range c.Layout() {
		seen := make(map[[2]int64]int)
		for _, si := range s.Slots {
			if si.Dev == common.NoDev {
				continue
			}
			key := [2]int64{int64(si.Dev), int64(si.BlockNo)}
			if prev, dup := seen[key]; dup {
				t.Errorf("block %v cached in slots %d and %d", key, prev, si.Slot)
			}
			seen[key] = si.Slot
			if home := c.shardFor(si.BlockNo); home != s.Index {
				t.Errorf("block %d in shard %d, home is %d", si.BlockNo, s.Index, home)
			}
		}
	}
}

// Many clients increment counters kept in blocks, across far more blocks
// than there are slots. Every increment must survive eviction, no two
// clients may hold the same block at once, and nothing may deadlock while
// slots migrate between shards in both directions.
func TestConcurrentIncrements(t *testing.T) {
	const (
		workers = 6
		rounds  = 400
		nblocks = 48
	)
	dev := testutils.NewCountingDevice(testutils.NewTestDevice(t, testBlockSize, nblocks))
	cache, err := New(WithBuffers(32), WithBuckets(5), WithBlockSize(testBlockSize))
	require.NoError(t, err)
	require.NoError(t, cache.MountDevice(0, dev))

	// the test device fills block i with byte i; counters start from there
	initial := make([]uint64, nblocks)
	for b := range initial {
		initial[b] = binary.LittleEndian.Uint64(bytesOf(byte(b), 8))
	}

	var holders [nblocks]atomic.Int32
	var increments [nblocks]atomic.Uint64

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	for w := 0; w < workers; w++ {
		seed := int64(w)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < rounds && ctx.Err() == nil; i++ {
				b := uint32(rng.Intn(nblocks))
				bp, err := cache.Read(0, b)
				if err != nil {
					return err
				}
				if n := holders[b].Add(1); n != 1 {
					t.Errorf("block %d held by %d clients", b, n)
				}
				data := bp.Data()
				v := binary.LittleEndian.Uint64(data)
				binary.LittleEndian.PutUint64(data, v+1)
				increments[b].Add(1)
				err = cache.Write(bp)
				holders[b].Add(-1)
				cache.Release(bp)
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	// watch the invariants while the workers run
	g.Go(func() error {
		for ctx.Err() == nil && cache.Stats().Hits+cache.Stats().Misses < workers*rounds {
			checkLayout(t, cache)
			time.Sleep(time.Millisecond)
		}
		return nil
	})

	require.NoError(t, g.Wait())
	checkLayout(t, cache)
	assert.Zero(t, cache.Referenced())

	st := cache.Stats()
	assert.EqualValues(t, workers*rounds, st.Hits+st.Misses)
	assert.EqualValues(t, workers*rounds, st.DeviceWrites)
	assert.Greater(t, st.Evictions, uint64(0))

	// writes go straight through, so the device holds every increment
	buf := make([]byte, testBlockSize)
	for b := uint32(0); b < nblocks; b++ {
		require.NoError(t, dev.Read(buf, common.BlockPos(b, testBlockSize)))
		got := binary.LittleEndian.Uint64(buf)
		assert.Equal(t, initial[b]+increments[b].Load(), got, "block %d", b)
	}
	require.NoError(t, cache.UnmountDevice(0))
	require.NoError(t, cache.Close())
}

// Two clients, each homed in its own shard, hold more blocks than their
// shard has slots, so they keep stealing slots from each other in both
// directions of the shard order.
func TestOpposingMigrationsDoNotDeadlock(t *testing.T) {
	cache, _ := openTestCache(t, 6, 3)
	low := keysInShard(cache, 0, 8)
	high := keysInShard(cache, 1, 8)

	done := make(chan error, 1)
	go func() {
		g := new(errgroup.Group)
		for _, keys := range [][]uint32{low, high} {
			keys := keys
			g.Go(func() error {
				held := make([]*Buf, 3)
				for i := 0; i < 2000; i++ {
					for j := range held {
						held[j] = cache.Get(0, keys[(i+j)%len(keys)])
					}
					for _, bp := range held {
						cache.Release(bp)
					}
				}
				return nil
			})
		}
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("opposing migrations deadlocked")
	}
	assert.Greater(t, cache.Stats().Migrations, uint64(0))
	checkLayout(t, cache)
	closeTestCache(t, cache)
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
