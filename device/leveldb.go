package device

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/jnwhiteh/blockcache/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// A LevelDB device stores each block as one LevelDB record keyed by its
// big-endian block number. Blocks that were never written read as zeros, so
// the device is sparse up to its nominal size.
type LevelDB struct {
	db        *leveldb.DB
	blocksize int
	nblocks   uint32
	closed    atomic.Bool
}

var _ common.BlockDevice = (*LevelDB)(nil)

// geometryKey holds the block size and count. Block keys are four bytes, so
// it cannot collide with one.
var geometryKey = []byte("geometry")

// OpenLevelDB opens (creating if needed) a LevelDB device of nblocks blocks
// in the directory path and records its geometry. With nblocks zero the
// recorded geometry is used instead, and blocksize must match it.
func OpenLevelDB(path string, blocksize int, nblocks uint32) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open leveldb device")
	}
	if nblocks == 0 {
		nblocks, err = loadGeometry(db, blocksize)
	} else {
		var geom [8]byte
		binary.BigEndian.PutUint32(geom[:4], uint32(blocksize))
		binary.BigEndian.PutUint32(geom[4:], nblocks)
		err = errors.Wrap(db.Put(geometryKey, geom[:], nil), "record geometry")
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	return &LevelDB{db: db, blocksize: blocksize, nblocks: nblocks}, nil
}

func loadGeometry(db *leveldb.DB, blocksize int) (uint32, error) {
	geom, err := db.Get(geometryKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) || (err == nil && len(geom) != 8) {
		return 0, errors.Wrap(common.ErrInvalid, "leveldb device has no geometry")
	}
	if err != nil {
		return 0, errors.Wrap(err, "load geometry")
	}
	if bs := binary.BigEndian.Uint32(geom[:4]); int(bs) != blocksize {
		return 0, errors.Wrapf(common.ErrInvalid, "leveldb device has block size %d, not %d", bs, blocksize)
	}
	return binary.BigEndian.Uint32(geom[4:]), nil
}

// Blocks returns the number of blocks on the device.
func (dev *LevelDB) Blocks() uint32 {
	return dev.nblocks
}

// NewMemLevelDB creates a LevelDB device backed by memory only.
func NewMemLevelDB(blocksize int, nblocks uint32) (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "open leveldb device")
	}
	return &LevelDB{db: db, blocksize: blocksize, nblocks: nblocks}, nil
}

func (dev *LevelDB) key(n int, pos int64) ([]byte, error) {
	if dev.closed.Load() {
		return nil, common.ErrClosed
	}
	if n != dev.blocksize || pos%int64(dev.blocksize) != 0 {
		return nil, errors.Wrapf(common.ErrShortBlock, "%d bytes at %d, blocksize %d", n, pos, dev.blocksize)
	}
	blockno := pos / int64(dev.blocksize)
	if pos < 0 || blockno >= int64(dev.nblocks) {
		return nil, errors.Wrapf(common.ErrSeek, "block %d of %d", blockno, dev.nblocks)
	}
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(blockno))
	return key[:], nil
}

func (dev *LevelDB) Read(buf []byte, pos int64) error {
	key, err := dev.key(len(buf), pos)
	if err != nil {
		return err
	}
	val, err := dev.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		clear(buf)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "leveldb get")
	}
	copy(buf, val)
	return nil
}

func (dev *LevelDB) Write(buf []byte, pos int64) error {
	key, err := dev.key(len(buf), pos)
	if err != nil {
		return err
	}
	if err := dev.db.Put(key, buf, nil); err != nil {
		return errors.Wrap(err, "leveldb put")
	}
	return nil
}

func (dev *LevelDB) Close() error {
	if !dev.closed.CompareAndSwap(false, true) {
		return common.ErrClosed
	}
	return dev.db.Close()
}
