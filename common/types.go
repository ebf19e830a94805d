package common

// Default cache geometry.
const (
	BlockSize = 1024 // size of a disk block in bytes
	NBuf      = 30   // number of buffer slots in the cache
	NBuckets  = 13   // number of independently locked shards
)

// NoDev is the device number of a buffer slot that has never been assigned,
// or whose contents were invalidated.
const NoDev = -1

// A BlockDevice transfers whole blocks to and from persistent storage. The
// position is a byte offset and is always a multiple of the block size used by
// the caller; buf is exactly one block long.
type BlockDevice interface {
	Read(buf []byte, pos int64) error
	Write(buf []byte, pos int64) error
	Close() error
}

// BlockPos returns the byte offset of block number blockno.
func BlockPos(blockno uint32, blocksize int) int64 {
	return int64(blocksize) * int64(blockno)
}
