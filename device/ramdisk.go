// Package device provides block devices for the buffer cache: an in-memory
// ramdisk, a file-backed disk image, a LevelDB-backed device and a wrapper
// that traces every transfer.
package device

import (
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/jnwhiteh/blockcache/common"
)

// A Ramdisk is a block device held entirely in memory. Reads may proceed in
// parallel; a write waits for the reads in progress.
type Ramdisk struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

var _ common.BlockDevice = (*Ramdisk)(nil)

// NewRamdisk creates a ramdisk over data, which it takes ownership of.
func NewRamdisk(data []byte) *Ramdisk {
	return &Ramdisk{data: data}
}

// NewRamdiskFile creates a ramdisk holding a copy of the named disk image.
func NewRamdiskFile(filename string) (*Ramdisk, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "load ramdisk image")
	}
	return NewRamdisk(data), nil
}

// must hold dev.mu
func (dev *Ramdisk) span(n int, pos int64) ([]byte, error) {
	if dev.closed {
		return nil, common.ErrClosed
	}
	if pos < 0 || pos+int64(n) > int64(len(dev.data)) {
		return nil, errors.Wrapf(common.ErrSeek, "%d bytes at %d, size %d", n, pos, len(dev.data))
	}
	return dev.data[pos : pos+int64(n)], nil
}

func (dev *Ramdisk) Read(buf []byte, pos int64) error {
	dev.mu.RLock()
	defer dev.mu.RUnlock()
	sub, err := dev.span(len(buf), pos)
	if err != nil {
		return err
	}
	copy(buf, sub)
	return nil
}

func (dev *Ramdisk) Write(buf []byte, pos int64) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	sub, err := dev.span(len(buf), pos)
	if err != nil {
		return err
	}
	copy(sub, buf)
	return nil
}

func (dev *Ramdisk) Close() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.closed = true
	dev.data = nil
	return nil
}

// Size returns the size of the ramdisk in bytes.
func (dev *Ramdisk) Size() int64 {
	dev.mu.RLock()
	defer dev.mu.RUnlock()
	return int64(len(dev.data))
}

// Snapshot returns a copy of the ramdisk contents.
func (dev *Ramdisk) Snapshot() []byte {
	dev.mu.RLock()
	defer dev.mu.RUnlock()
	out := make([]byte, len(dev.data))
	copy(out, dev.data)
	return out
}
