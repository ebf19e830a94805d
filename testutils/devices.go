// Package testutils holds block devices that help tests observe and steer
// the buffer cache.
package testutils

import (
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/jnwhiteh/blockcache/common"
	"github.com/jnwhiteh/blockcache/device"
)

//////////////////////////////////////////////////////////////////////////////
// A ramdisk device with a certain number of blocks with a given block size.
// Each block is filled with the bytes of the block number, so each byte in
// the first block contains a 0, the next block contains all 1, etc.
//////////////////////////////////////////////////////////////////////////////

func NewTestDevice(tb testing.TB, bsize, blocks int) *device.Ramdisk {
	tb.Helper()
	if bsize <= 0 || blocks <= 0 {
		tb.Fatalf("invalid test device geometry %dx%d", blocks, bsize)
	}
	data := make([]byte, bsize*blocks)
	for i := 0; i < blocks; i++ {
		for j := 0; j < bsize; j++ {
			data[(i*bsize)+j] = byte(i)
		}
	}
	return device.NewRamdisk(data)
}

//////////////////////////////////////////////////////////////////////////////
// A block device that blocks on any read operation. It notifies of the block
// using the HasBlocked channel and waits to be unblocked on the Unblock
// channel.
//////////////////////////////////////////////////////////////////////////////

type BlockingDevice struct {
	common.BlockDevice
	HasBlocked chan bool
	Unblock    chan bool
}

func NewBlockingDevice(dev common.BlockDevice) *BlockingDevice {
	return &BlockingDevice{
		dev,
		make(chan bool),
		make(chan bool),
	}
}

func (dev *BlockingDevice) Read(buf []byte, pos int64) error {
	dev.HasBlocked <- true
	<-dev.Unblock
	return dev.BlockDevice.Read(buf, pos)
}

//////////////////////////////////////////////////////////////////////////////
// A block device that counts the transfers made through it.
//////////////////////////////////////////////////////////////////////////////

type CountingDevice struct {
	common.BlockDevice
	reads  atomic.Int64
	writes atomic.Int64
}

func NewCountingDevice(dev common.BlockDevice) *CountingDevice {
	return &CountingDevice{BlockDevice: dev}
}

func (dev *CountingDevice) Read(buf []byte, pos int64) error {
	dev.reads.Add(1)
	return dev.BlockDevice.Read(buf, pos)
}

func (dev *CountingDevice) Write(buf []byte, pos int64) error {
	dev.writes.Add(1)
	return dev.BlockDevice.Write(buf, pos)
}

func (dev *CountingDevice) Reads() int64  { return dev.reads.Load() }
func (dev *CountingDevice) Writes() int64 { return dev.writes.Load() }

//////////////////////////////////////////////////////////////////////////////
// A block device whose transfers fail with ErrInjected while failing is set.
//////////////////////////////////////////////////////////////////////////////

var ErrInjected = errors.New("injected device failure")

type FailingDevice struct {
	common.BlockDevice
	failing atomic.Bool
}

func NewFailingDevice(dev common.BlockDevice) *FailingDevice {
	return &FailingDevice{BlockDevice: dev}
}

func (dev *FailingDevice) SetFailing(on bool) {
	dev.failing.Store(on)
}

func (dev *FailingDevice) Read(buf []byte, pos int64) error {
	if dev.failing.Load() {
		// scribble on the buffer, as a half-finished transfer might
		for i := range buf {
			buf[i] = 0xEE
		}
		return ErrInjected
	}
	return dev.BlockDevice.Read(buf, pos)
}

func (dev *FailingDevice) Write(buf []byte, pos int64) error {
	if dev.failing.Load() {
		return ErrInjected
	}
	return dev.BlockDevice.Write(buf, pos)
}
