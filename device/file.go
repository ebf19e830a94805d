package device

import (
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/jnwhiteh/blockcache/common"
	"github.com/jnwhiteh/blockcache/log"
	"golang.org/x/sys/unix"
)

// A File is a block device backed by a disk image. The image is locked with
// flock(2) for as long as the device is open, so two caches cannot drive the
// same image at once.
type File struct {
	mu       sync.Mutex
	file     *os.File
	filename string
	size     int64
}

var _ common.BlockDevice = (*File)(nil)

// OpenFile opens an existing disk image for reading and writing. It fails
// with ErrBusy if another process has the image open as a device.
func OpenFile(filename string) (*File, error) {
	file, err := os.OpenFile(filename, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open disk image")
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.Wrapf(common.ErrBusy, "disk image %s is locked", filename)
		}
		return nil, errors.Wrap(err, "lock disk image")
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrap(err, "stat disk image")
	}
	log.New(log.DeviceModule).Debug("opened disk image", "file", filename, "size", info.Size())
	return &File{file: file, filename: filename, size: info.Size()}, nil
}

// must hold dev.mu
func (dev *File) check(n int, pos int64) error {
	if dev.file == nil {
		return common.ErrClosed
	}
	if pos < 0 || pos+int64(n) > dev.size {
		return errors.Wrapf(common.ErrSeek, "%d bytes at %d, size %d", n, pos, dev.size)
	}
	return nil
}

func (dev *File) Read(buf []byte, pos int64) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err := dev.check(len(buf), pos); err != nil {
		return err
	}
	n, err := dev.file.ReadAt(buf, pos)
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	if err != nil {
		return errors.Wrapf(err, "read %s", dev.filename)
	}
	return nil
}

func (dev *File) Write(buf []byte, pos int64) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if err := dev.check(len(buf), pos); err != nil {
		return err
	}
	if _, err := dev.file.WriteAt(buf, pos); err != nil {
		return errors.Wrapf(err, "write %s", dev.filename)
	}
	return nil
}

// Sync commits the image to stable storage.
func (dev *File) Sync() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.file == nil {
		return common.ErrClosed
	}
	return dev.file.Sync()
}

func (dev *File) Close() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.file == nil {
		return common.ErrClosed
	}
	_ = unix.Flock(int(dev.file.Fd()), unix.LOCK_UN)
	err := dev.file.Close()
	dev.file = nil
	return err
}

func (dev *File) Size() int64 {
	return dev.size
}
