package common

import "github.com/cockroachdb/errors"

// Errors returned (or, for ErrNoBuffers, panicked) by the cache and the block
// devices. The busy/invalid strings follow the classic errlist wording.
var (
	ErrBusy       = errors.New("Resource busy")
	ErrInvalid    = errors.New("Invalid argument")
	ErrNoDevice   = errors.New("No such device")
	ErrNoBuffers  = errors.New("all buffers in use")
	ErrDevice     = errors.New("device I/O error")
	ErrSeek       = errors.New("could not seek to given position")
	ErrClosed     = errors.New("device is closed")
	ErrShortBlock = errors.New("buffer is not a full block")
)

// DeviceError marks err as a failure of the block device underneath the
// cache, annotated with the block that was being transferred. Both ErrDevice
// and the original error remain visible to errors.Is.
func DeviceError(err error, op string, dev int, blockno uint32) error {
	return errors.Mark(errors.Wrapf(err, "%s dev %d block %d", op, dev, blockno), ErrDevice)
}

// ContractViolation builds the panic value used when a client breaks the
// calling contract of the cache (e.g. releasing a buffer it does not hold).
func ContractViolation(format string, args ...interface{}) error {
	return errors.AssertionFailedf(format, args...)
}
