package device

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/jnwhiteh/blockcache/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const bsize = 64

func block(b byte) []byte {
	return bytes.Repeat([]byte{b}, bsize)
}

// exercise runs the checks every block device has to pass: fresh reads,
// write/read round trips and out-of-range positions.
func exercise(t *testing.T, dev common.BlockDevice, nblocks int) {
	t.Helper()
	buf := make([]byte, bsize)

	require.NoError(t, dev.Write(block(7), 3*bsize))
	require.NoError(t, dev.Read(buf, 3*bsize))
	assert.Equal(t, block(7), buf)

	require.NoError(t, dev.Write(block(9), int64(nblocks-1)*bsize))
	require.NoError(t, dev.Read(buf, int64(nblocks-1)*bsize))
	assert.Equal(t, block(9), buf)

	err := dev.Read(buf, int64(nblocks)*bsize)
	assert.True(t, errors.Is(err, common.ErrSeek), "read past end: %v", err)
	err = dev.Write(buf, int64(nblocks)*bsize)
	assert.True(t, errors.Is(err, common.ErrSeek), "write past end: %v", err)
}

func TestRamdisk(t *testing.T) {
	dev := NewRamdisk(make([]byte, 16*bsize))
	exercise(t, dev, 16)

	snap := dev.Snapshot()
	assert.Equal(t, block(7), snap[3*bsize:4*bsize])
	assert.EqualValues(t, 16*bsize, dev.Size())

	require.NoError(t, dev.Close())
	err := dev.Read(make([]byte, bsize), 0)
	assert.True(t, errors.Is(err, common.ErrClosed))
}

func TestRamdiskFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(name, bytes.Repeat([]byte{1}, 4*bsize), 0o644))

	dev, err := NewRamdiskFile(name)
	require.NoError(t, err)
	buf := make([]byte, bsize)
	require.NoError(t, dev.Read(buf, 2*bsize))
	assert.Equal(t, block(1), buf)

	_, err = NewRamdiskFile(filepath.Join(t.TempDir(), "missing.img"))
	assert.Error(t, err)
}

func TestFileDevice(t *testing.T) {
	name := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(name, make([]byte, 8*bsize), 0o644))

	dev, err := OpenFile(name)
	require.NoError(t, err)
	exercise(t, dev, 8)
	require.NoError(t, dev.Sync())

	// the image is locked while open
	_, err = OpenFile(name)
	assert.True(t, errors.Is(err, common.ErrBusy), "second open: %v", err)

	require.NoError(t, dev.Close())
	assert.True(t, errors.Is(dev.Close(), common.ErrClosed))

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, block(7), data[3*bsize:4*bsize])

	// and unlocked once closed
	dev, err = OpenFile(name)
	require.NoError(t, err)
	require.NoError(t, dev.Close())
}

func TestLevelDBMemory(t *testing.T) {
	dev, err := NewMemLevelDB(bsize, 32)
	require.NoError(t, err)
	defer dev.Close()

	buf := block(0xAA)
	require.NoError(t, dev.Read(buf, 5*bsize))
	assert.Equal(t, make([]byte, bsize), buf, "unwritten blocks read as zeros")

	exercise(t, dev, 32)

	err = dev.Write(make([]byte, bsize-1), 0)
	assert.True(t, errors.Is(err, common.ErrShortBlock))
	err = dev.Read(buf, bsize/2)
	assert.True(t, errors.Is(err, common.ErrShortBlock))
}

func TestLevelDBPersists(t *testing.T) {
	dir := t.TempDir()
	dev, err := OpenLevelDB(dir, bsize, 8)
	require.NoError(t, err)
	require.NoError(t, dev.Write(block(4), 2*bsize))
	require.NoError(t, dev.Close())
	assert.True(t, errors.Is(dev.Close(), common.ErrClosed))

	_, err = OpenLevelDB(dir, 2*bsize, 0)
	assert.True(t, errors.Is(err, common.ErrInvalid), "got %v", err)

	dev, err = OpenLevelDB(dir, bsize, 0)
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, uint32(8), dev.Blocks())
	buf := make([]byte, bsize)
	require.NoError(t, dev.Read(buf, 2*bsize))
	assert.Equal(t, block(4), buf)
}

func TestLevelDBWithoutGeometry(t *testing.T) {
	_, err := OpenLevelDB(t.TempDir(), bsize, 0)
	assert.True(t, errors.Is(err, common.ErrInvalid), "got %v", err)
}

func TestTracedDevice(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	dev := Traced(NewRamdisk(make([]byte, 4*bsize)), "ram0", tp)
	require.NoError(t, dev.Write(block(3), bsize))
	require.NoError(t, dev.Read(make([]byte, bsize), bsize))
	require.Error(t, dev.Read(make([]byte, bsize), 10*bsize))

	spans := sr.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "device.write", spans[0].Name())
	assert.Equal(t, "device.read", spans[1].Name())
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
	assert.Equal(t, codes.Error, spans[2].Status().Code)

	_, ok := dev.Unwrap().(*Ramdisk)
	assert.True(t, ok)
}
