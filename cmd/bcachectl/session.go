package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/jnwhiteh/blockcache/bcache"
	"github.com/jnwhiteh/blockcache/common"
	"github.com/jnwhiteh/blockcache/config"
	"github.com/jnwhiteh/blockcache/device"
	"github.com/jnwhiteh/blockcache/log"
	"github.com/natefinch/atomic"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// imageDev is the device number the image is mounted under.
const imageDev = 0

// A session is a cache with one disk image mounted on it.
type session struct {
	cfg     config.Config
	cache   *bcache.Cache
	dev     common.BlockDevice
	nblocks uint32

	path string
	ram  *device.Ramdisk // written back to path on close
	tp   *sdktrace.TracerProvider
}

func openSession(cfg config.Config, path string) (*session, error) {
	s := &session{cfg: cfg, path: path}
	bs := int64(cfg.BlockSize)

	switch cfg.Backend {
	case config.BackendRAM:
		ram, err := device.NewRamdiskFile(path)
		if err != nil {
			return nil, err
		}
		s.ram, s.dev, s.nblocks = ram, ram, uint32(ram.Size()/bs)
	case config.BackendFile:
		f, err := device.OpenFile(path)
		if err != nil {
			return nil, err
		}
		s.dev, s.nblocks = f, uint32(f.Size()/bs)
	case config.BackendLevelDB:
		db, err := device.OpenLevelDB(path, cfg.BlockSize, 0)
		if err != nil {
			return nil, err
		}
		s.dev, s.nblocks = db, db.Blocks()
	default:
		return nil, errors.Wrapf(common.ErrInvalid, "backend %q", cfg.Backend)
	}

	if cfg.Trace {
		s.tp = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanLogger{log.New(log.DeviceModule)}))
		s.dev = device.Traced(s.dev, filepath.Base(path), s.tp)
	}

	cache, err := bcache.New(cfg.Options()...)
	if err == nil {
		err = cache.MountDevice(imageDev, s.dev)
	}
	if err != nil {
		s.dev.Close()
		return nil, err
	}
	s.cache = cache
	return s, nil
}

func (s *session) checkBlock(blockno uint32) error {
	if blockno >= s.nblocks {
		return errors.Wrapf(common.ErrSeek, "block %d of %d", blockno, s.nblocks)
	}
	return nil
}

// close unmounts and closes the image. It fails with ErrBusy if a buffer is
// still referenced.
func (s *session) close() error {
	if err := s.cache.UnmountDevice(imageDev); err != nil {
		return err
	}
	var snapshot []byte
	if s.ram != nil {
		snapshot = s.ram.Snapshot()
	}
	err := errors.CombineErrors(s.dev.Close(), s.cache.Close())
	if s.ram != nil && err == nil {
		err = atomic.WriteFile(s.path, bytes.NewReader(snapshot))
	}
	if s.tp != nil {
		err = errors.CombineErrors(err, s.tp.Shutdown(context.Background()))
	}
	return err
}

// spanLogger logs every finished span at debug level.
type spanLogger struct {
	logger *slog.Logger
}

func (spanLogger) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (l spanLogger) OnEnd(s sdktrace.ReadOnlySpan) {
	args := []any{"took", s.EndTime().Sub(s.StartTime())}
	for _, kv := range s.Attributes() {
		args = append(args, string(kv.Key), kv.Value.Emit())
	}
	if st := s.Status(); st.Description != "" {
		args = append(args, "err", st.Description)
	}
	l.logger.Debug(s.Name(), args...)
}

func (spanLogger) Shutdown(context.Context) error   { return nil }
func (spanLogger) ForceFlush(context.Context) error { return nil }
