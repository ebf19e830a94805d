// Package config loads the cache geometry and runtime settings from a JWCC
// (JSON with comments and trailing commas) file.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/jnwhiteh/blockcache/bcache"
	"github.com/jnwhiteh/blockcache/common"
	"github.com/jnwhiteh/blockcache/log"
	"github.com/tailscale/hujson"
)

// FileName is the config file looked up in the working directory.
const FileName = "bcache.json"

// Backends a disk image can be driven through.
const (
	BackendRAM     = "ram"     // load the image into memory, save it back on exit
	BackendFile    = "file"    // read and write the image file in place
	BackendLevelDB = "leveldb" // the image is a LevelDB directory
)

var (
	errConfigInvalid  = errors.New("invalid config")
	errConfigNotFound = errors.New("config file not found")
)

type Config struct {
	Buffers   int    `json:"buffers"`
	Buckets   int    `json:"buckets"`
	BlockSize int    `json:"block_size"`
	LogLevel  string `json:"log_level"`
	Backend   string `json:"backend"`
	Trace     bool   `json:"trace"`
}

func Default() Config {
	return Config{
		Buffers:   common.NBuf,
		Buckets:   common.NBuckets,
		BlockSize: common.BlockSize,
		LogLevel:  "info",
		Backend:   BackendFile,
	}
}

// Load reads the config at path on top of the defaults. An empty path means
// FileName in workDir, which may be missing. It returns the path actually
// loaded, or "" if only defaults apply.
func Load(workDir, path string) (Config, string, error) {
	mustExist := path != ""
	if path == "" {
		path = FileName
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			cfg := Default()
			return cfg, "", cfg.Validate()
		}
		if os.IsNotExist(err) {
			return Config{}, "", errors.Wrapf(errConfigNotFound, "%s", path)
		}
		return Config{}, "", errors.Wrapf(err, "read config %s", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, "", errors.Wrapf(err, "%s", path)
	}
	return cfg, path, nil
}

// Parse decodes a JWCC document on top of the defaults and validates it.
func Parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, errors.Mark(errors.Wrap(err, "invalid JWCC"), errConfigInvalid)
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Mark(errors.Wrap(err, "decode config"), errConfigInvalid)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Buffers <= 0:
		return errors.Wrapf(errConfigInvalid, "buffers must be positive, got %d", c.Buffers)
	case c.Buckets <= 0:
		return errors.Wrapf(errConfigInvalid, "buckets must be positive, got %d", c.Buckets)
	case c.Buckets > c.Buffers:
		return errors.Wrapf(errConfigInvalid, "%d buckets for only %d buffers", c.Buckets, c.Buffers)
	case c.BlockSize <= 0 || c.BlockSize%512 != 0:
		return errors.Wrapf(errConfigInvalid, "block_size must be a positive multiple of 512, got %d", c.BlockSize)
	}
	switch c.Backend {
	case BackendRAM, BackendFile, BackendLevelDB:
	default:
		return errors.Wrapf(errConfigInvalid, "unknown backend %q", c.Backend)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Mark(err, errConfigInvalid)
	}
	return nil
}

// Options returns the cache options described by the config.
func (c Config) Options() []bcache.Option {
	return []bcache.Option{
		bcache.WithBuffers(c.Buffers),
		bcache.WithBuckets(c.Buckets),
		bcache.WithBlockSize(c.BlockSize),
	}
}

// IsInvalid reports whether err was caused by a malformed config.
func IsInvalid(err error) bool {
	return errors.Is(err, errConfigInvalid)
}

// IsNotFound reports whether err was caused by a missing explicit config file.
func IsNotFound(err error) bool {
	return errors.Is(err, errConfigNotFound)
}
