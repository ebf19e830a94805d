package main

import (
	"bytes"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/jnwhiteh/blockcache/common"
	"github.com/jnwhiteh/blockcache/config"
	"github.com/jnwhiteh/blockcache/debug"
	"github.com/jnwhiteh/blockcache/device"
	"github.com/jnwhiteh/blockcache/log"
	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
)

func parseBlock(arg string) (uint32, error) {
	n, err := strconv.ParseUint(arg, 0, 32)
	if err != nil {
		return 0, errors.Wrapf(common.ErrInvalid, "block number %q", arg)
	}
	return uint32(n), nil
}

// withSession runs f with the image mounted and closes it afterwards.
func withSession(cmd *cobra.Command, g *globalFlags, path string, f func(*session) error) error {
	cfg, err := g.settings(cmd.Flags())
	if err != nil {
		return err
	}
	s, err := openSession(cfg, path)
	if err != nil {
		return err
	}
	return errors.CombineErrors(f(s), s.close())
}

func newMkimgCmd(g *globalFlags) *cobra.Command {
	var (
		blocks  uint32
		pattern string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "mkimg <image>",
		Short: "Create a disk image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.settings(cmd.Flags())
			if err != nil {
				return err
			}
			if blocks == 0 {
				return errors.Wrap(common.ErrInvalid, "image needs at least one block")
			}
			if pattern != "zero" && pattern != "index" {
				return errors.Wrapf(common.ErrInvalid, "pattern %q", pattern)
			}
			return makeImage(cfg, args[0], blocks, pattern == "index", force)
		},
	}
	cmd.Flags().Uint32Var(&blocks, "blocks", 256, "image size in blocks")
	cmd.Flags().StringVar(&pattern, "pattern", "zero", "initial contents: zero, or index to fill block i with byte i")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "replace an existing image")
	return cmd
}

func makeImage(cfg config.Config, path string, blocks uint32, index, force bool) error {
	if _, err := os.Stat(path); err == nil {
		if !force {
			return errors.Wrapf(common.ErrBusy, "%s exists", path)
		}
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	}
	logger := log.New(log.CLIModule)

	if cfg.Backend == config.BackendLevelDB {
		db, err := device.OpenLevelDB(path, cfg.BlockSize, blocks)
		if err != nil {
			return err
		}
		if index {
			block := make([]byte, cfg.BlockSize)
			for i := uint32(0); i < blocks; i++ {
				for j := range block {
					block[j] = byte(i)
				}
				if err := db.Write(block, common.BlockPos(i, cfg.BlockSize)); err != nil {
					db.Close()
					return err
				}
			}
		}
		logger.Info("created leveldb image", "path", path, "blocks", blocks)
		return db.Close()
	}

	data := make([]byte, int(blocks)*cfg.BlockSize)
	if index {
		for i := range data {
			data[i] = byte(i / cfg.BlockSize)
		}
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return errors.Wrap(err, "write image")
	}
	logger.Info("created image", "path", path, "blocks", blocks, "bytes", len(data))
	return nil
}

func newCatCmd(g *globalFlags) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "cat <image> <block>",
		Short: "Print a block through the cache",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			blockno, err := parseBlock(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, g, args[0], func(s *session) error {
				if err := s.checkBlock(blockno); err != nil {
					return err
				}
				bp, err := s.cache.Read(imageDev, blockno)
				if err != nil {
					return err
				}
				defer s.cache.Release(bp)
				if raw {
					_, err = cmd.OutOrStdout().Write(bp.Data())
					return err
				}
				return debug.DumpBlock(cmd.OutOrStdout(), bp.Data(), blockno)
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "write the block bytes instead of a hex dump")
	return cmd
}

func newPutCmd(g *globalFlags) *cobra.Command {
	var (
		offset int
		zero   bool
	)
	cmd := &cobra.Command{
		Use:   "put <image> <block> <text>",
		Short: "Write text into a block through the cache",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			blockno, err := parseBlock(args[1])
			if err != nil {
				return err
			}
			text := []byte(args[2])
			return withSession(cmd, g, args[0], func(s *session) error {
				if err := s.checkBlock(blockno); err != nil {
					return err
				}
				if offset < 0 || offset+len(text) > s.cache.BlockSize() {
					return errors.Wrapf(common.ErrInvalid, "%d bytes at offset %d do not fit a %d byte block",
						len(text), offset, s.cache.BlockSize())
				}
				bp, err := s.cache.Read(imageDev, blockno)
				if err != nil {
					return err
				}
				defer s.cache.Release(bp)
				if zero {
					clear(bp.Data())
				}
				copy(bp.Data()[offset:], text)
				return s.cache.Write(bp)
			})
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "byte offset within the block")
	cmd.Flags().BoolVar(&zero, "zero", false, "clear the block first")
	return cmd
}

func newLayoutCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "layout <image> [block...]",
		Short: "Read blocks and show where they landed in the cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blocks := make([]uint32, 0, len(args)-1)
			for _, arg := range args[1:] {
				blockno, err := parseBlock(arg)
				if err != nil {
					return err
				}
				blocks = append(blocks, blockno)
			}
			return withSession(cmd, g, args[0], func(s *session) error {
				for _, blockno := range blocks {
					if err := s.checkBlock(blockno); err != nil {
						return err
					}
					bp, err := s.cache.Read(imageDev, blockno)
					if err != nil {
						return err
					}
					s.cache.Release(bp)
				}
				out := cmd.OutOrStdout()
				if err := debug.PrintLayout(out, s.cache.Layout()); err != nil {
					return err
				}
				return printStats(out, s.cache.Stats())
			})
		},
	}
}
