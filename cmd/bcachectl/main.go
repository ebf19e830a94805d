// Command bcachectl drives a buffer cache over a disk image.
//
// Usage:
//
//	bcachectl mkimg disk.img --blocks 256 --pattern index
//	bcachectl put disk.img 7 "hello"
//	bcachectl cat disk.img 7
//	bcachectl stress disk.img --workers 8 --rounds 1000 --metrics
//
// Cache geometry and the image backend come from bcache.json in the working
// directory (or --config), overridden by flags.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jnwhiteh/blockcache/config"
	"github.com/jnwhiteh/blockcache/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bcachectl: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	config    string
	logLevel  string
	backend   string
	buffers   int
	buckets   int
	blockSize int
	trace     bool
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	def := config.Default()
	fs.StringVarP(&g.config, "config", "c", "", "config file (default ./"+config.FileName+" if present)")
	fs.StringVar(&g.logLevel, "log-level", def.LogLevel, "log level: trace|debug|info|warn|error|crit")
	fs.StringVar(&g.backend, "backend", def.Backend, "image backend: ram|file|leveldb")
	fs.IntVar(&g.buffers, "buffers", def.Buffers, "number of buffer slots")
	fs.IntVar(&g.buckets, "buckets", def.Buckets, "number of shards")
	fs.IntVar(&g.blockSize, "block-size", def.BlockSize, "block size in bytes")
	fs.BoolVar(&g.trace, "trace", def.Trace, "log a span for every device transfer")
}

// settings loads the config file and applies the flags set on the command
// line over it.
func (g *globalFlags) settings(fs *pflag.FlagSet) (config.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return config.Config{}, err
	}
	cfg, _, err := config.Load(wd, g.config)
	if err != nil {
		return config.Config{}, err
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.LogLevel = g.logLevel
		case "backend":
			cfg.Backend = g.backend
		case "buffers":
			cfg.Buffers = g.buffers
		case "buckets":
			cfg.Buckets = g.buckets
		case "block-size":
			cfg.BlockSize = g.blockSize
		case "trace":
			cfg.Trace = g.trace
		}
	})
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if err := log.InitLogger(cfg.LogLevel); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "bcachectl",
		Short:         "Inspect and exercise a buffer cache over a disk image",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(out)
	g.register(root.PersistentFlags())

	root.AddCommand(
		newMkimgCmd(g),
		newCatCmd(g),
		newPutCmd(g),
		newLayoutCmd(g),
		newStressCmd(g),
	)
	return root
}
