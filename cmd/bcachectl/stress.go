package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/cockroachdb/errors"
	"github.com/jnwhiteh/blockcache/bcache"
	"github.com/jnwhiteh/blockcache/common"
	"github.com/jnwhiteh/blockcache/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type stressOptions struct {
	workers int
	rounds  int
	span    uint32
	seed    uint64
	metrics bool
}

func newStressCmd(g *globalFlags) *cobra.Command {
	var o stressOptions
	cmd := &cobra.Command{
		Use:   "stress <image>",
		Short: "Increment counters in random blocks from concurrent workers",
		Long: `Each worker repeatedly reads a random block of the working set, increments
the counter stored in its first eight bytes, writes it back and releases it.
When all workers are done the counters must have grown by workers*rounds.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, args[0], func(s *session) error {
				return runStress(cmd.Context(), cmd.OutOrStdout(), s, o)
			})
		},
	}
	cmd.Flags().IntVarP(&o.workers, "workers", "w", 4, "concurrent workers, at most the number of buffers")
	cmd.Flags().IntVarP(&o.rounds, "rounds", "n", 1000, "increments per worker")
	cmd.Flags().Uint32Var(&o.span, "span", 0, "working set size in blocks (default twice the buffers)")
	cmd.Flags().Uint64Var(&o.seed, "seed", 1, "random seed")
	cmd.Flags().BoolVar(&o.metrics, "metrics", false, "print cache metrics in Prometheus text format")
	return cmd
}

func runStress(ctx context.Context, out io.Writer, s *session, o stressOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// Each worker holds one buffer at a time, so this many never exhaust
	// the cache.
	if o.workers <= 0 || o.workers > s.cfg.Buffers || o.rounds < 0 {
		return errors.Wrapf(common.ErrInvalid, "%d workers and %d rounds over %d buffers",
			o.workers, o.rounds, s.cfg.Buffers)
	}
	if o.span == 0 {
		o.span = uint32(2 * s.cfg.Buffers)
	}
	o.span = min(o.span, s.nblocks)
	if s.cache.BlockSize() < 8 {
		return errors.Wrapf(common.ErrInvalid, "block size %d cannot hold a counter", s.cache.BlockSize())
	}

	before, err := sumCounters(s, o.span)
	if err != nil {
		return err
	}

	logger := log.New(log.CLIModule)
	logger.Info("stress started", "workers", o.workers, "rounds", o.rounds, "span", o.span)
	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < o.workers; w++ {
		rng := rand.New(rand.NewPCG(o.seed, uint64(w)))
		eg.Go(func() error {
			for i := 0; i < o.rounds; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := increment(s, rng.Uint32N(o.span)); err != nil {
					return errors.Wrapf(err, "worker %d", w)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	after, err := sumCounters(s, o.span)
	if err != nil {
		return err
	}
	want := uint64(o.workers) * uint64(o.rounds)
	if after-before != want {
		return errors.Newf("lost updates: counters grew by %d, want %d", after-before, want)
	}
	fmt.Fprintf(out, "ok: %d increments over %d blocks\n", want, o.span)
	if err := printStats(out, s.cache.Stats()); err != nil {
		return err
	}
	if o.metrics {
		return printMetrics(out, s.cache)
	}
	return nil
}

func increment(s *session, blockno uint32) error {
	bp, err := s.cache.Read(imageDev, blockno)
	if err != nil {
		return err
	}
	defer s.cache.Release(bp)
	data := bp.Data()
	binary.LittleEndian.PutUint64(data, binary.LittleEndian.Uint64(data)+1)
	return s.cache.Write(bp)
}

func sumCounters(s *session, span uint32) (uint64, error) {
	var sum uint64
	for blockno := uint32(0); blockno < span; blockno++ {
		bp, err := s.cache.Read(imageDev, blockno)
		if err != nil {
			return 0, err
		}
		sum += binary.LittleEndian.Uint64(bp.Data())
		s.cache.Release(bp)
	}
	return sum, nil
}

func printStats(w io.Writer, st bcache.Stats) error {
	_, err := fmt.Fprintf(w, "hits %d misses %d (evictions %d migrations %d) device reads %d writes %d errors %d\n",
		st.Hits, st.Misses, st.Evictions, st.Migrations, st.DeviceReads, st.DeviceWrites, st.DeviceErrors)
	return err
}

func printMetrics(w io.Writer, c *bcache.Cache) error {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(bcache.NewCollector(c, "bcachectl")); err != nil {
		return err
	}
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
